package api

import (
	"net/http"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
)

// HealthHandler validates liveness and database connectivity.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Pool == nil {
			// No pool wired (tests); liveness only.
			helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
			return
		}

		if err := s.Pool.Ping(r.Context()); err != nil {
			s.Logger.Error("health_check_failed", "error", err, "detail", "database_unreachable")
			helpers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "service temporarily unavailable",
			})
			return
		}

		helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
