package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
)

// PanicRecovery captures panics, logs them with a stack trace, reports
// to Sentry when active, and returns a generic 500.
func PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				slog.Error("PANIC RECOVERED",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"ip", r.RemoteAddr,
					"stack", stack,
				)

				if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
					hub.Recover(err)
				}

				helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
