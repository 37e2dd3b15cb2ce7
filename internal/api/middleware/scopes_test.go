package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/middleware"
)

func TestScopeMatches(t *testing.T) {
	cases := []struct {
		granted  string
		required string
		want     bool
	}{
		{"memory.read", "memory.read", true},
		{"memory.read", "memory.write", false},
		{"*", "memory.read", true},
		{"*", "anything.at.all", true},
		{"legacy.full_access", "memory.read", true},
		{"memory.*", "memory.read", true},
		{"memory.*", "memory.read.deep", true},
		{"memory.*", "billing.read", false},
		{"memory.read", "memory.*", true},
		{"billing.read", "memory.*", false},
		// No cross-boundary prefix matching without the dot wildcard.
		{"memory", "memory.read", false},
		{"memoryx.*", "memory.read", false},
		{"", "memory.read", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, middleware.ScopeMatches(tc.granted, tc.required),
			"granted=%q required=%q", tc.granted, tc.required)
	}
}

func TestHasScope(t *testing.T) {
	granted := []string{"billing.read", "memory.*"}
	assert.True(t, middleware.HasScope(granted, "memory.write"))
	assert.True(t, middleware.HasScope(granted, "billing.read"))
	assert.False(t, middleware.HasScope(granted, "admin.apps"))
	assert.False(t, middleware.HasScope(nil, "memory.read"))
}

func scopedRequest(scopes []string, bypass bool) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	ac := &middleware.AuthContext{
		UserID:          "user-1",
		Scopes:          scopes,
		Method:          middleware.MethodJWT,
		BypassAllChecks: bypass,
	}
	return r.WithContext(middleware.WithAuthContext(r.Context(), ac))
}

func TestRequireScopes(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := middleware.RequireScopes("memory.read", "memory.admin")(next)

	t.Run("no auth context", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("any listed scope passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, scopedRequest([]string{"memory.read"}, false))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("insufficient scope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, scopedRequest([]string{"billing.read"}, false))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "SCOPE_INSUFFICIENT")
		// The rejection names what was needed and what was held.
		assert.Contains(t, rec.Body.String(), `"required":["memory.read","memory.admin"]`)
		assert.Contains(t, rec.Body.String(), `"provided":["billing.read"]`)
	})

	t.Run("bypass short-circuits", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, scopedRequest(nil, true))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRequireAllScopes(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := middleware.RequireAllScopes("memory.read", "memory.write")(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, scopedRequest([]string{"memory.read"}, false))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, scopedRequest([]string{"memory.read", "memory.write"}, false))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, scopedRequest([]string{"memory.*"}, false))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
