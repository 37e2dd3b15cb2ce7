package middleware

import (
	"net/http"
	"strings"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
)

// ScopeMatches reports whether a granted scope satisfies a required
// one. "*" and the legacy catch-all satisfy anything; a trailing ".*"
// wildcard matches across the dot boundary in either position.
func ScopeMatches(granted, required string) bool {
	if granted == required {
		return true
	}
	if granted == "*" || granted == "legacy.full_access" {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, ".*"); ok {
		if strings.HasPrefix(required, prefix+".") {
			return true
		}
	}
	if prefix, ok := strings.CutSuffix(required, ".*"); ok {
		if strings.HasPrefix(granted, prefix+".") {
			return true
		}
	}
	return false
}

// HasScope reports whether any granted scope satisfies required.
func HasScope(granted []string, required string) bool {
	for _, g := range granted {
		if ScopeMatches(g, required) {
			return true
		}
	}
	return false
}

// RequireScopes passes when the caller holds ANY of the listed scopes.
// bypass_all_checks short-circuits.
func RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return requireScopes(scopes, false)
}

// RequireAllScopes passes only when the caller holds ALL listed scopes.
func RequireAllScopes(scopes ...string) func(http.Handler) http.Handler {
	return requireScopes(scopes, true)
}

func requireScopes(scopes []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := GetAuthContext(r.Context())
			if err != nil {
				helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
				return
			}
			if ac.BypassAllChecks {
				next.ServeHTTP(w, r)
				return
			}

			matched := 0
			for _, required := range scopes {
				if HasScope(ac.Scopes, required) {
					matched++
					if !all {
						break
					}
				}
			}
			ok := matched > 0
			if all {
				ok = matched == len(scopes)
			}
			if !ok {
				helpers.RespondScopeError(w, r, scopes, ac.Scopes)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
