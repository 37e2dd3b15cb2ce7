package middleware

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// Auth method names attached to authenticated requests.
const (
	MethodCookie = "sso_cookie"
	MethodJWT    = "bearer_jwt"
	MethodAPIKey = "api_key"
)

// AuthContext is what a successful tier attaches to the request.
type AuthContext struct {
	UserID          string
	Email           string
	Role            string
	Plan            string
	OrganizationID  string
	Platform        auth.Platform
	Scopes          []string
	Method          string
	BypassAllChecks bool

	// KeyID is set only when Method is MethodAPIKey.
	KeyID uuid.UUID

	// UniversalID is the resolved UAI, uuid.Nil when resolution was
	// skipped or failed.
	UniversalID uuid.UUID
}

var ErrNoAuthContext = errors.New("no auth context")

// WithAuthContext attaches the auth context.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// GetAuthContext returns the auth context for the request.
func GetAuthContext(ctx context.Context) (*AuthContext, error) {
	ac, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok || ac == nil {
		return nil, ErrNoAuthContext
	}
	return ac, nil
}
