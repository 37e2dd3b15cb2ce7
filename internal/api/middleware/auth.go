package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/identity"
)

// SessionCookieName is the cross-subdomain SSO cookie.
const SessionCookieName = "lanonasis_session"

// uaiTimeout bounds the best-effort identity resolution so a slow UAI
// store cannot slow authentication.
const uaiTimeout = 2 * time.Second

// Authenticator resolves credentials through three tiers, in order:
// SSO cookie, bearer JWT, API key. The first tier whose credential is
// PRESENT decides the outcome; a present-but-invalid credential fails
// the request rather than falling through.
type Authenticator struct {
	auth     *auth.Service
	keys     *apikey.Service
	resolver *identity.Resolver // nil disables UAI resolution
}

func NewAuthenticator(authService *auth.Service, keys *apikey.Service, resolver *identity.Resolver) *Authenticator {
	return &Authenticator{auth: authService, keys: keys, resolver: resolver}
}

// Middleware authenticates the request or rejects it with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := a.authenticate(w, r)
		if !ok {
			return
		}
		if ac == nil {
			helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// Optional authenticates when credentials are present but lets
// anonymous requests through. Invalid credentials still fail.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := a.authenticate(w, r)
		if !ok {
			return
		}
		if ac != nil {
			r = r.WithContext(WithAuthContext(r.Context(), ac))
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate returns (nil, true) when no credential was presented,
// (ac, true) on success, and (nil, false) after writing a rejection.
func (a *Authenticator) authenticate(w http.ResponseWriter, r *http.Request) (*AuthContext, bool) {
	// Tier 1: SSO cookie.
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		ac := a.fromToken(r.Context(), cookie.Value, MethodCookie)
		if ac == nil {
			helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Invalid or expired session")
			return nil, false
		}
		// Cookie sessions act with full user authority.
		ac.Scopes = []string{"*"}
		a.resolveUAI(r.Context(), ac, ac.UserID)
		return ac, true
	}

	bearer := bearerToken(r)
	apiKeyHeader := r.Header.Get("X-API-Key")

	// Tier 3 fast path: an API key in either position.
	presented := ""
	switch {
	case apiKeyHeader != "":
		presented = apiKeyHeader
	case bearer != "" && a.keys.HasRecognizedPrefix(bearer):
		presented = bearer
	}
	if presented != "" {
		ac := a.fromAPIKey(r.Context(), presented)
		if ac == nil {
			helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Invalid API key")
			return nil, false
		}
		return ac, true
	}

	// Tier 2: bearer JWT.
	if bearer != "" {
		ac := a.fromToken(r.Context(), bearer, MethodJWT)
		if ac == nil {
			helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Invalid or expired token")
			return nil, false
		}
		a.resolveUAI(r.Context(), ac, ac.UserID)
		return ac, true
	}

	return nil, true
}

// fromToken validates a JWT and, unless the token carries
// bypass_all_checks, requires a live backing session row.
func (a *Authenticator) fromToken(ctx context.Context, token, method string) *AuthContext {
	claims, err := a.auth.Tokens().Validate(token)
	if err != nil {
		return nil
	}

	if !claims.BypassAllChecks {
		session, err := a.auth.Sessions().GetByAccessTokenHash(ctx, auth.HashToken(token))
		if err != nil || !session.Live(time.Now()) {
			return nil
		}
	}

	return &AuthContext{
		UserID:          claims.Subject,
		Email:           claims.Email,
		Role:            claims.Role,
		Plan:            claims.Plan,
		OrganizationID:  claims.OrganizationID,
		Platform:        claims.Platform,
		Scopes:          strings.Fields(claims.Scope),
		Method:          method,
		BypassAllChecks: claims.BypassAllChecks,
	}
}

func (a *Authenticator) fromAPIKey(ctx context.Context, presented string) *AuthContext {
	v, err := a.keys.Validate(ctx, presented)
	if err != nil {
		return nil
	}
	ac := &AuthContext{
		UserID:   v.UserID,
		Platform: auth.PlatformAPI,
		Scopes:   v.Scopes,
		Method:   MethodAPIKey,
		KeyID:    v.KeyID,
	}
	// The key row carries no email; the resolver needs one to link the
	// credential to the owner's universal identity.
	if user, err := a.auth.GetUser(ctx, v.UserID); err == nil {
		ac.Email = user.Email
	}
	a.resolveUAI(ctx, ac, v.KeyID.String())
	return ac
}

// resolveUAI is non-blocking in effect: bounded, best-effort, and its
// failure leaves UniversalID nil without failing the request.
func (a *Authenticator) resolveUAI(ctx context.Context, ac *AuthContext, identifier string) {
	if a.resolver == nil || identifier == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, uaiTimeout)
	defer cancel()

	method := identity.MethodSupabaseJWT
	switch ac.Method {
	case MethodAPIKey:
		method = identity.MethodAPIKey
	case MethodCookie:
		method = identity.MethodSSOSession
	}

	resolved := a.resolver.Resolve(ctx, method, identifier, identity.ResolveOptions{
		CreateIfMissing: true,
		Email:           ac.Email,
		OrganizationID:  ac.OrganizationID,
		CredentialID:    identifier,
	})
	if resolved != nil {
		ac.UniversalID = resolved.UniversalID
		if ac.Email == "" {
			ac.Email = resolved.PrimaryEmail
		}
	} else {
		ac.UniversalID = uuid.Nil
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
