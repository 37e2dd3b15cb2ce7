package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/middleware"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/identity"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/idp"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/memory"
	"github.com/thefixer3x/Onasis-CORE-sub007/pkg/logger"
)

type fakeIdP struct {
	users map[string]idp.UserInfo
}

func (f *fakeIdP) VerifyPassword(_ context.Context, email, password string) (*idp.UserInfo, error) {
	info, ok := f.users[email]
	if !ok || password != "correct horse" {
		return nil, idp.ErrInvalidCredentials
	}
	return &info, nil
}

func (f *fakeIdP) SignUp(_ context.Context, email, _ string, metadata map[string]any) (*idp.UserInfo, error) {
	if _, exists := f.users[email]; exists {
		return nil, idp.ErrInvalidCredentials
	}
	info := idp.UserInfo{ID: "user-" + email, Email: email, Role: "authenticated", Plan: "free", Metadata: metadata}
	f.users[email] = info
	return &info, nil
}

type gateway struct {
	router http.Handler
	auth   *auth.Service
	oauth  *oauth.Service
	keys   *apikey.Service
	store  *memory.Store
}

func newGateway(t *testing.T) *gateway {
	t.Helper()

	store := memory.NewStore()
	log := logger.Setup("test", "gateway-test")
	provider, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "http://auth.test")
	require.NoError(t, err)

	upstream := &fakeIdP{users: map[string]idp.UserInfo{
		"alice@example.com": {ID: "user-alice", Email: "alice@example.com", Role: "authenticated", Plan: "pro"},
	}}

	authService := auth.NewService(
		auth.Config{},
		upstream,
		provider,
		store.Users(),
		store.Sessions(),
		store.Codes(),
		store.Admins(),
		audit.NopLogger{},
		log,
	)
	keys := apikey.NewService(store.APIKeys(), nil, audit.NopLogger{}, log)
	oauthService := oauth.NewService(store.OAuth(), authService, audit.NopLogger{}, log)
	resolver := identity.NewResolver(store.Identities(), log)

	server := api.NewServer(api.ServerConfig{
		Auth:     authService,
		OAuth:    oauthService,
		APIKeys:  keys,
		Resolver: resolver,
		Issuer:   "http://auth.test",
	})

	return &gateway{
		router: server.Router,
		auth:   authService,
		oauth:  oauthService,
		keys:   keys,
		store:  store,
	}
}

func (g *gateway) do(t *testing.T, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for _, fn := range mutate {
		fn(r)
	}
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	return nil
}

func loginAlice(t *testing.T, g *gateway) (code string, cookie *http.Cookie) {
	t.Helper()
	rec := g.do(t, http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "correct horse",
		"platform": "web",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	cookie = sessionCookie(rec)
	require.NotNil(t, cookie)
	return body["code"].(string), cookie
}

func TestHealthEndpoint(t *testing.T) {
	g := newGateway(t)
	rec := g.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestDiscoveryDocument(t *testing.T) {
	g := newGateway(t)
	rec := g.do(t, http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeBody(t, rec)
	assert.Equal(t, "http://auth.test", doc["issuer"])
	assert.Equal(t, "http://auth.test/oauth/token", doc["token_endpoint"])
	assert.Contains(t, doc["grant_types_supported"], "urn:ietf:params:oauth:grant-type:device_code")

	// HS256 deployments publish no key set.
	assert.NotContains(t, doc, "jwks_uri")
	rec = g.do(t, http.MethodGet, "/.well-known/jwks.json", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginAndExchangeFlow(t *testing.T) {
	g := newGateway(t)

	code, cookie := loginAlice(t, g)
	assert.NotEmpty(t, code)
	assert.True(t, cookie.HttpOnly)

	rec := g.do(t, http.MethodPost, "/v1/auth/exchange", map[string]any{"code": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "bearer", body["token_type"])
	assert.Equal(t, "user-alice", body["user"].(map[string]any)["id"])

	// A code redeems exactly once.
	rec = g.do(t, http.MethodPost, "/v1/auth/exchange", map[string]any{"code": code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CODE")
}

func TestLoginInvalidCredentialsEnvelope(t *testing.T) {
	g := newGateway(t)
	rec := g.do(t, http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Invalid credentials", body["error"])
	assert.Equal(t, "UNAUTHORIZED", body["code"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotEmpty(t, body["request_id"])
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	g := newGateway(t)
	rec := g.do(t, http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "correct horse",
		"admin":    true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BAD_REQUEST")
}

func TestSignup(t *testing.T) {
	g := newGateway(t)

	rec := g.do(t, http.MethodPost, "/v1/auth/signup", map[string]any{
		"email":    "bob@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "bob@example.com", decodeBody(t, rec)["email"])

	// Short password never reaches the upstream.
	rec = g.do(t, http.MethodPost, "/v1/auth/signup", map[string]any{
		"email":    "carol@example.com",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticatedUserEndpoint(t *testing.T) {
	g := newGateway(t)
	_, cookie := loginAlice(t, g)

	rec := g.do(t, http.MethodGet, "/v1/auth/user", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "user-alice", body["id"])
	assert.Equal(t, "sso_cookie", body["auth_method"])

	rec = g.do(t, http.MethodGet, "/v1/auth/user", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRotatesPair(t *testing.T) {
	g := newGateway(t)
	code, _ := loginAlice(t, g)

	rec := g.do(t, http.MethodPost, "/v1/auth/exchange", map[string]any{"code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody(t, rec)

	rec = g.do(t, http.MethodPost, "/v1/auth/refresh", map[string]any{
		"refresh_token": first["refresh_token"],
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeBody(t, rec)
	assert.NotEqual(t, first["access_token"], second["access_token"])
	assert.NotEqual(t, first["refresh_token"], second["refresh_token"])
}

func TestLogoutRevokesSession(t *testing.T) {
	g := newGateway(t)
	code, _ := loginAlice(t, g)

	rec := g.do(t, http.MethodPost, "/v1/auth/exchange", map[string]any{"code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	access := decodeBody(t, rec)["access_token"].(string)

	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+access) }

	rec = g.do(t, http.MethodGet, "/v1/auth/user", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodPost, "/v1/auth/logout", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	if c := sessionCookie(rec); c != nil {
		assert.Less(t, c.MaxAge, 0)
	}

	rec = g.do(t, http.MethodGet, "/v1/auth/user", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyTokenEndpoint(t *testing.T) {
	g := newGateway(t)
	rec := g.do(t, http.MethodPost, "/v1/auth/verify-token", map[string]any{"token": "garbage"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["active"])
}

func TestKeysLifecycle(t *testing.T) {
	g := newGateway(t)
	_, cookie := loginAlice(t, g)
	withCookie := func(r *http.Request) { r.AddCookie(cookie) }

	rec := g.do(t, http.MethodPost, "/v1/keys/", map[string]any{
		"name":   "deploy bot",
		"scopes": []string{"memory.read"},
	}, withCookie)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	cleartext := created["key"].(string)
	assert.True(t, strings.HasPrefix(cleartext, "lano_"))

	// The cleartext never shows up again.
	rec = g.do(t, http.MethodGet, "/v1/keys/", nil, withCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody(t, rec)["keys"].([]any)
	require.Len(t, listed, 1)
	assert.NotContains(t, listed[0].(map[string]any), "key")

	keyID := created["id"].(string)
	rec = g.do(t, http.MethodPost, "/v1/keys/"+keyID+"/rotate", nil, withCookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decodeBody(t, rec)
	assert.NotEqual(t, keyID, rotated["id"])
	assert.NotEqual(t, cleartext, rotated["key"])

	rec = g.do(t, http.MethodDelete, "/v1/keys/"+rotated["id"].(string), nil, withCookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminRoutesEnforceScope(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	_, limited, err := g.keys.Create(ctx, "user-alice", "reader", []string{"memory.read"}, apikey.AccessAuthenticated, nil)
	require.NoError(t, err)
	_, admin, err := g.keys.Create(ctx, "user-alice", "operator", []string{"admin.apps"}, apikey.AccessAdmin, nil)
	require.NoError(t, err)

	rec := g.do(t, http.MethodGet, "/v1/admin/apps", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", limited)
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "SCOPE_INSUFFICIENT")

	rec = g.do(t, http.MethodPost, "/v1/admin/apps", map[string]any{
		"client_id":      "portal",
		"name":           "Portal",
		"type":           "confidential",
		"redirect_uris":  []string{"https://portal.example.com/callback"},
		"allowed_scopes": []string{"memory.read"},
	}, func(r *http.Request) {
		r.Header.Set("X-API-Key", admin)
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "portal", body["client_id"])
	// Confidential registration hands the secret out exactly once.
	assert.NotEmpty(t, body["client_secret"])

	rec = g.do(t, http.MethodGet, "/v1/admin/apps", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", admin)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["clients"].([]any), 1)
}

func TestAdminRotateUnknownKeyReturnsNotFound(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("sufficiently long pass"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, g.store.Admins().Create(ctx, auth.AdminAccount{
		Email:        "ops@example.com",
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}))
	token, err := g.auth.BypassLogin(ctx, "ops@example.com", "sufficiently long pass", "", auth.RequestMeta{})
	require.NoError(t, err)

	rec := g.do(t, http.MethodPost, "/v1/keys/"+uuid.NewString()+"/rotate", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")

	// The override still reaches keys the admin does not own.
	key, _, err := g.keys.Create(ctx, "user-alice", "ci", []string{"memory.read"}, apikey.AccessAuthenticated, nil)
	require.NoError(t, err)
	rec = g.do(t, http.MethodPost, "/v1/keys/"+key.ID.String()+"/rotate", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEqual(t, key.ID.String(), decodeBody(t, rec)["id"])
}

func TestOAuthTokenEndpointSpeaksRFC6749(t *testing.T) {
	g := newGateway(t)

	form := "grant_type=password&username=a&password=b"
	r := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_grant_type", decodeBody(t, rec)["error"])
}

func TestLoginRateLimit(t *testing.T) {
	g := newGateway(t)

	body := map[string]any{"email": "alice@example.com", "password": "wrong"}
	for i := 0; i < 10; i++ {
		rec := g.do(t, http.MethodPost, "/v1/auth/login", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code, fmt.Sprintf("request %d", i))
	}

	rec := g.do(t, http.MethodPost, "/v1/auth/login", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
