package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	custommw "github.com/thefixer3x/Onasis-CORE-sub007/internal/api/middleware"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/identity"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
)

// maxBodyBytes caps request bodies; nothing on this API needs more.
const maxBodyBytes = 1 << 20 // 1 MiB

// ServerConfig wires the handler dependencies.
type ServerConfig struct {
	Auth           *auth.Service
	OAuth          *oauth.Service
	APIKeys        *apikey.Service
	Resolver       *identity.Resolver
	Pool           *pgxpool.Pool
	Issuer         string
	CookieDomain   string
	AllowedOrigins []string
	Production     bool
}

type Server struct {
	Router *chi.Mux
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	r := chi.NewRouter()

	// Core middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(limitBody)

	// Sentry before recovery so panics reach it.
	sentryHandler := sentryhttp.New(sentryhttp.Options{
		Repanic: true,
	})
	r.Use(sentryHandler.Handle)

	r.Use(custommw.RequestLogger)
	r.Use(custommw.PanicRecovery)
	r.Use(custommw.CORS(cfg.AllowedOrigins))

	// Route-class limiters.
	loginLimiter := custommw.NewIPRateLimiter(custommw.LoginLimit)
	tokenLimiter := custommw.NewIPRateLimiter(custommw.TokenLimit)
	introspectLimiter := custommw.NewIPRateLimiter(custommw.IntrospectLimit)
	genericLimiter := custommw.NewIPRateLimiter(custommw.GenericLimit)

	authenticator := custommw.NewAuthenticator(cfg.Auth, cfg.APIKeys, cfg.Resolver)
	requireAuth := authenticator.Middleware

	authHandler := NewAuthHandler(cfg.Auth, cfg.CookieDomain, cfg.Production)
	oauthHandler := NewOAuthHandler(cfg.OAuth, cfg.Auth.Tokens(), cfg.Issuer)
	adminHandler := NewAdminHandler(cfg.Auth, cfg.OAuth)
	keyHandler := NewAPIKeyHandler(cfg.APIKeys)

	server := &Server{Router: r, Pool: cfg.Pool, Logger: slog.Default()}

	r.Get("/health", server.HealthHandler())
	r.Get("/.well-known/jwks.json", oauthHandler.JWKS)
	r.Get("/.well-known/oauth-authorization-server", oauthHandler.Discovery)
	r.Get("/.well-known/openid-configuration", oauthHandler.Discovery)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(loginLimiter.Middleware)
			r.Post("/signup", authHandler.Signup)
			r.Post("/login", authHandler.Login)
			r.Post("/admin/bypass-login", adminHandler.BypassLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(tokenLimiter.Middleware)
			r.Post("/exchange", authHandler.Exchange)
			r.Post("/refresh", authHandler.Refresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(introspectLimiter.Middleware)
			r.Post("/verify-token", authHandler.VerifyToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(genericLimiter.Middleware)
			r.Post("/logout", authHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/user", authHandler.Me)
				r.Get("/sessions", authHandler.GetSessions)
				r.Delete("/sessions/{id}", authHandler.RevokeSession)
			})
		})
	})

	r.Route("/oauth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(tokenLimiter.Middleware)
			r.Post("/token", oauthHandler.Token)
			r.Post("/device_authorization", oauthHandler.DeviceAuthorization)
		})

		r.Group(func(r chi.Router) {
			r.Use(introspectLimiter.Middleware)
			r.Post("/introspect", oauthHandler.Introspect)
		})

		r.Group(func(r chi.Router) {
			r.Use(genericLimiter.Middleware)
			r.Use(requireAuth)
			r.Get("/authorize", oauthHandler.Authorize)
			r.Post("/device/decision", oauthHandler.DeviceDecision)
		})
	})

	r.Route("/v1/keys", func(r chi.Router) {
		r.Use(genericLimiter.Middleware)
		r.Use(requireAuth)
		r.Post("/", keyHandler.Create)
		r.Get("/", keyHandler.List)
		r.Post("/{id}/rotate", keyHandler.Rotate)
		r.Post("/{id}/revoke", keyHandler.Revoke)
		r.Delete("/{id}", keyHandler.Revoke)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(genericLimiter.Middleware)
		r.Use(requireAuth)
		r.Use(custommw.RequireScopes("admin.apps"))
		r.Post("/apps", adminHandler.RegisterApp)
		r.Get("/apps", adminHandler.ListApps)
	})

	// Unversioned admin paths kept for existing operator tooling.
	r.Route("/admin", func(r chi.Router) {
		r.With(loginLimiter.Middleware).Post("/bypass-login", adminHandler.BypassLogin)

		r.Group(func(r chi.Router) {
			r.Use(genericLimiter.Middleware)
			r.Use(requireAuth)
			r.Use(custommw.RequireScopes("admin.apps"))
			r.Post("/register-app", adminHandler.RegisterApp)
			r.Get("/list-apps", adminHandler.ListApps)
		})
	})

	return server
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
