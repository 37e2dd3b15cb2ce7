package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/config"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/identity"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/idp"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/postgres"
	"github.com/thefixer3x/Onasis-CORE-sub007/pkg/logger"
)

func main() {
	// Masked errors: in production these files do not exist and the
	// system env vars carry everything.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.Setup(cfg.Environment, "gateway")
	log.Info("application_startup", "env", cfg.Environment)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Environment,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()
	pool, err := postgres.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	if err := postgres.Migrate("file://migrations", cfg.DatabaseURL); err != nil {
		log.Error("migrations_failed", "error", err)
		os.Exit(1)
	}

	var tokens auth.TokenProvider
	if cfg.JWTPrivateKeyPEM != "" {
		tokens, err = auth.NewRS256Provider(cfg.JWTPrivateKeyPEM, cfg.JWTIssuer)
	} else {
		tokens, err = auth.NewHS256Provider([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	}
	if err != nil {
		log.Error("token_provider_init_failed", "error", err)
		os.Exit(1)
	}

	store := postgres.NewStore(pool)
	auditLogger := audit.NewJSONLogger()

	idpClient := idp.NewClient(idp.Config{
		BaseURL:    cfg.IdPURL,
		AnonKey:    cfg.IdPAnonKey,
		ServiceKey: cfg.IdPServiceKey,
	}, log)

	authService := auth.NewService(
		auth.Config{
			AccessTokenTTL:  cfg.AccessTokenTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
			CodeTTL:         cfg.CodeTTL,
		},
		idpClient,
		tokens,
		store.Users(),
		store.Sessions(),
		store.Codes(),
		store.Admins(),
		auditLogger,
		log,
	)

	keyService := apikey.NewService(store.APIKeys(), cfg.APIKeyPrefixes, auditLogger, log)
	resolver := identity.NewResolver(store.Identities(), log)
	oauthService := oauth.NewService(store.OAuth(), authService, auditLogger, log)

	// At least one break-glass account must exist before serving. An
	// empty table with no seed config refuses to boot.
	if err := authService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPasswordHash); err != nil {
		log.Error("admin_seed_failed", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(api.ServerConfig{
		Auth:           authService,
		OAuth:          oauthService,
		APIKeys:        keyService,
		Resolver:       resolver,
		Pool:           pool,
		Issuer:         cfg.JWTIssuer,
		CookieDomain:   cfg.CookieDomain,
		AllowedOrigins: cfg.AllowedOrigins,
		Production:     cfg.Production(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		pool.Close()
		log.Info("database_pool_closed")
		log.Info("server_shutdown_complete")
	}
}
