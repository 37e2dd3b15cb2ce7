package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/config"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/postgres"
	"github.com/thefixer3x/Onasis-CORE-sub007/pkg/logger"
)

// The worker pairs the outbox dispatcher with the janitor sweeps so one
// deployable unit covers all background duties.
func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.Setup(cfg.Environment, "outbox-worker")
	log.Info("worker_startup", "env", cfg.Environment)

	if cfg.OutboxDestination == "" {
		log.Error("outbox_destination_missing")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	store := postgres.NewStore(pool)
	dispatcher := events.NewDispatcher(store.Outbox(), events.DispatcherConfig{
		Destination: cfg.OutboxDestination,
		BatchSize:   cfg.OutboxBatchSize,
		Interval:    cfg.OutboxInterval,
	}, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return runJanitor(ctx, store, log)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
	log.Info("worker_shutdown_complete")
}

// runJanitor sweeps expired one-time codes and device grants every
// minute and garbage-collects sessions hourly. Sessions linger a week
// past expiry so revocation lists stay inspectable.
func runJanitor(ctx context.Context, store *postgres.Store, log *slog.Logger) error {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	gc := time.NewTicker(time.Hour)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sweep.C:
			now := time.Now()
			if n, err := store.Codes().DeleteExpired(ctx, now); err != nil {
				log.Error("code_sweep_failed", "error", err)
			} else if n > 0 {
				log.Info("codes_swept", "deleted", n)
			}
			if n, err := store.OAuth().DeleteExpired(ctx, now); err != nil {
				log.Error("oauth_sweep_failed", "error", err)
			} else if n > 0 {
				log.Info("oauth_swept", "deleted", n)
			}

		case <-gc.C:
			cutoff := time.Now().Add(-7 * 24 * time.Hour)
			if n, err := store.Sessions().GC(ctx, cutoff); err != nil {
				log.Error("session_gc_failed", "error", err)
			} else if n > 0 {
				log.Info("sessions_collected", "deleted", n)
			}

			if n, err := store.APIKeys().CountLegacyPlaintext(ctx); err != nil {
				log.Error("legacy_count_failed", "error", err)
			} else if n > 0 {
				log.Warn("legacy_plaintext_keys_remaining", "count", n)
			}
		}
	}
}
