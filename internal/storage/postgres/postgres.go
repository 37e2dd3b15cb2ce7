// Package postgres is the command-side persistence layer. All mutating
// store methods accept the domain events they must append; the event
// insert and the row change share one transaction, so the log never
// disagrees with the state.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// NewPostgres creates a new connection pool to PostgreSQL.
func NewPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return pool, nil
}

// Migrate applies pending schema migrations from the given source
// (e.g. "file://migrations").
func Migrate(sourceURL, databaseURL string) error {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Store hands out the per-domain store implementations, all backed by
// the same pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Users() *UserStore         { return &UserStore{s} }
func (s *Store) Sessions() *SessionStore   { return &SessionStore{s} }
func (s *Store) Codes() *CodeStore         { return &CodeStore{s} }
func (s *Store) Admins() *AdminStore       { return &AdminStore{s} }
func (s *Store) APIKeys() *APIKeyStore     { return &APIKeyStore{s} }
func (s *Store) Identities() *IdentityStore { return &IdentityStore{s} }
func (s *Store) OAuth() *OAuthStore        { return &OAuthStore{s} }
func (s *Store) Outbox() *OutboxStore      { return &OutboxStore{s} }

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback is safe to call even after Commit

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// appendEvent writes the event and its outbox row inside tx. Seq is
// assigned here, under the aggregate's unique (type, id, seq) index, so
// concurrent appends to the same aggregate serialize or retry.
func appendEvent(ctx context.Context, tx pgx.Tx, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO events (id, aggregate_type, aggregate_id, event_type, payload, actor_id, occurred_at, fingerprint, seq)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''),
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE aggregate_type = $2 AND aggregate_id = $3))
		RETURNING seq`,
		evt.ID, string(evt.AggregateType), evt.AggregateID, evt.Type, payload, evt.ActorID, evt.OccurredAt, evt.Fingerprint,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (event_id, status, attempts, next_attempt_at)
		VALUES ($1, 'pending', 0, NOW())`,
		evt.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox row: %w", err)
	}
	return nil
}

// appendEvents appends in order within tx.
func appendEvents(ctx context.Context, tx pgx.Tx, evts []events.Event) error {
	for _, evt := range evts {
		if err := appendEvent(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent writes a standalone event outside any domain mutation.
// Bootstrap imports use it with a fingerprint; duplicate imports are
// swallowed by the unique index and reported as appended=false.
func (s *Store) AppendEvent(ctx context.Context, evt events.Event) (bool, error) {
	appended := true
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if evt.Fingerprint != "" {
			var exists bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM events
					WHERE aggregate_id = $1 AND event_type = $2 AND fingerprint = $3
				)`,
				evt.AggregateID, evt.Type, evt.Fingerprint,
			).Scan(&exists)
			if err != nil {
				return err
			}
			if exists {
				appended = false
				return nil
			}
		}
		return appendEvent(ctx, tx, evt)
	})
	return appended && err == nil, err
}
