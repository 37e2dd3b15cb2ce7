package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// SessionStore implements auth.SessionStore.
type SessionStore struct {
	*Store
}

const sessionColumns = `id, user_id, platform, access_token_hash, refresh_token_hash,
	COALESCE(prev_refresh_token_hash, ''), rotated_at, ip_address, user_agent, created_at, expires_at, revoked_at`

func scanSession(row pgx.Row) (auth.Session, error) {
	var (
		sess     auth.Session
		platform string
		ip       *string
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &platform, &sess.AccessTokenHash, &sess.RefreshTokenHash,
		&sess.PrevRefreshTokenHash, &sess.RotatedAt, &ip, &sess.UserAgent,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Session{}, auth.ErrSessionNotFound
		}
		return auth.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	sess.Platform = auth.Platform(platform)
	if ip != nil {
		sess.IPAddress = parseIP(*ip)
	}
	return sess, nil
}

// Create inserts the session and appends SessionCreated atomically.
func (s *SessionStore) Create(ctx context.Context, sess auth.Session, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, user_id, platform, access_token_hash, refresh_token_hash, ip_address, user_agent, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`,
			sess.ID, sess.UserID, string(sess.Platform), sess.AccessTokenHash, sess.RefreshTokenHash,
			ipString(sess.IPAddress), sess.UserAgent, sess.CreatedAt, sess.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return appendEvent(ctx, tx, evt)
	})
}

func (s *SessionStore) GetByAccessTokenHash(ctx context.Context, hash string) (auth.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE access_token_hash = $1`, hash))
}

func (s *SessionStore) GetByRefreshTokenHash(ctx context.Context, hash string) (auth.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, hash))
}

func (s *SessionStore) GetByPrevRefreshTokenHash(ctx context.Context, hash string) (auth.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE prev_refresh_token_hash = $1`, hash))
}

// Rotate swaps both token hashes in place, keeping the outgoing refresh
// hash for reuse detection.
func (s *SessionStore) Rotate(ctx context.Context, id uuid.UUID, accessHash, refreshHash string, expiresAt time.Time, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET
				prev_refresh_token_hash = refresh_token_hash,
				access_token_hash = $2,
				refresh_token_hash = $3,
				expires_at = $4,
				rotated_at = NOW()
			WHERE id = $1 AND revoked_at IS NULL`,
			id, accessHash, refreshHash, expiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to rotate session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return auth.ErrSessionNotFound
		}
		return appendEvent(ctx, tx, evt)
	})
}

func (s *SessionStore) Revoke(ctx context.Context, id uuid.UUID, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
		if err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return auth.ErrSessionNotFound
		}
		return appendEvent(ctx, tx, evt)
	})
}

// RevokeByAccessTokenHash revokes the matching live session. The event
// is appended only when a row actually flipped.
func (s *SessionStore) RevokeByAccessTokenHash(ctx context.Context, hash string, evt events.Event) (bool, error) {
	var matched bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE sessions SET revoked_at = NOW()
			WHERE access_token_hash = $1 AND revoked_at IS NULL
			RETURNING id`,
			hash,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
		matched = true
		evt.AggregateID = id.String()
		return appendEvent(ctx, tx, evt)
	})
	return matched, err
}

// RevokeChain revokes every live session for the user on the platform.
func (s *SessionStore) RevokeChain(ctx context.Context, userID string, platform auth.Platform, evt events.Event) (int64, error) {
	var revoked int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET revoked_at = NOW()
			WHERE user_id = $1 AND platform = $2 AND revoked_at IS NULL`,
			userID, string(platform),
		)
		if err != nil {
			return fmt.Errorf("failed to revoke session chain: %w", err)
		}
		revoked = tag.RowsAffected()
		if revoked == 0 {
			return nil
		}
		return appendEvent(ctx, tx, evt)
	})
	return revoked, err
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]auth.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GC removes revoked sessions and sessions expired before cutoff.
func (s *SessionStore) GC(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE revoked_at IS NOT NULL OR expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session gc failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
