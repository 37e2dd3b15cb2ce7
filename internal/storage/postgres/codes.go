package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
)

// CodeStore implements auth.CodeStore.
type CodeStore struct {
	*Store
}

// Create stores a one-time authorization code keyed by its hash.
func (s *CodeStore) Create(ctx context.Context, c auth.AuthCode) error {
	snapshot, err := json.Marshal(c.UserSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal user snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_codes (code_hash, refresh_token, refresh_token_hash, user_snapshot, redirect_to, state, used, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)`,
		c.CodeHash, c.RefreshToken, c.RefreshTokenHash, snapshot, c.RedirectTo, c.State, c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auth code: %w", err)
	}
	return nil
}

// Consume flips used atomically; a second consume sees zero rows.
func (s *CodeStore) Consume(ctx context.Context, codeHash string) (auth.AuthCode, error) {
	var (
		c        auth.AuthCode
		snapshot []byte
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE auth_codes SET used = TRUE
		WHERE code_hash = $1 AND used = FALSE AND expires_at > NOW()
		RETURNING code_hash, refresh_token, refresh_token_hash, user_snapshot, redirect_to, state, used, created_at, expires_at`,
		codeHash,
	).Scan(&c.CodeHash, &c.RefreshToken, &c.RefreshTokenHash, &snapshot, &c.RedirectTo, &c.State, &c.Used, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.AuthCode{}, auth.ErrInvalidCode
		}
		return auth.AuthCode{}, fmt.Errorf("failed to consume auth code: %w", err)
	}

	if err := json.Unmarshal(snapshot, &c.UserSnapshot); err != nil {
		return auth.AuthCode{}, fmt.Errorf("failed to decode user snapshot: %w", err)
	}
	return c, nil
}

// DeleteExpired sweeps consumed and expired codes. Used rows go
// immediately; the raw refresh token inside must not outlive the code.
func (s *CodeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM auth_codes WHERE used = TRUE OR expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("auth code sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
