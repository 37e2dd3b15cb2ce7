package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// AdminStore implements auth.AdminStore.
type AdminStore struct {
	*Store
}

func (s *AdminStore) GetByEmail(ctx context.Context, email string) (auth.AdminAccount, error) {
	var a auth.AdminAccount
	err := s.pool.QueryRow(ctx, `
		SELECT email, password_hash, COALESCE(totp_secret, ''), disabled, last_used_at, created_at
		FROM admin_accounts WHERE email = $1`,
		email,
	).Scan(&a.Email, &a.PasswordHash, &a.TOTPSecret, &a.Disabled, &a.LastUsedAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.AdminAccount{}, auth.ErrUserNotFound
		}
		return auth.AdminAccount{}, fmt.Errorf("failed to load admin account: %w", err)
	}
	return a, nil
}

func (s *AdminStore) Create(ctx context.Context, a auth.AdminAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_accounts (email, password_hash, totp_secret, disabled, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		a.Email, a.PasswordHash, a.TOTPSecret, a.Disabled, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert admin account: %w", err)
	}
	return nil
}

func (s *AdminStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM admin_accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count admin accounts: %w", err)
	}
	return n, nil
}

// TouchLastUsed stamps the account and appends evt atomically.
func (s *AdminStore) TouchLastUsed(ctx context.Context, email string, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE admin_accounts SET last_used_at = NOW() WHERE email = $1`, email)
		if err != nil {
			return fmt.Errorf("failed to stamp admin account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return auth.ErrUserNotFound
		}
		return appendEvent(ctx, tx, evt)
	})
}
