package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// UserStore implements auth.UserStore.
type UserStore struct {
	*Store
}

// Upsert mirrors the IdP record. created_at survives re-upserts.
func (s *UserStore) Upsert(ctx context.Context, u auth.User, evt events.Event) error {
	metadata, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_accounts (id, email, role, plan, organization_id, provider, metadata, last_sign_in_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				role = EXCLUDED.role,
				plan = EXCLUDED.plan,
				organization_id = EXCLUDED.organization_id,
				provider = EXCLUDED.provider,
				metadata = EXCLUDED.metadata,
				last_sign_in_at = EXCLUDED.last_sign_in_at,
				updated_at = EXCLUDED.updated_at`,
			u.ID, u.Email, u.Role, u.Plan, u.OrganizationID, u.Provider, metadata, u.LastSignInAt, u.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return appendEvent(ctx, tx, evt)
	})
}

// GetByID returns the mirrored account.
func (s *UserStore) GetByID(ctx context.Context, id string) (auth.User, error) {
	var (
		u        auth.User
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, role, plan, organization_id, provider, metadata, last_sign_in_at, created_at, updated_at
		FROM user_accounts WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.Role, &u.Plan, &u.OrganizationID, &u.Provider, &metadata, &u.LastSignInAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.User{}, auth.ErrUserNotFound
		}
		return auth.User{}, fmt.Errorf("failed to load user: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &u.Metadata); err != nil {
			return auth.User{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return u, nil
}
