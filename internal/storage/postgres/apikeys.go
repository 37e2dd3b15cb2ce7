package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// APIKeyStore implements apikey.Store. The legacy_key column holds raw
// keys from the pre-hashing era; rows migrate off it on first use.
type APIKeyStore struct {
	*Store
}

const apiKeyColumns = `id, user_id, name, COALESCE(key_hash, ''), prefix, scopes, access_level, is_active, expires_at, last_used_at, created_at`

func scanAPIKey(row pgx.Row) (apikey.Key, error) {
	var k apikey.Key
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.Prefix, &k.Scopes,
		&k.AccessLevel, &k.IsActive, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apikey.Key{}, apikey.ErrNotFound
		}
		return apikey.Key{}, fmt.Errorf("failed to load api key: %w", err)
	}
	return k, nil
}

func (s *APIKeyStore) Create(ctx context.Context, k apikey.Key, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO api_keys (id, user_id, name, key_hash, prefix, scopes, access_level, is_active, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			k.ID, k.UserID, k.Name, k.KeyHash, k.Prefix, k.Scopes, k.AccessLevel, k.IsActive, k.ExpiresAt, k.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert api key: %w", err)
		}
		return appendEvent(ctx, tx, evt)
	})
}

func (s *APIKeyStore) GetByHash(ctx context.Context, hash string) (apikey.Key, error) {
	return scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
}

// GetByPlaintext matches rows still carrying the raw key.
func (s *APIKeyStore) GetByPlaintext(ctx context.Context, raw string) (apikey.Key, error) {
	return scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE legacy_key = $1`, raw))
}

func (s *APIKeyStore) GetByID(ctx context.Context, id uuid.UUID) (apikey.Key, error) {
	return scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
}

func (s *APIKeyStore) ListByUser(ctx context.Context, userID string) ([]apikey.Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []apikey.Key
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Rotate deactivates the old key and inserts the replacement in one
// transaction, so there is no instant where both validate.
func (s *APIKeyStore) Rotate(ctx context.Context, oldID uuid.UUID, newKey apikey.Key, evts []events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE api_keys SET is_active = FALSE WHERE id = $1`, oldID)
		if err != nil {
			return fmt.Errorf("failed to deactivate old key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apikey.ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO api_keys (id, user_id, name, key_hash, prefix, scopes, access_level, is_active, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			newKey.ID, newKey.UserID, newKey.Name, newKey.KeyHash, newKey.Prefix, newKey.Scopes,
			newKey.AccessLevel, newKey.IsActive, newKey.ExpiresAt, newKey.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert replacement key: %w", err)
		}
		return appendEvents(ctx, tx, evts)
	})
}

func (s *APIKeyStore) Deactivate(ctx context.Context, id uuid.UUID, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to deactivate api key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apikey.ErrNotFound
		}
		return appendEvent(ctx, tx, evt)
	})
}

func (s *APIKeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// Rehash writes the digest and clears the legacy column.
func (s *APIKeyStore) Rehash(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET key_hash = $2, legacy_key = NULL WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("failed to rehash api key: %w", err)
	}
	return nil
}

func (s *APIKeyStore) CountLegacyPlaintext(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE legacy_key IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count legacy keys: %w", err)
	}
	return n, nil
}
