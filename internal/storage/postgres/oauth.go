package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
)

// OAuthStore implements oauth.Store.
type OAuthStore struct {
	*Store
}

const clientColumns = `id, name, type, COALESCE(secret_hash, ''), require_pkce, redirect_uris,
	allowed_scopes, default_scopes, platform, status, created_at`

func scanClient(row pgx.Row) (oauth.Client, error) {
	var (
		c        oauth.Client
		platform string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.SecretHash, &c.RequirePKCE, &c.RedirectURIs,
		&c.AllowedScopes, &c.DefaultScopes, &platform, &c.Status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oauth.Client{}, oauth.ErrNotFound
		}
		return oauth.Client{}, fmt.Errorf("failed to load oauth client: %w", err)
	}
	c.Platform = platformFrom(platform)
	return c, nil
}

func (s *OAuthStore) CreateClient(ctx context.Context, c oauth.Client, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO oauth_clients (id, name, type, secret_hash, require_pkce, redirect_uris, allowed_scopes, default_scopes, platform, status, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, c.Name, c.Type, c.SecretHash, c.RequirePKCE, c.RedirectURIs,
			c.AllowedScopes, c.DefaultScopes, string(c.Platform), c.Status, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert oauth client: %w", err)
		}
		return appendEvent(ctx, tx, evt)
	})
}

func (s *OAuthStore) GetClient(ctx context.Context, id string) (oauth.Client, error) {
	return scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1`, id))
}

func (s *OAuthStore) ListClients(ctx context.Context) ([]oauth.Client, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth clients: %w", err)
	}
	defer rows.Close()

	var out []oauth.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *OAuthStore) CreateAuthzCode(ctx context.Context, c oauth.AuthzCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_codes (code_hash, client_id, user_id, scope, code_challenge, code_challenge_method, redirect_uri, used, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
		c.CodeHash, c.ClientID, c.UserID, c.Scope, c.CodeChallenge, c.CodeChallengeMethod, c.RedirectURI, c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert oauth code: %w", err)
	}
	return nil
}

func (s *OAuthStore) ConsumeAuthzCode(ctx context.Context, codeHash string) (oauth.AuthzCode, error) {
	var c oauth.AuthzCode
	err := s.pool.QueryRow(ctx, `
		UPDATE oauth_codes SET used = TRUE
		WHERE code_hash = $1 AND used = FALSE AND expires_at > NOW()
		RETURNING code_hash, client_id, user_id, scope, code_challenge, code_challenge_method, redirect_uri, used, created_at, expires_at`,
		codeHash,
	).Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.Scope, &c.CodeChallenge, &c.CodeChallengeMethod,
		&c.RedirectURI, &c.Used, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oauth.AuthzCode{}, oauth.ErrNotFound
		}
		return oauth.AuthzCode{}, fmt.Errorf("failed to consume oauth code: %w", err)
	}
	return c, nil
}

const deviceColumns = `device_code_hash, user_code, client_id, scope, status, COALESCE(user_id, ''), poll_interval, created_at, expires_at, last_polled_at`

func scanDevice(row pgx.Row) (oauth.DeviceGrant, error) {
	var g oauth.DeviceGrant
	err := row.Scan(&g.DeviceCodeHash, &g.UserCode, &g.ClientID, &g.Scope, &g.Status,
		&g.UserID, &g.Interval, &g.CreatedAt, &g.ExpiresAt, &g.LastPolledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return oauth.DeviceGrant{}, oauth.ErrNotFound
		}
		return oauth.DeviceGrant{}, fmt.Errorf("failed to load device grant: %w", err)
	}
	return g, nil
}

func (s *OAuthStore) CreateDeviceGrant(ctx context.Context, g oauth.DeviceGrant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_grants (device_code_hash, user_code, client_id, scope, status, poll_interval, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.DeviceCodeHash, g.UserCode, g.ClientID, g.Scope, g.Status, g.Interval, g.CreatedAt, g.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert device grant: %w", err)
	}
	return nil
}

func (s *OAuthStore) GetDeviceByUserCode(ctx context.Context, userCode string) (oauth.DeviceGrant, error) {
	return scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_grants WHERE user_code = $1`, userCode))
}

func (s *OAuthStore) GetDeviceByCodeHash(ctx context.Context, hash string) (oauth.DeviceGrant, error) {
	return scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_grants WHERE device_code_hash = $1`, hash))
}

// SetDeviceStatus transitions pending grants only; approving an already
// decided grant is a no-op error.
func (s *OAuthStore) SetDeviceStatus(ctx context.Context, userCode, status, userID string, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE device_grants SET status = $2, user_id = NULLIF($3, '')
			WHERE user_code = $1 AND status = 'pending'`,
			userCode, status, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update device grant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return oauth.ErrNotFound
		}
		return appendEvent(ctx, tx, evt)
	})
}

func (s *OAuthStore) TouchDevicePoll(ctx context.Context, hash string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE device_grants SET last_polled_at = $2 WHERE device_code_hash = $1`, hash, at)
	return err
}

// ConsumeApprovedDevice deletes the approved grant and returns it, so a
// device code redeems at most once.
func (s *OAuthStore) ConsumeApprovedDevice(ctx context.Context, hash string) (oauth.DeviceGrant, error) {
	return scanDevice(s.pool.QueryRow(ctx, `
		DELETE FROM device_grants
		WHERE device_code_hash = $1 AND status = 'approved'
		RETURNING `+deviceColumns, hash))
}

// DeleteExpired sweeps stale oauth codes and device grants.
func (s *OAuthStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	codes, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_codes WHERE used = TRUE OR expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("oauth code sweep failed: %w", err)
	}
	grants, err := s.pool.Exec(ctx,
		`DELETE FROM device_grants WHERE expires_at < $1`, now)
	if err != nil {
		return codes.RowsAffected(), fmt.Errorf("device grant sweep failed: %w", err)
	}
	return codes.RowsAffected() + grants.RowsAffected(), nil
}
