package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/identity"
)

// IdentityStore implements identity.Store.
type IdentityStore struct {
	*Store
}

func (s *IdentityStore) GetLink(ctx context.Context, method, identifierHash string) (identity.Link, identity.Identity, error) {
	var (
		link identity.Link
		id   identity.Identity
	)
	err := s.pool.QueryRow(ctx, `
		SELECT l.universal_id, l.method, l.identifier_hash, COALESCE(l.credential_id, ''), l.created_at, l.last_seen_at,
			i.universal_id, i.primary_email, COALESCE(i.organization_id, ''), i.created_at
		FROM uai_links l
		JOIN uai_identities i ON i.universal_id = l.universal_id
		WHERE l.method = $1 AND l.identifier_hash = $2`,
		method, identifierHash,
	).Scan(&link.UniversalID, &link.Method, &link.IdentifierHash, &link.CredentialID, &link.CreatedAt, &link.LastSeenAt,
		&id.UniversalID, &id.PrimaryEmail, &id.OrganizationID, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Link{}, identity.Identity{}, identity.ErrNotFound
		}
		return identity.Link{}, identity.Identity{}, fmt.Errorf("failed to load uai link: %w", err)
	}
	return link, id, nil
}

func (s *IdentityStore) TouchLink(ctx context.Context, method, identifierHash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE uai_links SET last_seen_at = $3
		WHERE method = $1 AND identifier_hash = $2`,
		method, identifierHash, at,
	)
	return err
}

func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (identity.Identity, error) {
	var id identity.Identity
	err := s.pool.QueryRow(ctx, `
		SELECT universal_id, primary_email, COALESCE(organization_id, ''), created_at
		FROM uai_identities WHERE primary_email = $1`,
		email,
	).Scan(&id.UniversalID, &id.PrimaryEmail, &id.OrganizationID, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Identity{}, identity.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("failed to load identity: %w", err)
	}
	return id, nil
}

func (s *IdentityStore) CreateWithLink(ctx context.Context, id identity.Identity, link identity.Link, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO uai_identities (universal_id, primary_email, organization_id, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4)`,
			id.UniversalID, id.PrimaryEmail, id.OrganizationID, id.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert identity: %w", err)
		}
		if err := insertLink(ctx, tx, link); err != nil {
			return err
		}
		return appendEvent(ctx, tx, evt)
	})
}

func (s *IdentityStore) AddLink(ctx context.Context, link identity.Link, evt events.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertLink(ctx, tx, link); err != nil {
			return err
		}
		return appendEvent(ctx, tx, evt)
	})
}

func insertLink(ctx context.Context, tx pgx.Tx, link identity.Link) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO uai_links (universal_id, method, identifier_hash, credential_id, created_at, last_seen_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		link.UniversalID, link.Method, link.IdentifierHash, link.CredentialID, link.CreatedAt, link.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert uai link: %w", err)
	}
	return nil
}
