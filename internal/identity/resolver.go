// Package identity maps every authentication method to one canonical
// Universal Authentication Identifier (UAI). Resolution is best-effort:
// it must never fail the request that triggered it.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

var ErrNotFound = errors.New("identity not found")

// Auth methods a credential link may carry.
const (
	MethodSupabaseJWT = "supabase_jwt"
	MethodAPIKey      = "api_key"
	MethodOAuthPKCE   = "oauth_pkce"
	MethodMagicLink   = "magic_link"
	MethodOTPEmail    = "otp_email"
	MethodSSOSession  = "sso_session"
	MethodMCPToken    = "mcp_token"
)

// Identity is the canonical record all credentials resolve to.
type Identity struct {
	UniversalID    uuid.UUID
	PrimaryEmail   string
	OrganizationID string
	CreatedAt      time.Time
}

// Link binds one (method, identifier) pair to an identity. The pair is
// unique; one identity may hold many links.
type Link struct {
	UniversalID    uuid.UUID
	Method         string
	IdentifierHash string
	CredentialID   string
	CreatedAt      time.Time
	LastSeenAt     time.Time
}

// Store persists identities and links. CreateWithLink and AddLink
// append the UaiLinked event in the same transaction as the insert.
type Store interface {
	GetLink(ctx context.Context, method, identifierHash string) (Link, Identity, error)
	TouchLink(ctx context.Context, method, identifierHash string, at time.Time) error
	GetByEmail(ctx context.Context, email string) (Identity, error)
	CreateWithLink(ctx context.Context, id Identity, link Link, evt events.Event) error
	AddLink(ctx context.Context, link Link, evt events.Event) error
}

// ResolveOptions steer resolution for a missing link.
type ResolveOptions struct {
	CreateIfMissing bool
	// Email locates (or seeds) the identity when the link is new.
	Email          string
	OrganizationID string
	CredentialID   string
}

// Resolved is the outcome attached to authenticated requests.
type Resolved struct {
	UniversalID  uuid.UUID
	PrimaryEmail string
	Method       string
}

// Resolver canonicalizes auth-method identifiers.
type Resolver struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// IdentifierHash derives the stored digest for a method/identifier pair.
func IdentifierHash(method, identifier string) string {
	sum := sha256.Sum256([]byte(method + ":" + identifier))
	return hex.EncodeToString(sum[:])
}

// Resolve maps (method, identifier) to a universal id. On any failure
// it returns nil after logging a warning; authentication proceeds
// without a UAI in that case.
func (r *Resolver) Resolve(ctx context.Context, method, identifier string, opts ResolveOptions) *Resolved {
	hash := IdentifierHash(method, identifier)

	link, id, err := r.store.GetLink(ctx, method, hash)
	if err == nil {
		if tErr := r.store.TouchLink(ctx, method, hash, r.now()); tErr != nil {
			r.logger.Warn("uai_touch_failed", "method", method, "error", tErr)
		}
		return &Resolved{UniversalID: link.UniversalID, PrimaryEmail: id.PrimaryEmail, Method: method}
	}
	if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("uai_lookup_failed", "method", method, "error", err)
		return nil
	}

	if !opts.CreateIfMissing || opts.Email == "" {
		return nil
	}

	return r.createLink(ctx, method, hash, opts)
}

// createLink attaches the new credential to the identity holding the
// email, inserting a fresh identity when none exists. First-seen email
// wins: later methods with the same email join the existing identity.
func (r *Resolver) createLink(ctx context.Context, method, hash string, opts ResolveOptions) *Resolved {
	now := r.now()
	link := Link{
		Method:         method,
		IdentifierHash: hash,
		CredentialID:   opts.CredentialID,
		CreatedAt:      now,
		LastSeenAt:     now,
	}

	id, err := r.store.GetByEmail(ctx, opts.Email)
	switch {
	case err == nil:
		link.UniversalID = id.UniversalID
		evt := r.linkedEvent(link, id.PrimaryEmail)
		if err := r.store.AddLink(ctx, link, evt); err != nil {
			r.logger.Warn("uai_link_failed", "method", method, "error", err)
			return nil
		}
	case errors.Is(err, ErrNotFound):
		id = Identity{
			UniversalID:    uuid.New(),
			PrimaryEmail:   opts.Email,
			OrganizationID: opts.OrganizationID,
			CreatedAt:      now,
		}
		link.UniversalID = id.UniversalID
		evt := r.linkedEvent(link, id.PrimaryEmail)
		if err := r.store.CreateWithLink(ctx, id, link, evt); err != nil {
			r.logger.Warn("uai_create_failed", "method", method, "error", err)
			return nil
		}
	default:
		r.logger.Warn("uai_email_lookup_failed", "error", err)
		return nil
	}

	return &Resolved{UniversalID: id.UniversalID, PrimaryEmail: id.PrimaryEmail, Method: method}
}

func (r *Resolver) linkedEvent(link Link, email string) events.Event {
	return events.New(events.AggregateUAI, link.UniversalID.String(), events.TypeUAILinked, map[string]any{
		"auth_method":   link.Method,
		"credential_id": link.CredentialID,
		"primary_email": email,
	})
}
