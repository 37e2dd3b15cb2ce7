package auth

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrSessionExpired     = errors.New("session expired")
	ErrConcurrentRefresh  = errors.New("concurrent refresh request")
	ErrTokenReuse         = errors.New("refresh token reuse detected")
	ErrInvalidCode        = errors.New("invalid or expired authorization code")
	ErrIdPUnavailable     = errors.New("identity provider unavailable")
	ErrServiceKeyMissing  = errors.New("idp service key not configured")
)

// Platform scopes a session to the surface that created it.
type Platform string

const (
	PlatformWeb Platform = "web"
	PlatformMCP Platform = "mcp"
	PlatformCLI Platform = "cli"
	PlatformAPI Platform = "api"
)

// ValidPlatform reports whether p is one of the known platforms.
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformWeb, PlatformMCP, PlatformCLI, PlatformAPI:
		return true
	}
	return false
}

// User mirrors the IdP's canonical record for a principal.
// The gateway upserts it on every successful login and never deletes it.
type User struct {
	ID             string
	Email          string
	Role           string
	Plan           string
	OrganizationID string
	Provider       string
	Metadata       map[string]any
	LastSignInAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is a platform-scoped live credential. Raw tokens are never
// persisted; both columns hold SHA-256 hex digests.
type Session struct {
	ID               uuid.UUID
	UserID           string
	Platform         Platform
	AccessTokenHash  string
	RefreshTokenHash string
	// PrevRefreshTokenHash keeps the rotated-out hash so reuse of a stale
	// refresh token is detectable instead of looking like a junk token.
	PrevRefreshTokenHash string
	RotatedAt            *time.Time
	IPAddress            net.IP
	UserAgent            string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	RevokedAt            *time.Time
}

// Live reports whether the session admits credentials at the given instant.
func (s Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// AuthCode is the one-time handoff token for cross-origin login completion.
// The row is keyed by the SHA-256 of the code; the refresh token is held
// server-side until the code is consumed.
type AuthCode struct {
	CodeHash         string
	RefreshToken     string
	RefreshTokenHash string
	UserSnapshot     User
	RedirectTo       string
	State            string
	Used             bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// UserStore persists mirrored user accounts.
type UserStore interface {
	// Upsert writes the user and appends evt in the same transaction.
	Upsert(ctx context.Context, u User, evt events.Event) error
	GetByID(ctx context.Context, id string) (User, error)
}

// SessionStore persists sessions. Every mutating call appends the given
// event(s) atomically with the row change.
type SessionStore interface {
	Create(ctx context.Context, s Session, evt events.Event) error
	GetByAccessTokenHash(ctx context.Context, hash string) (Session, error)
	GetByRefreshTokenHash(ctx context.Context, hash string) (Session, error)
	// GetByPrevRefreshTokenHash finds the session that rotated the given
	// hash out, for reuse detection.
	GetByPrevRefreshTokenHash(ctx context.Context, hash string) (Session, error)
	// Rotate swaps both token hashes and extends expiry in place. The
	// current refresh hash moves to prev_refresh_token_hash and
	// rotated_at is stamped.
	Rotate(ctx context.Context, id uuid.UUID, accessHash, refreshHash string, expiresAt time.Time, evt events.Event) error
	Revoke(ctx context.Context, id uuid.UUID, evt events.Event) error
	// RevokeByAccessTokenHash returns false when no live session matched;
	// no event is appended in that case.
	RevokeByAccessTokenHash(ctx context.Context, hash string, evt events.Event) (bool, error)
	// RevokeChain revokes every live session for the user on the platform.
	RevokeChain(ctx context.Context, userID string, platform Platform, evt events.Event) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	// GC removes revoked sessions and sessions expired before cutoff.
	GC(ctx context.Context, cutoff time.Time) (int64, error)
}

// CodeStore persists one-time authorization codes.
type CodeStore interface {
	Create(ctx context.Context, c AuthCode) error
	// Consume atomically flips used=false -> true and returns the row.
	// Returns ErrInvalidCode when the code is missing, used or expired.
	Consume(ctx context.Context, codeHash string) (AuthCode, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
