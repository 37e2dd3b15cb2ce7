package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

var ErrNotFound = errors.New("not found")

// Client types.
const (
	ClientPublic       = "public"
	ClientConfidential = "confidential"
)

// Client is a registered relying party.
type Client struct {
	ID            string
	Name          string
	Type          string
	SecretHash    string // bcrypt; empty for public clients
	RequirePKCE   bool
	RedirectURIs  []string
	AllowedScopes []string
	DefaultScopes []string
	// Platform decides which session platform tokens minted for this
	// client are bound to (cli for device-flow clients, api otherwise).
	Platform auth.Platform
	Status   string
	CreatedAt time.Time
}

// AllowsRedirectURI does an exact match against the allowlist. No
// prefix or wildcard matching, ever.
func (c Client) AllowsRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every requested scope is in the allowlist.
func (c Client) AllowsScope(scopes []string) bool {
	allowed := make(map[string]struct{}, len(c.AllowedScopes))
	for _, s := range c.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// AuthzCode is a pending authorization grant, keyed by the SHA-256 of
// the code. Codes live at most 60 seconds and redeem once.
type AuthzCode struct {
	CodeHash            string
	ClientID            string
	UserID              string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	Used                bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Device grant states.
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusDenied   = "denied"
	DeviceStatusExpired  = "expired"
)

// DeviceGrant tracks one device-flow handshake. The device code is
// stored hashed; the user code is short-lived and human-facing.
type DeviceGrant struct {
	DeviceCodeHash string
	UserCode       string
	ClientID       string
	Scope          string
	Status         string
	UserID         string
	Interval       int
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastPolledAt   *time.Time
}

// Store persists OAuth state.
type Store interface {
	CreateClient(ctx context.Context, c Client, evt events.Event) error
	GetClient(ctx context.Context, id string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)

	CreateAuthzCode(ctx context.Context, c AuthzCode) error
	// ConsumeAuthzCode atomically flips used=false -> true. Missing,
	// used and expired codes all surface ErrNotFound.
	ConsumeAuthzCode(ctx context.Context, codeHash string) (AuthzCode, error)

	CreateDeviceGrant(ctx context.Context, g DeviceGrant) error
	GetDeviceByUserCode(ctx context.Context, userCode string) (DeviceGrant, error)
	GetDeviceByCodeHash(ctx context.Context, hash string) (DeviceGrant, error)
	// SetDeviceStatus transitions pending grants and appends evt.
	SetDeviceStatus(ctx context.Context, userCode, status, userID string, evt events.Event) error
	TouchDevicePoll(ctx context.Context, hash string, at time.Time) error
	// ConsumeApprovedDevice deletes an approved grant atomically and
	// returns it, so a device code redeems at most once.
	ConsumeApprovedDevice(ctx context.Context, hash string) (DeviceGrant, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
