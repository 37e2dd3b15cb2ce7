// Package apikey manages long-lived programmatic credentials in the
// form <prefix>_<base62>. Only SHA-256 digests are persisted; the
// cleartext is returned exactly once at creation.
package apikey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

var (
	ErrNotFound = errors.New("api key not found")
	ErrInactive = errors.New("api key revoked or expired")
)

// Access levels ordered from weakest to strongest.
const (
	AccessPublic        = "public"
	AccessAuthenticated = "authenticated"
	AccessTeam          = "team"
	AccessAdmin         = "admin"
	AccessEnterprise    = "enterprise"
)

// Key is the stored record. KeyHash is unique; Prefix keeps the first
// characters in cleartext for display.
type Key struct {
	ID          uuid.UUID
	UserID      string
	Name        string
	KeyHash     string
	Prefix      string
	Scopes      []string
	AccessLevel string
	IsActive    bool
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// Store persists API keys. Mutations append their event atomically.
type Store interface {
	Create(ctx context.Context, k Key, evt events.Event) error
	GetByHash(ctx context.Context, hash string) (Key, error)
	// GetByPlaintext matches legacy rows that still hold the raw key in
	// the legacy column. Returns ErrNotFound once the corpus is migrated.
	GetByPlaintext(ctx context.Context, raw string) (Key, error)
	GetByID(ctx context.Context, id uuid.UUID) (Key, error)
	ListByUser(ctx context.Context, userID string) ([]Key, error)
	// Rotate deactivates the old key and inserts the new one in a single
	// transaction.
	Rotate(ctx context.Context, oldID uuid.UUID, newKey Key, evts []events.Event) error
	Deactivate(ctx context.Context, id uuid.UUID, evt events.Event) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	// Rehash writes the hash for a legacy plaintext row and clears the
	// legacy column.
	Rehash(ctx context.Context, id uuid.UUID, hash string) error
	CountLegacyPlaintext(ctx context.Context) (int64, error)
}

// Service implements creation, validation, rotation and revocation.
type Service struct {
	store    Store
	prefixes []string
	logger   *slog.Logger
	audit    audit.Logger
	now      func() time.Time
}

func NewService(store Store, prefixes []string, auditLogger audit.Logger, logger *slog.Logger) *Service {
	if len(prefixes) == 0 {
		prefixes = []string{"lano", "lms", "pk"}
	}
	return &Service{
		store:    store,
		prefixes: prefixes,
		logger:   logger,
		audit:    auditLogger,
		now:      time.Now,
	}
}

// HasRecognizedPrefix reports whether the presented credential looks
// like one of ours. Used by the middleware to pick the API key tier.
func (s *Service) HasRecognizedPrefix(presented string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(presented, p+"_") {
			return true
		}
	}
	return false
}

// Create mints a key and returns the record plus the cleartext, which
// is never recoverable afterwards.
func (s *Service) Create(ctx context.Context, userID, name string, scopes []string, accessLevel string, expiresAt *time.Time) (*Key, string, error) {
	cleartext, err := s.generate(s.prefixes[0])
	if err != nil {
		return nil, "", err
	}

	key := Key{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		KeyHash:     auth.HashToken(cleartext),
		Prefix:      cleartext[:8],
		Scopes:      scopes,
		AccessLevel: accessLevel,
		IsActive:    true,
		ExpiresAt:   expiresAt,
		CreatedAt:   s.now(),
	}

	evt := events.New(events.AggregateAPIKey, key.ID.String(), events.TypeAPIKeyCreated, map[string]any{
		"user_id":      userID,
		"name":         name,
		"scopes":       scopes,
		"access_level": accessLevel,
	}).WithActor(userID)

	if err := s.store.Create(ctx, key, evt); err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}

	s.audit.Log(ctx, audit.ActionKeyCreated, audit.LogParams{
		ActorID:  userID,
		TargetID: key.ID.String(),
	})
	return &key, cleartext, nil
}

// Validation is what the middleware attaches after a successful lookup.
type Validation struct {
	KeyID       uuid.UUID
	UserID      string
	Scopes      []string
	AccessLevel string
	LastUsedAt  *time.Time
}

// Validate resolves a presented credential to its record. Lookup is by
// hash first; legacy rows fall back to plaintext equality and get
// re-hashed in the background.
func (s *Service) Validate(ctx context.Context, presented string) (*Validation, error) {
	key, err := s.store.GetByHash(ctx, auth.HashToken(presented))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		key, err = s.store.GetByPlaintext(ctx, presented)
		if err != nil {
			return nil, ErrNotFound
		}
		// Found via the legacy column: migrate the record off plaintext.
		go s.rehash(key.ID, presented)
	}

	if !key.IsActive {
		return nil, ErrInactive
	}
	if key.ExpiresAt != nil && s.now().After(*key.ExpiresAt) {
		return nil, ErrInactive
	}

	// Fire-and-forget; a stale last_used_at is not worth a failed request.
	keyID, now := key.ID, s.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.TouchLastUsed(ctx, keyID, now); err != nil {
			s.logger.Warn("apikey_touch_failed", "key_id", keyID, "error", err)
		}
	}()

	return &Validation{
		KeyID:       key.ID,
		UserID:      key.UserID,
		Scopes:      key.Scopes,
		AccessLevel: key.AccessLevel,
		LastUsedAt:  key.LastUsedAt,
	}, nil
}

func (s *Service) rehash(id uuid.UUID, cleartext string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Rehash(ctx, id, auth.HashToken(cleartext)); err != nil {
		s.logger.Warn("apikey_rehash_failed", "key_id", id, "error", err)
		return
	}
	s.logger.Info("apikey_rehashed", "key_id", id)
}

// Rotate issues a replacement key and deactivates the old one
// atomically. The old key stops validating the instant the new one
// exists.
func (s *Service) Rotate(ctx context.Context, keyID uuid.UUID) (*Key, string, error) {
	old, err := s.store.GetByID(ctx, keyID)
	if err != nil {
		return nil, "", ErrNotFound
	}

	cleartext, err := s.generate(s.prefixes[0])
	if err != nil {
		return nil, "", err
	}

	replacement := Key{
		ID:          uuid.New(),
		UserID:      old.UserID,
		Name:        old.Name,
		KeyHash:     auth.HashToken(cleartext),
		Prefix:      cleartext[:8],
		Scopes:      old.Scopes,
		AccessLevel: old.AccessLevel,
		IsActive:    true,
		ExpiresAt:   old.ExpiresAt,
		CreatedAt:   s.now(),
	}

	evts := []events.Event{
		events.New(events.AggregateAPIKey, old.ID.String(), events.TypeAPIKeyRevoked, map[string]any{
			"reason": "rotated",
		}).WithActor(old.UserID),
		events.New(events.AggregateAPIKey, replacement.ID.String(), events.TypeAPIKeyRotated, map[string]any{
			"user_id":      old.UserID,
			"replaces":     old.ID.String(),
			"name":         old.Name,
			"scopes":       old.Scopes,
			"access_level": old.AccessLevel,
		}).WithActor(old.UserID),
	}

	if err := s.store.Rotate(ctx, old.ID, replacement, evts); err != nil {
		return nil, "", fmt.Errorf("rotation failed: %w", err)
	}

	s.audit.Log(ctx, audit.ActionKeyRotated, audit.LogParams{
		ActorID:  old.UserID,
		TargetID: replacement.ID.String(),
	})
	return &replacement, cleartext, nil
}

// Revoke soft-deletes a key. Idempotent: revoking an already-revoked
// key succeeds without emitting a second event.
func (s *Service) Revoke(ctx context.Context, keyID uuid.UUID) error {
	key, err := s.store.GetByID(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !key.IsActive {
		return nil
	}

	evt := events.New(events.AggregateAPIKey, key.ID.String(), events.TypeAPIKeyRevoked, map[string]any{
		"reason": "revoked",
	}).WithActor(key.UserID)
	if err := s.store.Deactivate(ctx, key.ID, evt); err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	s.audit.Log(ctx, audit.ActionKeyRevoked, audit.LogParams{
		ActorID:  key.UserID,
		TargetID: key.ID.String(),
	})
	return nil
}

// Get looks a key up by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Key, error) {
	key, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return &key, nil
}

// List returns the user's keys. Hashes stay server-side; handlers
// expose only the prefix.
func (s *Service) List(ctx context.Context, userID string) ([]Key, error) {
	return s.store.ListByUser(ctx, userID)
}

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// generate builds <prefix>_<base62 of 24 random bytes> (192 bits).
func (s *Service) generate(prefix string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	n := new(big.Int).SetBytes(raw)
	base := big.NewInt(int64(len(base62Alphabet)))
	var sb strings.Builder
	mod := new(big.Int)
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		sb.WriteByte(base62Alphabet[mod.Int64()])
	}
	return prefix + "_" + sb.String(), nil
}
