package apikey_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/memory"
)

func newTestService(t *testing.T) (*apikey.Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := apikey.NewService(store.APIKeys(), []string{"lano", "lms"}, audit.NopLogger{}, logger)
	return svc, store
}

func TestCreateAndValidate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	key, cleartext, err := svc.Create(ctx, "user-1", "deploy bot", []string{"memory.read"}, apikey.AccessAuthenticated, nil)
	require.NoError(t, err)
	assert.True(t, key.IsActive)
	assert.Contains(t, cleartext, "lano_")
	assert.Equal(t, cleartext[:8], key.Prefix)

	v, err := svc.Validate(ctx, cleartext)
	require.NoError(t, err)
	assert.Equal(t, key.ID, v.KeyID)
	assert.Equal(t, "user-1", v.UserID)
	assert.Equal(t, []string{"memory.read"}, v.Scopes)

	assert.Len(t, store.EventsOfType(events.TypeAPIKeyCreated), 1)
}

func TestValidateUnknownKey(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Validate(context.Background(), "lano_neverissued")
	assert.ErrorIs(t, err, apikey.ErrNotFound)
}

func TestValidateExpiredKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, cleartext, err := svc.Create(ctx, "user-1", "stale", nil, apikey.AccessPublic, &past)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, cleartext)
	assert.ErrorIs(t, err, apikey.ErrInactive)
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	key, cleartext, err := svc.Create(ctx, "user-1", "doomed", nil, apikey.AccessAuthenticated, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, key.ID))
	_, err = svc.Validate(ctx, cleartext)
	assert.ErrorIs(t, err, apikey.ErrInactive)

	// Second revoke: success, no second event.
	require.NoError(t, svc.Revoke(ctx, key.ID))
	assert.Len(t, store.EventsOfType(events.TypeAPIKeyRevoked), 1)

	// Unknown id is also quiet.
	require.NoError(t, svc.Revoke(ctx, uuid.New()))
}

func TestRotateSwapsAtomically(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	old, oldCleartext, err := svc.Create(ctx, "user-1", "ci", []string{"memory.*"}, apikey.AccessTeam, nil)
	require.NoError(t, err)

	replacement, newCleartext, err := svc.Rotate(ctx, old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, replacement.ID)
	assert.Equal(t, old.Name, replacement.Name)
	assert.Equal(t, old.Scopes, replacement.Scopes)
	assert.Equal(t, old.AccessLevel, replacement.AccessLevel)

	_, err = svc.Validate(ctx, oldCleartext)
	assert.ErrorIs(t, err, apikey.ErrInactive)

	v, err := svc.Validate(ctx, newCleartext)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, v.KeyID)

	assert.Len(t, store.EventsOfType(events.TypeAPIKeyRotated), 1)
	assert.Len(t, store.EventsOfType(events.TypeAPIKeyRevoked), 1)
}

func TestLegacyPlaintextFallbackAndRehash(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// A row imported from the old system: raw key in the legacy column,
	// no hash yet.
	legacy := apikey.Key{
		ID:          uuid.New(),
		UserID:      "user-1",
		Name:        "pre-migration",
		Prefix:      "lano_old",
		Scopes:      []string{"memory.read"},
		AccessLevel: apikey.AccessAuthenticated,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	store.APIKeys().SeedLegacy(legacy, "lano_oldrawsecret")

	n, err := store.APIKeys().CountLegacyPlaintext(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, err := svc.Validate(ctx, "lano_oldrawsecret")
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, v.KeyID)

	// The background rehash clears the legacy column; the key keeps
	// validating through the hash path afterwards.
	assert.Eventually(t, func() bool {
		n, err := store.APIKeys().CountLegacyPlaintext(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	v, err = svc.Validate(ctx, "lano_oldrawsecret")
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, v.KeyID)
}

func TestHasRecognizedPrefix(t *testing.T) {
	svc, _ := newTestService(t)

	assert.True(t, svc.HasRecognizedPrefix("lano_abc"))
	assert.True(t, svc.HasRecognizedPrefix("lms_abc"))
	assert.False(t, svc.HasRecognizedPrefix("lanoabc"))
	assert.False(t, svc.HasRecognizedPrefix("eyJhbGciOiJIUzI1NiJ9.x.y"))
	assert.False(t, svc.HasRecognizedPrefix(""))
}
