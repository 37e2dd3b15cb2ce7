package auth_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/idp"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/memory"
)

type fakeIdP struct {
	users map[string]idp.UserInfo // keyed by email, password is always "correct horse"
	down  bool
}

func (f *fakeIdP) VerifyPassword(_ context.Context, email, password string) (*idp.UserInfo, error) {
	if f.down {
		return nil, idp.ErrUnavailable
	}
	info, ok := f.users[email]
	if !ok || password != "correct horse" {
		return nil, idp.ErrInvalidCredentials
	}
	return &info, nil
}

func (f *fakeIdP) SignUp(_ context.Context, email, password string, metadata map[string]any) (*idp.UserInfo, error) {
	if f.down {
		return nil, idp.ErrUnavailable
	}
	if _, exists := f.users[email]; exists {
		return nil, idp.ErrInvalidCredentials
	}
	info := idp.UserInfo{
		ID:       "user-" + email,
		Email:    email,
		Role:     "authenticated",
		Plan:     "free",
		Metadata: metadata,
	}
	f.users[email] = info
	return &info, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*auth.Service, *memory.Store, *fakeIdP) {
	t.Helper()

	store := memory.NewStore()
	provider, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "test-gateway")
	require.NoError(t, err)

	upstream := &fakeIdP{users: map[string]idp.UserInfo{
		"alice@example.com": {
			ID:    "user-alice",
			Email: "alice@example.com",
			Role:  "authenticated",
			Plan:  "pro",
		},
	}}

	svc := auth.NewService(
		auth.Config{},
		upstream,
		provider,
		store.Users(),
		store.Sessions(),
		store.Codes(),
		store.Admins(),
		audit.NopLogger{},
		testLogger(),
	)
	return svc, store, upstream
}

func login(t *testing.T, svc *auth.Service) *auth.LoginResult {
	t.Helper()
	result, err := svc.Login(context.Background(), auth.LoginInput{
		Email:    "alice@example.com",
		Password: "correct horse",
		Platform: auth.PlatformWeb,
	})
	require.NoError(t, err)
	return result
}

func TestLoginIssuesCodeAndSession(t *testing.T) {
	svc, store, _ := newTestService(t)

	result := login(t, svc)
	assert.NotEmpty(t, result.Code)
	assert.Equal(t, "user-alice", result.User.ID)
	assert.NotEmpty(t, result.Session.AccessToken)
	assert.NotEmpty(t, result.Session.RefreshToken)
	assert.Equal(t, "bearer", result.Session.TokenType)

	intro := svc.VerifyToken(context.Background(), result.Session.AccessToken)
	assert.True(t, intro.Active)
	assert.Equal(t, "user-alice", intro.Sub)
	assert.Equal(t, "web", intro.Platform)

	assert.Len(t, store.EventsOfType(events.TypeUserUpserted), 1)
	assert.Len(t, store.EventsOfType(events.TypeSessionCreated), 1)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Login(context.Background(), auth.LoginInput{
		Email:    "alice@example.com",
		Password: "wrong",
	})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	// Unknown users surface the same error.
	_, err = svc.Login(context.Background(), auth.LoginInput{
		Email:    "nobody@example.com",
		Password: "correct horse",
	})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLoginWhenIdPDown(t *testing.T) {
	svc, _, upstream := newTestService(t)
	upstream.down = true

	_, err := svc.Login(context.Background(), auth.LoginInput{
		Email:    "alice@example.com",
		Password: "correct horse",
	})
	assert.ErrorIs(t, err, auth.ErrIdPUnavailable)
}

func TestExchangeIsSingleUse(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result := login(t, svc)

	exchanged, err := svc.Exchange(ctx, result.Code, auth.RequestMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, exchanged.AccessToken)
	assert.Equal(t, "user-alice", exchanged.User.ID)

	// The pair handed out is rotated, not the one minted at login.
	assert.NotEqual(t, result.Session.RefreshToken, exchanged.RefreshToken)

	_, err = svc.Exchange(ctx, result.Code, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCode)
}

func TestExchangeGarbageCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Exchange(context.Background(), "not-a-code", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCode)
}

func TestRefreshRotates(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	result := login(t, svc)

	pair, user, err := svc.Refresh(ctx, result.Session.RefreshToken, auth.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "user-alice", user.ID)
	assert.NotEqual(t, result.Session.RefreshToken, pair.RefreshToken)

	// Old access token no longer backs a live session.
	intro := svc.VerifyToken(ctx, result.Session.AccessToken)
	assert.False(t, intro.Active)
	intro = svc.VerifyToken(ctx, pair.AccessToken)
	assert.True(t, intro.Active)

	assert.Len(t, store.EventsOfType(events.TypeSessionRefreshed), 1)
}

func TestRefreshReuseWithinGraceIsConcurrent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	result := login(t, svc)
	_, _, err := svc.Refresh(ctx, result.Session.RefreshToken, auth.RequestMeta{})
	require.NoError(t, err)

	// The rotated-out token presented again right away: a UI race, not
	// an attack. No chain revocation.
	_, _, err = svc.Refresh(ctx, result.Session.RefreshToken, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrConcurrentRefresh)
	assert.Empty(t, store.EventsOfType(events.TypeSessionCompromised))
}

// staleRotation ages rotated_at past the grace window so reuse looks
// like a leaked token instead of a racing tab.
type staleRotation struct {
	*memory.SessionStore
}

func (s staleRotation) GetByPrevRefreshTokenHash(ctx context.Context, hash string) (auth.Session, error) {
	sess, err := s.SessionStore.GetByPrevRefreshTokenHash(ctx, hash)
	if err != nil {
		return sess, err
	}
	if sess.RotatedAt != nil {
		aged := sess.RotatedAt.Add(-time.Minute)
		sess.RotatedAt = &aged
	}
	return sess, nil
}

func TestRefreshReuseOutsideGraceRevokesChain(t *testing.T) {
	store := memory.NewStore()
	provider, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "test-gateway")
	require.NoError(t, err)

	upstream := &fakeIdP{users: map[string]idp.UserInfo{
		"alice@example.com": {ID: "user-alice", Email: "alice@example.com", Role: "authenticated"},
	}}
	svc := auth.NewService(
		auth.Config{},
		upstream,
		provider,
		store.Users(),
		staleRotation{store.Sessions()},
		store.Codes(),
		store.Admins(),
		audit.NopLogger{},
		testLogger(),
	)
	ctx := context.Background()

	result := login(t, svc)
	fresh, _, err := svc.Refresh(ctx, result.Session.RefreshToken, auth.RequestMeta{})
	require.NoError(t, err)

	_, _, err = svc.Refresh(ctx, result.Session.RefreshToken, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrTokenReuse)
	assert.Len(t, store.EventsOfType(events.TypeSessionCompromised), 1)

	// The whole chain is dead: even the legitimately rotated token fails.
	_, _, err = svc.Refresh(ctx, fresh.RefreshToken, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrSessionRevoked)
}

func TestRefreshGarbageToken(t *testing.T) {
	svc, store, _ := newTestService(t)

	_, _, err := svc.Refresh(context.Background(), "never-issued", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Empty(t, store.EventsOfType(events.TypeSessionCompromised))
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	result := login(t, svc)

	require.NoError(t, svc.Logout(ctx, result.Session.AccessToken, auth.RequestMeta{}))
	assert.False(t, svc.VerifyToken(ctx, result.Session.AccessToken).Active)

	// Second logout succeeds without a second event.
	require.NoError(t, svc.Logout(ctx, result.Session.AccessToken, auth.RequestMeta{}))
	assert.Len(t, store.EventsOfType(events.TypeSessionRevoked), 1)

	// Logout with a token that never existed is also quiet.
	require.NoError(t, svc.Logout(ctx, "unknown-token", auth.RequestMeta{}))
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.False(t, svc.VerifyToken(context.Background(), "garbage").Active)
	assert.False(t, svc.VerifyToken(context.Background(), "").Active)
}

func TestRevokeSessionOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	login(t, svc)
	sessions, err := svc.ListSessions(ctx, "user-alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Another user cannot revoke it.
	err = svc.RevokeSession(ctx, "user-bob", sessions[0].ID)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)

	require.NoError(t, svc.RevokeSession(ctx, "user-alice", sessions[0].ID))
	sessions, err = svc.ListSessions(ctx, "user-alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].RevokedAt)
}

func TestBypassLogin(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("sufficiently long pass"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.Admins().Create(ctx, auth.AdminAccount{
		Email:        "ops@example.com",
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}))

	_, err = svc.BypassLogin(ctx, "ops@example.com", "wrong", "", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = svc.BypassLogin(ctx, "ghost@example.com", "anything", "", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	token, err := svc.BypassLogin(ctx, "ops@example.com", "sufficiently long pass", "", auth.RequestMeta{})
	require.NoError(t, err)

	// Override tokens verify without a session row.
	intro := svc.VerifyToken(ctx, token)
	assert.True(t, intro.Active)
	assert.Equal(t, "admin:ops@example.com", intro.Sub)

	assert.Len(t, store.EventsOfType(events.TypeAdminBypassUsed), 1)
}

func TestBypassLoginWithTOTP(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "gateway", AccountName: "ops@example.com"})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("sufficiently long pass"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.Admins().Create(ctx, auth.AdminAccount{
		Email:        "ops@example.com",
		PasswordHash: string(hash),
		TOTPSecret:   key.Secret(),
		CreatedAt:    time.Now(),
	}))

	_, err = svc.BypassLogin(ctx, "ops@example.com", "sufficiently long pass", "000000", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	token, err := svc.BypassLogin(ctx, "ops@example.com", "sufficiently long pass", code, auth.RequestMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestEnsureAdminSeedsOnce(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureAdmin(ctx, "ops@example.com", "$2a$10$hash"))
	count, err := store.Admins().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Second call is a no-op even with different credentials.
	require.NoError(t, svc.EnsureAdmin(ctx, "other@example.com", "$2a$10$hash2"))
	count, err = store.Admins().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Empty table plus empty config is a startup error.
	fresh, _, _ := newTestService(t)
	assert.ErrorIs(t, fresh.EnsureAdmin(ctx, "", ""), auth.ErrNoAdmins)
}
