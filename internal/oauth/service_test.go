package oauth_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/idp"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/memory"
)

type stubIdP struct{}

func (stubIdP) VerifyPassword(context.Context, string, string) (*idp.UserInfo, error) {
	return nil, idp.ErrInvalidCredentials
}

func (stubIdP) SignUp(context.Context, string, string, map[string]any) (*idp.UserInfo, error) {
	return nil, idp.ErrInvalidCredentials
}

func newTestService(t *testing.T) (*oauth.Service, *auth.Service, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	provider, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "test-gateway")
	require.NoError(t, err)

	authn := auth.NewService(
		auth.Config{},
		stubIdP{},
		provider,
		store.Users(),
		store.Sessions(),
		store.Codes(),
		store.Admins(),
		audit.NopLogger{},
		logger,
	)
	svc := oauth.NewService(store.OAuth(), authn, audit.NopLogger{}, logger)

	// A resource owner for grants to resolve to.
	user := auth.User{ID: "user-alice", Email: "alice@example.com", Role: "authenticated"}
	evt := events.New(events.AggregateUser, user.ID, events.TypeUserUpserted, nil)
	require.NoError(t, store.Users().Upsert(context.Background(), user, evt))

	return svc, authn, store
}

func registerPublicClient(t *testing.T, svc *oauth.Service) *oauth.Client {
	t.Helper()
	client, secret, err := svc.RegisterClient(context.Background(), oauth.RegisterClientInput{
		ID:            "cli-tool",
		Name:          "CLI Tool",
		Type:          oauth.ClientPublic,
		RedirectURIs:  []string{"http://127.0.0.1:8765/callback"},
		AllowedScopes: []string{"memory.read", "memory.write"},
		DefaultScopes: []string{"memory.read"},
		Platform:      auth.PlatformCLI,
	}, "admin:ops")
	require.NoError(t, err)
	require.Empty(t, secret)
	return client
}

func TestRegisterClient(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	public := registerPublicClient(t, svc)
	assert.True(t, public.RequirePKCE, "public clients are forced onto PKCE")
	assert.Empty(t, public.SecretHash)

	confidential, secret, err := svc.RegisterClient(ctx, oauth.RegisterClientInput{
		ID:            "backend",
		Name:          "Backend",
		Type:          oauth.ClientConfidential,
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"memory.read"},
	}, "admin:ops")
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(confidential.SecretHash), []byte(secret)))

	_, _, err = svc.RegisterClient(ctx, oauth.RegisterClientInput{ID: "x", Name: "x", Type: "implicit"}, "admin:ops")
	assert.Error(t, err)

	assert.Len(t, store.EventsOfType(events.TypeOAuthClientRegistered), 2)
}

func TestAuthorizationCodeWithPKCE(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	registerPublicClient(t, svc)

	verifier := oauth2.GenerateVerifier()
	code, err := svc.Authorize(ctx, oauth.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "cli-tool",
		RedirectURI:         "http://127.0.0.1:8765/callback",
		Scope:               "memory.read memory.write",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	}, "user-alice")
	require.NoError(t, err)
	require.NotEmpty(t, code)

	pair, err := svc.Token(ctx, oauth.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "http://127.0.0.1:8765/callback",
		ClientID:     "cli-tool",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	// A code redeems exactly once.
	_, err = svc.Token(ctx, oauth.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "http://127.0.0.1:8765/callback",
		ClientID:     "cli-tool",
		CodeVerifier: verifier,
	})
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestTokenRejectsWrongVerifier(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	registerPublicClient(t, svc)

	verifier := oauth2.GenerateVerifier()
	code, err := svc.Authorize(ctx, oauth.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "cli-tool",
		RedirectURI:         "http://127.0.0.1:8765/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	}, "user-alice")
	require.NoError(t, err)

	_, err = svc.Token(ctx, oauth.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "http://127.0.0.1:8765/callback",
		ClientID:     "cli-tool",
		CodeVerifier: oauth2.GenerateVerifier(),
	})
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)
}

func TestBareChallengeDefaultsToPlain(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, secret, err := svc.RegisterClient(ctx, oauth.RegisterClientInput{
		ID:            "backend",
		Name:          "Backend",
		Type:          oauth.ClientConfidential,
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"memory.read"},
	}, "admin:ops")
	require.NoError(t, err)

	// RFC 7636 4.3: a challenge without a method means plain. The code
	// must stay redeemable with the matching verifier.
	code, err := svc.Authorize(ctx, oauth.AuthorizeRequest{
		ResponseType:  "code",
		ClientID:      "backend",
		RedirectURI:   "https://app.example.com/cb",
		CodeChallenge: "static-challenge",
	}, "user-alice")
	require.NoError(t, err)

	pair, err := svc.Token(ctx, oauth.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
		ClientID:     "backend",
		ClientSecret: secret,
		CodeVerifier: "static-challenge",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
}

func TestAuthorizeValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	registerPublicClient(t, svc)

	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

	cases := []struct {
		name string
		req  oauth.AuthorizeRequest
	}{
		{"wrong response type", oauth.AuthorizeRequest{
			ResponseType: "token", ClientID: "cli-tool",
			RedirectURI: "http://127.0.0.1:8765/callback",
			CodeChallenge: challenge, CodeChallengeMethod: "S256",
		}},
		{"unknown client", oauth.AuthorizeRequest{
			ResponseType: "code", ClientID: "ghost",
			RedirectURI: "http://127.0.0.1:8765/callback",
			CodeChallenge: challenge, CodeChallengeMethod: "S256",
		}},
		{"unregistered redirect", oauth.AuthorizeRequest{
			ResponseType: "code", ClientID: "cli-tool",
			RedirectURI: "http://evil.example.com/cb",
			CodeChallenge: challenge, CodeChallengeMethod: "S256",
		}},
		{"scope not allowed", oauth.AuthorizeRequest{
			ResponseType: "code", ClientID: "cli-tool",
			RedirectURI: "http://127.0.0.1:8765/callback",
			Scope:       "admin.apps",
			CodeChallenge: challenge, CodeChallengeMethod: "S256",
		}},
		{"missing challenge for pkce client", oauth.AuthorizeRequest{
			ResponseType: "code", ClientID: "cli-tool",
			RedirectURI: "http://127.0.0.1:8765/callback",
		}},
		{"plain method on public client", oauth.AuthorizeRequest{
			ResponseType: "code", ClientID: "cli-tool",
			RedirectURI: "http://127.0.0.1:8765/callback",
			CodeChallenge: "static-challenge", CodeChallengeMethod: "plain",
		}},
		{"bare challenge on public client", oauth.AuthorizeRequest{
			ResponseType: "code", ClientID: "cli-tool",
			RedirectURI:   "http://127.0.0.1:8765/callback",
			CodeChallenge: "static-challenge",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authorize(ctx, tc.req, "user-alice")
			assert.Error(t, err)
		})
	}
}

func TestDeviceFlow(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	registerPublicClient(t, svc)

	da, err := svc.StartDeviceAuthorization(ctx, "cli-tool", "memory.read", "https://auth.example.com/oauth/device")
	require.NoError(t, err)
	assert.Len(t, da.UserCode, 9) // XXXX-XXXX
	assert.Contains(t, da.VerificationURIComplete, da.UserCode)
	assert.Equal(t, 5, da.Interval)

	// Approved before the first poll, so the poll redeems immediately.
	require.NoError(t, svc.ApproveDevice(ctx, da.UserCode, "user-alice"))

	pair, err := svc.Token(ctx, oauth.TokenRequest{
		GrantType:  "urn:ietf:params:oauth:grant-type:device_code",
		ClientID:   "cli-tool",
		DeviceCode: da.DeviceCode,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	// The grant is consumed; a second redemption fails.
	_, err = svc.Token(ctx, oauth.TokenRequest{
		GrantType:  "urn:ietf:params:oauth:grant-type:device_code",
		ClientID:   "cli-tool",
		DeviceCode: da.DeviceCode,
	})
	assert.ErrorIs(t, err, oauth.ErrInvalidGrant)

	assert.Len(t, store.EventsOfType(events.TypeDeviceGrantApproved), 1)
}

func TestDevicePollPendingAndSlowDown(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	registerPublicClient(t, svc)

	da, err := svc.StartDeviceAuthorization(ctx, "cli-tool", "", "https://auth.example.com/oauth/device")
	require.NoError(t, err)

	poll := oauth.TokenRequest{
		GrantType:  "urn:ietf:params:oauth:grant-type:device_code",
		ClientID:   "cli-tool",
		DeviceCode: da.DeviceCode,
	}

	_, err = svc.Token(ctx, poll)
	assert.ErrorIs(t, err, oauth.ErrAuthorizationPending)

	// Polling again inside the advertised interval.
	_, err = svc.Token(ctx, poll)
	assert.ErrorIs(t, err, oauth.ErrSlowDown)
}

func TestDeviceDenied(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	registerPublicClient(t, svc)

	da, err := svc.StartDeviceAuthorization(ctx, "cli-tool", "", "https://auth.example.com/oauth/device")
	require.NoError(t, err)

	// Dash dropped by the user: normalization still matches.
	require.NoError(t, svc.DenyDevice(ctx, da.UserCode[:4]+da.UserCode[5:], "user-alice"))

	_, err = svc.Token(ctx, oauth.TokenRequest{
		GrantType:  "urn:ietf:params:oauth:grant-type:device_code",
		ClientID:   "cli-tool",
		DeviceCode: da.DeviceCode,
	})
	assert.ErrorIs(t, err, oauth.ErrAccessDenied)

	// Decisions are final.
	assert.Error(t, svc.ApproveDevice(ctx, da.UserCode, "user-alice"))
	assert.Len(t, store.EventsOfType(events.TypeDeviceGrantDenied), 1)
}

func TestIntrospect(t *testing.T) {
	svc, authn, _ := newTestService(t)
	ctx := context.Background()

	_, secret, err := svc.RegisterClient(ctx, oauth.RegisterClientInput{
		ID:            "backend",
		Name:          "Backend",
		Type:          oauth.ClientConfidential,
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"memory.read"},
	}, "admin:ops")
	require.NoError(t, err)

	user, err := authn.GetUser(ctx, "user-alice")
	require.NoError(t, err)
	pair, _, err := authn.IssueSession(ctx, user, auth.SessionOptions{
		Platform: auth.PlatformAPI,
		Scope:    "memory.read",
	})
	require.NoError(t, err)

	result, err := svc.Introspect(ctx, "backend", secret, pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, result.Active)
	assert.Equal(t, "user-alice", result.Sub)

	// Unknown token: well-formed inactive answer, not an error.
	result, err = svc.Introspect(ctx, "backend", secret, "garbage")
	require.NoError(t, err)
	assert.False(t, result.Active)

	result, err = svc.Introspect(ctx, "backend", secret, "")
	require.NoError(t, err)
	assert.False(t, result.Active)

	// Client auth is mandatory.
	_, err = svc.Introspect(ctx, "backend", "wrong-secret", pair.AccessToken)
	assert.ErrorIs(t, err, oauth.ErrInvalidClient)
}

func TestNormalizeUserCode(t *testing.T) {
	cases := map[string]string{
		"BCDF-GHJK": "BCDF-GHJK",
		"bcdfghjk":  "BCDF-GHJK",
		"bcdf ghjk": "BCDF-GHJK",
		"BC-DF":     "BCDF",
		"":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, oauth.NormalizeUserCode(in), "input %q", in)
	}
}

func TestUnsupportedGrantType(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Token(context.Background(), oauth.TokenRequest{GrantType: "password"})
	assert.ErrorIs(t, err, oauth.ErrUnsupportedGrant)
}
