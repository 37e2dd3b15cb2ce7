package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
)

func TestHS256RoundTrip(t *testing.T) {
	provider, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "test-gateway")
	require.NoError(t, err)

	token, err := provider.Generate(auth.TokenInput{
		Subject:        "user-1",
		Email:          "a@b.c",
		Role:           "authenticated",
		Plan:           "pro",
		OrganizationID: "org-1",
		Platform:       auth.PlatformMCP,
		Scope:          "memory.read memory.write",
		TTL:            time.Hour,
	})
	require.NoError(t, err)

	claims, err := provider.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@b.c", claims.Email)
	assert.Equal(t, auth.PlatformMCP, claims.Platform)
	assert.Equal(t, "memory.read memory.write", claims.Scope)
	assert.Equal(t, "test-gateway", claims.Issuer)
	assert.False(t, claims.BypassAllChecks)
}

func TestHS256RejectsShortSecret(t *testing.T) {
	_, err := auth.NewHS256Provider([]byte("too short"), "test")
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	provider, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "test")
	require.NoError(t, err)

	// IssuedAt is backdated a minute for clock skew, so the TTL must
	// exceed that to produce an already-expired token deterministically.
	token, err := provider.Generate(auth.TokenInput{Subject: "u", TTL: -2 * time.Minute})
	require.NoError(t, err)

	_, err = provider.Validate(token)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	a, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "test")
	require.NoError(t, err)
	b, err := auth.NewHS256Provider([]byte("ffffffffffffffffffffffffffffffff"), "test")
	require.NoError(t, err)

	token, err := a.Generate(auth.TokenInput{Subject: "u", TTL: time.Hour})
	require.NoError(t, err)

	_, err = b.Validate(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestJWKSNilUnderHS256(t *testing.T) {
	provider, err := auth.NewHS256Provider([]byte("0123456789abcdef0123456789abcdef"), "test")
	require.NoError(t, err)
	assert.Nil(t, provider.JWKS())
}

func TestHashTokenIsStable(t *testing.T) {
	a := auth.HashToken("credential")
	b := auth.HashToken("credential")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, auth.HashToken("credential2"))
}

func TestGenerateSecureTokenEntropy(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		tok, err := auth.GenerateSecureToken(32)
		require.NoError(t, err)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
