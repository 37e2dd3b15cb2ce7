package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// TokenProvider defines the contract for generating and validating
// access tokens. The algorithm (HS256 or RS256) is fixed per deployment.
type TokenProvider interface {
	Generate(input TokenInput) (string, error)
	Validate(tokenString string) (*Claims, error)
	// JWKS exports public keys. Nil for symmetric deployments.
	JWKS() *JWKS
}

// TokenInput carries everything that ends up in the signed claims.
type TokenInput struct {
	Subject         string
	Email           string
	Role            string
	Plan            string
	OrganizationID  string
	Platform        Platform
	ProjectScope    string
	Scope           string // space-separated scope grants
	ClientID        string // OAuth-minted tokens only
	TTL             time.Duration
	BypassAllChecks bool // admin override tokens only
}

// Claims defines the custom JWT claims.
type Claims struct {
	Email           string   `json:"email,omitempty"`
	Role            string   `json:"role,omitempty"`
	Plan            string   `json:"plan,omitempty"`
	OrganizationID  string   `json:"organization_id,omitempty"`
	Platform        Platform `json:"platform,omitempty"`
	ProjectScope    string   `json:"project_scope,omitempty"`
	Scope           string   `json:"scope,omitempty"`
	ClientID        string   `json:"client_id,omitempty"`
	BypassAllChecks bool     `json:"bypass_all_checks,omitempty"`
	jwt.RegisteredClaims
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWTProvider implements TokenProvider. Exactly one of secret (HS256)
// or privateKey (RS256) is set; key rotation goes through kid.
type JWTProvider struct {
	method     jwt.SigningMethod
	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	kid        string
}

// NewHS256Provider creates a symmetric provider. The secret must be at
// least 32 bytes; shorter secrets are a deployment error.
func NewHS256Provider(secret []byte, issuer string) (*JWTProvider, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &JWTProvider{
		method: jwt.SigningMethodHS256,
		secret: secret,
		issuer: issuer,
		kid:    "sig-1",
	}, nil
}

// NewRS256Provider creates an asymmetric provider from a PEM-encoded
// RSA private key (PKCS1 or PKCS8).
func NewRS256Provider(privateKeyPEM, issuer string) (*JWTProvider, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the private key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 if PKCS1 fails
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("failed to parse private key: %v | %v", err, err2)
		}
		var ok bool
		priv, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not of type *rsa.PrivateKey")
		}
	}

	return &JWTProvider{
		method:     jwt.SigningMethodRS256,
		privateKey: priv,
		publicKey:  &priv.PublicKey,
		issuer:     issuer,
		kid:        "sig-1",
	}, nil
}

// Generate creates a signed JWT for the input.
func (p *JWTProvider) Generate(input TokenInput) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:           input.Email,
		Role:            input.Role,
		Plan:            input.Plan,
		OrganizationID:  input.OrganizationID,
		Platform:        input.Platform,
		ProjectScope:    input.ProjectScope,
		Scope:           input.Scope,
		ClientID:        input.ClientID,
		BypassAllChecks: input.BypassAllChecks,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(input.TTL)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-1 * time.Minute)), // Fix clock skew
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)), // Fix clock skew
			Issuer:    p.issuer,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(p.method, claims)
	token.Header["kid"] = p.kid // Important for JWKS lookup
	signed, err := token.SignedString(p.signingKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

func (p *JWTProvider) signingKey() any {
	if p.privateKey != nil {
		return p.privateKey
	}
	return p.secret
}

// Validate parses and verifies the JWT.
func (p *JWTProvider) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != p.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if p.publicKey != nil {
			return p.publicKey, nil
		}
		return p.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// JWKS returns the JSON Web Key Set for the public key, nil under HS256.
func (p *JWTProvider) JWKS() *JWKS {
	if p.publicKey == nil {
		return nil
	}

	eBuf := big.NewInt(int64(p.publicKey.E)).Bytes()
	jwk := JWK{
		Kty: "RSA",
		Kid: p.kid,
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(p.publicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(eBuf),
		Alg: "RS256",
	}

	return &JWKS{Keys: []JWK{jwk}}
}
