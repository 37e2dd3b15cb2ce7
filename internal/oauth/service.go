package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

const (
	authzCodeTTL  = 60 * time.Second
	deviceCodeTTL = 10 * time.Minute
	pollInterval  = 5 // seconds
)

// Service implements the OAuth 2.1 authorization server: authorization
// code + PKCE, refresh rotation, device flow and introspection. Token
// minting is delegated to the credential state machine so OAuth
// sessions obey the same lifecycle as password sessions.
type Service struct {
	store  Store
	authn  *auth.Service
	logger *slog.Logger
	audit  audit.Logger
	now    func() time.Time
}

func NewService(store Store, authn *auth.Service, auditLogger audit.Logger, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		authn:  authn,
		logger: logger,
		audit:  auditLogger,
		now:    time.Now,
	}
}

// RegisterClientInput is what the admin surface supplies.
type RegisterClientInput struct {
	ID            string
	Name          string
	Type          string
	RedirectURIs  []string
	AllowedScopes []string
	DefaultScopes []string
	Platform      auth.Platform
}

// RegisterClient stores a relying party. Confidential clients get a
// generated secret, returned once; public clients are forced onto PKCE.
func (s *Service) RegisterClient(ctx context.Context, input RegisterClientInput, actorID string) (*Client, string, error) {
	if input.Type != ClientPublic && input.Type != ClientConfidential {
		return nil, "", ErrInvalidRequest
	}
	if input.Platform == "" {
		input.Platform = auth.PlatformAPI
	}

	client := Client{
		ID:            input.ID,
		Name:          input.Name,
		Type:          input.Type,
		RequirePKCE:   input.Type == ClientPublic,
		RedirectURIs:  input.RedirectURIs,
		AllowedScopes: input.AllowedScopes,
		DefaultScopes: input.DefaultScopes,
		Platform:      input.Platform,
		Status:        "active",
		CreatedAt:     s.now(),
	}

	var secret string
	if input.Type == ClientConfidential {
		var err error
		secret, err = auth.GenerateSecureToken(32)
		if err != nil {
			return nil, "", err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
	}

	evt := events.New(events.AggregateUser, client.ID, events.TypeOAuthClientRegistered, map[string]any{
		"client_id":   client.ID,
		"client_type": client.Type,
	}).WithActor(actorID)

	if err := s.store.CreateClient(ctx, client, evt); err != nil {
		return nil, "", fmt.Errorf("failed to store client: %w", err)
	}

	s.audit.Log(ctx, audit.ActionClientRegister, audit.LogParams{
		ActorID:  actorID,
		TargetID: client.ID,
	})
	return &client, secret, nil
}

// ListClients returns all registered relying parties.
func (s *Service) ListClients(ctx context.Context) ([]Client, error) {
	return s.store.ListClients(ctx)
}

// AuthorizeRequest is the parsed /oauth/authorize query.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates the request for an authenticated user and mints
// the authorization code. The caller redirects with code and state.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest, userID string) (code string, err error) {
	if req.ResponseType != "code" {
		return "", rfcError("unsupported_response_type", "only response_type=code is supported")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", ErrInvalidClient
	}
	if client.Status != "active" {
		return "", ErrUnauthorizedClient
	}
	if !client.AllowsRedirectURI(req.RedirectURI) {
		return "", rfcError("invalid_request", "redirect_uri not registered")
	}

	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.DefaultScopes
	}
	if !client.AllowsScope(scopes) {
		return "", ErrInvalidScope
	}

	// RFC 7636 4.3: a bare code_challenge defaults to the plain method.
	challengeMethod := req.CodeChallengeMethod
	if challengeMethod == "" && req.CodeChallenge != "" {
		challengeMethod = "plain"
	}
	switch challengeMethod {
	case "":
		if client.RequirePKCE {
			return "", rfcError("invalid_request", "code_challenge required")
		}
	case "plain":
		if client.Type == ClientPublic {
			// OAuth 2.1: public clients must use S256.
			return "", rfcError("invalid_request", "code_challenge_method must be S256")
		}
	case "S256":
	default:
		return "", rfcError("invalid_request", "unsupported code_challenge_method")
	}
	if challengeMethod != "" && req.CodeChallenge == "" {
		return "", rfcError("invalid_request", "code_challenge required")
	}

	raw, err := auth.GenerateSecureToken(24)
	if err != nil {
		return "", err
	}

	now := s.now()
	record := AuthzCode{
		CodeHash:            auth.HashToken(raw),
		ClientID:            client.ID,
		UserID:              userID,
		Scope:               strings.Join(scopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: challengeMethod,
		RedirectURI:         req.RedirectURI,
		CreatedAt:           now,
		ExpiresAt:           now.Add(authzCodeTTL),
	}
	if err := s.store.CreateAuthzCode(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	return raw, nil
}

// TokenRequest is the parsed /oauth/token form.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	DeviceCode   string
	Meta         auth.RequestMeta
}

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// Token dispatches the token endpoint grants.
func (s *Service) Token(ctx context.Context, req TokenRequest) (*auth.TokenPair, error) {
	switch req.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, req)
	case "refresh_token":
		return s.refresh(ctx, req)
	case deviceGrantType:
		return s.pollDevice(ctx, req)
	default:
		return nil, ErrUnsupportedGrant
	}
}

func (s *Service) exchangeCode(ctx context.Context, req TokenRequest) (*auth.TokenPair, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	record, err := s.store.ConsumeAuthzCode(ctx, auth.HashToken(req.Code))
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if record.ClientID != client.ID {
		return nil, ErrInvalidGrant
	}
	if record.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant
	}
	if err := verifyPKCE(record, req.CodeVerifier, client); err != nil {
		return nil, err
	}

	user, err := s.authn.GetUser(ctx, record.UserID)
	if err != nil {
		return nil, ErrInvalidGrant
	}

	pair, _, err := s.authn.IssueSession(ctx, user, auth.SessionOptions{
		Platform: client.Platform,
		Scope:    record.Scope,
		ClientID: client.ID,
		Meta:     req.Meta,
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *Service) refresh(ctx context.Context, req TokenRequest) (*auth.TokenPair, error) {
	if _, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	pair, _, err := s.authn.Refresh(ctx, req.RefreshToken, req.Meta)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials),
			errors.Is(err, auth.ErrTokenReuse),
			errors.Is(err, auth.ErrConcurrentRefresh),
			errors.Is(err, auth.ErrSessionRevoked),
			errors.Is(err, auth.ErrSessionExpired):
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	return pair, nil
}

// authenticateClient resolves and authenticates the caller. Public
// clients present no secret; confidential clients must present theirs.
func (s *Service) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient
	}

	if client.Type == ClientConfidential {
		if clientSecret == "" {
			return nil, ErrInvalidClient
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
			return nil, ErrInvalidClient
		}
	}
	return &client, nil
}

// verifyPKCE enforces RFC 7636. For S256 the challenge is recomputed
// from the presented verifier; plain compares in constant time.
func verifyPKCE(record AuthzCode, verifier string, client *Client) error {
	if record.CodeChallenge == "" {
		if client.RequirePKCE {
			return ErrInvalidGrant
		}
		return nil
	}
	if verifier == "" {
		return rfcError("invalid_request", "code_verifier required")
	}

	switch record.CodeChallengeMethod {
	case "S256":
		if oauth2.S256ChallengeFromVerifier(verifier) != record.CodeChallenge {
			return ErrInvalidGrant
		}
	case "plain":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(record.CodeChallenge)) != 1 {
			return ErrInvalidGrant
		}
	default:
		return ErrInvalidGrant
	}
	return nil
}

func splitScope(scope string) []string {
	fields := strings.Fields(scope)
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
