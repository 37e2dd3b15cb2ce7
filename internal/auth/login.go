package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/idp"
)

// LoginInput defines the credentials and context for password login.
type LoginInput struct {
	Email        string
	Password     string
	Platform     Platform
	ProjectScope string
	RedirectTo   string
	State        string
	Meta         RequestMeta
}

// LoginResult carries the one-time authorization code the client
// exchanges for tokens. Raw tokens never ride on the login response;
// the cross-origin handoff goes through the code.
type LoginResult struct {
	Code      string
	ExpiresIn int
	User      User
	// RedirectTo echoes the validated target when the caller asked for a
	// redirect-based completion.
	RedirectTo string
	State      string
	// Session lets same-origin callers (web SSO cookie) receive the pair
	// directly alongside the code.
	Session TokenPair
}

// Login verifies credentials against the IdP, mirrors the user, mints a
// session and binds a one-time authorization code to it.
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if input.Platform == "" {
		input.Platform = PlatformWeb
	}

	info, err := s.idp.VerifyPassword(ctx, input.Email, input.Password)
	if err != nil {
		if errors.Is(err, idp.ErrUnavailable) {
			return nil, ErrIdPUnavailable
		}
		s.audit.Log(ctx, audit.ActionLoginFailed, audit.LogParams{
			IP:       input.Meta.IP.String(),
			Metadata: map[string]any{"email": input.Email, "method": "password"},
		})
		// Generic error to prevent user enumeration.
		return nil, ErrInvalidCredentials
	}

	user := s.mirrorUser(*info)
	if err := s.users.Upsert(ctx, user, userUpsertedEvent(user)); err != nil {
		return nil, fmt.Errorf("failed to mirror user: %w", err)
	}

	pair, _, err := s.IssueSession(ctx, user, SessionOptions{
		Platform:     input.Platform,
		ProjectScope: input.ProjectScope,
		Scope:        "*",
		Meta:         input.Meta,
	})
	if err != nil {
		return nil, err
	}

	code, err := s.issueCode(ctx, pair.RefreshToken, user, input.RedirectTo, input.State)
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.ActionLoginSuccess, audit.LogParams{
		ActorID: user.ID,
		IP:      input.Meta.IP.String(),
		Metadata: map[string]any{
			"method":   "password",
			"platform": string(input.Platform),
		},
	})

	return &LoginResult{
		Code:       code,
		ExpiresIn:  int(s.config.CodeTTL.Seconds()),
		User:       user,
		RedirectTo: input.RedirectTo,
		State:      input.State,
		Session:    *pair,
	}, nil
}

// Signup creates the account at the IdP and mirrors it locally.
func (s *Service) Signup(ctx context.Context, email, password string, metadata map[string]any, meta RequestMeta) (*User, error) {
	info, err := s.idp.SignUp(ctx, email, password, metadata)
	if err != nil {
		if errors.Is(err, idp.ErrUnavailable) {
			return nil, ErrIdPUnavailable
		}
		if errors.Is(err, idp.ErrServiceKeyMissing) {
			return nil, ErrServiceKeyMissing
		}
		return nil, ErrInvalidCredentials
	}

	user := s.mirrorUser(*info)
	if err := s.users.Upsert(ctx, user, userUpsertedEvent(user)); err != nil {
		return nil, fmt.Errorf("failed to mirror user: %w", err)
	}

	s.audit.Log(ctx, audit.ActionSignup, audit.LogParams{
		ActorID: user.ID,
		IP:      meta.IP.String(),
	})
	return &user, nil
}

// SessionOptions parameterize session minting.
type SessionOptions struct {
	Platform     Platform
	ProjectScope string
	Scope        string
	ClientID     string // set for OAuth-minted sessions
	Meta         RequestMeta
}

// IssueSession mints an access/refresh pair, persists the session and
// emits SessionCreated in the same transaction as the insert. Token
// generation happens before the write so a store failure never leaks a
// JWT that has no session row.
func (s *Service) IssueSession(ctx context.Context, user User, opts SessionOptions) (*TokenPair, uuid.UUID, error) {
	accessToken, err := s.tokens.Generate(TokenInput{
		Subject:        user.ID,
		Email:          user.Email,
		Role:           user.Role,
		Plan:           user.Plan,
		OrganizationID: user.OrganizationID,
		Platform:       opts.Platform,
		ProjectScope:   opts.ProjectScope,
		Scope:          opts.Scope,
		ClientID:       opts.ClientID,
		TTL:            s.config.AccessTokenTTL,
	})
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("token generation failed: %w", err)
	}

	refreshToken, err := GenerateSecureToken(32)
	if err != nil {
		return nil, uuid.Nil, err
	}

	now := s.now()
	session := Session{
		ID:               uuid.New(),
		UserID:           user.ID,
		Platform:         opts.Platform,
		AccessTokenHash:  HashToken(accessToken),
		RefreshTokenHash: HashToken(refreshToken),
		IPAddress:        opts.Meta.IP,
		UserAgent:        opts.Meta.UserAgent,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.config.RefreshTokenTTL),
	}

	evt := events.New(events.AggregateSession, session.ID.String(), events.TypeSessionCreated, map[string]any{
		"user_id":  user.ID,
		"platform": string(opts.Platform),
	}).WithActor(user.ID)

	if err := s.sessions.Create(ctx, session, evt); err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to store session: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(s.config.AccessTokenTTL.Seconds()),
	}, session.ID, nil
}

func (s *Service) issueCode(ctx context.Context, refreshToken string, user User, redirectTo, state string) (string, error) {
	code, err := GenerateSecureToken(24) // 192 bits
	if err != nil {
		return "", err
	}

	now := s.now()
	record := AuthCode{
		CodeHash:         HashToken(code),
		RefreshToken:     refreshToken,
		RefreshTokenHash: HashToken(refreshToken),
		UserSnapshot:     user,
		RedirectTo:       redirectTo,
		State:            state,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.config.CodeTTL),
	}
	if err := s.codes.Create(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

func (s *Service) mirrorUser(info idp.UserInfo) User {
	now := s.now()
	return User{
		ID:             info.ID,
		Email:          info.Email,
		Role:           info.Role,
		Plan:           info.Plan,
		OrganizationID: info.OrganizationID,
		Provider:       info.Provider,
		Metadata:       info.Metadata,
		LastSignInAt:   now,
		UpdatedAt:      now,
	}
}

func userUpsertedEvent(u User) events.Event {
	return events.New(events.AggregateUser, u.ID, events.TypeUserUpserted, map[string]any{
		"email":           u.Email,
		"role":            u.Role,
		"plan":            u.Plan,
		"organization_id": u.OrganizationID,
	}).WithActor(u.ID)
}
