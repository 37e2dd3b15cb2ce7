package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// reuseGracePeriod shields UI race conditions: a refresh token presented
// again within this window of its rotation is treated as a concurrent
// request, not an attack, and does not trigger chain revocation.
const reuseGracePeriod = 10 * time.Second

// Refresh rotates the refresh token and mints a new access token,
// updating the session row in place. Reuse of a rotated token outside
// the grace window revokes the whole chain.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*TokenPair, *User, error) {
	hashed := HashToken(refreshToken)

	session, err := s.sessions.GetByRefreshTokenHash(ctx, hashed)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil, s.handleMissingRefresh(ctx, hashed, meta)
		}
		return nil, nil, err
	}

	now := s.now()
	if session.RevokedAt != nil {
		return nil, nil, ErrSessionRevoked
	}
	if now.After(session.ExpiresAt) {
		return nil, nil, ErrSessionExpired
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, ErrUserNotFound
	}

	accessToken, err := s.tokens.Generate(TokenInput{
		Subject:        user.ID,
		Email:          user.Email,
		Role:           user.Role,
		Plan:           user.Plan,
		OrganizationID: user.OrganizationID,
		Platform:       session.Platform,
		Scope:          "*",
		TTL:            s.config.AccessTokenTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("token generation failed: %w", err)
	}

	newRefresh, err := GenerateSecureToken(32)
	if err != nil {
		return nil, nil, err
	}

	evt := events.New(events.AggregateSession, session.ID.String(), events.TypeSessionRefreshed, map[string]any{
		"user_id":  user.ID,
		"platform": string(session.Platform),
	}).WithActor(user.ID)

	err = s.sessions.Rotate(ctx, session.ID, HashToken(accessToken), HashToken(newRefresh), now.Add(s.config.RefreshTokenTTL), evt)
	if err != nil {
		return nil, nil, fmt.Errorf("rotation failed: %w", err)
	}

	s.audit.Log(ctx, audit.ActionRefresh, audit.LogParams{
		ActorID: user.ID,
		IP:      meta.IP.String(),
	})

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.config.AccessTokenTTL.Seconds()),
	}, &user, nil
}

// handleMissingRefresh distinguishes a junk token from the reuse of a
// previously rotated one. The latter means the token leaked: the whole
// session chain is revoked and SessionCompromised emitted.
func (s *Service) handleMissingRefresh(ctx context.Context, hashed string, meta RequestMeta) error {
	session, err := s.sessions.GetByPrevRefreshTokenHash(ctx, hashed)
	if err != nil {
		// Never seen before. Generic rejection.
		return ErrInvalidCredentials
	}

	if session.RotatedAt != nil && s.now().Sub(*session.RotatedAt) < reuseGracePeriod {
		return ErrConcurrentRefresh
	}

	evt := events.New(events.AggregateSession, session.ID.String(), events.TypeSessionCompromised, map[string]any{
		"user_id":  session.UserID,
		"platform": string(session.Platform),
		"reason":   "refresh_token_reuse",
	})
	if _, rErr := s.sessions.RevokeChain(ctx, session.UserID, session.Platform, evt); rErr != nil {
		s.logger.Error("session_chain_revocation_failed", "session_id", session.ID, "error", rErr)
	}

	s.audit.Log(ctx, audit.ActionTokenReuse, audit.LogParams{
		ActorID: session.UserID,
		IP:      meta.IP.String(),
		Metadata: map[string]any{
			"session_id": session.ID.String(),
		},
	})
	return ErrTokenReuse
}

// Logout revokes the session matching the presented access token.
// It is idempotent and deliberately quiet: callers get success whether
// or not a live session matched, so revocation cannot be used as an
// oracle. SessionRevoked is emitted only when a row actually flipped.
func (s *Service) Logout(ctx context.Context, accessToken string, meta RequestMeta) error {
	hashed := HashToken(accessToken)

	evt := events.New(events.AggregateSession, "", events.TypeSessionRevoked, map[string]any{
		"reason": "logout",
	})
	matched, err := s.sessions.RevokeByAccessTokenHash(ctx, hashed, evt)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	if matched {
		s.audit.Log(ctx, audit.ActionLogout, audit.LogParams{IP: meta.IP.String()})
	}
	return nil
}

// Introspection is the local verification result for a presented bearer.
type Introspection struct {
	Active    bool   `json:"active"`
	Sub       string `json:"sub,omitempty"`
	Email     string `json:"email,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
}

// VerifyToken checks a bearer locally: signature, expiry and the backing
// session row. Any failure yields {active:false} without detail.
func (s *Service) VerifyToken(ctx context.Context, token string) Introspection {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return Introspection{Active: false}
	}

	// Admin override tokens have no session row by design.
	if !claims.BypassAllChecks {
		session, err := s.sessions.GetByAccessTokenHash(ctx, HashToken(token))
		if err != nil || !session.Live(s.now()) {
			return Introspection{Active: false}
		}
	}

	var exp int64
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Unix()
	}
	return Introspection{
		Active:    true,
		Sub:       claims.Subject,
		Email:     claims.Email,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Platform:  string(claims.Platform),
		TokenType: "bearer",
		Exp:       exp,
	}
}

// ListSessions returns the user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	return s.sessions.ListByUser(ctx, userID)
}

// RevokeSession revokes one session owned by the user.
func (s *Service) RevokeSession(ctx context.Context, userID string, sessionID uuid.UUID) error {
	sessions, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.ID == sessionID {
			evt := events.New(events.AggregateSession, sessionID.String(), events.TypeSessionRevoked, map[string]any{
				"reason": "user_revoked",
			}).WithActor(userID)
			return s.sessions.Revoke(ctx, sessionID, evt)
		}
	}
	return ErrSessionNotFound
}

// GetUser returns the mirrored account.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	return s.users.GetByID(ctx, userID)
}
