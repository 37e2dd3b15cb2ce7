package oauth

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

// userCodeAlphabet avoids vowels and ambiguous glyphs so codes read
// aloud cleanly and never spell words.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// DeviceAuthorization is the RFC 8628 device authorization response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// StartDeviceAuthorization begins the device flow for a registered
// client. The device code is returned raw and stored hashed; the user
// code is what the person types on the verification page.
func (s *Service) StartDeviceAuthorization(ctx context.Context, clientID, scope, verificationURI string) (*DeviceAuthorization, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient
	}
	if client.Status != "active" {
		return nil, ErrUnauthorizedClient
	}

	scopes := splitScope(scope)
	if len(scopes) == 0 {
		scopes = client.DefaultScopes
	}
	if !client.AllowsScope(scopes) {
		return nil, ErrInvalidScope
	}

	deviceCode, err := auth.GenerateSecureToken(32)
	if err != nil {
		return nil, err
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}

	now := s.now()
	grant := DeviceGrant{
		DeviceCodeHash: auth.HashToken(deviceCode),
		UserCode:       userCode,
		ClientID:       client.ID,
		Scope:          strings.Join(scopes, " "),
		Status:         DeviceStatusPending,
		Interval:       pollInterval,
		CreatedAt:      now,
		ExpiresAt:      now.Add(deviceCodeTTL),
	}
	if err := s.store.CreateDeviceGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to store device grant: %w", err)
	}

	return &DeviceAuthorization{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int(deviceCodeTTL.Seconds()),
		Interval:                pollInterval,
	}, nil
}

// ApproveDevice binds a pending grant to the approving user.
func (s *Service) ApproveDevice(ctx context.Context, userCode, userID string) error {
	return s.decideDevice(ctx, userCode, userID, DeviceStatusApproved)
}

// DenyDevice rejects a pending grant.
func (s *Service) DenyDevice(ctx context.Context, userCode, userID string) error {
	return s.decideDevice(ctx, userCode, userID, DeviceStatusDenied)
}

func (s *Service) decideDevice(ctx context.Context, userCode, userID, status string) error {
	userCode = NormalizeUserCode(userCode)

	grant, err := s.store.GetDeviceByUserCode(ctx, userCode)
	if err != nil {
		return ErrInvalidGrant
	}
	if grant.Status != DeviceStatusPending {
		return ErrInvalidGrant
	}
	if s.now().After(grant.ExpiresAt) {
		return ErrExpiredToken
	}

	evtType := events.TypeDeviceGrantApproved
	action := audit.ActionDeviceApproved
	if status == DeviceStatusDenied {
		evtType = events.TypeDeviceGrantDenied
		action = audit.ActionDeviceDenied
	}
	evt := events.New(events.AggregateUser, userID, evtType, map[string]any{
		"client_id": grant.ClientID,
		"user_code": userCode,
	}).WithActor(userID)

	if err := s.store.SetDeviceStatus(ctx, userCode, status, userID, evt); err != nil {
		return fmt.Errorf("failed to update device grant: %w", err)
	}

	s.audit.Log(ctx, action, audit.LogParams{
		ActorID:  userID,
		TargetID: grant.ClientID,
	})
	return nil
}

// pollDevice services the device_code grant at the token endpoint.
// Polling faster than the advertised interval answers slow_down.
func (s *Service) pollDevice(ctx context.Context, req TokenRequest) (*auth.TokenPair, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	hash := auth.HashToken(req.DeviceCode)
	grant, err := s.store.GetDeviceByCodeHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if grant.ClientID != client.ID {
		return nil, ErrInvalidGrant
	}

	now := s.now()
	if now.After(grant.ExpiresAt) {
		return nil, ErrExpiredToken
	}

	if grant.LastPolledAt != nil && now.Sub(*grant.LastPolledAt) < time.Duration(grant.Interval)*time.Second {
		_ = s.store.TouchDevicePoll(ctx, hash, now)
		return nil, ErrSlowDown
	}
	if err := s.store.TouchDevicePoll(ctx, hash, now); err != nil {
		return nil, fmt.Errorf("failed to record poll: %w", err)
	}

	switch grant.Status {
	case DeviceStatusPending:
		return nil, ErrAuthorizationPending
	case DeviceStatusDenied:
		return nil, ErrAccessDenied
	case DeviceStatusApproved:
	default:
		return nil, ErrInvalidGrant
	}

	grant, err = s.store.ConsumeApprovedDevice(ctx, hash)
	if err != nil {
		return nil, ErrInvalidGrant
	}

	user, err := s.authn.GetUser(ctx, grant.UserID)
	if err != nil {
		return nil, ErrInvalidGrant
	}

	platform := client.Platform
	if platform == "" {
		platform = auth.PlatformCLI
	}
	pair, _, err := s.authn.IssueSession(ctx, user, auth.SessionOptions{
		Platform: platform,
		Scope:    grant.Scope,
		ClientID: client.ID,
		Meta:     req.Meta,
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// newUserCode produces an 8-character code formatted XXXX-XXXX.
func newUserCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	chars := make([]byte, 0, 9)
	for i, b := range buf {
		if i == 4 {
			chars = append(chars, '-')
		}
		chars = append(chars, userCodeAlphabet[int(b)%len(userCodeAlphabet)])
	}
	return string(chars), nil
}

// NormalizeUserCode uppercases and restores the dash so user input like
// "bcdf ghjk" still matches.
func NormalizeUserCode(code string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 32
		case r >= 'A' && r <= 'Z':
			return r
		}
		return -1
	}, code)
	if len(cleaned) == 8 {
		return cleaned[:4] + "-" + cleaned[4:]
	}
	return cleaned
}
