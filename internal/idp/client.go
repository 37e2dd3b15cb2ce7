// Package idp talks to the upstream identity provider over its REST
// surface. The IdP owns password credentials exclusively; the gateway
// only forwards verification and mirrors the resulting user record.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrInvalidCredentials covers every 4xx from the verification
	// endpoints so callers cannot distinguish unknown users from wrong
	// passwords.
	ErrInvalidCredentials = errors.New("idp rejected credentials")
	// ErrUnavailable marks transport failures and 5xx responses.
	ErrUnavailable = errors.New("idp unavailable")
	// ErrServiceKeyMissing means a privileged endpoint was needed but no
	// service key is configured.
	ErrServiceKeyMissing = errors.New("idp service key not configured")
)

// Config holds the upstream endpoint and its API keys.
type Config struct {
	BaseURL    string
	AnonKey    string
	ServiceKey string
	Timeout    time.Duration
}

// Client is a thin HTTP client for the IdP's auth endpoints.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// UserInfo is the slice of the IdP user record the gateway mirrors.
type UserInfo struct {
	ID             string
	Email          string
	Role           string
	Plan           string
	OrganizationID string
	Provider       string
	Metadata       map[string]any
	LastSignInAt   time.Time
}

type idpUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
	LastSignInAt time.Time      `json:"last_sign_in_at"`
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    int     `json:"expires_in"`
	User         idpUser `json:"user"`
}

// VerifyPassword forwards an email/password pair. A 4xx maps to
// ErrInvalidCredentials, transport errors and 5xx to ErrUnavailable.
func (c *Client) VerifyPassword(ctx context.Context, email, password string) (*UserInfo, error) {
	body := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	if err := c.post(ctx, "/token?grant_type=password", c.config.AnonKey, body, &resp); err != nil {
		return nil, err
	}
	info := resp.User.toInfo()
	return &info, nil
}

// SignUp provisions the account through the privileged admin endpoint
// so the gateway controls email confirmation. Requires the service key.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*UserInfo, error) {
	if c.config.ServiceKey == "" {
		return nil, ErrServiceKeyMissing
	}
	body := map[string]any{"email": email, "password": password, "email_confirm": true}
	if len(metadata) > 0 {
		body["user_metadata"] = metadata
	}
	var resp idpUser
	if err := c.post(ctx, "/admin/users", c.config.ServiceKey, body, &resp); err != nil {
		return nil, err
	}
	info := resp.toInfo()
	return &info, nil
}

func (c *Client) post(ctx context.Context, path, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal idp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build idp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("idp_request_failed", "path", path, "error", err)
		return ErrUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode idp response: %w", err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Drain so the connection can be reused; the body is never
		// surfaced to callers.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ErrInvalidCredentials
	default:
		c.logger.Warn("idp_server_error", "path", path, "status", resp.StatusCode)
		return ErrUnavailable
	}
}

// toInfo resolves role and plan. Top-level claims win; user_metadata is
// the fallback, matching how upstream records were populated historically.
func (u idpUser) toInfo() UserInfo {
	info := UserInfo{
		ID:           u.ID,
		Email:        u.Email,
		Role:         u.Role,
		Metadata:     u.UserMetadata,
		LastSignInAt: u.LastSignInAt,
	}
	if info.Role == "" {
		info.Role = stringField(u.UserMetadata, "role")
	}
	info.Plan = stringField(u.AppMetadata, "plan")
	if info.Plan == "" {
		info.Plan = stringField(u.UserMetadata, "plan")
	}
	info.OrganizationID = stringField(u.AppMetadata, "organization_id")
	if info.OrganizationID == "" {
		info.OrganizationID = stringField(u.UserMetadata, "organization_id")
	}
	info.Provider = stringField(u.AppMetadata, "provider")
	return info
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
