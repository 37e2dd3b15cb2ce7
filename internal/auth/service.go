package auth

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/idp"
)

// IdPClient is the slice of the upstream IdP the service depends on.
type IdPClient interface {
	VerifyPassword(ctx context.Context, email, password string) (*idp.UserInfo, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*idp.UserInfo, error)
}

// Config holds the credential lifetimes.
type Config struct {
	AccessTokenTTL  time.Duration // default 1h
	RefreshTokenTTL time.Duration // default 30d
	CodeTTL         time.Duration // one-time authorization codes, default 120s
	BypassTokenTTL  time.Duration // admin override tokens, default 24h
}

func (c *Config) defaults() {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = 120 * time.Second
	}
	if c.BypassTokenTTL == 0 {
		c.BypassTokenTTL = 24 * time.Hour
	}
}

// Service orchestrates the credential state machine. It is agnostic of
// HTTP transport (chi) and of the store implementation (pgx or memory).
type Service struct {
	config   Config
	idp      IdPClient
	tokens   TokenProvider
	users    UserStore
	sessions SessionStore
	codes    CodeStore
	admins   AdminStore
	audit    audit.Logger
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(
	config Config,
	idpClient IdPClient,
	tokens TokenProvider,
	users UserStore,
	sessions SessionStore,
	codes CodeStore,
	admins AdminStore,
	auditLogger audit.Logger,
	logger *slog.Logger,
) *Service {
	config.defaults()
	return &Service{
		config:   config,
		idp:      idpClient,
		tokens:   tokens,
		users:    users,
		sessions: sessions,
		codes:    codes,
		admins:   admins,
		audit:    auditLogger,
		logger:   logger,
		now:      time.Now,
	}
}

// TokenPair is what clients receive after any successful grant.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// RequestMeta carries per-request connection metadata into the services.
type RequestMeta struct {
	IP        net.IP
	UserAgent string
}

// Tokens returns the token provider, for consumers that only verify.
func (s *Service) Tokens() TokenProvider { return s.tokens }

// Sessions exposes the session store for read paths (middleware, listing).
func (s *Service) Sessions() SessionStore { return s.sessions }

// AccessTokenTTL reports the configured access token lifetime.
func (s *Service) AccessTokenTTL() time.Duration { return s.config.AccessTokenTTL }
