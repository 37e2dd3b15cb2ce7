package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
)

var (
	ErrAdminDisabled = errors.New("admin account disabled")
	ErrNoAdmins      = errors.New("no admin bypass account configured")
)

// AdminAccount is an emergency root identity with locally hashed
// credentials. It never goes through the IdP.
type AdminAccount struct {
	Email        string
	PasswordHash string // bcrypt
	TOTPSecret   string
	Disabled     bool
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// AdminStore persists bypass accounts.
type AdminStore interface {
	GetByEmail(ctx context.Context, email string) (AdminAccount, error)
	Create(ctx context.Context, a AdminAccount) error
	Count(ctx context.Context) (int64, error)
	// TouchLastUsed stamps the account and appends evt atomically.
	TouchLastUsed(ctx context.Context, email string, evt events.Event) error
}

// BypassLogin authenticates against a local admin account and issues an
// override token. The token carries bypass_all_checks, which
// short-circuits every scope check downstream; no session row backs it.
func (s *Service) BypassLogin(ctx context.Context, email, password, totpCode string, meta RequestMeta) (string, error) {
	account, err := s.admins.GetByEmail(ctx, email)
	if err != nil {
		// Burn comparable time so a missing account is not observable.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$12$C6UzMDM.H6dfI/f/IKcEeO7ZL7MZkyEnSOlym6EHmRnOXUkJpGQ1q"),
			[]byte(password),
		)
		return "", ErrInvalidCredentials
	}
	if account.Disabled {
		return "", ErrAdminDisabled
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		s.audit.Log(ctx, audit.ActionLoginFailed, audit.LogParams{
			IP:       meta.IP.String(),
			Metadata: map[string]any{"email": email, "method": "admin_bypass"},
		})
		return "", ErrInvalidCredentials
	}

	if account.TOTPSecret != "" {
		if !totp.Validate(totpCode, account.TOTPSecret) {
			return "", ErrInvalidCredentials
		}
	}

	token, err := s.tokens.Generate(TokenInput{
		Subject:         "admin:" + account.Email,
		Email:           account.Email,
		Role:            "admin_override",
		Scope:           "*",
		TTL:             s.config.BypassTokenTTL,
		BypassAllChecks: true,
	})
	if err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}

	evt := events.New(events.AggregateAdmin, account.Email, events.TypeAdminBypassUsed, map[string]any{
		"email": account.Email,
		"ip":    meta.IP.String(),
	}).WithActor("admin:" + account.Email)
	if err := s.admins.TouchLastUsed(ctx, account.Email, evt); err != nil {
		// The override must work even when bookkeeping does not.
		s.logger.Error("admin_bypass_bookkeeping_failed", "email", account.Email, "error", err)
	}

	s.audit.Log(ctx, audit.ActionAdminBypass, audit.LogParams{
		ActorID: "admin:" + account.Email,
		IP:      meta.IP.String(),
	})

	return token, nil
}

// EnsureAdmin guarantees at least one bypass account exists, seeding
// from configuration when the table is empty. Startup fails otherwise.
func (s *Service) EnsureAdmin(ctx context.Context, email, passwordHash string) error {
	count, err := s.admins.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count admin accounts: %w", err)
	}
	if count > 0 {
		return nil
	}

	if email == "" || passwordHash == "" {
		return ErrNoAdmins
	}

	if err := s.admins.Create(ctx, AdminAccount{
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}); err != nil {
		return fmt.Errorf("failed to seed admin account: %w", err)
	}
	s.logger.Info("admin_account_seeded", "email", email)
	return nil
}
