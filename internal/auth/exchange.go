package auth

import (
	"context"
	"errors"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/audit"
)

// ExchangeResult is returned by the one-time code exchange.
type ExchangeResult struct {
	TokenPair
	User User
}

// Exchange consumes a one-time authorization code and returns a fresh
// token pair. The consume is atomic: a code redeems at most once, and a
// replay surfaces ErrInvalidCode regardless of why it failed.
func (s *Service) Exchange(ctx context.Context, code string, meta RequestMeta) (*ExchangeResult, error) {
	record, err := s.codes.Consume(ctx, HashToken(code))
	if err != nil {
		return nil, ErrInvalidCode
	}

	// The stored refresh token rotates here, so the pair handed out is
	// distinct from anything that ever crossed the wire before.
	pair, user, err := s.Refresh(ctx, record.RefreshToken, meta)
	if err != nil {
		// The code was consumed but its session is gone (revoked or
		// expired in the window). The code stays burned.
		switch {
		case errors.Is(err, ErrTokenReuse),
			errors.Is(err, ErrConcurrentRefresh),
			errors.Is(err, ErrInvalidCredentials),
			errors.Is(err, ErrSessionRevoked),
			errors.Is(err, ErrSessionExpired):
			return nil, ErrInvalidCode
		}
		return nil, err
	}

	s.audit.Log(ctx, audit.ActionExchange, audit.LogParams{
		ActorID: user.ID,
		IP:      meta.IP.String(),
	})

	return &ExchangeResult{TokenPair: *pair, User: *user}, nil
}
