package oauth

import (
	"context"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
)

// Introspect implements RFC 7662 for authenticated clients. Lookup
// failures are indistinguishable from inactive tokens: callers always
// get a well-formed response and never an error they can probe.
func (s *Service) Introspect(ctx context.Context, clientID, clientSecret, token string) (auth.Introspection, error) {
	if _, err := s.authenticateClient(ctx, clientID, clientSecret); err != nil {
		return auth.Introspection{}, err
	}
	if token == "" {
		return auth.Introspection{Active: false}, nil
	}
	return s.authn.VerifyToken(ctx, token), nil
}
