package middleware

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// SetSentryUser adds user context to the Sentry scope.
func SetSentryUser(ctx context.Context, userID, email, ip string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID, Email: email, IPAddress: ip})
	})
}

// SetSentryAuthMethod tags the scope with how the request authenticated.
func SetSentryAuthMethod(ctx context.Context, method string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("auth_method", method)
	})
}
