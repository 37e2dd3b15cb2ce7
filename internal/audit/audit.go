package audit

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Action names recorded in the audit trail.
const (
	ActionLoginSuccess   = "auth.login.success"
	ActionLoginFailed    = "auth.login.failed"
	ActionSignup         = "auth.signup"
	ActionLogout         = "auth.logout"
	ActionRefresh        = "auth.refresh"
	ActionExchange       = "auth.exchange"
	ActionTokenReuse     = "auth.token.reuse_detected"
	ActionAdminBypass    = "auth.admin.bypass"
	ActionKeyCreated     = "apikey.created"
	ActionKeyRotated     = "apikey.rotated"
	ActionKeyRevoked     = "apikey.revoked"
	ActionClientRegister = "oauth.client.registered"
	ActionDeviceApproved = "oauth.device.approved"
	ActionDeviceDenied   = "oauth.device.denied"
)

// Logger is the contract for best-effort security event emission.
// Implementations MUST never fail the calling command.
type Logger interface {
	Log(ctx context.Context, action string, params LogParams)
}

// LogParams encapsulates optional fields for an audit entry.
type LogParams struct {
	ActorID  string
	TargetID string
	IP       string
	Metadata map[string]any
}

// JSONLogger writes structured entries to stdout with a marker key that
// log aggregators (Datadog, Splunk, Sentry) route to a separate index.
type JSONLogger struct {
	logger *slog.Logger
}

func NewJSONLogger() *JSONLogger {
	// Separate handler instance so the audit format stays stable
	// independent of the main app logger.
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &JSONLogger{logger: slog.New(handler)}
}

func (l *JSONLogger) Log(ctx context.Context, action string, params LogParams) {
	fields := []any{
		slog.String("log_type", "AUDIT_TRAIL"), // Marker for aggregators
		slog.String("action", action),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}
	if params.ActorID != "" {
		fields = append(fields, slog.String("actor_id", params.ActorID))
	}
	if params.TargetID != "" {
		fields = append(fields, slog.String("target_id", params.TargetID))
	}
	if params.IP != "" {
		fields = append(fields, slog.String("ip", params.IP))
	}
	for k, v := range params.Metadata {
		fields = append(fields, slog.Any("meta_"+k, v))
	}

	l.logger.InfoContext(ctx, "audit_event", fields...)
}

// NopLogger for tests.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, action string, params LogParams) {}
