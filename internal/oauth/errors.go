package oauth

// Error is the RFC 6749 error envelope returned by the OAuth surface.
// These deliberately bypass the gateway's own error envelope.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func rfcError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// RFC 6749 / 8628 error codes.
var (
	ErrInvalidRequest       = rfcError("invalid_request", "")
	ErrInvalidClient        = rfcError("invalid_client", "")
	ErrInvalidGrant         = rfcError("invalid_grant", "")
	ErrUnauthorizedClient   = rfcError("unauthorized_client", "")
	ErrUnsupportedGrant     = rfcError("unsupported_grant_type", "")
	ErrInvalidScope         = rfcError("invalid_scope", "")
	ErrAuthorizationPending = rfcError("authorization_pending", "")
	ErrSlowDown             = rfcError("slow_down", "")
	ErrAccessDenied         = rfcError("access_denied", "")
	ErrExpiredToken         = rfcError("expired_token", "")
)
