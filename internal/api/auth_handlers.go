package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
	custommw "github.com/thefixer3x/Onasis-CORE-sub007/internal/api/middleware"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
)

// AuthHandler wraps the credential service and provides HTTP handlers.
type AuthHandler struct {
	service      *auth.Service
	cookieDomain string
	production   bool
}

func NewAuthHandler(service *auth.Service, cookieDomain string, production bool) *AuthHandler {
	return &AuthHandler{service: service, cookieDomain: cookieDomain, production: production}
}

// LoginRequest defines the expected JSON body for login.
type LoginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Platform     string `json:"platform,omitempty"`
	ProjectScope string `json:"project_scope,omitempty"`
	RedirectTo   string `json:"redirect_to,omitempty"`
	State        string `json:"state,omitempty"`
}

func (req *LoginRequest) Validate() error {
	if req.Email == "" || req.Password == "" {
		return fmt.Errorf("email and password required")
	}
	if req.Platform != "" && !auth.ValidPlatform(auth.Platform(req.Platform)) {
		return fmt.Errorf("unknown platform")
	}
	return nil
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		slog.Warn("Login: Invalid JSON", "error", err)
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, err.Error())
		return
	}

	result, err := h.service.Login(r.Context(), auth.LoginInput{
		Email:        req.Email,
		Password:     req.Password,
		Platform:     auth.Platform(req.Platform),
		ProjectScope: req.ProjectScope,
		RedirectTo:   req.RedirectTo,
		State:        req.State,
		Meta:         requestMeta(r),
	})
	if err != nil {
		if errors.Is(err, auth.ErrIdPUnavailable) {
			helpers.RespondError(w, r, http.StatusServiceUnavailable, helpers.CodeServiceUnavailable, "Identity provider unavailable")
			return
		}
		// Generic rejection regardless of cause.
		slog.Warn("Login: Failed Attempt", "email", req.Email, "error", err)
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Invalid credentials")
		return
	}

	h.setSessionCookie(w, result.Session.AccessToken)

	if result.RedirectTo != "" {
		target, err := url.Parse(result.RedirectTo)
		if err == nil {
			q := target.Query()
			q.Set("code", result.Code)
			if result.State != "" {
				q.Set("state", result.State)
			}
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
		slog.Warn("Login: Unparseable redirect_to", "error", err)
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"code":       result.Code,
		"expires_in": result.ExpiresIn,
		"state":      result.State,
		"user": map[string]any{
			"id":    result.User.ID,
			"email": result.User.Email,
			"role":  result.User.Role,
			"plan":  result.User.Plan,
		},
	})
}

// SignupRequest defines the expected JSON body for registration.
type SignupRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (req *SignupRequest) Validate() error {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fmt.Errorf("invalid email format")
	}
	if len(req.Password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	return nil
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		slog.Warn("Signup: Invalid JSON", "error", err)
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, err.Error())
		return
	}

	user, err := h.service.Signup(r.Context(), req.Email, req.Password, req.Metadata, requestMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrIdPUnavailable) {
			helpers.RespondError(w, r, http.StatusServiceUnavailable, helpers.CodeServiceUnavailable, "Identity provider unavailable")
			return
		}
		if errors.Is(err, auth.ErrServiceKeyMissing) {
			helpers.RespondError(w, r, http.StatusServiceUnavailable, helpers.CodeServiceKeyMissing, "Signup is not configured on this deployment")
			return
		}
		slog.Warn("Signup: Rejected", "email", req.Email, "error", err)
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeSignupFailed, "Signup failed")
		return
	}

	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
	})
}

// ExchangeRequest redeems a one-time code for tokens.
type ExchangeRequest struct {
	Code string `json:"code"`
}

func (h *AuthHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req ExchangeRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.Code == "" {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Code required")
		return
	}

	result, err := h.service.Exchange(r.Context(), req.Code, requestMeta(r))
	if err != nil {
		// One generic answer for missing, used and expired codes.
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeInvalidCode, "Invalid or expired code")
		return
	}

	h.setSessionCookie(w, result.TokenPair.AccessToken)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"access_token":  result.TokenPair.AccessToken,
		"refresh_token": result.TokenPair.RefreshToken,
		"token_type":    result.TokenPair.TokenType,
		"expires_in":    result.TokenPair.ExpiresIn,
		"user": map[string]any{
			"id":    result.User.ID,
			"email": result.User.Email,
			"role":  result.User.Role,
			"plan":  result.User.Plan,
		},
	})
}

// RefreshRequest rotates a refresh token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Refresh token required")
		return
	}

	pair, _, err := h.service.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		slog.Warn("Refresh failed", "error", err)
		h.clearSessionCookie(w)
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeRefreshFailed, "Refresh failed")
		return
	}

	h.setSessionCookie(w, pair.AccessToken)
	helpers.RespondJSON(w, http.StatusOK, pair)
}

// Logout revokes the presented session. Always succeeds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := presentedToken(r)
	if token != "" {
		if err := h.service.Logout(r.Context(), token, requestMeta(r)); err != nil {
			slog.Error("Logout: revocation failed", "error", err)
		}
	}
	h.clearSessionCookie(w)
	helpers.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// VerifyTokenRequest asks for local introspection of a bearer.
type VerifyTokenRequest struct {
	Token string `json:"token"`
}

func (h *AuthHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req VerifyTokenRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.Token == "" {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Token required")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, h.service.VerifyToken(r.Context(), req.Token))
}

// Me returns the authenticated principal.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}

	response := map[string]any{
		"id":          ac.UserID,
		"email":       ac.Email,
		"role":        ac.Role,
		"plan":        ac.Plan,
		"platform":    ac.Platform,
		"auth_method": ac.Method,
	}
	if ac.OrganizationID != "" {
		response["organization_id"] = ac.OrganizationID
	}
	if ac.UniversalID != uuid.Nil {
		response["universal_id"] = ac.UniversalID.String()
	}

	if user, err := h.service.GetUser(r.Context(), ac.UserID); err == nil {
		response["email"] = user.Email
		response["role"] = user.Role
		response["plan"] = user.Plan
	}

	helpers.RespondJSON(w, http.StatusOK, response)
}

// GetSessions returns active sessions for the current user.
func (h *AuthHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), ac.UserID)
	if err != nil {
		slog.Error("GetSessions failed", "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Failed to fetch sessions")
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		entry := map[string]any{
			"id":         sess.ID,
			"platform":   sess.Platform,
			"created_at": sess.CreatedAt,
			"expires_at": sess.ExpiresAt,
			"revoked":    sess.RevokedAt != nil,
		}
		if sess.IPAddress != nil {
			entry["ip_address"] = sess.IPAddress.String()
		}
		if sess.UserAgent != "" {
			entry["user_agent"] = sess.UserAgent
		}
		out = append(out, entry)
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// RevokeSession kills a specific session owned by the caller.
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Invalid session ID")
		return
	}

	if err := h.service.RevokeSession(r.Context(), ac.UserID, sessionID); err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			helpers.RespondError(w, r, http.StatusNotFound, helpers.CodeNotFound, "Session not found")
			return
		}
		slog.Error("RevokeSession failed", "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Failed to revoke session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, accessToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     custommw.SessionCookieName,
		Value:    accessToken,
		Path:     "/",
		Domain:   h.cookieDomain,
		MaxAge:   int(h.service.AccessTokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.production,
		SameSite: sameSite(h.production),
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     custommw.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.production,
		SameSite: sameSite(h.production),
	})
}

// sameSite is None in production so the cookie rides cross-subdomain
// requests; None requires Secure, which local HTTP lacks.
func sameSite(production bool) http.SameSite {
	if production {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        helpers.GetRealIP(r),
		UserAgent: r.UserAgent(),
	}
}

// presentedToken pulls the access token from cookie or bearer header.
func presentedToken(r *http.Request) string {
	if cookie, err := r.Cookie(custommw.SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
