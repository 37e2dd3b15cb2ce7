package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
	custommw "github.com/thefixer3x/Onasis-CORE-sub007/internal/api/middleware"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
)

// AdminHandler serves the break-glass login and client registration.
type AdminHandler struct {
	service *auth.Service
	oauth   *oauth.Service
}

func NewAdminHandler(service *auth.Service, oauthService *oauth.Service) *AdminHandler {
	return &AdminHandler{service: service, oauth: oauthService}
}

// BypassLoginRequest is the emergency credential set.
type BypassLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

func (h *AdminHandler) BypassLogin(w http.ResponseWriter, r *http.Request) {
	var req BypassLoginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.Email == "" || req.Password == "" {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Email and password required")
		return
	}

	token, err := h.service.BypassLogin(r.Context(), req.Email, req.Password, req.TOTPCode, requestMeta(r))
	if err != nil {
		slog.Warn("BypassLogin rejected", "email", req.Email)
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Invalid credentials")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// RegisterAppRequest registers an OAuth relying party.
type RegisterAppRequest struct {
	ClientID      string   `json:"client_id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RedirectURIs  []string `json:"redirect_uris"`
	AllowedScopes []string `json:"allowed_scopes"`
	DefaultScopes []string `json:"default_scopes,omitempty"`
	Platform      string   `json:"platform,omitempty"`
}

func (req *RegisterAppRequest) Validate() error {
	if req.ClientID == "" || req.Name == "" {
		return fmt.Errorf("client_id and name required")
	}
	if req.Type != oauth.ClientPublic && req.Type != oauth.ClientConfidential {
		return fmt.Errorf("type must be public or confidential")
	}
	if len(req.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect_uri required")
	}
	if req.Platform != "" && !auth.ValidPlatform(auth.Platform(req.Platform)) {
		return fmt.Errorf("unknown platform")
	}
	return nil
}

func (h *AdminHandler) RegisterApp(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}

	var req RegisterAppRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, err.Error())
		return
	}

	client, secret, err := h.oauth.RegisterClient(r.Context(), oauth.RegisterClientInput{
		ID:            req.ClientID,
		Name:          req.Name,
		Type:          req.Type,
		RedirectURIs:  req.RedirectURIs,
		AllowedScopes: req.AllowedScopes,
		DefaultScopes: req.DefaultScopes,
		Platform:      auth.Platform(req.Platform),
	}, ac.UserID)
	if err != nil {
		slog.Error("RegisterApp failed", "client_id", req.ClientID, "error", err)
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Registration failed")
		return
	}

	response := map[string]any{
		"client_id":      client.ID,
		"name":           client.Name,
		"type":           client.Type,
		"require_pkce":   client.RequirePKCE,
		"redirect_uris":  client.RedirectURIs,
		"allowed_scopes": client.AllowedScopes,
	}
	if secret != "" {
		// Shown exactly once.
		response["client_secret"] = secret
	}
	helpers.RespondJSON(w, http.StatusCreated, response)
}

func (h *AdminHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	clients, err := h.oauth.ListClients(r.Context())
	if err != nil {
		slog.Error("ListApps failed", "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Failed to list clients")
		return
	}

	out := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		out = append(out, map[string]any{
			"client_id":      c.ID,
			"name":           c.Name,
			"type":           c.Type,
			"require_pkce":   c.RequirePKCE,
			"redirect_uris":  c.RedirectURIs,
			"allowed_scopes": c.AllowedScopes,
			"status":         c.Status,
			"created_at":     c.CreatedAt,
		})
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"clients": out})
}
