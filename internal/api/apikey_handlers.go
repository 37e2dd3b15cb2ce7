package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
	custommw "github.com/thefixer3x/Onasis-CORE-sub007/internal/api/middleware"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/apikey"
)

// APIKeyHandler manages programmatic credentials.
type APIKeyHandler struct {
	service *apikey.Service
}

func NewAPIKeyHandler(service *apikey.Service) *APIKeyHandler {
	return &APIKeyHandler{service: service}
}

// CreateKeyRequest mints a new API key for the caller.
type CreateKeyRequest struct {
	Name        string   `json:"name"`
	Scopes      []string `json:"scopes"`
	AccessLevel string   `json:"access_level,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (req *CreateKeyRequest) Validate() error {
	if req.Name == "" {
		return fmt.Errorf("name required")
	}
	if len(req.Name) > 100 {
		return fmt.Errorf("name too long (max 100 chars)")
	}
	switch req.AccessLevel {
	case "", apikey.AccessPublic, apikey.AccessAuthenticated, apikey.AccessTeam, apikey.AccessAdmin, apikey.AccessEnterprise:
	default:
		return fmt.Errorf("unknown access_level")
	}
	return nil
}

func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}

	var req CreateKeyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, err.Error())
		return
	}

	accessLevel := req.AccessLevel
	if accessLevel == "" {
		accessLevel = apikey.AccessAuthenticated
	}

	key, cleartext, err := h.service.Create(r.Context(), ac.UserID, req.Name, req.Scopes, accessLevel, req.ExpiresAt)
	if err != nil {
		slog.Error("API key creation failed", "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Failed to create key")
		return
	}

	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"id":           key.ID,
		"name":         key.Name,
		"prefix":       key.Prefix,
		"scopes":       key.Scopes,
		"access_level": key.AccessLevel,
		"expires_at":   key.ExpiresAt,
		"created_at":   key.CreatedAt,
		// Returned exactly once; only the hash survives server-side.
		"key": cleartext,
	})
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}

	keys, err := h.service.List(r.Context(), ac.UserID)
	if err != nil {
		slog.Error("API key list failed", "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Failed to list keys")
		return
	}

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"id":           k.ID,
			"name":         k.Name,
			"prefix":       k.Prefix,
			"scopes":       k.Scopes,
			"access_level": k.AccessLevel,
			"is_active":    k.IsActive,
			"expires_at":   k.ExpiresAt,
			"last_used_at": k.LastUsedAt,
			"created_at":   k.CreatedAt,
		})
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// Rotate replaces a key. The caller must own it.
func (h *APIKeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	ac, key, ok := h.ownedKey(w, r)
	if !ok {
		return
	}
	_ = ac

	replacement, cleartext, err := h.service.Rotate(r.Context(), key.ID)
	if err != nil {
		slog.Error("API key rotation failed", "key_id", key.ID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Rotation failed")
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"id":         replacement.ID,
		"name":       replacement.Name,
		"prefix":     replacement.Prefix,
		"created_at": replacement.CreatedAt,
		"key":        cleartext,
	})
}

// Revoke deactivates a key. Idempotent.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	_, key, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	if err := h.service.Revoke(r.Context(), key.ID); err != nil {
		slog.Error("API key revocation failed", "key_id", key.ID, "error", err)
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Revocation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedKey loads the path key and enforces ownership. Admin override
// tokens skip the ownership check.
func (h *APIKeyHandler) ownedKey(w http.ResponseWriter, r *http.Request) (*custommw.AuthContext, *apikey.Key, bool) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return nil, nil, false
	}

	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Invalid key ID")
		return nil, nil, false
	}

	keys, err := h.service.List(r.Context(), ac.UserID)
	if err != nil {
		helpers.RespondError(w, r, http.StatusInternalServerError, helpers.CodeInternal, "Lookup failed")
		return nil, nil, false
	}
	for i := range keys {
		if keys[i].ID == keyID {
			return ac, &keys[i], true
		}
	}
	if ac.BypassAllChecks {
		// Admin override still rotates a real row; an unknown id is a 404,
		// not a zero-value key handed to the service.
		key, err := h.service.Get(r.Context(), keyID)
		if err == nil {
			return ac, key, true
		}
	}

	helpers.RespondError(w, r, http.StatusNotFound, helpers.CodeNotFound, "Key not found")
	return nil, nil, false
}
