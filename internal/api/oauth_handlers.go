package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/api/helpers"
	custommw "github.com/thefixer3x/Onasis-CORE-sub007/internal/api/middleware"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/auth"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/oauth"
)

// OAuthHandler exposes the authorization server endpoints. Errors here
// speak RFC 6749, not the gateway envelope.
type OAuthHandler struct {
	service               *oauth.Service
	issuer                string
	tokens                auth.TokenProvider
	deviceVerificationURI string
}

func NewOAuthHandler(service *oauth.Service, tokens auth.TokenProvider, issuer string) *OAuthHandler {
	return &OAuthHandler{
		service:               service,
		tokens:                tokens,
		issuer:                issuer,
		deviceVerificationURI: issuer + "/oauth/device",
	}
}

func respondOAuthError(w http.ResponseWriter, err error) {
	var oe *oauth.Error
	if !errors.As(err, &oe) {
		slog.Error("oauth_internal_error", "error", err)
		helpers.RespondJSON(w, http.StatusInternalServerError, &oauth.Error{Code: "server_error"})
		return
	}

	status := http.StatusBadRequest
	if oe.Code == "invalid_client" {
		status = http.StatusUnauthorized
	}
	helpers.RespondJSON(w, status, oe)
}

// Authorize handles GET /oauth/authorize for an authenticated user and
// redirects back to the client with the code.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}

	q := r.URL.Query()
	req := oauth.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	code, err := h.service.Authorize(r.Context(), req, ac.UserID)
	if err != nil {
		// Never redirect errors to an unvalidated redirect_uri.
		respondOAuthError(w, err)
		return
	}

	target, parseErr := url.Parse(req.RedirectURI)
	if parseErr != nil {
		respondOAuthError(w, oauth.ErrInvalidRequest)
		return
	}
	params := target.Query()
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Token handles POST /oauth/token, form-encoded per RFC 6749.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, oauth.ErrInvalidRequest)
		return
	}

	clientID, clientSecret := clientCredentials(r)
	req := oauth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		DeviceCode:   r.PostFormValue("device_code"),
		Meta:         requestMeta(r),
	}

	pair, err := h.service.Token(r.Context(), req)
	if err != nil {
		respondOAuthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	helpers.RespondJSON(w, http.StatusOK, pair)
}

// Introspect handles POST /oauth/introspect (RFC 7662). Requires client
// authentication; always answers 200 with at least {"active": false}.
func (h *OAuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, oauth.ErrInvalidRequest)
		return
	}

	clientID, clientSecret := clientCredentials(r)
	result, err := h.service.Introspect(r.Context(), clientID, clientSecret, r.PostFormValue("token"))
	if err != nil {
		respondOAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, result)
}

// DeviceAuthorization handles POST /oauth/device_authorization (RFC 8628).
func (h *OAuthHandler) DeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondOAuthError(w, oauth.ErrInvalidRequest)
		return
	}

	clientID, _ := clientCredentials(r)
	result, err := h.service.StartDeviceAuthorization(r.Context(), clientID, r.PostFormValue("scope"), h.deviceVerificationURI)
	if err != nil {
		respondOAuthError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, result)
}

// DeviceDecisionRequest is the authenticated approve/deny body.
type DeviceDecisionRequest struct {
	UserCode string `json:"user_code"`
	Approve  bool   `json:"approve"`
}

// DeviceDecision lets a signed-in user approve or deny a device grant.
func (h *OAuthHandler) DeviceDecision(w http.ResponseWriter, r *http.Request) {
	ac, err := custommw.GetAuthContext(r.Context())
	if err != nil {
		helpers.RespondError(w, r, http.StatusUnauthorized, helpers.CodeUnauthorized, "Authentication required")
		return
	}

	var req DeviceDecisionRequest
	if err := helpers.DecodeJSON(r, &req); err != nil || req.UserCode == "" {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "user_code required")
		return
	}

	if req.Approve {
		err = h.service.ApproveDevice(r.Context(), req.UserCode, ac.UserID)
	} else {
		err = h.service.DenyDevice(r.Context(), req.UserCode, ac.UserID)
	}
	if err != nil {
		helpers.RespondError(w, r, http.StatusBadRequest, helpers.CodeBadRequest, "Invalid or expired user code")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// JWKS serves the public key set under RS256 deployments.
func (h *OAuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	jwks := h.tokens.JWKS()
	if jwks == nil {
		helpers.RespondError(w, r, http.StatusNotFound, helpers.CodeNotFound, "No public keys for this deployment")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	helpers.RespondJSON(w, http.StatusOK, jwks)
}

// Discovery serves the OIDC-style discovery document.
func (h *OAuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                        h.issuer,
		"authorization_endpoint":        h.issuer + "/oauth/authorize",
		"token_endpoint":                h.issuer + "/oauth/token",
		"introspection_endpoint":        h.issuer + "/oauth/introspect",
		"device_authorization_endpoint": h.issuer + "/oauth/device_authorization",
		"response_types_supported":      []string{"code"},
		"grant_types_supported": []string{
			"authorization_code",
			"refresh_token",
			"urn:ietf:params:oauth:grant-type:device_code",
		},
		"code_challenge_methods_supported": []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic",
			"client_secret_post",
			"none",
		},
	}
	if h.tokens.JWKS() != nil {
		doc["jwks_uri"] = h.issuer + "/.well-known/jwks.json"
	}
	helpers.RespondJSON(w, http.StatusOK, doc)
}

// clientCredentials resolves the client id/secret from Basic auth or
// the form body, in that order.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}
