package httpapi

import (
	"net/http"
	"strings"
	"time"

	"authgate.dev/internal/auth"
)

type createAPIKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type apiKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	// Set only in the creation response; the key is never shown again.
	Key string `json:"key,omitempty"`
}

func (a *API) handleAPIKeysCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAPIKey(w, r)
	case http.MethodGet:
		a.listAPIKeys(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requireScope(w, r, "api:profile:write", "api_key", "create")
	if !ok {
		return
	}
	var req createAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	key, record, err := a.svc.CreateAPIKey(r.Context(), principal, principal.UserID, req.Name, req.Scopes, req.ExpiresAt, a.clientInfo(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	resp := apiKeyView(record)
	resp.Key = key
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requireScope(w, r, "api:profile:read", "api_key", "list")
	if !ok {
		return
	}
	keys, err := a.svc.ListAPIKeys(r.Context(), principal.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyView(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/apikeys/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}

	principal, ok := a.requireScope(w, r, "api:profile:write", "api_key", "revoke")
	if !ok {
		return
	}

	// Only the owner (or an administrative scope) may revoke a key.
	keys, err := a.svc.ListAPIKeys(r.Context(), principal.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	owned := false
	for _, k := range keys {
		if k.ID == id {
			owned = true
			break
		}
	}
	if !owned && !principal.HasScope("api:admin:write") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	if err := a.svc.RevokeAPIKey(r.Context(), principal, id, a.clientInfo(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "id": id})
}

func apiKeyView(k *auth.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		Scopes:     k.Scopes,
		ExpiresAt:  k.ExpiresAt,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		Revoked:    k.Revoked,
	}
}
