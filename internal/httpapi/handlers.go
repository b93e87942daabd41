package httpapi

import (
	"net/http"
	"time"

	"authgate.dev/internal/auth"
	"authgate.dev/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type apiKeyLoginRequest struct {
	Key string `json:"key"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Roles     []string  `json:"roles"`
	Scopes    []string  `json:"scopes"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	session, err := a.svc.Authenticate(r.Context(), req.Username, req.Password, a.clientInfo(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeSession(w, session)
}

func (a *API) handleAPIKeyLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req apiKeyLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	session, err := a.svc.AuthenticateWithAPIKey(r.Context(), req.Key, a.clientInfo(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeSession(w, session)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := authPrincipal(w, r)
	if !ok {
		return
	}
	a.svc.Logout(principal, a.clientInfo(r))
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := authPrincipal(w, r)
	if !ok {
		return
	}

	user, err := a.svc.Profile(r.Context(), principal)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            user.ID,
		"username":      user.Username,
		"email":         user.Email,
		"name":          user.Name,
		"groups":        user.Groups,
		"roles":         principal.Roles,
		"scopes":        principal.Scopes,
		"active":        user.Active,
		"last_login_at": user.LastLoginAt,
	})
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	doc, err := a.svc.Minter().JWKS()
	if err != nil {
		writeError(w, r, http.StatusNotFound, "jwks not available for this signing mode")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(doc)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authgate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authgate",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeSession(w http.ResponseWriter, session *auth.Session) {
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     session.Token,
		TokenType: "Bearer",
		ExpiresAt: session.ExpiresAt,
		UserID:    session.Principal.UserID,
		Username:  session.Principal.Username,
		Roles:     session.Principal.Roles,
		Scopes:    session.Principal.Scopes,
	})
}

// authPrincipal fetches the request principal, answering 401 when absent.
func authPrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return principal, true
}
