// Package httpapi exposes the authorization service over HTTP: login
// endpoints, API key management, the audit trail and operational probes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/auth"
	"authgate.dev/internal/obs"
	"authgate.dev/internal/stream"
)

const maxBodyBytes = 1 << 20

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tunes the outer HTTP middleware.
type Options struct {
	// Per-IP token bucket in front of the service's sliding windows.
	RatePerSecond float64
	RateBurst     int
}

// API is the HTTP layer over the auth service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	live       *stream.Stream[audit.Event]
	readyProbe ReadyProbe
	version    string
	opts       Options
}

// New wires the routes. live may be nil to disable the audit SSE stream.
func New(svc *auth.Service, live *stream.Stream[audit.Event], rp ReadyProbe, version string, opts Options) *API {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		live:       live,
		readyProbe: rp,
		version:    version,
		opts:       opts,
	}

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/apikey", a.handleAPIKeyLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/me", a.handleMe)

	a.mux.HandleFunc("/v1/apikeys", a.handleAPIKeysCollection)
	a.mux.HandleFunc("/v1/apikeys/", a.handleAPIKeyResource)

	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)
	a.mux.HandleFunc("/v1/audit/summary", a.handleAuditSummary)
	a.mux.HandleFunc("/v1/audit/stream", a.handleAuditStream)

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/.well-known/jwks.json", a.handleJWKS)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = DetectSuspicious(h, a.svc.Audit())
	h = RateLimit(h, a.opts.RatePerSecond, a.opts.RateBurst)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
