package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/auth"
	"authgate.dev/internal/stream"
)

type apiFixture struct {
	api   *API
	h     http.Handler
	svc   *auth.Service
	store *auth.MemoryStore
	live  *stream.Stream[audit.Event]
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	table, err := auth.NewRoleTable(map[string]auth.RoleConfig{
		"admin":    {Scopes: []string{"*"}},
		"hr_user":  {Scopes: []string{"api:hr:read", "api:profile:read", "api:profile:write"}},
		"auditor":  {Scopes: []string{"audit:read"}},
		"readonly": {Scopes: []string{"api:read"}},
	}, map[string]string{
		"Administrators": "admin",
		"HR-Team":        "hr_user",
		"Auditors":       "auditor",
	}, "readonly")
	if err != nil {
		t.Fatalf("NewRoleTable: %v", err)
	}

	minter, err := auth.NewMinter("authgate", "internal-api", auth.WithSecret("handler-test-secret"))
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	guard := auth.NewBruteForceGuard(5, 15*time.Minute, 5*time.Minute)
	limiter := auth.NewSlidingLimiter(1000, time.Minute, 1000, time.Second)

	live := stream.New[audit.Event]()
	logger := audit.NewLogger(audit.NewMemoryStore(), audit.WithLiveStream(live))
	t.Cleanup(logger.Close)

	store := auth.NewMemoryStore()
	svc, err := auth.NewService(store, table, minter, guard, limiter, logger)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(svc, live, ReadyProbe{}, "test", Options{RatePerSecond: 10000, RateBurst: 10000})
	return &apiFixture{api: api, h: api.Handler(), svc: svc, store: store, live: live}
}

func (f *apiFixture) addUser(t *testing.T, username, password string, groups []string) *auth.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &auth.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Groups:       groups,
		Active:       true,
	}
	if err := f.store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (f *apiFixture) login(t *testing.T, username, password string) sessionResponse {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rr.Code, rr.Body.String())
	}
	var session sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return session
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:4321"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func TestLoginSuccess(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", []string{"HR-Team"})

	session := f.login(t, "alice", "Correct-Horse1")
	if session.Token == "" || session.TokenType != "Bearer" {
		t.Errorf("session = %+v", session)
	}
	if len(session.Roles) != 1 || session.Roles[0] != "hr_user" {
		t.Errorf("roles = %v", session.Roles)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", nil)

	rr := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" || body["request_id"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestLoginLockoutReturns429(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", nil)

	var rr *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		rr = f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
			"username": "alice", "password": "wrong",
		})
	}
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("5th failure = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader("{"))
	req.RemoteAddr = "10.0.0.1:4321"
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestLoginMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/auth/login", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/v1/me", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", rr.Code)
	}
}

func TestMeReturnsProfile(t *testing.T) {
	f := newAPIFixture(t)
	user := f.addUser(t, "alice", "Correct-Horse1", []string{"HR-Team"})
	session := f.login(t, "alice", "Correct-Horse1")

	rr := f.do(t, http.MethodGet, "/v1/me", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["id"] != user.ID || body["username"] != "alice" {
		t.Errorf("profile = %v", body)
	}
	if _, leaked := body["password_hash"]; leaked {
		t.Error("profile must not expose the password hash")
	}
}

func TestAPIKeyEndToEnd(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", []string{"HR-Team"})
	session := f.login(t, "alice", "Correct-Horse1")

	// Create a key.
	rr := f.do(t, http.MethodPost, "/v1/apikeys", session.Token, map[string]any{
		"name": "ci-key", "scopes": []string{"api:hr:read"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rr.Code, rr.Body.String())
	}
	var created apiKeyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if created.Key == "" || !strings.HasPrefix(created.Key, "agk_") {
		t.Fatalf("created key = %q", created.Key)
	}

	// Listing must not return the plaintext key.
	rr = f.do(t, http.MethodGet, "/v1/apikeys", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), created.Key) {
		t.Error("list response leaks the plaintext key")
	}

	// Authenticate with the key.
	rr = f.do(t, http.MethodPost, "/v1/auth/apikey", "", map[string]string{"key": created.Key})
	if rr.Code != http.StatusOK {
		t.Fatalf("apikey login = %d: %s", rr.Code, rr.Body.String())
	}
	var keySession sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &keySession); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if len(keySession.Scopes) != 1 || keySession.Scopes[0] != "api:hr:read" {
		t.Errorf("key session scopes = %v", keySession.Scopes)
	}

	// Revoke and verify the key stops working.
	rr = f.do(t, http.MethodDelete, "/v1/apikeys/"+created.ID, session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke = %d: %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, "/v1/auth/apikey", "", map[string]string{"key": created.Key})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key login = %d, want 401", rr.Code)
	}
}

func TestAuditEndpointsRequireScope(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", []string{"HR-Team"})
	f.addUser(t, "audrey", "Correct-Horse1", []string{"Auditors"})

	hrSession := f.login(t, "alice", "Correct-Horse1")
	auditorSession := f.login(t, "audrey", "Correct-Horse1")

	for _, path := range []string{"/v1/audit/events", "/v1/audit/summary"} {
		rr := f.do(t, http.MethodGet, path, hrSession.Token, nil)
		if rr.Code != http.StatusForbidden {
			t.Errorf("%s without audit:read = %d, want 403", path, rr.Code)
		}
		rr = f.do(t, http.MethodGet, path, auditorSession.Token, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("%s with audit:read = %d: %s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestAuditEventsQuery(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "audrey", "Correct-Horse1", []string{"Auditors"})
	session := f.login(t, "audrey", "Correct-Horse1")

	rr := f.do(t, http.MethodGet, "/v1/audit/events?type=login_success&limit=10", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Events []audit.Event `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(body.Events) == 0 {
		t.Fatal("expected the login itself to appear in the audit trail")
	}
	for _, e := range body.Events {
		if e.Type != audit.EventLoginSuccess {
			t.Errorf("type filter leaked %s", e.Type)
		}
	}

	rr = f.do(t, http.MethodGet, "/v1/audit/events?limit=bogus", session.Token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rr.Code)
	}
}

func TestAuditSummaryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "audrey", "Correct-Horse1", []string{"Auditors"})
	session := f.login(t, "audrey", "Correct-Horse1")

	// Generate a failure to count.
	f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": "ghost", "password": "nope",
	})

	rr := f.do(t, http.MethodGet, "/v1/audit/summary?hours=48", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var summary audit.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.PeriodHours != 48 {
		t.Errorf("period = %d, want 48", summary.PeriodHours)
	}
	if summary.SuccessfulLogins < 1 || summary.FailedLogins < 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		rr := f.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, rr.Code)
		}
	}
}

func TestJWKSNotAvailableInHS256Mode(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestLogout(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", []string{"HR-Team"})
	session := f.login(t, "alice", "Correct-Horse1")

	rr := f.do(t, http.MethodPost, "/v1/auth/logout", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout = %d: %s", rr.Code, rr.Body.String())
	}
	// Tokens are stateless: the token stays valid until expiry.
	rr = f.do(t, http.MethodGet, "/v1/me", session.Token, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("me after logout = %d, want 200 (stateless tokens)", rr.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", nil)
	session := f.login(t, "alice", "Correct-Horse1")

	rr := f.do(t, http.MethodGet, "/v1/nope", session.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	req.Header.Set("X-Request-Id", "fixed-id-123")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-Id"); got != "fixed-id-123" {
		t.Errorf("X-Request-Id = %q, want fixed-id-123", got)
	}
}

func TestPerSubjectRateLimit(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice", "Correct-Horse1", []string{"HR-Team"})
	session := f.login(t, "alice", "Correct-Horse1")

	var rr *httptest.ResponseRecorder
	limited := false
	for i := 0; i < 1100; i++ {
		rr = f.do(t, http.MethodGet, "/v1/me", session.Token, nil)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		if rr.Code != http.StatusOK {
			t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
		}
	}
	if !limited {
		t.Fatal("expected the identity limiter to reject eventually")
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
	if !strings.Contains(rr.Body.String(), "rate limit") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuditStreamDeliversEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "auditor", "Watchful-Eye1", []string{"Auditors"})
	session := f.login(t, "auditor", "Watchful-Eye1")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/audit/stream", nil).WithContext(ctx)
	req.RemoteAddr = "10.0.0.1:4321"
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.h.ServeHTTP(rr, req)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.live.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream handler never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	f.live.Publish(audit.Event{
		ID:   "ev-stream-1",
		Type: audit.EventLoginFailure,
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not stop after cancel")
	}

	body := rr.Body.String()
	if !strings.Contains(body, ": stream started") {
		t.Errorf("missing stream preamble: %q", body)
	}
	if !strings.Contains(body, "ev-stream-1") {
		t.Errorf("published event missing from stream: %q", body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}
