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
	"authgate.dev/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}
}

func TestRateLimitIsolatesClients(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(base, 1, 1)

	reqA := httptest.NewRequest(http.MethodGet, "/limited", nil)
	reqA.RemoteAddr = "10.0.0.1:1234"
	reqB := httptest.NewRequest(http.MethodGet, "/limited", nil)
	reqB.RemoteAddr = "10.0.0.2:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, reqA)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, reqA.Clone(context.Background()))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for exhausted client, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, reqB)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for fresh client, got %d", rr.Code)
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.Clone(context.Background()))

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:9999"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Errorf("clientIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.5" {
		t.Errorf("clientIP with XFF = %q", got)
	}
}

func TestDetectSuspiciousAuditsScanner(t *testing.T) {
	store := audit.NewMemoryStore()
	logger := audit.NewLogger(store)

	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := DetectSuspicious(base, logger)

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("User-Agent", "sqlmap/1.7")
	req.RemoteAddr = "198.51.100.9:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("suspicious request must still be served, got %d", rr.Code)
	}
	logger.Close()

	events, err := store.Query(context.Background(), audit.Filter{Type: audit.EventSuspiciousActivity, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("suspicious events = %d, want 1", len(events))
	}
	if events[0].ClientIP != "198.51.100.9" {
		t.Errorf("client ip = %q", events[0].ClientIP)
	}
	if events[0].Level != audit.LevelError {
		t.Errorf("level = %s, want error", events[0].Level)
	}
}

func TestDetectSuspiciousPathProbe(t *testing.T) {
	store := audit.NewMemoryStore()
	logger := audit.NewLogger(store)

	handler := DetectSuspicious(http.NotFoundHandler(), logger)

	req := httptest.NewRequest(http.MethodGet, "/v1/files?path=..%2F..%2Fetc%2Fpasswd", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	logger.Close()

	events, _ := store.Query(context.Background(), audit.Filter{Type: audit.EventSuspiciousActivity, Limit: 10})
	if len(events) != 1 {
		t.Fatalf("suspicious events = %d, want 1", len(events))
	}
}

func TestDetectSuspiciousIgnoresNormalTraffic(t *testing.T) {
	store := audit.NewMemoryStore()
	logger := audit.NewLogger(store)

	handler := DetectSuspicious(http.NotFoundHandler(), logger)
	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("User-Agent", "curl/8.4")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	logger.Close()

	if n := store.Len(); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{5 * time.Minute, 300},
	}
	for _, tc := range cases {
		if got := retryAfterSeconds(tc.d); got != tc.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}
