package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/v1/apikeys/abc":            "/v1/apikeys/:id",
		"/v1/users/u-42":             "/v1/users/:id",
		"/v1/auth/login":             "/v1/auth/login",
		"/v1/audit/events?limit=10":  "/v1/audit/events",
		"/v1/audit/summary":          "/v1/audit/summary",
		"/.well-known/jwks.json":     "/.well-known/jwks.json",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
