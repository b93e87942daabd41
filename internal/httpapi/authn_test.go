package httpapi

import (
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", true},
		{"case insensitive scheme", "bearer abc", "abc", true},
		{"extra whitespace", "Bearer   abc  ", "abc", true},
		{"missing header", "", "", false},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", false},
		{"scheme only", "Bearer ", "", false},
		{"token without scheme", "abc.def.ghi", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractBearerToken(tc.header)
			if tc.ok {
				if err != nil {
					t.Fatalf("extractBearerToken(%q) = %v", tc.header, err)
				}
				if got != tc.want {
					t.Errorf("token = %q, want %q", got, tc.want)
				}
				return
			}
			if err == nil {
				t.Errorf("extractBearerToken(%q) = %q, want error", tc.header, got)
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	public := []string{"/v1/auth/login", "/v1/auth/apikey", "/healthz", "/readyz", "/metrics", "/.well-known/jwks.json"}
	for _, p := range public {
		if !isPublicPath(p) {
			t.Errorf("isPublicPath(%q) = false, want true", p)
		}
	}
	private := []string{"/v1/me", "/v1/apikeys", "/v1/audit/events", "/v1/auth/logout", "/v1/auth/login/extra"}
	for _, p := range private {
		if isPublicPath(p) {
			t.Errorf("isPublicPath(%q) = true, want false", p)
		}
	}
}
