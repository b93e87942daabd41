package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"authgate.dev/internal/audit"
)

// Known scanner fingerprints and injection probes. A hit is recorded as a
// suspicious_activity audit event; the request itself still proceeds through
// normal authentication, which will reject it on its own merits.
var (
	scannerAgents = []string{
		"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
		"wfuzz", "hydra", "burpsuite", "owasp zap",
	}
	probePatterns = []string{
		"../", "..\\", "/etc/passwd", "/proc/self", "<script",
		"union select", "select * from", "' or '1'='1", "cmd.exe", "/bin/sh",
	}
)

func suspiciousReason(r *http.Request) string {
	agent := strings.ToLower(r.UserAgent())
	for _, s := range scannerAgents {
		if strings.Contains(agent, s) {
			return "scanner user agent"
		}
	}
	target := strings.ToLower(r.URL.Path)
	if raw := r.URL.RawQuery; raw != "" {
		if unescaped, err := url.QueryUnescape(raw); err == nil {
			raw = unescaped
		}
		target += "?" + strings.ToLower(raw)
	}
	for _, p := range probePatterns {
		if strings.Contains(target, p) {
			return "injection probe in request target"
		}
	}
	return ""
}

// DetectSuspicious audits requests matching scanner or injection signatures.
func DetectSuspicious(next http.Handler, log *audit.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reason := suspiciousReason(r); reason != "" {
			log.Log(audit.Event{
				Type:     audit.EventSuspiciousActivity,
				Resource: "http",
				Action:   r.Method + " " + r.URL.Path,
				Details: map[string]any{
					"reason":     reason,
					"user_agent": r.UserAgent(),
				},
				ClientIP:  clientIP(r),
				UserAgent: r.UserAgent(),
				Success:   false,
				Error:     reason,
			})
		}
		next.ServeHTTP(w, r)
	})
}
