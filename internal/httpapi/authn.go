package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authgate.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/apikey",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/.well-known/jwks.json",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth enforces a valid bearer token on every non-public route and
// attaches the resulting principal to the context. A per-subject rate limit
// runs after validation so authenticated clients are throttled by identity
// rather than by address.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.svc.ValidateToken(token, a.clientInfo(r))
		if err != nil {
			handleAuthError(w, r, err)
			return
		}

		if err := a.svc.CheckRateLimit(claims.Subject, a.clientInfo(r)); err != nil {
			handleAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), auth.PrincipalFromClaims(claims))
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope authorizes the request principal against a scope, writing the
// error response itself. Returns the principal and whether to proceed.
func (a *API) requireScope(w http.ResponseWriter, r *http.Request, scope, resource, action string) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	if err := a.svc.Authorize(principal, scope, resource, action, a.clientInfo(r)); err != nil {
		handleAuthError(w, r, err)
		return auth.Principal{}, false
	}
	return principal, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("authorization header is required")
	}
	if len(header) <= len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("bearer token is empty")
	}
	return token, nil
}

// handleAuthError maps service errors onto HTTP statuses. Lockout and rate
// limit denials carry a Retry-After header.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var lockedOut *auth.LockedOutError
	var rateLimited *auth.RateLimitedError
	switch {
	case errors.As(err, &lockedOut):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(lockedOut.RetryAfter)))
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateLimited.RetryAfter)))
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrInsufficientScope):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// retryAfterSeconds rounds up so clients never retry too early.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
