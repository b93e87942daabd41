package auth

import "context"

type principalContextKey struct{}
type tokenContextKey struct{}

// Principal is the authenticated identity attached to a single request.
// It never outlives the request context.
type Principal struct {
	UserID   string
	Username string
	Email    string
	Name     string
	Roles    []string
	Scopes   []string
	Groups   []string
	Method   string // "password", "api_key" or "token"
}

// HasScope reports whether the principal's scopes satisfy the required scope.
func (p Principal) HasScope(required string) bool {
	return ScopeAllows(p.Scopes, required)
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
