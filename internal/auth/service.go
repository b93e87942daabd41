// Package auth implements the role-based authorization core: credential and
// API-key verification, group-to-role mapping, scope resolution, signed
// token minting and validation, brute-force lockout and request rate
// limiting. Every security decision is recorded through the audit logger
// before an error crosses the package boundary.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authgate.dev/internal/audit"
	"authgate.dev/internal/obs"
)

const defaultAdminUsername = "admin"

// ClientInfo carries request attribution into the audit trail.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Session is the result of a successful authentication.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Principal Principal
}

// Service wires the authorization components together. It is safe for
// concurrent use: the minter and role table are immutable, the guard and
// limiter synchronize internally, and stores are expected to be
// goroutine-safe.
type Service struct {
	store   Store
	roles   *RoleTable
	minter  *Minter
	guard   *BruteForceGuard
	limiter *SlidingLimiter
	audit   *audit.Logger
	now     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the authorization core.
func NewService(store Store, roles *RoleTable, minter *Minter, guard *BruteForceGuard, limiter *SlidingLimiter, auditLog *audit.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil || roles == nil || minter == nil || guard == nil || limiter == nil || auditLog == nil {
		return nil, errors.New("auth: all service dependencies are required")
	}
	s := &Service{
		store:   store,
		roles:   roles,
		minter:  minter,
		guard:   guard,
		limiter: limiter,
		audit:   auditLog,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Audit exposes the audit logger for query endpoints.
func (s *Service) Audit() *audit.Logger { return s.audit }

// Minter exposes the token minter for the JWKS endpoint.
func (s *Service) Minter() *Minter { return s.minter }

// Authenticate verifies a username/password pair and mints an access token.
// Failures count toward the brute-force guard; a triggered or active lockout
// is reported as LockedOutError with a retry-after.
func (s *Service) Authenticate(ctx context.Context, username, password string, client ClientInfo) (*Session, error) {
	username = strings.TrimSpace(username)
	identifier := username
	if identifier == "" {
		identifier = client.IP
	}

	if locked, retry := s.guard.IsLockedOut(identifier); locked {
		obs.AuthAttempts.WithLabelValues("password", "locked_out").Inc()
		s.audit.Log(audit.Event{
			Type: audit.EventLoginFailure, ActorName: username,
			Resource: "authentication", Action: "login",
			Details:  map[string]any{"reason": "locked_out", "retry_after_s": int(retry.Seconds())},
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: false, Error: "locked out",
		})
		return nil, &LockedOutError{RetryAfter: retry}
	}

	if username == "" || password == "" {
		return nil, s.failedLogin(identifier, username, client, "missing credentials")
	}

	user, err := s.store.Users().FindByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, s.failedLogin(identifier, username, client, "unknown user")
	case err != nil:
		s.auditInfraFailure(audit.EventLoginFailure, username, client, err)
		return nil, err
	}

	if !user.Active {
		return nil, s.failedLogin(identifier, username, client, "inactive account")
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, s.failedLogin(identifier, username, client, "wrong password")
	}

	s.guard.Reset(identifier)
	now := s.now().UTC()
	if err := s.store.Users().TouchLastLogin(ctx, user.ID, now); err != nil {
		obs.LogEvent("warn", "last_login_update_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}

	session, err := s.mintSession(user, nil, "password")
	if err != nil {
		s.auditInfraFailure(audit.EventLoginFailure, username, client, err)
		return nil, err
	}

	obs.AuthAttempts.WithLabelValues("password", "success").Inc()
	s.audit.Log(audit.Event{
		Type: audit.EventLoginSuccess, ActorID: user.ID, ActorName: user.Username,
		Resource: "authentication", Action: "login",
		Details:  map[string]any{"roles": session.Principal.Roles},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
	return session, nil
}

// AuthenticateWithAPIKey verifies a presented API key and mints an access
// token for its owner. Failed lookups count toward the brute-force guard
// keyed by the client address, since the key string itself must not be used
// as an identifier.
func (s *Service) AuthenticateWithAPIKey(ctx context.Context, key string, client ClientInfo) (*Session, error) {
	identifier := client.IP
	if identifier == "" {
		identifier = "unknown"
	}

	if locked, retry := s.guard.IsLockedOut(identifier); locked {
		obs.AuthAttempts.WithLabelValues("api_key", "locked_out").Inc()
		s.audit.Log(audit.Event{
			Type: audit.EventLoginFailure, Resource: "authentication", Action: "api_key",
			Details:  map[string]any{"reason": "locked_out", "retry_after_s": int(retry.Seconds())},
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: false, Error: "locked out",
		})
		return nil, &LockedOutError{RetryAfter: retry}
	}

	if err := ValidateAPIKeyFormat(key); err != nil {
		return nil, s.failedAPIKey(identifier, client, "malformed key")
	}

	record, err := s.store.APIKeys().FindByHash(ctx, HashAPIKey(key))
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, s.failedAPIKey(identifier, client, "unknown key")
	case err != nil:
		s.auditInfraFailure(audit.EventLoginFailure, "", client, err)
		return nil, err
	}

	if record.Revoked {
		return nil, s.failedAPIKey(identifier, client, "revoked key")
	}
	now := s.now().UTC()
	if record.Expired(now) {
		obs.AuthAttempts.WithLabelValues("api_key", "expired").Inc()
		s.audit.Log(audit.Event{
			Type: audit.EventAPIKeyExpired, ActorID: record.UserID,
			Resource: "api_key", Action: "authenticate",
			Details:  map[string]any{"key_id": record.ID, "key_name": record.Name},
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: false, Error: "key expired",
		})
		return nil, ErrInvalidCredentials
	}

	owner, err := s.store.Users().Find(ctx, record.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, s.failedAPIKey(identifier, client, "orphaned key")
	case err != nil:
		s.auditInfraFailure(audit.EventLoginFailure, "", client, err)
		return nil, err
	}
	if !owner.Active {
		return nil, s.failedAPIKey(identifier, client, "inactive owner")
	}

	s.guard.Reset(identifier)
	if err := s.store.APIKeys().TouchLastUsed(ctx, record.ID, now); err != nil {
		obs.LogEvent("warn", "api_key_last_used_update_failed", map[string]any{"key_id": record.ID, "error": err.Error()})
	}

	session, err := s.mintSession(owner, record.Scopes, "api_key")
	if err != nil {
		s.auditInfraFailure(audit.EventLoginFailure, owner.Username, client, err)
		return nil, err
	}

	obs.AuthAttempts.WithLabelValues("api_key", "success").Inc()
	s.audit.Log(audit.Event{
		Type: audit.EventAPIKeyUsed, ActorID: owner.ID, ActorName: owner.Username,
		Resource: "api_key", Action: "authenticate",
		Details:  map[string]any{"key_id": record.ID, "key_name": record.Name},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
	return session, nil
}

// mintSession resolves roles and scopes for the user and signs a token. When
// keyScopes is non-empty (API key authentication) it bounds the granted
// scopes instead of the role-derived set.
func (s *Service) mintSession(user *User, keyScopes []string, method string) (*Session, error) {
	roles := s.roles.MapGroupsToRoles(user.Groups)
	scopes := s.roles.ResolveScopes(roles)
	if len(keyScopes) > 0 {
		scopes = keyScopes
	}

	token, expiresAt, err := s.minter.Mint(Identity{
		Subject: user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Roles:   roles,
		Scopes:  scopes,
		Groups:  user.Groups,
	})
	if err != nil {
		return nil, err
	}
	obs.TokensIssued.Inc()

	return &Session{
		Token:     token,
		ExpiresAt: expiresAt,
		Principal: Principal{
			UserID:   user.ID,
			Username: user.Username,
			Email:    user.Email,
			Name:     user.Name,
			Roles:    roles,
			Scopes:   scopes,
			Groups:   user.Groups,
			Method:   method,
		},
	}, nil
}

// ValidateToken verifies a bearer token and returns its claims. Every
// rejection is audited: expiry as token_expired, anything else (bad
// signature, wrong issuer or audience, malformed token) as
// suspicious_activity, since well-behaved clients do not present those.
func (s *Service) ValidateToken(token string, client ClientInfo) (*Claims, error) {
	claims, err := s.minter.Validate(token)
	switch {
	case errors.Is(err, ErrTokenExpired):
		obs.TokenValidations.WithLabelValues("expired").Inc()
		s.audit.Log(audit.Event{
			Type: audit.EventTokenExpired, Resource: "token", Action: "validate",
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: false, Error: "token expired",
		})
		return nil, err
	case err != nil:
		obs.TokenValidations.WithLabelValues("invalid").Inc()
		s.audit.Log(audit.Event{
			Type: audit.EventSuspiciousActivity, Resource: "token", Action: "validate",
			Details:  map[string]any{"reason": "invalid token"},
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: false, Error: "invalid token",
		})
		return nil, err
	}
	obs.TokenValidations.WithLabelValues("valid").Inc()
	return claims, nil
}

// PrincipalFromClaims converts verified claims into a request principal.
func PrincipalFromClaims(c *Claims) Principal {
	return Principal{
		UserID: c.Subject,
		Email:  c.Email,
		Name:   c.Name,
		Roles:  c.Roles,
		Scopes: c.Scopes,
		Groups: c.Groups,
		Method: "token",
	}
}

// Authorize checks the principal against a required scope, auditing the
// decision either way.
func (s *Service) Authorize(p Principal, requiredScope, resource, action string, client ClientInfo) error {
	if p.HasScope(requiredScope) {
		s.audit.Log(audit.Event{
			Type: audit.EventAccessGranted, ActorID: p.UserID, ActorName: p.Username,
			Resource: resource, Action: action,
			Details:  map[string]any{"required_scope": requiredScope},
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: true,
		})
		return nil
	}
	s.audit.Log(audit.Event{
		Type: audit.EventAccessDenied, ActorID: p.UserID, ActorName: p.Username,
		Resource: resource, Action: action,
		Details:  map[string]any{"required_scope": requiredScope, "held_scopes": p.Scopes},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: false, Error: "insufficient scope",
	})
	return fmt.Errorf("%w: requires %s", ErrInsufficientScope, requiredScope)
}

// CheckRateLimit applies the dual sliding window to the identifier. Denials
// are audited and reported as RateLimitedError with a retry-after.
func (s *Service) CheckRateLimit(identifier string, client ClientInfo) error {
	allowed, window, retry := s.limiter.Allow(identifier)
	if allowed {
		return nil
	}
	obs.RateLimitRejections.WithLabelValues(window).Inc()
	s.audit.Log(audit.Event{
		Type: audit.EventRateLimitExceeded, ActorName: identifier,
		Resource: "rate_limit", Action: "request",
		Details:  map[string]any{"window": window, "retry_after_s": int(retry.Seconds())},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: false, Error: "rate limit exceeded",
	})
	return &RateLimitedError{Window: window, RetryAfter: retry}
}

// Logout clears brute-force state for the principal and audits the event.
// Access tokens are stateless so the token itself remains valid until
// expiry.
func (s *Service) Logout(p Principal, client ClientInfo) {
	if p.Username != "" {
		s.guard.Reset(p.Username)
	}
	s.audit.Log(audit.Event{
		Type: audit.EventLogout, ActorID: p.UserID, ActorName: p.Username,
		Resource: "authentication", Action: "logout",
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
}

// Profile loads the stored account behind a principal.
func (s *Service) Profile(ctx context.Context, p Principal) (*User, error) {
	user, err := s.store.Users().Find(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

// CreateUser registers an account. Administrative operation: the caller is
// expected to have passed an admin scope check already.
func (s *Service) CreateUser(ctx context.Context, actor Principal, username, email, name, password string, groups []string, client ClientInfo) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePasswordPolicy(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Groups:       groups,
		Active:       true,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Log(audit.Event{
		Type: audit.EventUserCreated, ActorID: actor.UserID, ActorName: actor.Username,
		Resource: "user", Action: "create",
		Details:  map[string]any{"user_id": user.ID, "username": username, "groups": groups},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
	return user, nil
}

// SetUserActive enables or disables an account.
func (s *Service) SetUserActive(ctx context.Context, actor Principal, userID string, active bool, client ClientInfo) error {
	if err := s.store.Users().SetActive(ctx, userID, active); err != nil {
		return err
	}
	eventType := audit.EventUserDisabled
	if active {
		eventType = audit.EventUserEnabled
	}
	s.audit.Log(audit.Event{
		Type: eventType, ActorID: actor.UserID, ActorName: actor.Username,
		Resource: "user", Action: "set_active",
		Details:  map[string]any{"user_id": userID, "active": active},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
	return nil
}

// CreateAPIKey mints a new key for the owner. The plaintext key is returned
// exactly once and only its hash is stored.
func (s *Service) CreateAPIKey(ctx context.Context, actor Principal, ownerID, name string, scopes []string, expiresAt *time.Time, client ClientInfo) (string, *APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("%w: key name is required", ErrInvalidInput)
	}
	owner, err := s.store.Users().Find(ctx, ownerID)
	if err != nil {
		return "", nil, err
	}
	if !owner.Active {
		return "", nil, fmt.Errorf("%w: owner account is disabled", ErrInvalidInput)
	}

	key, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}
	// Key IDs are random, not time-ordered: they appear in URLs and must
	// not reveal when neighbouring keys were minted.
	record := &APIKey{
		ID:        uuid.NewString(),
		UserID:    owner.ID,
		KeyHash:   HashAPIKey(key),
		Name:      name,
		Scopes:    dedupeScopes(scopes),
		ExpiresAt: expiresAt,
	}
	if err := s.store.APIKeys().Create(ctx, record); err != nil {
		return "", nil, err
	}
	s.audit.Log(audit.Event{
		Type: audit.EventAPIKeyCreated, ActorID: actor.UserID, ActorName: actor.Username,
		Resource: "api_key", Action: "create",
		Details:  map[string]any{"key_id": record.ID, "key_name": name, "owner_id": owner.ID, "scopes": record.Scopes},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
	return key, record, nil
}

// RevokeAPIKey disables a key permanently.
func (s *Service) RevokeAPIKey(ctx context.Context, actor Principal, keyID string, client ClientInfo) error {
	if err := s.store.APIKeys().Revoke(ctx, keyID); err != nil {
		return err
	}
	s.audit.Log(audit.Event{
		Type: audit.EventAPIKeyRevoked, ActorID: actor.UserID, ActorName: actor.Username,
		Resource: "api_key", Action: "revoke",
		Details:  map[string]any{"key_id": keyID},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: true,
	})
	return nil
}

// ListAPIKeys returns the keys owned by a user. Hashes are included; the
// HTTP layer decides what to expose.
func (s *Service) ListAPIKeys(ctx context.Context, ownerID string) ([]*APIKey, error) {
	return s.store.APIKeys().ListByUser(ctx, ownerID)
}

// EnsureDefaultAdmin bootstraps an admin account when the user table is
// empty. The generated password is returned once for the operator to record.
func (s *Service) EnsureDefaultAdmin(ctx context.Context, adminGroup string) (created bool, password string, err error) {
	n, err := s.store.Users().Count(ctx)
	if err != nil {
		return false, "", err
	}
	if n > 0 {
		return false, "", nil
	}

	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return false, "", fmt.Errorf("auth: generate admin password: %w", err)
	}
	password = base64.RawURLEncoding.EncodeToString(raw)

	hash, err := HashPassword(password)
	if err != nil {
		return false, "", err
	}
	user := &User{
		Username:     defaultAdminUsername,
		Email:        "admin@localhost",
		Name:         "Default Administrator",
		PasswordHash: hash,
		Groups:       []string{adminGroup},
		Active:       true,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return false, "", err
	}
	s.audit.Log(audit.Event{
		Type: audit.EventUserCreated, ActorName: "system",
		Resource: "user", Action: "bootstrap",
		Details: map[string]any{"user_id": user.ID, "username": user.Username},
		Success: true,
	})
	return true, password, nil
}

// SystemEvent records server lifecycle and configuration changes.
func (s *Service) SystemEvent(eventType audit.EventType, details map[string]any) {
	s.audit.Log(audit.Event{
		Type: eventType, ActorName: "system",
		Resource: "system", Action: string(eventType),
		Details: details,
		Success: true,
	})
}

func (s *Service) failedLogin(identifier, username string, client ClientInfo, reason string) error {
	locked := s.guard.RecordFailure(identifier)
	obs.AuthAttempts.WithLabelValues("password", "failure").Inc()
	s.audit.Log(audit.Event{
		Type: audit.EventLoginFailure, ActorName: username,
		Resource: "authentication", Action: "login",
		Details:  map[string]any{"reason": reason},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: false, Error: reason,
	})
	if locked {
		obs.LockoutsTriggered.Inc()
		s.audit.Log(audit.Event{
			Type: audit.EventBruteForceDetected, ActorName: username,
			Resource: "authentication", Action: "login",
			Details:  map[string]any{"identifier": identifier, "lockout_s": int(s.guard.lockout.Seconds())},
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: false, Error: "brute force threshold reached",
		})
		return &LockedOutError{RetryAfter: s.guard.lockout}
	}
	return ErrInvalidCredentials
}

func (s *Service) failedAPIKey(identifier string, client ClientInfo, reason string) error {
	locked := s.guard.RecordFailure(identifier)
	obs.AuthAttempts.WithLabelValues("api_key", "failure").Inc()
	s.audit.Log(audit.Event{
		Type: audit.EventLoginFailure,
		Resource: "authentication", Action: "api_key",
		Details:  map[string]any{"reason": reason},
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: false, Error: reason,
	})
	if locked {
		obs.LockoutsTriggered.Inc()
		s.audit.Log(audit.Event{
			Type: audit.EventBruteForceDetected,
			Resource: "authentication", Action: "api_key",
			Details:  map[string]any{"identifier": identifier, "lockout_s": int(s.guard.lockout.Seconds())},
			ClientIP: client.IP, UserAgent: client.UserAgent,
			Success: false, Error: "brute force threshold reached",
		})
		return &LockedOutError{RetryAfter: s.guard.lockout}
	}
	return ErrInvalidCredentials
}

// auditInfraFailure records a failure caused by infrastructure, so audit
// completeness does not depend on the caller's error handling.
func (s *Service) auditInfraFailure(eventType audit.EventType, actor string, client ClientInfo, err error) {
	s.audit.Log(audit.Event{
		Type: eventType, Level: audit.LevelError, ActorName: actor,
		Resource: "authentication", Action: "infrastructure",
		ClientIP: client.IP, UserAgent: client.UserAgent,
		Success: false, Error: err.Error(),
	})
}

func dedupeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	var out []string
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out
}
