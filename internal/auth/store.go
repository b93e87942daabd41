package auth

import (
	"context"
	"time"
)

// User is a stored account. Roles are not persisted: they derive from the
// user's groups through the role table at authentication time.
type User struct {
	ID           string
	Username     string
	Email        string
	Name         string
	PasswordHash string
	Groups       []string
	Active       bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// UserStore persists accounts and credentials.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	SetActive(ctx context.Context, id string, active bool) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	Count(ctx context.Context) (int, error)
}

// APIKeyStore persists API key records. Keys are looked up by their one-way
// hash, never by the key itself.
type APIKeyStore interface {
	Create(ctx context.Context, k *APIKey) error
	FindByHash(ctx context.Context, keyHash string) (*APIKey, error)
	Revoke(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
}

// Store bundles the persistence surfaces the service needs.
type Store interface {
	Users() UserStore
	APIKeys() APIKeyStore
}
