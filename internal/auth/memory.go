package auth

import (
	"context"
	"sync"
	"time"

	"authgate.dev/internal/ids"
)

// MemoryStore is an in-memory Store used by tests and local single-binary
// runs. Not suitable for multi-instance deployments.
type MemoryStore struct {
	users *memUserStore
	keys  *memAPIKeyStore
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: &memUserStore{
			byID:    make(map[string]*User),
			byName:  make(map[string]string),
			byEmail: make(map[string]string),
		},
		keys:  &memAPIKeyStore{byID: make(map[string]*APIKey), byHash: make(map[string]string)},
	}
}

func (s *MemoryStore) Users() UserStore     { return s.users }
func (s *MemoryStore) APIKeys() APIKeyStore { return s.keys }

var _ Store = (*MemoryStore)(nil)

type memUserStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byName  map[string]string
	byEmail map[string]string
}

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if _, exists := s.byName[u.Username]; exists {
		return ErrAlreadyExists
	}
	if _, exists := s.byEmail[u.Email]; exists {
		return ErrAlreadyExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := cloneUser(u)
	s.byID[u.ID] = cp
	s.byName[u.Username] = u.ID
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *memUserStore) Find(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *memUserStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *memUserStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	return nil
}

func (s *memUserStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

func (s *memUserStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

func cloneUser(u *User) *User {
	cp := *u
	cp.Groups = append([]string(nil), u.Groups...)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}

type memAPIKeyStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string
}

func (s *memAPIKeyStore) Create(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == "" {
		k.ID = ids.New()
	}
	if _, exists := s.byHash[k.KeyHash]; exists {
		return ErrAlreadyExists
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	cp := cloneAPIKey(k)
	s.byID[k.ID] = cp
	s.byHash[k.KeyHash] = k.ID
	return nil
}

func (s *memAPIKeyStore) FindByHash(_ context.Context, keyHash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAPIKey(s.byID[id]), nil
}

func (s *memAPIKeyStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	k.Revoked = true
	return nil
}

func (s *memAPIKeyStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &at
	return nil
}

func (s *memAPIKeyStore) ListByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.byID {
		if k.UserID == userID {
			out = append(out, cloneAPIKey(k))
		}
	}
	return out, nil
}

func cloneAPIKey(k *APIKey) *APIKey {
	cp := *k
	cp.Scopes = append([]string(nil), k.Scopes...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
