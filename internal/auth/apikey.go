package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// apiKeyPrefix makes leaked keys recognisable in scanners and logs.
const apiKeyPrefix = "agk_"

// APIKey is the stored record for an issued key. The key itself is shown
// once at creation and persisted only as a one-way hash.
type APIKey struct {
	ID         string
	UserID     string
	KeyHash    string
	Name       string
	Scopes     []string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Revoked    bool
}

// Expired reports whether the key's optional expiry has passed.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// GenerateAPIKey returns a high-entropy key string. 32 bytes of randomness
// gives 256 bits, comfortably beyond brute-force range.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey produces the one-way hash under which a key is stored and
// looked up. Presented keys are never compared directly: lookup is by
// digest, so no raw secret comparison exists to leak timing.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
