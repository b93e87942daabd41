package auth

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, "agk_") {
		t.Errorf("key %q must carry the agk_ prefix", key)
	}
	if err := ValidateAPIKeyFormat(key); err != nil {
		t.Errorf("generated key fails format validation: %v", err)
	}

	other, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if key == other {
		t.Error("two generated keys must differ")
	}
}

func TestHashAPIKey(t *testing.T) {
	key := "agk_0123456789abcdef0123456789abcdef"
	hash := HashAPIKey(key)
	if hash == key {
		t.Fatal("hash must not equal the key")
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
	if HashAPIKey(key) != hash {
		t.Error("hashing must be deterministic")
	}
	if HashAPIKey("  "+key+"  ") != hash {
		t.Error("surrounding whitespace must not change the hash")
	}
	if HashAPIKey("agk_other") == hash {
		t.Error("different keys must hash differently")
	}
}

func TestAPIKeyExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	unbounded := &APIKey{}
	if unbounded.Expired(now) {
		t.Error("key without expiry must never expire")
	}

	future := now.Add(time.Hour)
	live := &APIKey{ExpiresAt: &future}
	if live.Expired(now) {
		t.Error("key expiring in the future must not be expired")
	}

	past := now.Add(-time.Hour)
	dead := &APIKey{ExpiresAt: &past}
	if !dead.Expired(now) {
		t.Error("key with past expiry must be expired")
	}
}
