package auth

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	defaultMaxAttempts    = 5
	defaultFailureWindow  = 15 * time.Minute
	defaultLockoutPeriod  = 5 * time.Minute
	guardShardCount       = 32
)

// BruteForceGuard tracks failed authentication attempts per identifier in a
// sliding window and locks the identifier out once the threshold is reached.
// State is sharded so concurrent attempts for different identifiers do not
// contend on one lock.
type BruteForceGuard struct {
	maxAttempts int
	window      time.Duration
	lockout     time.Duration
	now         func() time.Time
	shards      [guardShardCount]*guardShard
}

type guardShard struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
}

type guardEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

// GuardOption configures a BruteForceGuard.
type GuardOption func(*BruteForceGuard)

// WithGuardClock overrides the time source (useful for tests).
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *BruteForceGuard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewBruteForceGuard constructs a guard. Non-positive arguments fall back to
// the defaults (5 attempts in 15 minutes, 5 minute lockout).
func NewBruteForceGuard(maxAttempts int, window, lockout time.Duration, opts ...GuardOption) *BruteForceGuard {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if window <= 0 {
		window = defaultFailureWindow
	}
	if lockout <= 0 {
		lockout = defaultLockoutPeriod
	}
	g := &BruteForceGuard{
		maxAttempts: maxAttempts,
		window:      window,
		lockout:     lockout,
		now:         time.Now,
	}
	for i := range g.shards {
		g.shards[i] = &guardShard{entries: make(map[string]*guardEntry)}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsLockedOut reports whether the identifier is currently locked out, and if
// so for how much longer. An elapsed lockout clears the identifier's failure
// history.
func (g *BruteForceGuard) IsLockedOut(identifier string) (bool, time.Duration) {
	shard := g.shard(identifier)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[identifier]
	if !ok || entry.lockedUntil.IsZero() {
		return false, 0
	}
	now := g.now()
	if now.Before(entry.lockedUntil) {
		return true, entry.lockedUntil.Sub(now)
	}
	delete(shard.entries, identifier)
	return false, 0
}

// RecordFailure registers a failed attempt. It returns true when this
// failure crossed the threshold and triggered a lockout.
func (g *BruteForceGuard) RecordFailure(identifier string) bool {
	shard := g.shard(identifier)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := g.now()
	entry, ok := shard.entries[identifier]
	if !ok {
		entry = &guardEntry{}
		shard.entries[identifier] = entry
	}

	cutoff := now.Add(-g.window)
	kept := entry.failures[:0]
	for _, ts := range entry.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	entry.failures = append(kept, now)

	if len(entry.failures) >= g.maxAttempts {
		entry.lockedUntil = now.Add(g.lockout)
		return true
	}
	return false
}

// Reset clears all state for an identifier, called on successful
// authentication.
func (g *BruteForceGuard) Reset(identifier string) {
	shard := g.shard(identifier)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.entries, identifier)
}

// Prune drops identifiers whose failures have all aged out and whose
// lockouts have elapsed. Called periodically to bound memory.
func (g *BruteForceGuard) Prune() {
	now := g.now()
	cutoff := now.Add(-g.window)
	for _, shard := range g.shards {
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if !entry.lockedUntil.IsZero() && now.Before(entry.lockedUntil) {
				continue
			}
			stale := true
			for _, ts := range entry.failures {
				if ts.After(cutoff) {
					stale = false
					break
				}
			}
			if stale {
				delete(shard.entries, id)
			}
		}
		shard.mu.Unlock()
	}
}

func (g *BruteForceGuard) shard(identifier string) *guardShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identifier))
	return g.shards[h.Sum32()%guardShardCount]
}
