package auth

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	defaultSustainedCap    = 100
	defaultSustainedWindow = time.Minute
	defaultBurstCap        = 10
	defaultBurstWindow     = time.Second
	limiterShardCount      = 32
)

// SlidingLimiter enforces two independent per-identifier sliding windows: a
// sustained cap and a short burst cap. The check and the record step happen
// under one lock so concurrent callers cannot slip past either cap.
type SlidingLimiter struct {
	sustainedCap    int
	sustainedWindow time.Duration
	burstCap        int
	burstWindow     time.Duration
	now             func() time.Time
	shards          [limiterShardCount]*limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// LimiterOption configures a SlidingLimiter.
type LimiterOption func(*SlidingLimiter)

// WithLimiterClock overrides the time source (useful for tests).
func WithLimiterClock(fn func() time.Time) LimiterOption {
	return func(l *SlidingLimiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewSlidingLimiter constructs a limiter. Non-positive arguments fall back
// to the defaults (100 requests / 60s sustained, 10 requests / 1s burst).
func NewSlidingLimiter(sustainedCap int, sustainedWindow time.Duration, burstCap int, burstWindow time.Duration, opts ...LimiterOption) *SlidingLimiter {
	if sustainedCap <= 0 {
		sustainedCap = defaultSustainedCap
	}
	if sustainedWindow <= 0 {
		sustainedWindow = defaultSustainedWindow
	}
	if burstCap <= 0 {
		burstCap = defaultBurstCap
	}
	if burstWindow <= 0 {
		burstWindow = defaultBurstWindow
	}
	l := &SlidingLimiter{
		sustainedCap:    sustainedCap,
		sustainedWindow: sustainedWindow,
		burstCap:        burstCap,
		burstWindow:     burstWindow,
		now:             time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &limiterShard{entries: make(map[string][]time.Time)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow decides whether the identifier may issue a request now. When denied
// it returns the window that tripped ("burst" or "sustained") and how long
// the caller should wait before retrying. An allowed request is recorded
// atomically with the decision.
func (l *SlidingLimiter) Allow(identifier string) (allowed bool, window string, retryAfter time.Duration) {
	shard := l.shard(identifier)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := l.now()
	sustainedCutoff := now.Add(-l.sustainedWindow)

	entries := shard.entries[identifier]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(sustainedCutoff) {
			kept = append(kept, ts)
		}
	}

	burstCutoff := now.Add(-l.burstWindow)
	burstCount := 0
	for _, ts := range kept {
		if ts.After(burstCutoff) {
			burstCount++
		}
	}
	if burstCount >= l.burstCap {
		shard.entries[identifier] = kept
		return false, "burst", l.burstWindow
	}

	if len(kept) >= l.sustainedCap {
		oldest := kept[0]
		retry := oldest.Add(l.sustainedWindow).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		shard.entries[identifier] = kept
		return false, "sustained", retry
	}

	shard.entries[identifier] = append(kept, now)
	return true, "", 0
}

// Prune drops identifiers with no recent requests. Called periodically to
// bound memory.
func (l *SlidingLimiter) Prune() {
	cutoff := l.now().Add(-l.sustainedWindow)
	for _, shard := range l.shards {
		shard.mu.Lock()
		for id, entries := range shard.entries {
			stale := true
			for _, ts := range entries {
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

func (l *SlidingLimiter) shard(identifier string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identifier))
	return l.shards[h.Sum32()%limiterShardCount]
}
