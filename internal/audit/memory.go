package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps events in memory. Used by tests and single-binary demos;
// production deployments use the Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of the event.
func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	cp := *e
	s.mu.Lock()
	s.events = append(s.events, &cp)
	s.mu.Unlock()
	return nil
}

// Query returns matching events, newest first.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.OccurredAt.After(f.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Summary aggregates events since the given time.
func (s *MemoryStore) Summary(_ context.Context, since time.Time) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum Summary
	activity := make(map[string]int)
	for _, e := range s.events {
		if e.OccurredAt.Before(since) {
			continue
		}
		switch e.Type {
		case EventLoginFailure:
			sum.FailedLogins++
		case EventLoginSuccess:
			sum.SuccessfulLogins++
		case EventBruteForceDetected, EventSuspiciousActivity:
			sum.SecurityViolations++
		case EventRateLimitExceeded:
			sum.RateLimitViolations++
		}
		actor := e.ActorName
		if actor == "" {
			actor = e.ActorID
		}
		if actor != "" {
			activity[actor]++
		}
	}

	for actor, n := range activity {
		sum.TopActors = append(sum.TopActors, ActorActivity{Actor: actor, Events: n})
	}
	sort.Slice(sum.TopActors, func(i, j int) bool {
		if sum.TopActors[i].Events != sum.TopActors[j].Events {
			return sum.TopActors[i].Events > sum.TopActors[j].Events
		}
		return sum.TopActors[i].Actor < sum.TopActors[j].Actor
	})
	if len(sum.TopActors) > 10 {
		sum.TopActors = sum.TopActors[:10]
	}
	return sum, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

var _ Store = (*MemoryStore)(nil)
