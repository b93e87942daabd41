// Package audit records every authentication, authorization and
// security-relevant decision to an append-only, queryable store.
package audit

import (
	"context"
	"sync"
	"time"

	"authgate.dev/internal/ids"
	"authgate.dev/internal/obs"
	"authgate.dev/internal/stream"
)

// EventType categorises audit events.
type EventType string

const (
	// Authentication
	EventLoginSuccess EventType = "login_success"
	EventLoginFailure EventType = "login_failure"
	EventLogout       EventType = "logout"
	EventTokenRefresh EventType = "token_refresh"
	EventTokenExpired EventType = "token_expired"

	// Authorization
	EventAccessGranted EventType = "access_granted"
	EventAccessDenied  EventType = "access_denied"

	// API key lifecycle
	EventAPIKeyCreated EventType = "api_key_created"
	EventAPIKeyUsed    EventType = "api_key_used"
	EventAPIKeyExpired EventType = "api_key_expired"
	EventAPIKeyRevoked EventType = "api_key_revoked"

	// User management
	EventUserCreated  EventType = "user_created"
	EventUserUpdated  EventType = "user_updated"
	EventUserDisabled EventType = "user_disabled"
	EventUserEnabled  EventType = "user_enabled"

	// Security violations
	EventBruteForceDetected EventType = "brute_force_detected"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventSuspiciousActivity EventType = "suspicious_activity"

	// System lifecycle
	EventServerStart  EventType = "server_start"
	EventServerStop   EventType = "server_stop"
	EventConfigChange EventType = "config_change"
)

// Level is the severity of an audit event.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Event is a single append-only audit record.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Level      Level          `json:"level"`
	ActorID    string         `json:"actor_id,omitempty"`
	ActorName  string         `json:"actor_name,omitempty"`
	Resource   string         `json:"resource,omitempty"`
	Action     string         `json:"action,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	ClientIP   string         `json:"client_ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// DefaultLevel picks a severity for events logged without one. Failed
// logins and denials are warnings, detected attacks are errors.
func DefaultLevel(t EventType, success bool) Level {
	switch t {
	case EventBruteForceDetected, EventSuspiciousActivity:
		return LevelError
	case EventLoginFailure, EventAccessDenied, EventRateLimitExceeded, EventTokenExpired, EventAPIKeyExpired:
		return LevelWarning
	}
	if !success {
		return LevelWarning
	}
	return LevelInfo
}

// Filter narrows a Query.
type Filter struct {
	ActorID string
	Type    EventType
	From    time.Time
	To      time.Time
	Limit   int
}

// ActorActivity is one row of the security summary's top-actors list.
type ActorActivity struct {
	Actor  string `json:"actor"`
	Events int    `json:"events"`
}

// Summary aggregates security-relevant counts over a window.
type Summary struct {
	PeriodHours         int             `json:"period_hours"`
	FailedLogins        int             `json:"failed_logins"`
	SuccessfulLogins    int             `json:"successful_logins"`
	SecurityViolations  int             `json:"security_violations"`
	RateLimitViolations int             `json:"rate_limit_violations"`
	TopActors           []ActorActivity `json:"top_actors"`
	GeneratedAt         time.Time       `json:"generated_at"`
}

// Store persists audit events. Append must never mutate or delete existing
// records.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]*Event, error)
	Summary(ctx context.Context, since time.Time) (Summary, error)
}

const (
	defaultQueueSize    = 256
	defaultWorkers      = 2
	defaultWriteTimeout = 5 * time.Second
)

// Logger appends events to the store through a bounded worker pool so a slow
// store cannot stall the authentication path, and emits one structured JSON
// line per event for external aggregation.
type Logger struct {
	store   Store
	queue   chan *Event
	wg      sync.WaitGroup
	timeout time.Duration
	now     func() time.Time
	live    *stream.Stream[Event]

	closeOnce sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithQueueSize bounds the pending-write queue.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.queue = make(chan *Event, n)
		}
	}
}

// WithWriteTimeout bounds each store append.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLiveStream publishes every event to the given fan-out for SSE tailing.
func WithLiveStream(s *stream.Stream[Event]) Option {
	return func(l *Logger) {
		l.live = s
	}
}

// NewLogger constructs a Logger and starts its workers.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{
		store:   store,
		queue:   make(chan *Event, defaultQueueSize),
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := 0; i < defaultWorkers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// Log records the event. The structured log line is emitted synchronously;
// the durable append is handed to a worker. When the queue is full the
// append happens inline so the record is never silently dropped.
func (l *Logger) Log(e Event) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.Level == "" {
		e.Level = DefaultLevel(e.Type, e.Success)
	}

	l.emit(&e)
	if l.live != nil {
		l.live.Publish(e)
	}

	select {
	case l.queue <- &e:
	default:
		l.append(&e)
	}
}

// Query returns stored events matching the filter, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]*Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return l.store.Query(ctx, f)
}

// SecuritySummary aggregates the last N hours of security activity.
func (l *Logger) SecuritySummary(ctx context.Context, hours int) (Summary, error) {
	if hours <= 0 {
		hours = 24
	}
	since := l.now().UTC().Add(-time.Duration(hours) * time.Hour)
	summary, err := l.store.Summary(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	summary.PeriodHours = hours
	summary.GeneratedAt = l.now().UTC()
	return summary, nil
}

// Close drains pending writes and stops the workers.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.queue)
	})
	l.wg.Wait()
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for e := range l.queue {
		l.append(e)
	}
}

func (l *Logger) append(e *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.store.Append(ctx, e); err != nil {
		obs.AuditWriteFailures.Inc()
		obs.LogEvent("error", "audit_append_failed", map[string]any{
			"event_id": e.ID,
			"type":     string(e.Type),
			"error":    err.Error(),
		})
	}
}

func (l *Logger) emit(e *Event) {
	entry := map[string]any{
		"ts":    e.OccurredAt.Format(time.RFC3339Nano),
		"level": string(e.Level),
		"msg":   "audit",
		"audit": e,
	}
	obs.LogRequest(entry)
}
