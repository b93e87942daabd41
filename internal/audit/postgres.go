package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PGStore persists audit events in PostgreSQL. The audit_events table is
// append-only: this store never issues UPDATE or DELETE.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Append inserts one event. String fields bind as-is: the columns are
// declared not null with an empty-string default, so an absent actor or
// error is stored as the empty string, never as SQL NULL.
func (s *PGStore) Append(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`insert into audit_events(id, event_type, level, actor_id, actor_name, resource, action, details, client_ip, user_agent, success, error, occurred_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, string(e.Type), string(e.Level), e.ActorID, e.ActorName,
		e.Resource, e.Action, details, e.ClientIP,
		e.UserAgent, e.Success, e.Error, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *PGStore) Query(ctx context.Context, f Filter) ([]*Event, error) {
	query := `select id, event_type, level, actor_id, actor_name, resource, action, details, client_ip, user_agent, success, error, occurred_at
		from audit_events where true`
	var (
		args []any
		n    int
	)
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.ActorID != "" {
		query += " and actor_id = " + arg(f.ActorID)
	}
	if f.Type != "" {
		query += " and event_type = " + arg(string(f.Type))
	}
	if !f.From.IsZero() {
		query += " and occurred_at >= " + arg(f.From)
	}
	if !f.To.IsZero() {
		query += " and occurred_at <= " + arg(f.To)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " order by occurred_at desc limit " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates security counters since the given time.
func (s *PGStore) Summary(ctx context.Context, since time.Time) (Summary, error) {
	var sum Summary
	row := s.db.QueryRowContext(ctx,
		`select
			count(*) filter (where event_type = $2),
			count(*) filter (where event_type = $3),
			count(*) filter (where event_type in ($4, $5)),
			count(*) filter (where event_type = $6)
		from audit_events where occurred_at >= $1`,
		since,
		string(EventLoginFailure), string(EventLoginSuccess),
		string(EventBruteForceDetected), string(EventSuspiciousActivity),
		string(EventRateLimitExceeded),
	)
	if err := row.Scan(&sum.FailedLogins, &sum.SuccessfulLogins, &sum.SecurityViolations, &sum.RateLimitViolations); err != nil {
		return Summary{}, fmt.Errorf("audit: summary counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`select coalesce(nullif(actor_name, ''), actor_id) as actor, count(*) as events
		 from audit_events
		 where occurred_at >= $1 and (actor_name <> '' or actor_id <> '')
		 group by actor order by events desc limit 10`,
		since,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("audit: summary actors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a ActorActivity
		if err := rows.Scan(&a.Actor, &a.Events); err != nil {
			return Summary{}, err
		}
		sum.TopActors = append(sum.TopActors, a)
	}
	return sum, rows.Err()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		e          Event
		typ, level string
		details    []byte
	)
	if err := rows.Scan(&e.ID, &typ, &level, &e.ActorID, &e.ActorName, &e.Resource, &e.Action,
		&details, &e.ClientIP, &e.UserAgent, &e.Success, &e.Error, &e.OccurredAt); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	e.Type = EventType(typ)
	e.Level = Level(level)
	if len(details) > 0 {
		_ = json.Unmarshal(details, &e.Details)
	}
	return &e, nil
}

var _ Store = (*PGStore)(nil)
