package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/goldenrodger5/nutrivize-edge/dbopen"
	"github.com/goldenrodger5/nutrivize-edge/idgen"
	"github.com/goldenrodger5/nutrivize-edge/kit"
)

// AgentEvent is one handled agent event.
type AgentEvent struct {
	Kind     string         // "install", "activate", "intercept", "sync", "push", "click", "enqueue"
	Subject  string         // version, URL, endpoint or tag the event was about
	Detail   map[string]any // optional, stored as JSON
	Success  bool
	Duration time.Duration
}

// EventRecord is a stored AgentEvent.
type EventRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Subject    string          `json:"subject,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Success    bool            `json:"success"`
	DurationMs int64           `json:"duration_ms"`
	TraceID    string          `json:"trace_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventLogger writes agent events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventClock overrides time.Now.
func WithEventClock(now func() time.Time) EventLoggerOption {
	return func(l *EventLogger) { l.now = now }
}

// WithEventLogger sets the slog logger used to report write failures.
func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates a logger backed by db. Init must have been applied.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records an event. Errors are logged, never returned, so a
// failing event store cannot break the operation being recorded. The write
// survives cancellation of ctx.
func (l *EventLogger) LogEvent(ctx context.Context, ev AgentEvent) {
	var detail sql.NullString
	if len(ev.Detail) > 0 {
		if b, err := json.Marshal(ev.Detail); err == nil {
			detail = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, err := dbopen.Exec(context.WithoutCancel(ctx), l.db, `
		INSERT INTO agent_events (
			event_id, kind, subject, detail, success, duration_ms, trace_id, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), ev.Kind, ev.Subject, detail, ev.Success,
		ev.Duration.Milliseconds(), kit.GetTraceID(ctx), l.now().UnixMilli())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "kind", ev.Kind)
	}
}

// Recent returns up to limit events, newest first. An empty kind returns
// every kind.
func (l *EventLogger) Recent(ctx context.Context, kind string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_id, kind, subject, detail, success, duration_ms, trace_id, created_at
		FROM agent_events`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r                EventRecord
			subject, traceID sql.NullString
			detail           sql.NullString
			duration         sql.NullInt64
			created          int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &subject, &detail, &r.Success, &duration, &traceID, &created); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		r.Subject, r.TraceID, r.DurationMs = subject.String, traceID.String, duration.Int64
		if detail.Valid {
			r.Detail = json.RawMessage(detail.String)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	EventDays      int
	HeartbeatDays  int
	RunVacuumAfter bool
}

// Cleanup deletes rows older than the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now()
	if cfg.EventDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.EventDays).UnixMilli()
		if _, err := dbopen.Exec(ctx, db, `DELETE FROM agent_events WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup agent_events: %w", err)
		}
	}
	if cfg.HeartbeatDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.HeartbeatDays).Unix()
		if _, err := dbopen.Exec(ctx, db, `DELETE FROM agent_heartbeats WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup agent_heartbeats: %w", err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("observability: vacuum: %w", err)
		}
	}
	return nil
}
