// Package mutation implements the durable log of writes that failed while the
// backend was unreachable and are waiting to be replayed.
//
// Records are only ever created by an explicit Enqueue call and only removed
// after a confirmed successful delivery. A failed delivery bumps the record's
// attempt count and leaves it in place; nothing is dropped.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS pending_mutations (
//	    id            INTEGER PRIMARY KEY AUTOINCREMENT,
//	    endpoint      TEXT NOT NULL,
//	    method        TEXT NOT NULL,
//	    payload       BLOB,
//	    created_at    INTEGER NOT NULL,   -- milliseconds since epoch
//	    attempt_count INTEGER NOT NULL DEFAULT 0,
//	    last_error    TEXT NOT NULL DEFAULT ''
//	);
//
// AUTOINCREMENT guarantees ids are strictly increasing and never reused, and
// SQLite's single writer makes assignment atomic across concurrent Enqueues.
package mutation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goldenrodger5/nutrivize-edge/dbopen"
)

// Schema is the DDL for the pending mutation log.
const Schema = `
CREATE TABLE IF NOT EXISTS pending_mutations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint      TEXT NOT NULL,
    method        TEXT NOT NULL,
    payload       BLOB,
    created_at    INTEGER NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT ''
);
`

// Mutation is a pending write.
type Mutation struct {
	ID           int64     `json:"id"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// Options configures queue behaviour.
type Options struct {
	// Now overrides the clock used for created_at. Default: time.Now.
	Now func() time.Time
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the pending_mutations table if it doesn't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("mutation: ensure table: %w", err)
	}
	return nil
}

// Enqueue persists a new pending write and returns it with its assigned id.
// The record is durable once Enqueue returns. An empty method means POST.
// Storage failures are returned as *ErrQueueWrite.
func (q *Q) Enqueue(ctx context.Context, endpoint, method string, payload []byte) (*Mutation, error) {
	if endpoint == "" {
		return nil, ErrEmptyEndpoint
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodPost
	}
	now := q.opts.Now()

	res, err := dbopen.Exec(ctx, q.db,
		`INSERT INTO pending_mutations (endpoint, method, payload, created_at) VALUES (?, ?, ?, ?)`,
		endpoint, method, payload, now.UnixMilli())
	if err != nil {
		return nil, &ErrQueueWrite{Endpoint: endpoint, Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &ErrQueueWrite{Endpoint: endpoint, Cause: err}
	}

	q.opts.Logger.InfoContext(ctx, "mutation: queued", "id", id, "method", method, "endpoint", endpoint)
	return &Mutation{
		ID:        id,
		Endpoint:  endpoint,
		Method:    method,
		Payload:   payload,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// Pending returns every record in insertion order.
func (q *Q) Pending(ctx context.Context) ([]*Mutation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, endpoint, method, payload, created_at, attempt_count, last_error
		FROM pending_mutations ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("mutation: pending: %w", err)
	}
	defer rows.Close()

	out := []*Mutation{}
	for rows.Next() {
		var m Mutation
		var created int64
		if err := rows.Scan(&m.ID, &m.Endpoint, &m.Method, &m.Payload, &created, &m.AttemptCount, &m.LastError); err != nil {
			return nil, fmt.Errorf("mutation: scan: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mutation: rows: %w", err)
	}
	return out, nil
}

// Remove deletes a delivered record.
func (q *Q) Remove(ctx context.Context, id int64) error {
	if _, err := dbopen.Exec(ctx, q.db, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mutation: remove %d: %w", id, err)
	}
	return nil
}

// RecordFailure increments the attempt count of a record and keeps the
// delivery error for operators.
func (q *Q) RecordFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := dbopen.Exec(ctx, q.db,
		`UPDATE pending_mutations SET attempt_count = attempt_count + 1, last_error = ? WHERE id = ?`,
		msg, id); err != nil {
		return fmt.Errorf("mutation: record failure %d: %w", id, err)
	}
	return nil
}

// Len returns the number of pending records.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("mutation: len: %w", err)
	}
	return n, nil
}
