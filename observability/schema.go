// Package observability records what the edge agent does: a durable
// agent_events log and periodic heartbeats in SQLite, plus Prometheus
// counters for scraping.
//
// Writes to the event log never block or fail the operation being logged;
// errors are reported through slog and dropped.
package observability

import (
	"context"
	"database/sql"

	"github.com/goldenrodger5/nutrivize-edge/dbopen"
)

// Schema contains the DDL for the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_events (
    event_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    subject TEXT,
    detail TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    duration_ms INTEGER,
    trace_id TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_events_kind ON agent_events(kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_agent_events_time ON agent_events(created_at DESC);

CREATE TABLE IF NOT EXISTS agent_heartbeats (
    heartbeat_id INTEGER PRIMARY KEY AUTOINCREMENT,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    generation TEXT,
    lifecycle_state TEXT,
    queue_length INTEGER,
    windows INTEGER,
    goroutines INTEGER,
    memory_alloc_mb REAL
);
CREATE INDEX IF NOT EXISTS idx_agent_heartbeats_time ON agent_heartbeats(timestamp DESC);
`

// Init applies the observability schema.
func Init(ctx context.Context, db *sql.DB) error {
	return dbopen.Migrate(ctx, db, Schema)
}
