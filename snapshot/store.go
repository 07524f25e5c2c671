// Package snapshot implements the durable, versioned response cache the edge
// agent serves from when the backend is slow or unreachable.
//
// A store is a named bucket ("static-v3", "dynamic-v3"); entries are keyed by
// the canonical request identity produced by Key. Only successful (2xx)
// responses are ever written. For one key the last write wins.
//
// Schema (created by EnsureTables, also exported as Schema):
//
//	snapshot_stores  (name PK, created_at)
//	snapshot_entries (store FK ON DELETE CASCADE, key, status, headers, body, stored_at)
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goldenrodger5/nutrivize-edge/dbopen"
)

// Schema is the DDL for the snapshot tables.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshot_stores (
    name       TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_entries (
    store     TEXT NOT NULL REFERENCES snapshot_stores(name) ON DELETE CASCADE,
    key       TEXT NOT NULL,
    status    INTEGER NOT NULL,
    headers   TEXT NOT NULL DEFAULT '{}',
    body      BLOB,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (store, key)
);
`

// ErrNotCacheable is returned by Put for responses outside the 2xx range.
var ErrNotCacheable = errors.New("snapshot: response not cacheable")

// ErrNoStore is returned by Put when the target store does not exist,
// typically because activation dropped it while the write was in flight.
var ErrNoStore = errors.New("snapshot: no such store")

// keptHeaders is the minimal header set persisted with an entry.
var keptHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

// Entry is a captured response.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Cacheable reports whether a response with this status may be stored.
func Cacheable(status int) bool {
	return status >= 200 && status < 300
}

// Options configures a Store.
type Options struct {
	// Now overrides the clock used for stored_at. Default: time.Now.
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

// Store is the snapshot store handle. Safe for concurrent use; all
// coordination happens in SQLite.
type Store struct {
	db   *sql.DB
	opts Options
}

// New creates a Store. Call EnsureTables once at startup.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts}
}

// EnsureTables creates the snapshot tables if they don't exist.
func (s *Store) EnsureTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("snapshot: ensure tables: %w", err)
	}
	return nil
}

// Open creates the named store if it does not exist yet.
func (s *Store) Open(ctx context.Context, name string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT OR IGNORE INTO snapshot_stores (name, created_at) VALUES (?, ?)`,
		name, s.opts.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("snapshot: open %s: %w", name, err)
	}
	return nil
}

// Names lists every existing store, oldest first.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM snapshot_stores ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list stores: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("snapshot: scan store: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Drop deletes a store and every entry in it. It reports whether the store
// existed.
func (s *Store) Drop(ctx context.Context, name string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM snapshot_stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("snapshot: drop %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Put writes an entry into an existing store. Non-2xx entries are rejected
// with ErrNotCacheable, a missing store with ErrNoStore. Only Open and
// Replace create stores, so a dropped generation is never brought back by
// a late write.
func (s *Store) Put(ctx context.Context, store string, e Entry) error {
	if !Cacheable(e.Status) {
		return fmt.Errorf("%w: status %d", ErrNotCacheable, e.Status)
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.put(ctx, tx, store, e)
	})
}

// Replace writes a whole store in one transaction: either every entry lands
// or none does. Existing entries of the store are removed first.
func (s *Store) Replace(ctx context.Context, store string, entries []Entry) error {
	for _, e := range entries {
		if !Cacheable(e.Status) {
			return fmt.Errorf("%w: %s status %d", ErrNotCacheable, e.Key, e.Status)
		}
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO snapshot_stores (name, created_at) VALUES (?, ?)`,
			store, s.opts.Now().UnixMilli()); err != nil {
			return fmt.Errorf("snapshot: open %s: %w", store, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_entries WHERE store = ?`, store); err != nil {
			return fmt.Errorf("snapshot: clear %s: %w", store, err)
		}
		for _, e := range entries {
			if err := s.put(ctx, tx, store, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) put(ctx context.Context, tx *sql.Tx, store string, e Entry) error {
	now := s.opts.Now()
	headers, err := json.Marshal(minimalHeaders(e.Header))
	if err != nil {
		return fmt.Errorf("snapshot: encode headers: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = now
	}
	// The existence check and the write are one statement, so a concurrent
	// Drop either lands before it (no row written) or cascades after it.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_entries (store, key, status, headers, body, stored_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM snapshot_stores WHERE name = ?)
		ON CONFLICT (store, key) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		store, e.Key, e.Status, string(headers), e.Body, storedAt.UnixMilli(), store)
	if err != nil {
		return fmt.Errorf("snapshot: put %s %s: %w", store, e.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNoStore, store)
	}
	return nil
}

// Match returns the entry for key in store, or nil, nil when there is none.
func (s *Store) Match(ctx context.Context, store, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status, headers, body, stored_at FROM snapshot_entries WHERE store = ? AND key = ?`,
		store, key)

	var (
		e        = Entry{Key: key}
		headers  string
		storedAt int64
	)
	err := row.Scan(&e.Status, &headers, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: match %s %s: %w", store, key, err)
	}
	e.Header = http.Header{}
	if err := json.Unmarshal([]byte(headers), &e.Header); err != nil {
		s.opts.Logger.Warn("snapshot: corrupt headers, serving without them",
			"store", store, "key", key, "error", err)
		e.Header = http.Header{}
	}
	e.StoredAt = time.UnixMilli(storedAt)
	return &e, nil
}

// Lookup searches stores in order and returns the first hit. Empty store
// names are skipped.
func (s *Store) Lookup(ctx context.Context, key string, stores ...string) (*Entry, error) {
	for _, name := range stores {
		if name == "" {
			continue
		}
		e, err := s.Match(ctx, name, key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// Len returns the number of entries in a store.
func (s *Store) Len(ctx context.Context, store string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshot_entries WHERE store = ?`, store).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("snapshot: len %s: %w", store, err)
	}
	return n, nil
}

func minimalHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, k := range keptHeaders {
		if v := h.Values(k); len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}
