// Package sqltrace registers "sqlite-trace", a modernc.org/sqlite driver
// that logs every statement through slog, tagged with the trace id, window
// id and agent event carried by the context.
//
// Select it with dbopen.WithDriver:
//
//	sqltrace.SetLogger(logger)
//	db, err := dbopen.Open(path, dbopen.WithDriver(sqltrace.DriverName))
//
// Statements log at Debug, slow ones at Warn and failures at Error.
package sqltrace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"log/slog"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/goldenrodger5/nutrivize-edge/kit"
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite-trace"

// DefaultSlowThreshold is the duration above which statements log at Warn.
const DefaultSlowThreshold = 100 * time.Millisecond

var (
	mu     sync.RWMutex
	logger *slog.Logger
	slow   = DefaultSlowThreshold
)

func init() {
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}

// SetLogger sets the logger statements are written to. nil restores
// slog.Default.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetSlowThreshold sets the duration above which a statement is logged at
// Warn.
func SetSlowThreshold(d time.Duration) {
	mu.Lock()
	slow = d
	mu.Unlock()
}

func settings() (*slog.Logger, time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.Default(), slow
	}
	return logger, slow
}

// Driver wraps another driver and traces every statement it runs.
type Driver struct {
	driver.Driver
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c}, nil
}

type conn struct {
	driver.Conn
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		st  driver.Stmt
		err error
	)
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		st, err = pc.PrepareContext(ctx, query)
	} else {
		st, err = c.Conn.Prepare(query)
	}
	if err != nil {
		record(ctx, "prepare", query, 0, err)
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bc, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bc.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

// ExecContext and QueryContext keep the direct path of the wrapped
// connection; without them database/sql would prepare every statement.
func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	res, err := ec.ExecContext(ctx, query, args)
	if err != driver.ErrSkip {
		record(ctx, "exec", query, time.Since(start), err)
	}
	return res, err
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	start := time.Now()
	rows, err := qc.QueryContext(ctx, query, args)
	if err != driver.ErrSkip {
		record(ctx, "query", query, time.Since(start), err)
	}
	return rows, err
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args))
	}
	record(ctx, "exec", s.query, time.Since(start), err)
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args))
	}
	record(ctx, "query", s.query, time.Since(start), err)
	return rows, err
}

func record(ctx context.Context, op, query string, d time.Duration, err error) {
	log, slowAfter := settings()

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > slowAfter:
		level = slog.LevelWarn
	}
	// PRAGMAs run on every open; only problems are worth a line.
	if level == slog.LevelDebug && strings.HasPrefix(strings.TrimSpace(query), "PRAGMA") {
		return
	}
	if !log.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", compact(query)),
		slog.Duration("duration", d),
	}
	if id := kit.GetTraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if id := kit.GetWindowID(ctx); id != "" {
		attrs = append(attrs, slog.String("window_id", id))
	}
	if ev := kit.GetEvent(ctx); ev != "" {
		attrs = append(attrs, slog.String("event", ev))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	log.LogAttrs(ctx, level, "sql", attrs...)
}

// compact folds the whitespace of multi-line statements onto one line.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
