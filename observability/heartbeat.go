package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Vitals is the agent state sampled on every heartbeat.
type Vitals struct {
	Generation     string
	LifecycleState string
	QueueLength    int
	Windows        int
}

// Probe samples Vitals.
type Probe func(ctx context.Context) Vitals

// HeartbeatWriter writes periodic liveness rows to agent_heartbeats and
// refreshes the matching gauges.
type HeartbeatWriter struct {
	db       *sql.DB
	probe    Probe
	metrics  *Metrics
	hostname string
	pid      int
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer. metrics may be nil.
func NewHeartbeatWriter(db *sql.DB, probe Probe, metrics *Metrics, interval time.Duration, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:       db,
		probe:    probe,
		metrics:  metrics,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. It writes one heartbeat
// immediately, then repeats at the interval until Stop or ctx is done.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat samples the probe and writes one row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	v := hw.probe(ctx)
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	if hw.metrics != nil {
		hw.metrics.SetQueueLength(v.QueueLength)
		hw.metrics.SetWindows(v.Windows)
	}

	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO agent_heartbeats (
			hostname, pid, timestamp, generation, lifecycle_state,
			queue_length, windows, goroutines, memory_alloc_mb
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		hw.hostname, hw.pid, time.Now().Unix(), v.Generation, v.LifecycleState,
		v.QueueLength, v.Windows, runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(ctx); err != nil {
		hw.logger.Error("heartbeat write failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
				hw.logger.Error("heartbeat write failed", "error", err)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat with a staleness verdict.
type HeartbeatStatus struct {
	Hostname       string    `json:"hostname"`
	PID            int       `json:"pid"`
	Timestamp      time.Time `json:"timestamp"`
	Generation     string    `json:"generation"`
	LifecycleState string    `json:"lifecycle_state"`
	QueueLength    int       `json:"queue_length"`
	Windows        int       `json:"windows"`
	Alive          bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat, or nil, nil if none
// was written yet. stalenessThreshold is typically 3x the interval.
func LatestHeartbeat(ctx context.Context, db *sql.DB, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT hostname, pid, timestamp, generation, lifecycle_state, queue_length, windows
		FROM agent_heartbeats
		ORDER BY timestamp DESC, heartbeat_id DESC LIMIT 1`)

	var (
		hs                HeartbeatStatus
		ts                int64
		generation, state sql.NullString
	)
	err := row.Scan(&hs.Hostname, &hs.PID, &ts, &generation, &state, &hs.QueueLength, &hs.Windows)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Generation, hs.LifecycleState = generation.String, state.String
	hs.Alive = time.Since(hs.Timestamp) <= stalenessThreshold
	return &hs, nil
}
