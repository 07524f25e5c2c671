// Package syncer replays queued mutations when the host reports that
// connectivity is back.
//
// At most one drain runs at a time. A drain requested while another is
// active is coalesced: it returns ErrDrainInProgress instead of starting a
// second traversal, so no record is ever submitted twice concurrently.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goldenrodger5/nutrivize-edge/mutation"
	"github.com/goldenrodger5/nutrivize-edge/upstream"
)

// ErrDrainInProgress is returned when a drain is requested while one is
// already running.
var ErrDrainInProgress = errors.New("syncer: drain already in progress")

// ErrRejected means the backend answered a replay with a non-2xx status.
type ErrRejected struct {
	Endpoint string
	Status   int
}

func (e *ErrRejected) Error() string {
	return fmt.Sprintf("syncer: %s rejected with status %d", e.Endpoint, e.Status)
}

// Options configures a Coordinator.
type Options struct {
	Queue *mutation.Q
	Fetch upstream.Fetcher

	// Breaker, when set, is reset on every connectivity signal so the first
	// replay is not refused by a circuit opened while offline.
	Breaker *upstream.CircuitBreaker

	// DeliveryTimeout bounds each replay. Default: 30s.
	DeliveryTimeout time.Duration

	// OnDrain is called after every completed or interrupted drain.
	OnDrain func(mutation.Report, error)

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator owns the drain busy flag.
type Coordinator struct {
	opts   Options
	logger *slog.Logger

	busy      atomic.Bool
	coalesced atomic.Int64
	signal    chan struct{}

	mu   sync.Mutex
	last *mutation.Report
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{
		opts:   opts,
		logger: opts.Logger,
		signal: make(chan struct{}, 1),
	}
}

// Drain runs one traversal of the queue, or returns ErrDrainInProgress if
// a traversal is already active.
func (c *Coordinator) Drain(ctx context.Context) (mutation.Report, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.coalesced.Add(1)
		c.logger.Debug("syncer: drain coalesced")
		return mutation.Report{}, ErrDrainInProgress
	}
	defer c.busy.Store(false)

	start := time.Now()
	report, err := c.opts.Queue.Drain(ctx, c.Deliver)
	c.logger.Info("syncer: drain finished",
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"remaining", len(report.Remaining),
		"duration", time.Since(start),
		"error", err,
	)

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	if c.opts.OnDrain != nil {
		c.opts.OnDrain(report, err)
	}
	return report, err
}

// Deliver replays one mutation against the backend. Only a 2xx response
// counts as delivered. A failed replay is never retried within the same
// drain: the backend may have applied the write before the reply was lost,
// so the record waits for the next drain.
func (c *Coordinator) Deliver(ctx context.Context, m *mutation.Mutation) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DeliveryTimeout)
	defer cancel()

	h := http.Header{}
	if len(m.Payload) > 0 {
		h.Set("Content-Type", "application/json")
	}
	h.Set("X-Edge-Replay", strconv.FormatInt(m.ID, 10))
	h.Set("X-Edge-Attempt", strconv.Itoa(m.AttemptCount+1))

	resp, err := c.opts.Fetch(ctx, &upstream.Request{
		Method: m.Method,
		URL:    m.Endpoint,
		Header: h,
		Body:   m.Payload,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &ErrRejected{Endpoint: m.Endpoint, Status: resp.Status}
	}
	return nil
}

// Trigger signals that connectivity is restored. It never blocks; signals
// arriving while one is already pending collapse into it. It reports
// whether the signal was queued.
func (c *Coordinator) Trigger() bool {
	if c.opts.Breaker != nil {
		c.opts.Breaker.Reset()
	}
	select {
	case c.signal <- struct{}{}:
		return true
	default:
		c.coalesced.Add(1)
		return false
	}
}

// Run drains once per signal until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
			if _, err := c.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
				c.logger.Warn("syncer: drain failed", "error", err)
			}
		}
	}
}

// Busy reports whether a drain is active.
func (c *Coordinator) Busy() bool { return c.busy.Load() }

// Coalesced counts drain requests absorbed by an active or pending drain.
func (c *Coordinator) Coalesced() int64 { return c.coalesced.Load() }

// LastReport returns the report of the most recent drain, if any.
func (c *Coordinator) LastReport() (mutation.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return mutation.Report{}, false
	}
	return *c.last, true
}
