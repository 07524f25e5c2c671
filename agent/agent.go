// Package agent wires the edge agent together and runs it as an actor:
// every lifecycle step, intercepted read, connectivity signal, push and
// notification click is a typed Event dispatched to its own goroutine.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goldenrodger5/nutrivize-edge/clients"
	"github.com/goldenrodger5/nutrivize-edge/config"
	"github.com/goldenrodger5/nutrivize-edge/kit"
	"github.com/goldenrodger5/nutrivize-edge/lifecycle"
	"github.com/goldenrodger5/nutrivize-edge/mutation"
	"github.com/goldenrodger5/nutrivize-edge/observability"
	"github.com/goldenrodger5/nutrivize-edge/push"
	"github.com/goldenrodger5/nutrivize-edge/snapshot"
	"github.com/goldenrodger5/nutrivize-edge/strategy"
	"github.com/goldenrodger5/nutrivize-edge/syncer"
	"github.com/goldenrodger5/nutrivize-edge/upstream"
)

var (
	// ErrNotIntercepted is returned for Intercept events that are not reads.
	ErrNotIntercepted = errors.New("agent: only GET requests are intercepted")
	// ErrBadEndpoint rejects mutations that do not target a backend path.
	ErrBadEndpoint = errors.New("agent: endpoint must be an absolute backend path")
	// ErrUnknownEvent is returned for event types the agent does not handle.
	ErrUnknownEvent = errors.New("agent: unknown event")
)

// Options configures an Agent.
type Options struct {
	Config *config.Config
	// DB holds snapshot stores and the mutation queue.
	DB *sql.DB
	// ObsDB holds the event log and heartbeats. Default: DB.
	ObsDB *sql.DB

	// Fetch replaces the HTTP fetcher to the backend. The middleware chain
	// is applied either way.
	Fetch upstream.Fetcher
	// PassThrough replaces the reverse proxy used for non-GET requests.
	PassThrough http.Handler

	Logger *slog.Logger
}

// Agent is the running edge agent.
type Agent struct {
	logger *slog.Logger
	db     *sql.DB
	obsDB  *sql.DB

	cfg    atomic.Pointer[config.Config]
	router atomic.Pointer[strategy.Router]

	breaker   *upstream.CircuitBreaker
	fetch     upstream.Fetcher
	pass      http.Handler
	store     *snapshot.Store
	queue     *mutation.Q
	lc        *lifecycle.Controller
	handlers  *strategy.Handlers
	drainer   *syncer.Coordinator
	hub       *clients.Hub
	relay     *push.Relay
	metrics   *observability.Metrics
	events    *observability.EventLogger
	heartbeat *observability.HeartbeatWriter

	inflight sync.WaitGroup
}

// New builds an Agent and creates its tables. Nothing runs until Bootstrap
// and Run are called.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: config is required")
	}
	if opts.DB == nil {
		return nil, errors.New("agent: database is required")
	}
	if opts.ObsDB == nil {
		opts.ObsDB = opts.DB
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	logger := opts.Logger

	a := &Agent{logger: logger, db: opts.DB, obsDB: opts.ObsDB}
	a.cfg.Store(cfg)

	rules, err := cfg.ClassificationRules()
	if err != nil {
		return nil, err
	}
	a.router.Store(strategy.NewRouter(rules))

	base, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("agent: backend url: %w", err)
	}
	fetch := opts.Fetch
	if fetch == nil {
		fetch = upstream.HTTPFetcher(base, upstream.HTTPOptions{})
	}
	a.breaker = upstream.NewCircuitBreaker(
		upstream.WithBreakerThreshold(cfg.Breaker.Threshold),
		upstream.WithBreakerResetTimeout(cfg.Breaker.ResetTimeout),
	)
	a.fetch = upstream.Chain(
		upstream.Recovery(logger),
		upstream.Logging(logger),
		upstream.WithCircuitBreaker(a.breaker, "backend"),
	)(fetch)

	a.pass = opts.PassThrough
	if a.pass == nil {
		if a.pass, err = upstream.NewPassThrough(base, logger); err != nil {
			return nil, err
		}
	}

	a.store = snapshot.New(opts.DB, snapshot.Options{Logger: logger})
	if err := a.store.EnsureTables(ctx); err != nil {
		return nil, err
	}
	a.queue = mutation.New(opts.DB, mutation.Options{Logger: logger})
	if err := a.queue.EnsureTable(ctx); err != nil {
		return nil, err
	}
	if err := observability.Init(ctx, opts.ObsDB); err != nil {
		return nil, err
	}
	a.metrics = observability.NewMetrics()
	a.events = observability.NewEventLogger(opts.ObsDB, observability.WithEventLogger(logger))

	a.hub = clients.New(clients.Options{OnMessage: a.onWindowMessage, Logger: logger})
	a.relay = push.NewRelay(push.Options{
		Notifier: a.hub,
		Windows:  a.hub,
		Icon:     cfg.Push.Icon,
		Badge:    cfg.Push.Badge,
		Logger:   logger,
	})

	volatile := snapshot.Volatile(cfg.VolatileParams)
	a.lc = lifecycle.New(lifecycle.Options{
		Store:    a.store,
		Fetch:    upstream.WithRetry(max(cfg.Install.MaxRetries, 0), cfg.Install.RetryBackoff, logger)(a.fetch),
		Claimer:  a.hub,
		Volatile: volatile,
		Logger:   logger,
	})
	a.handlers, err = strategy.NewHandlers(strategy.Options{
		Store:             a.store,
		Fetch:             a.fetch,
		Generations:       a.lc,
		Volatile:          volatile,
		OfflineDocument:   cfg.OfflineDocument,
		NetworkTimeout:    cfg.NetworkFirstTimeout,
		RevalidateTimeout: cfg.RevalidateTimeout,
		Observer:          a.metrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	a.drainer = syncer.New(syncer.Options{
		Queue:           a.queue,
		Fetch:           a.fetch,
		Breaker:         a.breaker,
		DeliveryTimeout: cfg.Sync.DeliveryTimeout,
		OnDrain:         a.onDrain,
		Logger:          logger,
	})
	a.heartbeat = observability.NewHeartbeatWriter(opts.ObsDB, a.vitals, a.metrics, cfg.HeartbeatInterval, logger)
	return a, nil
}

// Bootstrap makes the configured version current: it resumes the existing
// generation after a restart, or installs and activates it.
func (a *Agent) Bootstrap(ctx context.Context) error {
	cfg := a.cfg.Load()
	ok, err := a.lc.Resume(ctx, cfg.Version)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return a.transition(ctx, cfg.Version, cfg.Precache)
}

// Run starts the window hub, the drain loop, heartbeats and retention
// cleanup, and blocks until ctx is done. It then waits for in-flight events
// and background refreshes.
func (a *Agent) Run(ctx context.Context) {
	a.heartbeat.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.hub.Run(ctx) }()
	go func() { defer wg.Done(); a.drainer.Run(ctx) }()
	go func() { defer wg.Done(); a.retention(ctx) }()

	<-ctx.Done()
	wg.Wait()
	a.heartbeat.Stop()
	a.inflight.Wait()
	a.handlers.Wait()
	a.logger.Info("agent: stopped")
}

func (a *Agent) retention(ctx context.Context) {
	cfg := a.cfg.Load()
	rc := observability.RetentionConfig{EventDays: cfg.RetentionDays, HeartbeatDays: cfg.RetentionDays}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := observability.Cleanup(ctx, a.obsDB, rc); err != nil && ctx.Err() == nil {
			a.logger.Warn("agent: retention cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconfigure applies a reloaded config. The rule table is swapped in
// place; a new version runs a full install and activate. Other settings
// take effect on restart.
func (a *Agent) Reconfigure(ctx context.Context, cfg *config.Config) error {
	rules, err := cfg.ClassificationRules()
	if err != nil {
		return err
	}
	a.router.Store(strategy.NewRouter(rules))
	a.cfg.Store(cfg)

	if cfg.Version == a.lc.Current() {
		a.logger.Info("agent: config applied", "version", cfg.Version, "rules", len(rules))
		return nil
	}
	a.logger.Info("agent: version changed", "from", a.lc.Current(), "to", cfg.Version)
	return a.transition(ctx, cfg.Version, cfg.Precache)
}

func (a *Agent) transition(ctx context.Context, version string, manifest []string) error {
	if _, err := a.Handle(ctx, Install{Version: version, Manifest: manifest}); err != nil {
		return err
	}
	_, err := a.Handle(ctx, Activate{})
	return err
}

// Dispatch runs ev on its own goroutine. The returned channel receives
// exactly one Outcome and is buffered, so callers may drop it.
func (a *Agent) Dispatch(ctx context.Context, ev Event) <-chan Outcome {
	out := make(chan Outcome, 1)
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.ErrorContext(ctx, "agent: event handler panic recovered",
					"event", ev.Kind(), "panic", r, "stack", string(debug.Stack()))
				out <- Outcome{Err: fmt.Errorf("agent: %s handler panicked: %v", ev.Kind(), r)}
			}
		}()
		v, err := a.handle(kit.WithEvent(ctx, ev.Kind()), ev)
		out <- Outcome{Value: v, Err: err}
	}()
	return out
}

// Handle dispatches ev and waits for its outcome or for ctx.
func (a *Agent) Handle(ctx context.Context, ev Event) (any, error) {
	select {
	case o := <-a.Dispatch(ctx, ev):
		return o.Value, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) handle(ctx context.Context, ev Event) (any, error) {
	start := time.Now()
	switch e := ev.(type) {
	case Intercept:
		return a.intercept(ctx, e)

	case Install:
		cfg := a.cfg.Load()
		if e.Version == "" {
			e.Version = cfg.Version
		}
		if len(e.Manifest) == 0 {
			e.Manifest = cfg.Precache
		}
		err := a.lc.Install(ctx, e.Version, e.Manifest)
		a.metrics.ObserveTransition("install", err == nil)
		a.record(ctx, ev, e.Version, err, start, map[string]any{"resources": len(e.Manifest)})
		return a.lc.Status(), err

	case Activate:
		pending := a.lc.Status().Pending
		err := a.lc.Activate(ctx)
		a.metrics.ObserveTransition("activate", err == nil)
		a.record(ctx, ev, pending, err, start, nil)
		return a.lc.Status(), err

	case SyncTrigger:
		if !e.Wait {
			return a.drainer.Trigger(), nil
		}
		rep, err := a.drainer.Drain(ctx)
		if errors.Is(err, syncer.ErrDrainInProgress) {
			a.metrics.ObserveCoalescedDrain()
		}
		return rep, err

	case Push:
		n := a.relay.Receive(ctx, e.Payload)
		a.metrics.ObservePush()
		a.record(ctx, ev, n.Tag, nil, start, map[string]any{"url": n.URL})
		return n, nil

	case NotificationClick:
		res := a.relay.Click(ctx, e.Click)
		a.metrics.ObserveClick(string(res.Outcome))
		a.record(ctx, ev, e.Click.Tag, nil, start, map[string]any{"outcome": res.Outcome, "url": res.URL})
		return res, nil

	case Enqueue:
		if !strings.HasPrefix(e.Endpoint, "/") || strings.HasPrefix(e.Endpoint, "//") {
			return nil, ErrBadEndpoint
		}
		m, err := a.queue.Enqueue(ctx, e.Endpoint, e.Method, e.Payload)
		if err == nil {
			a.metrics.ObserveEnqueue()
		}
		a.record(ctx, ev, e.Endpoint, err, start, nil)
		return m, err
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

func (a *Agent) intercept(ctx context.Context, e Intercept) (*strategy.Result, error) {
	r := e.Request
	if r == nil || !strategy.Intercepts(r) {
		return nil, ErrNotIntercepted
	}
	kind, rule := a.router.Load().Match(r)
	a.logger.DebugContext(ctx, "agent: intercept", "path", r.URL.Path, "rule", rule, "strategy", kind.String())
	return a.handlers.Serve(ctx, kind, r)
}

// onWindowMessage turns window messages into events. Outcomes are not
// awaited: the window gets its answer as hub messages.
func (a *Agent) onWindowMessage(ctx context.Context, in clients.Inbound) {
	switch in.Type {
	case clients.MsgNotificationClick:
		a.Dispatch(ctx, NotificationClick{Click: push.Click{Tag: in.Tag, Action: in.Action, URL: in.URL}})
	case clients.MsgOnline:
		a.Dispatch(ctx, SyncTrigger{})
	}
}

func (a *Agent) onDrain(rep mutation.Report, err error) {
	ctx := context.Background()
	a.metrics.ObserveDrain(rep, err)
	if n, lerr := a.queue.Len(ctx); lerr == nil {
		a.metrics.SetQueueLength(n)
	}
	ev := observability.AgentEvent{
		Kind:    SyncTrigger{}.Kind(),
		Success: err == nil && rep.Failed == 0,
		Detail: map[string]any{
			"attempted": rep.Attempted,
			"delivered": rep.Delivered,
			"failed":    rep.Failed,
			"remaining": rep.Remaining,
		},
	}
	if err != nil {
		ev.Detail["error"] = err.Error()
	}
	a.events.LogEvent(ctx, ev)
}

func (a *Agent) record(ctx context.Context, ev Event, subject string, err error, start time.Time, detail map[string]any) {
	if err != nil {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["error"] = err.Error()
	}
	a.events.LogEvent(ctx, observability.AgentEvent{
		Kind:     ev.Kind(),
		Subject:  subject,
		Detail:   detail,
		Success:  err == nil,
		Duration: time.Since(start),
	})
}

func (a *Agent) vitals(ctx context.Context) observability.Vitals {
	n, err := a.queue.Len(ctx)
	if err != nil {
		a.logger.Warn("agent: queue length unavailable", "error", err)
	}
	return observability.Vitals{
		Generation:     a.lc.Current(),
		LifecycleState: string(a.lc.State()),
		QueueLength:    n,
		Windows:        a.hub.Count(),
	}
}
