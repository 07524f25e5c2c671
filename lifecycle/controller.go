// Package lifecycle moves the agent from one store generation to the next.
//
// A generation is the pair of snapshot stores static-v<version> and
// dynamic-v<version>. Install precaches the shell into a new generation
// (all or nothing) and marks it pending; Activate purges every other store,
// makes the pending generation current and claims open windows.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/goldenrodger5/nutrivize-edge/snapshot"
	"github.com/goldenrodger5/nutrivize-edge/upstream"
)

// State is the lifecycle state of the newest generation.
type State string

const (
	StateNone       State = "none"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// StaticName and DynamicName are the store naming contract.
func StaticName(version string) string  { return "static-v" + version }
func DynamicName(version string) string { return "dynamic-v" + version }

// StoreNames returns the store set of a generation.
func StoreNames(version string) []string {
	return []string{StaticName(version), DynamicName(version)}
}

// Claimer takes control of open application windows once a generation
// becomes current.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// Options configures a Controller.
type Options struct {
	Store *snapshot.Store
	Fetch upstream.Fetcher
	// Claimer may be nil.
	Claimer  Claimer
	Volatile snapshot.Volatile
	Logger   *slog.Logger
}

// Status is a point-in-time view of the controller.
type Status struct {
	State   State  `json:"state"`
	Current string `json:"current,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// Controller owns generation transitions. Install and Activate are
// serialized; StaticStore and DynamicStore may be called concurrently.
type Controller struct {
	opts   Options
	logger *slog.Logger

	transition sync.Mutex

	mu      sync.RWMutex
	state   State
	current string
	pending string
}

// New creates a Controller with no current generation.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Volatile == nil {
		opts.Volatile = snapshot.DefaultVolatileParams
	}
	return &Controller{opts: opts, logger: opts.Logger, state: StateNone}
}

// Resume adopts version as current if both of its stores already exist,
// which is the case after a restart. Stores of any other generation, left
// by a transition the process did not finish, are purged first. It reports
// whether it resumed.
func (c *Controller) Resume(ctx context.Context, version string) (bool, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	names, err := c.opts.Store.Names(ctx)
	if err != nil {
		return false, fmt.Errorf("lifecycle: resume: %w", err)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, n := range StoreNames(version) {
		if !have[n] {
			return false, nil
		}
	}
	if err := c.purge(ctx, version, names); err != nil {
		return false, fmt.Errorf("lifecycle: resume v%s: %w", version, err)
	}

	c.mu.Lock()
	c.current, c.pending, c.state = version, "", StateActive
	c.mu.Unlock()
	c.logger.Info("lifecycle: resumed generation", "version", version)
	return true, nil
}

// Install fetches every manifest URL and writes them into a fresh static
// store for version. Any fetch failure or non-2xx status fails the whole
// install with *ErrPrecache and leaves no partial generation behind. On
// success the generation is pending and may be activated immediately.
func (c *Controller) Install(ctx context.Context, version string, manifest []string) error {
	if version == "" {
		return ErrEmptyVersion
	}
	c.transition.Lock()
	defer c.transition.Unlock()

	c.setState(StateInstalling)
	c.logger.Info("lifecycle: install started", "version", version, "resources", len(manifest))

	entries, err := c.precache(ctx, version, manifest)
	if err != nil {
		c.discard(ctx, version)
		c.setState(StateRedundant)
		c.logger.Warn("lifecycle: install failed", "version", version, "error", err)
		return err
	}

	if err := c.opts.Store.Replace(ctx, StaticName(version), entries); err != nil {
		c.discard(ctx, version)
		c.setState(StateRedundant)
		return fmt.Errorf("lifecycle: install v%s: %w", version, err)
	}
	if err := c.opts.Store.Open(ctx, DynamicName(version)); err != nil {
		c.discard(ctx, version)
		c.setState(StateRedundant)
		return fmt.Errorf("lifecycle: install v%s: %w", version, err)
	}

	c.mu.Lock()
	c.pending, c.state = version, StateWaiting
	c.mu.Unlock()
	c.logger.Info("lifecycle: installed", "version", version)
	return nil
}

func (c *Controller) precache(ctx context.Context, version string, manifest []string) ([]snapshot.Entry, error) {
	entries := make([]snapshot.Entry, 0, len(manifest))
	seen := make(map[string]bool, len(manifest))
	for _, u := range manifest {
		key := snapshot.Key(http.MethodGet, u, c.opts.Volatile)
		if seen[key] {
			continue
		}
		seen[key] = true

		resp, err := c.opts.Fetch(ctx, &upstream.Request{Method: http.MethodGet, URL: u})
		if err != nil {
			return nil, &ErrPrecache{Version: version, URL: u, Cause: err}
		}
		if !resp.OK() {
			return nil, &ErrPrecache{Version: version, URL: u, Status: resp.Status}
		}
		entries = append(entries, snapshot.Entry{Key: key, Status: resp.Status, Header: resp.Header, Body: resp.Body})
	}
	return entries, nil
}

// discard drops the stores of a failed install unless they belong to the
// current or pending generation.
func (c *Controller) discard(ctx context.Context, version string) {
	c.mu.RLock()
	inUse := version == c.current || version == c.pending
	c.mu.RUnlock()
	if inUse {
		return
	}
	for _, n := range StoreNames(version) {
		if _, err := c.opts.Store.Drop(context.WithoutCancel(ctx), n); err != nil {
			c.logger.Warn("lifecycle: drop failed install store", "store", n, "error", err)
		}
	}
}

// Activate makes the pending generation current. Every store outside its
// set is deleted before the generation is switched, then open windows are
// claimed. A claim failure is logged; the activation stands.
func (c *Controller) Activate(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.RLock()
	version := c.pending
	c.mu.RUnlock()
	if version == "" {
		return ErrNothingPending
	}
	c.setState(StateActivating)

	names, err := c.opts.Store.Names(ctx)
	if err == nil {
		err = c.purge(ctx, version, names)
	}
	if err != nil {
		c.setState(StateWaiting)
		return fmt.Errorf("lifecycle: activate v%s: %w", version, err)
	}

	c.mu.Lock()
	previous := c.current
	c.current, c.pending, c.state = version, "", StateActive
	c.mu.Unlock()
	c.logger.Info("lifecycle: activated", "version", version, "previous", previous)

	if c.opts.Claimer != nil {
		if err := c.opts.Claimer.Claim(ctx, version); err != nil {
			c.logger.Warn("lifecycle: claim failed", "version", version, "error", err)
		}
	}
	return nil
}

// purge drops every store in names that does not belong to version.
// Writes racing with it cannot bring a dropped store back: snapshot.Put
// only writes into stores that exist.
func (c *Controller) purge(ctx context.Context, version string, names []string) error {
	keep := make(map[string]bool)
	for _, n := range StoreNames(version) {
		keep[n] = true
	}
	for _, n := range names {
		if keep[n] {
			continue
		}
		if _, err := c.opts.Store.Drop(ctx, n); err != nil {
			return fmt.Errorf("purge %s: %w", n, err)
		}
		c.logger.Info("lifecycle: purged store", "store", n)
	}
	return nil
}

// StaticStore is the static store of the current generation, or "" before
// the first activation.
func (c *Controller) StaticStore() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == "" {
		return ""
	}
	return StaticName(c.current)
}

// DynamicStore is the dynamic store of the current generation, or "".
func (c *Controller) DynamicStore() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == "" {
		return ""
	}
	return DynamicName(c.current)
}

// Current returns the current version, or "".
func (c *Controller) Current() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns state, current and pending versions together.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Current: c.current, Pending: c.pending}
}

// setState records a transition point. A failed install falls back to the
// state of the generation that survives it, if any.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == StateRedundant {
		switch {
		case c.pending != "":
			s = StateWaiting
		case c.current != "":
			s = StateActive
		}
	}
	c.state = s
}
