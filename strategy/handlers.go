package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goldenrodger5/nutrivize-edge/snapshot"
	"github.com/goldenrodger5/nutrivize-edge/upstream"
)

// Source says where a served response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// OfflineMessage is the user-facing text of the offline envelope.
const OfflineMessage = "You are offline and this data is not available yet."

// Generations names the snapshot stores of the active generation.
// Empty names mean "no such store yet" and are skipped.
type Generations interface {
	StaticStore() string
	DynamicStore() string
}

// Result is a response ready to hand back to the caller.
type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Strategy Kind
	// StoredAt is set for snapshot-served results.
	StoredAt time.Time
}

// Write copies the result onto w. X-Edge-Source carries the Source.
func (res *Result) Write(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range res.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Del("Content-Length")
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	h.Set("X-Edge-Source", string(res.Source))
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// OfflineEnvelope is returned for API reads that cannot be served.
type OfflineEnvelope struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

func offlineResult() *Result {
	body, _ := json.Marshal(OfflineEnvelope{Error: OfflineMessage, Offline: true})
	return &Result{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
		Source: SourceOffline,
	}
}

// Observer is told how each read was served. May be nil.
type Observer interface {
	ObserveRead(strategy string, source string)
	ObserveRevalidate(ok bool)
}

// Options configures Handlers.
type Options struct {
	Store       *snapshot.Store
	Fetch       upstream.Fetcher
	Generations Generations

	// Volatile query params ignored in snapshot keys. Default: snapshot.DefaultVolatileParams.
	Volatile snapshot.Volatile
	// IsAPI selects reads that get the offline envelope. Default: Prefix("/api/").
	IsAPI Matcher
	// OfflineDocument is the precached page served to offline navigations.
	// Default: "/offline.html".
	OfflineDocument string
	// NetworkTimeout bounds the network attempt of network-first reads.
	// Default: 8s. Negative disables it.
	NetworkTimeout time.Duration
	// RevalidateTimeout bounds background refreshes. Default: 30s.
	RevalidateTimeout time.Duration

	Observer Observer
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Volatile == nil {
		o.Volatile = snapshot.DefaultVolatileParams
	}
	if o.IsAPI == nil {
		o.IsAPI = Prefix("/api/")
	}
	if o.OfflineDocument == "" {
		o.OfflineDocument = "/offline.html"
	}
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = 8 * time.Second
	}
	if o.NetworkTimeout < 0 {
		o.NetworkTimeout = 0
	}
	if o.RevalidateTimeout <= 0 {
		o.RevalidateTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Handlers serves reads with the three strategies.
type Handlers struct {
	opts      Options
	fetch     upstream.Fetcher
	timedOut  upstream.Fetcher
	logger    *slog.Logger
	revalidWG sync.WaitGroup
}

// NewHandlers validates opts and builds Handlers.
func NewHandlers(opts Options) (*Handlers, error) {
	if opts.Store == nil {
		return nil, errors.New("strategy: snapshot store is required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("strategy: fetcher is required")
	}
	if opts.Generations == nil {
		return nil, errors.New("strategy: generations are required")
	}
	opts.defaults()
	return &Handlers{
		opts:     opts,
		fetch:    opts.Fetch,
		timedOut: upstream.Timeout(opts.NetworkTimeout)(opts.Fetch),
		logger:   opts.Logger,
	}, nil
}

// Serve answers r with the given strategy. An error means the read could
// not be satisfied from network, snapshot or offline fallback.
func (h *Handlers) Serve(ctx context.Context, kind Kind, r *http.Request) (*Result, error) {
	req, err := upstream.FromHTTP(r)
	if err != nil {
		return nil, err
	}
	key := snapshot.Key(r.Method, r.URL.RequestURI(), h.opts.Volatile)

	var res *Result
	switch kind {
	case NetworkFirst:
		res, err = h.networkFirst(ctx, r, req, key)
	case CacheFirst:
		res, err = h.cacheFirst(ctx, req, key)
	default:
		res, err = h.staleWhileRevalidate(ctx, req, key)
	}
	if err != nil {
		return nil, err
	}
	res.Strategy = kind
	if h.opts.Observer != nil {
		h.opts.Observer.ObserveRead(kind.String(), string(res.Source))
	}
	return res, nil
}

// Wait blocks until in-flight background refreshes finish.
func (h *Handlers) Wait() {
	h.revalidWG.Wait()
}

func (h *Handlers) networkFirst(ctx context.Context, r *http.Request, req *upstream.Request, key string) (*Result, error) {
	resp, err := h.timedOut(ctx, req)
	if err == nil {
		if resp.OK() {
			h.store(ctx, h.opts.Generations.DynamicStore(), key, resp)
		}
		return networkResult(resp), nil
	}

	if e := h.lookup(ctx, key); e != nil {
		h.logger.Debug("strategy: network failed, served snapshot", "key", key, "error", err)
		return snapshotResult(e, SourceCache), nil
	}
	if h.opts.IsAPI(r) {
		return offlineResult(), nil
	}
	if IsNavigation(r) {
		docKey := snapshot.Key(http.MethodGet, h.opts.OfflineDocument, nil)
		if e := h.lookup(ctx, docKey); e != nil {
			return snapshotResult(e, SourceOffline), nil
		}
	}
	return nil, fmt.Errorf("strategy: %s %s: %w", req.Method, req.URL, err)
}

func (h *Handlers) cacheFirst(ctx context.Context, req *upstream.Request, key string) (*Result, error) {
	if e := h.lookup(ctx, key); e != nil {
		return snapshotResult(e, SourceCache), nil
	}
	resp, err := h.fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("strategy: %s %s: %w", req.Method, req.URL, err)
	}
	if resp.OK() {
		h.store(ctx, h.opts.Generations.StaticStore(), key, resp)
	}
	return networkResult(resp), nil
}

func (h *Handlers) staleWhileRevalidate(ctx context.Context, req *upstream.Request, key string) (*Result, error) {
	if e := h.lookup(ctx, key); e != nil {
		h.revalidate(ctx, req, key)
		return snapshotResult(e, SourceCache), nil
	}
	resp, err := h.fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("strategy: %s %s: %w", req.Method, req.URL, err)
	}
	if resp.OK() {
		h.store(ctx, h.opts.Generations.DynamicStore(), key, resp)
	}
	return networkResult(resp), nil
}

// revalidate refreshes key in the background. The refresh outlives the
// caller's context but is bounded by RevalidateTimeout.
func (h *Handlers) revalidate(ctx context.Context, req *upstream.Request, key string) {
	h.revalidWG.Add(1)
	go func() {
		defer h.revalidWG.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.RevalidateTimeout)
		defer cancel()

		resp, err := h.fetch(bctx, req)
		ok := err == nil && resp.OK()
		if ok {
			h.store(bctx, h.opts.Generations.DynamicStore(), key, resp)
		} else if err != nil {
			h.logger.Debug("strategy: background refresh failed", "key", key, "error", err)
		}
		if h.opts.Observer != nil {
			h.opts.Observer.ObserveRevalidate(ok)
		}
	}()
}

// lookup checks the dynamic store first: it holds refreshed copies of
// precached resources, which would otherwise stay hidden behind the
// install-time copy until the next version.
func (h *Handlers) lookup(ctx context.Context, key string) *snapshot.Entry {
	e, err := h.opts.Store.Lookup(ctx, key, h.opts.Generations.DynamicStore(), h.opts.Generations.StaticStore())
	if err != nil {
		h.logger.Warn("strategy: snapshot lookup failed", "key", key, "error", err)
		return nil
	}
	return e
}

// store writes a snapshot. Failures are logged; the read still succeeds.
func (h *Handlers) store(ctx context.Context, name, key string, resp *upstream.Response) {
	if name == "" {
		return
	}
	err := h.opts.Store.Put(ctx, name, snapshot.Entry{
		Key:    key,
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
	})
	switch {
	case errors.Is(err, snapshot.ErrNoStore):
		// Activation dropped the generation this read started under.
		h.logger.Debug("strategy: snapshot store gone, not stored", "store", name, "key", key)
	case err != nil:
		h.logger.Warn("strategy: snapshot write failed", "store", name, "key", key, "error", err)
	}
}

func networkResult(resp *upstream.Response) *Result {
	return &Result{Status: resp.Status, Header: resp.Header, Body: resp.Body, Source: SourceNetwork}
}

func snapshotResult(e *snapshot.Entry, src Source) *Result {
	return &Result{Status: e.Status, Header: e.Header, Body: e.Body, Source: src, StoredAt: e.StoredAt}
}
