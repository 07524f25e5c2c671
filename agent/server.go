package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/goldenrodger5/nutrivize-edge/clients"
	"github.com/goldenrodger5/nutrivize-edge/lifecycle"
	"github.com/goldenrodger5/nutrivize-edge/mutation"
	"github.com/goldenrodger5/nutrivize-edge/observability"
	"github.com/goldenrodger5/nutrivize-edge/push"
	"github.com/goldenrodger5/nutrivize-edge/shield"
	"github.com/goldenrodger5/nutrivize-edge/strategy"
	"github.com/goldenrodger5/nutrivize-edge/syncer"
	"github.com/goldenrodger5/nutrivize-edge/upstream"
)

// Status is the body of GET /_agent/status.
type Status struct {
	Version     string               `json:"version"`
	Lifecycle   lifecycle.Status     `json:"lifecycle"`
	QueueLength int                  `json:"queue_length"`
	Draining    bool                 `json:"draining"`
	Coalesced   int64                `json:"coalesced_drains"`
	LastDrain   *mutation.Report     `json:"last_drain,omitempty"`
	Breaker     string               `json:"breaker"`
	Windows     []clients.WindowInfo `json:"windows"`
	Rules       []RuleInfo           `json:"rules"`

	Heartbeat *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
}

// RuleInfo describes one classification rule, in evaluation order.
type RuleInfo struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
}

type mutationView struct {
	ID           int64           `json:"id"`
	Endpoint     string          `json:"endpoint"`
	Method       string          `json:"method"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
}

func viewMutation(m *mutation.Mutation) mutationView {
	v := mutationView{
		ID:           m.ID,
		Endpoint:     m.Endpoint,
		Method:       m.Method,
		CreatedAt:    m.CreatedAt.UnixMilli(),
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
	}
	if json.Valid(m.Payload) {
		v.Payload = m.Payload
	}
	return v
}

// Handler returns the agent's HTTP surface. /_agent routes belong to the
// agent; every other GET is intercepted and every other method is proxied
// to the backend untouched.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.TraceID(a.logger))

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/_agent", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			for _, mw := range shield.AgentStack(a.cfg.Load().MaxBody) {
				r.Use(mw)
			}
			r.Get("/status", a.status)
			r.Post("/lifecycle/install", a.install)
			r.Post("/lifecycle/activate", a.activate)
			r.Get("/mutations", a.listMutations)
			r.Post("/mutations", a.enqueue)
			r.Post("/sync", a.syncNow)
			r.Post("/push", a.push)
			r.Post("/notifications/click", a.click)
			r.Get("/events", a.recentEvents)
		})
		// The upgrade needs the raw connection.
		r.Get("/windows", a.hub.ServeHTTP)
	})

	r.NotFound(a.serveApp)
	r.MethodNotAllowed(a.serveApp)
	return r
}

func (a *Agent) serveApp(w http.ResponseWriter, r *http.Request) {
	if !strategy.Intercepts(r) {
		a.pass.ServeHTTP(w, r)
		return
	}
	v, err := a.Handle(r.Context(), Intercept{Request: r})
	if err != nil {
		shield.GetLogger(r.Context()).Warn("agent: read failed", "path", r.URL.Path, "error", err)
		code := http.StatusBadGateway
		if upstream.IsUnavailable(err) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, "backend unavailable", code)
		return
	}
	v.(*strategy.Result).Write(w)
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		writeError(w, 503, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok", "generation": a.lc.Current()})
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request) {
	n, err := a.queue.Len(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	rules := a.router.Load().Rules()
	st := Status{
		Version:     a.cfg.Load().Version,
		Lifecycle:   a.lc.Status(),
		QueueLength: n,
		Draining:    a.drainer.Busy(),
		Coalesced:   a.drainer.Coalesced(),
		Breaker:     a.breaker.State().String(),
		Windows:     a.hub.Windows(),
		Rules:       make([]RuleInfo, 0, len(rules)),
	}
	if rep, ok := a.drainer.LastReport(); ok {
		st.LastDrain = &rep
	}
	// Three missed beats and the writer counts as dead.
	hb, err := observability.LatestHeartbeat(r.Context(), a.obsDB, 3*a.cfg.Load().HeartbeatInterval)
	if err != nil {
		a.logger.Warn("agent: read heartbeat", "error", err)
	}
	st.Heartbeat = hb
	for _, rule := range rules {
		st.Rules = append(st.Rules, RuleInfo{Name: rule.Name, Strategy: rule.Strategy.String()})
	}
	writeJSON(w, 200, st)
}

func (a *Agent) install(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version  string   `json:"version"`
		Manifest []string `json:"manifest"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, 400, err)
		return
	}
	// A transition outlives the request that asked for it.
	v, err := a.Handle(context.WithoutCancel(r.Context()), Install{Version: req.Version, Manifest: req.Manifest})
	var pe *lifecycle.ErrPrecache
	switch {
	case errors.As(err, &pe):
		writeError(w, 502, err)
	case errors.Is(err, lifecycle.ErrEmptyVersion):
		writeError(w, 400, err)
	case err != nil:
		writeError(w, 500, err)
	default:
		writeJSON(w, 200, v)
	}
}

func (a *Agent) activate(w http.ResponseWriter, r *http.Request) {
	v, err := a.Handle(context.WithoutCancel(r.Context()), Activate{})
	switch {
	case errors.Is(err, lifecycle.ErrNothingPending):
		writeError(w, 409, err)
	case err != nil:
		writeError(w, 500, err)
	default:
		writeJSON(w, 200, v)
	}
}

func (a *Agent) listMutations(w http.ResponseWriter, r *http.Request) {
	pending, err := a.queue.Pending(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	out := make([]mutationView, 0, len(pending))
	for _, m := range pending {
		out = append(out, viewMutation(m))
	}
	writeJSON(w, 200, out)
}

func (a *Agent) enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string          `json:"endpoint"`
		Method   string          `json:"method"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	v, err := a.Handle(r.Context(), Enqueue{Endpoint: req.Endpoint, Method: req.Method, Payload: req.Payload})
	var qe *mutation.ErrQueueWrite
	switch {
	case errors.Is(err, ErrBadEndpoint), errors.Is(err, mutation.ErrEmptyEndpoint):
		writeError(w, 400, err)
	case errors.As(err, &qe):
		writeError(w, 503, err)
	case err != nil:
		writeError(w, 500, err)
	default:
		writeJSON(w, 201, viewMutation(v.(*mutation.Mutation)))
	}
}

// syncNow signals restored connectivity. With ?wait=true the drain runs
// before the response and its report is returned.
func (a *Agent) syncNow(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		v, _ := a.Handle(r.Context(), SyncTrigger{})
		status := "scheduled"
		if accepted, _ := v.(bool); !accepted {
			status = "coalesced"
		}
		writeJSON(w, 202, map[string]string{"status": status})
		return
	}

	v, err := a.Handle(context.WithoutCancel(r.Context()), SyncTrigger{Wait: true})
	switch {
	case errors.Is(err, syncer.ErrDrainInProgress):
		writeJSON(w, 409, map[string]string{"status": "coalesced", "error": err.Error()})
	case err != nil:
		writeError(w, 500, err)
	default:
		writeJSON(w, 200, v)
	}
}

// push never fails on payload content: malformed input falls back to
// defaults.
func (a *Agent) push(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	v, err := a.Handle(r.Context(), Push{Payload: raw})
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, v)
}

func (a *Agent) click(w http.ResponseWriter, r *http.Request) {
	var c push.Click
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, 400, err)
		return
	}
	v, err := a.Handle(r.Context(), NotificationClick{Click: c})
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, v)
}

func (a *Agent) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	list, err := a.events.Recent(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, list)
}

// decodeOptional decodes a JSON body if there is one.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
