package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldenrodger5/nutrivize-edge/mutation"
)

// Metrics holds the agent's Prometheus collectors. Each Metrics owns its
// registry so tests and multiple agents in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	reads         *prometheus.CounterVec
	revalidations *prometheus.CounterVec
	drains        *prometheus.CounterVec
	replays       *prometheus.CounterVec
	enqueued      prometheus.Counter
	pushes        prometheus.Counter
	clicks        *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	queueLength   prometheus.Gauge
	windows       prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		reads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_reads_total",
			Help: "Intercepted reads by strategy and the source that served them.",
		}, []string{"strategy", "source"}),
		revalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_revalidations_total",
			Help: "Background stale-while-revalidate refreshes by result.",
		}, []string{"result"}),
		drains: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_drains_total",
			Help: "Mutation queue drains by outcome (completed, interrupted, coalesced).",
		}, []string{"outcome"}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_replays_total",
			Help: "Mutation replays by result.",
		}, []string{"result"}),
		enqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_mutations_enqueued_total",
			Help: "Mutations accepted into the queue.",
		}),
		pushes: f.NewCounter(prometheus.CounterOpts{
			Name: "edge_push_received_total",
			Help: "Push messages received.",
		}),
		clicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_notification_clicks_total",
			Help: "Notification clicks by outcome.",
		}, []string{"outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_lifecycle_transitions_total",
			Help: "Install and activate transitions by result.",
		}, []string{"step", "result"}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "edge_mutation_queue_length",
			Help: "Pending mutations at the last heartbeat.",
		}),
		windows: f.NewGauge(prometheus.GaugeOpts{
			Name: "edge_windows_connected",
			Help: "Connected application windows at the last heartbeat.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRead counts a served read.
func (m *Metrics) ObserveRead(strategy, source string) {
	m.reads.WithLabelValues(strategy, source).Inc()
}

// ObserveRevalidate counts a background refresh.
func (m *Metrics) ObserveRevalidate(ok bool) {
	m.revalidations.WithLabelValues(result(ok)).Inc()
}

// ObserveDrain counts a drain and its per-record outcomes.
func (m *Metrics) ObserveDrain(rep mutation.Report, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "interrupted"
	}
	m.drains.WithLabelValues(outcome).Inc()
	m.replays.WithLabelValues("delivered").Add(float64(rep.Delivered))
	m.replays.WithLabelValues("failed").Add(float64(rep.Failed))
}

// ObserveCoalescedDrain counts a drain request absorbed by an active one.
func (m *Metrics) ObserveCoalescedDrain() {
	m.drains.WithLabelValues("coalesced").Inc()
}

// ObserveEnqueue counts an accepted mutation.
func (m *Metrics) ObserveEnqueue() { m.enqueued.Inc() }

// ObservePush counts a received push message.
func (m *Metrics) ObservePush() { m.pushes.Inc() }

// ObserveClick counts a notification click.
func (m *Metrics) ObserveClick(outcome string) {
	m.clicks.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts an install or activate.
func (m *Metrics) ObserveTransition(step string, ok bool) {
	m.transitions.WithLabelValues(step, result(ok)).Inc()
}

// SetQueueLength sets the queue length gauge.
func (m *Metrics) SetQueueLength(n int) { m.queueLength.Set(float64(n)) }

// SetWindows sets the connected windows gauge.
func (m *Metrics) SetWindows(n int) { m.windows.Set(float64(n)) }

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
