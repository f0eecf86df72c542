// Package metrics exposes Prometheus collectors for the manager connection,
// the state engine, the observer queue and the panel.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "asterisk_panel"

// Connection lifecycle states as reported by the state gauge.
var connectionStates = []string{"disconnected", "connecting", "logged_in", "running"}

// Metrics groups every collector the panel exports.
type Metrics struct {
	framesTotal     *prometheus.CounterVec
	unknownEvents   prometheus.Counter
	pendingActions  prometheus.Gauge
	actionsTotal    *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	heldEvents      *prometheus.CounterVec
	observerDropped prometheus.Counter
	connection      *prometheus.GaugeVec
	viewers         prometheus.Gauge
}

// New registers all collectors with reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		framesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ami",
			Name:      "frames_total",
			Help:      "Inbound manager frames by kind (response, event, other)",
		}, []string{"kind"}),
		unknownEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "unknown_events_total",
			Help:      "Events with no handler in the state store",
		}),
		pendingActions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ami",
			Name:      "pending_actions",
			Help:      "Actions waiting for their response",
		}),
		actionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ami",
			Name:      "actions_total",
			Help:      "Completed actions by name and outcome",
		}, []string{"action", "outcome"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sync_duration_seconds",
			Help:      "Bulk sync round-trip time per table",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		heldEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "held_events_total",
			Help:      "Live events deferred while a bulk replace was in progress",
		}, []string{"table"}),
		observerDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "observer_dropped_total",
			Help:      "Events dropped because the observer queue was full",
		}),
		connection: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ami",
			Name:      "connection_state",
			Help:      "1 for the current connection lifecycle state, 0 otherwise",
		}, []string{"state"}),
		viewers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "viewers",
			Help:      "Connected websocket viewers",
		}),
	}
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) UnknownEvent() {
	if m == nil {
		return
	}
	m.unknownEvents.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingActions.Set(float64(n))
}

// ActionCompleted records one resolution: success, rejected, timeout,
// lost or cancelled.
func (m *Metrics) ActionCompleted(action, outcome string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveSync(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(table).Observe(d.Seconds())
}

func (m *Metrics) EventHeld(table string) {
	if m == nil {
		return
	}
	m.heldEvents.WithLabelValues(table).Inc()
}

func (m *Metrics) ObserverDropped() {
	if m == nil {
		return
	}
	m.observerDropped.Inc()
}

// SetConnectionState flips the state gauge to state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connection.WithLabelValues(s).Set(v)
	}
}

// SetViewers records the number of connected panel viewers.
func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(n))
}
