// Package metrics exposes hub counters in Prometheus format.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "emihub"

// Metrics holds the hub's collectors and the registry they live in
type Metrics struct {
	registry *prometheus.Registry

	framesDecoded  *prometheus.CounterVec
	framesRejected prometheus.Counter
	polls          prometheus.Counter
	sessions       *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	resynced       prometheus.Counter
	pending        prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Frames received from sensors and decoded, by kind.",
		}, []string{"kind"}),
		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames that were malformed or arrived out of order.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_polls_total",
			Help:      "Data requests sent to sensors.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Transfer sessions, by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Batch upload attempts, by result.",
		}, []string{"result"}),
		resynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_delivered_total",
			Help:      "Pending batches delivered by a resync sweep.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_batches",
			Help:      "Batches waiting in the delivery queue.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesDecoded,
		m.framesRejected,
		m.polls,
		m.sessions,
		m.uploads,
		m.resynced,
		m.pending,
	)
	return m
}

// Registry returns the registry holding the hub's collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameDecoded(kind string) {
	if m != nil {
		m.framesDecoded.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameRejected() {
	if m != nil {
		m.framesRejected.Inc()
	}
}

func (m *Metrics) Poll() {
	if m != nil {
		m.polls.Inc()
	}
}

// SessionFinished counts a session ending with result (complete, empty, timeout, ...)
func (m *Metrics) SessionFinished(result string) {
	if m != nil {
		m.sessions.WithLabelValues(result).Inc()
	}
}

// Upload counts one upload attempt
func (m *Metrics) Upload(acked bool) {
	if m == nil {
		return
	}
	result := "failure"
	if acked {
		result = "ack"
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) Resynced() {
	if m != nil {
		m.resynced.Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}
