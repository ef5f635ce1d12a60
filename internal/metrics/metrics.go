// Package metrics holds the Prometheus collectors shared by the engine, the
// coordinators and the worker. A nil *Metrics is valid and records nothing,
// so components can take one optionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "batchgrid"

// Metrics groups every collector exported by a process.
type Metrics struct {
	ItemsRead      *prometheus.CounterVec
	ItemsWritten   *prometheus.CounterVec
	ItemsSkipped   *prometheus.CounterVec
	ItemsFiltered  *prometheus.CounterVec
	Chunks         *prometheus.CounterVec
	Executions     *prometheus.CounterVec
	InFlightChunks prometheus.Gauge
	ReplyTimeouts  prometheus.Counter
	Retries        *prometheus.CounterVec
	HealthyNodes   prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	step := []string{"step"}
	m := &Metrics{
		ItemsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_read_total",
			Help: "Items consumed from readers, including read skips.",
		}, step),
		ItemsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_written_total",
			Help: "Items accepted by writers.",
		}, step),
		ItemsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_skipped_total",
			Help: "Items excluded by the skip policy.",
		}, step),
		ItemsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_filtered_total",
			Help: "Items dropped by processors.",
		}, step),
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chunks_total",
			Help: "Chunk boundaries crossed.",
		}, step),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_total",
			Help: "Executions reaching a terminal status.",
		}, []string{"status"}),
		InFlightChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_chunks",
			Help: "Remote chunks dispatched and not yet acknowledged.",
		}),
		ReplyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reply_timeouts_total",
			Help: "Reply waits that ran past the receive timeout.",
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Retry attempts by unit.",
		}, []string{"step", "unit"}),
		HealthyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "healthy_nodes",
			Help: "Worker nodes currently routable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ItemsRead, m.ItemsWritten, m.ItemsSkipped, m.ItemsFiltered,
			m.Chunks, m.Executions, m.InFlightChunks, m.ReplyTimeouts,
			m.Retries, m.HealthyNodes,
		)
	}
	return m
}

// Chunk records the counters of one chunk boundary.
func (m *Metrics) Chunk(step string, read, written, skipped, filtered int) {
	if m == nil {
		return
	}
	m.Chunks.WithLabelValues(step).Inc()
	m.ItemsRead.WithLabelValues(step).Add(float64(read))
	m.ItemsWritten.WithLabelValues(step).Add(float64(written))
	m.ItemsSkipped.WithLabelValues(step).Add(float64(skipped))
	m.ItemsFiltered.WithLabelValues(step).Add(float64(filtered))
}

// Retry counts one retry of a read, process or write unit.
func (m *Metrics) Retry(step, unit string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(step, unit).Inc()
}

// Execution counts one execution reaching status.
func (m *Metrics) Execution(status string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(status).Inc()
}

// SetInFlight sets the in-flight chunk gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlightChunks.Set(float64(n))
}

// ReplyTimeout counts one reply wait timeout.
func (m *Metrics) ReplyTimeout() {
	if m == nil {
		return
	}
	m.ReplyTimeouts.Inc()
}

// SetHealthyNodes sets the healthy node gauge.
func (m *Metrics) SetHealthyNodes(n int) {
	if m == nil {
		return
	}
	m.HealthyNodes.Set(float64(n))
}
