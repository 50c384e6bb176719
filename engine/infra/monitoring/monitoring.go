package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the engine's Prometheus registry and the execution pipeline
// instruments. A nil *Metrics is a valid no-op recorder so callers never need
// to guard their instrumentation sites.
type Metrics struct {
	registry *prometheus.Registry

	executionsQueued    *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionsFailed    *prometheus.CounterVec
	streamEvents        *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		registry: registry,
		executionsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flopods_executions_queued_total",
			Help: "Executions accepted for queueing, by queue driver.",
		}, []string{"driver"}),
		executionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flopods_executions_completed_total",
			Help: "Executions that reached COMPLETED, by queue driver.",
		}, []string{"driver"}),
		executionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flopods_executions_failed_total",
			Help: "Executions that reached ERROR, by queue driver and error code.",
		}, []string{"driver", "code"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flopods_stream_events_emitted_total",
			Help: "SSE events written to clients, by event type.",
		}, []string{"type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flopods_queue_depth",
			Help: "Queue depth sampled on metrics reads, by driver and state.",
		}, []string{"driver", "state"}),
	}
	registry.MustRegister(
		m.executionsQueued,
		m.executionsCompleted,
		m.executionsFailed,
		m.streamEvents,
		m.queueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ExecutionQueued(driver string) {
	if m == nil {
		return
	}
	m.executionsQueued.WithLabelValues(driver).Inc()
}

func (m *Metrics) ExecutionCompleted(driver string) {
	if m == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(driver).Inc()
}

func (m *Metrics) ExecutionFailed(driver, code string) {
	if m == nil {
		return
	}
	m.executionsFailed.WithLabelValues(driver, code).Inc()
}

func (m *Metrics) StreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveQueueDepth(driver string, waiting, active int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(driver, "waiting").Set(float64(waiting))
	m.queueDepth.WithLabelValues(driver, "active").Set(float64(active))
}
