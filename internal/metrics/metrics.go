package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledger_sink"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	received    *prometheus.CounterVec
	filtered    *prometheus.CounterVec
	processed   *prometheus.CounterVec
	eventErrors *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	throttled   *prometheus.CounterVec
	saturated   *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
	reconWait   prometheus.Histogram
	errors      prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events delivered by the source, per stream",
		}, []string{"stream"}),
		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_filtered_total",
			Help:      "Events dropped before queueing, per stream",
		}, []string{"stream"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events handed to the writer, per stream",
		}, []string{"stream"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Events whose processing failed, per stream",
		}, []string{"stream"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the stream queue at the last drain",
		}, []string{"stream"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_throttled_total",
			Help:      "Producer pushes delayed by backpressure, per stream",
		}, []string{"stream"}),
		saturated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_saturation_warnings_total",
			Help:      "Drained batches above the saturation threshold, per stream",
		}, []string{"stream"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Trace reconciliation outcomes",
		}, []string{"outcome"}),
		reconWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_wait_seconds",
			Help:      "Time a trace waited for its transaction to become irreversible",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors encountered",
		}),
	}
	reg.MustRegister(
		m.received,
		m.filtered,
		m.processed,
		m.eventErrors,
		m.queueDepth,
		m.throttled,
		m.saturated,
		m.reconciled,
		m.reconWait,
		m.errors,
	)
	return m
}

// Received counts an event delivered on stream.
func (m *Metrics) Received(stream string) {
	if m != nil {
		m.received.WithLabelValues(stream).Inc()
	}
}

// Filtered counts an event dropped by the filter stage.
func (m *Metrics) Filtered(stream string) {
	if m != nil {
		m.filtered.WithLabelValues(stream).Inc()
	}
}

// Processed counts an event handed to the writer.
func (m *Metrics) Processed(stream string) {
	if m != nil {
		m.processed.WithLabelValues(stream).Inc()
	}
}

// EventError counts a failed event and the global error counter.
func (m *Metrics) EventError(stream string) {
	if m != nil {
		m.eventErrors.WithLabelValues(stream).Inc()
		m.errors.Inc()
	}
}

// QueueDepth records the size of the last drained batch.
func (m *Metrics) QueueDepth(stream string, n int) {
	if m != nil {
		m.queueDepth.WithLabelValues(stream).Set(float64(n))
	}
}

// Throttled counts a delayed push.
func (m *Metrics) Throttled(stream string) {
	if m != nil {
		m.throttled.WithLabelValues(stream).Inc()
	}
}

// Saturated counts a saturation warning.
func (m *Metrics) Saturated(stream string) {
	if m != nil {
		m.saturated.WithLabelValues(stream).Inc()
	}
}

// Reconciled records a trace outcome and how long it waited.
func (m *Metrics) Reconciled(outcome string, waited time.Duration) {
	if m != nil {
		m.reconciled.WithLabelValues(outcome).Inc()
		m.reconWait.Observe(waited.Seconds())
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
