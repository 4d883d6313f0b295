package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersByStream(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Received("traces")
	m.Received("traces")
	m.Filtered("traces")
	m.Processed("blocks")
	m.EventError("blocks")
	m.QueueDepth("traces", 42)
	m.Throttled("traces")
	m.Saturated("traces")
	m.Reconciled("persisted", 20*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.received.WithLabelValues("traces")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.filtered.WithLabelValues("traces")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.processed.WithLabelValues("blocks")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventErrors.WithLabelValues("blocks")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errors), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(m.queueDepth.WithLabelValues("traces")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.throttled.WithLabelValues("traces")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.saturated.WithLabelValues("traces")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reconciled.WithLabelValues("persisted")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received("blocks")
		m.QueueDepth("blocks", 1)
		m.Reconciled("abandoned", time.Second)
		m.Errors()
	})
}
