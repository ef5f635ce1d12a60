package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Chunk("copy", 10, 7, 2, 1)
	m.Chunk("copy", 5, 5, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Chunks.WithLabelValues("copy")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.ItemsRead.WithLabelValues("copy")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.ItemsWritten.WithLabelValues("copy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsSkipped.WithLabelValues("copy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsFiltered.WithLabelValues("copy")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestGaugesAndCounters(t *testing.T) {
	m := New(nil)

	m.SetInFlight(3)
	m.ReplyTimeout()
	m.ReplyTimeout()
	m.Execution("COMPLETED")
	m.Retry("copy", "write")
	m.SetHealthyNodes(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.InFlightChunks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReplyTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries.WithLabelValues("copy", "write")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HealthyNodes))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Chunk("x", 1, 1, 0, 0)
		m.Retry("x", "read")
		m.Execution("FAILED")
		m.SetInFlight(1)
		m.ReplyTimeout()
		m.SetHealthyNodes(0)
	})
}
