package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheHit("positions")
	m.Mutation("buy", "confirmed")
	m.SetQueueDepth(3)
	m.SetOnline(true)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.CacheFetch("positions")
	m.CacheFetch("positions")
	m.Mutation("buy", "rolled_back")
	m.SetQueueDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheFetches.WithLabelValues("positions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("buy", "rolled_back")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
