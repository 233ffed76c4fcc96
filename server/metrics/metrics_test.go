package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.BlockReads.Add(3)
	a.IndexOp("btree", "insert")
	a.IndexOp("btree", "insert")

	assert.Equal(t, 3.0, testutil.ToFloat64(a.BlockReads))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BlockReads))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.IndexOps.WithLabelValues("btree", "insert")))
}

func TestRegisterBufferPool(t *testing.T) {
	m := New()
	hits := 0.0
	m.RegisterBufferPool(func() float64 { return hits }, func() float64 { return 1 })
	hits = 5

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetCounter() != nil {
			found[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 5.0, found["xmysql_storage_buffer_pool_hits_total"])
	assert.Equal(t, 1.0, found["xmysql_storage_buffer_pool_misses_total"])
}

func TestRegisterBufferPoolTwice(t *testing.T) {
	m := New()
	m.RegisterBufferPool(func() float64 { return 1 }, func() float64 { return 1 })
	require.NotPanics(t, func() {
		m.RegisterBufferPool(func() float64 { return 7 }, func() float64 { return 2 })
	})
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "xmysql_storage_buffer_pool_hits_total" {
			assert.Equal(t, 7.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
