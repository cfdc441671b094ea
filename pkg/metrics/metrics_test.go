package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Decision("completed")
	m.Decision("completed")
	m.Decision("blocked")
	m.Fallback("low_confidence")
	m.Violation("risk_ceiling")
	m.Node("succeeded")
	m.MemoryDrop("queue_full", 3)
	m.MemoryWriteError(nil)
	m.RegistryReload(false)
	m.ObserveStage("l1", 2*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks.WithLabelValues("low_confidence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyViolations.WithLabelValues("risk_ceiling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeExecutions.WithLabelValues("succeeded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MemoryDropped.WithLabelValues("queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MemoryWriteErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryReloads.WithLabelValues("error")))

	count, err := testutil.GatherAndCount(reg, "routecore_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Decision("completed")
		m.ObserveStage("l2", time.Second)
		m.Fallback("x")
		m.Violation("x")
		m.Node("failed")
		m.MemoryDrop("closed", 1)
		m.MemoryWriteError(nil)
		m.RegistryReload(true)
	})
}
