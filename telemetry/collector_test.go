package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) LastTransactionID() uint64 {
	p.calls.Add(1)
	return 42
}

func (p *countingProvider) FileSizes() (int64, int64, error) {
	return 100, 64, nil
}

func TestMetricsCollectorCollectsImmediately(t *testing.T) {
	p := &countingProvider{}
	mc := NewMetricsCollector(p, time.Hour)
	mc.Start()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	mc.Stop()
	mc.Stop()
}

func TestNoopMetricsWithoutRegistry(t *testing.T) {
	ResetTelemetry()

	assert.IsType(t, NoopStat{}, NewCounter("x_total", "x"))
	assert.IsType(t, noopCounterVec{}, NewCounterVec("y_total", "y", []string{"a"}))
	assert.Nil(t, GetMetricsHandler())

	// noops accept everything
	NewGaugeVec("z", "z", []string{"a"}).With("b").Set(1)
	NewHistogramVec("h", "h", []string{"a"}, AppendBuckets).With("b").Observe(1)
}

func TestMetricsRegisteredWithRegistry(t *testing.T) {
	registry = prometheus.NewRegistry()
	t.Cleanup(ResetTelemetry)

	NewCounterVec("events_total", "events", []string{"sink"}).With("k").Add(2)
	NewHistogram("append_seconds", "append", AppendBuckets).Observe(0.01)
	NewGauge("last_id", "last").Set(7)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ldapnotify_notifier_events_total"])
	assert.True(t, names["ldapnotify_notifier_append_seconds"])
	assert.True(t, names["ldapnotify_notifier_last_id"])
	assert.NotNil(t, GetMetricsHandler())
}
