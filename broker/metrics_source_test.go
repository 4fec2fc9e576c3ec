package broker

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/broker/metrics"
)

func TestEngineSatisfiesMetricsSource(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil, nil)
	t.Cleanup(func() { _ = engine.Close() })

	var _ metrics.Source = engine
}

func TestMetricsCollectorReflectsDroppedMessages(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil, nil)
	t.Cleanup(func() { _ = engine.Close() })

	assert.Equal(t, uint64(0), engine.DroppedMessages())
	engine.recordDrop()
	engine.recordDrop()
	assert.Equal(t, uint64(2), engine.DroppedMessages())

	collector := engine.MetricsCollector()
	count, err := testutil.GatherAndCount(collector)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}
