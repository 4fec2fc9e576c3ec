package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	sessions    int
	inflight    int
	queued      int
	queuedBytes int64
	retained    int64
	dropped     uint64
}

func (f *fakeSource) SessionCount() int { return f.sessions }
func (f *fakeSource) SessionBacklog() (int, int, int64) {
	return f.inflight, f.queued, f.queuedBytes
}
func (f *fakeSource) RetainedCount() int64    { return f.retained }
func (f *fakeSource) DroppedMessages() uint64 { return f.dropped }

func TestCollectorReportsSourceValues(t *testing.T) {
	source := &fakeSource{sessions: 3, inflight: 5, queued: 2, queuedBytes: 1024, retained: 7, dropped: 9}
	collector := NewCollector(source)

	expected := `
# HELP flowmq_active_sessions Number of sessions the broker is currently tracking.
# TYPE flowmq_active_sessions gauge
flowmq_active_sessions 3
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "flowmq_active_sessions"))

	count, err := testutil.GatherAndCount(collector)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}
