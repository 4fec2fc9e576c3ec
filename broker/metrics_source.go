package broker

import (
	"context"

	"github.com/flowmq/broker/metrics"
)

// MetricsCollector builds a prometheus.Collector reading this Engine's
// live state; callers register it with a prometheus.Registry the way
// any custom collector is wired in (e.g. prometheus.MustRegister).
func (e *Engine) MetricsCollector() *metrics.Collector {
	return metrics.NewCollector(e)
}

// SessionCount implements metrics.Source.
func (e *Engine) SessionCount() int {
	return e.Sessions.GetActiveSessionCount()
}

// SessionBacklog implements metrics.Source, summing every tracked
// session's outbound flight table.
func (e *Engine) SessionBacklog() (inflightMessages int, queuedMessages int, queuedBytes int64) {
	ctx := context.Background()
	for _, clientID := range e.Sessions.GetAllActiveSessions() {
		sess, err := e.Sessions.GetSession(ctx, clientID)
		if err != nil || sess == nil {
			continue
		}
		inflightMessages += len(sess.MsgsOut.InflightOutbound())
		queued := sess.MsgsOut.QueuedOutbound()
		queuedMessages += len(queued)
		for _, entry := range queued {
			if entry.Message != nil {
				queuedBytes += int64(len(entry.Message.Payload))
			}
		}
	}
	return inflightMessages, queuedMessages, queuedBytes
}

// RetainedCount implements metrics.Source.
func (e *Engine) RetainedCount() int64 {
	count, err := e.Retained.Count(context.Background())
	if err != nil {
		return 0
	}
	return count
}

// DroppedMessages implements metrics.Source.
func (e *Engine) DroppedMessages() uint64 {
	return e.droppedMessages.Load()
}
