package broker

import (
	"bufio"
	"sync"
	"time"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/network"
	"github.com/flowmq/broker/session"
)

// client is the engine's per-connection runtime state: the live TCP
// connection plus the negotiated wire version and a pointer to the
// durable session record it is currently attached to. Exactly one
// goroutine (HandleConnection's read loop) owns reads; writes are
// serialized through writeMu since the delivery scheduler and the read
// loop both write to the same connection.
type client struct {
	conn     *network.Connection
	r        *bufio.Reader
	writeMu  sync.Mutex
	engine   *Engine
	session  *session.Session
	clientID string
	username string
	assignedClientID bool

	protocolVersion encoding.ProtocolVersion
	keepAlive       uint16
	maxPacketSize   uint32
	topicAliasIn    *topicAliasTable

	connectedAt time.Time
	graceful    bool
	closing     sync.Once
}

// topicAliasTable is the broker-side record of MQTT 5 topic aliases a
// client has established for publishes it sends (inbound direction);
// outbound aliasing is not offered since MaxTopicAlias defaults to 0.
type topicAliasTable struct {
	mu      sync.Mutex
	topics  map[uint16]string
	maxID   uint16
}

func newTopicAliasTable(max uint16) *topicAliasTable {
	return &topicAliasTable{topics: make(map[uint16]string), maxID: max}
}

func (t *topicAliasTable) resolve(alias uint16, topic string) (string, error) {
	if alias == 0 || alias > t.maxID {
		return "", encoding.NewProtocolError(encoding.ErrInvalidPropertyID, "topic alias out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if topic != "" {
		t.topics[alias] = topic
		return topic, nil
	}
	existing, ok := t.topics[alias]
	if !ok {
		return "", encoding.NewProtocolError(encoding.ErrInvalidPropertyID, "unknown topic alias")
	}
	return existing, nil
}

// writeLocked runs fn under the connection's write lock, so a
// scheduler-driven delivery and a direct reply to an inbound
// packet never interleave bytes on the wire.
func (c *client) writeLocked(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

func (c *client) isV5() bool {
	return c.protocolVersion == encoding.ProtocolVersion50
}
