package broker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/network"
	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/types/message"
)

// readSuback311 skips the SUBACK's fixed+variable header (no decoder
// exists for the 3.1.1 form) and returns the single granted QoS byte.
func readSuback311(t *testing.T, r io.Reader) byte {
	t.Helper()
	fh, err := encoding.ParseFixedHeaderWithVersion(r, encoding.ProtocolVersion311)
	require.NoError(t, err)
	require.Equal(t, encoding.SUBACK, fh.Type)
	buf := make([]byte, fh.RemainingLength)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf[len(buf)-1]
}

func TestSchedulerDeliversPublishToSubscriber(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SchedulerTick = 10 * time.Millisecond
	engine := NewEngine(cfg, nil, nil)
	t.Cleanup(func() { _ = engine.Close() })

	subServer, subClient := net.Pipe()
	subConn := network.NewConnection(subServer, "sub-conn", &network.ConnectionConfig{})
	go func() { _ = engine.HandleConnection(subConn) }()

	writeConnect311(t, subClient, "subscriber", true)
	_ = subClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	readConnack311(t, subClient)

	sub := &encoding.SubscribePacket311{
		FixedHeader:   encoding.FixedHeader{Type: encoding.SUBSCRIBE, Flags: 0x02},
		PacketID:      1,
		Subscriptions: []encoding.Subscription311{{TopicFilter: "sensors/temp", QoS: encoding.QoS1}},
	}
	require.NoError(t, sub.Encode(subClient))

	_ = subClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	granted := readSuback311(t, subClient)
	assert.Equal(t, byte(encoding.QoS1), granted)

	pubServer, pubClient := net.Pipe()
	pubConn := network.NewConnection(pubServer, "pub-conn", &network.ConnectionConfig{})
	go func() { _ = engine.HandleConnection(pubConn) }()

	writeConnect311(t, pubClient, "publisher", true)
	_ = pubClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	readConnack311(t, pubClient)

	pub := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS0},
		TopicName:   "sensors/temp",
		Payload:     []byte("21.5"),
	}
	require.NoError(t, pub.Encode(pubClient))

	_ = subClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	fh, err := encoding.ParseFixedHeaderWithVersion(subClient, encoding.ProtocolVersion311)
	require.NoError(t, err)
	require.Equal(t, encoding.PUBLISH, fh.Type)
	delivered, err := encoding.ParsePublishPacket311(subClient, fh)
	require.NoError(t, err)
	assert.Equal(t, "sensors/temp", delivered.TopicName)
	assert.Equal(t, []byte("21.5"), delivered.Payload)
}

// TestExpireOutboundDropsAndFreesSlot exercises the scheduler's expiry
// sweep (spec §4.7): an in-flight entry past its absolute expiry is
// dropped before promotion runs, freeing its slot for a still-live
// queued message behind it.
func TestExpireOutboundDropsAndFreesSlot(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil, nil)
	t.Cleanup(func() { _ = engine.Close() })

	server, _ := net.Pipe()
	conn := network.NewConnection(server, "expiry-conn", &network.ConnectionConfig{})
	c := &client{conn: conn, clientID: "expiring", engine: engine}

	sess, _, err := engine.Sessions.CreateSession(context.Background(), "expiring", true, 0, byte(encoding.ProtocolVersion311), 1)
	require.NoError(t, err)
	c.session = sess
	engine.registerClient("expiring", c)

	expired := message.New("t", []byte("stale"), encoding.QoS1, false, "", "", nil)
	expired.CreatedAt = time.Now().Add(-time.Hour)
	expired.ExpiryTime = expired.CreatedAt.Add(time.Second)
	engine.Messages.Store(expired)
	engine.Messages.RefInc(expired)
	expiredEntry := &session.OutboundEntry{Message: expired, PacketID: 1, QoS: encoding.QoS1, State: session.OutboundWaitForPuback}
	accepted, _ := sess.MsgsOut.EnqueueOutbound(expiredEntry, true, false)
	require.True(t, accepted)

	fresh := message.New("t", []byte("fresh"), encoding.QoS1, false, "", "", nil)
	engine.Messages.Store(fresh)
	engine.Messages.RefInc(fresh)
	freshEntry := &session.OutboundEntry{Message: fresh, PacketID: 2, QoS: encoding.QoS1, State: session.OutboundWaitForPuback}
	_, started := sess.MsgsOut.EnqueueOutbound(freshEntry, true, false)
	require.False(t, started)

	engine.expireOutbound(c, time.Now())
	sess.MsgsOut.PromoteQueued(true)

	remaining := sess.MsgsOut.InflightOutbound()
	require.Len(t, remaining, 1)
	assert.Equal(t, uint16(2), remaining[0].PacketID)
}
