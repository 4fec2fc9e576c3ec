package broker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/network"
)

func TestHandleSubscribeReplaysRetainedMessage(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil, nil)
	t.Cleanup(func() { _ = engine.Close() })

	pubServer, pubClient := net.Pipe()
	pubConn := network.NewConnection(pubServer, "pub-conn", &network.ConnectionConfig{})
	go func() { _ = engine.HandleConnection(pubConn) }()

	writeConnect311(t, pubClient, "retainer", true)
	_ = pubClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	readConnack311(t, pubClient)

	pub := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS0, Retain: true},
		TopicName:   "home/livingroom/temp",
		Payload:     []byte("19.0"),
	}
	require.NoError(t, pub.Encode(pubClient))
	// net.Pipe's Write only blocks until the server has read the bytes,
	// not until handlePublish finishes storing them retained; give the
	// server goroutine a moment to land the Retained.Set before subscribing.
	time.Sleep(50 * time.Millisecond)
	pubClient.Close()

	subServer, subClient := net.Pipe()
	subConn := network.NewConnection(subServer, "sub-conn", &network.ConnectionConfig{})
	go func() { _ = engine.HandleConnection(subConn) }()
	defer subClient.Close()

	writeConnect311(t, subClient, "late-subscriber", true)
	_ = subClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	readConnack311(t, subClient)

	sub := &encoding.SubscribePacket311{
		FixedHeader:   encoding.FixedHeader{Type: encoding.SUBSCRIBE, Flags: 0x02},
		PacketID:      7,
		Subscriptions: []encoding.Subscription311{{TopicFilter: "home/livingroom/temp", QoS: encoding.QoS0}},
	}
	require.NoError(t, sub.Encode(subClient))

	_ = subClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	granted := readSuback311(t, subClient)
	assert.Equal(t, byte(encoding.QoS0), granted)

	_ = subClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	fh, err := encoding.ParseFixedHeaderWithVersion(subClient, encoding.ProtocolVersion311)
	require.NoError(t, err)
	require.Equal(t, encoding.PUBLISH, fh.Type)
	replayed, err := encoding.ParsePublishPacket311(subClient, fh)
	require.NoError(t, err)
	assert.Equal(t, "home/livingroom/temp", replayed.TopicName)
	assert.Equal(t, []byte("19.0"), replayed.Payload)
	assert.True(t, fh.Retain)
}

func TestHandleUnsubscribeAcksWithoutError(t *testing.T) {
	_, client := pipedEngine(t)
	defer client.Close()

	writeConnect311(t, client, "unsub-client", true)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readConnack311(t, client)

	sub := &encoding.SubscribePacket311{
		FixedHeader:   encoding.FixedHeader{Type: encoding.SUBSCRIBE, Flags: 0x02},
		PacketID:      1,
		Subscriptions: []encoding.Subscription311{{TopicFilter: "a/b", QoS: encoding.QoS0}},
	}
	require.NoError(t, sub.Encode(client))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readSuback311(t, client)

	unsub := &encoding.UnsubscribePacket311{
		FixedHeader:  encoding.FixedHeader{Type: encoding.UNSUBSCRIBE, Flags: 0x02},
		PacketID:     2,
		TopicFilters: []string{"a/b"},
	}
	require.NoError(t, unsub.Encode(client))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	fh, err := encoding.ParseFixedHeaderWithVersion(client, encoding.ProtocolVersion311)
	require.NoError(t, err)
	assert.Equal(t, encoding.UNSUBACK, fh.Type)
}
