package broker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/broker/encoding"
)

func encodeAndSplitHeader(t *testing.T, version encoding.ProtocolVersion, encode func(w *bytes.Buffer) error) (*encoding.FixedHeader, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, encode(&buf))
	fh, err := encoding.ParseFixedHeaderWithVersion(&buf, version)
	require.NoError(t, err)
	return fh, &buf
}

func TestParseConnectBodyFallsBackTo311(t *testing.T) {
	p := &encoding.ConnectPacket311{
		FixedHeader:     encoding.FixedHeader{Type: encoding.CONNECT},
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    true,
		KeepAlive:       30,
		ClientID:        "req-client",
	}
	fh, body := encodeAndSplitHeader(t, encoding.ProtocolVersion311, func(w *bytes.Buffer) error { return p.Encode(w) })

	req, err := parseConnectBody(body, fh)
	require.NoError(t, err)
	assert.Equal(t, encoding.ProtocolVersion311, req.protocolVersion)
	assert.Equal(t, "req-client", req.clientID)
	assert.True(t, req.cleanStart)
	assert.Equal(t, uint16(30), req.keepAlive)
}

func TestParseConnectBodyV5(t *testing.T) {
	p := &encoding.ConnectPacket{
		FixedHeader:     encoding.FixedHeader{Type: encoding.CONNECT},
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      true,
		KeepAlive:       60,
		ClientID:        "v5-client",
	}
	fh, body := encodeAndSplitHeader(t, encoding.ProtocolVersion50, func(w *bytes.Buffer) error { return p.Encode(w) })

	req, err := parseConnectBody(body, fh)
	require.NoError(t, err)
	assert.Equal(t, encoding.ProtocolVersion50, req.protocolVersion)
	assert.Equal(t, "v5-client", req.clientID)
	assert.Equal(t, uint16(65535), req.receiveMaximum)
}

func TestParsePublishBody311(t *testing.T) {
	p := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS1, Retain: true},
		TopicName:   "a/b",
		PacketID:    42,
		Payload:     []byte("hello"),
	}
	fh, body := encodeAndSplitHeader(t, encoding.ProtocolVersion311, func(w *bytes.Buffer) error { return p.Encode(w) })

	req, err := parsePublishBody(body, fh, false)
	require.NoError(t, err)
	assert.Equal(t, "a/b", req.topicName)
	assert.Equal(t, uint16(42), req.packetID)
	assert.Equal(t, encoding.QoS1, req.qos)
	assert.True(t, req.retain)
	assert.Equal(t, []byte("hello"), req.payload)
}

func TestParseSubscribeBody311NormalizesSubscriptions(t *testing.T) {
	p := &encoding.SubscribePacket311{
		FixedHeader:   encoding.FixedHeader{Type: encoding.SUBSCRIBE, Flags: 0x02},
		PacketID:      9,
		Subscriptions: []encoding.Subscription311{{TopicFilter: "x/y", QoS: encoding.QoS2}},
	}
	fh, body := encodeAndSplitHeader(t, encoding.ProtocolVersion311, func(w *bytes.Buffer) error { return p.Encode(w) })

	req, err := parseSubscribeBody(body, fh, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), req.packetID)
	require.Len(t, req.subscriptions, 1)
	assert.Equal(t, "x/y", req.subscriptions[0].TopicFilter)
	assert.Equal(t, encoding.QoS2, req.subscriptions[0].QoS)
}

func TestParseUnsubscribeBody311(t *testing.T) {
	p := &encoding.UnsubscribePacket311{
		FixedHeader:  encoding.FixedHeader{Type: encoding.UNSUBSCRIBE, Flags: 0x02},
		PacketID:     3,
		TopicFilters: []string{"x/y", "a/b"},
	}
	fh, body := encodeAndSplitHeader(t, encoding.ProtocolVersion311, func(w *bytes.Buffer) error { return p.Encode(w) })

	req, err := parseUnsubscribeBody(body, fh, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), req.packetID)
	assert.Equal(t, []string{"x/y", "a/b"}, req.topicFilters)
}
