package broker

import (
	"bytes"
	"errors"
	"io"

	"github.com/flowmq/broker/encoding"
)

// connectRequest is the normalized shape of a CONNECT packet regardless
// of which wire family (v5 or 3.1.1) produced it. Every downstream
// piece of broker (connect.go, engine.go) operates on this instead of
// switching on protocol version a second time.
type connectRequest struct {
	protocolVersion encoding.ProtocolVersion
	cleanStart      bool
	keepAlive       uint16
	clientID        string

	hasUsername bool
	username    string
	hasPassword bool
	password    []byte

	hasWill           bool
	willTopic         string
	willPayload       []byte
	willQoS           encoding.QoS
	willRetain        bool
	willDelayInterval uint32
	willProperties    encoding.Properties

	sessionExpiryInterval uint32
	receiveMaximum        uint16
	maxPacketSize         uint32
	topicAliasMaximum     uint16
	properties            encoding.Properties
}

// parseConnectBody reads a CONNECT packet's full remaining-length body
// once, then tries the v5 parser first and falls back to the 3.1.1
// parser on ErrInvalidProtocolVersion. Reading into a byte slice up
// front (rather than peeking the protocol-version byte by hand) lets
// both parsers run against their own fresh bytes.Reader without having
// to rewind a live socket.
func parseConnectBody(r io.Reader, fh *encoding.FixedHeader) (*connectRequest, error) {
	body := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, encoding.NewMalformedPacketError(err, "short CONNECT body")
	}

	pkt, err := encoding.ParseConnectPacket(bytes.NewReader(body), fh)
	if err == nil {
		return connectRequestFromV5(pkt), nil
	}
	if !errors.Is(err, encoding.ErrInvalidProtocolVersion) {
		return nil, err
	}

	pkt311, err := encoding.ParseConnectPacket311(bytes.NewReader(body), fh)
	if err != nil {
		return nil, err
	}
	return connectRequestFrom311(pkt311), nil
}

func connectRequestFromV5(p *encoding.ConnectPacket) *connectRequest {
	req := &connectRequest{
		protocolVersion: p.ProtocolVersion,
		cleanStart:      p.CleanStart,
		keepAlive:       p.KeepAlive,
		clientID:        p.ClientID,
		hasUsername:     p.UsernameFlag,
		username:        p.Username,
		hasPassword:     p.PasswordFlag,
		password:        p.Password,
		hasWill:         p.WillFlag,
		willTopic:       p.WillTopic,
		willPayload:     p.WillPayload,
		willQoS:         p.WillQoS,
		willRetain:      p.WillRetain,
		willProperties:  p.WillProperties,
		properties:      p.Properties,
		receiveMaximum:  65535,
	}
	if prop := p.WillProperties.GetProperty(encoding.PropWillDelayInterval); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			req.willDelayInterval = v
		}
	}
	if prop := p.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			req.sessionExpiryInterval = v
		}
	}
	if prop := p.Properties.GetProperty(encoding.PropReceiveMaximum); prop != nil {
		if v, ok := prop.Value.(uint16); ok {
			req.receiveMaximum = v
		}
	}
	if prop := p.Properties.GetProperty(encoding.PropMaximumPacketSize); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			req.maxPacketSize = v
		}
	}
	if prop := p.Properties.GetProperty(encoding.PropTopicAliasMaximum); prop != nil {
		if v, ok := prop.Value.(uint16); ok {
			req.topicAliasMaximum = v
		}
	}
	return req
}

func connectRequestFrom311(p *encoding.ConnectPacket311) *connectRequest {
	return &connectRequest{
		protocolVersion: p.ProtocolVersion,
		cleanStart:      p.CleanSession,
		keepAlive:       p.KeepAlive,
		clientID:        p.ClientID,
		hasUsername:     p.UsernameFlag,
		username:        p.Username,
		hasPassword:     p.PasswordFlag,
		password:        p.Password,
		hasWill:         p.WillFlag,
		willTopic:       p.WillTopic,
		willPayload:     p.WillPayload,
		willQoS:         p.WillQoS,
		willRetain:      p.WillRetain,
		receiveMaximum:  65535,
		// 3.1.1 has no session expiry property: CleanSession=false sessions
		// persist indefinitely until an explicit takeover or admin action.
	}
}

// publishRequest is the normalized shape of an inbound PUBLISH.
type publishRequest struct {
	topicName  string
	packetID   uint16
	qos        encoding.QoS
	retain     bool
	dup        bool
	payload    []byte
	properties encoding.Properties
	topicAlias uint16
	hasAlias   bool
}

func parsePublishBody(r io.Reader, fh *encoding.FixedHeader, v5 bool) (*publishRequest, error) {
	if v5 {
		p, err := encoding.ParsePublishPacket(r, fh)
		if err != nil {
			return nil, err
		}
		req := &publishRequest{
			topicName:  p.TopicName,
			packetID:   p.PacketID,
			qos:        fh.QoS,
			retain:     fh.Retain,
			dup:        fh.DUP,
			payload:    p.Payload,
			properties: p.Properties,
		}
		if prop := p.Properties.GetProperty(encoding.PropTopicAlias); prop != nil {
			if v, ok := prop.Value.(uint16); ok {
				req.topicAlias = v
				req.hasAlias = true
			}
		}
		return req, nil
	}

	p, err := encoding.ParsePublishPacket311(r, fh)
	if err != nil {
		return nil, err
	}
	return &publishRequest{
		topicName: p.TopicName,
		packetID:  p.PacketID,
		qos:       fh.QoS,
		retain:    fh.Retain,
		dup:       fh.DUP,
		payload:   p.Payload,
	}, nil
}

// subscribeRequest/unsubscribeRequest normalize SUBSCRIBE/UNSUBSCRIBE
// across the two wire families; 3.1.1 subscriptions carry only a QoS,
// so the v5-only fields are zero-valued when sourced from a 311 packet.
type subscribeRequest struct {
	packetID      uint16
	subscriptions []encoding.Subscription
	properties    encoding.Properties
}

func parseSubscribeBody(r io.Reader, fh *encoding.FixedHeader, v5 bool) (*subscribeRequest, error) {
	if v5 {
		p, err := encoding.ParseSubscribePacket(r, fh)
		if err != nil {
			return nil, err
		}
		return &subscribeRequest{packetID: p.PacketID, subscriptions: p.Subscriptions, properties: p.Properties}, nil
	}

	p, err := encoding.ParseSubscribePacket311(r, fh)
	if err != nil {
		return nil, err
	}
	subs := make([]encoding.Subscription, len(p.Subscriptions))
	for i, s := range p.Subscriptions {
		subs[i] = encoding.Subscription{TopicFilter: s.TopicFilter, QoS: s.QoS}
	}
	return &subscribeRequest{packetID: p.PacketID, subscriptions: subs}, nil
}

type unsubscribeRequest struct {
	packetID     uint16
	topicFilters []string
}

func parseUnsubscribeBody(r io.Reader, fh *encoding.FixedHeader, v5 bool) (*unsubscribeRequest, error) {
	if v5 {
		p, err := encoding.ParseUnsubscribePacket(r, fh)
		if err != nil {
			return nil, err
		}
		return &unsubscribeRequest{packetID: p.PacketID, topicFilters: p.TopicFilters}, nil
	}

	p, err := encoding.ParseUnsubscribePacket311(r, fh)
	if err != nil {
		return nil, err
	}
	return &unsubscribeRequest{packetID: p.PacketID, topicFilters: p.TopicFilters}, nil
}
