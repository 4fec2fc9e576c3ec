package encoding

import (
	"io"
)

// MQTT 3.1.1 Packet Decoders
// encoder_311.go covers the broker-to-client direction (CONNACK, PUBLISH
// echoed back, SUBACK, ...); these cover the client-to-broker direction
// a 3.1.1 connection actually needs decoded.

// ParseConnectPacket311 parses an MQTT 3.1.1 CONNECT packet. Unlike the
// 5.0 form it carries no Properties, and uses CleanSession rather than
// CleanStart.
func ParseConnectPacket311(r io.Reader, fh *FixedHeader) (*ConnectPacket311, error) {
	pkt := &ConnectPacket311{FixedHeader: *fh}

	protocolName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = protocolName

	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolVersion = ProtocolVersion(version)

	if pkt.ProtocolVersion != ProtocolVersion30 && pkt.ProtocolVersion != ProtocolVersion311 {
		return nil, ErrInvalidProtocolVersion
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}

	pkt.CleanSession = (flags & 0x02) != 0
	pkt.WillFlag = (flags & 0x04) != 0
	pkt.WillQoS = QoS((flags & 0x18) >> 3)
	pkt.WillRetain = (flags & 0x20) != 0
	pkt.PasswordFlag = (flags & 0x40) != 0
	pkt.UsernameFlag = (flags & 0x80) != 0

	if (flags & 0x01) != 0 {
		return nil, ErrMalformedPacket
	}
	if !pkt.WillQoS.IsValid() {
		return nil, ErrInvalidWillQoS
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		willPayload, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameFlag {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordFlag {
		password, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

// ParsePublishPacket311 parses an MQTT 3.1.1 PUBLISH packet; unlike the
// 5.0 form, the packet carries no Properties and PacketID is present
// only for QoS 1/2, gated on fh.QoS rather than a parsed flag.
func ParsePublishPacket311(r io.Reader, fh *FixedHeader) (*PublishPacket311, error) {
	pkt := &PublishPacket311{FixedHeader: *fh}

	remaining := int(fh.RemainingLength)

	topicName, n, err := readUTF8StringCounted(r)
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topicName
	remaining -= n

	if fh.QoS > QoS0 {
		packetID, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		if packetID == 0 {
			return nil, ErrInvalidPacketIDZero
		}
		pkt.PacketID = packetID
		remaining -= 2
	}

	if remaining < 0 {
		return nil, ErrInvalidRemainingLength
	}

	payload := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	pkt.Payload = payload

	return pkt, nil
}

// readUTF8StringCounted is readUTF8String plus the wire byte count
// consumed, needed to track PUBLISH's implicit (unframed) payload
// length against RemainingLength.
func readUTF8StringCounted(r io.Reader) (string, int, error) {
	s, err := readUTF8String(r)
	if err != nil {
		return "", 0, err
	}
	return s, 2 + len(s), nil
}

func parseAckPacket311(r io.Reader, fh *FixedHeader) (uint16, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return 0, err
	}
	if packetID == 0 {
		return 0, ErrInvalidPacketIDZero
	}
	return packetID, nil
}

// ParsePubackPacket311 parses an MQTT 3.1.1 PUBACK packet.
func ParsePubackPacket311(r io.Reader, fh *FixedHeader) (*PubackPacket311, error) {
	packetID, err := parseAckPacket311(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubackPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubrecPacket311 parses an MQTT 3.1.1 PUBREC packet.
func ParsePubrecPacket311(r io.Reader, fh *FixedHeader) (*PubrecPacket311, error) {
	packetID, err := parseAckPacket311(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubrelPacket311 parses an MQTT 3.1.1 PUBREL packet.
func ParsePubrelPacket311(r io.Reader, fh *FixedHeader) (*PubrelPacket311, error) {
	packetID, err := parseAckPacket311(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubcompPacket311 parses an MQTT 3.1.1 PUBCOMP packet.
func ParsePubcompPacket311(r io.Reader, fh *FixedHeader) (*PubcompPacket311, error) {
	packetID, err := parseAckPacket311(r, fh)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParseSubscribePacket311 parses an MQTT 3.1.1 SUBSCRIBE packet.
func ParseSubscribePacket311(r io.Reader, fh *FixedHeader) (*SubscribePacket311, error) {
	pkt := &SubscribePacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketIDZero
	}
	pkt.PacketID = packetID

	remaining := int(fh.RemainingLength) - 2
	for remaining > 0 {
		topicFilter, n, err := readUTF8StringCounted(r)
		if err != nil {
			return nil, err
		}
		remaining -= n

		qosByte, err := readByte(r)
		if err != nil {
			return nil, err
		}
		remaining--

		qos := QoS(qosByte & 0x03)
		if !qos.IsValid() || (qosByte&0xFC) != 0 {
			return nil, ErrInvalidQoS
		}

		pkt.Subscriptions = append(pkt.Subscriptions, Subscription311{
			TopicFilter: topicFilter,
			QoS:         qos,
		})
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, ErrMalformedPacket
	}

	return pkt, nil
}

// ParseUnsubscribePacket311 parses an MQTT 3.1.1 UNSUBSCRIBE packet.
func ParseUnsubscribePacket311(r io.Reader, fh *FixedHeader) (*UnsubscribePacket311, error) {
	pkt := &UnsubscribePacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketIDZero
	}
	pkt.PacketID = packetID

	remaining := int(fh.RemainingLength) - 2
	for remaining > 0 {
		topicFilter, n, err := readUTF8StringCounted(r)
		if err != nil {
			return nil, err
		}
		remaining -= n
		pkt.TopicFilters = append(pkt.TopicFilters, topicFilter)
	}

	if len(pkt.TopicFilters) == 0 {
		return nil, ErrMalformedPacket
	}

	return pkt, nil
}

// ParseDisconnectPacket311 parses an MQTT 3.1.1 DISCONNECT packet,
// which carries no variable header or payload.
func ParseDisconnectPacket311(fh *FixedHeader) (*DisconnectPacket311, error) {
	return &DisconnectPacket311{FixedHeader: *fh}, nil
}
