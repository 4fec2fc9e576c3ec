package broker

import (
	"context"
	"io"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/hook"
	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/topic"
	"github.com/flowmq/broker/types/message"
)

// handlePublish processes an inbound PUBLISH: validates and stores the
// message, replies with the appropriate acknowledgement (or starts the
// QoS 2 handshake), retains it if requested, and fans it out to current
// subscribers. Queued delivery to offline sessions and inflight
// promotion for online ones both flow through deliverToSubscriber's
// single admission path.
func (e *Engine) handlePublish(ctx context.Context, c *client, fh *encoding.FixedHeader) error {
	req, err := parsePublishBody(c.r, fh, c.isV5())
	if err != nil {
		return err
	}

	topicName := req.topicName
	if req.hasAlias || (c.isV5() && req.topicAlias != 0) {
		resolved, err := c.topicAliasIn.resolve(req.topicAlias, topicName)
		if err != nil {
			return err
		}
		topicName = resolved
	}

	if err := topic.ValidateTopic(topicName); err != nil {
		return encoding.NewProtocolError(encoding.ErrInvalidPublishTopicName, err.Error())
	}
	if req.qos > encoding.QoS(e.Config.MaxQoS) {
		return encoding.NewProtocolError(encoding.ErrInvalidQoS, "publish QoS exceeds broker maximum")
	}
	if e.Config.MessageSizeLimit > 0 && uint32(len(req.payload)) > e.Config.MessageSizeLimit {
		return &Error{Kind: KindOversizePacket, Err: encoding.ErrPayloadTooLarge}
	}

	hc := c.hookClient()
	if !e.Hooks.OnACLCheck(hc, topicName, hook.AccessTypeWrite) {
		return e.ackPublishDenied(c, req)
	}

	hookPub := &hook.PublishPacket{
		PacketID:        req.packetID,
		Topic:           topicName,
		Payload:         req.payload,
		QoS:             byte(req.qos),
		Retain:          req.retain,
		Duplicate:       req.dup,
		ProtocolVersion: protocolVersionOf(c.protocolVersion),
	}
	if err := e.Hooks.OnPublish(hc, hookPub); err != nil {
		e.Hooks.OnPublishDropped(hc, hookPub, hook.DropReasonACLDenied)
		return e.ackPublish(c, req, err)
	}

	msg := message.New(topicName, hookPub.Payload, req.qos, req.retain, c.clientID, c.username, nil).WithExpiry(messageExpiryInterval(req.properties))

	if req.retain && e.Config.RetainAvailable {
		if err := e.Hooks.OnRetainMessage(hc, hookPub); err == nil {
			retainMsg := message.New(topicName, hookPub.Payload, req.qos, true, c.clientID, c.username, nil).WithExpiry(messageExpiryInterval(req.properties))
			if len(retainMsg.Payload) == 0 {
				_ = e.Retained.Delete(ctx, topicName)
			} else {
				_ = e.Retained.Set(ctx, topicName, retainMsg)
				e.Hooks.OnRetainPublished(hc, hookPub)
			}
		}
	}

	subscribers := e.Router.MatchWithPublisher(topicName, c.clientID)
	e.Hooks.OnSelectSubscribers(subscribersFrom(subscribers), topicName)
	if !e.Config.AllowDuplicateMessages {
		subscribers = topic.DeduplicateSubscribers(subscribers)
	}

	if len(subscribers) > 0 {
		e.Messages.Store(msg)
		for range subscribers {
			e.Messages.RefInc(msg)
		}
		for _, sub := range subscribers {
			e.deliverToSubscriber(sub, msg)
		}
	}

	e.Hooks.OnPublished(hc, hookPub)

	switch req.qos {
	case encoding.QoS0:
		return nil
	case encoding.QoS1:
		return e.ackPublish(c, req, nil)
	case encoding.QoS2:
		return e.startInboundQoS2(c, req, msg)
	default:
		return encoding.NewProtocolError(encoding.ErrInvalidQoS, "invalid publish QoS")
	}
}

// messageExpiryInterval reads the v5 MessageExpiryInterval property off
// a PUBLISH, returning 0 (never expires) for 3.1.1 or a PUBLISH that
// didn't set one.
func messageExpiryInterval(props encoding.Properties) uint32 {
	if prop := props.GetProperty(encoding.PropMessageExpiryInterval); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			return v
		}
	}
	return 0
}

func subscribersFrom(infos []topic.SubscriberInfo) *hook.Subscribers {
	s := &hook.Subscribers{}
	for _, info := range infos {
		s.Add(&hook.Subscription{ClientID: info.ClientID, QoS: info.QoS})
	}
	return s
}

// deliverToSubscriber hands msg to the session named by sub, either
// enqueuing it in the session's outbound MessageData (the scheduler
// will flight and send it) or dropping it per the configured queue
// policy when the session cannot be found at all.
func (e *Engine) deliverToSubscriber(sub topic.SubscriberInfo, msg *message.Message) {
	sess, err := e.Sessions.GetSession(context.Background(), sub.ClientID)
	if err != nil || sess == nil {
		e.Messages.RefDec(msg)
		e.recordDrop()
		return
	}

	deliverQoS := encoding.QoS(sub.QoS)
	if msg.QoS < deliverQoS {
		deliverQoS = msg.QoS
	}
	_, online := e.getClient(sub.ClientID)
	if deliverQoS == encoding.QoS0 && !e.Config.QueueQoS0Messages && !online {
		e.Messages.RefDec(msg)
		e.recordDrop()
		return
	}

	entry := &session.OutboundEntry{
		Message: msg,
		QoS:     deliverQoS,
		State:   outboundInitialState(deliverQoS),
	}
	if deliverQoS > encoding.QoS0 {
		entry.PacketID = sess.NextPacketID()
	}

	accepted, startedDropping := sess.MsgsOut.EnqueueOutbound(entry, online, e.Config.QueueQoS0Messages)
	if !accepted {
		e.Messages.RefDec(msg)
		e.recordDrop()
		if startedDropping {
			e.log.Info("session outbound queue dropping messages", "client_id", sub.ClientID, "packet_id", entry.PacketID)
			e.Hooks.OnQosDropped(e.clientOrOfflineHook(sub.ClientID), entry.PacketID, hook.DropReasonQueueFull)
		}
	}
}

// writeDirectPublish sends msg to c immediately instead of going through
// the session's outbound queue and waiting for the scheduler's next
// tick — used for retained-message replay, which must land before
// handleSubscribe returns. QoS>0 deliveries are still registered in the
// session's outbound flight table so the PUBACK/PUBREC/PUBREL/PUBCOMP
// state machine tracks them exactly like a scheduler-driven delivery.
func (e *Engine) writeDirectPublish(c *client, msg *message.Message, qos encoding.QoS) error {
	var packetID uint16
	if qos > encoding.QoS0 && c.session != nil {
		packetID = c.session.NextPacketID()
		entry := &session.OutboundEntry{
			Message:  msg,
			QoS:      qos,
			State:    outboundInitialState(qos),
			PacketID: packetID,
		}
		if accepted, startedDropping := c.session.MsgsOut.EnqueueOutbound(entry, true, e.Config.QueueQoS0Messages); !accepted {
			e.recordDrop()
			if startedDropping {
				e.log.Info("session outbound queue dropping messages", "client_id", c.clientID, "packet_id", packetID)
				e.Hooks.OnQosDropped(c.hookClient(), packetID, hook.DropReasonQueueFull)
			}
			return &Error{Kind: KindNoMemory, Err: ErrOutboundQueueFull}
		}
	}

	return c.writeLocked(func() error {
		if c.isV5() {
			p := &encoding.PublishPacket{
				FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: qos, Retain: msg.Retain},
				TopicName:   msg.Topic,
				PacketID:    packetID,
				Payload:     msg.Payload,
			}
			return p.Encode(c.conn)
		}
		p := &encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: qos, Retain: msg.Retain},
			TopicName:   msg.Topic,
			PacketID:    packetID,
			Payload:     msg.Payload,
		}
		return p.Encode(c.conn)
	})
}

func outboundInitialState(qos encoding.QoS) session.OutboundState {
	switch qos {
	case encoding.QoS1:
		return session.OutboundWaitForPuback
	case encoding.QoS2:
		return session.OutboundWaitForPubrec
	default:
		return session.OutboundPublishQoS0
	}
}

func (e *Engine) clientOrOfflineHook(clientID string) *hook.Client {
	if c, ok := e.getClient(clientID); ok {
		return c.hookClient()
	}
	return &hook.Client{ID: clientID, State: hook.ClientStateDisconnected}
}

func (e *Engine) ackPublish(c *client, req *publishRequest, cause error) error {
	switch req.qos {
	case encoding.QoS1:
		return c.writeLocked(func() error { return e.sendPuback(c, req.packetID, cause) })
	case encoding.QoS2:
		return c.writeLocked(func() error { return e.sendPubrec(c, req.packetID, cause) })
	default:
		return nil
	}
}

func (e *Engine) ackPublishDenied(c *client, req *publishRequest) error {
	return e.ackPublish(c, req, &Error{Kind: KindNotAuthorized, Err: ErrACLDenied})
}

func (e *Engine) sendPuback(c *client, packetID uint16, cause error) error {
	if c.isV5() {
		p := &encoding.PubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: packetID, ReasonCode: ReasonCode50(cause)}
		return p.Encode(c.conn)
	}
	p := &encoding.PubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: packetID}
	return p.Encode(c.conn)
}

func (e *Engine) sendPubrec(c *client, packetID uint16, cause error) error {
	if c.isV5() {
		p := &encoding.PubrecPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: packetID, ReasonCode: ReasonCode50(cause)}
		return p.Encode(c.conn)
	}
	p := &encoding.PubrecPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: packetID}
	return p.Encode(c.conn)
}

// startInboundQoS2 records the inbound publish pending PUBREL and
// replies PUBREC; the message is not handed to OnPublished/fan-out
// again on PUBREL, matching MQTT 5.0 §4.3.3's "deliver exactly once"
// rule — fan-out already happened above, PUBREL just releases the
// broker's own bookkeeping for the inbound exchange.
func (e *Engine) startInboundQoS2(c *client, req *publishRequest, msg *message.Message) error {
	if c.session != nil {
		c.session.MsgsIn.AddInbound(&session.InboundEntry{
			Message:  msg,
			PacketID: req.packetID,
			State:    session.InboundWaitForPubrel,
		})
	}
	return c.writeLocked(func() error { return e.sendPubrec(c, req.packetID, nil) })
}

func (e *Engine) handlePuback(c *client, fh *encoding.FixedHeader) error {
	packetID, err := parseAckPacketID(c.r, fh, c.isV5(), encoding.PUBACK)
	if err != nil {
		return err
	}
	if c.session == nil {
		return nil
	}
	entry, ok := c.session.MsgsOut.FindOutbound(packetID)
	if !ok {
		return nil
	}
	if _, ok := session.NextOnPuback(entry.State); !ok {
		return encoding.NewProtocolError(encoding.ErrInvalidPacketID, "PUBACK for flight not awaiting it")
	}
	completed, _ := c.session.MsgsOut.CompleteOutbound(packetID)
	if completed != nil {
		e.Messages.RefDec(completed.Message)
	}
	e.Hooks.OnQosComplete(c.hookClient(), packetID, encoding.PUBACK)
	return nil
}

func (e *Engine) handlePubrec(c *client, fh *encoding.FixedHeader) error {
	packetID, err := parseAckPacketID(c.r, fh, c.isV5(), encoding.PUBREC)
	if err != nil {
		return err
	}
	if c.session == nil {
		return nil
	}
	entry, ok := c.session.MsgsOut.FindOutbound(packetID)
	if !ok {
		return e.sendPubrel(c, packetID)
	}
	next, ok := session.NextOnPubrec(entry.State)
	if !ok {
		return encoding.NewProtocolError(encoding.ErrInvalidPacketID, "PUBREC for flight not awaiting it")
	}
	entry.State = next
	return e.sendPubrel(c, packetID)
}

func (e *Engine) sendPubrel(c *client, packetID uint16) error {
	if c.session != nil {
		if entry, ok := c.session.MsgsOut.FindOutbound(packetID); ok {
			if next, ok := session.NextOnPubrelSent(entry.State); ok {
				entry.State = next
			}
		}
	}
	return c.writeLocked(func() error {
		if c.isV5() {
			p := &encoding.PubrelPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL, Flags: 0x02}, PacketID: packetID, ReasonCode: encoding.ReasonSuccess}
			return p.Encode(c.conn)
		}
		p := &encoding.PubrelPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL, Flags: 0x02}, PacketID: packetID}
		return p.Encode(c.conn)
	})
}

func (e *Engine) handlePubrel(c *client, fh *encoding.FixedHeader) error {
	packetID, err := parseAckPacketID(c.r, fh, c.isV5(), encoding.PUBREL)
	if err != nil {
		return err
	}
	if c.session != nil {
		// Unconditional: a PUBREL with no matching inbound entry still
		// gets a PUBCOMP, since the broker must not leave the client
		// hanging on a retransmitted or already-released exchange.
		c.session.MsgsIn.ReleaseInbound(packetID)
	}
	return c.writeLocked(func() error { return e.sendPubcomp(c, packetID) })
}

func (e *Engine) sendPubcomp(c *client, packetID uint16) error {
	if c.isV5() {
		p := &encoding.PubcompPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP}, PacketID: packetID, ReasonCode: encoding.ReasonSuccess}
		return p.Encode(c.conn)
	}
	p := &encoding.PubcompPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP}, PacketID: packetID}
	return p.Encode(c.conn)
}

func (e *Engine) handlePubcomp(c *client, fh *encoding.FixedHeader) error {
	packetID, err := parseAckPacketID(c.r, fh, c.isV5(), encoding.PUBCOMP)
	if err != nil {
		return err
	}
	if c.session == nil {
		return nil
	}
	entry, ok := c.session.MsgsOut.FindOutbound(packetID)
	if !ok {
		return nil
	}
	if _, ok := session.NextOnPubcomp(entry.State); !ok {
		return encoding.NewProtocolError(encoding.ErrInvalidPacketID, "PUBCOMP for flight not awaiting it")
	}
	completed, _ := c.session.MsgsOut.CompleteOutbound(packetID)
	if completed != nil {
		e.Messages.RefDec(completed.Message)
	}
	e.Hooks.OnQosComplete(c.hookClient(), packetID, encoding.PUBCOMP)
	return nil
}

// parseAckPacketID reads a PUBACK/PUBREC/PUBREL/PUBCOMP across both
// wire families into just the packet ID; callers don't yet act on the
// v5 reason code a peer may have sent, so it is not surfaced here.
func parseAckPacketID(r io.Reader, fh *encoding.FixedHeader, v5 bool, pt encoding.PacketType) (uint16, error) {
	if v5 {
		switch pt {
		case encoding.PUBACK:
			p, err := encoding.ParsePubackPacket(r, fh)
			if err != nil {
				return 0, err
			}
			return p.PacketID, nil
		case encoding.PUBREC:
			p, err := encoding.ParsePubrecPacket(r, fh)
			if err != nil {
				return 0, err
			}
			return p.PacketID, nil
		case encoding.PUBREL:
			p, err := encoding.ParsePubrelPacket(r, fh)
			if err != nil {
				return 0, err
			}
			return p.PacketID, nil
		case encoding.PUBCOMP:
			p, err := encoding.ParsePubcompPacket(r, fh)
			if err != nil {
				return 0, err
			}
			return p.PacketID, nil
		}
	}

	switch pt {
	case encoding.PUBACK:
		p, err := encoding.ParsePubackPacket311(r, fh)
		if err != nil {
			return 0, err
		}
		return p.PacketID, nil
	case encoding.PUBREC:
		p, err := encoding.ParsePubrecPacket311(r, fh)
		if err != nil {
			return 0, err
		}
		return p.PacketID, nil
	case encoding.PUBREL:
		p, err := encoding.ParsePubrelPacket311(r, fh)
		if err != nil {
			return 0, err
		}
		return p.PacketID, nil
	case encoding.PUBCOMP:
		p, err := encoding.ParsePubcompPacket311(r, fh)
		if err != nil {
			return 0, err
		}
		return p.PacketID, nil
	}
	return 0, encoding.NewProtocolError(encoding.ErrInvalidType, "unreachable ack packet type")
}
