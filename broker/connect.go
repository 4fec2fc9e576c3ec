package broker

import (
	"context"
	"time"

	"github.com/flowmq/broker/codec/packet"
	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/hook"
	"github.com/flowmq/broker/network"
	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/topic"
)

// maxConnectRemainingLength bounds the first packet's fixed-header peek
// before any authentication has happened. It is a fixed ceiling, not
// Config.MessageSizeLimit (which defaults to unlimited and governs
// PUBLISH payloads once a session exists) — an unauthenticated peer
// gets a much tighter leash.
const maxConnectRemainingLength = 64 * 1024

// handleConnect runs the full CONNECT handshake: parse, validate
// against Config, authenticate, establish or take over the durable
// session, rewire subscriptions and inflight state onto the new
// connection, and reply with CONNACK. Anything that fails past the
// point of having a parsed ClientID still gets a CONNACK (v5) or
// CONNACK-with-refusal-code (311) before the connection is closed,
// per spec §4.6 — only malformed-packet failures skip straight to a
// close with no reply.
func (e *Engine) handleConnect(ctx context.Context, c *client) error {
	if sniffed, err := network.SniffFixedHeader(c.r, maxConnectRemainingLength); err != nil {
		// A too-long or structurally invalid first frame is rejected here,
		// before the version-aware decoder allocates anything for it.
		return encoding.NewProtocolError(encoding.ErrMalformedPacket, "malformed first packet: "+err.Error())
	} else if sniffed.Type != packet.CONNECT {
		return encoding.NewProtocolError(encoding.ErrMalformedPacket, "first packet must be CONNECT")
	}

	fh, err := encoding.ParseFixedHeader(c.r)
	if err != nil {
		return err
	}
	if fh.Type != encoding.CONNECT {
		return encoding.NewProtocolError(encoding.ErrMalformedPacket, "first packet must be CONNECT")
	}

	req, err := parseConnectBody(c.r, fh)
	if err != nil {
		return err
	}

	c.protocolVersion = req.protocolVersion
	c.clientID = req.clientID
	c.username = req.username

	if req.clientID == "" {
		if !e.Config.AllowZeroLengthClientID {
			return e.refuseConnect(c, req, encoding.NewProtocolError(encoding.ErrInvalidPacketID, "empty client id not allowed"))
		}
		assigned, err := e.Sessions.GenerateClientID(ctx)
		if err != nil {
			return e.refuseConnect(c, req, err)
		}
		req.clientID = assigned
		c.clientID = assigned
		c.assignedClientID = true
	}

	if e.Config.MaxKeepAlive > 0 && req.keepAlive > e.Config.MaxKeepAlive {
		req.keepAlive = e.Config.MaxKeepAlive
	}
	c.keepAlive = req.keepAlive
	c.maxPacketSize = req.maxPacketSize

	if e.Config.SessionExpiryIntervalMax > 0 && req.sessionExpiryInterval > e.Config.SessionExpiryIntervalMax {
		req.sessionExpiryInterval = e.Config.SessionExpiryIntervalMax
	}

	hc := c.hookClient()
	hc.ID = req.clientID
	hc.Username = req.username
	hc.CleanStart = req.cleanStart
	hc.KeepAlive = req.keepAlive

	hookPkt := &hook.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: protocolVersionOf(req.protocolVersion),
		CleanStart:      req.cleanStart,
		KeepAlive:       req.keepAlive,
		ClientID:        req.clientID,
		Username:        req.username,
		Password:        req.password,
	}
	if req.hasWill {
		hookPkt.Will = &hook.WillMessage{
			Topic:         req.willTopic,
			Payload:       req.willPayload,
			QoS:           byte(req.willQoS),
			Retain:        req.willRetain,
			WillDelayInterval: req.willDelayInterval,
		}
	}

	if !e.Hooks.OnConnectAuthenticate(hc, hookPkt) {
		return e.refuseConnect(c, req, &Error{Kind: KindNotAuthorized, Err: ErrACLDenied})
	}

	if err := e.Hooks.OnConnect(hc, hookPkt); err != nil {
		return e.refuseConnect(c, req, err)
	}

	if old := e.registerClient(req.clientID, c); old != nil {
		old.closing.Do(func() {
			_ = old.writeLocked(func() error {
				return e.writeDisconnectSessionTakenOver(old)
			})
			old.conn.Close()
		})
	}

	maxInflight := reconcileInflightMaximum(e.Config.MaxInflightMessages, req.receiveMaximum)
	sess, sessionPresent, err := e.Sessions.CreateSession(ctx, req.clientID, req.cleanStart, req.sessionExpiryInterval, protocolVersionOf(req.protocolVersion), maxInflight)
	if err != nil {
		e.unregisterClient(req.clientID, c)
		return e.refuseConnect(c, req, err)
	}
	sess.ReceiveMaximum = req.receiveMaximum
	sess.MsgsOut.InflightMaxBytes = e.Config.MaxInflightBytes
	sess.MsgsOut.MaxQueuedCount = e.Config.MaxQueuedMessages
	sess.MsgsOut.MaxQueuedBytes = e.Config.MaxQueuedBytes
	if req.maxPacketSize > 0 {
		sess.MaxPacketSize = req.maxPacketSize
	}
	c.session = sess

	if req.hasWill {
		sess.SetWillMessage(&session.WillMessage{
			Topic:         req.willTopic,
			Payload:       req.willPayload,
			QoS:           req.willQoS,
			Retain:        req.willRetain,
			DelayInterval: req.willDelayInterval,
		})
	}

	if !req.cleanStart {
		carried, resent, err := e.Sessions.TakeoverSession(ctx, req.clientID)
		if err != nil {
			e.unregisterClient(req.clientID, c)
			return e.refuseConnect(c, req, err)
		}
		for filter, sub := range carried {
			if !e.Hooks.OnACLCheck(hc, filter, hook.AccessTypeRead) {
				continue
			}
			_ = e.Router.Subscribe(topicSubscriptionFrom(req.clientID, sub))
		}
		_ = resent // retransmission is driven by the scheduler's next tick, dup-marked below
		sess.MsgsOut.ResetForReconnect()
	}

	c.maxPacketSize = req.maxPacketSize
	c.topicAliasIn = newTopicAliasTable(e.Config.MaxTopicAlias)

	if err := e.Hooks.OnSessionEstablished(hc, hookPkt); err != nil {
		e.unregisterClient(req.clientID, c)
		return e.refuseConnect(c, req, err)
	}

	if err := e.sendConnack(c, req, sessionPresent, nil); err != nil {
		e.unregisterClient(req.clientID, c)
		return err
	}

	if req.keepAlive > 0 {
		c.conn.SetReadDeadlineDuration(keepAliveDeadline(req.keepAlive, e.Config.KeepAliveGrace))
	}

	return nil
}

// reconcileInflightMaximum combines the broker's configured per-session
// inflight cap (Config.MaxInflightMessages, 0 meaning unlimited) with
// the receive_maximum this CONNECT's client declared (request.go
// always populates it, defaulting to 65535 when the client sent none,
// including every 3.1.1 connection). Both bound the same thing —
// concurrent unacknowledged QoS 1/2 deliveries to this client — so the
// tighter of the two governs.
func reconcileInflightMaximum(configMax int, clientReceiveMaximum uint16) int {
	effective := int(clientReceiveMaximum)
	if configMax > 0 && configMax < effective {
		effective = configMax
	}
	return effective
}

func keepAliveDeadline(keepAlive uint16, grace float64) time.Duration {
	if grace <= 0 {
		grace = 1.5
	}
	return time.Duration(float64(keepAlive) * grace * float64(time.Second))
}

// topicSubscriptionFrom adapts a durable session.Subscription (carried
// across a reconnect) into the shape topic.Router expects when rewiring
// it onto the new connection's client ID.
func topicSubscriptionFrom(clientID string, sub *session.Subscription) *topic.Subscription {
	return &topic.Subscription{
		ClientID:               clientID,
		TopicFilter:            sub.TopicFilter,
		QoS:                    byte(sub.QoS),
		NoLocal:                sub.NoLocal,
		RetainAsPublished:      sub.RetainAsPublished,
		RetainHandling:         sub.RetainHandling,
		SubscriptionIdentifier: sub.SubscriptionIdentifier,
	}
}

// refuseConnect sends the best-effort CONNACK/refusal reply the wire
// version allows, then returns the original error so HandleConnection
// closes the connection.
func (e *Engine) refuseConnect(c *client, req *connectRequest, cause error) error {
	_ = e.sendConnack(c, req, false, cause)
	return cause
}

func (e *Engine) sendConnack(c *client, req *connectRequest, sessionPresent bool, cause error) error {
	return c.writeLocked(func() error {
		if req.protocolVersion == encoding.ProtocolVersion50 {
			ack := &encoding.ConnackPacket{
				FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
				SessionPresent: sessionPresent && cause == nil,
				ReasonCode:     ReasonCode50(cause),
			}
			if e.Config.ReceiveMaximum > 0 {
				_ = ack.Properties.AddProperty(encoding.PropReceiveMaximum, e.Config.ReceiveMaximum)
			}
			_ = ack.Properties.AddProperty(encoding.PropMaximumQoS, e.Config.MaxQoS)
			_ = ack.Properties.AddProperty(encoding.PropRetainAvailable, boolByte(e.Config.RetainAvailable))
			if e.Config.MaxTopicAlias > 0 {
				_ = ack.Properties.AddProperty(encoding.PropTopicAliasMaximum, e.Config.MaxTopicAlias)
			}
			if c.assignedClientID {
				_ = ack.Properties.AddProperty(encoding.PropAssignedClientIdentifier, c.clientID)
			}
			return ack.Encode(c.conn)
		}

		ack := &encoding.ConnackPacket311{
			FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
			SessionPresent: sessionPresent && cause == nil,
			ReturnCode:     ConnectReturnCode311(cause),
		}
		return ack.Encode(c.conn)
	})
}

// writeDisconnectSessionTakenOver tells a displaced 5.0 connection why
// it is being closed; 3.1.1 has no broker-to-client DISCONNECT, so a
// 3.1.1 connection gets nothing written and is simply closed.
func (e *Engine) writeDisconnectSessionTakenOver(old *client) error {
	if !old.isV5() {
		return nil
	}
	d := &encoding.DisconnectPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT},
		ReasonCode:  encoding.ReasonSessionTakenOver,
	}
	return d.Encode(old.conn)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
