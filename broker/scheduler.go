package broker

import (
	"time"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/hook"
	"github.com/flowmq/broker/session"
)

// schedulerLoop is the tick-driven delivery loop: every Config.SchedulerTick
// it walks each connected client's outbound MessageData, promotes queued
// entries into any inflight slots PUBACK/PUBCOMP freed up, and writes
// every newly-flighted entry to the wire. This decouples "a message
// became eligible for this client" (a PUBLISH admission, an ack freeing
// a slot, a reconnect resend) from "bytes go out the socket", so
// delivery never runs on whichever goroutine happened to cause the
// eligibility change.
func (e *Engine) schedulerLoop() {
	defer e.schedulerWG.Done()

	tick := e.Config.SchedulerTick
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.schedulerStop:
			return
		case <-ticker.C:
			e.runSchedulerTick()
		}
	}
}

func (e *Engine) runSchedulerTick() {
	now := time.Now()
	for _, clientID := range e.activeClientIDs() {
		c, ok := e.getClient(clientID)
		if !ok || c.session == nil {
			continue
		}
		e.expireOutbound(c, now)
		c.session.MsgsOut.PromoteQueued(true)
		for _, entry := range c.session.MsgsOut.PendingOutbound() {
			e.writeScheduledEntry(c, entry)
		}
	}
}

// expireOutbound drops every queued or in-flight outbound entry past
// its message expiry, per spec §4.7: dropping a QoS 1/2 flight frees
// its slot and inflight-byte quota for the promotion pass that follows.
func (e *Engine) expireOutbound(c *client, now time.Time) {
	for _, entry := range c.session.MsgsOut.ExpireOutbound(now) {
		e.Messages.RefDec(entry.Message)
		e.recordDrop()
		e.log.Debug("outbound message expired", "client_id", c.clientID, "packet_id", entry.PacketID)
		e.Hooks.OnQosDropped(c.hookClient(), entry.PacketID, hook.DropReasonExpired)
	}
}

// writeScheduledEntry writes one outbound flight to c's connection
// according to its QoS state: a fresh or promoted flight goes out as
// PUBLISH (DUP set when ResetForReconnect marked it for retransmission),
// while a flight already past PUBREC on a prior connection
// (OutboundResendPubrel) goes out as PUBREL instead, since the broker's
// side of that exchange already completed before the reconnect.
func (e *Engine) writeScheduledEntry(c *client, entry *session.OutboundEntry) {
	if entry.State == session.OutboundResendPubrel {
		if err := e.sendPubrel(c, entry.PacketID); err != nil {
			e.log.Debug("scheduled pubrel write failed", "client_id", c.clientID, "err", err)
		}
		return
	}

	msg := entry.Message
	err := c.writeLocked(func() error {
		if c.isV5() {
			p := &encoding.PublishPacket{
				FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: entry.QoS, Retain: msg.Retain, DUP: entry.Dup},
				TopicName:   msg.Topic,
				PacketID:    entry.PacketID,
				Payload:     msg.Payload,
			}
			return p.Encode(c.conn)
		}
		p := &encoding.PublishPacket311{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: entry.QoS, Retain: msg.Retain, DUP: entry.Dup},
			TopicName:   msg.Topic,
			PacketID:    entry.PacketID,
			Payload:     msg.Payload,
		}
		return p.Encode(c.conn)
	})
	if err != nil {
		e.log.Debug("scheduled publish write failed", "client_id", c.clientID, "err", err)
		return
	}

	if entry.QoS == encoding.QoS0 {
		c.session.MsgsOut.CompleteOutboundEntry(entry)
		e.Messages.RefDec(msg)
	}
}
