package broker

import (
	"context"
	"time"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/hook"
	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/store"
	"github.com/flowmq/broker/topic"
)

// handleSubscribe processes SUBSCRIBE: each filter is ACL-checked,
// registered with the router and the durable session, and acked with
// its granted QoS (or a failure code); retained messages matching a
// newly granted filter are replayed after the SUBACK, per spec §5's
// ordering guarantee that retained delivery never races a live publish
// that arrived before the subscription existed.
func (e *Engine) handleSubscribe(ctx context.Context, c *client, fh *encoding.FixedHeader) error {
	req, err := parseSubscribeBody(c.r, fh, c.isV5())
	if err != nil {
		return err
	}
	if len(req.subscriptions) == 0 {
		return encoding.NewMalformedPacketError(encoding.ErrEmptySubscriptionList, "SUBSCRIBE with no filters")
	}

	hc := c.hookClient()
	results := make([]encoding.ReasonCode, len(req.subscriptions))
	granted := make([]topic.Subscription, 0, len(req.subscriptions))

	for i, s := range req.subscriptions {
		rc := e.subscribeOne(c, hc, s)
		results[i] = rc
		if rc <= encoding.ReasonGrantedQoS2 {
			granted = append(granted, topic.Subscription{
				ClientID:               c.clientID,
				TopicFilter:            s.TopicFilter,
				QoS:                    byte(s.QoS),
				NoLocal:                s.NoLocal,
				RetainAsPublished:      s.RetainAsPublished,
				RetainHandling:         s.RetainHandling,
				SubscriptionIdentifier: s.SubscriptionIdentifier,
			})
		}
	}

	if err := e.sendSuback(c, req.packetID, results); err != nil {
		return err
	}

	for _, sub := range granted {
		e.replayRetained(ctx, c, sub)
	}
	return nil
}

func (e *Engine) subscribeOne(c *client, hc *hook.Client, s encoding.Subscription) encoding.ReasonCode {
	if err := topic.ValidateTopicFilter(s.TopicFilter); err != nil && !topic.IsSharedSubscription(s.TopicFilter) {
		return encoding.ReasonTopicFilterInvalid
	}
	if !e.Hooks.OnACLCheck(hc, s.TopicFilter, hook.AccessTypeRead) {
		return encoding.ReasonNotAuthorized
	}

	qos := s.QoS
	if qos > encoding.QoS(e.Config.MaxQoS) {
		qos = encoding.QoS(e.Config.MaxQoS)
	}

	hookSub := &hook.Subscription{
		ClientID:               c.clientID,
		TopicFilter:            s.TopicFilter,
		QoS:                    byte(qos),
		NoLocal:                s.NoLocal,
		RetainAsPublished:      s.RetainAsPublished,
		RetainHandling:         s.RetainHandling,
		SubscriptionIdentifier: s.SubscriptionIdentifier,
		SubscribedAt:           time.Now(),
	}
	if err := e.Hooks.OnSubscribe(hc, hookSub); err != nil {
		return ReasonCode50(err)
	}

	routerSub := &topic.Subscription{
		ClientID:               c.clientID,
		TopicFilter:            s.TopicFilter,
		QoS:                    byte(qos),
		NoLocal:                s.NoLocal,
		RetainAsPublished:      s.RetainAsPublished,
		RetainHandling:         s.RetainHandling,
		SubscriptionIdentifier: s.SubscriptionIdentifier,
	}
	if err := e.Router.Subscribe(routerSub); err != nil {
		return encoding.ReasonTopicFilterInvalid
	}

	if c.session != nil {
		c.session.AddSubscription(&session.Subscription{
			TopicFilter:            s.TopicFilter,
			QoS:                    qos,
			NoLocal:                s.NoLocal,
			RetainAsPublished:      s.RetainAsPublished,
			RetainHandling:         s.RetainHandling,
			SubscriptionIdentifier: s.SubscriptionIdentifier,
			SubscribedAt:           time.Now(),
		})
	}

	e.Hooks.OnSubscribed(hc, hookSub)
	return qosGrantedReason(qos)
}

func qosGrantedReason(qos encoding.QoS) encoding.ReasonCode {
	switch qos {
	case encoding.QoS1:
		return encoding.ReasonGrantedQoS1
	case encoding.QoS2:
		return encoding.ReasonGrantedQoS2
	default:
		return encoding.ReasonGrantedQoS0
	}
}

// replayRetained delivers retained messages matching a freshly granted
// filter, honoring RetainHandling (0: always send, 1: send only for a
// brand-new subscription, 2: never send) — this broker treats "new
// subscription" as every SUBSCRIBE, since it does not currently track
// whether an identical filter already existed for this client.
func (e *Engine) replayRetained(ctx context.Context, c *client, sub topic.Subscription) {
	if !e.Config.RetainAvailable || sub.RetainHandling == 2 {
		return
	}
	msgs, err := e.Retained.Match(ctx, sub.TopicFilter, store.TopicMatcher(e.matcher))
	if err != nil {
		return
	}
	for _, msg := range msgs {
		deliverQoS := encoding.QoS(sub.QoS)
		if msg.QoS < deliverQoS {
			deliverQoS = msg.QoS
		}
		e.Messages.RefInc(msg)
		if err := e.writeDirectPublish(c, msg, deliverQoS); err != nil {
			e.Messages.RefDec(msg)
		}
	}
}

func (e *Engine) sendSuback(c *client, packetID uint16, results []encoding.ReasonCode) error {
	return c.writeLocked(func() error {
		if c.isV5() {
			p := &encoding.SubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK}, PacketID: packetID, ReasonCodes: results}
			return p.Encode(c.conn)
		}
		codes := make([]byte, len(results))
		for i, rc := range results {
			codes[i] = suback311Code(rc)
		}
		p := &encoding.SubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK}, PacketID: packetID, ReturnCodes: codes}
		return p.Encode(c.conn)
	})
}

func suback311Code(rc encoding.ReasonCode) byte {
	switch rc {
	case encoding.ReasonGrantedQoS0, encoding.ReasonGrantedQoS1, encoding.ReasonGrantedQoS2:
		return byte(rc)
	default:
		return 0x80
	}
}

// handleUnsubscribe removes each filter from the router and the
// durable session, replying UNSUBACK with per-filter reason codes (v5)
// or a bare acknowledgement (311, which has no room for per-filter
// status).
func (e *Engine) handleUnsubscribe(ctx context.Context, c *client, fh *encoding.FixedHeader) error {
	req, err := parseUnsubscribeBody(c.r, fh, c.isV5())
	if err != nil {
		return err
	}

	hc := c.hookClient()
	results := make([]encoding.ReasonCode, len(req.topicFilters))
	for i, filter := range req.topicFilters {
		if err := e.Hooks.OnUnsubscribe(hc, filter); err != nil {
			results[i] = ReasonCode50(err)
			continue
		}
		existed := e.Router.Unsubscribe(c.clientID, filter)
		if c.session != nil {
			c.session.RemoveSubscription(filter)
		}
		e.Hooks.OnUnsubscribed(hc, filter)
		if existed {
			results[i] = encoding.ReasonSuccess
		} else {
			results[i] = encoding.ReasonNoSubscriptionExisted
		}
	}

	return c.writeLocked(func() error {
		if c.isV5() {
			p := &encoding.UnsubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK}, PacketID: req.packetID, ReasonCodes: results}
			return p.Encode(c.conn)
		}
		p := &encoding.UnsubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK}, PacketID: req.packetID}
		return p.Encode(c.conn)
	})
}
