package broker

import (
	"context"

	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/topic"
	"github.com/flowmq/broker/types/message"
)

// PublishWill satisfies session.WillPublisher: the session manager calls
// this once a disconnected client's will delay has elapsed (or
// immediately, for an abnormal disconnect with no delay), routing the
// will message through the same retained-store and subscriber fan-out
// path a live PUBLISH uses.
func (e *Engine) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	msg := message.New(will.Topic, will.Payload, will.QoS, will.Retain, clientID, "", will.Properties)

	if will.Retain && e.Config.RetainAvailable {
		if len(msg.Payload) == 0 {
			_ = e.Retained.Delete(ctx, will.Topic)
		} else {
			_ = e.Retained.Set(ctx, will.Topic, msg)
		}
	}

	subscribers := e.Router.MatchWithPublisher(will.Topic, clientID)
	if !e.Config.AllowDuplicateMessages {
		subscribers = topic.DeduplicateSubscribers(subscribers)
	}
	if len(subscribers) == 0 {
		return nil
	}

	e.Messages.Store(msg)
	for range subscribers {
		e.Messages.RefInc(msg)
	}
	for _, sub := range subscribers {
		e.deliverToSubscriber(sub, msg)
	}
	return nil
}
