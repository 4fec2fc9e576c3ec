package session

import "time"

// Takeover reconciles an existing session record with a new CONNECT on
// a fresh network connection for the same client_id. On clean start the
// old record's subscriptions and message state are discarded; otherwise
// they carry over and every outbound flight is rewound to what must be
// retransmitted on the new connection. maxInflightMessages is the
// caller-reconciled cap for this connection (the broker's configured
// max_inflight_messages narrowed by the client's receive_maximum, if
// tighter) and always overwrites MsgsOut.InflightMaximum, since a
// reconnect may negotiate a different cap than the session's previous
// connection did. The caller is responsible for rewiring the topic
// trie's subscriber back-pointers from the old connection to the new
// one and for re-running ACL checks on any carried-over queue, both of
// which need the router and hook managers this package does not import.
func Takeover(existing *Session, cleanStart bool, expiryInterval uint32, maxInflightMessages int) (carriedSubscriptions map[string]*Subscription, resentFlights []*OutboundEntry) {
	existing.mu.Lock()
	defer existing.mu.Unlock()

	if cleanStart {
		existing.Subscriptions = make(map[string]*Subscription)
		existing.MsgsOut.Clear()
		existing.MsgsIn.Clear()
		existing.LastMID = 0
		existing.CleanStart = true
		existing.ExpiryInterval = expiryInterval
		existing.State = StateActive
		existing.LastAccessedAt = time.Now()
		existing.MsgsOut.InflightMaximum = maxInflightMessages
		return nil, nil
	}

	existing.CleanStart = false
	if expiryInterval > 0 {
		existing.ExpiryInterval = expiryInterval
	}
	existing.MsgsOut.InflightMaximum = maxInflightMessages
	existing.State = StateActive
	existing.LastAccessedAt = time.Now()

	carried := make(map[string]*Subscription, len(existing.Subscriptions))
	for filter, sub := range existing.Subscriptions {
		carried[filter] = sub
	}

	resent := existing.MsgsOut.ResetForReconnect()

	return carried, resent
}
