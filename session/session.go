package session

import (
	"sync"
	"time"

	"github.com/flowmq/broker/encoding"
)

// State represents the session state.
type State byte

const (
	StateNew           State = iota // session record created, CONNECT handshake not yet finished
	StateAuthenticating             // CONNECT handshake paused on an enhanced-auth challenge/response exchange
	StateActive                     // session is active with a connected client
	StateDisconnected               // session is disconnected but not expired (persistent session)
	StateDuplicate                  // a second CONNECT for this client_id arrived; this record is mid takeover
	StateExpired                    // session has expired and is scheduled for removal
)

// WillMessage represents the MQTT will message.
type WillMessage struct {
	Topic      string
	Payload    []byte
	QoS        encoding.QoS
	Retain     bool
	Properties map[string]interface{}
	DelayInterval uint32
}

// Subscription represents a topic subscription.
type Subscription struct {
	TopicFilter            string
	QoS                    encoding.QoS
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SubscribedAt           time.Time
}

// Session represents an MQTT session: the broker-side record that
// survives a single TCP connection when CleanStart is false, carrying
// subscriptions and in-flight/queued message state across reconnects.
type Session struct {
	mu sync.RWMutex

	ClientID       string
	Username       string
	CleanStart     bool
	State          State
	ExpiryInterval uint32 // seconds; 0 with CleanStart=false means "never expires"
	CreatedAt      time.Time
	LastAccessedAt time.Time
	DisconnectedAt time.Time

	WillMessage *WillMessage

	Subscriptions map[string]*Subscription // topic filter -> subscription

	// MsgsOut holds this session's outbound QoS 1/2 flights (messages
	// published to subscriptions this client holds) and its queued
	// backlog. MsgsIn holds inbound QoS 2 exchanges (messages this
	// client published that await PUBREL). Both survive takeover.
	MsgsOut *MessageData
	MsgsIn  *MessageData

	// LastMID is the most recently issued packet identifier, carried
	// across a takeover so a reconnecting client doesn't see IDs reused
	// out from under an in-flight exchange it still remembers.
	LastMID uint16

	MaxPacketSize   uint32
	ReceiveMaximum  uint16
	ProtocolVersion byte
}

// New creates a new session. maxInflightMessages seeds MsgsOut's
// concurrent-flight cap (the broker's configured max_inflight_messages,
// already reconciled against whatever receive_maximum the connecting
// client declared); it has no bearing on ReceiveMaximum, which records
// the client's declared value verbatim for takeover bookkeeping.
func New(clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte, maxInflightMessages int) *Session {
	now := time.Now()
	return &Session{
		ClientID:        clientID,
		CleanStart:      cleanStart,
		State:           StateNew,
		ExpiryInterval:  expiryInterval,
		CreatedAt:       now,
		LastAccessedAt:  now,
		Subscriptions:   make(map[string]*Subscription),
		MsgsOut:         NewMessageData(maxInflightMessages),
		MsgsIn:          NewMessageData(0),
		LastMID:         0,
		ReceiveMaximum:  65535,
		ProtocolVersion: protocolVersion,
	}
}

// SetActive marks the session as active.
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastAccessedAt = time.Now()
}

// SetDisconnected marks the session as disconnected.
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()
}

// SetExpired marks the session as expired.
func (s *Session) SetExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateExpired
}

// IsExpired checks if the session has expired.
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ExpiryInterval == 0 && !s.CleanStart {
		return false // persistent session with no expiry
	}

	if s.State == StateDisconnected && s.ExpiryInterval > 0 {
		return time.Since(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
	}

	return s.State == StateExpired
}

// Touch updates the last accessed time.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastAccessedAt = time.Now()
}

// SetWillMessage sets the will message for the session.
func (s *Session) SetWillMessage(will *WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = will
}

// ClearWillMessage clears the will message, done once it has been
// published or the client disconnected with reason code normal.
func (s *Session) ClearWillMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = nil
}

// GetWillMessage returns the will message if present.
func (s *Session) GetWillMessage() *WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WillMessage
}

// ShouldPublishWill checks if the will message's delay has elapsed.
func (s *Session) ShouldPublishWill() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.WillMessage == nil {
		return false
	}
	if s.WillMessage.DelayInterval == 0 {
		return true
	}
	return time.Since(s.DisconnectedAt) >= time.Duration(s.WillMessage.DelayInterval)*time.Second
}

// AddSubscription adds a subscription to the session.
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription removes a subscription from the session.
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, topicFilter)
}

// GetSubscription returns a subscription by topic filter.
func (s *Session) GetSubscription(topicFilter string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.Subscriptions[topicFilter]
	return sub, ok
}

// GetAllSubscriptions returns all subscriptions.
func (s *Session) GetAllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make(map[string]*Subscription, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		subs[k] = v
	}
	return subs
}

// ClearSubscriptions removes all subscriptions.
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
}

// NextPacketID generates the next packet ID not already held by an
// outbound flight, wrapping past zero per the wire format (0 is never
// a valid packet identifier).
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.LastMID++
		if s.LastMID == 0 {
			s.LastMID = 1
		}
		if _, inUse := s.MsgsOut.FindOutbound(s.LastMID); !inUse {
			return s.LastMID
		}
	}
}

// Clear drops all session data, done on a clean-start takeover.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
	s.MsgsOut.Clear()
	s.MsgsIn.Clear()
	s.WillMessage = nil
	s.LastMID = 0
}

// GetState returns the current state.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// GetClientID returns the client ID.
func (s *Session) GetClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClientID
}

// GetCleanStart returns the clean start flag.
func (s *Session) GetCleanStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CleanStart
}

// GetExpiryInterval returns the expiry interval.
func (s *Session) GetExpiryInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExpiryInterval
}

// UpdateExpiryInterval updates the session expiry interval, sent by the
// client in a DISCONNECT with a new value. The value is stored as given;
// neither this method nor the broker's DISCONNECT path checks it against
// the interval the session had before.
func (s *Session) UpdateExpiryInterval(interval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiryInterval = interval
}
