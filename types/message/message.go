package message

import (
	"sync"
	"time"

	"github.com/flowmq/broker/encoding"
)

// Message is an immutable payload shared by reference across every
// session queue entry and retained-message slot that points at it.
// Once stored, Topic/Payload/QoS/Retain/properties never change; only
// RefCount and DestIDs mutate, and only through the message store.
type Message struct {
	mu sync.Mutex

	DBID            uint64 // assigned by the store at insertion, monotone within the process
	Topic           string
	Payload         []byte
	QoS             encoding.QoS // the originating QoS; a recipient's delivery QoS is min(QoS, subscription QoS, receiver max_qos)
	Retain          bool
	SourceID        string // publisher client_id, for ACL rechecks on carried-over queues
	SourceUsername  string
	Properties      map[string]interface{}
	ExpiryTime      time.Time // zero value means "never expires"
	DUP             bool
	RefCount        int
	DestIDs         map[string]struct{} // client IDs already delivered to, when duplicate-delivery suppression is enabled

	CreatedAt     time.Time
	LastAttemptAt time.Time
	AttemptCount  int
}

// New creates a message with ref_count zero; the caller must Ref it
// once per holder (queue entry or retained slot) via the message store.
func New(topic string, payload []byte, qos encoding.QoS, retain bool, sourceID, sourceUsername string, properties map[string]interface{}) *Message {
	now := time.Now()
	return &Message{
		Topic:          topic,
		Payload:        payload,
		QoS:            qos,
		Retain:         retain,
		SourceID:       sourceID,
		SourceUsername: sourceUsername,
		Properties:     properties,
		CreatedAt:      now,
		LastAttemptAt:  now,
	}
}

// WithExpiry sets an absolute wall-clock expiry derived from a
// MQTT v5 MessageExpiryInterval property observed at publish time.
func (m *Message) WithExpiry(interval uint32) *Message {
	if interval > 0 {
		m.ExpiryTime = m.CreatedAt.Add(time.Duration(interval) * time.Second)
	}
	return m
}

// IsExpired reports whether the message's absolute expiry has passed.
func (m *Message) IsExpired(now time.Time) bool {
	if m.ExpiryTime.IsZero() {
		return false
	}
	return !now.Before(m.ExpiryTime)
}

// RemainingExpiry returns the seconds left before expiry, 0 if expired
// or if the message never expires.
func (m *Message) RemainingExpiry(now time.Time) uint32 {
	if m.ExpiryTime.IsZero() {
		return 0
	}
	remaining := m.ExpiryTime.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return uint32(remaining.Seconds())
}

// MarkAttempt records a (re)delivery attempt; every attempt after the
// first sets DUP, matching the outbound QoS>0 state machine's dup flag.
func (m *Message) MarkAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AttemptCount++
	m.LastAttemptAt = time.Now()
	if m.AttemptCount > 1 {
		m.DUP = true
	}
}

// MarkDelivered records a client ID in DestIDs, used to suppress a
// second delivery of the same message across overlapping subscriptions
// when duplicate-delivery suppression is configured. Returns false if
// the client already received this message.
func (m *Message) MarkDelivered(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DestIDs == nil {
		m.DestIDs = make(map[string]struct{})
	}
	if _, seen := m.DestIDs[clientID]; seen {
		return false
	}
	m.DestIDs[clientID] = struct{}{}
	return true
}

// IncRef increments the reference count, recording one more holder
// (a queue entry or a retained-message slot). Only the message store
// calls this.
func (m *Message) IncRef() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RefCount++
	return m.RefCount
}

// DecRef decrements the reference count (never below zero) and returns
// the new count; zero means the message has no remaining holders and
// the store should drop it. Only the message store calls this.
func (m *Message) DecRef() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefCount > 0 {
		m.RefCount--
	}
	return m.RefCount
}

// Ref returns the current reference count.
func (m *Message) Ref() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RefCount
}
