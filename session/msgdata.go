package session

import (
	"sync"
	"time"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/types/message"
)

// OutboundEntry is one message in an outbound MessageData block: a
// publish this session's client has not yet fully acknowledged.
type OutboundEntry struct {
	Message  *message.Message
	PacketID uint16
	QoS      encoding.QoS
	State    OutboundState
	Dup      bool
	Sent     bool // true once the scheduler has written this flight to the wire
}

// InboundEntry is one message in an inbound MessageData block: a QoS 2
// publish this session's client sent that has not yet been released
// with PUBREL.
type InboundEntry struct {
	Message  *message.Message
	PacketID uint16
	State    InboundState
}

// MessageData holds the inflight and queued lists for one direction of
// a session's message flow. Outbound blocks gate admission on
// InflightMaximum (the client's receive_maximum) and InflightMaxBytes;
// queued entries wait there until a flight finishes and frees a slot.
// Byte/count totals are tracked both overall and QoS>0-only, so quota
// checks and persisted session size accounting don't need to walk the
// lists.
type MessageData struct {
	mu sync.Mutex

	InflightMaximum  int   // 0 = unlimited
	InflightMaxBytes int64 // 0 = unlimited; QoS 1/2 in-flight bytes only
	MaxQueuedCount   int   // 0 = unlimited
	MaxQueuedBytes   int64 // 0 = unlimited

	inflightOut []*OutboundEntry
	queuedOut   []*OutboundEntry
	inflightIn  []*InboundEntry

	msgCount   int   // queued + inflight, all QoS
	msgBytes   int64 // queued + inflight, all QoS
	msgCount12 int   // queued + inflight, QoS 1/2 only
	msgBytes12 int64 // queued + inflight, QoS 1/2 only

	dropping bool // set once an admission check has rejected a message, cleared when the queue drains
}

// NewMessageData creates an empty block. inflightMaximum bounds
// concurrent outbound flights (0 = unlimited); it has no meaning for an
// inbound block, which tracks QoS 2 exchanges rather than deliveries.
func NewMessageData(inflightMaximum int) *MessageData {
	return &MessageData{InflightMaximum: inflightMaximum}
}

func payloadSize(msg *message.Message) int64 {
	return int64(len(msg.Payload))
}

// ReadyForFlight reports whether an outbound block may admit a message
// of the given QoS straight into the in-flight list right now. QoS 0
// bypasses the window entirely when queueing is disabled; otherwise
// every QoS is subject to the same combined byte/count budget an
// offline session sees with zero in-flight allowance.
func (m *MessageData) ReadyForFlight(qos encoding.QoS, online bool, queueQoS0 bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyForFlightLocked(qos, online, queueQoS0)
}

func (m *MessageData) readyForFlightLocked(qos encoding.QoS, online bool, queueQoS0 bool) bool {
	if qos == encoding.QoS0 {
		if !queueQoS0 {
			return true
		}
		return m.withinOverallQuotaLocked(online)
	}
	if !online {
		return false
	}
	if m.InflightMaxBytes > 0 && m.msgBytes12 >= m.InflightMaxBytes {
		return false
	}
	return m.InflightMaximum <= 0 || len(m.inflightOut) < m.InflightMaximum
}

// withinOverallQuotaLocked reports whether the block has room for one
// more message under the combined queued+in-flight byte/count budget,
// netting out the in-flight allowance an online session gets against
// that budget. An offline session's allowance is zero: everything it
// holds counts against max_queued_bytes/max_queued_messages directly.
func (m *MessageData) withinOverallQuotaLocked(online bool) bool {
	var byteAllowance int64
	var countAllowance int
	if online {
		byteAllowance = m.InflightMaxBytes
		countAllowance = m.InflightMaximum
	}
	if m.MaxQueuedBytes > 0 && m.msgBytes-byteAllowance >= m.MaxQueuedBytes {
		return false
	}
	if m.MaxQueuedCount > 0 && m.msgCount-countAllowance >= m.MaxQueuedCount {
		return false
	}
	return true
}

// ReadyForQueue reports whether the block has room to accept one more
// message onto its queued list. QoS 0 is only ever queued for an
// offline session with queueing enabled (an online client with no
// in-flight slot just drops it); QoS 1/2 shares the same overall quota
// ReadyForFlight nets against.
func (m *MessageData) ReadyForQueue(qos encoding.QoS, online bool, queueQoS0 bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyForQueueLocked(qos, online, queueQoS0)
}

func (m *MessageData) readyForQueueLocked(qos encoding.QoS, online bool, queueQoS0 bool) bool {
	if qos == encoding.QoS0 {
		return !online && queueQoS0
	}
	return m.withinOverallQuotaLocked(online)
}

func (m *MessageData) accountAdd(qos encoding.QoS, size int64) {
	m.msgCount++
	m.msgBytes += size
	if qos > encoding.QoS0 {
		m.msgCount12++
		m.msgBytes12 += size
	}
}

func (m *MessageData) accountRemove(qos encoding.QoS, size int64) {
	m.msgCount--
	m.msgBytes -= size
	if qos > encoding.QoS0 {
		m.msgCount12--
		m.msgBytes12 -= size
	}
}

// EnqueueOutbound admits a new outbound publish. Dequeue-first: it goes
// straight to the inflight list when a slot is free and nothing is
// already queued ahead of it, otherwise onto the queued list. online
// reports whether the session currently has a live connection (an
// offline session gets zero in-flight allowance, spec §4.4); queueQoS0
// is Config.QueueQoS0Messages.
//
// Returns accepted=false if the message was rejected by quota, in
// which case the caller drops it. startedDropping is true only on the
// call that flips dropping from false to true — the caller logs and
// fires its drop hook on that transition alone, per spec's "one log
// event per transition, subsequent drops are silent."
func (m *MessageData) EnqueueOutbound(entry *OutboundEntry, online bool, queueQoS0 bool) (accepted bool, startedDropping bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := payloadSize(entry.Message)

	if m.readyForFlightLocked(entry.QoS, online, queueQoS0) && len(m.queuedOut) == 0 {
		m.inflightOut = append(m.inflightOut, entry)
		m.accountAdd(entry.QoS, size)
		return true, false
	}

	if !m.readyForQueueLocked(entry.QoS, online, queueQoS0) {
		wasDropping := m.dropping
		m.dropping = true
		return false, !wasDropping
	}

	m.queuedOut = append(m.queuedOut, entry)
	m.accountAdd(entry.QoS, size)
	return true, false
}

// PromoteQueued moves queued entries into the inflight list while slots
// remain free, preserving order (oldest queued first). online reports
// whether the session currently has a live connection; an offline
// session never promotes (its in-flight allowance is zero). Returns the
// entries newly in flight, for the caller to write out.
func (m *MessageData) PromoteQueued(online bool) []*OutboundEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var promoted []*OutboundEntry
	for len(m.queuedOut) > 0 {
		head := m.queuedOut[0]
		if !m.readyForFlightLocked(head.QoS, online, true) {
			break
		}
		m.queuedOut = m.queuedOut[1:]
		m.inflightOut = append(m.inflightOut, head)
		promoted = append(promoted, head)
	}
	if len(m.queuedOut) == 0 {
		m.dropping = false
	}
	return promoted
}

// ExpireOutbound drops every queued or in-flight outbound entry whose
// message has passed its absolute expiry as of now, freeing the slot
// and quota each held. Called once per scheduler tick (spec §4.7); the
// caller is responsible for releasing each returned entry's message
// reference and reporting the drop.
func (m *MessageData) ExpireOutbound(now time.Time) []*OutboundEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*OutboundEntry

	live := m.queuedOut[:0]
	for _, entry := range m.queuedOut {
		if entry.Message.IsExpired(now) {
			m.accountRemove(entry.QoS, payloadSize(entry.Message))
			expired = append(expired, entry)
			continue
		}
		live = append(live, entry)
	}
	m.queuedOut = live

	liveIn := m.inflightOut[:0]
	for _, entry := range m.inflightOut {
		if entry.Message.IsExpired(now) {
			m.accountRemove(entry.QoS, payloadSize(entry.Message))
			expired = append(expired, entry)
			continue
		}
		liveIn = append(liveIn, entry)
	}
	m.inflightOut = liveIn

	if len(m.queuedOut) == 0 {
		m.dropping = false
	}
	return expired
}

// CompleteOutbound removes an outbound flight by packet ID once its QoS
// exchange finishes (PUBACK for QoS 1, PUBCOMP for QoS 2).
func (m *MessageData) CompleteOutbound(packetID uint16) (*OutboundEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.inflightOut {
		if entry.PacketID == packetID {
			m.inflightOut = append(m.inflightOut[:i], m.inflightOut[i+1:]...)
			m.accountRemove(entry.QoS, payloadSize(entry.Message))
			return entry, true
		}
	}
	return nil, false
}

// CompleteOutboundEntry removes a specific outbound entry by identity
// rather than packet ID, for QoS 0 flights: they carry no packet ID (all
// share 0), so CompleteOutbound's lookup can't disambiguate between two
// QoS 0 entries in flight at once.
func (m *MessageData) CompleteOutboundEntry(target *OutboundEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.inflightOut {
		if entry == target {
			m.inflightOut = append(m.inflightOut[:i], m.inflightOut[i+1:]...)
			m.accountRemove(entry.QoS, payloadSize(entry.Message))
			return
		}
	}
}

// FindOutbound looks up an inflight outbound entry by packet ID, for
// PUBREC/PUBCOMP transitions that mutate state without removing it.
func (m *MessageData) FindOutbound(packetID uint16) (*OutboundEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.inflightOut {
		if entry.PacketID == packetID {
			return entry, true
		}
	}
	return nil, false
}

// InflightOutbound returns a snapshot of all outbound entries currently
// in flight, oldest first.
func (m *MessageData) InflightOutbound() []*OutboundEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*OutboundEntry, len(m.inflightOut))
	copy(out, m.inflightOut)
	return out
}

// PendingOutbound returns inflight entries not yet written to the wire
// and marks them sent, so the scheduler's tick writes each newly
// flighted entry exactly once; already-sent entries are left alone
// until a PUBREC/reconnect explicitly puts them back in play.
func (m *MessageData) PendingOutbound() []*OutboundEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*OutboundEntry
	for _, entry := range m.inflightOut {
		if !entry.Sent {
			entry.Sent = true
			pending = append(pending, entry)
		}
	}
	return pending
}

// QueuedOutbound returns a snapshot of the queued (not yet in flight)
// outbound entries, oldest first.
func (m *MessageData) QueuedOutbound() []*OutboundEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*OutboundEntry, len(m.queuedOut))
	copy(out, m.queuedOut)
	return out
}

// AddInbound records a QoS 2 publish a client sent, now waiting on this
// session's PUBREL from the client before the broker may route it.
func (m *MessageData) AddInbound(entry *InboundEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflightIn = append(m.inflightIn, entry)
	m.accountAdd(encoding.QoS2, payloadSize(entry.Message))
}

// ReleaseInbound removes an inbound QoS 2 entry on receipt of PUBREL,
// returning the message to route downstream.
func (m *MessageData) ReleaseInbound(packetID uint16) (*InboundEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.inflightIn {
		if entry.PacketID == packetID {
			m.inflightIn = append(m.inflightIn[:i], m.inflightIn[i+1:]...)
			m.accountRemove(encoding.QoS2, payloadSize(entry.Message))
			return entry, true
		}
	}
	return nil, false
}

// HasInbound reports whether a PacketID is already waiting for PUBREL,
// the signal a repeated PUBLISH with the same ID is a retransmit rather
// than a new message.
func (m *MessageData) HasInbound(packetID uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.inflightIn {
		if entry.PacketID == packetID {
			return true
		}
	}
	return false
}

// Counts returns the overall and QoS>0-only message/byte totals
// currently held by this block (inflight + queued).
func (m *MessageData) Counts() (msgCount int, msgBytes int64, msgCount12 int, msgBytes12 int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.msgCount, m.msgBytes, m.msgCount12, m.msgBytes12
}

// Dropping reports whether this block is currently refusing new queued
// messages because its quota is exhausted.
func (m *MessageData) Dropping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropping
}

// Len returns the number of entries across inflight and queued lists
// combined (outbound), or inflight alone (inbound blocks never queue).
func (m *MessageData) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflightOut) + len(m.queuedOut) + len(m.inflightIn)
}

// Clear drops all entries and resets accounting, used on clean-start
// session takeover.
func (m *MessageData) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflightOut = nil
	m.queuedOut = nil
	m.inflightIn = nil
	m.msgCount, m.msgBytes, m.msgCount12, m.msgBytes12 = 0, 0, 0, 0
	m.dropping = false
}

// MessageDataSnapshot is the serializable shape of a MessageData block,
// used by persistence backends to save/restore a session's in-flight
// and queued message state across a broker restart.
type MessageDataSnapshot struct {
	InflightMaximum  int              `cbor:"inflight_maximum"`
	InflightMaxBytes int64            `cbor:"inflight_max_bytes"`
	MaxQueuedCount   int              `cbor:"max_queued_count"`
	MaxQueuedBytes   int64            `cbor:"max_queued_bytes"`
	InflightOut      []*OutboundEntry `cbor:"inflight_out,omitempty"`
	QueuedOut        []*OutboundEntry `cbor:"queued_out,omitempty"`
	InflightIn       []*InboundEntry  `cbor:"inflight_in,omitempty"`
}

// Snapshot captures the block's current contents for serialization.
func (m *MessageData) Snapshot() MessageDataSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MessageDataSnapshot{
		InflightMaximum:  m.InflightMaximum,
		InflightMaxBytes: m.InflightMaxBytes,
		MaxQueuedCount:   m.MaxQueuedCount,
		MaxQueuedBytes:   m.MaxQueuedBytes,
		InflightOut:      append([]*OutboundEntry(nil), m.inflightOut...),
		QueuedOut:        append([]*OutboundEntry(nil), m.queuedOut...),
		InflightIn:       append([]*InboundEntry(nil), m.inflightIn...),
	}
}

// RestoreMessageData rebuilds a MessageData block from a snapshot,
// recomputing byte/count accounting from the restored entries.
func RestoreMessageData(snap MessageDataSnapshot) *MessageData {
	m := &MessageData{
		InflightMaximum:  snap.InflightMaximum,
		InflightMaxBytes: snap.InflightMaxBytes,
		MaxQueuedCount:   snap.MaxQueuedCount,
		MaxQueuedBytes:   snap.MaxQueuedBytes,
		inflightOut:      snap.InflightOut,
		queuedOut:        snap.QueuedOut,
		inflightIn:       snap.InflightIn,
	}
	for _, e := range m.inflightOut {
		m.accountAdd(e.QoS, payloadSize(e.Message))
	}
	for _, e := range m.queuedOut {
		m.accountAdd(e.QoS, payloadSize(e.Message))
	}
	for _, e := range m.inflightIn {
		m.accountAdd(encoding.QoS2, payloadSize(e.Message))
	}
	return m
}

// ResetForReconnect rewinds every outbound flight's QoS state to what
// it must be retransmitted as on a fresh connection: a QoS 2 exchange
// waiting on PUBCOMP is re-sent as PUBREL (the client may have lost the
// original), and every entry is marked DUP. QoS 1 flights awaiting
// PUBACK are simply re-published with DUP set.
func (m *MessageData) ResetForReconnect() []*OutboundEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.inflightOut {
		entry.Dup = true
		entry.Sent = false
		if entry.State == OutboundWaitForPubcomp {
			entry.State = OutboundResendPubrel
		}
	}

	out := make([]*OutboundEntry, len(m.inflightOut))
	copy(out, m.inflightOut)
	return out
}
