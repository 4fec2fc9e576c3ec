package store

import (
	"sync"
	"sync/atomic"

	"github.com/flowmq/broker/types/message"
)

// MessageStore is the process-wide, reference-counted table of
// immutable message payloads shared across every session queue entry
// and retained-message slot that points at one. The store is the only
// owner of payload bytes; holders keep non-owning references and must
// call RefDec when they drop one.
type MessageStore struct {
	mu      sync.Mutex
	byID    map[uint64]*message.Message
	nextID  atomic.Uint64
	stored  int64 // cumulative Store() calls, for metrics
	dropped int64 // messages freed by ref_count reaching zero
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID: make(map[uint64]*message.Message),
	}
}

// Store assigns a monotone db_id and inserts msg with ref_count left at
// whatever the caller has already set (normally zero); the caller is
// responsible for a matching RefInc per holder immediately after.
func (s *MessageStore) Store(msg *message.Message) uint64 {
	id := s.nextID.Add(1)
	msg.DBID = id

	s.mu.Lock()
	s.byID[id] = msg
	s.stored++
	s.mu.Unlock()

	return id
}

// RefInc increments msg's reference count, recording one more holder.
func (s *MessageStore) RefInc(msg *message.Message) {
	msg.IncRef()
}

// RefDec decrements msg's reference count. When it reaches zero the
// message becomes unreachable and is removed from the store.
func (s *MessageStore) RefDec(msg *message.Message) {
	remaining := msg.DecRef()
	if remaining == 0 {
		s.mu.Lock()
		delete(s.byID, msg.DBID)
		s.dropped++
		s.mu.Unlock()
	}
}

// Get returns the message for a db_id, if it is still reachable.
func (s *MessageStore) Get(dbID uint64) (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[dbID]
	return msg, ok
}

// Compact sweeps for entries whose ref_count has reached zero without
// having been removed by RefDec — defensive, since every code path that
// decrements should already remove on zero.
func (s *MessageStore) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, msg := range s.byID {
		if msg.Ref() <= 0 {
			delete(s.byID, id)
			removed++
		}
	}
	s.dropped += int64(removed)
	return removed
}

// Len returns the number of currently reachable messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Stats returns cumulative store/drop counts for metrics reporting.
func (s *MessageStore) Stats() (stored, dropped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, s.dropped
}
