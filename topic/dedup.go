package topic

import (
	"hash/fnv"
	"sync"
)

// destSet is a hashed set of destination client IDs that have already
// received a given message during one fan-out sweep. A client subscribed
// through two overlapping filters (e.g. "a/+" and "a/#", or a plain
// subscription plus membership in a shared group that also matches)
// would otherwise be handed the same publish twice; destSet lets the
// router collapse that down to a single delivery at the highest
// matching QoS.
type destSet struct {
	mu   sync.Mutex
	seen map[uint64]byte // hash(clientID) -> highest QoS seen so far
}

func newDestSet() *destSet {
	return &destSet{seen: make(map[uint64]byte)}
}

func hashClientID(clientID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(clientID))
	return h.Sum64()
}

// admit records a delivery candidate for clientID at the given QoS. It
// returns true the first time a clientID is seen (the caller should
// deliver); on repeat sightings it folds in the higher of the two QoS
// levels and returns false (the caller should skip the duplicate but may
// need to bump the already-queued entry's QoS).
func (d *destSet) admit(clientID string, qos byte) (first bool, maxQoS byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := hashClientID(clientID)
	existing, ok := d.seen[key]
	if !ok {
		d.seen[key] = qos
		return true, qos
	}

	if qos > existing {
		d.seen[key] = qos
	}
	return false, d.seen[key]
}

func (d *destSet) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// DeduplicateSubscribers collapses subscribers matching more than once
// onto a single entry per ClientID, keeping the highest QoS among the
// duplicates. Order of first appearance is preserved.
func DeduplicateSubscribers(subs []SubscriberInfo) []SubscriberInfo {
	if len(subs) < 2 {
		return subs
	}

	set := newDestSet()
	result := make([]SubscriberInfo, 0, len(subs))
	index := make(map[uint64]int, len(subs))

	for _, sub := range subs {
		first, maxQoS := set.admit(sub.ClientID, sub.QoS)
		if first {
			index[hashClientID(sub.ClientID)] = len(result)
			result = append(result, sub)
			continue
		}

		pos := index[hashClientID(sub.ClientID)]
		if maxQoS > result[pos].QoS {
			result[pos].QoS = maxQoS
		}
	}

	return result
}
