package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

var (
	sessionPrefix = []byte("session:")
)

// PebbleStore is a Pebble-based implementation of the Store interface
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// sessionData is the serializable representation of a session.
type sessionData struct {
	ClientID        string                   `cbor:"client_id"`
	Username        string                   `cbor:"username"`
	CleanStart      bool                     `cbor:"clean_start"`
	State           State                    `cbor:"state"`
	ExpiryInterval  uint32                   `cbor:"expiry_interval"`
	CreatedAt       time.Time                `cbor:"created_at"`
	LastAccessedAt  time.Time                `cbor:"last_accessed_at"`
	DisconnectedAt  time.Time                `cbor:"disconnected_at"`
	WillMessage     *WillMessage             `cbor:"will_message,omitempty"`
	Subscriptions   map[string]*Subscription `cbor:"subscriptions"`
	MsgsOut         MessageDataSnapshot      `cbor:"msgs_out"`
	MsgsIn          MessageDataSnapshot      `cbor:"msgs_in"`
	LastMID         uint16                   `cbor:"last_mid"`
	MaxPacketSize   uint32                   `cbor:"max_packet_size"`
	ReceiveMaximum  uint16                   `cbor:"receive_maximum"`
	ProtocolVersion byte                     `cbor:"protocol_version"`
}

// NewPebbleStore creates a new Pebble-based session store
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{
			ErrorIfExists: false,
		}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	return &PebbleStore{
		db: db,
	}, nil
}

// sessionToData converts a Session to sessionData for serialization.
func sessionToData(s *Session) *sessionData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &sessionData{
		ClientID:        s.ClientID,
		Username:        s.Username,
		CleanStart:      s.CleanStart,
		State:           s.State,
		ExpiryInterval:  s.ExpiryInterval,
		CreatedAt:       s.CreatedAt,
		LastAccessedAt:  s.LastAccessedAt,
		DisconnectedAt:  s.DisconnectedAt,
		WillMessage:     s.WillMessage,
		Subscriptions:   s.Subscriptions,
		MsgsOut:         s.MsgsOut.Snapshot(),
		MsgsIn:          s.MsgsIn.Snapshot(),
		LastMID:         s.LastMID,
		MaxPacketSize:   s.MaxPacketSize,
		ReceiveMaximum:  s.ReceiveMaximum,
		ProtocolVersion: s.ProtocolVersion,
	}
}

// dataToSession converts sessionData to a Session.
func dataToSession(data *sessionData) *Session {
	s := &Session{
		ClientID:        data.ClientID,
		Username:        data.Username,
		CleanStart:      data.CleanStart,
		State:           data.State,
		ExpiryInterval:  data.ExpiryInterval,
		CreatedAt:       data.CreatedAt,
		LastAccessedAt:  data.LastAccessedAt,
		DisconnectedAt:  data.DisconnectedAt,
		WillMessage:     data.WillMessage,
		Subscriptions:   data.Subscriptions,
		MsgsOut:         RestoreMessageData(data.MsgsOut),
		MsgsIn:          RestoreMessageData(data.MsgsIn),
		LastMID:         data.LastMID,
		MaxPacketSize:   data.MaxPacketSize,
		ReceiveMaximum:  data.ReceiveMaximum,
		ProtocolVersion: data.ProtocolVersion,
	}

	if s.Subscriptions == nil {
		s.Subscriptions = make(map[string]*Subscription)
	}

	return s
}

// makeKey creates a key for a client ID
func makeKey(clientID string) []byte {
	key := make([]byte, len(sessionPrefix)+len(clientID))
	copy(key, sessionPrefix)
	copy(key[len(sessionPrefix):], clientID)
	return key
}

// Save stores or updates a session
func (p *PebbleStore) Save(ctx context.Context, session *Session) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	data := sessionToData(session)
	value, err := cbor.Marshal(data)
	if err != nil {
		return err
	}

	key := makeKey(session.GetClientID())
	return p.db.Set(key, value, pebble.Sync)
}

// Load retrieves a session by client ID
func (p *PebbleStore) Load(ctx context.Context, clientID string) (*Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var data sessionData
	if err := cbor.Unmarshal(value, &data); err != nil {
		return nil, err
	}

	return dataToSession(&data), nil
}

// Delete removes a session
func (p *PebbleStore) Delete(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	return p.db.Delete(key, pebble.Sync)
}

// Exists checks if a session exists
func (p *PebbleStore) Exists(ctx context.Context, clientID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false, ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	_, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// List returns all session client IDs
func (p *PebbleStore) List(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	var clientIDs []string

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		clientID := string(key[len(sessionPrefix):])
		clientIDs = append(clientIDs, clientID)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return clientIDs, nil
}

// Close closes the store
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStoreClosed
	}

	p.closed = true
	return p.db.Close()
}

// Count returns the total number of sessions
func (p *PebbleStore) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	p.mu.RUnlock()

	var count int64

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	return count, nil
}

// CountByState returns the number of sessions in a given state
func (p *PebbleStore) CountByState(ctx context.Context, state State) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	p.mu.RUnlock()

	var count int64

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var data sessionData
		if err := cbor.Unmarshal(iter.Value(), &data); err != nil {
			continue
		}
		if data.State == state {
			count++
		}
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	return count, nil
}
