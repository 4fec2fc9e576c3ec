package broker

import (
	"bufio"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/hook"
	"github.com/flowmq/broker/network"
	"github.com/flowmq/broker/pkg/logger"
	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/store"
	"github.com/flowmq/broker/topic"
)

// Engine is the session-and-delivery engine: it owns every collaborator
// a connection's lifecycle touches (session table, subscription trie,
// retained store, message store, hook dispatch) and is the single type
// registered with a network.Listener via OnConnection. One Engine
// serves every listener a deployment opens; sessions are addressed by
// client_id regardless of which listener accepted the TCP connection.
type Engine struct {
	Config Config

	Sessions  *session.Manager
	Router    *topic.Router
	Retained  *topic.RetainedManager
	Messages  *store.MessageStore
	Hooks     *hook.Manager
	matcher   *topic.TopicMatcher

	log *logger.SlogLogger

	mu      sync.RWMutex
	clients map[string]*client // clientID -> live connection, active sessions only

	schedulerStop chan struct{}
	schedulerWG   sync.WaitGroup

	droppedMessages atomic.Uint64
}

// recordDrop increments the dropped-message counter metrics.Collector
// reports; called alongside every Hooks.OnQosDropped so the count
// reflects drops regardless of which hook implementation is installed.
func (e *Engine) recordDrop() {
	e.droppedMessages.Add(1)
}

// NewEngine wires the session manager, topic router, retained store,
// message store and hook manager together, and starts the tick-driven delivery scheduler (spec
// §4.7). Callers register HandleConnection with one or more
// network.Listener instances.
func NewEngine(cfg Config, hooks *hook.Manager, log *logger.SlogLogger) *Engine {
	if log == nil {
		log = logger.NewSlogLogger(slog.LevelInfo, nil)
	}
	if hooks == nil {
		hooks = hook.NewManager()
	}

	e := &Engine{
		Config:        cfg,
		Router:        topic.NewRouter(),
		Messages:      store.NewMessageStore(),
		Hooks:         hooks,
		matcher:       topic.NewTopicMatcher(),
		log:           log,
		clients:       make(map[string]*client),
		schedulerStop: make(chan struct{}),
	}

	e.Retained = topic.NewRetainedManager(&topic.RetainedConfig{
		Messages: e.Messages,
	})
	e.Sessions = session.NewManager(session.ManagerConfig{
		Store:            session.NewMemoryStore(),
		WillPublisher:    e,
		AssignedIDPrefix: cfg.AutoIDPrefix,
	})

	e.schedulerWG.Add(1)
	go e.schedulerLoop()

	return e
}

// Close stops the delivery scheduler and every collaborator with
// background goroutines.
func (e *Engine) Close() error {
	close(e.schedulerStop)
	e.schedulerWG.Wait()

	_ = e.Sessions.Close()
	_ = e.Retained.Close()
	return nil
}

// HandleConnection implements network.ConnectionHandler. It runs the
// CONNECT handshake (spec §4.6) synchronously and, on success, the
// packet read loop for the remainder of the connection's lifetime; the
// calling goroutine (one per accepted TCP connection, per
// network.Listener.handleConnection) blocks here until the client
// disconnects or a fatal protocol error closes the connection.
func (e *Engine) HandleConnection(conn *network.Connection) error {
	c := &client{
		conn:        conn,
		r:           bufio.NewReaderSize(conn, 4096),
		engine:      e,
		connectedAt: time.Now(),
	}

	if err := e.handleConnect(context.Background(), c); err != nil {
		e.log.Debug("connect failed", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		return err
	}

	e.readLoop(c)
	return nil
}

// registerClient installs c as the live connection for clientID,
// displacing (and closing) any prior connection for the same client —
// the session-takeover rule of spec §4.6.
func (e *Engine) registerClient(clientID string, c *client) *client {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.clients[clientID]
	e.clients[clientID] = c
	return old
}

func (e *Engine) unregisterClient(clientID string, c *client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clients[clientID] == c {
		delete(e.clients, clientID)
	}
}

func (e *Engine) getClient(clientID string) (*client, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clients[clientID]
	return c, ok
}

// activeClientIDs snapshots the client IDs with a live connection, for
// the scheduler's per-tick sweep.
func (e *Engine) activeClientIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.clients))
	for id := range e.clients {
		ids = append(ids, id)
	}
	return ids
}

// hookClient translates the broker's connection/session pair into the
// hook package's Client view, rebuilt fresh for each dispatch since
// State/SessionPresent can change between calls.
func (c *client) hookClient() *hook.Client {
	state := hook.ClientStateConnected
	if c.session != nil && c.session.GetState() == session.StateDisconnected {
		state = hook.ClientStateDisconnected
	}
	return &hook.Client{
		ID:              c.clientID,
		RemoteAddr:      c.conn.RemoteAddr(),
		LocalAddr:       c.conn.LocalAddr(),
		Username:        c.username,
		ProtocolVersion: byte(c.protocolVersion),
		KeepAlive:       c.keepAlive,
		ConnectedAt:     c.connectedAt,
		State:           state,
	}
}

func protocolVersionOf(v encoding.ProtocolVersion) byte {
	return byte(v)
}
