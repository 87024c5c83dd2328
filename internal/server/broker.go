// Package server keeps the topic index and open-connection set in the Broker
// and fans match and commentary events out to subscribers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrBrokerClosed is returned when registering on a broker that is shutting
// down.
var ErrBrokerClosed = errors.New("broker is shut down")

// ErrConnNotConnecting is returned when registering a connection twice or
// after it was closed.
var ErrConnNotConnecting = errors.New("connection is not in connecting state")

// BrokerConfig tunes fan-out and connection handling.
type BrokerConfig struct {
	// MaxMessageSize caps inbound frames; larger frames close the connection.
	MaxMessageSize int64
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// SendTimeout bounds how long a publish waits on a full queue before the
	// event is dropped for that connection.
	SendTimeout time.Duration
	// WriteTimeout is the socket write deadline.
	WriteTimeout time.Duration
	// PingInterval is the liveness sweep period.
	PingInterval time.Duration
	// RejectUnknownMessages answers unrecognised messages with an error.
	RejectUnknownMessages bool
}

// DefaultBrokerConfig returns production defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		MaxMessageSize: 1 << 20,
		SendBuffer:     256,
		SendTimeout:    50 * time.Millisecond,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

func sanitizeBrokerConfig(cfg BrokerConfig) BrokerConfig {
	def := DefaultBrokerConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return cfg
}

// MessageGate limits inbound frames on open connections.
type MessageGate interface {
	AdmitMessage(connectionID string) bool
}

// Broker owns the topic index and the set of open connections.
//
// A connection c is in topics[t] if and only if t is in c.subs. Both sides
// are only mutated while holding mu, and a topic with no subscribers is
// removed from the index immediately.
type Broker struct {
	cfg  BrokerConfig
	log  zerolog.Logger
	gate MessageGate

	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	topics  map[int64]map[*Conn]struct{}
	closing bool

	// publishMu serializes fan-out so each connection observes one topic's
	// events in publish order.
	publishMu sync.Mutex

	wg         sync.WaitGroup
	supervisor *Supervisor
	runMu      sync.Mutex
	cancel     context.CancelFunc
}

// BrokerOption customizes a Broker.
type BrokerOption func(*Broker)

// WithMessageGate installs the inbound frame limiter.
func WithMessageGate(gate MessageGate) BrokerOption {
	return func(b *Broker) { b.gate = gate }
}

// NewBroker creates a broker. Call Start to launch the liveness supervisor.
func NewBroker(cfg BrokerConfig, log zerolog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		cfg:    sanitizeBrokerConfig(cfg),
		log:    log,
		conns:  make(map[*Conn]struct{}),
		topics: make(map[int64]map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.supervisor = newSupervisor(b, b.cfg.PingInterval, log)
	return b
}

// Config returns the effective broker configuration.
func (b *Broker) Config() BrokerConfig {
	return b.cfg
}

// Supervisor returns the liveness supervisor bound to this broker.
func (b *Broker) Supervisor() *Supervisor {
	return b.supervisor
}

// Start launches the liveness supervisor. It is a no-op if already started.
func (b *Broker) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.supervisor.start(ctx)
	b.log.Info().Dur("ping_interval", b.cfg.PingInterval).Msg("Broker started")
}

// Register moves c from Connecting to Open, sends the welcome message and, if
// c has a transport, launches its pumps.
func (b *Broker) Register(c *Conn) error {
	if c == nil {
		return errors.New("nil connection")
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		c.shutdown()
		return ErrBrokerClosed
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		b.mu.Unlock()
		return ErrConnNotConnecting
	}
	// The welcome is queued before c becomes visible to fan-out and before
	// the read pump starts, so it is always the first message c receives.
	// The queue is still empty here, so this never waits while holding mu.
	c.enqueue(welcomePayload, 0)
	b.conns[c] = struct{}{}
	total := len(b.conns)
	b.mu.Unlock()

	c.log.Info().Int("total_connections", total).Msg("Connection registered")

	if c.ws != nil {
		b.wg.Add(2)
		go func() {
			defer b.wg.Done()
			c.writePump()
		}()
		go func() {
			defer b.wg.Done()
			c.readPump()
		}()
	}
	return nil
}

// Subscribe adds c to topicID. It reports whether the relation was created;
// repeated calls are no-ops.
func (b *Broker) Subscribe(c *Conn, topicID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.State() != StateOpen {
		return false
	}
	if _, ok := c.subs[topicID]; ok {
		return false
	}

	subs := b.topics[topicID]
	if subs == nil {
		subs = make(map[*Conn]struct{})
		b.topics[topicID] = subs
	}
	subs[c] = struct{}{}
	c.subs[topicID] = struct{}{}
	return true
}

// Unsubscribe removes c from topicID and reports whether a relation existed.
func (b *Broker) Unsubscribe(c *Conn, topicID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribeLocked(c, topicID)
}

func (b *Broker) unsubscribeLocked(c *Conn, topicID int64) bool {
	if _, ok := c.subs[topicID]; !ok {
		return false
	}
	delete(c.subs, topicID)

	if subs, ok := b.topics[topicID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.topics, topicID)
		}
	}
	return true
}

// OnClose removes c from every index and releases its transport. It is the
// only path that drops a connection and is safe to call repeatedly.
func (b *Broker) OnClose(c *Conn) {
	b.mu.Lock()
	previous := ConnState(c.state.Swap(int32(StateClosed)))
	for topicID := range c.subs {
		b.unsubscribeLocked(c, topicID)
	}
	_, registered := b.conns[c]
	delete(b.conns, c)
	total := len(b.conns)
	b.mu.Unlock()

	c.shutdown()

	if registered && previous != StateClosed {
		c.log.Info().Int("total_connections", total).Msg("Connection closed")
	}
}

// PublishToTopic delivers event to every open subscriber of topicID and
// returns the number of connections that accepted it.
//
// Publishes are serialized by publishMu for the whole fan-out. A subscriber
// whose queue is full costs up to SendTimeout before its copy is dropped, so
// a fan-out with k slow subscribers can hold back every concurrent publisher,
// REST handlers included, for up to k*SendTimeout.
func (b *Broker) PublishToTopic(topicID int64, event any) int {
	payload, err := encodeEvent(event)
	if err != nil {
		b.log.Error().Err(err).Int64("topic", topicID).Msg("Unable to encode event")
		return 0
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	targets := make([]*Conn, 0, len(b.topics[topicID]))
	for c := range b.topics[topicID] {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	delivered := b.fanOut(targets, payload)
	b.log.Debug().Int64("topic", topicID).Int("targets", len(targets)).Int("delivered", delivered).Msg("Published to topic")
	return delivered
}

// PublishToAll delivers event to every open connection and returns the
// number that accepted it. It shares publishMu with PublishToTopic and has the
// same worst case of SendTimeout per slow connection.
func (b *Broker) PublishToAll(event any) int {
	payload, err := encodeEvent(event)
	if err != nil {
		b.log.Error().Err(err).Msg("Unable to encode event")
		return 0
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	targets := b.snapshot()
	delivered := b.fanOut(targets, payload)
	b.log.Debug().Int("targets", len(targets)).Int("delivered", delivered).Msg("Broadcast to all connections")
	return delivered
}

// PublishMatchCreated announces a new match to every connection.
func (b *Broker) PublishMatchCreated(match any) int {
	return b.PublishToAll(Envelope{Type: TypeMatchCreated, Data: match})
}

// PublishCommentary sends a commentary entry to the match's subscribers.
func (b *Broker) PublishCommentary(matchID int64, comment any) int {
	return b.PublishToTopic(matchID, Envelope{Type: TypeCommentary, Data: comment})
}

// fanOut skips connections that are no longer open; it never removes them.
func (b *Broker) fanOut(targets []*Conn, payload []byte) int {
	delivered := 0
	for _, c := range targets {
		if c.State() != StateOpen {
			continue
		}
		if c.enqueue(payload, b.cfg.SendTimeout) {
			delivered++
		}
	}
	return delivered
}

func encodeEvent(event any) ([]byte, error) {
	switch v := event.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// snapshot returns every registered connection.
func (b *Broker) snapshot() []*Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()

	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnCount returns the number of open connections.
func (b *Broker) ConnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// TopicCount returns the number of topics with at least one subscriber.
func (b *Broker) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Subscribers returns the connections subscribed to topicID.
func (b *Broker) Subscribers(topicID int64) []*Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.topics[topicID]
	out := make([]*Conn, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// Shutdown stops the supervisor, closes every connection and waits for the
// connection goroutines to exit or for timeout to pass.
func (b *Broker) Shutdown(timeout time.Duration) error {
	b.log.Info().Msg("Initiating broker shutdown")

	b.runMu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.supervisor.stop()

	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	conns := b.snapshot()
	for _, c := range conns {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		b.OnClose(c)
	}
	b.log.Info().Int("connections", len(conns)).Msg("Closed client connections")

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.log.Info().Msg("Broker shutdown completed")
		return nil
	case <-time.After(timeout):
		b.log.Warn().Msg("Broker shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
