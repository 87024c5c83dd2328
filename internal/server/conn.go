// Package server manages individual WebSocket connections, handling the
// read/write pumps, bounded send queues, and lifecycle state of each one.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

// Connection states. Closed is terminal.
const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one WebSocket client. Its subscription set is owned by the broker
// and only touched while holding the broker's lock.
type Conn struct {
	id     string
	addr   string
	ws     *websocket.Conn
	broker *Broker
	send   chan []byte
	log    zerolog.Logger

	state atomic.Int32
	alive atomic.Bool
	subs  map[int64]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps a freshly upgraded WebSocket. ws may be nil, in which case the
// connection only queues outbound messages; this is used by tests and by
// in-process consumers reading GetSendChan.
func NewConn(ws *websocket.Conn, broker *Broker, addr string) *Conn {
	cfg := broker.Config()
	if ws != nil {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	c := &Conn{
		id:     id,
		addr:   addr,
		ws:     ws,
		broker: broker,
		send:   make(chan []byte, cfg.SendBuffer),
		log:    broker.log.With().Str("conn", id).Str("remote", addr).Logger(),
		subs:   make(map[int64]struct{}),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.alive.Store(true)
	return c
}

// ID returns the connection's unique identity. It is a random UUID assigned
// by NewConn and keys the per-connection inbound message limit, so it never
// changes for the lifetime of the connection.
func (c *Conn) ID() string { return c.id }

// Addr returns the peer address as reported by the HTTP request that was
// upgraded. It is used for logging only; admission decisions key on the
// client identity resolved before the upgrade.
func (c *Conn) Addr() string { return c.addr }

// State returns the current lifecycle state. The value is read atomically and
// may change immediately after the call returns.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Alive reports the liveness flag. The flag is set when the peer answers a
// ping and cleared by each Supervisor sweep; a connection found still cleared
// on the next sweep is terminated.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// GetSendChan returns the outbound queue for reading. The write pump drains
// it for socket-backed connections; in-process connections are read directly
// by the caller.
func (c *Conn) GetSendChan() <-chan []byte {
	return c.send
}

// Done returns a channel that is closed once the connection is shut down.
// Pending sends abort as soon as it is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Subscriptions returns the topics c is subscribed to, in no particular
// order. The result is a copy taken under the broker lock.
func (c *Conn) Subscriptions() []int64 {
	c.broker.mu.RLock()
	defer c.broker.mu.RUnlock()

	out := make([]int64, 0, len(c.subs))
	for topicID := range c.subs {
		out = append(out, topicID)
	}
	return out
}

// markAlive is called whenever the peer acknowledges a liveness probe.
func (c *Conn) markAlive() {
	c.alive.Store(true)
}

// enqueue queues payload for the write pump. When the queue is full it waits
// up to timeout and then drops the payload.
func (c *Conn) enqueue(payload []byte, timeout time.Duration) bool {
	if c.State() == StateClosed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
	}

	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.log.Warn().Dur("timeout", timeout).Msg("Send buffer full; dropping message")
		return false
	}
}

func (c *Conn) sendJSON(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("Unable to encode outbound message")
		return false
	}
	return c.enqueue(payload, c.broker.cfg.SendTimeout)
}

// ping sends a liveness probe. WriteControl may run concurrently with the
// write pump.
func (c *Conn) ping() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.broker.cfg.WriteTimeout))
}

// terminate forcibly closes the connection and removes it from the broker.
func (c *Conn) terminate() {
	c.broker.OnClose(c)
}

// closeWithCode sends a close frame before the transport is released.
func (c *Conn) closeWithCode(code int, reason string) {
	if c.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("Error writing close message")
		}
	}
}

// shutdown releases the transport exactly once.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
				c.log.Debug().Err(err).Msg("Error closing connection")
			}
		}
	})
}

// handleReadError logs appropriate error messages based on the error type.
func (c *Conn) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.broker.cfg.MaxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("Connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("Unexpected WebSocket close")
	default:
		c.log.Debug().Err(err).Msg("WebSocket read error")
	}
}

func (c *Conn) readPump() {
	defer c.broker.OnClose(c)

	c.ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() != StateClosed {
				c.handleReadError(err)
			}
			return
		}

		if c.broker.gate != nil && !c.broker.gate.AdmitMessage(c.id) {
			c.log.Warn().Msg("Message rate limit exceeded; discarding message")
			continue
		}

		c.broker.HandleMessage(c, raw)
	}
}

func (c *Conn) writePump() {
	defer c.broker.OnClose(c)

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if !c.writeText(payload) {
				return
			}
		}
	}
}

// writeText writes one message per frame so every frame is a single JSON
// document.
func (c *Conn) writeText(payload []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.broker.cfg.WriteTimeout)); err != nil {
		c.log.Debug().Err(err).Msg("Error setting write deadline")
		return false
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("Error writing message")
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
