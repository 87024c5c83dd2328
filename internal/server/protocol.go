// Package server defines the WebSocket message envelope and decodes the
// subscribe and unsubscribe requests clients send.
package server

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Message types exchanged over the WebSocket.
const (
	TypeWelcome      = "welcome"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypeMatchCreated = "match_created"
	TypeCommentary   = "commentary"
)

// Error strings sent to clients.
const (
	ErrMsgInvalidJSON = "Invalid JSON format"
	ErrMsgUnsupported = "Unsupported message"
)

// Envelope is the server to client message format.
type Envelope struct {
	Type    string `json:"type"`
	MatchID *int64 `json:"matchId,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// inbound is decoded leniently: fields of the wrong JSON type are treated as
// unrecognised rather than malformed.
type inbound struct {
	Type    json.RawMessage `json:"type"`
	MatchID json.RawMessage `json:"matchId"`
}

func welcomeMessage() Envelope {
	return Envelope{Type: TypeWelcome}
}

// welcomePayload is the encoded welcomeMessage, shared read-only by every
// connection.
var welcomePayload = []byte(`{"type":"welcome"}`)

func ackMessage(kind string, matchID int64) Envelope {
	return Envelope{Type: kind, MatchID: &matchID}
}

func errorMessage(msg string) Envelope {
	return Envelope{Type: TypeError, Error: msg}
}

// maxSafeInteger is the largest integer a JSON number can carry exactly in
// most client runtimes.
const maxSafeInteger = 1<<53 - 1

// parseMatchID accepts JSON integers, including integral floats such as 7.0.
// Strings, booleans, null and fractional numbers are rejected.
func parseMatchID(raw json.RawMessage) (int64, bool) {
	s := string(bytes.TrimSpace(raw))
	if s == "" || strings.HasPrefix(s, `"`) {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > maxSafeInteger {
		return 0, false
	}
	return int64(f), true
}

// HandleMessage processes one inbound frame from c.
func (b *Broker) HandleMessage(c *Conn, raw []byte) {
	if !json.Valid(raw) {
		c.log.Debug().Msg("Received malformed JSON")
		c.sendJSON(errorMessage(ErrMsgInvalidJSON))
		return
	}

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Valid JSON that is not an object.
		b.unrecognised(c, "")
		return
	}

	var kind string
	if err := json.Unmarshal(msg.Type, &kind); err != nil {
		b.unrecognised(c, "")
		return
	}

	switch kind {
	case TypeSubscribe:
		matchID, ok := parseMatchID(msg.MatchID)
		if !ok {
			b.unrecognised(c, kind)
			return
		}
		b.Subscribe(c, matchID)
		c.log.Debug().Int64("match", matchID).Msg("Subscribed")
		c.sendJSON(ackMessage(TypeSubscribed, matchID))

	case TypeUnsubscribe:
		matchID, ok := parseMatchID(msg.MatchID)
		if !ok {
			b.unrecognised(c, kind)
			return
		}
		b.Unsubscribe(c, matchID)
		c.log.Debug().Int64("match", matchID).Msg("Unsubscribed")
		c.sendJSON(ackMessage(TypeUnsubscribed, matchID))

	default:
		b.unrecognised(c, kind)
	}
}

// unrecognised drops the message silently unless strict handling is on.
func (b *Broker) unrecognised(c *Conn, kind string) {
	c.log.Debug().Str("type", kind).Msg("Ignoring unrecognised message")
	if b.cfg.RejectUnknownMessages {
		c.sendJSON(errorMessage(ErrMsgUnsupported))
	}
}
