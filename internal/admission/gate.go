// Package admission decides whether inbound requests and WebSocket upgrades
// may proceed. It combines user-agent filtering, keyed rate limiting and the
// payload threat score into a single Decision.
package admission

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/sportrts/internal/threat"
)

// DefaultThreatThreshold is the score at which a payload is rejected.
const DefaultThreatThreshold = 5

// Reason explains a denial.
type Reason string

// Denial reasons.
const (
	ReasonNone              Reason = ""
	ReasonForbidden         Reason = "forbidden"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonSuspiciousPayload Reason = "suspicious_payload"
	ReasonPayloadTooLarge   Reason = "payload_too_large"
)

// Sentinel errors matching each denial reason.
var (
	ErrForbidden         = errors.New("forbidden client signature")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrSuspiciousPayload = errors.New("suspicious payload")
	ErrPayloadTooLarge   = errors.New("request body exceeds limit")
)

// Status maps the reason to the HTTP status returned to the client.
func (r Reason) Status() int {
	switch r {
	case ReasonForbidden:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonSuspiciousPayload:
		return http.StatusBadRequest
	case ReasonPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusOK
	}
}

// Message is the client-facing error string for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonForbidden:
		return "Forbidden"
	case ReasonRateLimited:
		return "Too many requests"
	case ReasonSuspiciousPayload:
		return "Suspicious payload"
	case ReasonPayloadTooLarge:
		return "Payload too large"
	default:
		return ""
	}
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow returns an allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision with the given reason.
func Deny(r Reason) Decision { return Decision{Reason: r} }

// Err returns nil for allowed decisions and the reason's sentinel otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonForbidden:
		return ErrForbidden
	case ReasonRateLimited:
		return ErrRateLimited
	case ReasonSuspiciousPayload:
		return ErrSuspiciousPayload
	case ReasonPayloadTooLarge:
		return ErrPayloadTooLarge
	default:
		return errors.New("denied")
	}
}

// RateLimiter is the subset of limiter.Limiter the gate depends on.
type RateLimiter interface {
	Allow(key string) bool
}

// Config holds the gate policy switches.
type Config struct {
	// ThreatThreshold is the minimum score that rejects a request payload.
	ThreatThreshold int
	// FilterBotsOnUpgrade applies the user-agent filter to WebSocket upgrades.
	FilterBotsOnUpgrade bool
	// DenyEmptyUserAgent treats a missing user agent as a disallowed bot.
	DenyEmptyUserAgent bool
	// AllowedBotTokens are user-agent substrings that exempt a bot.
	AllowedBotTokens []string
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		ThreatThreshold:     DefaultThreatThreshold,
		FilterBotsOnUpgrade: false,
		DenyEmptyUserAgent:  true,
		AllowedBotTokens:    append([]string(nil), DefaultAllowedBotTokens...),
	}
}

// Gate evaluates admission. Every evaluation consumes one unit of the
// corresponding rate budget.
type Gate struct {
	cfg         Config
	bots        *BotFilter
	requests    RateLimiter
	connections RateLimiter
	scorer      threat.Scorer
	log         zerolog.Logger
}

// NewGate wires a gate from its collaborators.
func NewGate(
	cfg Config,
	requests, connections RateLimiter,
	scorer threat.Scorer,
	log zerolog.Logger,
) *Gate {
	if cfg.ThreatThreshold <= 0 {
		cfg.ThreatThreshold = DefaultThreatThreshold
	}
	if scorer == nil {
		scorer = threat.NewRuleScorer()
	}
	return &Gate{
		cfg:         cfg,
		bots:        NewBotFilter(cfg.AllowedBotTokens, cfg.DenyEmptyUserAgent),
		requests:    requests,
		connections: connections,
		scorer:      scorer,
		log:         log,
	}
}

// Config returns the gate policy.
func (g *Gate) Config() Config {
	return g.cfg
}

// AdmitRequest decides whether an inbound request may reach its handler.
func (g *Gate) AdmitRequest(clientIdentity, userAgent, routeKey string, payload any) Decision {
	if g.bots.Disallowed(userAgent) {
		g.log.Warn().Str("client", clientIdentity).Str("user_agent", userAgent).Msg("Rejected bot request")
		return Deny(ReasonForbidden)
	}

	if g.requests != nil && !g.requests.Allow(clientIdentity+routeKey) {
		g.log.Warn().Str("client", clientIdentity).Str("route", routeKey).Msg("Request rate limit exceeded")
		return Deny(ReasonRateLimited)
	}

	if score := g.scorer.Score(payload); score >= g.cfg.ThreatThreshold {
		g.log.Warn().Str("client", clientIdentity).Str("route", routeKey).Int("score", score).Msg("Rejected suspicious payload")
		return Deny(ReasonSuspiciousPayload)
	}

	return Allow()
}

// AdmitConnection decides whether a WebSocket upgrade may proceed.
func (g *Gate) AdmitConnection(clientIdentity, userAgent, upgradeTarget string) Decision {
	if g.cfg.FilterBotsOnUpgrade && g.bots.Disallowed(userAgent) {
		g.log.Warn().Str("client", clientIdentity).Str("user_agent", userAgent).Msg("Rejected bot upgrade")
		return Deny(ReasonForbidden)
	}

	if g.connections != nil && !g.connections.Allow(clientIdentity+upgradeTarget) {
		g.log.Warn().Str("client", clientIdentity).Str("target", upgradeTarget).Msg("Connection rate limit exceeded")
		return Deny(ReasonRateLimited)
	}

	return Allow()
}

// AdmitMessage consumes the connection budget for one inbound frame on an
// open connection.
func (g *Gate) AdmitMessage(connectionID string) bool {
	if g.connections == nil {
		return true
	}
	return g.connections.Allow("msg:" + connectionID)
}
