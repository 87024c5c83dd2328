package admission

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes is the largest request body the middleware accepts.
const DefaultMaxBodyBytes int64 = 1 << 20

// MiddlewareConfig tunes the HTTP wrapper around the gate.
type MiddlewareConfig struct {
	// GlobalRate and GlobalBurst configure the process-wide token bucket that
	// runs before the per-client checks. A zero rate disables it.
	GlobalRate  rate.Limit
	GlobalBurst int
	// TrustProxyHeaders uses the first X-Forwarded-For hop as client identity.
	TrustProxyHeaders bool
	// MaxBodyBytes is the largest accepted body. Larger bodies get 413.
	MaxBodyBytes int64
}

// Middleware applies security headers, the global limiter and the gate to
// every request it wraps.
type Middleware struct {
	gate   *Gate
	cfg    MiddlewareConfig
	global *rate.Limiter
	log    zerolog.Logger
}

// NewMiddleware creates the HTTP admission middleware.
func NewMiddleware(gate *Gate, cfg MiddlewareConfig, log zerolog.Logger) *Middleware {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	m := &Middleware{gate: gate, cfg: cfg, log: log}
	if cfg.GlobalRate > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		m.global = rate.NewLimiter(cfg.GlobalRate, burst)
	}
	return m
}

// SetSecurityHeaders writes the static hardening headers.
func SetSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
}

// Handler wraps next. It satisfies mux.MiddlewareFunc.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetSecurityHeaders(w)

		if m.global != nil && !m.global.Allow() {
			m.log.Warn().Str("path", r.URL.Path).Msg("Global request rate exceeded")
			WriteDenial(w, ReasonRateLimited)
			return
		}

		payload, err := m.requestPayload(r)
		if errors.Is(err, ErrPayloadTooLarge) {
			m.log.Warn().
				Str("path", r.URL.Path).
				Int64("limit", m.cfg.MaxBodyBytes).
				Msg("Request body exceeds limit")
			WriteDenial(w, ReasonPayloadTooLarge)
			return
		}
		if err != nil {
			m.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Unable to read request body")
		}

		decision := m.gate.AdmitRequest(
			ClientIdentity(r, m.cfg.TrustProxyHeaders),
			r.UserAgent(),
			RouteKey(r),
			payload,
		)
		if !decision.Allowed {
			WriteDenial(w, decision.Reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestPayload assembles query, body and path parameters into one tree for
// scoring. The body is scored whatever its declared Content-Type: handlers
// decode JSON regardless of the header, so a body that parses as JSON is
// scored as a tree and anything else is scored as a single string. The body
// is restored so handlers can read it again. A body larger than MaxBodyBytes
// yields ErrPayloadTooLarge.
func (m *Middleware) requestPayload(r *http.Request) (map[string]any, error) {
	payload := map[string]any{
		"query":  map[string][]string(r.URL.Query()),
		"params": mux.Vars(r),
	}

	if r.Body == nil || r.Body == http.NoBody {
		return payload, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, m.cfg.MaxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return payload, err
	}
	if int64(len(raw)) > m.cfg.MaxBodyBytes {
		return payload, ErrPayloadTooLarge
	}

	if len(raw) > 0 {
		var body any
		if err := json.Unmarshal(raw, &body); err == nil {
			payload["body"] = body
		} else {
			payload["body"] = string(raw)
		}
	}
	return payload, nil
}

// RouteKey returns the matched gorilla/mux path template, falling back to the
// raw path for unrouted requests.
func RouteKey(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// ClientIdentity returns the client IP used to key rate limits.
func ClientIdentity(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteDenial writes the status and JSON error body for a denial reason.
func WriteDenial(w http.ResponseWriter, reason Reason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reason.Status())
	_ = json.NewEncoder(w).Encode(errorBody{Error: reason.Message()})
}
