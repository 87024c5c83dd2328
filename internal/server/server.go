// Package server assembles the broker, admission gate and HTTP router into
// the sportrts Server.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/sportrts/internal/admission"
	"github.com/Tyrowin/sportrts/internal/config"
	"github.com/Tyrowin/sportrts/internal/limiter"
	"github.com/Tyrowin/sportrts/internal/logging"
	"github.com/Tyrowin/sportrts/internal/store"
	"github.com/Tyrowin/sportrts/internal/threat"
)

// MatchStore is the persistence used by the REST handlers.
type MatchStore interface {
	CreateMatch(ctx context.Context, m store.Match) (store.Match, error)
	GetMatch(ctx context.Context, id int64) (store.Match, error)
	ListMatches(ctx context.Context, limit int) ([]store.Match, error)
	CreateCommentary(ctx context.Context, c store.Commentary) (store.Commentary, error)
	ListCommentary(ctx context.Context, matchID int64, limit int) ([]store.Commentary, error)
}

// Server owns every stateful component of the service: the broker, both
// limiters, the admission gate and the HTTP surface built on them.
type Server struct {
	cfg         *config.Config
	log         zerolog.Logger
	broker      *Broker
	gate        *admission.Gate
	middleware  *admission.Middleware
	requests    *limiter.Limiter
	connections *limiter.Limiter
	store       MatchStore
	origins     *OriginPolicy
	upgrader    websocket.Upgrader
	validate    *validator.Validate
}

// New wires a server from cfg. st may be nil, in which case the REST routes
// answer 503.
func New(cfg *config.Config, st MatchStore, log zerolog.Logger) *Server {
	requests := limiter.New(limiter.Config{
		Window:        cfg.Limits.Request.Window,
		Max:           cfg.Limits.Request.Max,
		SweepInterval: cfg.Limits.SweepInterval,
	}, limiter.WithLogger(logging.Component(log, "limiter").With().Str("limiter", "request").Logger()))

	connections := limiter.New(limiter.Config{
		Window:        cfg.Limits.Connection.Window,
		Max:           cfg.Limits.Connection.Max,
		SweepInterval: cfg.Limits.SweepInterval,
	}, limiter.WithLogger(logging.Component(log, "limiter").With().Str("limiter", "connection").Logger()))

	gate := admission.NewGate(admission.Config{
		ThreatThreshold:     cfg.Admission.ThreatThreshold,
		FilterBotsOnUpgrade: cfg.Admission.FilterBotsOnUpgrade,
		DenyEmptyUserAgent:  cfg.Admission.DenyEmptyUserAgent,
		AllowedBotTokens:    cfg.Admission.AllowedBotTokens,
	}, requests, connections, threat.NewRuleScorer(), logging.Component(log, "gate"))

	middleware := admission.NewMiddleware(gate, admission.MiddlewareConfig{
		GlobalRate:        rate.Limit(cfg.Limits.Global.Rate),
		GlobalBurst:       cfg.Limits.Global.Burst,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		MaxBodyBytes:      cfg.Broker.MaxMessageSize,
	}, logging.Component(log, "gate"))

	broker := NewBroker(BrokerConfig{
		MaxMessageSize:        cfg.Broker.MaxMessageSize,
		SendBuffer:            cfg.Broker.SendBuffer,
		SendTimeout:           cfg.Broker.SendTimeout,
		WriteTimeout:          cfg.Broker.WriteTimeout,
		PingInterval:          cfg.Broker.PingInterval,
		RejectUnknownMessages: cfg.Broker.RejectUnknownMessages,
	}, logging.Component(log, "broker"), WithMessageGate(gate))

	s := &Server{
		cfg:         cfg,
		log:         logging.Component(log, "http"),
		broker:      broker,
		gate:        gate,
		middleware:  middleware,
		requests:    requests,
		connections: connections,
		store:       st,
		origins:     NewOriginPolicy(cfg.Server.AllowedOrigins, logging.Component(log, "http")),
		validate:    validator.New(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.Check,
	}
	return s
}

// Broker returns the subscription broker.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Gate returns the admission gate.
func (s *Server) Gate() *admission.Gate {
	return s.gate
}

// Start launches the liveness supervisor and the limiter sweepers. They stop
// when ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) {
	s.requests.Start(ctx)
	s.connections.Start(ctx)
	s.broker.Start(ctx)
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// everything down within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.Start(ctx)

	httpServer := CreateServer(s.cfg.Server, s.Handler())
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", httpServer.Addr).Msg("Server listening")
		errCh <- StartServer(httpServer)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	timeout := s.cfg.Server.ShutdownTimeout
	httpErr := ShutdownServer(httpServer, timeout, s.log)
	shutdownErr := s.Shutdown(timeout)
	return errors.Join(serveErr, httpErr, shutdownErr)
}

// Shutdown closes every WebSocket connection and stops the background loops.
func (s *Server) Shutdown(timeout time.Duration) error {
	err := s.broker.Shutdown(timeout)
	s.requests.Stop()
	s.connections.Stop()
	return err
}
