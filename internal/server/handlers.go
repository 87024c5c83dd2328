// Package server exposes HTTP handlers, including the admitted WebSocket
// upgrade, health checks, and the match and commentary REST endpoints.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/sportrts/internal/admission"
	"github.com/Tyrowin/sportrts/internal/store"
)

const defaultListLimit = 50

// errorResponse is the body of every failed REST call.
type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type dataResponse struct {
	Data any `json:"data"`
}

// writeJSON write a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("Failed to write REST response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, details any) {
	s.writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

// WebSocketHandler admits and upgrades a connection, then hands it to the
// broker. A connection denied by the gate is upgraded and immediately closed
// with a policy violation carrying the denial reason, so it never reaches the
// broker.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity := admission.ClientIdentity(r, s.cfg.Server.TrustProxyHeaders)
	decision := s.gate.AdmitConnection(identity, r.UserAgent(), r.URL.Path)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("client", identity).Msg("WebSocket upgrade failed")
		return
	}

	if !decision.Allowed {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, decision.Reason.Message())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	c := NewConn(ws, s.broker, r.RemoteAddr)
	if err := s.broker.Register(c); err != nil {
		s.log.Warn().Err(err).Str("client", identity).Msg("Unable to register connection")
	}
}

// HealthHandler reports liveness together with broker counters.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.broker.ConnCount(),
		"topics":      s.broker.TopicCount(),
	})
}

// RootHandler is the greeting route.
func (s *Server) RootHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Hello from SportRTS"})
}

// createMatchRequest is the POST /matches body.
type createMatchRequest struct {
	Sport     string     `json:"sport" validate:"required,min=1,max=64"`
	HomeTeam  string     `json:"homeTeam" validate:"required,min=1,max=128"`
	AwayTeam  string     `json:"awayTeam" validate:"required,min=1,max=128"`
	Status    string     `json:"status" validate:"omitempty,oneof=scheduled live finished"`
	StartTime time.Time  `json:"startTime" validate:"required"`
	EndTime   *time.Time `json:"endTime" validate:"omitempty,gtfield=StartTime"`
	HomeScore int        `json:"homeScore" validate:"gte=0"`
	AwayScore int        `json:"awayScore" validate:"gte=0"`
}

// createCommentaryRequest is the POST /matches/{id}/commentary body.
type createCommentaryRequest struct {
	Minute    *int   `json:"minute" validate:"omitempty,gte=0"`
	Period    string `json:"period" validate:"max=32"`
	EventType string `json:"eventType" validate:"max=64"`
	Actor     string `json:"actor" validate:"max=128"`
	Team      string `json:"team" validate:"max=128"`
	Message   string `json:"message" validate:"required,min=1,max=2000"`
}

func (s *Server) storeReady(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Storage unavailable", nil)
		return false
	}
	return true
}

func listLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 100 {
		return 0, false
	}
	return limit, true
}

func matchIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ListMatchesHandler returns the newest matches.
func (s *Server) ListMatchesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	limit, ok := listLimit(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid query", "limit must be between 1 and 100")
		return
	}

	matches, err := s.store.ListMatches(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list matches")
		s.writeError(w, http.StatusInternalServerError, "Failed to list matches", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, dataResponse{Data: matches})
}

// CreateMatchHandler stores a match and announces it to every connection.
func (s *Server) CreateMatchHandler(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}

	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload", err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid payload", err.Error())
		return
	}

	match, err := s.store.CreateMatch(r.Context(), store.Match{
		Sport:     req.Sport,
		HomeTeam:  req.HomeTeam,
		AwayTeam:  req.AwayTeam,
		Status:    req.Status,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		HomeScore: req.HomeScore,
		AwayScore: req.AwayScore,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to create match")
		s.writeError(w, http.StatusInternalServerError, "Failed to create match", err.Error())
		return
	}

	s.broker.PublishMatchCreated(match)
	s.writeJSON(w, http.StatusCreated, dataResponse{Data: match})
}

// GetMatchHandler returns a single match by ID. Unknown IDs answer 404 so
// clients can check a match exists before subscribing to it.
func (s *Server) GetMatchHandler(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	matchID, ok := matchIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid match ID parameter", nil)
		return
	}

	match, err := s.store.GetMatch(r.Context(), matchID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Match not found", nil)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("match", matchID).Msg("Failed to load match")
		s.writeError(w, http.StatusInternalServerError, "Failed to load match", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, dataResponse{Data: match})
}

// ListCommentaryHandler returns a match's newest commentary entries.
func (s *Server) ListCommentaryHandler(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	matchID, ok := matchIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid match ID parameter", nil)
		return
	}
	limit, ok := listLimit(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid query", "limit must be between 1 and 100")
		return
	}

	entries, err := s.store.ListCommentary(r.Context(), matchID, limit)
	if err != nil {
		s.log.Error().Err(err).Int64("match", matchID).Msg("Failed to list commentary")
		s.writeError(w, http.StatusInternalServerError, "Failed to list commentary", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, dataResponse{Data: entries})
}

// CreateCommentaryHandler stores a commentary entry and publishes it to the
// match's subscribers.
func (s *Server) CreateCommentaryHandler(w http.ResponseWriter, r *http.Request) {
	if !s.storeReady(w) {
		return
	}
	matchID, ok := matchIDParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid match ID parameter", nil)
		return
	}

	var req createCommentaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid commentary payload", err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid commentary payload", err.Error())
		return
	}

	entry, err := s.store.CreateCommentary(r.Context(), store.Commentary{
		MatchID:   matchID,
		Minute:    req.Minute,
		Period:    req.Period,
		EventType: req.EventType,
		Actor:     req.Actor,
		Team:      req.Team,
		Message:   req.Message,
	})
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Match not found", nil)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("match", matchID).Msg("Failed to create commentary")
		s.writeError(w, http.StatusInternalServerError, "Failed to create commentary", err.Error())
		return
	}

	s.broker.PublishCommentary(matchID, entry)
	s.writeJSON(w, http.StatusCreated, dataResponse{Data: entry})
}
