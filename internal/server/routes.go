// Package server wires HTTP handlers into a gorilla/mux router and places the
// admission middleware in front of the REST routes.
package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/sportrts/internal/logging"
)

// Handler configures and returns the router with all application routes.
// The greeting, health and WebSocket routes sit outside the admission
// middleware; /ws runs its own connection checks.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/", s.RootHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.WebSocketHandler)

	api := router.PathPrefix("/matches").Subrouter()
	api.Use(s.middleware.Handler)
	api.HandleFunc("", s.ListMatchesHandler).Methods(http.MethodGet)
	api.HandleFunc("", s.CreateMatchHandler).Methods(http.MethodPost)
	api.HandleFunc("/{id}", s.GetMatchHandler).Methods(http.MethodGet)
	api.HandleFunc("/{id}/commentary", s.ListCommentaryHandler).Methods(http.MethodGet)
	api.HandleFunc("/{id}/commentary", s.CreateCommentaryHandler).Methods(http.MethodPost)

	return router
}

// statusRecorder captures the response status. It forwards Hijack so the
// WebSocket upgrade still works behind the logging middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.log.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.log.Error()
		} else if rec.status >= http.StatusBadRequest {
			event = s.log.Info()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Float64("elapsed_ms", logging.Elapsed(start)).
			Msg("Handled request")
	})
}
