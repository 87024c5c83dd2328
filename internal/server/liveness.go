// Package server runs the liveness Supervisor that pings open connections and
// terminates the ones that stop answering.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor probes every registered connection on a fixed period and
// terminates connections that did not answer the previous probe.
type Supervisor struct {
	broker   *Broker
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(b *Broker, interval time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		broker:   b,
		interval: interval,
		log:      log.With().Str("loop", "liveness").Logger(),
	}
}

func (s *Supervisor) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("Liveness loop exiting")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// stop releases the ticker and waits for the loop to exit.
func (s *Supervisor) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep runs one probe cycle and returns how many connections were probed
// and how many were terminated.
func (s *Supervisor) Sweep() (probed, terminated int) {
	for _, c := range s.broker.snapshot() {
		if !c.alive.CompareAndSwap(true, false) {
			c.log.Info().Msg("Terminating unresponsive client")
			c.terminate()
			terminated++
			continue
		}

		if err := c.ping(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("Error sending liveness probe")
		}
		probed++
	}

	if terminated > 0 {
		s.log.Info().Int("terminated", terminated).Int("probed", probed).Msg("Liveness sweep finished")
	}
	return probed, terminated
}
