// Package limiter implements a keyed fixed-window rate limiter used to gate
// both inbound HTTP requests and WebSocket connection attempts.
package limiter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const shardCount = 32

// Config defines the window parameters of one limiter instance.
type Config struct {
	// Window is the length of each fixed counting window.
	Window time.Duration
	// Max is the number of admissions allowed per key inside one window.
	Max int
	// SweepInterval is how often expired entries are evicted by Start.
	SweepInterval time.Duration
}

type entry struct {
	count    int
	resetsAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter counts admissions per key in fixed windows. The key table is split
// over FNV-hashed shards so unrelated keys do not contend on one mutex.
type Limiter struct {
	cfg    Config
	shards [shardCount]shard
	now    func() time.Time
	log    zerolog.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock used by Allow.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger attaches a logger used by the background sweeper.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func sanitize(cfg Config) Config {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return cfg
}

// New creates a Limiter. Non-positive settings are replaced by safe defaults.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg: sanitize(cfg),
		now: time.Now,
		log: zerolog.Nop(),
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Admit records one observation of key at now and reports whether it is
// within the budget. A denied observation still counts, so a key that keeps
// hammering stays denied until its window rolls over.
func (l *Limiter) Admit(key string, now time.Time) bool {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.resetsAt) {
		s.entries[key] = &entry{count: 1, resetsAt: now.Add(l.cfg.Window)}
		return true
	}

	e.count++
	return e.count <= l.cfg.Max
}

// Allow is Admit evaluated at the limiter's clock.
func (l *Limiter) Allow(key string) bool {
	return l.Admit(key, l.now())
}

// Sweep evicts every entry whose window expired before now and returns the
// number of evicted keys.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if now.After(e.resetsAt) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	total := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Start launches the periodic sweeper. It is a no-op if already running.
func (l *Limiter) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Limiter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				l.log.Debug().Int("evicted", n).Msg("Swept expired rate limit entries")
			}
		}
	}
}

// Stop halts the sweeper and waits for it to exit.
func (l *Limiter) Stop() {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
