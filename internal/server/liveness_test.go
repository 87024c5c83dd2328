package server

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepTerminatesAfterTwoMissedProbes(t *testing.T) {
	assert := assert.New(t)
	b := newTestBroker(t, nil)
	sup := b.Supervisor()

	stale := openConn(t, b)
	live := openConn(t, b)
	b.Subscribe(stale, 42)
	b.Subscribe(live, 7)

	probed, terminated := sup.Sweep()
	assert.Equal(2, probed)
	assert.Equal(0, terminated)
	assert.False(stale.Alive())
	assert.False(live.Alive())

	// Only live acknowledges the probe.
	live.markAlive()

	probed, terminated = sup.Sweep()
	assert.Equal(1, probed)
	assert.Equal(1, terminated)
	assert.Equal(StateClosed, stale.State())
	assert.Equal(StateOpen, live.State())
	assert.Equal(1, b.ConnCount())
	assert.Empty(b.Subscribers(42))
	assert.Equal(1, b.TopicCount())
	assertIndexConsistent(t, b)
}

func TestSupervisorRunsOnInterval(t *testing.T) {
	b := newTestBroker(t, func(cfg *BrokerConfig) { cfg.PingInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := openConn(t, b)
	b.Subscribe(c, 3)
	b.Start(ctx)
	b.Start(ctx)

	assert.Eventually(t, func() bool { return b.ConnCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, b.TopicCount())
}

// readLoop drains ws in the background so control frames are processed. The
// returned channel is closed when the connection fails.
func readLoop(ws *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func TestSweepOverWebSocket(t *testing.T) {
	srv, ts := newTestServer(t, nil, nil)
	b := srv.Broker()
	sup := b.Supervisor()

	responsive, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer responsive.Close()
	require.Equal(t, TypeWelcome, readEnvelope(t, responsive).Type)

	silent, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer silent.Close()
	require.Equal(t, TypeWelcome, readEnvelope(t, silent).Type)
	silent.SetPingHandler(func(string) error { return nil })

	require.Eventually(t, func() bool { return b.ConnCount() == 2 }, time.Second, 5*time.Millisecond)
	responsiveDone := readLoop(responsive)
	silentDone := readLoop(silent)

	probed, terminated := sup.Sweep()
	assert.Equal(t, 2, probed)
	assert.Equal(t, 0, terminated)

	// Wait for the responsive client's pong to land.
	assert.Eventually(t, func() bool {
		alive := 0
		for _, c := range b.snapshot() {
			if c.Alive() {
				alive++
			}
		}
		return alive == 1
	}, time.Second, 5*time.Millisecond)

	probed, terminated = sup.Sweep()
	assert.Equal(t, 1, probed)
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 1, b.ConnCount())

	select {
	case <-silentDone:
	case <-time.After(2 * time.Second):
		t.Fatal("silent client was not disconnected")
	}
	select {
	case <-responsiveDone:
		t.Fatal("responsive client was disconnected")
	default:
	}
}
