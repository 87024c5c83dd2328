package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sportrts/internal/config"
	"github.com/Tyrowin/sportrts/internal/store"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"

// newTestServer runs the full handler stack on an httptest server. The
// liveness loop is not started; tests drive Sweep directly.
func newTestServer(t *testing.T, st MatchStore, mutate func(cfg *config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Broker.PingInterval = time.Hour
	cfg.Broker.SendTimeout = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	srv := New(cfg, st, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(time.Second)
		ts.Close()
	})
	return srv, ts
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sportrts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, resp, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return ws, resp, err
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func doRequest(t *testing.T, method, url, ua, body string) (*http.Response, map[string]any) {
	t.Helper()
	return doRequestAs(t, method, url, ua, "application/json", body)
}

func doRequestAs(t *testing.T, method, url, ua, contentType, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", ua)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestRootAndHealth(t *testing.T) {
	assert := assert.New(t)
	_, ts := newTestServer(t, nil, nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/", testUA, "")
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("application/json", resp.Header.Get("Content-Type"))
	assert.Equal("Hello from SportRTS", body["message"])

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/health", testUA, "")
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("ok", body["status"])
	assert.Equal(float64(0), body["connections"])
}

func TestWebSocketMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/ws", testUA, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMatchAndCommentaryFanOut(t *testing.T) {
	assert := assert.New(t)
	_, ts := newTestServer(t, openTestStore(t), nil)

	ws, resp, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(TypeWelcome, readEnvelope(t, ws).Type)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/matches", testUA,
		`{"sport":"football","homeTeam":"Lions","awayTeam":"Tigers","startTime":"2026-05-01T18:00:00Z"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]any)
	matchID := int64(data["id"].(float64))

	env := readEnvelope(t, ws)
	assert.Equal(TypeMatchCreated, env.Type)
	assert.Equal("Lions", env.Data.(map[string]any)["homeTeam"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "matchId": matchID}))
	env = readEnvelope(t, ws)
	assert.Equal(TypeSubscribed, env.Type)
	require.NotNil(t, env.MatchID)
	assert.Equal(matchID, *env.MatchID)

	commentaryURL := fmt.Sprintf("%s/matches/%d/commentary", ts.URL, matchID)
	resp, body = doRequest(t, http.MethodPost, commentaryURL, testUA, `{"minute":12,"message":"Kick-off"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal("Kick-off", body["data"].(map[string]any)["message"])

	env = readEnvelope(t, ws)
	assert.Equal(TypeCommentary, env.Type)
	entry := env.Data.(map[string]any)
	assert.Equal("Kick-off", entry["message"])
	assert.Equal(float64(matchID), entry["matchId"])

	resp, body = doRequest(t, http.MethodGet, commentaryURL, testUA, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(body["data"], 1)

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/matches?limit=5", testUA, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(body["data"], 1)

	resp, body = doRequest(t, http.MethodGet, fmt.Sprintf("%s/matches/%d", ts.URL, matchID), testUA, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal("Tigers", body["data"].(map[string]any)["awayTeam"])
}

func TestRESTValidation(t *testing.T) {
	assert := assert.New(t)
	_, ts := newTestServer(t, openTestStore(t), nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/matches", testUA, `{"sport":"football"}`)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	assert.Equal("Invalid payload", body["error"])
	assert.NotEmpty(body["details"])

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/matches/abc/commentary", testUA, `{"message":"hi"}`)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	assert.Equal("Invalid match ID parameter", body["error"])

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/matches/99/commentary", testUA, `{"minute":-1,"message":"hi"}`)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	assert.Equal("Invalid commentary payload", body["error"])

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/matches/99/commentary", testUA, `{"message":"hi"}`)
	assert.Equal(http.StatusNotFound, resp.StatusCode)
	assert.Equal("Match not found", body["error"])

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/matches?limit=0", testUA, "")
	assert.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/matches/99", testUA, "")
	assert.Equal(http.StatusNotFound, resp.StatusCode)
	assert.Equal("Match not found", body["error"])

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/matches/0", testUA, "")
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	assert.Equal("Invalid match ID parameter", body["error"])
}

func TestRESTWithoutStore(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	resp, body := doRequest(t, http.MethodGet, ts.URL+"/matches", testUA, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Storage unavailable", body["error"])
}

func TestAdmissionDenialsOverHTTP(t *testing.T) {
	assert := assert.New(t)
	_, ts := newTestServer(t, nil, func(cfg *config.Config) { cfg.Limits.Request.Max = 3 })

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/matches/1/commentary", testUA,
		`{"message":"'; DROP TABLE users; --"}`)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	assert.Equal("Suspicious payload", body["error"])
	assert.Equal("nosniff", resp.Header.Get("X-Content-Type-Options"))

	// The declared Content-Type does not exempt a body from scoring.
	resp, body = doRequestAs(t, http.MethodPost, ts.URL+"/matches/1/commentary", testUA, "text/plain",
		`{"note": "'; DROP TABLE users; --"}`)
	assert.Equal(http.StatusBadRequest, resp.StatusCode)
	assert.Equal("Suspicious payload", body["error"])

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/matches", "curl/8.5.0", "")
	assert.Equal(http.StatusForbidden, resp.StatusCode)
	assert.Equal("Forbidden", body["error"])

	// An explicitly empty header makes the client send no User-Agent.
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/matches", "", "")
	assert.Equal(http.StatusForbidden, resp.StatusCode)

	// Bot checks run before the limiter, so the budget for /matches is intact.
	for i := 0; i < 3; i++ {
		resp, _ = doRequest(t, http.MethodGet, ts.URL+"/matches", testUA, "")
		assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	}
	resp, body = doRequest(t, http.MethodGet, ts.URL+"/matches", testUA, "")
	assert.Equal(http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal("Too many requests", body["error"])

	// Unguarded routes are unaffected.
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/", "", "")
	assert.Equal(http.StatusOK, resp.StatusCode)
}

func TestInjectionNeverReachesStore(t *testing.T) {
	assert := assert.New(t)
	st := openTestStore(t)
	_, ts := newTestServer(t, st, nil)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/matches", testUA,
		`{"sport":"football","homeTeam":"Lions","awayTeam":"Tigers","startTime":"2026-05-01T18:00:00Z"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	matchID := int64(body["data"].(map[string]any)["id"].(float64))
	commentaryURL := fmt.Sprintf("%s/matches/%d/commentary", ts.URL, matchID)

	for _, contentType := range []string{"application/json", "text/plain", "application/octet-stream"} {
		resp, body = doRequestAs(t, http.MethodPost, commentaryURL, testUA, contentType,
			`{"message":"'; DROP TABLE users; --"}`)
		assert.Equal(http.StatusBadRequest, resp.StatusCode, contentType)
		assert.Equal("Suspicious payload", body["error"], contentType)
	}

	entries, err := st.ListCommentary(context.Background(), matchID, 10)
	require.NoError(t, err)
	assert.Empty(entries)
}

func TestOversizedBodyRejected(t *testing.T) {
	assert := assert.New(t)
	_, ts := newTestServer(t, openTestStore(t), func(cfg *config.Config) { cfg.Broker.MaxMessageSize = 64 })

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/matches", testUA,
		`{"sport":"football","homeTeam":"Lions","awayTeam":"Tigers","startTime":"2026-05-01T18:00:00Z"}`)
	assert.Equal(http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal("Payload too large", body["error"])
}

func TestUpgradeDeniedClosesWithPolicyViolation(t *testing.T) {
	srv, ts := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Limits.Connection.Max = 1
		cfg.Limits.Connection.Window = time.Minute
	})

	first, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, TypeWelcome, readEnvelope(t, first).Type)

	second, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "Too many requests", closeErr.Text)
	assert.Equal(t, 1, srv.Broker().ConnCount())
}

func TestInboundMessagesAreRateLimited(t *testing.T) {
	srv, ts := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Limits.Connection.Max = 3
		cfg.Limits.Connection.Window = time.Minute
	})

	ws, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, TypeWelcome, readEnvelope(t, ws).Type)

	for id := 1; id <= 5; id++ {
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "matchId": id}))
	}
	for id := int64(1); id <= 3; id++ {
		env := readEnvelope(t, ws)
		assert.Equal(t, TypeSubscribed, env.Type)
		assert.Equal(t, id, *env.MatchID)
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "frames beyond the budget get no reply")
	assert.Equal(t, 3, srv.Broker().TopicCount())
}

func TestMalformedFrameOverWebSocket(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	ws, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, TypeWelcome, readEnvelope(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := readEnvelope(t, ws)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, ErrMsgInvalidJSON, env.Error)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "matchId": 9}))
	assert.Equal(t, TypeSubscribed, readEnvelope(t, ws).Type)
}

func TestPeerCloseCleansUp(t *testing.T) {
	srv, ts := newTestServer(t, nil, nil)

	ws, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	require.Equal(t, TypeWelcome, readEnvelope(t, ws).Type)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "matchId": 42}))
	require.Equal(t, TypeSubscribed, readEnvelope(t, ws).Type)
	require.Equal(t, 1, srv.Broker().TopicCount())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()

	assert.Eventually(t, func() bool {
		return srv.Broker().ConnCount() == 0 && srv.Broker().TopicCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	srv, ts := newTestServer(t, nil, nil)

	ws, _, err := dial(t, ts, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, TypeWelcome, readEnvelope(t, ws).Type)

	require.NoError(t, srv.Shutdown(time.Second))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, srv.Broker().ConnCount())
}
