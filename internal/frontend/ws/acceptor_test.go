package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/worldlink/internal/config"
	"github.com/cory-johannsen/worldlink/internal/dispatch"
	"github.com/cory-johannsen/worldlink/internal/event"
)

// echoHandler answers every command with an ack through the acceptor.
type echoHandler struct {
	a *Acceptor

	mu     sync.Mutex
	opened []string
	closed []string
	cmds   []dispatch.Command
}

func (h *echoHandler) ConnectionOpened(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, id)
}

func (h *echoHandler) ConnectionClosed(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, id)
}

func (h *echoHandler) Handle(_ context.Context, connID string, cmd dispatch.Command) {
	h.mu.Lock()
	h.cmds = append(h.cmds, cmd)
	h.mu.Unlock()
	ev := event.Event{Type: event.Ack, ReplyTo: cmd.ID, Time: time.Now()}
	payload, _ := json.Marshal(ev)
	_ = h.a.Deliver(connID, payload)
}

func (h *echoHandler) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closed)
}

func testConfig() config.WebConfig {
	return config.WebConfig{
		Host:         "127.0.0.1",
		Port:         0,
		Path:         "/ws",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		PingInterval: time.Second,
		SendBuffer:   16,
	}
}

func newTestServer(t *testing.T, cfg config.WebConfig) (*Acceptor, *echoHandler, *httptest.Server) {
	t.Helper()
	h := &echoHandler{}
	a := NewAcceptor(cfg, h, zaptest.NewLogger(t))
	h.a = a
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return a, h, ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) event.Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev event.Event
	require.NoError(t, c.ReadJSON(&ev))
	return ev
}

func TestCommandRoundTrip(t *testing.T) {
	a, h, ts := newTestServer(t, testConfig())
	c := dial(t, ts, nil)

	require.NoError(t, c.WriteJSON(dispatch.Command{ID: "1", Type: "subscribe", AccountID: "x"}))
	ev := readEvent(t, c)
	assert.Equal(t, event.Ack, ev.Type)
	assert.Equal(t, "1", ev.ReplyTo)

	assert.Equal(t, 1, a.Count())
	h.mu.Lock()
	require.Len(t, h.opened, 1)
	require.Len(t, h.cmds, 1)
	assert.Equal(t, "subscribe", h.cmds[0].Type)
	h.mu.Unlock()
}

func TestCommandsHandledInOrder(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())
	c := dial(t, ts, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.WriteJSON(dispatch.Command{ID: id, Type: "presence.get"}))
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, readEvent(t, c).ReplyTo)
	}
}

func TestMalformedFrameGetsError(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())
	c := dial(t, ts, nil)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEvent(t, c)
	assert.Equal(t, event.Error, ev.Type)

	// the connection survives
	require.NoError(t, c.WriteJSON(dispatch.Command{ID: "ok", Type: "presence.get"}))
	assert.Equal(t, "ok", readEvent(t, c).ReplyTo)
}

func TestClientCloseNotifiesHandler(t *testing.T) {
	a, h, ts := newTestServer(t, testConfig())
	c := dial(t, ts, nil)
	require.Eventually(t, func() bool { return a.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = c.Close()
	require.Eventually(t, func() bool { return h.closedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.Count())
}

func TestDeliverUnknownConnection(t *testing.T) {
	a := NewAcceptor(testConfig(), &echoHandler{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, a.Deliver("nobody", []byte("{}")), ErrUnknownConn)
}

func TestDeliverSlowConsumerClosed(t *testing.T) {
	a := NewAcceptor(testConfig(), &echoHandler{}, zaptest.NewLogger(t))
	c := newConn("c1", "test", nil, 1, time.Second, time.Second)
	a.conns[c.id] = c

	require.NoError(t, a.Deliver("c1", []byte("one")))
	err := a.Deliver("c1", []byte("two"))
	assert.True(t, errors.Is(err, ErrSlowConsumer))
	select {
	case <-c.done:
	default:
		t.Fatal("slow connection was not closed")
	}
	assert.Equal(t, websocket.ClosePolicyViolation, c.closeCode)
	assert.False(t, c.enqueue([]byte("three")))
}

func TestOriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example"}
	_, _, ts := newTestServer(t, cfg)
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://app.example"}})
	require.NoError(t, err)
	_ = c.Close()
}

func TestOriginCheckDefaultAllowsAll(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())
	dial(t, ts, http.Header{"Origin": []string{"https://anywhere.example"}})
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStopSendsGoingAway(t *testing.T) {
	h := &echoHandler{}
	a := NewAcceptor(testConfig(), h, zaptest.NewLogger(t))
	h.a = a

	errCh := make(chan error, 1)
	go func() { errCh <- a.Start(context.Background()) }()
	require.Eventually(t, func() bool { return a.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	c, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return a.Count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, <-errCh)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, 1, h.closedCount())
}

func TestStopIdempotent(t *testing.T) {
	a := NewAcceptor(testConfig(), &echoHandler{}, zaptest.NewLogger(t))
	assert.NoError(t, a.Stop(context.Background()))
}
