package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/worldlink/internal/config"
	"github.com/cory-johannsen/worldlink/internal/world"
)

type received struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeBridge answers calls with canned results and can push events.
type fakeBridge struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	calls    []received
	results  map[string]any
	failures map[string]*RemoteError
	silent   map[string]bool
	// burst counts object_updated events sent ahead of a method's reply.
	burst   map[string]int
	account string
	conn    *websocket.Conn
}

func newFakeBridge(t *testing.T) (*fakeBridge, *httptest.Server) {
	b := &fakeBridge{
		t:        t,
		results:  make(map[string]any),
		failures: make(map[string]*RemoteError),
		silent:   make(map[string]bool),
		burst:    make(map[string]int),
	}
	ts := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(ts.Close)
	return b, ts
}

func (b *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.account = r.URL.Query().Get("account")
	b.conn = ws
	b.mu.Unlock()
	defer ws.Close()
	for {
		var req received
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		b.mu.Lock()
		b.calls = append(b.calls, req)
		res, fail, silent := b.results[req.Method], b.failures[req.Method], b.silent[req.Method]
		burst := b.burst[req.Method]
		b.mu.Unlock()
		if silent {
			continue
		}
		for i := 0; i < burst; i++ {
			b.push("object_updated", world.Object{ID: uuid.New(), Name: "prim"})
		}
		reply := map[string]any{"id": req.ID}
		if fail != nil {
			reply["error"] = fail
		} else if res != nil {
			reply["result"] = res
		}
		b.write(reply)
	}
}

func (b *fakeBridge) write(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.WriteJSON(v); err != nil {
		b.t.Logf("fake bridge write: %v", err)
	}
}

func (b *fakeBridge) push(event string, data any) {
	b.write(map[string]any{"event": event, "data": data})
}

func (b *fakeBridge) callsTo(method string) []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []received
	for _, c := range b.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newClient(t *testing.T, ts *httptest.Server, callTimeout time.Duration) (*Client, uuid.UUID) {
	t.Helper()
	cfg := config.WorldConfig{
		BridgeURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge",
		DialTimeout: time.Second,
		CallTimeout: callTimeout,
	}
	acct := uuid.New()
	c := NewFactory(cfg, zaptest.NewLogger(t)).NewClient(acct).(*Client)
	return c, acct
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), world.Credentials{FirstName: "Ada", LastName: "Resident", Password: "pw"}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
}

func nextEvent(t *testing.T, c *Client) world.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return world.Event{}
	}
}

func TestConnectSendsLogin(t *testing.T) {
	b, ts := newFakeBridge(t)
	c, acct := newClient(t, ts, time.Second)
	connect(t, c)

	logins := b.callsTo(methodLogin)
	require.Len(t, logins, 1)
	var p loginParams
	require.NoError(t, json.Unmarshal(logins[0].Params, &p))
	assert.Equal(t, "Ada", p.FirstName)
	assert.Equal(t, "pw", p.Password)
	b.mu.Lock()
	assert.Equal(t, acct.String(), b.account)
	b.mu.Unlock()
}

func TestConnectLoginRejected(t *testing.T) {
	b, ts := newFakeBridge(t)
	b.failures[methodLogin] = &RemoteError{Code: "login_failed", Message: "bad password"}
	c, _ := newClient(t, ts, time.Second)

	err := c.Connect(context.Background(), world.Credentials{FirstName: "Ada"})
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "login_failed", remote.Code)
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConnectDialFailure(t *testing.T) {
	c := NewFactory(config.WorldConfig{BridgeURL: "ws://127.0.0.1:1/bridge", DialTimeout: time.Second}, zaptest.NewLogger(t)).
		NewClient(uuid.New())
	assert.Error(t, c.Connect(context.Background(), world.Credentials{}))
	require.NoError(t, c.Disconnect(context.Background()))
	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestCallsBeforeConnect(t *testing.T) {
	_, ts := newFakeBridge(t)
	c, _ := newClient(t, ts, time.Second)
	assert.ErrorIs(t, c.Stand(context.Background()), ErrNotConnected)
}

func TestCallParams(t *testing.T) {
	b, ts := newFakeBridge(t)
	c, _ := newClient(t, ts, time.Second)
	connect(t, c)
	ctx := context.Background()
	obj := uuid.New()

	require.NoError(t, c.SendChat(ctx, "hello", 0, world.ChatShout))
	require.NoError(t, c.Sit(ctx, obj))
	require.NoError(t, c.AnswerDialog(ctx, world.DialogAnswer{ObjectID: obj, Channel: -42, ButtonIndex: 1, ButtonLabel: "Yes"}))
	require.NoError(t, c.StopAnimations(ctx, map[uuid.UUID]struct{}{obj: {}}))

	var chat chatParams
	require.NoError(t, json.Unmarshal(b.callsTo(methodChat)[0].Params, &chat))
	assert.Equal(t, chatParams{Message: "hello", Channel: 0, Type: "shout"}, chat)

	var sit targetParams
	require.NoError(t, json.Unmarshal(b.callsTo(methodSit)[0].Params, &sit))
	assert.Equal(t, obj, sit.Target)

	var dlg dialogParams
	require.NoError(t, json.Unmarshal(b.callsTo(methodDialog)[0].Params, &dlg))
	assert.Equal(t, -42, dlg.Channel)
	assert.Equal(t, "Yes", dlg.ButtonLabel)

	var stop stopAnimationsParams
	require.NoError(t, json.Unmarshal(b.callsTo(methodStopAnimations)[0].Params, &stop))
	assert.Equal(t, []uuid.UUID{obj}, stop.Except)
}

func TestResults(t *testing.T) {
	b, ts := newFakeBridge(t)
	known := uuid.New()
	b.results[methodPresence] = presenceResult{Away: true}
	b.results[methodNearbyAvatars] = []world.Avatar{{ID: known, Name: "Bob", Distance: 3}}
	c, _ := newClient(t, ts, time.Second)
	connect(t, c)
	ctx := context.Background()

	p, err := c.Presence(ctx)
	require.NoError(t, err)
	assert.Equal(t, world.Presence{Away: true}, p)

	avs, err := c.ListNearbyAvatars(ctx)
	require.NoError(t, err)
	require.Len(t, avs, 1)
	assert.Equal(t, "Bob", avs[0].Name)

	info, err := c.LookupObject(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, info, "missing result means unknown object")

	b.mu.Lock()
	b.results[methodLookupObject] = world.ObjectInfo{ID: known, Name: "Chair"}
	b.mu.Unlock()
	info, err = c.LookupObject(ctx, known)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "Chair", info.Name)
}

func TestCallTimeout(t *testing.T) {
	b, ts := newFakeBridge(t)
	b.silent[methodStand] = true
	c, _ := newClient(t, ts, 50*time.Millisecond)
	connect(t, c)

	err := c.Stand(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventBurstDoesNotDelayReply(t *testing.T) {
	b, ts := newFakeBridge(t)
	b.burst[methodChat] = 400
	c, _ := newClient(t, ts, 2*time.Second)
	connect(t, c)

	start := time.Now()
	require.NoError(t, c.SendChat(context.Background(), "hello", 0, world.ChatNormal))
	assert.Less(t, time.Since(start), time.Second)

	for i := 0; i < 400; i++ {
		ev := nextEvent(t, c)
		require.Equal(t, world.EventObjectUpdated, ev.Kind, "event %d", i)
	}
}

func TestEventsDecoded(t *testing.T) {
	b, ts := newFakeBridge(t)
	c, _ := newClient(t, ts, time.Second)
	connect(t, c)
	dialog := uuid.New()
	gone := uuid.New()

	b.push("chat_received", world.ChatMessage{FromName: "Bob", Message: "hi"})
	b.push("script_dialog", world.ScriptDialog{ID: dialog, Message: "Pick", Buttons: []string{"A", "B"}})
	b.push("avatar_removed", map[string]any{"id": gone})
	b.push("presence_changed", map[string]any{"away": false, "busy": true})
	b.push("no_such_event", map[string]any{})

	ev := nextEvent(t, c)
	assert.Equal(t, world.EventChatReceived, ev.Kind)
	assert.Equal(t, "hi", ev.Chat.Message)

	ev = nextEvent(t, c)
	assert.Equal(t, world.EventScriptDialog, ev.Kind)
	assert.Equal(t, dialog, ev.Dialog.ID)
	assert.Equal(t, []string{"A", "B"}, ev.Dialog.Buttons)

	ev = nextEvent(t, c)
	assert.Equal(t, world.EventAvatarRemoved, ev.Kind)
	assert.Equal(t, gone, ev.AvatarID)

	ev = nextEvent(t, c)
	assert.Equal(t, world.EventPresenceChanged, ev.Kind)
	assert.True(t, ev.Presence.Busy)
}

func TestBridgeDropEndsEvents(t *testing.T) {
	b, ts := newFakeBridge(t)
	c, _ := newClient(t, ts, time.Second)
	connect(t, c)

	b.mu.Lock()
	_ = b.conn.Close()
	b.mu.Unlock()

	ev := nextEvent(t, c)
	require.Equal(t, world.EventSessionClosed, ev.Kind)
	assert.Equal(t, "bridge connection lost", ev.Closed.Reason)
	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Stand(context.Background()), ErrNotConnected)
}

func TestDisconnectLogsOut(t *testing.T) {
	b, ts := newFakeBridge(t)
	c, _ := newClient(t, ts, time.Second)
	require.NoError(t, c.Connect(context.Background(), world.Credentials{}))

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Len(t, b.callsTo(methodLogout), 1)
	require.NoError(t, c.Disconnect(context.Background()))
}
