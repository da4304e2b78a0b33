package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/connection"
	"github.com/cory-johannsen/worldlink/internal/event"
	"github.com/cory-johannsen/worldlink/internal/fanout"
	"github.com/cory-johannsen/worldlink/internal/interactive"
	"github.com/cory-johannsen/worldlink/internal/presence"
	"github.com/cory-johannsen/worldlink/internal/scripting"
	"github.com/cory-johannsen/worldlink/internal/session"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
	"github.com/cory-johannsen/worldlink/internal/world"
	"github.com/cory-johannsen/worldlink/internal/world/worldtest"
)

// frame is an Event as a browser decodes it.
type frame struct {
	Type      event.Type      `json:"type"`
	AccountID string          `json:"account_id"`
	Seq       uint64          `json:"seq"`
	ReplyTo   string          `json:"reply_to"`
	Data      json.RawMessage `json:"data"`
}

func (f frame) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v))
}

type outbox struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func newOutbox() *outbox { return &outbox{frames: map[string][]frame{}} }

func (o *outbox) Deliver(connID string, payload []byte) error {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[connID] = append(o.frames[connID], f)
	return nil
}

func (o *outbox) all(connID string) []frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]frame(nil), o.frames[connID]...)
}

func (o *outbox) ofType(connID string, t event.Type) []frame {
	var out []frame
	for _, f := range o.all(connID) {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (o *outbox) replyTo(connID, id string) []frame {
	var out []frame
	for _, f := range o.all(connID) {
		if f.ReplyTo == id {
			out = append(out, f)
		}
	}
	return out
}

type accountStore struct {
	mu    sync.Mutex
	creds map[uuid.UUID]world.Credentials
}

func (a *accountStore) Credentials(_ context.Context, id uuid.UUID) (world.Credentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.creds[id]
	if !ok {
		return world.Credentials{}, &apperr.Error{Kind: apperr.KindNotFound, Op: "accounts.Credentials", Err: postgres.ErrAccountNotFound}
	}
	return c, nil
}

type chatStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[uuid.UUID][]postgres.ChatEntry
}

func (c *chatStore) Append(_ context.Context, id uuid.UUID, e postgres.ChatEntry) (postgres.ChatEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	e.ID = c.nextID
	c.entries[id] = append(c.entries[id], e)
	return e, nil
}

func (c *chatStore) History(_ context.Context, id uuid.UUID, key string, limit int) ([]postgres.ChatEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []postgres.ChatEntry
	for _, e := range c.entries[id] {
		if e.SessionKey == key {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *chatStore) Clear(_ context.Context, id uuid.UUID, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []postgres.ChatEntry
	var n int64
	for _, e := range c.entries[id] {
		if e.SessionKey == key {
			n++
			continue
		}
		kept = append(kept, e)
	}
	c.entries[id] = kept
	return n, nil
}

func (c *chatStore) RecentSessions(_ context.Context, id uuid.UUID, limit int) ([]postgres.RecentSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byKey := map[string]*postgres.RecentSession{}
	for _, e := range c.entries[id] {
		s := byKey[e.SessionKey]
		if s == nil {
			s = &postgres.RecentSession{SessionKey: e.SessionKey}
			byKey[e.SessionKey] = s
		}
		s.Count++
		s.LastActivity, s.LastMessage = e.SentAt, e.Message
	}
	var out []postgres.RecentSession
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type noticeStore struct {
	mu      sync.Mutex
	notices map[uuid.UUID][]postgres.StoredNotice
}

func (n *noticeStore) Save(_ context.Context, id uuid.UUID, notice world.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.notices[id] {
		if s.ID == notice.ID {
			return nil
		}
	}
	n.notices[id] = append(n.notices[id], postgres.StoredNotice{Notice: notice})
	return nil
}

func (n *noticeStore) List(_ context.Context, id uuid.UUID, unreadOnly bool) ([]postgres.StoredNotice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []postgres.StoredNotice
	for _, s := range n.notices[id] {
		if unreadOnly && s.Acknowledged {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (n *noticeStore) Get(_ context.Context, id, noticeID uuid.UUID) (postgres.StoredNotice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.notices[id] {
		if s.ID == noticeID {
			return s, nil
		}
	}
	return postgres.StoredNotice{}, postgres.ErrNoticeNotFound
}

func (n *noticeStore) UnreadCount(ctx context.Context, id uuid.UUID) (int, error) {
	l, err := n.List(ctx, id, true)
	return len(l), err
}

func (n *noticeStore) Acknowledge(_ context.Context, id, noticeID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.notices[id] {
		if s.ID == noticeID {
			n.notices[id][i].Acknowledged = true
			return nil
		}
	}
	return postgres.ErrNoticeNotFound
}

func (n *noticeStore) Dismiss(_ context.Context, id, noticeID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.notices[id] {
		if s.ID == noticeID {
			n.notices[id] = append(n.notices[id][:i], n.notices[id][i+1:]...)
			return nil
		}
	}
	return postgres.ErrNoticeNotFound
}

type loginStore struct {
	mu      sync.Mutex
	started map[uuid.UUID]int
	ended   map[uuid.UUID][]string
}

func (l *loginStore) Start(_ context.Context, id uuid.UUID, _ time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started[id]++
	return int64(l.started[id]), nil
}

func (l *loginStore) End(_ context.Context, id uuid.UUID, _ time.Time, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended[id] = append(l.ended[id], reason)
	return nil
}

func (l *loginStore) starts(id uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started[id]
}

func (l *loginStore) ends(id uuid.UUID) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ended[id]...)
}

type healthRecorder struct {
	mu      sync.Mutex
	serving map[uuid.UUID]bool
}

func (h *healthRecorder) SetAccountServing(id uuid.UUID, serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serving[id] = serving
}

func (h *healthRecorder) get(id uuid.UUID) (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.serving[id]
	return v, ok
}

// autoReplier answers teleports from one avatar and leaves the rest alone.
type autoReplier struct {
	trusted uuid.UUID
}

func (a autoReplier) DecideDialog(uuid.UUID, world.ScriptDialog) (scripting.DialogChoice, bool) {
	return scripting.DialogChoice{}, false
}

func (a autoReplier) DecidePermission(uuid.UUID, world.ScriptPermission) (bool, bool) {
	return false, false
}

func (a autoReplier) DecideTeleport(_ uuid.UUID, o world.TeleportOffer) (bool, bool) {
	if o.FromID == a.trusted {
		return true, true
	}
	return false, false
}

type harness struct {
	t        *testing.T
	svc      *Service
	mgr      *session.Manager
	factory  *worldtest.Factory
	out      *outbox
	tracker  *connection.Tracker
	registry *interactive.Registry
	presence *presence.Machine
	accounts *accountStore
	chat     *chatStore
	notices  *noticeStore
	logins   *loginStore
	health   *healthRecorder
}

type harnessOption func(*Deps, *presence.Policy)

func withAutoReply(a AutoReplier) harnessOption {
	return func(d *Deps, _ *presence.Policy) { d.AutoReply = a }
}

func withPolicy(p presence.Policy) harnessOption {
	return func(_ *Deps, pol *presence.Policy) { *pol = p }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		t:        t,
		factory:  worldtest.NewFactory(),
		out:      newOutbox(),
		tracker:  connection.NewTracker(),
		registry: interactive.NewRegistry(),
		accounts: &accountStore{creds: map[uuid.UUID]world.Credentials{}},
		chat:     &chatStore{entries: map[uuid.UUID][]postgres.ChatEntry{}},
		notices:  &noticeStore{notices: map[uuid.UUID][]postgres.StoredNotice{}},
		logins:   &loginStore{started: map[uuid.UUID]int{}, ended: map[uuid.UUID][]string{}},
		health:   &healthRecorder{serving: map[uuid.UUID]bool{}},
	}
	deps := Deps{
		Tracker:  h.tracker,
		Registry: h.registry,
		Fanout:   fanout.NewBroadcaster(h.tracker, h.out, logger),
		Out:      h.out,
		Accounts: h.accounts,
		Chat:     h.chat,
		Notices:  h.notices,
		Logins:   h.logins,
		Health:   h.health,
		Logger:   logger,
	}
	var policy presence.Policy
	for _, o := range opts {
		o(&deps, &policy)
	}

	svc := NewService(deps, Options{DialogExpiry: time.Minute, PermissionExpiry: time.Minute, TeleportExpiry: time.Minute})
	mgr := session.NewManager(h.factory, svc, logger, session.Options{ConnectTimeout: time.Second})
	h.presence = presence.NewMachine(policy, mgr, h.tracker)
	svc.Presence = h.presence
	svc.Attach(mgr)
	h.svc, h.mgr = svc, mgr

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = svc.Close(ctx)
		_ = deps.Fanout.Close(ctx)
	})
	return h
}

// account registers credentials for a fresh account id.
func (h *harness) account() uuid.UUID {
	id := uuid.New()
	h.accounts.mu.Lock()
	defer h.accounts.mu.Unlock()
	h.accounts.creds[id] = world.Credentials{FirstName: "Test", LastName: "Resident", Password: "secret"}
	return id
}

// send runs a command and returns its correlation id.
func (h *harness) send(conn, typ string, acct uuid.UUID, data any) string {
	h.t.Helper()
	cmd := Command{ID: uuid.NewString(), Type: typ}
	if acct != uuid.Nil {
		cmd.AccountID = acct.String()
	}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(h.t, err)
		cmd.Data = raw
	}
	h.svc.Handle(context.Background(), conn, cmd)
	return cmd.ID
}

func (h *harness) sendRequest(conn, typ string, acct, requestID uuid.UUID, data any) string {
	h.t.Helper()
	cmd := Command{ID: uuid.NewString(), Type: typ, AccountID: acct.String(), RequestID: requestID.String()}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(h.t, err)
		cmd.Data = raw
	}
	h.svc.Handle(context.Background(), conn, cmd)
	return cmd.ID
}

// reply waits for the single reply to id.
func (h *harness) reply(conn, id string) frame {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.out.replyTo(conn, id)) > 0 }, 2*time.Second, 5*time.Millisecond)
	return h.out.replyTo(conn, id)[0]
}

// waitFor waits until conn has received n events of type t.
func (h *harness) waitFor(conn string, t event.Type, n int) []frame {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.out.ofType(conn, t)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s on %s", n, t, conn)
	return h.out.ofType(conn, t)
}

// connected subscribes conn to a new account and logs it in.
func (h *harness) connected(conn string) uuid.UUID {
	h.t.Helper()
	acct := h.account()
	h.send(conn, "subscribe", acct, nil)
	id := h.send(conn, "account.connect", acct, nil)
	r := h.reply(conn, id)
	require.Equal(h.t, event.Ack, r.Type, string(r.Data))
	require.NotNil(h.t, h.mgr.GetSession(acct))
	return acct
}

func (h *harness) client(acct uuid.UUID) *worldtest.Client {
	return h.factory.Last(acct)
}
