// Package worldtest provides an in-memory world.Client for tests.
package worldtest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/worldlink/internal/world"
)

// ErrInjected is the default failure returned by Fail.
var ErrInjected = errors.New("worldtest: injected failure")

// Call records one method invocation.
type Call struct {
	Method string
	Args   []any
}

// Client is a scriptable fake. The zero value is not usable; call NewClient.
type Client struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	objects  map[uuid.UUID]*world.ObjectInfo
	avatars  []world.Avatar
	presence world.Presence
	events   chan world.Event
	closed   bool

	// ConnectHook, when set, runs inside Connect before it returns.
	ConnectHook func(ctx context.Context, creds world.Credentials) error
	// CallHook, when set, runs inside SendChat, Sit, and Stand after the
	// call is recorded; a non-nil result fails the call.
	CallHook func(ctx context.Context, method string) error
}

// NewClient returns a fake with a buffered event channel.
func NewClient() *Client {
	return &Client{
		failures: make(map[string]error),
		objects:  make(map[uuid.UUID]*world.ObjectInfo),
		events:   make(chan world.Event, 256),
	}
}

// Fail makes every later call to method return err (ErrInjected when nil).
func (c *Client) Fail(method string, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = err
}

// Heal clears an injected failure.
func (c *Client) Heal(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, method)
}

// PutObject makes id resolvable by LookupObject.
func (c *Client) PutObject(info world.ObjectInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[info.ID] = &info
}

// SetAvatars sets the ListNearbyAvatars result.
func (c *Client) SetAvatars(avs []world.Avatar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avatars = append([]world.Avatar(nil), avs...)
}

// SetPresence sets the world-side presence reported by Presence.
func (c *Client) SetPresence(p world.Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = p
}

// Emit pushes a world event to the session. It is a no-op after Disconnect.
func (c *Client) Emit(ev world.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Drop simulates the network dropping: it emits EventSessionClosed and
// closes the event channel.
func (c *Client) Drop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- world.Event{Kind: world.EventSessionClosed, Closed: &world.Closed{Reason: reason, Err: ErrInjected}}
	c.closed = true
	close(c.events)
}

// Calls returns a copy of the recorded calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount counts recorded calls to method.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// LastCall returns the most recent call to method.
func (c *Client) LastCall(method string) (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].Method == method {
			return c.calls[i], true
		}
	}
	return Call{}, false
}

func (c *Client) record(method string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
	return c.failures[method]
}

func (c *Client) invoke(ctx context.Context, method string, args ...any) error {
	if err := c.record(method, args...); err != nil {
		return err
	}
	if c.CallHook != nil {
		return c.CallHook(ctx, method)
	}
	return nil
}

// Connect implements world.Client.
func (c *Client) Connect(ctx context.Context, creds world.Credentials) error {
	if err := c.record("Connect", creds); err != nil {
		return err
	}
	if c.ConnectHook != nil {
		return c.ConnectHook(ctx, creds)
	}
	return ctx.Err()
}

// Disconnect implements world.Client.
func (c *Client) Disconnect(_ context.Context) error {
	err := c.record("Disconnect")
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- world.Event{Kind: world.EventSessionClosed, Closed: &world.Closed{Reason: "logout"}}
		c.closed = true
		close(c.events)
	}
	return err
}

// SendChat implements world.Client.
func (c *Client) SendChat(ctx context.Context, message string, channel int, kind world.ChatType) error {
	return c.invoke(ctx, "SendChat", message, channel, kind)
}

// SendInstantMessage implements world.Client.
func (c *Client) SendInstantMessage(_ context.Context, to uuid.UUID, message string) error {
	return c.record("SendInstantMessage", to, message)
}

// SendGroupMessage implements world.Client.
func (c *Client) SendGroupMessage(_ context.Context, group uuid.UUID, message string) error {
	return c.record("SendGroupMessage", group, message)
}

// Sit implements world.Client.
func (c *Client) Sit(ctx context.Context, target uuid.UUID) error {
	return c.invoke(ctx, "Sit", target)
}

// Stand implements world.Client.
func (c *Client) Stand(ctx context.Context) error {
	return c.invoke(ctx, "Stand")
}

// StopAnimations implements world.Client.
func (c *Client) StopAnimations(_ context.Context, except map[uuid.UUID]struct{}) error {
	return c.record("StopAnimations", except)
}

// LookupObject implements world.Client.
func (c *Client) LookupObject(_ context.Context, id uuid.UUID) (*world.ObjectInfo, error) {
	if err := c.record("LookupObject", id); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.objects[id]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

// ListNearbyAvatars implements world.Client.
func (c *Client) ListNearbyAvatars(_ context.Context) ([]world.Avatar, error) {
	if err := c.record("ListNearbyAvatars"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]world.Avatar(nil), c.avatars...), nil
}

// AnswerDialog implements world.Client.
func (c *Client) AnswerDialog(_ context.Context, answer world.DialogAnswer) error {
	return c.record("AnswerDialog", answer)
}

// AnswerPermission implements world.Client.
func (c *Client) AnswerPermission(_ context.Context, answer world.PermissionAnswer) error {
	return c.record("AnswerPermission", answer)
}

// AnswerTeleport implements world.Client.
func (c *Client) AnswerTeleport(_ context.Context, answer world.TeleportAnswer) error {
	return c.record("AnswerTeleport", answer)
}

// AcceptInventoryOffer implements world.Client.
func (c *Client) AcceptInventoryOffer(_ context.Context, noticeID uuid.UUID, accept bool) error {
	return c.record("AcceptInventoryOffer", noticeID, accept)
}

// SetAway implements world.Client.
func (c *Client) SetAway(_ context.Context, away bool) error {
	if err := c.record("SetAway", away); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence.Away = away
	if away {
		c.presence.Busy = false
	}
	return nil
}

// SetBusy implements world.Client.
func (c *Client) SetBusy(_ context.Context, busy bool) error {
	if err := c.record("SetBusy", busy); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence.Busy = busy
	if busy {
		c.presence.Away = false
	}
	return nil
}

// Presence implements world.Client.
func (c *Client) Presence(_ context.Context) (world.Presence, error) {
	if err := c.record("Presence"); err != nil {
		return world.Presence{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence, nil
}

// Events implements world.Client.
func (c *Client) Events() <-chan world.Event {
	return c.events
}

// Factory hands out fakes and remembers them per account.
type Factory struct {
	mu      sync.Mutex
	clients map[uuid.UUID][]*Client

	// Prepare, when set, configures each new fake before it is returned.
	Prepare func(accountID uuid.UUID, c *Client)
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{clients: make(map[uuid.UUID][]*Client)}
}

// NewClient implements world.Factory.
func (f *Factory) NewClient(accountID uuid.UUID) world.Client {
	c := NewClient()
	if f.Prepare != nil {
		f.Prepare(accountID, c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[accountID] = append(f.clients[accountID], c)
	return c
}

// Clients returns every fake created for accountID, oldest first.
func (f *Factory) Clients(accountID uuid.UUID) []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients[accountID]...)
}

// Last returns the newest fake for accountID, or nil.
func (f *Factory) Last(accountID uuid.UUID) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[accountID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}
