// Package bridge implements world.Client over a websocket to an external
// protocol sidecar. Calls are JSON request/response pairs correlated by id;
// anything the sidecar sends without an id is a world event.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/config"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/world"
)

var (
	// ErrNotConnected is returned by calls made before Connect or after the
	// bridge connection ended.
	ErrNotConnected = errors.New("bridge: not connected")
	// ErrClosed fails calls still waiting when the connection ends.
	ErrClosed = errors.New("bridge: connection closed")
)

const eventBuffer = 256

type response struct {
	result json.RawMessage
	err    error
}

// Client is one account's connection to the bridge.
type Client struct {
	account uuid.UUID
	cfg     config.WorldConfig
	dialer  *websocket.Dialer
	logger  *zap.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[uint64]chan response
	gone    bool

	writeMu sync.Mutex

	// backlog holds events read off the socket until forward moves them to
	// events. The reader never blocks on the consumer.
	qmu      sync.Mutex
	backlog  []world.Event
	qended   bool
	qready   chan struct{}
	events   chan world.Event
	stop     chan struct{}
	stopOnce sync.Once
	readDone chan struct{}
	fwdDone  chan struct{}
	closing  atomic.Bool
}

// Factory creates bridge clients sharing one dialer.
type Factory struct {
	cfg    config.WorldConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewFactory returns a Factory dialing cfg.BridgeURL.
//
// Precondition: cfg has passed config validation.
func NewFactory(cfg config.WorldConfig, logger *zap.Logger) *Factory {
	return &Factory{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger,
	}
}

// NewClient implements world.Factory.
func (f *Factory) NewClient(accountID uuid.UUID) world.Client {
	return &Client{
		account:  accountID,
		cfg:      f.cfg,
		dialer:   f.dialer,
		logger:   f.logger.With(observability.Account(accountID)),
		pending:  make(map[uint64]chan response),
		qready:   make(chan struct{}, 1),
		events:   make(chan world.Event, eventBuffer),
		stop:     make(chan struct{}),
		readDone: make(chan struct{}),
		fwdDone:  make(chan struct{}),
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.BridgeURL)
	if err != nil {
		return "", fmt.Errorf("parsing bridge url: %w", err)
	}
	q := u.Query()
	q.Set("account", c.account.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the bridge and logs the avatar in.
//
// Postcondition: on success events flow on Events until Disconnect or the
// bridge goes away.
func (c *Client) Connect(ctx context.Context, creds world.Credentials) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	ws, _, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing bridge: %w", err)
	}

	c.mu.Lock()
	if c.ws != nil || c.gone {
		c.mu.Unlock()
		_ = ws.Close()
		return errors.New("bridge: client already used")
	}
	c.ws = ws
	c.mu.Unlock()
	go c.forward()
	go c.readLoop(ws)

	return c.call(ctx, methodLogin, loginParams{
		FirstName: creds.FirstName,
		LastName:  creds.LastName,
		Password:  creds.Password,
		LoginURI:  creds.LoginURI,
		Start:     creds.Start,
	}, nil)
}

// Disconnect logs out best effort and closes the bridge connection. It is
// safe to call on a client whose Connect failed or never ran.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.gone = true
	}
	c.mu.Unlock()

	if ws == nil {
		c.stopOnce.Do(func() {
			close(c.stop)
			close(c.events)
		})
		return nil
	}

	var logoutErr error
	if !c.closing.Swap(true) {
		logoutErr = c.call(ctx, methodLogout, nil, nil)
		if errors.Is(logoutErr, ErrNotConnected) || errors.Is(logoutErr, ErrClosed) {
			logoutErr = nil
		}
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	c.stopOnce.Do(func() { close(c.stop) })

	for _, done := range []chan struct{}{c.readDone, c.fwdDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return logoutErr
}

// readLoop owns the read side of ws. Responses are resolved inline; events
// go to the backlog.
func (c *Client) readLoop(ws *websocket.Conn) {
	defer close(c.readDone)
	remoteClosed := false
	var readErr error
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn("discarding malformed bridge frame", zap.Error(err))
			continue
		}
		if f.ID != 0 {
			c.resolve(f)
			continue
		}
		ev, err := decodeEvent(f.Event, f.Data)
		if err != nil {
			c.logger.Warn("discarding bridge event", zap.String("event", f.Event), zap.Error(err))
			continue
		}
		if ev.Kind == world.EventSessionClosed {
			remoteClosed = true
		}
		c.enqueue(ev)
	}

	c.mu.Lock()
	c.gone = true
	for id, ch := range c.pending {
		ch <- response{err: ErrClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !remoteClosed {
		closed := &world.Closed{Reason: "logout"}
		if !c.closing.Load() {
			closed = &world.Closed{Reason: "bridge connection lost", Err: readErr}
			c.logger.Warn("bridge connection lost", zap.Error(readErr))
		}
		c.enqueue(world.Event{Kind: world.EventSessionClosed, Closed: closed})
	}
	c.qmu.Lock()
	c.qended = true
	c.qmu.Unlock()
	c.signal()
}

func (c *Client) enqueue(ev world.Event) {
	c.qmu.Lock()
	c.backlog = append(c.backlog, ev)
	c.qmu.Unlock()
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.qready <- struct{}{}:
	default:
	}
}

// forward owns the events channel. It drains the backlog in order and
// closes events once the reader has ended and the backlog is empty, or
// when Disconnect stops the client.
func (c *Client) forward() {
	defer close(c.fwdDone)
	defer close(c.events)
	for {
		c.qmu.Lock()
		batch, ended := c.backlog, c.qended
		c.backlog = nil
		c.qmu.Unlock()
		for _, ev := range batch {
			select {
			case c.events <- ev:
			case <-c.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if ended {
			return
		}
		select {
		case <-c.qready:
		case <-c.stop:
			return
		}
	}
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown call", zap.Uint64("id", f.ID))
		return
	}
	if f.Error != nil {
		ch <- response{err: f.Error}
		return
	}
	ch <- response{result: f.Result}
}

// call sends one request and waits for its response, bounded by ctx and
// the configured call timeout. A non-nil out receives the decoded result.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.ws == nil || c.gone {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(deadline)
	err = ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return fmt.Errorf("%s: %w", method, resp.err)
		}
		if out != nil && len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// SendChat implements world.Client.
func (c *Client) SendChat(ctx context.Context, message string, channel int, kind world.ChatType) error {
	return c.call(ctx, methodChat, chatParams{Message: message, Channel: channel, Type: kind.String()}, nil)
}

// SendInstantMessage implements world.Client.
func (c *Client) SendInstantMessage(ctx context.Context, to uuid.UUID, message string) error {
	return c.call(ctx, methodIM, imParams{To: to, Message: message}, nil)
}

// SendGroupMessage implements world.Client.
func (c *Client) SendGroupMessage(ctx context.Context, group uuid.UUID, message string) error {
	return c.call(ctx, methodGroupIM, imParams{To: group, Message: message}, nil)
}

// Sit implements world.Client.
func (c *Client) Sit(ctx context.Context, target uuid.UUID) error {
	return c.call(ctx, methodSit, targetParams{Target: target}, nil)
}

// Stand implements world.Client.
func (c *Client) Stand(ctx context.Context) error {
	return c.call(ctx, methodStand, nil, nil)
}

// StopAnimations implements world.Client.
func (c *Client) StopAnimations(ctx context.Context, except map[uuid.UUID]struct{}) error {
	keep := make([]uuid.UUID, 0, len(except))
	for id := range except {
		keep = append(keep, id)
	}
	return c.call(ctx, methodStopAnimations, stopAnimationsParams{Except: keep}, nil)
}

// LookupObject implements world.Client. A null result means the object is
// unknown.
func (c *Client) LookupObject(ctx context.Context, id uuid.UUID) (*world.ObjectInfo, error) {
	var info *world.ObjectInfo
	if err := c.call(ctx, methodLookupObject, idParams{ID: id}, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// ListNearbyAvatars implements world.Client.
func (c *Client) ListNearbyAvatars(ctx context.Context) ([]world.Avatar, error) {
	var avatars []world.Avatar
	if err := c.call(ctx, methodNearbyAvatars, nil, &avatars); err != nil {
		return nil, err
	}
	return avatars, nil
}

// AnswerDialog implements world.Client.
func (c *Client) AnswerDialog(ctx context.Context, a world.DialogAnswer) error {
	return c.call(ctx, methodDialog, dialogParams{
		ObjectID:    a.ObjectID,
		Channel:     a.Channel,
		ButtonIndex: a.ButtonIndex,
		ButtonLabel: a.ButtonLabel,
	}, nil)
}

// AnswerPermission implements world.Client.
func (c *Client) AnswerPermission(ctx context.Context, a world.PermissionAnswer) error {
	return c.call(ctx, methodPermission, permissionParams{
		TaskID:      a.TaskID,
		ItemID:      a.ItemID,
		Permissions: a.Permissions,
		Grant:       a.Grant,
	}, nil)
}

// AnswerTeleport implements world.Client.
func (c *Client) AnswerTeleport(ctx context.Context, a world.TeleportAnswer) error {
	return c.call(ctx, methodTeleport, teleportParams{FromID: a.FromID, LureID: a.LureID, Accept: a.Accept}, nil)
}

// AcceptInventoryOffer implements world.Client.
func (c *Client) AcceptInventoryOffer(ctx context.Context, noticeID uuid.UUID, accept bool) error {
	return c.call(ctx, methodInventoryOffer, offerParams{NoticeID: noticeID, Accept: accept}, nil)
}

// SetAway implements world.Client.
func (c *Client) SetAway(ctx context.Context, away bool) error {
	return c.call(ctx, methodSetAway, flagParams{Value: away}, nil)
}

// SetBusy implements world.Client.
func (c *Client) SetBusy(ctx context.Context, busy bool) error {
	return c.call(ctx, methodSetBusy, flagParams{Value: busy}, nil)
}

// Presence implements world.Client.
func (c *Client) Presence(ctx context.Context) (world.Presence, error) {
	var p presenceResult
	if err := c.call(ctx, methodPresence, nil, &p); err != nil {
		return world.Presence{}, err
	}
	return world.Presence{Away: p.Away, Busy: p.Busy}, nil
}

// Events implements world.Client.
func (c *Client) Events() <-chan world.Event {
	return c.events
}
