package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// Op names a user-facing session operation in an Outcome.
type Op string

const (
	OpSendChat      Op = "send_chat"
	OpSendIM        Op = "send_im"
	OpSendGroupIM   Op = "send_group_im"
	OpSit           Op = "sit"
	OpStand         Op = "stand"
	OpObjectInfo    Op = "object_info"
	OpNearbyAvatars Op = "nearby_avatars"
	OpAnswerPrompt  Op = "answer_prompt"
	OpPresence      Op = "presence"
)

// Outcome is the result of an operation, reported to the Sink from the
// session's own goroutine so it is ordered with world events.
type Outcome struct {
	Op    Op
	Err   error
	Value any
}

// Sink receives everything a session produces. Calls for one account are
// never concurrent and arrive in the order they happened. Sink methods must
// not call back into the same session synchronously.
type Sink interface {
	SessionState(accountID uuid.UUID, state State, reason string)
	SessionEvent(accountID uuid.UUID, ev world.Event)
	SessionOutcome(accountID uuid.UUID, out Outcome)
}

// Snapshot is a read-only copy of session-local state.
type Snapshot struct {
	State       State
	Sitting     bool
	SitTarget   uuid.UUID
	OnGround    bool
	Region      *world.Region
	Avatars     []world.Avatar
	ObjectCount int
	ConnectedAt time.Time
}

type request struct {
	run   func(ctx context.Context) error
	reply chan error
}

// AccountSession is one isolated account connection. All session-local state
// is owned by the loop goroutine; other goroutines reach it only through
// the mailbox or the published Snapshot.
type AccountSession struct {
	id     uuid.UUID
	client world.Client
	sink   Sink
	logger *zap.Logger

	state atomic.Int32
	snap  atomic.Pointer[Snapshot]

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan request
	done    chan struct{}

	releaseOnce sync.Once
	onDropped   func(*AccountSession)

	// loop-owned
	sitting     bool
	sitTarget   uuid.UUID
	onGround    bool
	region      *world.Region
	avatars     map[uuid.UUID]world.Avatar
	objects     map[uuid.UUID]world.Object
	connectedAt time.Time
}

func newAccountSession(id uuid.UUID, client world.Client, sink Sink, logger *zap.Logger, mailboxSize int, onDropped func(*AccountSession)) *AccountSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &AccountSession{
		id:        id,
		client:    client,
		sink:      sink,
		logger:    logger.With(observability.Account(id)),
		ctx:       ctx,
		cancel:    cancel,
		mailbox:   make(chan request, mailboxSize),
		done:      make(chan struct{}),
		onDropped: onDropped,
		avatars:   make(map[uuid.UUID]world.Avatar),
		objects:   make(map[uuid.UUID]world.Object),
	}
	s.state.Store(int32(StateDisconnected))
	s.publishSnapshot()
	go s.loop()
	return s
}

// ID returns the account id.
func (s *AccountSession) ID() uuid.UUID { return s.id }

// State returns the current connection state without blocking.
func (s *AccountSession) State() State { return State(s.state.Load()) }

// Snapshot returns the last published copy of session-local state.
func (s *AccountSession) Snapshot() Snapshot {
	snap := *s.snap.Load()
	snap.State = s.State()
	return snap
}

// Done is closed once the session loop has exited.
func (s *AccountSession) Done() <-chan struct{} { return s.done }

func (s *AccountSession) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *AccountSession) loop() {
	defer close(s.done)
	for {
		select {
		case req := <-s.mailbox:
			req.reply <- req.run(s.ctx)
		case <-s.ctx.Done():
			for {
				select {
				case req := <-s.mailbox:
					req.reply <- notConnected("session")
				default:
					return
				}
			}
		}
	}
}

// do runs fn on the session goroutine and waits for its result. fn sees the
// session context, which is cancelled by Disconnect.
//
// Postcondition: when ctx ends first the error is KindExternalFailure
// wrapping ctx.Err(). An operation already queued still runs, and its
// Outcome reports what happened in the world.
func (s *AccountSession) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.State() != StateConnected {
		return notConnected(op)
	}
	req := request{run: fn, reply: make(chan error, 1)}
	select {
	case s.mailbox <- req:
	case <-s.ctx.Done():
		return notConnected(op)
	case <-ctx.Done():
		return apperr.External(op, ctx.Err())
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return notConnected(op)
		}
	case <-ctx.Done():
		return apperr.External(op, ctx.Err())
	}
}

// post enqueues fn without waiting; used by the event pump.
func (s *AccountSession) post(fn func(ctx context.Context) error) bool {
	req := request{run: fn, reply: make(chan error, 1)}
	select {
	case s.mailbox <- req:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *AccountSession) pump() {
	events := s.client.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.post(func(context.Context) error {
					s.dropped(&world.Closed{Reason: "event stream ended"})
					return nil
				})
				return
			}
			if !s.post(func(context.Context) error {
				s.handleEvent(ev)
				return nil
			}) {
				return
			}
			if ev.Kind == world.EventSessionClosed {
				return
			}
		}
	}
}

func (s *AccountSession) handleEvent(ev world.Event) {
	switch ev.Kind {
	case world.EventSessionClosed:
		s.dropped(ev.Closed)
		return
	case world.EventRegionChanged:
		s.region = ev.Region
		s.avatars = make(map[uuid.UUID]world.Avatar)
		s.objects = make(map[uuid.UUID]world.Object)
		s.sitting, s.sitTarget, s.onGround = false, uuid.Nil, false
	case world.EventAvatarUpdated:
		if ev.Avatar != nil {
			s.avatars[ev.Avatar.ID] = *ev.Avatar
		}
	case world.EventAvatarRemoved:
		delete(s.avatars, ev.AvatarID)
	case world.EventObjectUpdated:
		if ev.Object != nil {
			s.objects[ev.Object.ID] = *ev.Object
		}
	case world.EventObjectRemoved:
		delete(s.objects, ev.ObjectID)
		if s.sitting && s.sitTarget == ev.ObjectID {
			s.sitting, s.sitTarget = false, uuid.Nil
		}
	}
	s.publishSnapshot()
	s.sink.SessionEvent(s.id, ev)
}

// dropped handles the protocol client reporting that the connection is gone.
// Runs on the loop goroutine.
func (s *AccountSession) dropped(closed *world.Closed) {
	if closed == nil {
		closed = &world.Closed{Reason: "connection lost"}
	}
	prev := s.State()
	if prev != StateConnected && prev != StateConnecting {
		return
	}
	if !s.transition(prev, StateDisconnected) {
		return
	}
	s.logger.Warn("session dropped by world",
		zap.String("reason", closed.Reason),
		zap.Error(closed.Err),
	)
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.release(ctx)
	cancel()
	if s.onDropped != nil {
		s.onDropped(s)
	}
	s.publishSnapshot()
	s.sink.SessionState(s.id, StateDisconnected, closed.Reason)
	s.sink.SessionEvent(s.id, world.Event{Kind: world.EventSessionClosed, Closed: closed})
}

// release disconnects the protocol client exactly once.
func (s *AccountSession) release(ctx context.Context) {
	s.releaseOnce.Do(func() {
		if err := s.client.Disconnect(ctx); err != nil {
			s.logger.Warn("disconnecting protocol client", zap.Error(err))
		}
	})
}

// close performs an explicit disconnect. It returns false when the session
// was already on its way down.
func (s *AccountSession) close(ctx context.Context, reason string) bool {
	prev := s.State()
	if prev != StateConnected && prev != StateConnecting {
		return false
	}
	if !s.transition(prev, StateDisconnecting) {
		return false
	}
	s.cancel()
	// The loop may still be reporting an outcome; sink calls for this
	// account start again only once it has exited.
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("session loop did not stop before deadline", zap.Error(ctx.Err()))
	}
	s.sink.SessionState(s.id, StateDisconnecting, reason)
	s.release(ctx)
	s.state.Store(int32(StateDisconnected))
	s.publishSnapshot()
	s.sink.SessionState(s.id, StateDisconnected, reason)
	s.sink.SessionEvent(s.id, world.Event{Kind: world.EventSessionClosed, Closed: &world.Closed{Reason: reason}})
	return true
}

func (s *AccountSession) publishSnapshot() {
	snap := &Snapshot{
		Sitting:     s.sitting,
		SitTarget:   s.sitTarget,
		OnGround:    s.onGround,
		ObjectCount: len(s.objects),
		ConnectedAt: s.connectedAt,
	}
	if s.region != nil {
		r := *s.region
		snap.Region = &r
	}
	snap.Avatars = make([]world.Avatar, 0, len(s.avatars))
	for _, av := range s.avatars {
		snap.Avatars = append(snap.Avatars, av)
	}
	s.snap.Store(snap)
}

func (s *AccountSession) outcome(op Op, err error, value any) {
	s.sink.SessionOutcome(s.id, Outcome{Op: op, Err: err, Value: value})
}

func external(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.External(op, err)
}

func (s *AccountSession) sendChat(ctx context.Context, msg string, channel int, kind world.ChatType) error {
	return s.do(ctx, "session.SendChat", func(ctx context.Context) error {
		err := external("session.SendChat", s.client.SendChat(ctx, msg, channel, kind))
		s.outcome(OpSendChat, err, nil)
		return err
	})
}

func (s *AccountSession) sendIM(ctx context.Context, to uuid.UUID, msg string) error {
	return s.do(ctx, "session.SendIM", func(ctx context.Context) error {
		err := external("session.SendIM", s.client.SendInstantMessage(ctx, to, msg))
		var sent *world.ChatMessage
		if err == nil {
			sent = &world.ChatMessage{FromID: s.id, SessionID: to, Message: msg, Time: time.Now().UTC()}
		}
		s.outcome(OpSendIM, err, sent)
		return err
	})
}

func (s *AccountSession) sendGroupIM(ctx context.Context, group uuid.UUID, msg string) error {
	return s.do(ctx, "session.SendGroupIM", func(ctx context.Context) error {
		err := external("session.SendGroupIM", s.client.SendGroupMessage(ctx, group, msg))
		var sent *world.ChatMessage
		if err == nil {
			sent = &world.ChatMessage{FromID: s.id, SessionID: group, Message: msg, Time: time.Now().UTC()}
		}
		s.outcome(OpSendGroupIM, err, sent)
		return err
	})
}

func (s *AccountSession) sitOn(ctx context.Context, target uuid.UUID) error {
	return s.do(ctx, "session.SitOnObject", func(ctx context.Context) error {
		if target != uuid.Nil {
			if _, ok := s.objects[target]; !ok {
				err := &apperr.Error{Kind: apperr.KindNotFound, Op: "session.SitOnObject", Err: ErrObjectNotFound}
				s.outcome(OpSit, err, target)
				return err
			}
		}
		if err := s.client.Sit(ctx, target); err != nil {
			err = external("session.SitOnObject", err)
			s.outcome(OpSit, err, target)
			return err
		}
		s.sitting = target != uuid.Nil
		s.sitTarget = target
		s.onGround = target == uuid.Nil
		s.publishSnapshot()
		s.outcome(OpSit, nil, target)
		return nil
	})
}

func (s *AccountSession) stand(ctx context.Context) error {
	return s.do(ctx, "session.StandUp", func(ctx context.Context) error {
		standErr := s.client.Stand(ctx)
		stopErr := s.client.StopAnimations(ctx, SystemAnimations())
		if stopErr != nil {
			s.logger.Warn("stopping non-system animations", zap.Error(stopErr))
		}
		if standErr != nil {
			err := external("session.StandUp", standErr)
			s.outcome(OpStand, err, nil)
			return err
		}
		s.sitting, s.sitTarget, s.onGround = false, uuid.Nil, false
		s.publishSnapshot()
		s.outcome(OpStand, nil, nil)
		return nil
	})
}

func (s *AccountSession) objectInfo(ctx context.Context, id uuid.UUID) (*world.ObjectInfo, error) {
	var info *world.ObjectInfo
	err := s.do(ctx, "session.GetObjectInfo", func(ctx context.Context) error {
		got, err := s.client.LookupObject(ctx, id)
		if err != nil {
			err = external("session.GetObjectInfo", err)
			s.outcome(OpObjectInfo, err, id)
			return err
		}
		if got == nil {
			err := &apperr.Error{Kind: apperr.KindNotFound, Op: "session.GetObjectInfo", Err: ErrObjectNotFound}
			s.outcome(OpObjectInfo, err, id)
			return err
		}
		info = got
		s.outcome(OpObjectInfo, nil, got)
		return nil
	})
	return info, err
}

func (s *AccountSession) nearbyAvatars(ctx context.Context) ([]world.Avatar, error) {
	var avs []world.Avatar
	err := s.do(ctx, "session.NearbyAvatars", func(ctx context.Context) error {
		got, err := s.client.ListNearbyAvatars(ctx)
		if err != nil {
			err = external("session.NearbyAvatars", err)
			s.outcome(OpNearbyAvatars, err, nil)
			return err
		}
		s.avatars = make(map[uuid.UUID]world.Avatar, len(got))
		for _, av := range got {
			s.avatars[av.ID] = av
		}
		s.publishSnapshot()
		avs = got
		s.outcome(OpNearbyAvatars, nil, got)
		return nil
	})
	return avs, err
}

// call runs a protocol call that has no session-local side effect.
func (s *AccountSession) call(ctx context.Context, op string, fn func(ctx context.Context, c world.Client) error) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		return external(op, fn(ctx, s.client))
	})
}

func (s *AccountSession) presence(ctx context.Context) (world.Presence, error) {
	var p world.Presence
	err := s.do(ctx, "session.Presence", func(ctx context.Context) error {
		got, err := s.client.Presence(ctx)
		if err != nil {
			return external("session.Presence", err)
		}
		p = got
		return nil
	})
	return p, err
}
