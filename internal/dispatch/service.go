// Package dispatch is the boundary between browser connections and the
// session core. It validates and routes commands, turns session output into
// account events, and keeps the interactive-request registry, presence,
// storage, and health in step with session lifecycles.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/connection"
	"github.com/cory-johannsen/worldlink/internal/event"
	"github.com/cory-johannsen/worldlink/internal/fanout"
	"github.com/cory-johannsen/worldlink/internal/interactive"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/presence"
	"github.com/cory-johannsen/worldlink/internal/scripting"
	"github.com/cory-johannsen/worldlink/internal/session"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// Sessions is the part of session.Manager the dispatcher drives.
type Sessions interface {
	Connect(ctx context.Context, accountID uuid.UUID, creds world.Credentials) (*session.AccountSession, error)
	Disconnect(ctx context.Context, accountID uuid.UUID) error
	GetSession(accountID uuid.UUID) *session.AccountSession

	SendChat(ctx context.Context, accountID uuid.UUID, message string, channel int, kind world.ChatType) error
	SendIM(ctx context.Context, accountID, to uuid.UUID, message string) error
	SendGroupIM(ctx context.Context, accountID, group uuid.UUID, message string) error
	SitOnObject(ctx context.Context, accountID, objectID uuid.UUID) error
	SitOnGround(ctx context.Context, accountID uuid.UUID) error
	StandUp(ctx context.Context, accountID uuid.UUID) error
	GetObjectInfo(ctx context.Context, accountID, objectID uuid.UUID) (*world.ObjectInfo, error)
	NearbyAvatars(ctx context.Context, accountID uuid.UUID) ([]world.Avatar, error)

	AnswerDialog(ctx context.Context, accountID uuid.UUID, answer world.DialogAnswer) error
	AnswerPermission(ctx context.Context, accountID uuid.UUID, answer world.PermissionAnswer) error
	AnswerTeleport(ctx context.Context, accountID uuid.UUID, answer world.TeleportAnswer) error
	AcceptInventoryOffer(ctx context.Context, accountID, noticeID uuid.UUID, accept bool) error

	SetAway(ctx context.Context, accountID uuid.UUID, away bool) error
	SetBusy(ctx context.Context, accountID uuid.UUID, busy bool) error
	Presence(ctx context.Context, accountID uuid.UUID) (world.Presence, error)
}

// Accounts loads login credentials for stored world accounts.
type Accounts interface {
	Credentials(ctx context.Context, id uuid.UUID) (world.Credentials, error)
}

// ChatStore persists chat history.
type ChatStore interface {
	Append(ctx context.Context, accountID uuid.UUID, e postgres.ChatEntry) (postgres.ChatEntry, error)
	History(ctx context.Context, accountID uuid.UUID, key string, limit int) ([]postgres.ChatEntry, error)
	Clear(ctx context.Context, accountID uuid.UUID, key string) (int64, error)
	RecentSessions(ctx context.Context, accountID uuid.UUID, limit int) ([]postgres.RecentSession, error)
}

// NoticeStore persists notices.
type NoticeStore interface {
	Save(ctx context.Context, accountID uuid.UUID, n world.Notice) error
	List(ctx context.Context, accountID uuid.UUID, unreadOnly bool) ([]postgres.StoredNotice, error)
	Get(ctx context.Context, accountID, id uuid.UUID) (postgres.StoredNotice, error)
	UnreadCount(ctx context.Context, accountID uuid.UUID) (int, error)
	Acknowledge(ctx context.Context, accountID, id uuid.UUID) error
	Dismiss(ctx context.Context, accountID, id uuid.UUID) error
}

// LoginStore records login history.
type LoginStore interface {
	Start(ctx context.Context, accountID uuid.UUID, at time.Time) (int64, error)
	End(ctx context.Context, accountID uuid.UUID, at time.Time, reason string) error
}

// AutoReplier decides prompts without the user. ok is false when it has
// no opinion.
type AutoReplier interface {
	DecideDialog(accountID uuid.UUID, d world.ScriptDialog) (choice scripting.DialogChoice, ok bool)
	DecidePermission(accountID uuid.UUID, p world.ScriptPermission) (grant, ok bool)
	DecideTeleport(accountID uuid.UUID, o world.TeleportOffer) (accept, ok bool)
}

// Health tracks per-account serving status.
type Health interface {
	SetAccountServing(accountID uuid.UUID, serving bool)
}

// Options tune a Service.
type Options struct {
	DialogExpiry     time.Duration
	PermissionExpiry time.Duration
	TeleportExpiry   time.Duration
	// HistoryLimit caps chat.history results. Zero means 200.
	HistoryLimit int
	// StoreTimeout bounds each storage call made on a session's behalf.
	// Zero means 5s.
	StoreTimeout time.Duration
}

// Deps are the collaborators of a Service. AutoReply and Health may be nil.
type Deps struct {
	Tracker   *connection.Tracker
	Registry  *interactive.Registry
	Presence  *presence.Machine
	Fanout    *fanout.Broadcaster
	Out       fanout.Deliverer
	Accounts  Accounts
	Chat      ChatStore
	Notices   NoticeStore
	Logins    LoginStore
	AutoReply AutoReplier
	Health    Health
	Logger    *zap.Logger
}

// Service implements session.Sink and the browser command surface.
type Service struct {
	Deps
	opts     Options
	logger   *zap.Logger
	sessions Sessions

	// background work (async connects, auto replies, presence pushes)
	bg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a Service. Call Attach before handling commands.
//
// Precondition: every Deps field except AutoReply and Health is non-nil.
func NewService(deps Deps, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		Deps:   deps,
		opts:   opts,
		logger: deps.Logger.Named("dispatch"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.Registry.OnClose = s.requestClosed
	return s
}

// Attach binds the session manager. The manager takes the Service as its
// Sink, so the two are wired in two steps.
func (s *Service) Attach(sessions Sessions) {
	s.sessions = sessions
}

// Close cancels background work and waits for it, or for ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goBackground runs fn on its own goroutine, tracked for Close.
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.opts.StoreTimeout)
}

func (s *Service) publish(accountID uuid.UUID, t event.Type, data any) {
	s.Fanout.Publish(accountID, event.New(t, accountID, data))
}

// reply sends ev straight to one connection.
func (s *Service) reply(connID string, ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encoding reply", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if err := s.Out.Deliver(connID, payload); err != nil {
		s.logger.Debug("delivering reply",
			observability.Conn(connID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func (s *Service) expiry(kind interactive.Kind) time.Duration {
	switch kind {
	case interactive.KindScriptDialog:
		return s.opts.DialogExpiry
	case interactive.KindScriptPermission:
		return s.opts.PermissionExpiry
	default:
		return s.opts.TeleportExpiry
	}
}
