// Package session owns the live account sessions. Each AccountSession runs
// on its own goroutine bound to one protocol-client connection; sessions
// never share mutable state with one another.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// Options tune a Manager.
type Options struct {
	// ConnectTimeout bounds the protocol login. Zero means 60s.
	ConnectTimeout time.Duration
	// MailboxSize is the per-session operation queue depth. Zero means 32.
	MailboxSize int
}

// Manager tracks all live account sessions.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*AccountSession

	factory world.Factory
	sink    Sink
	logger  *zap.Logger
	opts    Options
}

// NewManager creates an empty session Manager.
//
// Precondition: factory, sink, and logger must be non-nil.
func NewManager(factory world.Factory, sink Sink, logger *zap.Logger, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 32
	}
	return &Manager{
		sessions: make(map[uuid.UUID]*AccountSession),
		factory:  factory,
		sink:     sink,
		logger:   logger.Named("session"),
		opts:     opts,
	}
}

// Connect logs the account into the world.
//
// Postcondition: on success the returned session is Connected. If a session
// for accountID already exists it is returned together with
// ErrAlreadyConnected and no second login is attempted. On login failure no
// session remains registered and a later Connect may retry.
func (m *Manager) Connect(ctx context.Context, accountID uuid.UUID, creds world.Credentials) (*AccountSession, error) {
	if accountID == uuid.Nil {
		return nil, apperr.New(apperr.KindInvalidInput, "session.Connect", "account id must not be nil")
	}

	m.mu.Lock()
	if existing, ok := m.sessions[accountID]; ok {
		m.mu.Unlock()
		return existing, ErrAlreadyConnected
	}
	sess := newAccountSession(accountID, m.factory.NewClient(accountID), m.sink, m.logger, m.opts.MailboxSize, m.forget)
	sess.state.Store(int32(StateConnecting))
	m.sessions[accountID] = sess
	m.mu.Unlock()

	m.sink.SessionState(accountID, StateConnecting, "")
	start := time.Now()

	// Login is bounded by the caller, the connect timeout, and the session's
	// own context so a concurrent Disconnect aborts it.
	loginCtx, cancel := context.WithTimeout(sess.ctx, m.opts.ConnectTimeout)
	stop := context.AfterFunc(ctx, cancel)
	err := sess.client.Connect(loginCtx, creds)
	stop()
	cancel()

	if err != nil {
		m.forget(sess)
		if sess.transition(StateConnecting, StateDisconnected) {
			sess.cancel()
			relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
			sess.release(relCtx)
			relCancel()
			m.sink.SessionState(accountID, StateDisconnected, err.Error())
		}
		m.logger.Warn("login failed",
			observability.Account(accountID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, apperr.External("session.Connect", err)
	}

	sess.connectedAt = time.Now().UTC()
	sess.publishSnapshot()
	if !sess.transition(StateConnecting, StateConnected) {
		// Disconnect won the race; it releases the client.
		return nil, notConnected("session.Connect")
	}
	m.sink.SessionState(accountID, StateConnected, "")
	go sess.pump()

	m.logger.Info("session connected",
		observability.Account(accountID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sess, nil
}

// Disconnect logs the account out and releases its protocol client.
//
// Postcondition: the session is gone from the manager. In-flight operations
// see a cancelled context and fail without applying local state.
func (m *Manager) Disconnect(ctx context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	sess, ok := m.sessions[accountID]
	if ok {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()
	if !ok {
		return notFound("session.Disconnect")
	}

	start := time.Now()
	if !sess.close(ctx, "logout") {
		return notConnected("session.Disconnect")
	}
	m.logger.Info("session disconnected",
		observability.Account(accountID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// forget removes sess if it is still the registered session for its account.
func (m *Manager) forget(sess *AccountSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[sess.id]; ok && cur == sess {
		delete(m.sessions, sess.id)
	}
}

// GetSession returns the session for accountID, or nil. It never blocks on I/O.
func (m *Manager) GetSession(accountID uuid.UUID) *AccountSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[accountID]
}

// Sessions returns every registered session ordered by account id.
func (m *Manager) Sessions() []*AccountSession {
	m.mu.Lock()
	out := make([]*AccountSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown disconnects every session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.Sessions() {
		id := s.id
		g.Go(func() error {
			err := m.Disconnect(gctx, id)
			if apperr.KindOf(err) == apperr.KindNotFound {
				return nil
			}
			if apperr.KindOf(err) == apperr.KindNotConnected {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// connected returns the session for accountID if it is Connected.
func (m *Manager) connected(op string, accountID uuid.UUID) (*AccountSession, error) {
	sess := m.GetSession(accountID)
	if sess == nil {
		return nil, notFound(op)
	}
	if sess.State() != StateConnected {
		return nil, notConnected(op)
	}
	return sess, nil
}

// SendChat says message on channel in local chat.
func (m *Manager) SendChat(ctx context.Context, accountID uuid.UUID, message string, channel int, kind world.ChatType) error {
	if message == "" {
		return apperr.New(apperr.KindInvalidInput, "session.SendChat", "message must not be empty")
	}
	sess, err := m.connected("session.SendChat", accountID)
	if err != nil {
		return err
	}
	return sess.sendChat(ctx, message, channel, kind)
}

// SendIM sends an instant message to another avatar.
func (m *Manager) SendIM(ctx context.Context, accountID, to uuid.UUID, message string) error {
	if to == uuid.Nil || message == "" {
		return apperr.New(apperr.KindInvalidInput, "session.SendIM", "recipient and message are required")
	}
	sess, err := m.connected("session.SendIM", accountID)
	if err != nil {
		return err
	}
	return sess.sendIM(ctx, to, message)
}

// SendGroupIM sends a message to a group chat session.
func (m *Manager) SendGroupIM(ctx context.Context, accountID, group uuid.UUID, message string) error {
	if group == uuid.Nil || message == "" {
		return apperr.New(apperr.KindInvalidInput, "session.SendGroupIM", "group and message are required")
	}
	sess, err := m.connected("session.SendGroupIM", accountID)
	if err != nil {
		return err
	}
	return sess.sendGroupIM(ctx, group, message)
}

// SitOnObject sits on objectID, which must be in the session's region snapshot.
func (m *Manager) SitOnObject(ctx context.Context, accountID, objectID uuid.UUID) error {
	if objectID == uuid.Nil {
		return apperr.New(apperr.KindInvalidInput, "session.SitOnObject", "object id must not be nil")
	}
	sess, err := m.connected("session.SitOnObject", accountID)
	if err != nil {
		return err
	}
	return sess.sitOn(ctx, objectID)
}

// SitOnGround sits the avatar on the ground.
func (m *Manager) SitOnGround(ctx context.Context, accountID uuid.UUID) error {
	sess, err := m.connected("session.SitOnGround", accountID)
	if err != nil {
		return err
	}
	return sess.sitOn(ctx, uuid.Nil)
}

// StandUp stands the avatar and stops every non-system animation.
func (m *Manager) StandUp(ctx context.Context, accountID uuid.UUID) error {
	sess, err := m.connected("session.StandUp", accountID)
	if err != nil {
		return err
	}
	return sess.stand(ctx)
}

// GetObjectInfo looks objectID up through the protocol client.
func (m *Manager) GetObjectInfo(ctx context.Context, accountID, objectID uuid.UUID) (*world.ObjectInfo, error) {
	if objectID == uuid.Nil {
		return nil, apperr.New(apperr.KindInvalidInput, "session.GetObjectInfo", "object id must not be nil")
	}
	sess, err := m.connected("session.GetObjectInfo", accountID)
	if err != nil {
		return nil, err
	}
	return sess.objectInfo(ctx, objectID)
}

// NearbyAvatars refreshes and returns the avatars around the session.
func (m *Manager) NearbyAvatars(ctx context.Context, accountID uuid.UUID) ([]world.Avatar, error) {
	sess, err := m.connected("session.NearbyAvatars", accountID)
	if err != nil {
		return nil, err
	}
	return sess.nearbyAvatars(ctx)
}

// AnswerDialog presses a script dialog button.
func (m *Manager) AnswerDialog(ctx context.Context, accountID uuid.UUID, answer world.DialogAnswer) error {
	sess, err := m.connected("session.AnswerDialog", accountID)
	if err != nil {
		return err
	}
	return sess.call(ctx, "session.AnswerDialog", func(ctx context.Context, c world.Client) error {
		return c.AnswerDialog(ctx, answer)
	})
}

// AnswerPermission grants or denies a script permission request.
func (m *Manager) AnswerPermission(ctx context.Context, accountID uuid.UUID, answer world.PermissionAnswer) error {
	sess, err := m.connected("session.AnswerPermission", accountID)
	if err != nil {
		return err
	}
	return sess.call(ctx, "session.AnswerPermission", func(ctx context.Context, c world.Client) error {
		return c.AnswerPermission(ctx, answer)
	})
}

// AnswerTeleport accepts or declines a teleport offer.
func (m *Manager) AnswerTeleport(ctx context.Context, accountID uuid.UUID, answer world.TeleportAnswer) error {
	sess, err := m.connected("session.AnswerTeleport", accountID)
	if err != nil {
		return err
	}
	return sess.call(ctx, "session.AnswerTeleport", func(ctx context.Context, c world.Client) error {
		return c.AnswerTeleport(ctx, answer)
	})
}

// AcceptInventoryOffer answers the inventory offer attached to a notice.
func (m *Manager) AcceptInventoryOffer(ctx context.Context, accountID, noticeID uuid.UUID, accept bool) error {
	sess, err := m.connected("session.AcceptInventoryOffer", accountID)
	if err != nil {
		return err
	}
	return sess.call(ctx, "session.AcceptInventoryOffer", func(ctx context.Context, c world.Client) error {
		return c.AcceptInventoryOffer(ctx, noticeID, accept)
	})
}

// SetAway sets the world-side away flag.
func (m *Manager) SetAway(ctx context.Context, accountID uuid.UUID, away bool) error {
	sess, err := m.connected("session.SetAway", accountID)
	if err != nil {
		return err
	}
	return sess.call(ctx, "session.SetAway", func(ctx context.Context, c world.Client) error {
		return c.SetAway(ctx, away)
	})
}

// SetBusy sets the world-side busy flag.
func (m *Manager) SetBusy(ctx context.Context, accountID uuid.UUID, busy bool) error {
	sess, err := m.connected("session.SetBusy", accountID)
	if err != nil {
		return err
	}
	return sess.call(ctx, "session.SetBusy", func(ctx context.Context, c world.Client) error {
		return c.SetBusy(ctx, busy)
	})
}

// Presence asks the world for the avatar's away/busy state.
func (m *Manager) Presence(ctx context.Context, accountID uuid.UUID) (world.Presence, error) {
	sess, err := m.connected("session.Presence", accountID)
	if err != nil {
		return world.Presence{}, err
	}
	return sess.presence(ctx)
}
