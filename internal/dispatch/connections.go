package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/connection"
	"github.com/cory-johannsen/worldlink/internal/event"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/presence"
	"github.com/cory-johannsen/worldlink/internal/session"
)

// ConnectionOpened records a new browser connection. Connections receive
// nothing until they subscribe.
func (s *Service) ConnectionOpened(connID string) {
	s.logger.Debug("connection opened", observability.Conn(connID))
}

// ConnectionClosed detaches connID from its group and applies the
// browser-close presence policy when it was the last connection.
func (s *Service) ConnectionClosed(connID string) {
	d := s.Tracker.Detach(connID)
	s.logger.Debug("connection closed",
		observability.Conn(connID),
		observability.Account(d.AccountID),
	)
	s.detached(d)
}

func (s *Service) detached(d connection.Detachment) {
	if d.AccountID == uuid.Nil || !d.Idle {
		return
	}
	s.applyBrowserPresence(s.Presence.HandleBrowserClose(), true)
}

// applyBrowserPresence pushes policy-driven changes to the world and the
// affected groups.
func (s *Service) applyBrowserPresence(changes []presence.Change, away bool) {
	for _, ch := range changes {
		s.publish(ch.AccountID, event.PresenceChanged, presenceData(ch, s.Presence.ActiveAccount()))
		s.goBackground(func(ctx context.Context) {
			if err := s.sessions.SetAway(ctx, ch.AccountID, away); err != nil {
				s.logger.Warn("applying browser presence",
					observability.Account(ch.AccountID),
					zap.Bool("away", away),
					zap.Error(err),
				)
			}
		})
	}
}

func (s *Service) subscribe(_ context.Context, c call) (any, error) {
	a := s.Tracker.Attach(c.conn, c.account)
	if a.Previous != uuid.Nil && a.Previous != c.account {
		s.logger.Debug("connection moved",
			observability.Conn(c.conn),
			zap.String("from", a.Previous.String()),
			zap.String("to", c.account.String()),
		)
	}
	if a.WasIdle {
		s.applyBrowserPresence(s.Presence.HandleBrowserReturn(), false)
	}

	ack := event.New(event.Ack, c.account, s.sessionData(c.account))
	ack.ReplyTo = c.ID
	s.reply(c.conn, ack)
	active := event.New(event.RequestsActive, c.account, s.activeRequests(c.account))
	active.ReplyTo = c.ID
	s.reply(c.conn, active)
	return asyncReply{}, nil
}

func (s *Service) unsubscribe(_ context.Context, c call) (any, error) {
	d, ok := s.Tracker.DetachFrom(c.conn, c.account)
	if ok {
		s.detached(d)
	}
	return nil, nil
}

func (s *Service) sessionData(accountID uuid.UUID) SessionData {
	d := SessionData{
		State:    session.StateDisconnected.String(),
		Presence: s.Presence.Cached(accountID).String(),
	}
	sess := s.sessions.GetSession(accountID)
	if sess == nil {
		return d
	}
	snap := sess.Snapshot()
	d.State = snap.State.String()
	d.Sitting = snap.Sitting
	d.SitTarget = snap.SitTarget
	d.OnGround = snap.OnGround
	d.Region = snap.Region
	d.Avatars = snap.Avatars
	if !snap.ConnectedAt.IsZero() {
		at := snap.ConnectedAt
		d.ConnectedAt = &at
	}
	return d
}

func (s *Service) setActive(_ context.Context, c call) (any, error) {
	s.Presence.SetActiveAccount(c.account)
	return nil, nil
}

type presenceFlag struct {
	Away *bool `json:"away,omitempty"`
	Busy *bool `json:"busy,omitempty"`
}

func flag(v *bool) bool {
	return v == nil || *v
}

func (s *Service) setAway(ctx context.Context, c call) (any, error) {
	var f presenceFlag
	if err := c.decode(&f); err != nil {
		return nil, err
	}
	away := flag(f.Away)
	if err := s.sessions.SetAway(ctx, c.account, away); err != nil {
		return nil, err
	}
	return s.presenceChange(s.Presence.SetAway(c.account, away)), nil
}

func (s *Service) setBusy(ctx context.Context, c call) (any, error) {
	var f presenceFlag
	if err := c.decode(&f); err != nil {
		return nil, err
	}
	busy := flag(f.Busy)
	if err := s.sessions.SetBusy(ctx, c.account, busy); err != nil {
		return nil, err
	}
	return s.presenceChange(s.Presence.SetBusy(c.account, busy)), nil
}

func (s *Service) getPresence(ctx context.Context, c call) (any, error) {
	_, ch, err := s.Presence.GetStatus(ctx, c.account)
	if err != nil {
		return nil, err
	}
	return s.presenceChange(ch), nil
}

// presenceChange publishes ch when it altered the status and returns the
// caller's view of it.
func (s *Service) presenceChange(ch presence.Change) PresenceData {
	d := presenceData(ch, s.Presence.ActiveAccount())
	if ch.Changed() {
		s.publish(ch.AccountID, event.PresenceChanged, d)
	}
	return d
}
