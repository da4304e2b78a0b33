package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/event"
	"github.com/cory-johannsen/worldlink/internal/interactive"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/session"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
	"github.com/cory-johannsen/worldlink/internal/world"
)

var _ session.Sink = (*Service)(nil)

// SessionState implements session.Sink.
func (s *Service) SessionState(accountID uuid.UUID, state session.State, reason string) {
	s.publish(accountID, event.SessionState, event.StateData{State: state.String(), Reason: reason})

	switch state {
	case session.StateConnected:
		if s.Health != nil {
			s.Health.SetAccountServing(accountID, true)
		}
		ctx, cancel := s.storeCtx()
		if _, err := s.Logins.Start(ctx, accountID, time.Now().UTC()); err != nil {
			s.logger.Warn("recording login", observability.Account(accountID), zap.Error(err))
		}
		cancel()
	case session.StateDisconnected:
		if s.Health != nil {
			s.Health.SetAccountServing(accountID, false)
		}
		if n := s.Registry.Purge(accountID); n > 0 {
			s.logger.Debug("purged pending requests",
				observability.Account(accountID),
				zap.Int("count", n),
			)
		}
		s.Presence.Forget(accountID)
		ctx, cancel := s.storeCtx()
		if err := s.Logins.End(ctx, accountID, time.Now().UTC(), reason); err != nil {
			s.logger.Warn("recording logout", observability.Account(accountID), zap.Error(err))
		}
		cancel()
	}
}

// SessionEvent implements session.Sink. It runs on the session's goroutine,
// so anything that calls back into the session is pushed to the background.
func (s *Service) SessionEvent(accountID uuid.UUID, ev world.Event) {
	switch ev.Kind {
	case world.EventChatReceived:
		if ev.Chat != nil {
			s.chat(accountID, postgres.LocalChat, *ev.Chat, false)
		}
	case world.EventInstantMessage:
		if ev.Chat != nil {
			peer := ev.Chat.SessionID
			if peer == uuid.Nil {
				peer = ev.Chat.FromID
			}
			s.chat(accountID, postgres.IMSessionKey(peer), *ev.Chat, false)
		}
	case world.EventGroupMessage:
		if ev.Chat != nil {
			s.chat(accountID, postgres.GroupSessionKey(ev.Chat.SessionID), *ev.Chat, false)
		}
	case world.EventAvatarUpdated:
		s.publish(accountID, event.AvatarUpdated, ev.Avatar)
	case world.EventAvatarRemoved:
		s.publish(accountID, event.AvatarRemoved, AvatarRemovedData{AvatarID: ev.AvatarID})
	case world.EventRegionChanged:
		s.publish(accountID, event.RegionUpdated, ev.Region)
	case world.EventRegionStats:
		s.publish(accountID, event.RegionStats, ev.RegionStats)
	case world.EventScriptDialog:
		if ev.Dialog != nil {
			s.prompt(accountID, interactive.KindScriptDialog, ev.Dialog.ID, *ev.Dialog)
		}
	case world.EventScriptPermission:
		if ev.Permission != nil {
			s.prompt(accountID, interactive.KindScriptPermission, ev.Permission.ID, *ev.Permission)
		}
	case world.EventTeleportRequest:
		if ev.Teleport != nil {
			s.prompt(accountID, interactive.KindTeleportRequest, ev.Teleport.ID, *ev.Teleport)
		}
	case world.EventNoticeReceived:
		if ev.Notice != nil {
			s.notice(accountID, *ev.Notice)
		}
	case world.EventPresenceChanged:
		if ev.Presence != nil {
			ch := s.Presence.Observe(accountID, *ev.Presence)
			if ch.Changed() {
				s.publish(accountID, event.PresenceChanged, presenceData(ch, s.Presence.ActiveAccount()))
			}
		}
	case world.EventSessionClosed:
		reason := "closed"
		if ev.Closed != nil {
			reason = ev.Closed.Reason
		}
		s.publish(accountID, event.SessionClosed, event.StateData{State: session.StateDisconnected.String(), Reason: reason})
	case world.EventObjectUpdated, world.EventObjectRemoved:
		// kept in the session snapshot only
	default:
		s.logger.Debug("unhandled world event",
			observability.Account(accountID),
			zap.Stringer("kind", ev.Kind),
		)
	}
}

// SessionOutcome implements session.Sink.
func (s *Service) SessionOutcome(accountID uuid.UUID, out session.Outcome) {
	switch out.Op {
	case session.OpSit:
		target, _ := out.Value.(uuid.UUID)
		d := SitData{ObjectID: target, OnGround: target == uuid.Nil}
		if out.Err != nil {
			d.Kind, d.Message = apperr.KindOf(out.Err).String(), out.Err.Error()
			s.publish(accountID, event.SitError, d)
			return
		}
		s.publish(accountID, event.SitSuccess, d)
	case session.OpStand:
		if out.Err != nil {
			s.publish(accountID, event.StandError, StandData{Kind: apperr.KindOf(out.Err).String(), Message: out.Err.Error()})
			return
		}
		s.publish(accountID, event.StandSuccess, StandData{})
	case session.OpObjectInfo:
		if info, ok := out.Value.(*world.ObjectInfo); ok && out.Err == nil {
			s.publish(accountID, event.ObjectInfo, info)
		}
	case session.OpNearbyAvatars:
		if avs, ok := out.Value.([]world.Avatar); ok && out.Err == nil {
			s.publish(accountID, event.AvatarsNearby, AvatarsData{Avatars: avs})
		}
	case session.OpSendIM:
		if msg, ok := out.Value.(*world.ChatMessage); ok && out.Err == nil {
			s.chat(accountID, postgres.IMSessionKey(msg.SessionID), *msg, true)
		}
	case session.OpSendGroupIM:
		if msg, ok := out.Value.(*world.ChatMessage); ok && out.Err == nil {
			s.chat(accountID, postgres.GroupSessionKey(msg.SessionID), *msg, true)
		}
	}
}

// chat fans a message out and appends it to history. Publishing first
// keeps delivery independent of the database.
func (s *Service) chat(accountID uuid.UUID, key string, m world.ChatMessage, outgoing bool) {
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	s.publish(accountID, event.ChatMessage, chatData(key, m, outgoing))
	ctx, cancel := s.storeCtx()
	defer cancel()
	if _, err := s.Chat.Append(ctx, accountID, postgres.EntryFromMessage(key, m, outgoing)); err != nil {
		s.logger.Warn("storing chat message",
			observability.Account(accountID),
			zap.String("session_key", key),
			zap.Error(err),
		)
	}
}

func (s *Service) notice(accountID uuid.UUID, n world.Notice) {
	s.publish(accountID, event.NoticeReceived, n)
	ctx, cancel := s.storeCtx()
	defer cancel()
	if err := s.Notices.Save(ctx, accountID, n); err != nil {
		s.logger.Warn("storing notice",
			observability.Account(accountID),
			zap.String("notice_id", n.ID.String()),
			zap.Error(err),
		)
		return
	}
	if count, err := s.Notices.UnreadCount(ctx, accountID); err == nil {
		s.publish(accountID, event.NoticeUnreadCount, UnreadData{Count: count})
	}
}

var receivedEvents = map[interactive.Kind]event.Type{
	interactive.KindScriptDialog:     event.ScriptDialogReceived,
	interactive.KindScriptPermission: event.ScriptPermissionReceived,
	interactive.KindTeleportRequest:  event.TeleportRequestReceived,
}

var closedEvents = map[interactive.Kind]event.Type{
	interactive.KindScriptDialog:     event.ScriptDialogClosed,
	interactive.KindScriptPermission: event.ScriptPermissionClosed,
	interactive.KindTeleportRequest:  event.TeleportRequestClosed,
}

// prompt registers a world prompt, announces it, and offers it to the
// auto-replier.
func (s *Service) prompt(accountID uuid.UUID, kind interactive.Kind, id uuid.UUID, payload any) {
	req, err := s.Registry.Register(accountID, kind, id, s.expiry(kind), payload)
	if err != nil {
		s.logger.Warn("registering prompt",
			observability.Account(accountID),
			zap.Stringer("kind", kind),
			zap.String("request_id", id.String()),
			zap.Error(err),
		)
		return
	}
	s.publish(accountID, receivedEvents[kind], requestData(req))
	if s.AutoReply != nil {
		s.goBackground(func(ctx context.Context) { s.autoReply(ctx, req) })
	}
}

// requestClosed is the registry's OnClose hook.
func (s *Service) requestClosed(req interactive.Request, how interactive.Closure) {
	s.publish(req.AccountID, closedEvents[req.Kind], event.RequestClosedData{
		RequestID: req.ID.String(),
		Reason:    how.String(),
	})
}

func (s *Service) autoReply(ctx context.Context, req interactive.Request) {
	var (
		respond func(ctx context.Context) error
		decided bool
	)
	switch p := req.Payload.(type) {
	case world.ScriptDialog:
		choice, ok := s.AutoReply.DecideDialog(req.AccountID, p)
		if ok {
			decided = true
			respond = func(ctx context.Context) error {
				return s.answerDialog(ctx, req, choice.Index, choice.Label)
			}
		}
	case world.ScriptPermission:
		grant, ok := s.AutoReply.DecidePermission(req.AccountID, p)
		if ok {
			decided = true
			respond = func(ctx context.Context) error { return s.answerPermission(ctx, req, grant) }
		}
	case world.TeleportOffer:
		accept, ok := s.AutoReply.DecideTeleport(req.AccountID, p)
		if ok {
			decided = true
			respond = func(ctx context.Context) error { return s.answerTeleport(ctx, req, accept) }
		}
	}
	if !decided {
		return
	}
	err := s.Registry.Resolve(req.AccountID, req.Kind, req.ID, func(interactive.Request) error {
		return respond(ctx)
	})
	if err != nil {
		s.logger.Warn("auto reply failed",
			observability.Account(req.AccountID),
			zap.Stringer("kind", req.Kind),
			zap.String("request_id", req.ID.String()),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("auto replied",
		observability.Account(req.AccountID),
		zap.Stringer("kind", req.Kind),
		zap.String("request_id", req.ID.String()),
	)
}
