package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/event"
	"github.com/cory-johannsen/worldlink/internal/interactive"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// Command is one frame received from a browser connection.
type Command struct {
	// ID is the client's correlation id, echoed as reply_to.
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	AccountID string          `json:"account_id"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// call is a command with its identifiers validated.
type call struct {
	Command
	conn    string
	account uuid.UUID
}

func (c call) decode(v any) error {
	if len(c.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return apperr.New(apperr.KindInvalidInput, c.Type, "malformed data: %v", err)
	}
	return nil
}

func (c call) requestID() (uuid.UUID, error) {
	return parseID(c.Type, "request_id", c.RequestID)
}

type handler struct {
	// needsAccount rejects commands without a well-formed account_id.
	needsAccount bool
	run          func(s *Service, ctx context.Context, c call) (any, error)
}

var handlers = map[string]handler{
	"subscribe":            {true, (*Service).subscribe},
	"unsubscribe":          {true, (*Service).unsubscribe},
	"account.connect":      {true, (*Service).connect},
	"account.disconnect":   {true, (*Service).disconnect},
	"account.set_active":   {false, (*Service).setActive},
	"presence.set_away":    {true, (*Service).setAway},
	"presence.set_busy":    {true, (*Service).setBusy},
	"presence.get":         {true, (*Service).getPresence},
	"chat.send":            {true, (*Service).sendChat},
	"im.send":              {true, (*Service).sendIM},
	"group_im.send":        {true, (*Service).sendGroupIM},
	"chat.history":         {true, (*Service).chatHistory},
	"chat.clear":           {true, (*Service).chatClear},
	"chat.recent_sessions": {true, (*Service).recentSessions},
	"avatar.sit":           {true, (*Service).sit},
	"avatar.stand":         {true, (*Service).stand},
	"object.info":          {true, (*Service).objectInfo},
	"avatars.nearby":       {true, (*Service).nearbyAvatars},
	"notice.list":          {true, (*Service).noticeList},
	"notice.unread_count":  {true, (*Service).noticeUnread},
	"notice.acknowledge":   {true, (*Service).noticeAcknowledge},
	"notice.dismiss":       {true, (*Service).noticeDismiss},
	"dialog.respond":       {true, (*Service).dialogRespond},
	"dialog.dismiss":       {true, (*Service).dialogDismiss},
	"permission.respond":   {true, (*Service).permissionRespond},
	"teleport.respond":     {true, (*Service).teleportRespond},
	"requests.list":        {true, (*Service).requestsList},
}

// Commands returns the supported command names.
func Commands() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	return out
}

// Handle runs one command for connID and replies to that connection with
// an ack, a typed result event, or an error event.
//
// Postcondition: exactly one reply is sent unless the command ran
// asynchronously, in which case the reply follows later.
func (s *Service) Handle(ctx context.Context, connID string, cmd Command) {
	h, ok := handlers[cmd.Type]
	if !ok {
		s.replyError(connID, cmd, apperr.New(apperr.KindInvalidInput, "dispatch.Handle", "unknown command %q", cmd.Type))
		return
	}
	c := call{Command: cmd, conn: connID}
	if h.needsAccount || cmd.AccountID != "" {
		id, err := parseID(cmd.Type, "account_id", cmd.AccountID)
		if err != nil {
			s.replyError(connID, cmd, err)
			return
		}
		c.account = id
	}

	result, err := h.run(s, ctx, c)
	if err != nil {
		s.replyError(connID, cmd, err)
		return
	}
	switch r := result.(type) {
	case asyncReply:
	case event.Event:
		r.ReplyTo = cmd.ID
		s.reply(connID, r)
	default:
		ev := event.New(event.Ack, c.account, result)
		ev.ReplyTo = cmd.ID
		s.reply(connID, ev)
	}
}

// asyncReply marks a command whose reply is sent later.
type asyncReply struct{}

func (s *Service) replyError(connID string, cmd Command, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown || kind == apperr.KindExternalFailure {
		s.logger.Warn("command failed",
			observability.Conn(connID),
			observability.Command(cmd.Type),
			zap.String("account_id", cmd.AccountID),
			zap.Error(err),
		)
	}
	ev := event.New(event.Error, uuid.Nil, event.ErrorData{Kind: kind.String(), Message: err.Error(), Command: cmd.Type})
	ev.AccountID = cmd.AccountID
	ev.ReplyTo = cmd.ID
	s.reply(connID, ev)
}

func parseID(op, field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, apperr.New(apperr.KindInvalidInput, op, "%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, apperr.New(apperr.KindInvalidInput, op, "%s %q is not a valid id", field, raw)
	}
	return id, nil
}

func optionalID(op, field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return parseID(op, field, raw)
}

func requireText(op, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperr.New(apperr.KindInvalidInput, op, "%s is required", field)
	}
	return nil
}

// account lifecycle

func (s *Service) connect(_ context.Context, c call) (any, error) {
	if sess := s.sessions.GetSession(c.account); sess != nil {
		return nil, &apperr.Error{Kind: apperr.KindAlreadyExists, Op: c.Type, Msg: "account already connected"}
	}
	s.goBackground(func(ctx context.Context) {
		creds, err := s.Accounts.Credentials(ctx, c.account)
		if err == nil {
			_, err = s.sessions.Connect(ctx, c.account, creds)
		}
		if err != nil {
			s.replyError(c.conn, c.Command, err)
			return
		}
		ev := event.New(event.Ack, c.account, event.StateData{State: "connected"})
		ev.ReplyTo = c.ID
		s.reply(c.conn, ev)
	})
	return asyncReply{}, nil
}

func (s *Service) disconnect(ctx context.Context, c call) (any, error) {
	return nil, s.sessions.Disconnect(ctx, c.account)
}

// chat

type chatSend struct {
	Message string `json:"message"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
}

func (s *Service) sendChat(ctx context.Context, c call) (any, error) {
	var d chatSend
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	if err := requireText(c.Type, "message", d.Message); err != nil {
		return nil, err
	}
	kind, ok := world.ParseChatType(d.Type)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidInput, c.Type, "unknown chat type %q", d.Type)
	}
	return nil, s.sessions.SendChat(ctx, c.account, d.Message, d.Channel, kind)
}

type imSend struct {
	To      string `json:"to"`
	Group   string `json:"group"`
	Message string `json:"message"`
}

func (s *Service) sendIM(ctx context.Context, c call) (any, error) {
	var d imSend
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	to, err := parseID(c.Type, "to", d.To)
	if err != nil {
		return nil, err
	}
	if err := requireText(c.Type, "message", d.Message); err != nil {
		return nil, err
	}
	return nil, s.sessions.SendIM(ctx, c.account, to, d.Message)
}

func (s *Service) sendGroupIM(ctx context.Context, c call) (any, error) {
	var d imSend
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	group, err := parseID(c.Type, "group", d.Group)
	if err != nil {
		return nil, err
	}
	if err := requireText(c.Type, "message", d.Message); err != nil {
		return nil, err
	}
	return nil, s.sessions.SendGroupIM(ctx, c.account, group, d.Message)
}

type historyQuery struct {
	SessionKey string `json:"session_key"`
	Limit      int    `json:"limit"`
}

func (q historyQuery) key() string {
	if q.SessionKey == "" {
		return postgres.LocalChat
	}
	return q.SessionKey
}

func (s *Service) validKey(op, key string) error {
	if !postgres.ValidSessionKey(key) {
		return apperr.New(apperr.KindInvalidInput, op, "invalid session_key %q", key)
	}
	return nil
}

func (s *Service) chatHistory(ctx context.Context, c call) (any, error) {
	var q historyQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	if err := s.validKey(c.Type, q.key()); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > s.opts.HistoryLimit {
		limit = s.opts.HistoryLimit
	}
	msgs, err := s.Chat.History(ctx, c.account, q.key(), limit)
	if err != nil {
		return nil, err
	}
	return event.New(event.ChatHistory, c.account, HistoryData{SessionKey: q.key(), Messages: msgs}), nil
}

func (s *Service) chatClear(ctx context.Context, c call) (any, error) {
	var q historyQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	if err := s.validKey(c.Type, q.key()); err != nil {
		return nil, err
	}
	n, err := s.Chat.Clear(ctx, c.account, q.key())
	if err != nil {
		return nil, err
	}
	d := ClearedData{SessionKey: q.key(), Removed: n}
	s.publish(c.account, event.ChatCleared, d)
	return d, nil
}

func (s *Service) recentSessions(ctx context.Context, c call) (any, error) {
	var q historyQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	sessions, err := s.Chat.RecentSessions(ctx, c.account, q.Limit)
	if err != nil {
		return nil, err
	}
	return event.New(event.ChatRecentSessions, c.account, RecentSessionsData{Sessions: sessions}), nil
}

// movement and inspection

type objectRef struct {
	ObjectID string `json:"object_id"`
}

func (s *Service) sit(ctx context.Context, c call) (any, error) {
	var d objectRef
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	target, err := optionalID(c.Type, "object_id", d.ObjectID)
	if err != nil {
		return nil, err
	}
	if target == uuid.Nil {
		return nil, s.sessions.SitOnGround(ctx, c.account)
	}
	return nil, s.sessions.SitOnObject(ctx, c.account, target)
}

func (s *Service) stand(ctx context.Context, c call) (any, error) {
	return nil, s.sessions.StandUp(ctx, c.account)
}

func (s *Service) objectInfo(ctx context.Context, c call) (any, error) {
	var d objectRef
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	id, err := parseID(c.Type, "object_id", d.ObjectID)
	if err != nil {
		return nil, err
	}
	return s.sessions.GetObjectInfo(ctx, c.account, id)
}

func (s *Service) nearbyAvatars(ctx context.Context, c call) (any, error) {
	avs, err := s.sessions.NearbyAvatars(ctx, c.account)
	if err != nil {
		return nil, err
	}
	return AvatarsData{Avatars: avs}, nil
}

// notices

type noticeQuery struct {
	NoticeID   string `json:"notice_id"`
	UnreadOnly bool   `json:"unread_only"`
	// Accept answers an attached inventory offer on acknowledge.
	Accept *bool `json:"accept,omitempty"`
}

func (s *Service) noticeList(ctx context.Context, c call) (any, error) {
	var q noticeQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	notices, err := s.Notices.List(ctx, c.account, q.UnreadOnly)
	if err != nil {
		return nil, err
	}
	return event.New(event.NoticeList, c.account, NoticeListData{Notices: notices}), nil
}

func (s *Service) noticeUnread(ctx context.Context, c call) (any, error) {
	n, err := s.Notices.UnreadCount(ctx, c.account)
	if err != nil {
		return nil, err
	}
	return event.New(event.NoticeUnreadCount, c.account, UnreadData{Count: n}), nil
}

func (s *Service) publishUnread(ctx context.Context, accountID uuid.UUID) {
	n, err := s.Notices.UnreadCount(ctx, accountID)
	if err != nil {
		s.logger.Warn("counting unread notices", observability.Account(accountID), zap.Error(err))
		return
	}
	s.publish(accountID, event.NoticeUnreadCount, UnreadData{Count: n})
}

func (s *Service) noticeAcknowledge(ctx context.Context, c call) (any, error) {
	var q noticeQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	id, err := parseID(c.Type, "notice_id", q.NoticeID)
	if err != nil {
		return nil, err
	}
	n, err := s.Notices.Get(ctx, c.account, id)
	if err != nil {
		return nil, err
	}
	if q.Accept != nil && n.HasAttachment {
		if err := s.sessions.AcceptInventoryOffer(ctx, c.account, id, *q.Accept); err != nil {
			return nil, err
		}
	}
	if err := s.Notices.Acknowledge(ctx, c.account, id); err != nil {
		return nil, err
	}
	s.publishUnread(ctx, c.account)
	return nil, nil
}

func (s *Service) noticeDismiss(ctx context.Context, c call) (any, error) {
	var q noticeQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	id, err := parseID(c.Type, "notice_id", q.NoticeID)
	if err != nil {
		return nil, err
	}
	if err := s.Notices.Dismiss(ctx, c.account, id); err != nil {
		return nil, err
	}
	s.publish(c.account, event.NoticeCleared, NoticeClearedData{NoticeID: id})
	s.publishUnread(ctx, c.account)
	return nil, nil
}

// interactive requests

type dialogResponse struct {
	ButtonIndex *int   `json:"button_index"`
	ButtonLabel string `json:"button_label"`
}

func (s *Service) dialogRespond(ctx context.Context, c call) (any, error) {
	id, err := c.requestID()
	if err != nil {
		return nil, err
	}
	var d dialogResponse
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	if d.ButtonIndex == nil && d.ButtonLabel == "" {
		return nil, apperr.New(apperr.KindInvalidInput, c.Type, "button_index or button_label is required")
	}
	req, ok := s.Registry.Get(c.account, interactive.KindScriptDialog, id)
	if !ok {
		return nil, notFoundRequest(c.Type)
	}
	index, label, err := pickButton(c.Type, req.Payload, d)
	if err != nil {
		return nil, err
	}
	return nil, s.Registry.Resolve(c.account, interactive.KindScriptDialog, id, func(r interactive.Request) error {
		return s.answerDialog(ctx, r, index, label)
	})
}

func pickButton(op string, payload any, d dialogResponse) (int, string, error) {
	dialog, ok := payload.(world.ScriptDialog)
	if !ok {
		return 0, "", fmt.Errorf("%s: unexpected dialog payload %T", op, payload)
	}
	if d.ButtonIndex != nil {
		i := *d.ButtonIndex
		if i < 0 || i >= len(dialog.Buttons) {
			return 0, "", apperr.New(apperr.KindInvalidInput, op, "button_index %d out of range", i)
		}
		return i, dialog.Buttons[i], nil
	}
	for i, b := range dialog.Buttons {
		if b == d.ButtonLabel {
			return i, b, nil
		}
	}
	return 0, "", apperr.New(apperr.KindInvalidInput, op, "dialog has no button %q", d.ButtonLabel)
}

func notFoundRequest(op string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: interactive.ErrRequestNotFound}
}

func (s *Service) dialogDismiss(_ context.Context, c call) (any, error) {
	id, err := c.requestID()
	if err != nil {
		return nil, err
	}
	return nil, s.Registry.Dismiss(c.account, interactive.KindScriptDialog, id)
}

type decision struct {
	Grant  *bool `json:"grant,omitempty"`
	Accept *bool `json:"accept,omitempty"`
}

func (s *Service) permissionRespond(ctx context.Context, c call) (any, error) {
	id, err := c.requestID()
	if err != nil {
		return nil, err
	}
	var d decision
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	if d.Grant == nil {
		return nil, apperr.New(apperr.KindInvalidInput, c.Type, "grant is required")
	}
	return nil, s.Registry.Resolve(c.account, interactive.KindScriptPermission, id, func(r interactive.Request) error {
		return s.answerPermission(ctx, r, *d.Grant)
	})
}

func (s *Service) teleportRespond(ctx context.Context, c call) (any, error) {
	id, err := c.requestID()
	if err != nil {
		return nil, err
	}
	var d decision
	if err := c.decode(&d); err != nil {
		return nil, err
	}
	if d.Accept == nil {
		return nil, apperr.New(apperr.KindInvalidInput, c.Type, "accept is required")
	}
	return nil, s.Registry.Resolve(c.account, interactive.KindTeleportRequest, id, func(r interactive.Request) error {
		return s.answerTeleport(ctx, r, *d.Accept)
	})
}

type requestsQuery struct {
	Kind string `json:"kind"`
}

func (s *Service) requestsList(_ context.Context, c call) (any, error) {
	var q requestsQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	var kinds []interactive.Kind
	if q.Kind != "" {
		k, ok := interactive.ParseKind(q.Kind)
		if !ok {
			return nil, apperr.New(apperr.KindInvalidInput, c.Type, "unknown request kind %q", q.Kind)
		}
		kinds = append(kinds, k)
	}
	return event.New(event.RequestsActive, c.account, s.activeRequests(c.account, kinds...)), nil
}

func (s *Service) activeRequests(accountID uuid.UUID, kinds ...interactive.Kind) RequestsData {
	reqs := s.Registry.ListActive(accountID, kinds...)
	d := RequestsData{Requests: make([]RequestData, 0, len(reqs))}
	for _, r := range reqs {
		d.Requests = append(d.Requests, requestData(r))
	}
	return d
}

// answers translate a resolved request into the world call

func (s *Service) answerDialog(ctx context.Context, r interactive.Request, index int, label string) error {
	dialog, ok := r.Payload.(world.ScriptDialog)
	if !ok {
		return errors.New("dialog request without dialog payload")
	}
	return s.sessions.AnswerDialog(ctx, r.AccountID, world.DialogAnswer{
		ObjectID:    dialog.ObjectID,
		Channel:     dialog.Channel,
		ButtonIndex: index,
		ButtonLabel: label,
	})
}

func (s *Service) answerPermission(ctx context.Context, r interactive.Request, grant bool) error {
	p, ok := r.Payload.(world.ScriptPermission)
	if !ok {
		return errors.New("permission request without permission payload")
	}
	return s.sessions.AnswerPermission(ctx, r.AccountID, world.PermissionAnswer{
		TaskID:      p.TaskID,
		ItemID:      p.ItemID,
		Permissions: p.Permissions,
		Grant:       grant,
	})
}

func (s *Service) answerTeleport(ctx context.Context, r interactive.Request, accept bool) error {
	o, ok := r.Payload.(world.TeleportOffer)
	if !ok {
		return errors.New("teleport request without offer payload")
	}
	return s.sessions.AnswerTeleport(ctx, r.AccountID, world.TeleportAnswer{
		FromID: o.FromID,
		LureID: o.ID,
		Accept: accept,
	})
}
