// Package event defines the account-scoped events pushed to browsers.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event on the wire.
type Type string

const (
	ChatMessage              Type = "chat.message"
	ChatHistory              Type = "chat.history"
	ChatCleared              Type = "chat.cleared"
	ChatRecentSessions       Type = "chat.recent_sessions"
	PresenceChanged          Type = "presence.changed"
	AvatarsNearby            Type = "avatars.nearby"
	AvatarUpdated            Type = "avatar.updated"
	AvatarRemoved            Type = "avatar.removed"
	RegionUpdated            Type = "region.updated"
	RegionStats              Type = "region.stats"
	NoticeReceived           Type = "notice.received"
	NoticeCleared            Type = "notice.cleared"
	NoticeList               Type = "notice.list"
	NoticeUnreadCount        Type = "notice.unread_count"
	SitSuccess               Type = "sit.success"
	SitError                 Type = "sit.error"
	StandSuccess             Type = "stand.success"
	StandError               Type = "stand.error"
	ObjectInfo               Type = "object.info"
	ScriptDialogReceived     Type = "script_dialog.received"
	ScriptDialogClosed       Type = "script_dialog.closed"
	ScriptPermissionReceived Type = "script_permission.received"
	ScriptPermissionClosed   Type = "script_permission.closed"
	TeleportRequestReceived  Type = "teleport_request.received"
	TeleportRequestClosed    Type = "teleport_request.closed"
	RequestsActive           Type = "requests.active"
	SessionState             Type = "session.state"
	SessionClosed            Type = "session.closed"
	Ack                      Type = "ack"
	Error                    Type = "error"
)

// Event is one frame sent to a browser connection.
type Event struct {
	Type      Type   `json:"type"`
	AccountID string `json:"account_id,omitempty"`
	// Seq is the per-account publish sequence; zero on direct replies.
	Seq     uint64    `json:"seq,omitempty"`
	ReplyTo string    `json:"reply_to,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

// New builds an event for accountID stamped with the current time.
func New(t Type, accountID uuid.UUID, data any) Event {
	ev := Event{Type: t, Time: time.Now().UTC(), Data: data}
	if accountID != uuid.Nil {
		ev.AccountID = accountID.String()
	}
	return ev
}

// ErrorData is the payload of an Error event.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

// RequestClosedData is the payload of the *.closed interactive events.
type RequestClosedData struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// StateData is the payload of SessionState and SessionClosed.
type StateData struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}
