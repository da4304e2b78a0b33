// Package world defines the protocol-client capability a session drives.
// The virtual-world wire protocol lives behind Client; this package only
// names the calls and the events a session consumes.
package world

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Credentials identify an avatar to the virtual-world login service.
type Credentials struct {
	FirstName string
	LastName  string
	Password  string
	// LoginURI selects the grid; empty uses the bridge default.
	LoginURI string
	// Start is "last", "home", or a region URI.
	Start string
}

// ChatType is the audible range of local chat.
type ChatType int

const (
	ChatNormal ChatType = iota
	ChatWhisper
	ChatShout
)

// String returns the wire name of the chat type.
func (t ChatType) String() string {
	switch t {
	case ChatWhisper:
		return "whisper"
	case ChatShout:
		return "shout"
	default:
		return "normal"
	}
}

// ParseChatType maps a wire name to a ChatType; "" is normal.
func ParseChatType(s string) (ChatType, bool) {
	switch s {
	case "", "normal":
		return ChatNormal, true
	case "whisper":
		return ChatWhisper, true
	case "shout":
		return ChatShout, true
	}
	return ChatNormal, false
}

// Presence is the external world's view of the avatar's away/busy state.
type Presence struct {
	Away bool
	Busy bool
}

// Vector is a region-local position.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Avatar is one nearby avatar in the current region.
type Avatar struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Position Vector    `json:"position"`
	Distance float64   `json:"distance"`
}

// Object is one in-world object in the current region.
type Object struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Position Vector    `json:"position"`
}

// ObjectInfo is the detail returned by LookupObject.
type ObjectInfo struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     uuid.UUID `json:"owner_id"`
	CreatorID   uuid.UUID `json:"creator_id"`
	Position    Vector    `json:"position"`
	SitText     string    `json:"sit_text,omitempty"`
}

// DialogAnswer selects a button on a script dialog.
type DialogAnswer struct {
	ObjectID    uuid.UUID
	Channel     int
	ButtonIndex int
	ButtonLabel string
}

// PermissionAnswer grants or denies a script permission request.
type PermissionAnswer struct {
	TaskID      uuid.UUID
	ItemID      uuid.UUID
	Permissions uint32
	Grant       bool
}

// TeleportAnswer accepts or declines a teleport offer (lure).
type TeleportAnswer struct {
	FromID uuid.UUID
	LureID uuid.UUID
	Accept bool
}

// Client is one protocol-client connection. A session owns exactly one
// Client for its lifetime. Every method may block on network I/O.
type Client interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error

	SendChat(ctx context.Context, message string, channel int, kind ChatType) error
	SendInstantMessage(ctx context.Context, to uuid.UUID, message string) error
	SendGroupMessage(ctx context.Context, group uuid.UUID, message string) error

	// Sit sits on target; uuid.Nil sits on the ground.
	Sit(ctx context.Context, target uuid.UUID) error
	Stand(ctx context.Context) error
	// StopAnimations stops every playing animation not in except.
	StopAnimations(ctx context.Context, except map[uuid.UUID]struct{}) error

	// LookupObject returns nil, nil when the object is unknown to the world.
	LookupObject(ctx context.Context, id uuid.UUID) (*ObjectInfo, error)
	ListNearbyAvatars(ctx context.Context) ([]Avatar, error)

	AnswerDialog(ctx context.Context, answer DialogAnswer) error
	AnswerPermission(ctx context.Context, answer PermissionAnswer) error
	AnswerTeleport(ctx context.Context, answer TeleportAnswer) error
	AcceptInventoryOffer(ctx context.Context, noticeID uuid.UUID, accept bool) error

	SetAway(ctx context.Context, away bool) error
	SetBusy(ctx context.Context, busy bool) error
	Presence(ctx context.Context) (Presence, error)

	// Events yields world events until the connection ends; it is closed
	// after the final EventSessionClosed.
	Events() <-chan Event
}

// Factory creates an unconnected Client for an account.
type Factory interface {
	NewClient(accountID uuid.UUID) Client
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(accountID uuid.UUID) Client

// NewClient calls f.
func (f FactoryFunc) NewClient(accountID uuid.UUID) Client { return f(accountID) }

// EventKind discriminates Event.
type EventKind int

const (
	EventChatReceived EventKind = iota + 1
	EventInstantMessage
	EventGroupMessage
	EventAvatarUpdated
	EventAvatarRemoved
	EventObjectUpdated
	EventObjectRemoved
	EventRegionChanged
	EventRegionStats
	EventScriptDialog
	EventScriptPermission
	EventTeleportRequest
	EventNoticeReceived
	EventPresenceChanged
	EventSessionClosed
)

var eventKindNames = map[EventKind]string{
	EventChatReceived:     "chat_received",
	EventInstantMessage:   "instant_message",
	EventGroupMessage:     "group_message",
	EventAvatarUpdated:    "avatar_updated",
	EventAvatarRemoved:    "avatar_removed",
	EventObjectUpdated:    "object_updated",
	EventObjectRemoved:    "object_removed",
	EventRegionChanged:    "region_changed",
	EventRegionStats:      "region_stats",
	EventScriptDialog:     "script_dialog",
	EventScriptPermission: "script_permission",
	EventTeleportRequest:  "teleport_request",
	EventNoticeReceived:   "notice_received",
	EventPresenceChanged:  "presence_changed",
	EventSessionClosed:    "session_closed",
}

// String returns a stable name for logging.
func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ChatMessage is local chat, an IM, or a group IM.
type ChatMessage struct {
	FromID   uuid.UUID `json:"from_id"`
	FromName string    `json:"from_name"`
	// SessionID is the IM peer or the group for IM kinds; uuid.Nil for local chat.
	SessionID uuid.UUID `json:"session_id"`
	Message   string    `json:"message"`
	Channel   int       `json:"channel"`
	Type      ChatType  `json:"type"`
	Time      time.Time `json:"time"`
}

// Region describes the region the avatar is in.
type Region struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Handle uint64    `json:"handle"`
}

// RegionStats is the simulator statistics block.
type RegionStats struct {
	Name         string  `json:"name"`
	TimeDilation float64 `json:"time_dilation"`
	FPS          float64 `json:"fps"`
	Agents       int     `json:"agents"`
	Objects      int     `json:"objects"`
}

// ScriptDialog is an llDialog prompt.
type ScriptDialog struct {
	ID         uuid.UUID `json:"id"`
	ObjectID   uuid.UUID `json:"object_id"`
	ObjectName string    `json:"object_name"`
	OwnerName  string    `json:"owner_name"`
	Message    string    `json:"message"`
	Channel    int       `json:"channel"`
	Buttons    []string  `json:"buttons"`
}

// ScriptPermission is a script asking for permissions.
type ScriptPermission struct {
	ID          uuid.UUID `json:"id"`
	TaskID      uuid.UUID `json:"task_id"`
	ItemID      uuid.UUID `json:"item_id"`
	ObjectName  string    `json:"object_name"`
	OwnerName   string    `json:"owner_name"`
	Permissions uint32    `json:"permissions"`
}

// TeleportOffer is another avatar offering a teleport.
type TeleportOffer struct {
	ID       uuid.UUID `json:"id"`
	FromID   uuid.UUID `json:"from_id"`
	FromName string    `json:"from_name"`
	Message  string    `json:"message"`
}

// Notice is a group notice or an inventory offer.
type Notice struct {
	ID            uuid.UUID `json:"id"`
	GroupID       uuid.UUID `json:"group_id"`
	FromName      string    `json:"from_name"`
	Subject       string    `json:"subject"`
	Message       string    `json:"message"`
	HasAttachment bool      `json:"has_attachment"`
	Time          time.Time `json:"time"`
}

// Closed reports why the connection ended.
type Closed struct {
	Reason string `json:"reason"`
	// Err is set when the close was caused by a failure.
	Err error `json:"-"`
}

// Event is one item from Client.Events. Exactly the field matching Kind is set.
type Event struct {
	Kind        EventKind
	Chat        *ChatMessage
	Avatar      *Avatar
	AvatarID    uuid.UUID
	Object      *Object
	ObjectID    uuid.UUID
	Region      *Region
	RegionStats *RegionStats
	Dialog      *ScriptDialog
	Permission  *ScriptPermission
	Teleport    *TeleportOffer
	Notice      *Notice
	Presence    *Presence
	Closed      *Closed
}
