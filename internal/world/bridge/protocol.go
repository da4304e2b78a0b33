package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cory-johannsen/worldlink/internal/world"
)

// Methods understood by the protocol bridge.
const (
	methodLogin          = "login"
	methodLogout         = "logout"
	methodChat           = "chat.send"
	methodIM             = "im.send"
	methodGroupIM        = "group_im.send"
	methodSit            = "sit"
	methodStand          = "stand"
	methodStopAnimations = "animations.stop"
	methodLookupObject   = "object.lookup"
	methodNearbyAvatars  = "avatars.nearby"
	methodDialog         = "dialog.answer"
	methodPermission     = "permission.answer"
	methodTeleport       = "teleport.answer"
	methodInventoryOffer = "inventory_offer.answer"
	methodSetAway        = "presence.set_away"
	methodSetBusy        = "presence.set_busy"
	methodPresence       = "presence.get"
)

// request is a client-to-bridge call.
type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// frame is anything the bridge sends: a response when ID is set, otherwise
// an event.
type frame struct {
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RemoteError is a failure reported by the bridge for one call.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "bridge: " + e.Message
	}
	return fmt.Sprintf("bridge: %s: %s", e.Code, e.Message)
}

type loginParams struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
	LoginURI  string `json:"login_uri,omitempty"`
	Start     string `json:"start,omitempty"`
}

type chatParams struct {
	Message string `json:"message"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
}

type imParams struct {
	To      uuid.UUID `json:"to"`
	Message string    `json:"message"`
}

type targetParams struct {
	Target uuid.UUID `json:"target"`
}

type stopAnimationsParams struct {
	Except []uuid.UUID `json:"except"`
}

type idParams struct {
	ID uuid.UUID `json:"id"`
}

type dialogParams struct {
	ObjectID    uuid.UUID `json:"object_id"`
	Channel     int       `json:"channel"`
	ButtonIndex int       `json:"button_index"`
	ButtonLabel string    `json:"button_label"`
}

type permissionParams struct {
	TaskID      uuid.UUID `json:"task_id"`
	ItemID      uuid.UUID `json:"item_id"`
	Permissions uint32    `json:"permissions"`
	Grant       bool      `json:"grant"`
}

type teleportParams struct {
	FromID uuid.UUID `json:"from_id"`
	LureID uuid.UUID `json:"lure_id"`
	Accept bool      `json:"accept"`
}

type offerParams struct {
	NoticeID uuid.UUID `json:"notice_id"`
	Accept   bool      `json:"accept"`
}

type flagParams struct {
	Value bool `json:"value"`
}

type presenceResult struct {
	Away bool `json:"away"`
	Busy bool `json:"busy"`
}

var eventKinds = func() map[string]world.EventKind {
	m := make(map[string]world.EventKind)
	for k := world.EventChatReceived; k <= world.EventSessionClosed; k++ {
		m[k.String()] = k
	}
	return m
}()

// decodeEvent converts a bridge event frame into a world.Event.
func decodeEvent(name string, data json.RawMessage) (world.Event, error) {
	kind, ok := eventKinds[name]
	if !ok {
		return world.Event{}, fmt.Errorf("unknown event %q", name)
	}
	ev := world.Event{Kind: kind}
	var target any
	switch kind {
	case world.EventChatReceived, world.EventInstantMessage, world.EventGroupMessage:
		ev.Chat = &world.ChatMessage{}
		target = ev.Chat
	case world.EventAvatarUpdated:
		ev.Avatar = &world.Avatar{}
		target = ev.Avatar
	case world.EventObjectUpdated:
		ev.Object = &world.Object{}
		target = ev.Object
	case world.EventAvatarRemoved, world.EventObjectRemoved:
		var ref idParams
		if err := json.Unmarshal(data, &ref); err != nil {
			return world.Event{}, fmt.Errorf("decoding %s: %w", name, err)
		}
		if kind == world.EventAvatarRemoved {
			ev.AvatarID = ref.ID
		} else {
			ev.ObjectID = ref.ID
		}
		return ev, nil
	case world.EventRegionChanged:
		ev.Region = &world.Region{}
		target = ev.Region
	case world.EventRegionStats:
		ev.RegionStats = &world.RegionStats{}
		target = ev.RegionStats
	case world.EventScriptDialog:
		ev.Dialog = &world.ScriptDialog{}
		target = ev.Dialog
	case world.EventScriptPermission:
		ev.Permission = &world.ScriptPermission{}
		target = ev.Permission
	case world.EventTeleportRequest:
		ev.Teleport = &world.TeleportOffer{}
		target = ev.Teleport
	case world.EventNoticeReceived:
		ev.Notice = &world.Notice{}
		target = ev.Notice
	case world.EventPresenceChanged:
		var p presenceResult
		if err := json.Unmarshal(data, &p); err != nil {
			return world.Event{}, fmt.Errorf("decoding %s: %w", name, err)
		}
		ev.Presence = &world.Presence{Away: p.Away, Busy: p.Busy}
		return ev, nil
	case world.EventSessionClosed:
		ev.Closed = &world.Closed{}
		target = ev.Closed
	}
	if len(data) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return world.Event{}, fmt.Errorf("decoding %s: %w", name, err)
	}
	return ev, nil
}
