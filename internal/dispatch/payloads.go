package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/worldlink/internal/interactive"
	"github.com/cory-johannsen/worldlink/internal/presence"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// ChatData is the payload of chat.message.
type ChatData struct {
	SessionKey string    `json:"session_key"`
	FromID     uuid.UUID `json:"from_id"`
	FromName   string    `json:"from_name"`
	Message    string    `json:"message"`
	Channel    int       `json:"channel"`
	Type       string    `json:"type"`
	Outgoing   bool      `json:"outgoing"`
	Time       time.Time `json:"time"`
}

func chatData(key string, m world.ChatMessage, outgoing bool) ChatData {
	return ChatData{
		SessionKey: key,
		FromID:     m.FromID,
		FromName:   m.FromName,
		Message:    m.Message,
		Channel:    m.Channel,
		Type:       m.Type.String(),
		Outgoing:   outgoing,
		Time:       m.Time,
	}
}

// HistoryData is the payload of chat.history.
type HistoryData struct {
	SessionKey string               `json:"session_key"`
	Messages   []postgres.ChatEntry `json:"messages"`
}

// ClearedData is the payload of chat.cleared.
type ClearedData struct {
	SessionKey string `json:"session_key"`
	Removed    int64  `json:"removed"`
}

// RecentSessionsData is the payload of chat.recent_sessions.
type RecentSessionsData struct {
	Sessions []postgres.RecentSession `json:"sessions"`
}

// PresenceData is the payload of presence.changed and the presence.get reply.
type PresenceData struct {
	Status   string `json:"status"`
	Previous string `json:"previous,omitempty"`
	Active   bool   `json:"active"`
}

func presenceData(ch presence.Change, active uuid.UUID) PresenceData {
	d := PresenceData{Status: ch.Status.String(), Active: active == ch.AccountID && active != uuid.Nil}
	if ch.Changed() {
		d.Previous = ch.Previous.String()
	}
	return d
}

// AvatarsData is the payload of avatars.nearby.
type AvatarsData struct {
	Avatars []world.Avatar `json:"avatars"`
}

// AvatarRemovedData is the payload of avatar.removed.
type AvatarRemovedData struct {
	AvatarID uuid.UUID `json:"avatar_id"`
}

// SitData is the payload of sit.success and sit.error.
type SitData struct {
	ObjectID uuid.UUID `json:"object_id"`
	OnGround bool      `json:"on_ground"`
	Kind     string    `json:"kind,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// StandData is the payload of stand.success and stand.error.
type StandData struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// NoticeListData is the payload of notice.list.
type NoticeListData struct {
	Notices []postgres.StoredNotice `json:"notices"`
}

// UnreadData is the payload of notice.unread_count.
type UnreadData struct {
	Count int `json:"count"`
}

// NoticeClearedData is the payload of notice.cleared.
type NoticeClearedData struct {
	NoticeID uuid.UUID `json:"notice_id"`
}

// RequestData describes one pending interactive request.
type RequestData struct {
	RequestID uuid.UUID  `json:"request_id"`
	Kind      string     `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Prompt    any        `json:"prompt"`
}

func requestData(r interactive.Request) RequestData {
	d := RequestData{
		RequestID: r.ID,
		Kind:      r.Kind.String(),
		CreatedAt: r.CreatedAt,
		Prompt:    r.Payload,
	}
	if !r.ExpiresAt.IsZero() {
		at := r.ExpiresAt
		d.ExpiresAt = &at
	}
	return d
}

// RequestsData is the payload of requests.active.
type RequestsData struct {
	Requests []RequestData `json:"requests"`
}

// SessionData answers subscribe with the account's current state.
type SessionData struct {
	State       string         `json:"state"`
	Sitting     bool           `json:"sitting"`
	SitTarget   uuid.UUID      `json:"sit_target,omitempty"`
	OnGround    bool           `json:"on_ground"`
	Region      *world.Region  `json:"region,omitempty"`
	Avatars     []world.Avatar `json:"avatars"`
	ConnectedAt *time.Time     `json:"connected_at,omitempty"`
	Presence    string         `json:"presence"`
}
