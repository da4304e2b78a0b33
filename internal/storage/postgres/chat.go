package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// LocalChat is the session key of region-local chat.
const LocalChat = "local"

// IMSessionKey names the IM conversation with peer.
func IMSessionKey(peer uuid.UUID) string { return "im:" + peer.String() }

// GroupSessionKey names a group IM conversation.
func GroupSessionKey(group uuid.UUID) string { return "group:" + group.String() }

// ValidSessionKey reports whether key is LocalChat or an im:/group: key
// with a well-formed id.
func ValidSessionKey(key string) bool {
	if key == LocalChat {
		return true
	}
	for _, prefix := range []string{"im:", "group:"} {
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			_, err := uuid.Parse(rest)
			return err == nil
		}
	}
	return false
}

// ChatEntry is one stored chat line.
type ChatEntry struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	FromID     uuid.UUID `json:"from_id"`
	FromName   string    `json:"from_name"`
	Message    string    `json:"message"`
	Type       string    `json:"type"`
	Outgoing   bool      `json:"outgoing"`
	SentAt     time.Time `json:"sent_at"`
}

// EntryFromMessage builds a ChatEntry for msg under key.
func EntryFromMessage(key string, msg world.ChatMessage, outgoing bool) ChatEntry {
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}
	return ChatEntry{
		SessionKey: key,
		FromID:     msg.FromID,
		FromName:   msg.FromName,
		Message:    msg.Message,
		Type:       msg.Type.String(),
		Outgoing:   outgoing,
		SentAt:     at,
	}
}

// RecentSession is one conversation with its latest activity.
type RecentSession struct {
	SessionKey   string    `json:"session_key"`
	LastActivity time.Time `json:"last_activity"`
	LastMessage  string    `json:"last_message"`
	Count        int       `json:"count"`
}

// ChatRepository stores chat history per account and conversation.
type ChatRepository struct {
	db *pgxpool.Pool
}

// NewChatRepository creates a ChatRepository backed by the given pool.
func NewChatRepository(db *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: db}
}

// Append stores e for accountID and returns it with ID set.
func (r *ChatRepository) Append(ctx context.Context, accountID uuid.UUID, e ChatEntry) (ChatEntry, error) {
	if !ValidSessionKey(e.SessionKey) {
		return ChatEntry{}, apperr.New(apperr.KindInvalidInput, "postgres.AppendChat", "invalid session key %q", e.SessionKey)
	}
	var from *uuid.UUID
	if e.FromID != uuid.Nil {
		from = &e.FromID
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO chat_messages (account_id, session_key, from_id, from_name, message, chat_type, outgoing, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		accountID, e.SessionKey, from, e.FromName, e.Message, e.Type, e.Outgoing, e.SentAt,
	).Scan(&e.ID)
	if err != nil {
		if isForeignKeyError(err) {
			return ChatEntry{}, ErrAccountNotFound
		}
		return ChatEntry{}, fmt.Errorf("inserting chat message: %w", err)
	}
	return e, nil
}

// History returns up to limit of the newest entries for the conversation,
// oldest first.
func (r *ChatRepository) History(ctx context.Context, accountID uuid.UUID, key string, limit int) ([]ChatEntry, error) {
	if !ValidSessionKey(key) {
		return nil, apperr.New(apperr.KindInvalidInput, "postgres.ChatHistory", "invalid session key %q", key)
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, session_key, COALESCE(from_id, '00000000-0000-0000-0000-000000000000'::uuid),
		        from_name, message, chat_type, outgoing, sent_at
		 FROM (
		   SELECT * FROM chat_messages
		   WHERE account_id = $1 AND session_key = $2
		   ORDER BY id DESC
		   LIMIT $3
		 ) newest
		 ORDER BY id ASC`,
		accountID, key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chat history: %w", err)
	}
	defer rows.Close()
	out := make([]ChatEntry, 0, limit)
	for rows.Next() {
		var e ChatEntry
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.FromID, &e.FromName, &e.Message, &e.Type, &e.Outgoing, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes the conversation's history and returns how many rows went.
func (r *ChatRepository) Clear(ctx context.Context, accountID uuid.UUID, key string) (int64, error) {
	if !ValidSessionKey(key) {
		return 0, apperr.New(apperr.KindInvalidInput, "postgres.ClearChat", "invalid session key %q", key)
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM chat_messages WHERE account_id = $1 AND session_key = $2`, accountID, key)
	if err != nil {
		return 0, fmt.Errorf("clearing chat history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentSessions lists conversations by most recent activity.
func (r *ChatRepository) RecentSessions(ctx context.Context, accountID uuid.UUID, limit int) ([]RecentSession, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (session_key) session_key, sent_at, message,
		        COUNT(*) OVER (PARTITION BY session_key)
		 FROM chat_messages
		 WHERE account_id = $1
		 ORDER BY session_key, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent sessions: %w", err)
	}
	defer rows.Close()
	var out []RecentSession
	for rows.Next() {
		var s RecentSession
		if err := rows.Scan(&s.SessionKey, &s.LastActivity, &s.LastMessage, &s.Count); err != nil {
			return nil, fmt.Errorf("scanning recent session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecent(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRecent(s []RecentSession) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].LastActivity.Equal(s[j].LastActivity) {
			return s[i].LastActivity.After(s[j].LastActivity)
		}
		return s[i].SessionKey < s[j].SessionKey
	})
}
