package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/world"
)

// ErrNoticeNotFound is returned for an unknown notice id.
var ErrNoticeNotFound = &apperr.Error{Kind: apperr.KindNotFound, Msg: "notice not found"}

// StoredNotice is a notice plus its acknowledgement state.
type StoredNotice struct {
	world.Notice
	Acknowledged bool `json:"acknowledged"`
}

// NoticeRepository persists notices per account.
type NoticeRepository struct {
	db *pgxpool.Pool
}

// NewNoticeRepository creates a NoticeRepository backed by the given pool.
func NewNoticeRepository(db *pgxpool.Pool) *NoticeRepository {
	return &NoticeRepository{db: db}
}

// Save stores n for accountID. Saving the same notice id twice is a no-op.
func (r *NoticeRepository) Save(ctx context.Context, accountID uuid.UUID, n world.Notice) error {
	if n.ID == uuid.Nil {
		return apperr.New(apperr.KindInvalidInput, "postgres.SaveNotice", "notice id is required")
	}
	at := n.Time
	if at.IsZero() {
		at = time.Now()
	}
	var group *uuid.UUID
	if n.GroupID != uuid.Nil {
		group = &n.GroupID
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO notices (id, account_id, group_id, from_name, subject, message, has_attachment, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (account_id, id) DO NOTHING`,
		n.ID, accountID, group, n.FromName, n.Subject, n.Message, n.HasAttachment, at,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("inserting notice: %w", err)
	}
	return nil
}

// List returns the account's notices, newest first.
func (r *NoticeRepository) List(ctx context.Context, accountID uuid.UUID, unreadOnly bool) ([]StoredNotice, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, COALESCE(group_id, '00000000-0000-0000-0000-000000000000'::uuid),
		        from_name, subject, message, has_attachment, received_at, acknowledged
		 FROM notices
		 WHERE account_id = $1 AND (NOT $2 OR NOT acknowledged)
		 ORDER BY received_at DESC, id`,
		accountID, unreadOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("listing notices: %w", err)
	}
	defer rows.Close()
	var out []StoredNotice
	for rows.Next() {
		var n StoredNotice
		if err := rows.Scan(&n.ID, &n.GroupID, &n.FromName, &n.Subject, &n.Message, &n.HasAttachment, &n.Time, &n.Acknowledged); err != nil {
			return nil, fmt.Errorf("scanning notice: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Get returns one notice.
func (r *NoticeRepository) Get(ctx context.Context, accountID, id uuid.UUID) (StoredNotice, error) {
	var n StoredNotice
	err := r.db.QueryRow(ctx,
		`SELECT id, COALESCE(group_id, '00000000-0000-0000-0000-000000000000'::uuid),
		        from_name, subject, message, has_attachment, received_at, acknowledged
		 FROM notices WHERE account_id = $1 AND id = $2`,
		accountID, id,
	).Scan(&n.ID, &n.GroupID, &n.FromName, &n.Subject, &n.Message, &n.HasAttachment, &n.Time, &n.Acknowledged)
	if err != nil {
		if isNoRows(err) {
			return StoredNotice{}, ErrNoticeNotFound
		}
		return StoredNotice{}, fmt.Errorf("querying notice: %w", err)
	}
	return n, nil
}

// UnreadCount returns how many notices are not acknowledged.
func (r *NoticeRepository) UnreadCount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notices WHERE account_id = $1 AND NOT acknowledged`, accountID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread notices: %w", err)
	}
	return n, nil
}

// Acknowledge marks a notice read. Acknowledging twice succeeds.
func (r *NoticeRepository) Acknowledge(ctx context.Context, accountID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notices SET acknowledged = TRUE WHERE account_id = $1 AND id = $2`, accountID, id)
	if err != nil {
		return fmt.Errorf("acknowledging notice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoticeNotFound
	}
	return nil
}

// Dismiss deletes a notice.
func (r *NoticeRepository) Dismiss(ctx context.Context, accountID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM notices WHERE account_id = $1 AND id = $2`, accountID, id)
	if err != nil {
		return fmt.Errorf("dismissing notice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoticeNotFound
	}
	return nil
}
