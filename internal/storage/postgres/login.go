package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoginRecord is one world login of an account.
type LoginRecord struct {
	ID        int64      `json:"id"`
	AccountID uuid.UUID  `json:"account_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// LoginRepository records login history.
type LoginRepository struct {
	db *pgxpool.Pool
}

// NewLoginRepository creates a LoginRepository backed by the given pool.
func NewLoginRepository(db *pgxpool.Pool) *LoginRepository {
	return &LoginRepository{db: db}
}

// Start records a login beginning at at and stamps the account's last login.
func (r *LoginRepository) Start(ctx context.Context, accountID uuid.UUID, at time.Time) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO login_sessions (account_id, started_at) VALUES ($1, $2) RETURNING id`,
		accountID, at,
	).Scan(&id)
	if err != nil {
		if isForeignKeyError(err) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("inserting login session: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE world_accounts SET last_login_at = $1 WHERE id = $2`, at, accountID); err != nil {
		return 0, fmt.Errorf("updating last login: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing login session: %w", err)
	}
	return id, nil
}

// End closes every open login of the account.
func (r *LoginRepository) End(ctx context.Context, accountID uuid.UUID, at time.Time, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE login_sessions SET ended_at = $1, reason = $2
		 WHERE account_id = $3 AND ended_at IS NULL`,
		at, reason, accountID,
	)
	if err != nil {
		return fmt.Errorf("ending login session: %w", err)
	}
	return nil
}

// Recent returns the account's newest logins.
func (r *LoginRepository) Recent(ctx context.Context, accountID uuid.UUID, limit int) ([]LoginRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, started_at, ended_at, reason
		 FROM login_sessions WHERE account_id = $1
		 ORDER BY started_at DESC, id DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying login sessions: %w", err)
	}
	defer rows.Close()
	var out []LoginRecord
	for rows.Next() {
		var l LoginRecord
		if err := rows.Scan(&l.ID, &l.AccountID, &l.StartedAt, &l.EndedAt, &l.Reason); err != nil {
			return nil, fmt.Errorf("scanning login session: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CloseDangling ends logins left open by an unclean shutdown.
func (r *LoginRepository) CloseDangling(ctx context.Context, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE login_sessions SET ended_at = $1, reason = 'process restart' WHERE ended_at IS NULL`, at)
	if err != nil {
		return 0, fmt.Errorf("closing dangling logins: %w", err)
	}
	return tag.RowsAffected(), nil
}
