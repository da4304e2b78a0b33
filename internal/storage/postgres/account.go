package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/worldlink/internal/apperr"
	"github.com/cory-johannsen/worldlink/internal/world"
)

var (
	// ErrAccountNotFound is returned when an account lookup yields no results.
	ErrAccountNotFound = &apperr.Error{Kind: apperr.KindNotFound, Msg: "account not found"}
	// ErrAccountExists is returned for a duplicate (first, last, login uri).
	ErrAccountExists = &apperr.Error{Kind: apperr.KindAlreadyExists, Msg: "account already exists"}
)

// Sealer protects stored world passwords.
type Sealer interface {
	SealString(plaintext string) ([]byte, error)
	OpenString(sealed []byte) (string, error)
}

// WorldAccount is a stored virtual-world login. The password is never
// loaded into this struct; use Credentials.
type WorldAccount struct {
	ID          uuid.UUID
	Label       string
	FirstName   string
	LastName    string
	LoginURI    string
	Start       string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// NewWorldAccount is the input to AccountRepository.Create.
type NewWorldAccount struct {
	Label     string
	FirstName string
	LastName  string
	LoginURI  string
	Start     string
	Password  string
}

func (n NewWorldAccount) validate() error {
	switch {
	case n.FirstName == "":
		return apperr.New(apperr.KindInvalidInput, "postgres.CreateAccount", "first name is required")
	case n.LoginURI == "":
		return apperr.New(apperr.KindInvalidInput, "postgres.CreateAccount", "login uri is required")
	case n.Password == "":
		return apperr.New(apperr.KindInvalidInput, "postgres.CreateAccount", "password is required")
	}
	return nil
}

// AccountRepository persists world accounts with sealed passwords.
type AccountRepository struct {
	db     *pgxpool.Pool
	sealer Sealer
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool; sealer must be non-nil.
func NewAccountRepository(db *pgxpool.Pool, sealer Sealer) *AccountRepository {
	return &AccountRepository{db: db, sealer: sealer}
}

const accountColumns = `id, label, first_name, last_name, login_uri, start_location, created_at, last_login_at`

func scanAccount(row pgx.Row) (WorldAccount, error) {
	var a WorldAccount
	err := row.Scan(&a.ID, &a.Label, &a.FirstName, &a.LastName, &a.LoginURI, &a.Start, &a.CreatedAt, &a.LastLoginAt)
	return a, err
}

// Create inserts a new world account, sealing its password.
//
// Postcondition: Returns the created account, or ErrAccountExists.
func (r *AccountRepository) Create(ctx context.Context, in NewWorldAccount) (WorldAccount, error) {
	if err := in.validate(); err != nil {
		return WorldAccount{}, err
	}
	in = withAccountDefaults(in)
	sealed, err := r.sealer.SealString(in.Password)
	if err != nil {
		return WorldAccount{}, fmt.Errorf("sealing password: %w", err)
	}
	a, err := scanAccount(r.db.QueryRow(ctx,
		`INSERT INTO world_accounts (id, label, first_name, last_name, login_uri, start_location, sealed_password)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+accountColumns,
		uuid.New(), in.Label, in.FirstName, in.LastName, in.LoginURI, in.Start, sealed,
	))
	if err != nil {
		if isDuplicateKeyError(err) {
			return WorldAccount{}, ErrAccountExists
		}
		return WorldAccount{}, fmt.Errorf("inserting account: %w", err)
	}
	return a, nil
}

// Upsert creates the account or, when (first, last, login uri) exists,
// replaces its label, start location, and password.
func (r *AccountRepository) Upsert(ctx context.Context, in NewWorldAccount) (WorldAccount, error) {
	if err := in.validate(); err != nil {
		return WorldAccount{}, err
	}
	in = withAccountDefaults(in)
	sealed, err := r.sealer.SealString(in.Password)
	if err != nil {
		return WorldAccount{}, fmt.Errorf("sealing password: %w", err)
	}
	a, err := scanAccount(r.db.QueryRow(ctx,
		`INSERT INTO world_accounts (id, label, first_name, last_name, login_uri, start_location, sealed_password)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (first_name, last_name, login_uri) DO UPDATE
		   SET label = EXCLUDED.label,
		       start_location = EXCLUDED.start_location,
		       sealed_password = EXCLUDED.sealed_password
		 RETURNING `+accountColumns,
		uuid.New(), in.Label, in.FirstName, in.LastName, in.LoginURI, in.Start, sealed,
	))
	if err != nil {
		return WorldAccount{}, fmt.Errorf("upserting account: %w", err)
	}
	return a, nil
}

func withAccountDefaults(in NewWorldAccount) NewWorldAccount {
	if in.LastName == "" {
		in.LastName = "Resident"
	}
	if in.Start == "" {
		in.Start = "last"
	}
	if in.Label == "" {
		in.Label = in.FirstName + " " + in.LastName
	}
	return in
}

// Get retrieves an account by id.
//
// Postcondition: Returns the account or ErrAccountNotFound.
func (r *AccountRepository) Get(ctx context.Context, id uuid.UUID) (WorldAccount, error) {
	a, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM world_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorldAccount{}, ErrAccountNotFound
		}
		return WorldAccount{}, fmt.Errorf("querying account: %w", err)
	}
	return a, nil
}

// List returns every account ordered by label.
func (r *AccountRepository) List(ctx context.Context) ([]WorldAccount, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM world_accounts ORDER BY label, id`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()
	var out []WorldAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Credentials loads the account and opens its password for a world login.
func (r *AccountRepository) Credentials(ctx context.Context, id uuid.UUID) (world.Credentials, error) {
	var (
		c      world.Credentials
		sealed []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT first_name, last_name, login_uri, start_location, sealed_password
		 FROM world_accounts WHERE id = $1`, id,
	).Scan(&c.FirstName, &c.LastName, &c.LoginURI, &c.Start, &sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return world.Credentials{}, ErrAccountNotFound
		}
		return world.Credentials{}, fmt.Errorf("querying credentials: %w", err)
	}
	c.Password, err = r.sealer.OpenString(sealed)
	if err != nil {
		return world.Credentials{}, fmt.Errorf("opening password for %s: %w", id, err)
	}
	return c, nil
}

// TouchLogin stamps last_login_at.
func (r *AccountRepository) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE world_accounts SET last_login_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Delete removes the account and, by cascade, its history and notices.
func (r *AccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM world_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
