package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Role constants for operator privilege levels.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ValidRole reports whether role is a recognised privilege level.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin:
		return true
	}
	return false
}

var (
	// ErrInvalidRole is returned when an unrecognised role string is supplied.
	ErrInvalidRole = errors.New("invalid role")
	// ErrOperatorNotFound is returned when an operator lookup yields no results.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrOperatorExists is returned when attempting to create a duplicate username.
	ErrOperatorExists = errors.New("operator already exists")
	// ErrInvalidCredentials is returned when authentication fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Operator is a web user who drives world accounts from a browser.
type Operator struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// OperatorRepository provides operator persistence operations.
type OperatorRepository struct {
	db *pgxpool.Pool
}

// NewOperatorRepository creates an OperatorRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewOperatorRepository(db *pgxpool.Pool) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Create inserts a new operator with a bcrypt-hashed password.
//
// Precondition: username must be non-empty; password must be non-empty.
// Postcondition: Returns the created Operator, or ErrOperatorExists if the
// username is taken.
func (r *OperatorRepository) Create(ctx context.Context, username, password string) (Operator, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return Operator{}, fmt.Errorf("hashing password: %w", err)
	}

	var op Operator
	err = r.db.QueryRow(ctx,
		`INSERT INTO operators (username, password_hash)
		 VALUES ($1, $2)
		 RETURNING id, username, password_hash, role, created_at`,
		username, hash,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Operator{}, ErrOperatorExists
		}
		return Operator{}, fmt.Errorf("inserting operator: %w", err)
	}
	return op, nil
}

// Authenticate verifies credentials and returns the matching operator.
//
// Postcondition: Returns the Operator if credentials are valid,
// ErrOperatorNotFound if the username doesn't exist,
// or ErrInvalidCredentials if the password is wrong.
func (r *OperatorRepository) Authenticate(ctx context.Context, username, password string) (Operator, error) {
	op, err := r.GetByUsername(ctx, username)
	if err != nil {
		return Operator{}, err
	}
	if !CheckPassword(password, op.PasswordHash) {
		return Operator{}, ErrInvalidCredentials
	}
	return op, nil
}

// GetByUsername retrieves an operator by username.
func (r *OperatorRepository) GetByUsername(ctx context.Context, username string) (Operator, error) {
	var op Operator
	err := r.db.QueryRow(ctx,
		`SELECT id, username, password_hash, role, created_at
		 FROM operators WHERE username = $1`,
		username,
	).Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("querying operator: %w", err)
	}
	return op, nil
}

// SetRole updates the role for the given operator.
func (r *OperatorRepository) SetRole(ctx context.Context, id int64, role string) error {
	if !ValidRole(role) {
		return ErrInvalidRole
	}
	tag, err := r.db.Exec(ctx, `UPDATE operators SET role = $1 WHERE id = $2`, role, id)
	if err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

// HashPassword creates a bcrypt hash of the given password.
//
// Precondition: password must be non-empty.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
