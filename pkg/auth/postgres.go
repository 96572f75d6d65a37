package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/powerdaemonhq/powerdaemon/pkg/database"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// PostgresUserStore resolves users from the users table.
type PostgresUserStore struct {
	db *database.DB
}

// NewPostgresUserStore creates a user store over the shared pool.
func NewPostgresUserStore(db *database.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

const userColumns = `id, username, email, roles, active, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	var roles pq.StringArray
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &roles, &user.Active, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Roles = roles
	return &user, nil
}

// FindByUsername implements UserStore.
func (s *PostgresUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// FindByID implements UserStore.
func (s *PostgresUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// VerifyPassword implements UserStore.
func (s *PostgresUserStore) VerifyPassword(ctx context.Context, userID, password string) (bool, error) {
	var hash string
	err := s.db.QueryRow(ctx,
		`SELECT password_hash FROM users WHERE id = $1`, userID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select password hash: %w", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}
