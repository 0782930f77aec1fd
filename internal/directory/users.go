package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// FindUserByUsername returns the user with the given username, or nil.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx, `username = ?`, username)
}

// FindUserByID returns the user with the given id, or nil.
func (s *Store) FindUserByID(ctx context.Context, id int64) (*User, error) {
	return s.findUser(ctx, `id = ?`, id)
}

func (s *Store) findUser(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, username, password_hash, email, is_admin, created_at
		FROM users WHERE `+where), arg,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &email, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("findUser: %w", err)
	}
	u.Email = email.String
	return &u, nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, username, password_hash, email, is_admin, created_at
		FROM users ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("ListUsers: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &email, &u.IsAdmin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListUsers: %w", err)
		}
		u.Email = email.String
		users = append(users, &u)
	}
	return users, rows.Err()
}

// ListNonAdminSummaries returns non-admin users ordered by username, each
// with its grant count. Backs the permissions administration view.
func (s *Store) ListNonAdminSummaries(ctx context.Context) ([]*UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT u.id, u.username, u.password_hash, u.email, u.is_admin, u.created_at,
		       COUNT(up.id)
		FROM users u
		LEFT JOIN user_permissions up ON up.user_id = u.id
		WHERE u.is_admin = ?
		GROUP BY u.id, u.username, u.password_hash, u.email, u.is_admin, u.created_at
		ORDER BY u.username`), false)
	if err != nil {
		return nil, fmt.Errorf("ListNonAdminSummaries: %w", err)
	}
	defer rows.Close()

	var out []*UserSummary
	for rows.Next() {
		var u UserSummary
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &email,
			&u.IsAdmin, &u.CreatedAt, &u.GrantCount); err != nil {
			return nil, fmt.Errorf("ListNonAdminSummaries: %w", err)
		}
		u.Email = email.String
		out = append(out, &u)
	}
	return out, rows.Err()
}

// CreateUser inserts a new user with an already-hashed password.
// Returns ErrUsernameTaken on a duplicate username.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, email string, isAdmin bool) (*User, error) {
	existing, err := s.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("CreateUser: %w", err)
	}
	if existing != nil {
		return nil, ErrUsernameTaken
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (username, password_hash, email, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		username, passwordHash, email, isAdmin, now)
	if err != nil {
		// The unique index is the backstop for concurrent creates.
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("CreateUser: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// pgx does not support LastInsertId; re-read by username.
		u, ferr := s.FindUserByUsername(ctx, username)
		if ferr != nil || u == nil {
			return nil, fmt.Errorf("CreateUser: readback failed: %w", ferr)
		}
		return u, nil
	}

	return &User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		Email:        email,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
	}, nil
}

// UpdateUser changes a user's email and admin flag.
func (s *Store) UpdateUser(ctx context.Context, id int64, email string, isAdmin bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET email = ?, is_admin = ? WHERE id = ?`),
		email, isAdmin, id)
	if err != nil {
		return fmt.Errorf("UpdateUser: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPasswordHash replaces a user's password hash.
func (s *Store) SetPasswordHash(ctx context.Context, id int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET password_hash = ? WHERE id = ?`), passwordHash, id)
	if err != nil {
		return fmt.Errorf("SetPasswordHash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user. Grants cascade via the foreign key.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("DeleteUser: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAdmin creates the bootstrap admin account when no admin exists yet.
// Returns true if an account was created.
func (s *Store) EnsureAdmin(ctx context.Context, username, password, email string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM users WHERE is_admin = ?`), true,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("EnsureAdmin: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("EnsureAdmin: %w", err)
	}
	if _, err := s.CreateUser(ctx, username, hash, email, true); err != nil {
		return false, fmt.Errorf("EnsureAdmin: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
