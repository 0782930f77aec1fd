// Package directory is the persistent store for users, script permissions,
// and per-user grants. Every operation runs in its own short-lived statement
// or transaction — nothing here is held open across an execution await.
package directory

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUsernameTaken is returned by CreateUser on a duplicate username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrNotFound is returned by mutating operations targeting a missing row.
	ErrNotFound = errors.New("not found")
)

// User is an identity record. PasswordHash is bcrypt.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Email        string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Permission is a durable record keyed by unique script relpath. Rows are
// created lazily when a script is first discovered and never auto-deleted.
type Permission struct {
	ID            int64
	ScriptRelpath string
	Description   string
}

// UserSummary is a user row plus its grant count, for the admin view.
type UserSummary struct {
	User
	GrantCount int
}

// Store provides access to the directory database.
type Store struct {
	db     *sql.DB
	driver string // "sqlite" | "postgres"
}

// NewStore creates a Store. driver selects placeholder and DDL dialect.
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// rebind converts ?-placeholders to $N for the postgres driver. Queries in
// this package are written with ? (the sqlite form).
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
