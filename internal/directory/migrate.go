package directory

import (
	"context"
	"fmt"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	email         TEXT,
	is_admin      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS permissions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	script_relpath TEXT NOT NULL UNIQUE,
	description    TEXT
);

CREATE TABLE IF NOT EXISTS user_permissions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
	granted_at    TIMESTAMP NOT NULL,
	UNIQUE(user_id, permission_id)
);

CREATE INDEX IF NOT EXISTS idx_user_permissions_user ON user_permissions(user_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	email         TEXT,
	is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS permissions (
	id             BIGSERIAL PRIMARY KEY,
	script_relpath TEXT NOT NULL UNIQUE,
	description    TEXT
);

CREATE TABLE IF NOT EXISTS user_permissions (
	id            BIGSERIAL PRIMARY KEY,
	user_id       BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
	granted_at    TIMESTAMPTZ NOT NULL,
	UNIQUE(user_id, permission_id)
);

CREATE INDEX IF NOT EXISTS idx_user_permissions_user ON user_permissions(user_id);
`

// Migrate creates the directory tables if they do not exist. The unique
// constraints on permissions.script_relpath and (user_id, permission_id) are
// what make permission sync and grant toggling safe under concurrency.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}
