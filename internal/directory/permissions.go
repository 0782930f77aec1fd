package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ListPermissions returns all known permissions ordered by script relpath.
func (s *Store) ListPermissions(ctx context.Context) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, script_relpath, description
		FROM permissions ORDER BY script_relpath`))
	if err != nil {
		return nil, fmt.Errorf("ListPermissions: %w", err)
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		var p Permission
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.ScriptRelpath, &desc); err != nil {
			return nil, fmt.Errorf("ListPermissions: %w", err)
		}
		p.Description = desc.String
		perms = append(perms, &p)
	}
	return perms, rows.Err()
}

// UpsertPermission creates a permission for the relpath if absent. The unique
// index plus ON CONFLICT DO NOTHING makes concurrent upserts of the same
// relpath harmless.
func (s *Store) UpsertPermission(ctx context.Context, relpath string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO permissions (script_relpath)
		VALUES (?)
		ON CONFLICT (script_relpath) DO NOTHING`), relpath)
	if err != nil {
		return fmt.Errorf("UpsertPermission: %w", err)
	}
	return nil
}

// SyncPermissions inserts a permission row for every relpath not yet known.
// Additive only — permissions are never deleted when a script disappears from
// disk. Two concurrent syncs may both attempt the same inserts; the conflict
// clause de-duplicates them. Returns the number of new rows.
func (s *Store) SyncPermissions(ctx context.Context, relpaths []string) (int, error) {
	created := 0
	for _, relpath := range relpaths {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO permissions (script_relpath)
			VALUES (?)
			ON CONFLICT (script_relpath) DO NOTHING`), relpath)
		if err != nil {
			return created, fmt.Errorf("SyncPermissions: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

// ListGrantedPermissionIDs returns the set of permission ids granted to a user.
func (s *Store) ListGrantedPermissionIDs(ctx context.Context, userID int64) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT permission_id FROM user_permissions WHERE user_id = ?`), userID)
	if err != nil {
		return nil, fmt.Errorf("ListGrantedPermissionIDs: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ListGrantedPermissionIDs: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// ListGrantedRelpaths returns the script relpaths a user may execute.
// This is the query the authorization gate consumes.
func (s *Store) ListGrantedRelpaths(ctx context.Context, userID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT p.script_relpath
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = ?`), userID)
	if err != nil {
		return nil, fmt.Errorf("ListGrantedRelpaths: %w", err)
	}
	defer rows.Close()

	granted := make(map[string]struct{})
	for rows.Next() {
		var relpath string
		if err := rows.Scan(&relpath); err != nil {
			return nil, fmt.Errorf("ListGrantedRelpaths: %w", err)
		}
		granted[relpath] = struct{}{}
	}
	return granted, rows.Err()
}

// Grant gives a user a permission. Granting an already-granted pair is a
// no-op — any matching row means granted, duplicates are never inserted.
func (s *Store) Grant(ctx context.Context, userID, permissionID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO user_permissions (user_id, permission_id, granted_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, permission_id) DO NOTHING`),
		userID, permissionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("Grant: %w", err)
	}
	return nil
}

// Revoke removes a grant. Revoking an absent grant is a no-op.
func (s *Store) Revoke(ctx context.Context, userID, permissionID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM user_permissions WHERE user_id = ? AND permission_id = ?`),
		userID, permissionID)
	if err != nil {
		return fmt.Errorf("Revoke: %w", err)
	}
	return nil
}

// CountGrants returns the number of grants held by a user.
func (s *Store) CountGrants(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM user_permissions WHERE user_id = ?`), userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountGrants: %w", err)
	}
	return n, nil
}
