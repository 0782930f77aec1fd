package directory_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vec-tools/toolhub/internal/db"
	"github.com/vec-tools/toolhub/internal/directory"
)

func newTestStore(t *testing.T) *directory.Store {
	t.Helper()
	conn, err := db.Open(db.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	store := directory.NewStore(conn, "sqlite")
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func mustCreateUser(t *testing.T, store *directory.Store, username string, isAdmin bool) *directory.User {
	t.Helper()
	hash, err := directory.HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	u, err := store.CreateUser(context.Background(), username, hash, username+"@example.com", isAdmin)
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	store := newTestStore(t)
	mustCreateUser(t, store, "alice", false)

	hash, _ := directory.HashPassword("x")
	_, err := store.CreateUser(context.Background(), "alice", hash, "other@example.com", false)
	if err != directory.ErrUsernameTaken {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestFindUser(t *testing.T) {
	store := newTestStore(t)
	created := mustCreateUser(t, store, "bob", false)

	byName, err := store.FindUserByUsername(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if byName == nil || byName.ID != created.ID {
		t.Fatalf("FindUserByUsername mismatch: %+v", byName)
	}

	byID, err := store.FindUserByID(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byID == nil || byID.Username != "bob" {
		t.Fatalf("FindUserByID mismatch: %+v", byID)
	}

	missing, err := store.FindUserByUsername(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil for unknown username")
	}
}

func TestEnsureAdmin_CreatesExactlyOne(t *testing.T) {
	store := newTestStore(t)

	created, err := store.EnsureAdmin(context.Background(), "admin", "changeme", "admin@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected bootstrap admin to be created")
	}

	again, err := store.EnsureAdmin(context.Background(), "admin2", "changeme", "a2@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Fatal("second EnsureAdmin must be a no-op while an admin exists")
	}

	admin, err := store.FindUserByUsername(context.Background(), "admin")
	if err != nil || admin == nil {
		t.Fatalf("admin not found: %v", err)
	}
	if !admin.IsAdmin {
		t.Fatal("bootstrap user must be admin")
	}
	if !directory.VerifyPassword("changeme", admin.PasswordHash) {
		t.Fatal("bootstrap password should verify")
	}
}

func TestSyncPermissions_AdditiveAndIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	relpaths := []string{"reports/daily.py", "billing/invoice.py"}
	created, err := store.SyncPermissions(ctx, relpaths)
	if err != nil {
		t.Fatal(err)
	}
	if created != 2 {
		t.Fatalf("expected 2 new permissions, got %d", created)
	}

	// Second sync over the same tree creates nothing and removes nothing.
	created, err = store.SyncPermissions(ctx, relpaths)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Fatalf("re-sync must be a no-op, created %d", created)
	}

	// A script deleted from disk keeps its permission row.
	created, err = store.SyncPermissions(ctx, []string{"reports/daily.py"})
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Fatalf("shrunk sync must not create rows, created %d", created)
	}

	perms, err := store.ListPermissions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected 2 permission rows, got %d", len(perms))
	}
	// Ordered by relpath.
	if perms[0].ScriptRelpath != "billing/invoice.py" || perms[1].ScriptRelpath != "reports/daily.py" {
		t.Fatalf("unexpected ordering: %s, %s", perms[0].ScriptRelpath, perms[1].ScriptRelpath)
	}
}

func TestGrantRevoke_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := mustCreateUser(t, store, "carol", false)

	if _, err := store.SyncPermissions(ctx, []string{"a/b.py"}); err != nil {
		t.Fatal(err)
	}
	perms, err := store.ListPermissions(ctx)
	if err != nil || len(perms) != 1 {
		t.Fatalf("permission setup failed: %v", err)
	}
	permID := perms[0].ID

	// Granting twice leaves exactly one row.
	if err := store.Grant(ctx, user.ID, permID); err != nil {
		t.Fatal(err)
	}
	if err := store.Grant(ctx, user.ID, permID); err != nil {
		t.Fatalf("duplicate grant must be a no-op: %v", err)
	}
	n, err := store.CountGrants(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 grant row, got %d", n)
	}

	granted, err := store.ListGrantedRelpaths(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := granted["a/b.py"]; !ok || len(granted) != 1 {
		t.Fatalf("unexpected granted set: %v", granted)
	}

	// Revoking twice leaves zero rows and does not fail.
	if err := store.Revoke(ctx, user.ID, permID); err != nil {
		t.Fatal(err)
	}
	if err := store.Revoke(ctx, user.ID, permID); err != nil {
		t.Fatalf("revoking an absent grant must be a no-op: %v", err)
	}
	n, err = store.CountGrants(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 grant rows, got %d", n)
	}
}

func TestDeleteUser_CascadesGrants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := mustCreateUser(t, store, "dave", false)

	if _, err := store.SyncPermissions(ctx, []string{"x.py"}); err != nil {
		t.Fatal(err)
	}
	perms, _ := store.ListPermissions(ctx)
	if err := store.Grant(ctx, user.ID, perms[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatal(err)
	}

	ids, err := store.ListGrantedPermissionIDs(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("grants should cascade on user delete, got %d", len(ids))
	}

	if err := store.DeleteUser(ctx, user.ID); err != directory.ErrNotFound {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestUpdateUserAndPassword(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := mustCreateUser(t, store, "erin", false)

	if err := store.UpdateUser(ctx, user.ID, "new@example.com", true); err != nil {
		t.Fatal(err)
	}
	updated, _ := store.FindUserByID(ctx, user.ID)
	if updated.Email != "new@example.com" || !updated.IsAdmin {
		t.Fatalf("update not applied: %+v", updated)
	}

	hash, _ := directory.HashPassword("rotated")
	if err := store.SetPasswordHash(ctx, user.ID, hash); err != nil {
		t.Fatal(err)
	}
	rotated, _ := store.FindUserByID(ctx, user.ID)
	if !directory.VerifyPassword("rotated", rotated.PasswordHash) {
		t.Fatal("rotated password should verify")
	}
	if directory.VerifyPassword("secret", rotated.PasswordHash) {
		t.Fatal("old password should no longer verify")
	}

	if err := store.SetPasswordHash(ctx, 99999, hash); err != directory.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListNonAdminSummaries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, store, "zadmin", true)
	u1 := mustCreateUser(t, store, "bravo", false)
	mustCreateUser(t, store, "alpha", false)

	if _, err := store.SyncPermissions(ctx, []string{"p.py", "q.py"}); err != nil {
		t.Fatal(err)
	}
	perms, _ := store.ListPermissions(ctx)
	for _, p := range perms {
		if err := store.Grant(ctx, u1.ID, p.ID); err != nil {
			t.Fatal(err)
		}
	}

	summaries, err := store.ListNonAdminSummaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("admins must be excluded, got %d rows", len(summaries))
	}
	if summaries[0].Username != "alpha" || summaries[1].Username != "bravo" {
		t.Fatalf("expected username ordering, got %s, %s", summaries[0].Username, summaries[1].Username)
	}
	if summaries[0].GrantCount != 0 || summaries[1].GrantCount != 2 {
		t.Fatalf("unexpected grant counts: %d, %d", summaries[0].GrantCount, summaries[1].GrantCount)
	}
}
