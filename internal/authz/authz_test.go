package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeGrants is an in-memory GrantSource.
type fakeGrants struct {
	mu      sync.Mutex
	sets    map[int64]map[string]struct{}
	err     error
	queries int
}

func (f *fakeGrants) ListGrantedRelpaths(_ context.Context, userID int64) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.sets[userID], nil
}

func setOf(relpaths ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(relpaths))
	for _, r := range relpaths {
		s[r] = struct{}{}
	}
	return s
}

func newAuthorizer(dir GrantSource, ttl time.Duration) *Authorizer {
	return New(Config{Directory: dir, CacheTTL: ttl, Logger: zap.NewNop()})
}

func TestAuthorize_AdminAlwaysAllowed(t *testing.T) {
	dir := &fakeGrants{sets: map[int64]map[string]struct{}{}}
	a := newAuthorizer(dir, time.Minute)

	admin := Identity{UserID: 1, Username: "root", IsAdmin: true}
	if err := a.Authorize(context.Background(), admin, "anything/at-all.py"); err != nil {
		t.Fatalf("admin must never be blocked: %v", err)
	}
	if dir.queries != 0 {
		t.Errorf("admin check should not consult the directory, got %d queries", dir.queries)
	}
}

func TestAuthorize_GrantedSetMembership(t *testing.T) {
	dir := &fakeGrants{sets: map[int64]map[string]struct{}{
		7: setOf("a/b.py"),
	}}
	a := newAuthorizer(dir, time.Minute)
	caller := Identity{UserID: 7, Username: "carol"}

	if err := a.Authorize(context.Background(), caller, "a/b.py"); err != nil {
		t.Fatalf("granted relpath must be allowed: %v", err)
	}
	if err := a.Authorize(context.Background(), caller, "c/d.py"); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for ungranted relpath, got %v", err)
	}
}

func TestAuthorize_DirectoryErrorFailsClosed(t *testing.T) {
	dir := &fakeGrants{err: errors.New("connection refused")}
	a := newAuthorizer(dir, time.Minute)
	caller := Identity{UserID: 7}

	err := a.Authorize(context.Background(), caller, "a/b.py")
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}
}

func TestAuthorize_CachesGrantedSet(t *testing.T) {
	dir := &fakeGrants{sets: map[int64]map[string]struct{}{
		7: setOf("a/b.py"),
	}}
	a := newAuthorizer(dir, time.Minute)
	caller := Identity{UserID: 7}

	for i := 0; i < 5; i++ {
		if err := a.Authorize(context.Background(), caller, "a/b.py"); err != nil {
			t.Fatal(err)
		}
	}
	if dir.queries != 1 {
		t.Errorf("expected a single directory query thanks to the cache, got %d", dir.queries)
	}
}

func TestInvalidate_ForcesRevocationVisibility(t *testing.T) {
	dir := &fakeGrants{sets: map[int64]map[string]struct{}{
		7: setOf("a/b.py"),
	}}
	a := newAuthorizer(dir, time.Hour)
	caller := Identity{UserID: 7}

	if err := a.Authorize(context.Background(), caller, "a/b.py"); err != nil {
		t.Fatal(err)
	}

	// Revoke at the source, then invalidate the cache.
	dir.mu.Lock()
	dir.sets[7] = setOf()
	dir.mu.Unlock()
	a.Invalidate(7)

	if err := a.Authorize(context.Background(), caller, "a/b.py"); !errors.Is(err, ErrDenied) {
		t.Fatalf("revocation must be visible after Invalidate, got %v", err)
	}
}

func TestGrantCache_StaleServedWhileRefreshing(t *testing.T) {
	cache := newGrantCache(1 * time.Millisecond)
	cache.Set(7, setOf("a/b.py"))
	time.Sleep(5 * time.Millisecond)

	r1 := cache.Get(7)
	if !r1.Hit || !r1.NeedsRefresh {
		t.Fatalf("expected stale hit with refresh signal, got %+v", r1)
	}
	r2 := cache.Get(7)
	if !r2.Hit || r2.NeedsRefresh {
		t.Fatalf("second stale read must not refresh again, got %+v", r2)
	}
	if _, ok := r2.Granted["a/b.py"]; !ok {
		t.Error("stale read should still return the granted set")
	}
}

func TestGrantCache_ConcurrentAccess(t *testing.T) {
	cache := newGrantCache(50 * time.Millisecond)
	granted := setOf("x.py")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Set(7, granted)
			r := cache.Get(7)
			if !r.Hit {
				t.Error("expected hit during concurrent access")
			}
		}()
	}
	wg.Wait()
}
