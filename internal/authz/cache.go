package authz

import (
	"sync"
	"sync/atomic"
	"time"
)

// grantCache is a TTL-based in-memory cache of per-user granted relpath sets.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get() still returns the
// stale set immediately and signals that a background refresh is needed, so
// a run request never blocks on the directory after the first cold start.
type grantCache struct {
	store sync.Map // map[int64]*grantEntry
	ttl   time.Duration
}

type grantEntry struct {
	granted    map[string]struct{}
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

func newGrantCache(ttl time.Duration) *grantCache {
	return &grantCache{ttl: ttl}
}

// getResult holds the result of a cache lookup.
type getResult struct {
	Granted      map[string]struct{}
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if the entry expired and the caller should refresh in the background
}

// Get looks up a user's granted set.
//
//   - Fresh hit:  {Granted, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Granted, Hit=true,  NeedsRefresh=true}
//   - Miss:       {nil,     Hit=false, NeedsRefresh=false}
//
// The refreshing flag is swapped atomically so only one goroutine refreshes
// a given user at a time.
func (c *grantCache) Get(userID int64) getResult {
	val, ok := c.store.Load(userID)
	if !ok {
		return getResult{}
	}

	entry := val.(*grantEntry)

	if time.Now().Before(entry.expiresAt) {
		return getResult{Granted: entry.granted, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return getResult{
		Granted:      entry.granted,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a granted set with the configured TTL.
func (c *grantCache) Set(userID int64, granted map[string]struct{}) {
	c.store.Store(userID, &grantEntry{
		granted:   granted,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes a user's entry.
func (c *grantCache) Delete(userID int64) {
	c.store.Delete(userID)
}
