// Package authz decides whether a caller may execute a script. The decision
// is re-evaluated at execution time — UI-side filtering is cosmetic only.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDenied means the caller holds no grant for the requested script.
	ErrDenied = errors.New("execution not authorized")
	// ErrDirectoryUnavailable means the grant store could not be consulted.
	// Authorization fails closed on this error.
	ErrDirectoryUnavailable = errors.New("permission directory unavailable")
)

// Identity describes an authenticated caller.
type Identity struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

// GrantSource is the directory query the gate depends on.
type GrantSource interface {
	ListGrantedRelpaths(ctx context.Context, userID int64) (map[string]struct{}, error)
}

// Authorizer gates script execution on per-user grants. Granted sets are
// cached per user with stale-while-revalidate so the hot path avoids a
// directory round trip.
type Authorizer struct {
	dir    GrantSource
	cache  *grantCache
	logger *zap.Logger
}

// Config configures an Authorizer.
type Config struct {
	Directory GrantSource
	CacheTTL  time.Duration // Default: 30s
	Logger    *zap.Logger
}

// New creates an Authorizer backed by the given grant source.
func New(cfg Config) *Authorizer {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Authorizer{
		dir:    cfg.Directory,
		cache:  newGrantCache(ttl),
		logger: cfg.Logger,
	}
}

// Authorize returns nil if the caller may execute the script at relpath.
// Admins are always allowed. Non-admins are allowed iff the relpath is in
// their granted set. A directory failure denies (fail closed) and is
// reported as ErrDirectoryUnavailable.
func (a *Authorizer) Authorize(ctx context.Context, caller Identity, relpath string) error {
	if caller.IsAdmin {
		return nil
	}

	granted, err := a.grantedSet(ctx, caller.UserID)
	if err != nil {
		a.logger.Warn("grant lookup failed, denying",
			zap.Int64("user_id", caller.UserID),
			zap.String("relpath", relpath),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	if _, ok := granted[relpath]; !ok {
		return ErrDenied
	}
	return nil
}

// Invalidate drops a user's cached granted set. Called after grant toggles
// so revocations take effect on the next run attempt, not after the TTL.
func (a *Authorizer) Invalidate(userID int64) {
	a.cache.Delete(userID)
}

func (a *Authorizer) grantedSet(ctx context.Context, userID int64) (map[string]struct{}, error) {
	result := a.cache.Get(userID)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(userID)
		}
		return result.Granted, nil
	}

	granted, err := a.dir.ListGrantedRelpaths(ctx, userID)
	if err != nil {
		return nil, err
	}
	a.cache.Set(userID, granted)
	return granted, nil
}

// backgroundRefresh reloads a stale granted set. Errors are logged but don't
// affect the caller, who already got the stale value.
func (a *Authorizer) backgroundRefresh(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	granted, err := a.dir.ListGrantedRelpaths(ctx, userID)
	if err != nil {
		a.logger.Warn("background grant refresh failed",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		// Drop the stale entry so the next stale read retries.
		a.cache.Delete(userID)
		return
	}
	a.cache.Set(userID, granted)
}
