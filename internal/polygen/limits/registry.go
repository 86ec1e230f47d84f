// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

package limits

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Registry answers limit lookups against the current snapshot and mediates
// reloads. Reload is requested asynchronously (by the FIFO watcher) but
// performed on a detector loop's next iteration, so lookups never race a
// mutation: readers hold a snapshot pointer, reload swaps the pointer.
type Registry struct {
	log  *zap.Logger
	path string

	current         atomic.Pointer[Limits]
	reloadRequested atomic.Bool

	defaultActiveRequests float64
	unknown               *UnknownUsers
}

// NewRegistry builds a registry over the given cache path. The initial
// snapshot is empty until Load is called.
func NewRegistry(log *zap.Logger, path string, defaultActiveRequests float64, unknown *UnknownUsers) *Registry {
	r := &Registry{
		log:                   log,
		path:                  path,
		defaultActiveRequests: defaultActiveRequests,
		unknown:               unknown,
	}
	r.current.Store(Empty())
	return r
}

// Load replaces the current snapshot from disk. On failure the previous
// snapshot stays in effect.
func (r *Registry) Load() error {
	l, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	r.current.Store(l)
	r.log.Info("loaded per-key limits", zap.String("path", r.path),
		zap.Int("users", len(l.UserToQoS)), zap.Int("classes", len(l.QoS)))
	return nil
}

// RequestReload flags the registry for reload. Safe to call from any
// goroutine.
func (r *Registry) RequestReload() {
	r.reloadRequested.Store(true)
}

// MaybeReload performs a pending reload, if any. Called by detector loops
// between iterations. A failed reload keeps the previous limits in effect.
func (r *Registry) MaybeReload() {
	if !r.reloadRequested.CompareAndSwap(true, false) {
		return
	}
	r.log.Info("reloading limits", zap.String("path", r.path))
	if err := r.Load(); err != nil {
		r.log.Error("limits reload failed, keeping previous limits", zap.Error(err))
	}
}

// Snapshot returns the current immutable limit set.
func (r *Registry) Snapshot() *Limits {
	return r.current.Load()
}

// GetLimit returns the most specific configured limit for (category, user).
// It never fails: precedence is the user's own class, then the deployment
// fallback class, then a hard-coded floor per category family. Users that
// miss step 1 are recorded for the periodic unknown-user warning.
func (r *Registry) GetLimit(cat, user string) float64 {
	snap := r.current.Load()

	if v, ok := snap.userLimit(cat, user); ok {
		return v
	}

	if r.unknown != nil {
		r.unknown.Add(user)
	}
	if v, ok := snap.fallbackLimit(cat); ok {
		return v
	}

	v := hardCodedLimit(cat, r.defaultActiveRequests)
	r.log.Warn("using hard-coded limit",
		zap.String("user", user), zap.String("category", cat), zap.Float64("limit", v))
	return v
}

// UnknownUsers accumulates users that had no QoS class mapping and flushes
// them as a single aggregated warning at most once per report interval.
type UnknownUsers struct {
	log            *zap.Logger
	reportInterval time.Duration

	mu         sync.Mutex
	users      map[string]struct{}
	lastReport time.Time
}

// NewUnknownUsers builds a reporter. A non-positive interval disables
// reporting entirely.
func NewUnknownUsers(log *zap.Logger, reportInterval time.Duration) *UnknownUsers {
	return &UnknownUsers{
		log:            log,
		reportInterval: reportInterval,
		users:          make(map[string]struct{}),
	}
}

// Add records a user with no QoS mapping.
func (u *UnknownUsers) Add(user string) {
	u.mu.Lock()
	u.users[user] = struct{}{}
	u.mu.Unlock()
}

// Report flushes the accumulated set as one warning if the report interval
// has elapsed since the previous flush.
func (u *UnknownUsers) Report() {
	if u.reportInterval <= 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	now := time.Now()
	if now.Sub(u.lastReport) <= u.reportInterval {
		return
	}
	u.lastReport = now
	if len(u.users) == 0 {
		return
	}
	users := make([]string, 0, len(u.users))
	for user := range u.users {
		users = append(users, user)
	}
	u.log.Warn("users with no QoS limits", zap.Strings("users", users))
	u.users = make(map[string]struct{})
}
