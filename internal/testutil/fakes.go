// Package testutil provides fakes shared by the gate's tests.
package testutil

import (
	"context"
	"sync"
	"time"

	proxy "github.com/bahtman/litellm/internal"
	"github.com/bahtman/litellm/internal/cache"
)

// FakeClock returns a fixed time, settable by tests to pin or roll the
// minute window.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SyncDispatcher applies pending counter writes inline so tests observe
// them immediately.
type SyncDispatcher struct {
	Store cache.Store
}

// Dispatch writes the batch synchronously.
func (d SyncDispatcher) Dispatch(items []cache.Item, ttl time.Duration) {
	_ = d.Store.BatchSet(context.Background(), items, ttl)
}

// FakeDirectory serves user limits from a map.
type FakeDirectory struct {
	mu     sync.RWMutex
	limits map[string]*proxy.UserLimits
	Err    error // returned by every lookup when set
}

// NewFakeDirectory returns an empty directory.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{limits: make(map[string]*proxy.UserLimits)}
}

// Put stores a user's limits.
func (d *FakeDirectory) Put(ul *proxy.UserLimits) {
	d.mu.Lock()
	d.limits[ul.UserID] = ul
	d.mu.Unlock()
}

// GetUserLimits returns the stored limits, or (nil, nil) on miss.
func (d *FakeDirectory) GetUserLimits(_ context.Context, userID string) (*proxy.UserLimits, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limits[userID], nil
}

// Int64 returns a pointer to v, for building principals in tests.
func Int64(v int64) *int64 { return &v }
