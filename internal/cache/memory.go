package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU store backed by otter. It is the
// process-local layer; localOnly flags are accepted and ignored.
type Memory struct {
	cache *otter.Cache[string, entry]

	// incMu serializes read-modify-write increments. Get and Set stay
	// lock-free; only counter keys pay for the mutex.
	incMu sync.Mutex
}

// NewMemory creates an in-memory store with the given max entry count and
// default TTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get retrieves a value if present and not expired.
func (m *Memory) Get(_ context.Context, key string, _ bool) ([]byte, error) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.cache.Invalidate(key)
		return nil, nil
	}
	return e.data, nil
}

// BatchGet returns values positionally; nil for empty keys and misses.
func (m *Memory) BatchGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if k == "" {
			continue
		}
		out[i], _ = m.Get(ctx, k, true)
	}
	return out, nil
}

// Set stores a value with per-entry TTL. A zero TTL stores without expiry.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration, _ bool) error {
	e := entry{data: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.cache.Set(key, e)
	return nil
}

// BatchSet stores all items with one TTL.
func (m *Memory) BatchSet(ctx context.Context, items []Item, ttl time.Duration) error {
	for _, it := range items {
		if it.Key == "" {
			continue
		}
		if err := m.Set(ctx, it.Key, it.Val, ttl, true); err != nil {
			return err
		}
	}
	return nil
}

// Increment atomically adds delta to the integer at key, creating it as
// delta when absent. Increments never expire; the global in-flight counter
// lives for the process lifetime.
func (m *Memory) Increment(ctx context.Context, key string, delta int64, _ bool) (int64, error) {
	m.incMu.Lock()
	defer m.incMu.Unlock()

	cur := int64(0)
	if raw, _ := m.Get(ctx, key, true); raw != nil {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("increment %q: non-numeric value: %w", key, err)
		}
		cur = n
	}
	cur += delta
	if err := m.Set(ctx, key, []byte(strconv.FormatInt(cur, 10)), 0, true); err != nil {
		return 0, err
	}
	return cur, nil
}
