package cache

import (
	"context"
	"errors"
	"time"
)

// backfillTTL bounds how long a shared-store value read through Dual stays
// in the local layer before the next read-through refreshes it.
const backfillTTL = 60 * time.Second

// Dual layers the local in-memory store in front of an optional shared
// store. Reads check local first and backfill on a shared hit; writes go to
// both layers. localOnly skips the shared layer entirely, which is how the
// global in-flight counter stays process-local.
type Dual struct {
	local  *Memory
	shared Store // nil when running without a shared backend
}

// NewDual composes the local layer with an optional shared store.
func NewDual(local *Memory, shared Store) *Dual {
	return &Dual{local: local, shared: shared}
}

// Get reads local first, then the shared store, backfilling local on a hit.
func (d *Dual) Get(ctx context.Context, key string, localOnly bool) ([]byte, error) {
	val, err := d.local.Get(ctx, key, true)
	if err != nil || val != nil {
		return val, err
	}
	if localOnly || d.shared == nil {
		return nil, nil
	}
	val, err = d.shared.Get(ctx, key, false)
	if err != nil || val == nil {
		return nil, err
	}
	// Best effort; a failed backfill only costs the next read a round trip.
	_ = d.local.Set(ctx, key, val, backfillTTL, true)
	return val, nil
}

// BatchGet reads all keys from local, then fills the remaining misses from
// the shared store in one round trip.
func (d *Dual) BatchGet(ctx context.Context, keys []string) ([][]byte, error) {
	out, err := d.local.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	if d.shared == nil {
		return out, nil
	}

	missing := make([]string, len(keys))
	anyMissing := false
	for i, k := range keys {
		if k != "" && out[i] == nil {
			missing[i] = k
			anyMissing = true
		}
	}
	if !anyMissing {
		return out, nil
	}

	sharedVals, err := d.shared.BatchGet(ctx, missing)
	if err != nil {
		// Shared-layer failure degrades to the local view.
		return out, err
	}
	for i, v := range sharedVals {
		if v == nil {
			continue
		}
		out[i] = v
		_ = d.local.Set(ctx, keys[i], v, backfillTTL, true)
	}
	return out, nil
}

// Set writes local always and the shared store unless localOnly.
func (d *Dual) Set(ctx context.Context, key string, val []byte, ttl time.Duration, localOnly bool) error {
	localErr := d.local.Set(ctx, key, val, ttl, true)
	if localOnly || d.shared == nil {
		return localErr
	}
	return errors.Join(localErr, d.shared.Set(ctx, key, val, ttl, false))
}

// BatchSet writes all items to both layers.
func (d *Dual) BatchSet(ctx context.Context, items []Item, ttl time.Duration) error {
	localErr := d.local.BatchSet(ctx, items, ttl)
	if d.shared == nil {
		return localErr
	}
	return errors.Join(localErr, d.shared.BatchSet(ctx, items, ttl))
}

// Increment bumps the local counter and, unless localOnly, the shared one.
// The shared result wins when available since it aggregates all processes.
func (d *Dual) Increment(ctx context.Context, key string, delta int64, localOnly bool) (int64, error) {
	n, err := d.local.Increment(ctx, key, delta, true)
	if localOnly || d.shared == nil {
		return n, err
	}
	sharedN, sharedErr := d.shared.Increment(ctx, key, delta, false)
	if sharedErr != nil {
		return n, errors.Join(err, sharedErr)
	}
	return sharedN, err
}
