package limiter

import (
	"context"
	"log/slog"
	"strings"

	proxy "github.com/bahtman/litellm/internal"
	"github.com/bahtman/litellm/internal/cache"
)

// ReconciliationEngine updates scope counters after the upstream call
// completes: both paths release the admission reservation, only success
// advances token and request usage. All cache errors are swallowed with a
// log; the gate must never itself be the reason a request fails.
type ReconciliationEngine struct {
	store cache.Store
	clock Clock
}

// NewReconciliationEngine wires the engine over the store and clock.
func NewReconciliationEngine(store cache.Store, clock Clock) *ReconciliationEngine {
	return &ReconciliationEngine{store: store, clock: clock}
}

// OnSuccess releases the reservation on every scope the admission reserved
// and records the completed request and its token usage: one batch read,
// one batch write.
//
// A missing bucket (already expired) defaults to {1,0,0} -- the request is
// treated as still holding its slot, so the decrement lands on zero. The
// side effect is a spurious current_rpm of 1 in a minute with no admission;
// accepted.
func (r *ReconciliationEngine) OnSuccess(ctx context.Context, ev Event) {
	if ev.GlobalMaxParallelRequests != nil {
		if _, err := r.store.Increment(ctx, globalParallelKey, -1, true); err != nil {
			r.logCacheError(ctx, "global counter decrement failed", err)
		}
	}

	minute := PreciseMinute(r.clock.Now())

	modelKey := ""
	if ev.APIKey != "" && ev.ModelGroup != "" && (ev.HasModelLimits || ev.HasModelBudget) {
		modelKey = modelRequestCountKey(ev.APIKey, ev.ModelGroup, minute)
	}
	keys := []string{
		requestCountKey(ev.APIKey, minute),
		modelKey,
		requestCountKey(ev.UserID, minute),
		requestCountKey(ev.TeamID, minute),
		requestCountKey(ev.EndUserID, minute),
	}

	snapshot, err := r.store.BatchGet(ctx, keys)
	if err != nil {
		r.logCacheError(ctx, "reconciliation read failed", err)
		snapshot = make([][]byte, len(keys))
	}

	var writes []cache.Item
	for i, key := range keys {
		if key == "" {
			continue
		}
		current, ok := UnmarshalCounter(snapshot[i])
		if !ok {
			current = Counter{Requests: 1}
		}
		writes = append(writes, cache.Item{Key: key, Val: MarshalCounter(Counter{
			Requests: max(current.Requests-1, 0),
			TPM:      current.TPM + ev.TotalTokens,
			RPM:      current.RPM + 1,
		})})
	}
	if len(writes) == 0 {
		return
	}
	if err := r.store.BatchSet(ctx, writes, counterTTL); err != nil {
		r.logCacheError(ctx, "reconciliation write failed", err)
	}
}

// OnFailure releases the reservation for a request that reached upstream
// and failed. Requests the gate itself rejected never reserved a slot, so
// they are recognized by the rejection phrase and skipped. Only the api_key
// scope is decremented on failure; tpm/rpm stay untouched since no tokens
// were produced.
func (r *ReconciliationEngine) OnFailure(ctx context.Context, ev Event, callErr error) {
	if ev.APIKey == "" {
		return
	}
	if callErr != nil && strings.Contains(callErr.Error(), proxy.RateLimitErrorPrefix) {
		return
	}

	if ev.GlobalMaxParallelRequests != nil {
		if _, err := r.store.Increment(ctx, globalParallelKey, -1, true); err != nil {
			r.logCacheError(ctx, "global counter decrement failed", err)
		}
	}

	key := requestCountKey(ev.APIKey, PreciseMinute(r.clock.Now()))
	raw, err := r.store.Get(ctx, key, false)
	if err != nil {
		r.logCacheError(ctx, "failure reconciliation read failed", err)
		raw = nil
	}
	current, ok := UnmarshalCounter(raw)
	if !ok {
		current = Counter{Requests: 1}
	}
	newVal := Counter{
		Requests: max(current.Requests-1, 0),
		TPM:      current.TPM,
		RPM:      current.RPM,
	}
	if err := r.store.Set(ctx, key, MarshalCounter(newVal), counterTTL, false); err != nil {
		r.logCacheError(ctx, "failure reconciliation write failed", err)
	}
}

func (r *ReconciliationEngine) logCacheError(ctx context.Context, msg string, err error) {
	slog.LogAttrs(ctx, slog.LevelWarn, msg, slog.String("error", err.Error()))
}
