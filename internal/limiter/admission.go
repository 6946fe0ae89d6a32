package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	proxy "github.com/bahtman/litellm/internal"
	"github.com/bahtman/litellm/internal/cache"
)

// Admission is the outcome of an admitted pre-call check: metadata to merge
// into the request context and the counter writes that reserve the slot.
type Admission struct {
	MetadataPatch map[string]any
	PendingWrites []cache.Item
}

// AdmissionEngine evaluates every applicable scope against a single batch
// read and either reserves one in-flight slot per scope or rejects.
type AdmissionEngine struct {
	store    cache.Store
	clock    Clock
	resolver *Resolver
}

// NewAdmissionEngine wires the engine over its collaborators.
func NewAdmissionEngine(store cache.Store, clock Clock, resolver *Resolver) *AdmissionEngine {
	return &AdmissionEngine{store: store, clock: clock, resolver: resolver}
}

// Check runs the admission algorithm. On rejection it returns a
// *proxy.RateLimitError and no pending writes survive; the eager global
// increment is the one exception. It is not rolled back here, and failure
// reconciliation skips errors carrying the rejection phrase, so it stays
// counted.
//
// Scope order: global, api_key, (api_key, model), user, team, end_user.
// The first rejection wins. All per-minute scopes except (api_key, model)
// are evaluated from one consistent snapshot.
func (e *AdmissionEngine) Check(ctx context.Context, p *proxy.PrincipalAuth, rc *proxy.RequestContext) (*Admission, error) {
	now := e.clock.Now()
	minute := PreciseMinute(now)

	adm := &Admission{}

	// Global in-flight cap, honored eagerly from request metadata. The
	// increment is atomic; the read-check-increment window can over-admit by
	// the number of concurrent admitters, like every other scope here.
	globalCap := rc.GlobalMaxParallelRequests()
	if globalCap != nil {
		current := int64(0)
		if raw, err := e.store.Get(ctx, globalParallelKey, true); err != nil {
			e.logCacheError(ctx, "global counter read failed", err)
		} else if raw != nil {
			if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				current = n
			}
		}
		if current >= *globalCap {
			return nil, e.reject(now, "global", fmt.Sprintf(
				"Hit Global Limit: Limit=%d, current: %d", *globalCap, current))
		}
		if _, err := e.store.Increment(ctx, globalParallelKey, 1, true); err != nil {
			e.logCacheError(ctx, "global counter increment failed", err)
		}
	}

	// One snapshot for the global placeholder and the four per-minute scopes
	// other than (api_key, model). Absent ids stay "" and come back nil
	// positionally.
	globalKey := ""
	if globalCap != nil {
		globalKey = globalParallelKey
	}
	keys := []string{
		globalKey,
		requestCountKey(p.APIKey, minute),
		requestCountKey(p.UserID, minute),
		requestCountKey(p.TeamID, minute),
		requestCountKey(p.EndUserID, minute),
	}
	snapshot, err := e.store.BatchGet(ctx, keys)
	if err != nil {
		// A failed read is a miss: the gate must never itself fail a request.
		e.logCacheError(ctx, "scope snapshot read failed", err)
		snapshot = make([][]byte, len(keys))
	}

	if p.APIKey != "" {
		limits := e.resolver.keyLimits(p)
		reason := func(c Counter) string {
			return fmt.Sprintf(
				"Hit limit for api_key: %s. tpm_limit: %d, current_tpm: %d, rpm_limit: %d, current_rpm: %d",
				p.APIKey, limits.tpm, c.TPM, limits.rpm, c.RPM)
		}
		zeroReason := fmt.Sprintf(
			"Hit limit for api_key: %s. max_parallel_requests: %d, tpm_limit: %d, rpm_limit: %d",
			p.APIKey, limits.maxParallel, limits.tpm, limits.rpm)
		if err := e.checkScope(adm, "api_key", keys[1], snapshot[1], limits, now, reason, zeroReason); err != nil {
			return nil, err
		}
	}

	if err := e.checkModelScope(ctx, adm, p, rc, minute, now); err != nil {
		return nil, err
	}

	if p.UserID != "" {
		if err := e.checkSubScope(adm, "user", p.UserID, keys[2], snapshot[2],
			e.resolver.userLimits(ctx, p), now); err != nil {
			return nil, err
		}
	}
	if p.TeamID != "" {
		if err := e.checkSubScope(adm, "team", p.TeamID, keys[3], snapshot[3],
			e.resolver.teamLimits(p), now); err != nil {
			return nil, err
		}
	}
	if p.EndUserID != "" {
		if err := e.checkSubScope(adm, "end_user", p.EndUserID, keys[4], snapshot[4],
			e.resolver.endUserLimits(p), now); err != nil {
			return nil, err
		}
	}

	return adm, nil
}

// checkScope applies the check-and-reserve rule for one scope:
// skip when every limit is unbounded, hard-reject on a zero limit, create
// the bucket on first use, reserve under the limits, reject otherwise.
func (e *AdmissionEngine) checkScope(adm *Admission, scope, key string, raw []byte, limits scopeLimits, now time.Time, crossed func(Counter) string, zeroReason string) error {
	if limits.unbounded() {
		return nil
	}
	if limits.hardZero() {
		return e.reject(now, scope, zeroReason)
	}

	current, ok := UnmarshalCounter(raw)
	if !ok {
		adm.PendingWrites = append(adm.PendingWrites, cache.Item{
			Key: key,
			Val: MarshalCounter(Counter{Requests: 1}),
		})
		return nil
	}

	if current.Requests < limits.maxParallel && current.TPM < limits.tpm && current.RPM < limits.rpm {
		// tpm/rpm carry unchanged; reconciliation advances them.
		adm.PendingWrites = append(adm.PendingWrites, cache.Item{
			Key: key,
			Val: MarshalCounter(Counter{Requests: current.Requests + 1, TPM: current.TPM, RPM: current.RPM}),
		})
		return nil
	}

	return e.reject(now, scope, crossed(current))
}

// checkSubScope applies the shared rule for the user, team, and end_user
// scopes, which never enforce a parallel cap.
func (e *AdmissionEngine) checkSubScope(adm *Admission, scope, id, key string, raw []byte, limits scopeLimits, now time.Time) error {
	crossed := func(c Counter) string {
		return fmt.Sprintf(
			"Crossed TPM, RPM Limit for %s: %s. current rpm: %d, rpm limit: %d, current tpm: %d, tpm limit: %d",
			scope, id, c.RPM, limits.rpm, c.TPM, limits.tpm)
	}
	zeroReason := fmt.Sprintf(
		"Hit limit for %s: %s. tpm_limit: %d, rpm_limit: %d",
		scope, id, limits.tpm, limits.rpm)
	return e.checkScope(adm, scope, key, raw, limits, now, crossed, zeroReason)
}

// checkModelScope evaluates the (api_key, model) scope. It is only active
// when per-model limit maps are configured and uses its own read rather
// than the five-scope snapshot.
func (e *AdmissionEngine) checkModelScope(ctx context.Context, adm *Admission, p *proxy.PrincipalAuth, rc *proxy.RequestContext, minute string, now time.Time) error {
	if len(p.ModelTPMLimit) == 0 && len(p.ModelRPMLimit) == 0 {
		return nil
	}

	model := rc.Model
	key := modelRequestCountKey(p.APIKey, model, minute)
	raw, err := e.store.Get(ctx, key, false)
	if err != nil {
		e.logCacheError(ctx, "model counter read failed", err)
		raw = nil
	}
	tpmLimit, rpmLimit := e.resolver.modelLimits(p, model)

	var newVal *Counter
	if current, ok := UnmarshalCounter(raw); !ok {
		newVal = &Counter{Requests: 1}
		adm.PendingWrites = append(adm.PendingWrites, cache.Item{Key: key, Val: MarshalCounter(*newVal)})
	} else if tpmLimit != nil || rpmLimit != nil {
		newVal = &Counter{Requests: current.Requests + 1, TPM: current.TPM, RPM: current.RPM}
		if tpmLimit != nil && current.TPM >= *tpmLimit {
			return e.reject(now, "model", fmt.Sprintf(
				"Hit TPM limit for model: %s on api_key: %s. tpm_limit: %d, current_tpm: %d",
				model, p.APIKey, *tpmLimit, current.TPM))
		}
		if rpmLimit != nil && current.RPM >= *rpmLimit {
			return e.reject(now, "model", fmt.Sprintf(
				"Hit RPM limit for model: %s on api_key: %s. rpm_limit: %d, current_rpm: %d",
				model, p.APIKey, *rpmLimit, current.RPM))
		}
		adm.PendingWrites = append(adm.PendingWrites, cache.Item{Key: key, Val: MarshalCounter(*newVal)})
	}

	// Remaining-budget fields for the request metadata, only meaningful when
	// a per-model limit applied on this request.
	if newVal != nil {
		if adm.MetadataPatch == nil {
			adm.MetadataPatch = make(map[string]any)
		}
		if tpmLimit != nil {
			adm.MetadataPatch["litellm-key-remaining-tokens-"+model] = *tpmLimit - newVal.TPM
		}
		if rpmLimit != nil {
			adm.MetadataPatch["litellm-key-remaining-requests-"+model] = *rpmLimit - newVal.RPM
		}
	}
	return nil
}

// reject builds the scope-tagged rejection with retry-after at the next
// minute boundary.
func (e *AdmissionEngine) reject(now time.Time, scope, reason string) *proxy.RateLimitError {
	err := proxy.NewRateLimitError(reason, SecondsToNextMinute(now))
	err.Scope = scope
	return err
}

func (e *AdmissionEngine) logCacheError(ctx context.Context, msg string, err error) {
	slog.LogAttrs(ctx, slog.LevelWarn, msg, slog.String("error", err.Error()))
}
