package limiter

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	proxy "github.com/bahtman/litellm/internal"
)

// UserDirectory fetches persisted per-user limit overrides. Implementations
// return (nil, nil) on miss.
type UserDirectory interface {
	GetUserLimits(ctx context.Context, userID string) (*proxy.UserLimits, error)
}

// scopeLimits is the effective limit tuple for one scope. Unset limits have
// already been widened to proxy.Unbounded.
type scopeLimits struct {
	maxParallel int64
	tpm         int64
	rpm         int64
}

// unbounded reports whether no limit in the tuple is configured.
func (l scopeLimits) unbounded() bool {
	return l.maxParallel == proxy.Unbounded && l.tpm == proxy.Unbounded && l.rpm == proxy.Unbounded
}

// hardZero reports whether any limit is exactly 0, which means deny-all.
func (l scopeLimits) hardZero() bool {
	return l.maxParallel == 0 || l.tpm == 0 || l.rpm == 0
}

// effective widens a nil limit to unbounded.
func effective(p *int64) int64 {
	if p == nil {
		return proxy.Unbounded
	}
	return *p
}

// Resolver produces effective per-scope limits from the principal and,
// lazily, from the user directory.
type Resolver struct {
	dir   UserDirectory // nil when no directory is configured
	group singleflight.Group
}

// NewResolver creates a Resolver over an optional user directory.
func NewResolver(dir UserDirectory) *Resolver {
	return &Resolver{dir: dir}
}

// keyLimits returns the (api_key) scope tuple.
func (r *Resolver) keyLimits(p *proxy.PrincipalAuth) scopeLimits {
	return scopeLimits{
		maxParallel: effective(p.MaxParallelRequests),
		tpm:         effective(p.TPMLimit),
		rpm:         effective(p.RPMLimit),
	}
}

// userLimits returns the (user) scope tuple. When the principal carries no
// user limits at all, the directory is consulted for persisted overrides;
// lookup failures and misses mean no overrides. Parallel caps per user are
// not enforced.
func (r *Resolver) userLimits(ctx context.Context, p *proxy.PrincipalAuth) scopeLimits {
	tpm, rpm := p.UserTPMLimit, p.UserRPMLimit
	if tpm == nil && rpm == nil && r.dir != nil && p.UserID != "" {
		if ul := r.lookupUser(ctx, p.UserID); ul != nil {
			tpm, rpm = ul.TPMLimit, ul.RPMLimit
		}
	}
	return scopeLimits{
		maxParallel: proxy.Unbounded,
		tpm:         effective(tpm),
		rpm:         effective(rpm),
	}
}

// teamLimits returns the (team) scope tuple. Parallel caps per team are not
// enforced.
func (r *Resolver) teamLimits(p *proxy.PrincipalAuth) scopeLimits {
	return scopeLimits{
		maxParallel: proxy.Unbounded,
		tpm:         effective(p.TeamTPMLimit),
		rpm:         effective(p.TeamRPMLimit),
	}
}

// endUserLimits returns the (end_user) scope tuple. Parallel caps per
// end-user are not enforced.
func (r *Resolver) endUserLimits(p *proxy.PrincipalAuth) scopeLimits {
	return scopeLimits{
		maxParallel: proxy.Unbounded,
		tpm:         effective(p.EndUserTPMLimit),
		rpm:         effective(p.EndUserRPMLimit),
	}
}

// modelLimits returns the per-model TPM/RPM limits for the request model.
// An absent map entry disables that sub-check only.
func (r *Resolver) modelLimits(p *proxy.PrincipalAuth, model string) (tpm, rpm *int64) {
	if v, ok := p.ModelTPMLimit[model]; ok {
		tpm = &v
	}
	if v, ok := p.ModelRPMLimit[model]; ok {
		rpm = &v
	}
	return tpm, rpm
}

// lookupUser fetches user overrides, deduplicating concurrent lookups for
// the same user. Errors are swallowed: a failed directory read means no
// user-scoped overrides for this request.
func (r *Resolver) lookupUser(ctx context.Context, userID string) *proxy.UserLimits {
	v, err, _ := r.group.Do(userID, func() (any, error) {
		return r.dir.GetUserLimits(ctx, userID)
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "user directory lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	ul, _ := v.(*proxy.UserLimits)
	return ul
}
