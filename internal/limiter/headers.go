package limiter

import (
	"context"
	"strconv"

	proxy "github.com/bahtman/litellm/internal"
	"github.com/bahtman/litellm/internal/cache"
)

// Remaining-budget headers surfaced on admitted responses.
const (
	hdrRemainingRequests = "x-ratelimit-remaining-requests"
	hdrLimitRequests     = "x-ratelimit-limit-requests"
	hdrRemainingTokens   = "x-ratelimit-remaining-tokens"
	hdrLimitTokens       = "x-ratelimit-limit-tokens"
)

// HeaderAnnotator decorates admitted responses with the key's remaining
// rate limits.
type HeaderAnnotator struct {
	store cache.Store
	clock Clock
}

// NewHeaderAnnotator wires the annotator over the store and clock.
func NewHeaderAnnotator(store cache.Store, clock Clock) *HeaderAnnotator {
	return &HeaderAnnotator{store: store, clock: clock}
}

// Annotate re-reads the api_key bucket and writes remaining-budget headers
// into the response's hidden-headers bag. A response without a bag, a
// missing bucket, or a key without configured limits leaves the response
// untouched.
func (h *HeaderAnnotator) Annotate(ctx context.Context, p *proxy.PrincipalAuth, resp *proxy.ModelResponse) {
	if resp == nil || resp.HiddenHeaders == nil {
		return
	}

	key := requestCountKey(p.APIKey, PreciseMinute(h.clock.Now()))
	raw, err := h.store.Get(ctx, key, false)
	if err != nil || raw == nil {
		return
	}
	current, ok := UnmarshalCounter(raw)
	if !ok {
		return
	}

	if p.RPMLimit != nil {
		resp.HiddenHeaders[hdrRemainingRequests] = strconv.FormatInt(*p.RPMLimit-current.RPM, 10)
		resp.HiddenHeaders[hdrLimitRequests] = strconv.FormatInt(*p.RPMLimit, 10)
	}
	if p.TPMLimit != nil {
		resp.HiddenHeaders[hdrRemainingTokens] = strconv.FormatInt(*p.TPMLimit-current.TPM, 10)
		resp.HiddenHeaders[hdrLimitTokens] = strconv.FormatInt(*p.TPMLimit, 10)
	}
}
