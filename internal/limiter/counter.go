package limiter

import (
	"encoding/json"
	"time"
)

// counterTTL is how long a minute bucket stays alive after its last write.
// The minute key rolls on its own; stale buckets simply expire.
const counterTTL = 60 * time.Second

// globalParallelKey is the process-wide in-flight counter. It has no time
// bucket and is never replicated to the shared store.
const globalParallelKey = "global_max_parallel_requests"

// Counter is the triple stored per scope bucket: in-flight requests in the
// current minute window, cumulative tokens, and cumulative completed
// requests.
type Counter struct {
	Requests int64 `json:"current_requests"`
	TPM      int64 `json:"current_tpm"`
	RPM      int64 `json:"current_rpm"`
}

// MarshalCounter serialises a counter to its wire form.
func MarshalCounter(c Counter) []byte {
	b, _ := json.Marshal(c)
	return b
}

// UnmarshalCounter decodes a stored counter. A nil or garbled value decodes
// as a miss: the gate treats unreadable buckets as absent rather than
// failing the request.
func UnmarshalCounter(raw []byte) (Counter, bool) {
	if len(raw) == 0 {
		return Counter{}, false
	}
	var c Counter
	if err := json.Unmarshal(raw, &c); err != nil {
		return Counter{}, false
	}
	return c, true
}

// requestCountKey builds the per-minute bucket key for a scope id.
func requestCountKey(id, minute string) string {
	if id == "" {
		return ""
	}
	return id + "::" + minute + "::request_count"
}

// modelRequestCountKey builds the per-minute bucket key for the
// (api_key, model) scope.
func modelRequestCountKey(apiKey, model, minute string) string {
	return apiKey + "::" + model + "::" + minute + "::request_count"
}
