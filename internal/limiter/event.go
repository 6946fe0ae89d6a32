package limiter

import (
	"github.com/tidwall/gjson"

	proxy "github.com/bahtman/litellm/internal"
)

// Event is the post-call accounting payload the proxy's logging pipeline
// hands to the success and failure hooks.
type Event struct {
	APIKey     string
	UserID     string
	TeamID     string
	EndUserID  string
	ModelGroup string

	// GlobalMaxParallelRequests mirrors the pre-call override; when present
	// the global in-flight counter is released on completion.
	GlobalMaxParallelRequests *int64

	// HasModelLimits reports per-model tpm/rpm limits in the key metadata;
	// HasModelBudget reports a per-model budget. Either activates the
	// (api_key, model_group) reconciliation scope.
	HasModelLimits bool
	HasModelBudget bool

	TotalTokens int64
}

// EventFrom builds an Event directly from the request's principal and
// context, for callers that hold typed values instead of the raw logging
// payload.
func EventFrom(p *proxy.PrincipalAuth, rc *proxy.RequestContext, totalTokens int64) Event {
	return Event{
		APIKey:                    p.APIKey,
		UserID:                    p.UserID,
		TeamID:                    p.TeamID,
		EndUserID:                 p.EndUserID,
		ModelGroup:                rc.Model,
		GlobalMaxParallelRequests: rc.GlobalMaxParallelRequests(),
		HasModelLimits:            len(p.ModelTPMLimit) > 0 || len(p.ModelRPMLimit) > 0,
		HasModelBudget:            len(p.ModelMaxBudget) > 0,
		TotalTokens:               totalTokens,
	}
}

// ParseEvent extracts an Event from the raw JSON logging payload. The
// payload shape follows the proxy's logging pipeline:
// litellm_params.metadata carries the key-scoped fields, the top-level
// "user" field carries the end-user id, and response.usage.total_tokens
// carries usage. Missing usage counts as zero tokens.
func ParseEvent(kwargs, response []byte) Event {
	meta := gjson.GetBytes(kwargs, "litellm_params.metadata")

	ev := Event{
		APIKey:     meta.Get("user_api_key").String(),
		UserID:     meta.Get("user_api_key_user_id").String(),
		TeamID:     meta.Get("user_api_key_team_id").String(),
		EndUserID:  gjson.GetBytes(kwargs, "user").String(),
		ModelGroup: gjson.GetBytes(kwargs, "model").String(),

		HasModelBudget: meta.Get("user_api_key_model_max_budget").Exists(),
	}

	if g := meta.Get("global_max_parallel_requests"); g.Exists() {
		n := g.Int()
		ev.GlobalMaxParallelRequests = &n
	}

	keyMeta := meta.Get("user_api_key_metadata")
	ev.HasModelLimits = keyMeta.Get("model_tpm_limit").Exists() ||
		keyMeta.Get("model_rpm_limit").Exists()

	if usage := gjson.GetBytes(response, "usage.total_tokens"); usage.Exists() {
		ev.TotalTokens = usage.Int()
	}

	return ev
}
