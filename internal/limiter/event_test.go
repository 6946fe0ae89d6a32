package limiter

import (
	"testing"

	proxy "github.com/bahtman/litellm/internal"
)

func TestParseEvent(t *testing.T) {
	t.Parallel()
	kwargs := []byte(`{
		"model": "gpt-4",
		"user": "end-user-9",
		"litellm_params": {
			"metadata": {
				"user_api_key": "sk-abc",
				"user_api_key_user_id": "user-1",
				"user_api_key_team_id": "team-1",
				"user_api_key_model_max_budget": {"gpt-4": 10.0},
				"user_api_key_metadata": {"model_rpm_limit": {"gpt-4": 5}},
				"global_max_parallel_requests": 100
			}
		}
	}`)
	response := []byte(`{"usage": {"prompt_tokens": 100, "completion_tokens": 37, "total_tokens": 137}}`)

	ev := ParseEvent(kwargs, response)

	if ev.APIKey != "sk-abc" {
		t.Errorf("APIKey = %q", ev.APIKey)
	}
	if ev.UserID != "user-1" {
		t.Errorf("UserID = %q", ev.UserID)
	}
	if ev.TeamID != "team-1" {
		t.Errorf("TeamID = %q", ev.TeamID)
	}
	if ev.EndUserID != "end-user-9" {
		t.Errorf("EndUserID = %q", ev.EndUserID)
	}
	if ev.ModelGroup != "gpt-4" {
		t.Errorf("ModelGroup = %q", ev.ModelGroup)
	}
	if ev.GlobalMaxParallelRequests == nil || *ev.GlobalMaxParallelRequests != 100 {
		t.Errorf("GlobalMaxParallelRequests = %v", ev.GlobalMaxParallelRequests)
	}
	if !ev.HasModelLimits {
		t.Error("HasModelLimits should be set")
	}
	if !ev.HasModelBudget {
		t.Error("HasModelBudget should be set")
	}
	if ev.TotalTokens != 137 {
		t.Errorf("TotalTokens = %d, want 137", ev.TotalTokens)
	}
}

func TestParseEvent_MissingUsage(t *testing.T) {
	t.Parallel()
	kwargs := []byte(`{"litellm_params": {"metadata": {"user_api_key": "sk-abc"}}}`)

	ev := ParseEvent(kwargs, nil)

	if ev.TotalTokens != 0 {
		t.Errorf("TotalTokens = %d, want 0 when usage is absent", ev.TotalTokens)
	}
	if ev.GlobalMaxParallelRequests != nil {
		t.Error("GlobalMaxParallelRequests should be nil when absent")
	}
	if ev.HasModelLimits || ev.HasModelBudget {
		t.Error("model flags should be unset when metadata is absent")
	}
}

func TestEventFrom(t *testing.T) {
	t.Parallel()
	p := &proxy.PrincipalAuth{
		APIKey:        "sk-abc",
		UserID:        "user-1",
		TeamID:        "team-1",
		EndUserID:     "end-user-9",
		ModelRPMLimit: map[string]int64{"gpt-4": 5},
	}
	rc := &proxy.RequestContext{
		Model:    "gpt-4",
		Metadata: map[string]any{"global_max_parallel_requests": 10},
	}

	ev := EventFrom(p, rc, 42)

	if ev.APIKey != "sk-abc" || ev.UserID != "user-1" || ev.TeamID != "team-1" || ev.EndUserID != "end-user-9" {
		t.Errorf("ids not carried: %+v", ev)
	}
	if ev.ModelGroup != "gpt-4" {
		t.Errorf("ModelGroup = %q", ev.ModelGroup)
	}
	if !ev.HasModelLimits {
		t.Error("HasModelLimits should be set from the principal's maps")
	}
	if ev.HasModelBudget {
		t.Error("HasModelBudget should be unset")
	}
	if ev.GlobalMaxParallelRequests == nil || *ev.GlobalMaxParallelRequests != 10 {
		t.Errorf("GlobalMaxParallelRequests = %v", ev.GlobalMaxParallelRequests)
	}
	if ev.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", ev.TotalTokens)
	}
}
