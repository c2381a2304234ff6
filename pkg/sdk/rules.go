package sdk

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Rule is a listening rule as returned by the server. Trigger conditions
// and response content are kept as plain JSON objects.
type Rule struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	AgentID          string         `json:"agent_id"`
	AgentName        string         `json:"agent_name"`
	IsActive         bool           `json:"is_active"`
	Priority         int            `json:"priority"`
	TriggerType      string         `json:"trigger_type"`
	TriggerCondition map[string]any `json:"trigger_condition"`
	ResponseType     string         `json:"response_type"`
	ResponseContent  map[string]any `json:"response_content"`
	ListenInGroups   bool           `json:"listen_in_groups"`
	ListenInDirect   bool           `json:"listen_in_direct"`
	AllowedGroups    []string       `json:"allowed_groups"`
	CooldownPeriod   int            `json:"cooldown_period"`
	LastTriggeredAt  *time.Time     `json:"last_triggered_at,omitempty"`
	TriggerCount     int            `json:"trigger_count"`
}

// RuleInput creates a rule. Nil booleans default to true on the server.
type RuleInput struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	AgentID          string         `json:"agent_id"`
	IsActive         *bool          `json:"is_active,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	TriggerType      string         `json:"trigger_type"`
	TriggerCondition map[string]any `json:"trigger_condition,omitempty"`
	ResponseType     string         `json:"response_type"`
	ResponseContent  map[string]any `json:"response_content,omitempty"`
	ListenInGroups   *bool          `json:"listen_in_groups,omitempty"`
	ListenInDirect   *bool          `json:"listen_in_direct,omitempty"`
	AllowedGroups    []string       `json:"allowed_groups,omitempty"`
	CooldownPeriod   int            `json:"cooldown_period,omitempty"`
}

// RulePatch changes the non-nil fields of a rule.
type RulePatch struct {
	Name             *string        `json:"name,omitempty"`
	Description      *string        `json:"description,omitempty"`
	IsActive         *bool          `json:"is_active,omitempty"`
	Priority         *int           `json:"priority,omitempty"`
	TriggerType      *string        `json:"trigger_type,omitempty"`
	TriggerCondition map[string]any `json:"trigger_condition,omitempty"`
	ResponseType     *string        `json:"response_type,omitempty"`
	ResponseContent  map[string]any `json:"response_content,omitempty"`
	ListenInGroups   *bool          `json:"listen_in_groups,omitempty"`
	ListenInDirect   *bool          `json:"listen_in_direct,omitempty"`
	AllowedGroups    []string       `json:"allowed_groups,omitempty"`
	CooldownPeriod   *int           `json:"cooldown_period,omitempty"`
}

type RuleFilter struct {
	AgentID string
	Active  *bool
	ListOptions
}

type RuleTestResult struct {
	Match    bool      `json:"match"`
	Response *Response `json:"response,omitempty"`
}

type RulesService struct{ client *Client }

func (s *RulesService) Create(ctx context.Context, in RuleInput) (Rule, error) {
	var out struct {
		Rule Rule `json:"rule"`
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/rules", in, &out); err != nil {
		return Rule{}, err
	}
	return out.Rule, nil
}

func (s *RulesService) List(ctx context.Context, f RuleFilter) ([]Rule, *Pagination, error) {
	q := f.values()
	if f.AgentID != "" {
		q.Set("agent_id", f.AgentID)
	}
	if f.Active != nil {
		q.Set("active", strconv.FormatBool(*f.Active))
	}
	var out struct {
		Rules []Rule `json:"rules"`
	}
	pg, err := s.client.doPage(ctx, http.MethodGet, withQuery("/api/v1/rules", q), nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Rules, pg, nil
}

func (s *RulesService) Get(ctx context.Context, id string) (Rule, error) {
	var out struct {
		Rule Rule `json:"rule"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/api/v1/rules/"+url.PathEscape(id), nil, &out); err != nil {
		return Rule{}, err
	}
	return out.Rule, nil
}

func (s *RulesService) Update(ctx context.Context, id string, patch RulePatch) (Rule, error) {
	var out struct {
		Rule Rule `json:"rule"`
	}
	if err := s.client.do(ctx, http.MethodPatch, "/api/v1/rules/"+url.PathEscape(id), patch, &out); err != nil {
		return Rule{}, err
	}
	return out.Rule, nil
}

func (s *RulesService) Delete(ctx context.Context, id string) error {
	return s.client.do(ctx, http.MethodDelete, "/api/v1/rules/"+url.PathEscape(id), nil, nil)
}

// Test evaluates the rule against content. With apply set, a match is
// committed like a real trigger.
func (s *RulesService) Test(ctx context.Context, id, content string, apply bool) (RuleTestResult, error) {
	var out RuleTestResult
	body := map[string]any{"message": content, "apply": apply}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/test", body, &out); err != nil {
		return RuleTestResult{}, err
	}
	return out, nil
}
