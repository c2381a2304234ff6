package rules

import (
	"errors"
	"fmt"
	"strings"

	"agentlisten/internal/model"
)

var ErrInvalidRule = errors.New("invalid rule")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Validate checks a rule definition before it is stored. Trigger state is
// not inspected.
func Validate(r model.Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return invalid("agent_id is required")
	}
	if !r.TriggerType.Valid() {
		return invalid("unknown trigger_type %q", r.TriggerType)
	}
	if !r.ResponseType.Valid() {
		return invalid("unknown response_type %q", r.ResponseType)
	}
	if r.CooldownPeriodSeconds < 0 {
		return invalid("cooldown_period must be >= 0")
	}
	cond := r.TriggerCondition
	switch r.TriggerType {
	case model.TriggerKeyword:
		if len(cond.Keywords) == 0 {
			return invalid("keyword trigger needs at least one keyword")
		}
	case model.TriggerRegex:
		if cond.Pattern == "" {
			return invalid("regex trigger needs a pattern")
		}
		if err := NewRegexCache(0).Validate(cond.Pattern, cond.IgnoreCase); err != nil {
			return invalid("pattern %q: %v", cond.Pattern, err)
		}
	case model.TriggerSentiment:
		if !cond.TargetSentiment.Valid() {
			return invalid("unknown target_sentiment %q", cond.TargetSentiment)
		}
		if cond.Threshold != nil && (*cond.Threshold < 0 || *cond.Threshold > 1) {
			return invalid("threshold must be within [0,1]")
		}
	case model.TriggerContextAware:
		if len(cond.ContextRules) == 0 {
			return invalid("context_aware trigger needs context_rules")
		}
		for i, c := range cond.ContextRules {
			switch c.Type {
			case model.ClauseKeyword, model.ClauseRegex, model.ClauseSentiment, model.ClauseTopic:
			default:
				return invalid("context_rules[%d]: unknown type %q", i, c.Type)
			}
			if c.EffectiveWeight() < 0 {
				return invalid("context_rules[%d]: weight must be >= 0", i)
			}
		}
		if cond.ContextSize != nil && *cond.ContextSize < 0 {
			return invalid("context_size must be >= 0")
		}
		if cond.TimeWindow != nil && *cond.TimeWindow < 0 {
			return invalid("time_window must be >= 0")
		}
	}
	if r.ResponseType == model.ResponseAutoReply && r.ResponseContent.ReplyTemplate == "" {
		return invalid("auto_reply response needs reply_template")
	}
	return nil
}
