package engine

import (
	"cmp"
	"slices"
	"strings"

	"agentlisten/internal/model"
)

// Selects is the candidate predicate every RuleStore implements. Active rules
// are admitted by scope (group or direct), and mention rules of a mentioned
// agent are always admitted.
func Selects(rule model.Rule, msg model.Message) bool {
	if !rule.IsActive {
		return false
	}
	if inScope(rule, msg) {
		return true
	}
	return rule.TriggerType == model.TriggerMention && mentioned(rule, msg.Mentions)
}

func inScope(rule model.Rule, msg model.Message) bool {
	if msg.GroupID == "" {
		return rule.ListenInDirect
	}
	if !rule.ListenInGroups {
		return false
	}
	return len(rule.AllowedGroups) == 0 || slices.Contains(rule.AllowedGroups, msg.GroupID)
}

func mentioned(rule model.Rule, mentions []string) bool {
	for _, m := range mentions {
		if m == rule.AgentID || (rule.AgentName != "" && strings.EqualFold(m, rule.AgentName)) {
			return true
		}
	}
	return false
}

// SortCandidates orders by ascending priority, ties by rule id.
func SortCandidates(rules []model.Rule) {
	slices.SortStableFunc(rules, func(a, b model.Rule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// FilterCandidates applies Selects to an in-memory rule set.
func FilterCandidates(all []model.Rule, msg model.Message) []model.Rule {
	out := make([]model.Rule, 0, len(all))
	for _, r := range all {
		if Selects(r, msg) {
			out = append(out, r)
		}
	}
	SortCandidates(out)
	return out
}
