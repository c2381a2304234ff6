package engine

import (
	"context"
	"errors"

	"agentlisten/internal/model"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrRuleNotFound     = errors.New("rule not found")
	ErrAgentNotFound    = errors.New("agent not found")
)

// RuleStore is the rule persistence the engine reads candidates from.
type RuleStore interface {
	// FindCandidateRules returns the rules Selects would accept for msg,
	// in any order.
	FindCandidateRules(ctx context.Context, msg model.Message) ([]model.Rule, error)
	// PersistRuleState commits one firing of rule: the stored trigger count
	// is incremented and last_triggered_at set to rule.LastTriggeredAt.
	PersistRuleState(ctx context.Context, rule model.Rule) error
	GetRule(ctx context.Context, id string) (model.Rule, error)
	AgentRules(ctx context.Context, agentID string) ([]model.Rule, error)
}

type AgentDirectory interface {
	ResolveAgent(ctx context.Context, id string) (model.AgentProfile, error)
}

type RecordStore interface {
	RecordInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error)
}
