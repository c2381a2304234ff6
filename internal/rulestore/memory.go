package rulestore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentlisten/internal/engine"
	"agentlisten/internal/model"
)

// Memory keeps agents, rules and interactions in process. It serves file
// driven deployments and tests.
type Memory struct {
	mu           sync.RWMutex
	agents       map[string]model.Agent
	rules        map[string]model.Rule
	interactions []model.Interaction
	now          func() time.Time
}

var (
	_ engine.RuleStore      = (*Memory)(nil)
	_ engine.AgentDirectory = (*Memory)(nil)
	_ engine.RecordStore    = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]model.Agent),
		rules:  make(map[string]model.Rule),
		now:    time.Now,
	}
}

func (m *Memory) UpsertAgent(_ context.Context, a model.Agent) (model.Agent, error) {
	if a.Name == "" {
		return model.Agent{}, fmt.Errorf("agent name is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.AgentStatusOnline
	}
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.agents[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.agents[a.ID] = a
	return a, nil
}

func (m *Memory) UpsertRule(_ context.Context, r model.Rule) (model.Rule, error) {
	if r.AgentID == "" {
		return model.Rule{}, fmt.Errorf("rule agent_id is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rules[r.ID]; ok {
		r.CreatedAt = prev.CreatedAt
		r.TriggerCount = prev.TriggerCount
		r.LastTriggeredAt = prev.LastTriggeredAt
	} else {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rules[r.ID] = r
	return m.withAgent(r), nil
}

func (m *Memory) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	delete(m.rules, id)
	return nil
}

// Replace swaps the whole rule set, keeping trigger state of rules whose ids
// survive.
func (m *Memory) Replace(agents []model.Agent, rules []model.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nextAgents := make(map[string]model.Agent, len(agents))
	for _, a := range agents {
		nextAgents[a.ID] = a
	}
	nextRules := make(map[string]model.Rule, len(rules))
	for _, r := range rules {
		if prev, ok := m.rules[r.ID]; ok {
			r.TriggerCount = prev.TriggerCount
			r.LastTriggeredAt = prev.LastTriggeredAt
		}
		nextRules[r.ID] = r
	}
	m.agents = nextAgents
	m.rules = nextRules
}

func (m *Memory) ListRules() []model.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, m.withAgent(r))
	}
	engine.SortCandidates(out)
	return out
}

func (m *Memory) ListAgents() []model.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b model.Agent) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (m *Memory) FindCandidateRules(_ context.Context, msg model.Message) ([]model.Rule, error) {
	return engine.FilterCandidates(m.ListRules(), msg), nil
}

func (m *Memory) PersistRuleState(_ context.Context, rule model.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrRuleNotFound, rule.ID)
	}
	stored.TriggerCount++
	stored.LastTriggeredAt = rule.LastTriggeredAt
	m.rules[rule.ID] = stored
	return nil
}

func (m *Memory) GetRule(_ context.Context, id string) (model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return model.Rule{}, fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	return m.withAgent(r), nil
}

func (m *Memory) AgentRules(_ context.Context, agentID string) ([]model.Rule, error) {
	var out []model.Rule
	for _, r := range m.ListRules() {
		if r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ResolveAgent(_ context.Context, id string) (model.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return model.AgentProfile{}, fmt.Errorf("%w: %s", engine.ErrAgentNotFound, id)
	}
	return a.Profile(), nil
}

func (m *Memory) RecordInteraction(_ context.Context, in model.Interaction) (model.Interaction, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, in)
	return in, nil
}

func (m *Memory) Interactions() []model.Interaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.interactions)
}

// withAgent must be called with m.mu held.
func (m *Memory) withAgent(r model.Rule) model.Rule {
	if a, ok := m.agents[r.AgentID]; ok {
		r.AgentName = a.Name
	}
	r.AllowedGroups = slices.Clone(r.AllowedGroups)
	return r
}
