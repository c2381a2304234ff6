// Package ruleset loads agents and listening rules from a YAML file.
//
//	agents:
//	  - id: helper
//	    name: Helper
//	rules:
//	  - id: greet
//	    name: greet on hello
//	    agent: helper
//	    trigger_type: keyword
//	    trigger_condition: {keywords: [hello]}
//	    response_type: auto_reply
//	    response_content: {reply_template: "hi {user}"}
//
// is_active, listen_in_groups and listen_in_direct default to true.
package ruleset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agentlisten/internal/model"
	"agentlisten/internal/rules"
)

type AgentSpec struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Role        string            `yaml:"role"`
	Description string            `yaml:"description"`
	Status      model.AgentStatus `yaml:"status"`
	Metadata    map[string]any    `yaml:"metadata"`
}

type RuleSpec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Agent references an agent by id or name.
	Agent            string                 `yaml:"agent"`
	IsActive         *bool                  `yaml:"is_active"`
	Priority         int                    `yaml:"priority"`
	TriggerType      model.TriggerType      `yaml:"trigger_type"`
	TriggerCondition model.TriggerCondition `yaml:"trigger_condition"`
	ResponseType     model.ResponseType     `yaml:"response_type"`
	ResponseContent  model.ResponseContent  `yaml:"response_content"`
	ListenInGroups   *bool                  `yaml:"listen_in_groups"`
	ListenInDirect   *bool                  `yaml:"listen_in_direct"`
	AllowedGroups    []string               `yaml:"allowed_groups"`
	CooldownPeriod   int                    `yaml:"cooldown_period"`
}

type Document struct {
	Agents []AgentSpec `yaml:"agents"`
	Rules  []RuleSpec  `yaml:"rules"`
}

func Load(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a rule file. Unknown keys are rejected.
func Parse(b []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parse rule file: %w", err)
	}
	return doc, nil
}

// Resolve turns the document into store records and reports every problem
// found, joined.
func (d Document) Resolve() ([]model.Agent, []model.Rule, error) {
	var errs []error
	agents := make([]model.Agent, 0, len(d.Agents))
	byRef := make(map[string]model.Agent, 2*len(d.Agents))
	for i, a := range d.Agents {
		if a.ID == "" || a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id and name are required", i))
			continue
		}
		if a.Status == "" {
			a.Status = model.AgentStatusOnline
		}
		if !a.Status.Valid() {
			errs = append(errs, fmt.Errorf("agents[%d]: unknown status %q", i, a.Status))
			continue
		}
		if _, dup := byRef[a.ID]; dup {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
			continue
		}
		agent := model.Agent{
			ID: a.ID, Name: a.Name, Role: a.Role, Description: a.Description,
			Status: a.Status, Metadata: a.Metadata,
		}
		agents = append(agents, agent)
		byRef[a.ID] = agent
		byRef[strings.ToLower(a.Name)] = agent
	}

	out := make([]model.Rule, 0, len(d.Rules))
	seen := make(map[string]bool, len(d.Rules))
	for i, spec := range d.Rules {
		if spec.ID == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: id is required", i))
			continue
		}
		if seen[spec.ID] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, spec.ID))
			continue
		}
		seen[spec.ID] = true
		agent, ok := byRef[spec.Agent]
		if !ok {
			agent, ok = byRef[strings.ToLower(spec.Agent)]
		}
		if !ok {
			errs = append(errs, fmt.Errorf("rules[%d] %s: unknown agent %q", i, spec.ID, spec.Agent))
			continue
		}
		r := spec.rule(agent)
		if err := rules.Validate(r); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d] %s: %w", i, spec.ID, err))
			continue
		}
		out = append(out, r)
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return agents, out, nil
}

func (d Document) Validate() error {
	_, _, err := d.Resolve()
	return err
}

func orTrue(b *bool) bool {
	return b == nil || *b
}

func (s RuleSpec) rule(agent model.Agent) model.Rule {
	return model.Rule{
		ID:                    s.ID,
		Name:                  s.Name,
		Description:           s.Description,
		AgentID:               agent.ID,
		AgentName:             agent.Name,
		IsActive:              orTrue(s.IsActive),
		Priority:              s.Priority,
		TriggerType:           s.TriggerType,
		TriggerCondition:      s.TriggerCondition,
		ResponseType:          s.ResponseType,
		ResponseContent:       s.ResponseContent,
		ListenInGroups:        orTrue(s.ListenInGroups),
		ListenInDirect:        orTrue(s.ListenInDirect),
		AllowedGroups:         s.AllowedGroups,
		CooldownPeriodSeconds: s.CooldownPeriod,
	}
}

// Sink receives the records of an applied rule file.
type Sink interface {
	UpsertAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	UpsertRule(ctx context.Context, r model.Rule) (model.Rule, error)
}

// Replacer is implemented by sinks that can swap their whole content at
// once, dropping rules the file no longer lists.
type Replacer interface {
	Replace(agents []model.Agent, rules []model.Rule)
}

type Result struct {
	Agents int
	Rules  int
}

// Apply validates the document and writes it to sink. Nothing is written
// when validation fails.
func Apply(ctx context.Context, doc Document, sink Sink) (Result, error) {
	agents, rs, err := doc.Resolve()
	if err != nil {
		return Result{}, err
	}
	if r, ok := sink.(Replacer); ok {
		r.Replace(agents, rs)
		return Result{Agents: len(agents), Rules: len(rs)}, nil
	}
	for _, a := range agents {
		if _, err := sink.UpsertAgent(ctx, a); err != nil {
			return Result{}, fmt.Errorf("apply agent %s: %w", a.ID, err)
		}
	}
	for _, r := range rs {
		if _, err := sink.UpsertRule(ctx, r); err != nil {
			return Result{}, fmt.Errorf("apply rule %s: %w", r.ID, err)
		}
	}
	return Result{Agents: len(agents), Rules: len(rs)}, nil
}

// LoadAndApply reads path and applies it to sink.
func LoadAndApply(ctx context.Context, path string, sink Sink) (Result, error) {
	doc, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	return Apply(ctx, doc, sink)
}
