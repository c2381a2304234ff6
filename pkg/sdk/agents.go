package sdk

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentBusy     AgentStatus = "busy"
	AgentDisabled AgentStatus = "disabled"
)

type Agent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Role        string         `json:"role"`
	Description string         `json:"description"`
	Status      AgentStatus    `json:"status"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type AgentInput struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Role        string         `json:"role,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      AgentStatus    `json:"status,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type AgentsService struct{ client *Client }

func (s *AgentsService) Create(ctx context.Context, in AgentInput) (Agent, error) {
	var out struct {
		Agent Agent `json:"agent"`
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/agents", in, &out); err != nil {
		return Agent{}, err
	}
	return out.Agent, nil
}

// List returns one page of agents; status filters when non-empty.
func (s *AgentsService) List(ctx context.Context, status AgentStatus, opts ListOptions) ([]Agent, *Pagination, error) {
	q := opts.values()
	if status != "" {
		q.Set("status", string(status))
	}
	var out struct {
		Agents []Agent `json:"agents"`
	}
	pg, err := s.client.doPage(ctx, http.MethodGet, withQuery("/api/v1/agents", q), nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Agents, pg, nil
}

func (s *AgentsService) Get(ctx context.Context, id string) (Agent, error) {
	var out struct {
		Agent Agent `json:"agent"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return Agent{}, err
	}
	return out.Agent, nil
}

func (s *AgentsService) SetStatus(ctx context.Context, id string, status AgentStatus) (Agent, error) {
	var out struct {
		Agent Agent `json:"agent"`
	}
	path := "/api/v1/agents/" + url.PathEscape(id) + "/status"
	if err := s.client.do(ctx, http.MethodPatch, path, map[string]any{"status": status}, &out); err != nil {
		return Agent{}, err
	}
	return out.Agent, nil
}

// Delete removes the agent together with its rules.
func (s *AgentsService) Delete(ctx context.Context, id string) error {
	return s.client.do(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(id), nil, nil)
}

func (s *AgentsService) Rules(ctx context.Context, id string) ([]Rule, error) {
	var out struct {
		Rules []Rule `json:"rules"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id)+"/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}
