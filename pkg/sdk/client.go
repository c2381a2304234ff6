// Package sdk is a Go client for the agentlisten REST and websocket API.
//
//	client := sdk.New(sdk.Config{})
//	agent, err := client.Agents.Create(ctx, sdk.AgentInput{Name: "Helper"})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config configures New. All fields are optional.
type Config struct {
	// BaseURL is the server URL.
	// Empty → AGENTLISTEN_URL env var → http://localhost:8080.
	BaseURL string
	// Timeout is the HTTP client timeout. Default: 30s.
	Timeout time.Duration
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	Agents   *AgentsService
	Rules    *RulesService
	Messages *MessagesService
	Admin    *AdminService
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		BaseURL: resolveURL(cfg.BaseURL),
		HTTP:    &http.Client{Timeout: cfg.Timeout},
	}
	c.Agents = &AgentsService{client: c}
	c.Rules = &RulesService{client: c}
	c.Messages = &MessagesService{client: c}
	c.Admin = &AdminService{client: c}
	return c
}

func resolveURL(override string) string {
	if v := strings.TrimSpace(override); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("AGENTLISTEN_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

// APIError is returned when the server answers with ok=false.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: %s: %s", e.Code, e.Message)
}

// Pagination mirrors the envelope's pagination block.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

type envelope[T any] struct {
	OK         bool        `json:"ok"`
	Data       T           `json:"data"`
	Error      *APIError   `json:"error"`
	Pagination *Pagination `json:"pagination"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.doPage(ctx, method, path, body, out)
	return err
}

func (c *Client) doPage(ctx context.Context, method, path string, body any, out any) (*Pagination, error) {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !raw.OK {
		if raw.Error == nil {
			raw.Error = &APIError{}
		}
		raw.Error.Status = resp.StatusCode
		return nil, raw.Error
	}
	if out != nil {
		if err := json.Unmarshal(raw.Data, out); err != nil {
			return nil, err
		}
	}
	return raw.Pagination, nil
}

// ListOptions selects a page. Zero values use the server defaults.
type ListOptions struct {
	Page    int
	PerPage int
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Page > 0 {
		q.Set("page", fmt.Sprint(o.Page))
	}
	if o.PerPage > 0 {
		q.Set("per_page", fmt.Sprint(o.PerPage))
	}
	return q
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

type AdminService struct{ client *Client }

// Stats returns the server counters as loosely typed JSON.
func (s *AdminService) Stats(ctx context.Context) (map[string]any, error) {
	var out struct {
		Stats map[string]any `json:"stats"`
	}
	if err := s.client.do(ctx, http.MethodGet, "/api/v1/admin/stats", nil, &out); err != nil {
		return nil, err
	}
	return out.Stats, nil
}

// Prune runs the retention job and returns its report.
func (s *AdminService) Prune(ctx context.Context) (map[string]any, error) {
	var out struct {
		Report map[string]any `json:"report"`
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/admin/maintenance/prune", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Report, nil
}
