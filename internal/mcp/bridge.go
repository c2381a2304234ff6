package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"agentlisten/internal/config"
)

type Options struct {
	Config config.Config
	// Router serves the REST routes the tools are mapped onto.
	Router http.Handler
	Logger *zap.Logger
}

type Bridge struct {
	cfg    config.Config
	router http.Handler
	logger *zap.Logger
	server *mcpserver.MCPServer
}

type ToolSpec struct {
	Name        string
	Description string
	Method      string
	Path        string
	HasPayload  bool
	HasQuery    bool
}

type apiEnvelope struct {
	OK         bool `json:"ok"`
	Data       any  `json:"data"`
	Error      any  `json:"error"`
	Pagination any  `json:"pagination"`
}

var routeParamPattern = regexp.MustCompile(`\{([^{}]+)\}`)

func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		cfg:    opts.Config,
		router: opts.Router,
		logger: logger,
	}
	b.server = mcpserver.NewMCPServer(
		"agentlisten",
		"dev",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions("Use agentlisten tools to manage agents and listening rules, route chat messages through the rule engine, and inspect interactions."),
	)
	b.registerTools()
	return b
}

func (b *Bridge) MCPServer() *mcpserver.MCPServer {
	return b.server
}

func (b *Bridge) ServeStdio() error {
	return mcpserver.ServeStdio(b.server)
}

func (b *Bridge) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(
		b.server,
		mcpserver.WithEndpointPath(b.cfg.MCP.HTTP.Path),
	)
}

func (b *Bridge) registerTools() {
	for _, spec := range ToolSpecs() {
		if strings.HasPrefix(spec.Name, "admin_") && !b.cfg.MCP.Tools.ExposeAdmin {
			continue
		}
		b.server.AddTool(spec.toTool(), b.makeToolHandler(spec))
	}
}

// ToolSpecs lists one tool per REST route.
func ToolSpecs() []ToolSpec {
	return []ToolSpec{
		// Agents
		{Name: "agents_create", Description: "Register an agent", Method: http.MethodPost, Path: "/api/v1/agents", HasPayload: true},
		{Name: "agents_list", Description: "List agents, optionally filtered by status", Method: http.MethodGet, Path: "/api/v1/agents", HasQuery: true},
		{Name: "agents_get", Description: "Get an agent by id", Method: http.MethodGet, Path: "/api/v1/agents/{id}"},
		{Name: "agents_set_status", Description: "Set an agent's availability status", Method: http.MethodPatch, Path: "/api/v1/agents/{id}/status", HasPayload: true},
		{Name: "agents_delete", Description: "Delete an agent and its rules", Method: http.MethodDelete, Path: "/api/v1/agents/{id}"},
		{Name: "agents_rules", Description: "List an agent's rules", Method: http.MethodGet, Path: "/api/v1/agents/{id}/rules"},

		// Rules
		{Name: "rules_create", Description: "Create a listening rule", Method: http.MethodPost, Path: "/api/v1/rules", HasPayload: true},
		{Name: "rules_list", Description: "List rules", Method: http.MethodGet, Path: "/api/v1/rules", HasQuery: true},
		{Name: "rules_get", Description: "Get a rule", Method: http.MethodGet, Path: "/api/v1/rules/{id}"},
		{Name: "rules_update", Description: "Patch a rule", Method: http.MethodPatch, Path: "/api/v1/rules/{id}", HasPayload: true},
		{Name: "rules_delete", Description: "Delete a rule", Method: http.MethodDelete, Path: "/api/v1/rules/{id}"},
		{Name: "rules_test", Description: "Evaluate a rule against a sample message", Method: http.MethodPost, Path: "/api/v1/rules/{id}/test", HasPayload: true},

		// Messages
		{Name: "messages_process", Description: "Run the rule engine on a message and return the responses", Method: http.MethodPost, Path: "/api/v1/messages/process", HasPayload: true},
		{Name: "messages_submit", Description: "Queue a group message for asynchronous dispatch", Method: http.MethodPost, Path: "/api/v1/messages", HasPayload: true},
		{Name: "interactions_list", Description: "List recorded agent interactions", Method: http.MethodGet, Path: "/api/v1/interactions", HasQuery: true},
		{Name: "groups_history", Description: "Recent chat history of a group", Method: http.MethodGet, Path: "/api/v1/groups/{id}/history", HasQuery: true},
		{Name: "groups_room", Description: "Subscriber stats of a group room", Method: http.MethodGet, Path: "/api/v1/groups/{id}/room"},

		// Admin
		{Name: "admin_stats", Description: "Engine, dispatcher and store counters", Method: http.MethodGet, Path: "/api/v1/admin/stats"},
		{Name: "admin_config", Description: "Effective configuration", Method: http.MethodGet, Path: "/api/v1/admin/config"},
		{Name: "admin_prune", Description: "Run the retention job now", Method: http.MethodPost, Path: "/api/v1/admin/maintenance/prune", HasPayload: true},
	}
}

func (s ToolSpec) toTool() mcptypes.Tool {
	opts := []mcptypes.ToolOption{
		mcptypes.WithDescription(s.Description),
	}
	for _, param := range pathParams(s.Path) {
		opts = append(opts, mcptypes.WithString(param, mcptypes.Required(), mcptypes.Description("Path parameter: "+param)))
	}
	if s.HasQuery {
		opts = append(opts, mcptypes.WithObject("query", mcptypes.Description("Query string parameters")))
	}
	if s.HasPayload || methodHasBody(s.Method) {
		opts = append(opts, mcptypes.WithObject("payload", mcptypes.Description("JSON request payload")))
	}
	return mcptypes.NewTool(s.Name, opts...)
}

func (b *Bridge) makeToolHandler(spec ToolSpec) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		path, err := fillPath(spec.Path, args)
		if err != nil {
			return mcptypes.NewToolResultError(err.Error()), nil
		}

		var query map[string]any
		if spec.HasQuery {
			query = getArgMap(args, "query")
		}

		payload := getArgMap(args, "payload")
		if (spec.HasPayload || methodHasBody(spec.Method)) && payload == nil {
			payload = map[string]any{}
		}

		env, status, err := b.invokeREST(ctx, spec.Method, path, query, payload)
		if err != nil {
			return mcptypes.NewToolResultError(err.Error()), nil
		}
		if !env.OK {
			b.logger.Debug("tool call failed", zap.String("tool", spec.Name), zap.Int("status", status))
			return mcptypes.NewToolResultError(apiErrorText(env.Error, status)), nil
		}

		out := map[string]any{
			"status_code": status,
			"data":        env.Data,
		}
		if env.Pagination != nil {
			out["pagination"] = env.Pagination
		}
		return mcptypes.NewToolResultJSON(out)
	}
}

func (b *Bridge) invokeREST(ctx context.Context, method, path string, query map[string]any, payload map[string]any) (apiEnvelope, int, error) {
	target := path
	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			appendQueryValue(q, k, v)
		}
		qs := q.Encode()
		if qs != "" {
			target += "?" + qs
		}
	}

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return apiEnvelope{}, 0, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, body).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	b.router.ServeHTTP(rr, req)

	var env apiEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		return apiEnvelope{}, rr.Code, fmt.Errorf("invalid API response: %w", err)
	}
	return env, rr.Code, nil
}

func fillPath(path string, args map[string]any) (string, error) {
	out := path
	for _, key := range pathParams(path) {
		value := strings.TrimSpace(argString(args, key))
		if value == "" {
			return "", fmt.Errorf("missing required path argument: %s", key)
		}
		out = strings.ReplaceAll(out, "{"+key+"}", url.PathEscape(value))
	}
	return out, nil
}

func pathParams(path string) []string {
	matches := routeParamPattern.FindAllStringSubmatch(path, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) == 2 {
			out = append(out, m[1])
		}
	}
	return out
}

func getArgMap(args map[string]any, key string) map[string]any {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case map[string]any:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		return fmt.Sprint(v)
	}
	if pm := getArgMap(args, "path"); pm != nil {
		if v, ok := pm[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func appendQueryValue(q url.Values, key string, raw any) {
	switch v := raw.(type) {
	case nil:
		return
	case []string:
		for _, it := range v {
			q.Add(key, it)
		}
	case []any:
		for _, it := range v {
			q.Add(key, fmt.Sprint(it))
		}
	default:
		q.Add(key, fmt.Sprint(v))
	}
}

func apiErrorText(apiErr any, status int) string {
	if m, ok := apiErr.(map[string]any); ok {
		code := fmt.Sprint(m["code"])
		msg := fmt.Sprint(m["message"])
		if code != "" && msg != "" {
			return code + ": " + msg
		}
		if msg != "" {
			return msg
		}
	}
	if apiErr != nil {
		return fmt.Sprint(apiErr)
	}
	return fmt.Sprintf("request failed with status %d", status)
}
