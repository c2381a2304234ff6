package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agentlisten/internal/api"
	"agentlisten/internal/api/handlers"
	ws "agentlisten/internal/api/websocket"
	"agentlisten/internal/config"
	"agentlisten/internal/service"
	"agentlisten/internal/storage"
	"agentlisten/internal/storage/repos"
)

type testEnv struct {
	app *service.App
	ts  *httptest.Server
}

func setupEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "api-test.db")
	cfg.Maintenance.Enabled = false

	db, err := storage.OpenMigrated(ctx, cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	logger := zaptest.NewLogger(t)
	app, err := service.New(ctx, cfg, repos.New(db), logger)
	if err != nil {
		_ = db.Close()
		t.Fatalf("new app: %v", err)
	}
	router := api.NewRouter(handlers.New(app, logger), ws.NewHub(app, logger), logger, "", nil)
	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		ts.Close()
		app.Close()
		_ = db.Close()
	})
	return testEnv{app: app, ts: ts}
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Pagination *struct {
		Total int `json:"total"`
	} `json:"pagination"`
}

func (e testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if s, ok := body.(string); ok {
		rdr = bytes.NewReader([]byte(s))
	} else {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func createAgentAndRule(t *testing.T, e testEnv) (agentID, ruleID string) {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "Greeter"})
	require.Equal(t, http.StatusCreated, code)
	var agent struct {
		Agent struct {
			ID string `json:"id"`
		} `json:"agent"`
	}
	decodeData(t, env, &agent)

	code, env = e.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":              "hello",
		"agent_id":          agent.Agent.ID,
		"priority":          1,
		"trigger_type":      "keyword",
		"trigger_condition": map[string]any{"keywords": []string{"hello"}},
		"response_type":     "auto_reply",
		"response_content":  map[string]any{"reply_template": "hi {user}"},
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var rule struct {
		Rule struct {
			ID       string `json:"id"`
			IsActive bool   `json:"is_active"`
		} `json:"rule"`
	}
	decodeData(t, env, &rule)
	require.True(t, rule.Rule.IsActive, "is_active defaults to true")
	return agent.Agent.ID, rule.Rule.ID
}

func TestHealth(t *testing.T) {
	e := setupEnv(t)
	code, env := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.OK)
}

func TestProcessMessageFlow(t *testing.T) {
	e := setupEnv(t)
	_, ruleID := createAgentAndRule(t, e)

	code, env := e.do(t, http.MethodPost, "/api/v1/messages/process", map[string]any{
		"content": "hello world", "sender": "sam", "group_id": "g1",
	})
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Responses []struct {
			Content string `json:"content"`
			RuleID  string `json:"rule_id"`
		} `json:"responses"`
	}
	decodeData(t, env, &out)
	require.Len(t, out.Responses, 1)
	assert.Equal(t, "hi sam", out.Responses[0].Content)
	assert.Equal(t, ruleID, out.Responses[0].RuleID)

	code, env = e.do(t, http.MethodGet, "/api/v1/rules/"+ruleID, nil)
	require.Equal(t, http.StatusOK, code)
	var got struct {
		Rule struct {
			TriggerCount int `json:"trigger_count"`
		} `json:"rule"`
	}
	decodeData(t, env, &got)
	assert.Equal(t, 1, got.Rule.TriggerCount)
}

func TestRuleTestEndpoint(t *testing.T) {
	e := setupEnv(t)
	_, ruleID := createAgentAndRule(t, e)

	code, env := e.do(t, http.MethodPost, "/api/v1/rules/"+ruleID+"/test", map[string]any{"message": "say hello"})
	require.Equal(t, http.StatusOK, code)
	var res struct {
		Match bool `json:"match"`
	}
	decodeData(t, env, &res)
	assert.True(t, res.Match)

	code, _ = e.do(t, http.MethodPost, "/api/v1/rules/missing/test", map[string]any{"message": "hello"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRuleUpdateAndList(t *testing.T) {
	e := setupEnv(t)
	agentID, ruleID := createAgentAndRule(t, e)

	code, env := e.do(t, http.MethodPatch, "/api/v1/rules/"+ruleID, map[string]any{"is_active": false, "priority": 7})
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = e.do(t, http.MethodGet, "/api/v1/rules?active=false&agent_id="+agentID, nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 1, env.Pagination.Total)

	code, _ = e.do(t, http.MethodGet, "/api/v1/rules?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodDelete, "/api/v1/rules/"+ruleID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/api/v1/rules/"+ruleID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestValidationErrors(t *testing.T) {
	e := setupEnv(t)
	agentID, _ := createAgentAndRule(t, e)

	code, env := e.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"name": "bad", "agent_id": agentID, "trigger_type": "regex", "response_type": "notification",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, _ = e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "x", "colour": "blue"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "greeter"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPatch, "/api/v1/agents/"+agentID+"/status", map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/api/v1/messages/process", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSubmitWhileStoppedIsUnavailable(t *testing.T) {
	e := setupEnv(t)
	code, env := e.do(t, http.MethodPost, "/api/v1/messages", map[string]any{"content": "hello", "group_id": "g1"})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAVAILABLE", env.Error.Code)
}

func TestSubmitAccepted(t *testing.T) {
	e := setupEnv(t)
	createAgentAndRule(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.app.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()
	require.Eventually(t, e.app.Dispatcher.Running, time.Second, 5*time.Millisecond)

	code, env := e.do(t, http.MethodPost, "/api/v1/messages", map[string]any{"content": "hello", "group_id": "g1", "sender": "sam"})
	require.Equal(t, http.StatusAccepted, code, env.Error)

	require.Eventually(t, func() bool {
		resp, err := http.Get(e.ts.URL + "/api/v1/groups/g1/history")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var env struct {
			Data struct {
				Messages []json.RawMessage `json:"messages"`
			} `json:"data"`
		}
		if json.NewDecoder(resp.Body).Decode(&env) != nil {
			return false
		}
		return len(env.Data.Messages) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAdminStats(t *testing.T) {
	e := setupEnv(t)
	createAgentAndRule(t, e)
	code, env := e.do(t, http.MethodGet, "/api/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, code)
	var out struct {
		Stats struct {
			Store struct {
				Agents int `json:"agents"`
				Rules  int `json:"rules"`
			} `json:"store"`
		} `json:"stats"`
	}
	decodeData(t, env, &out)
	assert.Equal(t, 1, out.Stats.Store.Agents)
	assert.Equal(t, 1, out.Stats.Store.Rules)

	code, _ = e.do(t, http.MethodPost, "/api/v1/admin/maintenance/prune", nil)
	assert.Equal(t, http.StatusOK, code)
}
