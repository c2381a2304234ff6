package websocket_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"agentlisten/internal/api"
	"agentlisten/internal/api/handlers"
	ws "agentlisten/internal/api/websocket"
	"agentlisten/internal/config"
	"agentlisten/internal/model"
	"agentlisten/internal/service"
	"agentlisten/internal/storage"
	"agentlisten/internal/storage/repos"
)

type hubTestEnv struct {
	app   *service.App
	hub   *ws.Hub
	wsURL string
}

func setupHubTestEnv(t *testing.T) hubTestEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "hub-test.db")
	cfg.Dispatcher.PollInterval = "10ms"
	cfg.Maintenance.Enabled = false

	ctx := context.Background()
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

	agent, err := app.CreateAgent(ctx, model.Agent{Name: "Helper"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := app.CreateRule(ctx, model.Rule{
		Name:             "help",
		AgentID:          agent.ID,
		IsActive:         true,
		TriggerType:      model.TriggerKeyword,
		TriggerCondition: model.TriggerCondition{Keywords: []string{"help"}},
		ResponseType:     model.ResponseAutoReply,
		ResponseContent:  model.ResponseContent{ReplyTemplate: "{agent_name} is on it, {user}"},
		ListenInGroups:   true,
		ListenInDirect:   true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()

	h := ws.NewHub(app, logger)
	router := api.NewRouter(handlers.New(app, logger), h, logger, "", nil)
	ts := httptest.NewServer(router)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("app run: %v", err)
		}
		app.Close()
		_ = db.Close()
	})

	deadline := time.Now().Add(time.Second)
	for !app.Dispatcher.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	return hubTestEnv{
		app:   app,
		hub:   h,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws",
	}
}

func (e hubTestEnv) connectWS(t *testing.T, memberID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL+"?member_id="+memberID, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	_ = readType(t, conn, "ack") // connected
	return conn
}

func TestHubRequiresMemberID(t *testing.T) {
	env := setupHubTestEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without member_id")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestHubPingPong(t *testing.T) {
	env := setupHubTestEnv(t)
	conn := env.connectWS(t, "u1")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = readType(t, conn, "pong")

	if err := conn.WriteJSON(map[string]any{"type": "teleport"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readType(t, conn, "error")
	if frame["code"] != "UNKNOWN_TYPE" {
		t.Fatalf("unexpected error frame: %v", frame)
	}
}

func TestHubSendReachesRoom(t *testing.T) {
	env := setupHubTestEnv(t)

	listener := env.connectWS(t, "watcher")
	defer listener.Close()
	if err := listener.WriteJSON(map[string]any{"type": "join", "group_id": "ops"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = readType(t, listener, "ack")

	sender := env.connectWS(t, "sam")
	defer sender.Close()
	if err := sender.WriteJSON(map[string]any{"type": "send", "group_id": "ops", "content": "need help"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ack := readType(t, sender, "ack")
	id := nestedString(ack, "data", "id")
	if id == "" {
		t.Fatalf("ack without message id: %v", ack)
	}

	frame := readType(t, listener, "payload")
	if frame["group_id"] != "ops" {
		t.Fatalf("unexpected group: %v", frame)
	}
	if got := nestedString(frame, "data", "message", "payload", "text"); got != "Helper is on it, sam" {
		t.Fatalf("unexpected reply text: %q", got)
	}
	if got := nestedString(frame, "data", "message", "payload", "message_id"); got != id {
		t.Fatalf("reply not linked to message %s: %q", id, got)
	}
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	env := setupHubTestEnv(t)
	conn := env.connectWS(t, "u1")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "join", "group_id": "g"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = readType(t, conn, "ack")
	st, _ := env.app.Rooms.RoomStats(context.Background(), "g")
	if st.Subscribers != 1 {
		t.Fatalf("expected one subscriber, got %d", st.Subscribers)
	}

	if err := conn.WriteJSON(map[string]any{"type": "leave", "group_id": "g"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	_ = readType(t, conn, "ack")
	st, _ = env.app.Rooms.RoomStats(context.Background(), "g")
	if st.Subscribers != 0 {
		t.Fatalf("expected no subscribers, got %d", st.Subscribers)
	}
}

func TestHubSendValidation(t *testing.T) {
	env := setupHubTestEnv(t)
	conn := env.connectWS(t, "u1")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "send", "group_id": "g"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := readType(t, conn, "error")
	if frame["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error frame: %v", frame)
	}
}

func readType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if got, _ := frame["type"].(string); got == want {
			return frame
		}
	}
	t.Fatalf("did not receive frame type %s", want)
	return nil
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read ws frame: %v", err)
	}
	return frame
}

func nestedString(m map[string]any, path ...string) string {
	cur := any(m)
	for _, part := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = node[part]
	}
	if s, ok := cur.(string); ok {
		return s
	}
	return ""
}
