package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agentlisten/internal/service"
)

// Hub serves the chat socket. Each connection joins rooms on the app's
// local broker and submits messages through the dispatcher.
type Hub struct {
	App      *service.App
	Logger   *zap.Logger
	upgrader gws.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn     *gws.Conn
	app      *service.App
	logger   *zap.Logger
	memberID string
	// roomKey identifies this connection in broker rooms so two sockets
	// of the same member do not share a channel.
	roomKey string
	writeMu sync.Mutex

	roomsMu sync.Mutex
	rooms   map[string]struct{}
	wg      sync.WaitGroup
}

func NewHub(app *service.App, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		App:    app,
		Logger: logger,
		upgrader: gws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	memberID := strings.TrimSpace(r.URL.Query().Get("member_id"))
	if memberID == "" {
		http.Error(w, "member_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		conn:     conn,
		app:      h.App,
		logger:   h.Logger.With(zap.String("member_id", memberID)),
		memberID: memberID,
		roomKey:  memberID + "#" + uuid.NewString(),
		rooms:    map[string]struct{}{},
	}
	h.register(c)
	defer h.unregister(c)
	defer conn.Close()

	_ = c.write(map[string]any{"type": "ack", "ok": true, "ref_id": "connected"})
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(b, &req); err != nil {
			_ = c.write(errFrame("BAD_PAYLOAD", "invalid JSON"))
			continue
		}
		msgType, _ := req["type"].(string)
		groupID, _ := req["group_id"].(string)
		switch msgType {
		case "ping":
			_ = c.write(map[string]any{"type": "pong"})
		case "join":
			if groupID == "" {
				_ = c.write(errFrame("VALIDATION_ERROR", "group_id required"))
				continue
			}
			if err := c.join(groupID); err != nil {
				_ = c.write(errFrame("JOIN_FAILED", err.Error()))
				continue
			}
			_ = c.write(map[string]any{"type": "ack", "ok": true, "ref_id": groupID})
		case "leave":
			c.leave(groupID)
			_ = c.write(map[string]any{"type": "ack", "ok": true, "ref_id": groupID})
		case "send":
			id, err := c.send(context.Background(), req)
			if err != nil {
				_ = c.write(errFrame(sendErrCode(err), err.Error()))
				continue
			}
			_ = c.write(map[string]any{"type": "ack", "ok": true, "data": map[string]any{"id": id}})
		default:
			_ = c.write(errFrame("UNKNOWN_TYPE", "unsupported message type"))
		}
	}
}

// Connections returns the number of open sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	c.leaveAll()
	c.wg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func errFrame(code, message string) map[string]any {
	return map[string]any{"type": "error", "code": code, "message": message}
}

func sendErrCode(err error) string {
	switch {
	case errors.Is(err, service.ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, service.ErrUnavailable):
		return "UNAVAILABLE"
	}
	return "SEND_FAILED"
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *client) join(groupID string) error {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[groupID]; ok {
		return nil
	}
	ch, err := c.app.Rooms.Join(context.Background(), c.roomKey, groupID)
	if err != nil {
		return err
	}
	c.rooms[groupID] = struct{}{}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for p := range ch {
			if err := c.write(map[string]any{"type": "payload", "group_id": groupID, "data": p}); err != nil {
				c.logger.Debug("payload write failed", zap.String("group_id", groupID), zap.Error(err))
			}
		}
	}()
	return nil
}

func (c *client) leave(groupID string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[groupID]; !ok {
		return
	}
	delete(c.rooms, groupID)
	_ = c.app.Rooms.Leave(context.Background(), c.roomKey, groupID)
}

func (c *client) leaveAll() {
	c.roomsMu.Lock()
	groups := make([]string, 0, len(c.rooms))
	for g := range c.rooms {
		groups = append(groups, g)
	}
	c.roomsMu.Unlock()
	for _, g := range groups {
		c.leave(g)
	}
}

func (c *client) send(ctx context.Context, req map[string]any) (string, error) {
	in := service.MessageInput{Sender: c.memberID}
	in.GroupID, _ = req["group_id"].(string)
	in.Content, _ = req["content"].(string)
	in.ID, _ = req["id"].(string)
	if raw, ok := req["mentions"].([]any); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok {
				in.Mentions = append(in.Mentions, s)
			}
		}
	}
	return c.app.SubmitMessage(ctx, in, nil)
}
