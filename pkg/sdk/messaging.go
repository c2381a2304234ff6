package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageInput is an inbound chat message. An empty GroupID addresses the
// agents directly.
type MessageInput struct {
	ID       string   `json:"id,omitempty"`
	GroupID  string   `json:"group_id,omitempty"`
	Sender   string   `json:"sender,omitempty"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
}

// Response is produced once per matched rule.
type Response struct {
	Type            string         `json:"type"`
	Content         string         `json:"content"`
	TaskTitle       string         `json:"task_title,omitempty"`
	TaskDescription string         `json:"task_description,omitempty"`
	ActionName      string         `json:"action_name,omitempty"`
	ActionParams    map[string]any `json:"action_params,omitempty"`
	AgentID         string         `json:"agent_id"`
	AgentName       string         `json:"agent_name"`
	RuleID          string         `json:"rule_id"`
	RuleName        string         `json:"rule_name"`
	Confidence      float64        `json:"confidence"`
	MessageID       string         `json:"message_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

type GroupMessage struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	SenderID   string    `json:"sender_id"`
	SenderType string    `json:"sender_type"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

type Interaction struct {
	ID          string         `json:"id"`
	InitiatorID string         `json:"initiator_id"`
	ReceiverID  string         `json:"receiver_id"`
	Content     map[string]any `json:"content"`
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
}

type InteractionFilter struct {
	AgentID string
	Since   time.Time
	ListOptions
}

type MessagesService struct {
	client *Client
}

// Process runs the rule engine inline and returns the responses.
func (s *MessagesService) Process(ctx context.Context, in MessageInput) ([]Response, error) {
	var out struct {
		Responses []Response `json:"responses"`
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/messages/process", in, &out); err != nil {
		return nil, err
	}
	return out.Responses, nil
}

// Submit queues the message for asynchronous dispatch and returns its id.
func (s *MessagesService) Submit(ctx context.Context, in MessageInput) (string, error) {
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := s.client.do(ctx, http.MethodPost, "/api/v1/messages", in, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (s *MessagesService) History(ctx context.Context, groupID string, limit int) ([]GroupMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []GroupMessage `json:"messages"`
	}
	path := withQuery("/api/v1/groups/"+url.PathEscape(groupID)+"/history", q)
	if err := s.client.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (s *MessagesService) Interactions(ctx context.Context, f InteractionFilter) ([]Interaction, *Pagination, error) {
	q := f.values()
	if f.AgentID != "" {
		q.Set("agent_id", f.AgentID)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	var out struct {
		Interactions []Interaction `json:"interactions"`
	}
	pg, err := s.client.doPage(ctx, http.MethodGet, withQuery("/api/v1/interactions", q), nil, &out)
	if err != nil {
		return nil, nil, err
	}
	return out.Interactions, pg, nil
}

// RoomPayload is one payload fanned out to a room the connection joined.
type RoomPayload struct {
	GroupID string
	Type    string
	Message PayloadMessage
}

type PayloadMessage struct {
	ID          string         `json:"id"`
	MessageType string         `json:"message_type"`
	Sender      PayloadSender  `json:"sender"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata"`
}

type PayloadSender struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type frame struct {
	Type    string          `json:"type"`
	OK      bool            `json:"ok"`
	RefID   string          `json:"ref_id"`
	GroupID string          `json:"group_id"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ErrChatClosed is returned by requests on a closed chat connection.
var ErrChatClosed = errors.New("chat connection closed")

// Chat is a websocket session. Requests are answered in order, so one
// request is in flight at a time.
type Chat struct {
	conn     *websocket.Conn
	reqMu    sync.Mutex
	writeMu  sync.Mutex
	replies  chan frame
	payloads chan RoomPayload
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Chat opens a websocket session as memberID.
func (s *MessagesService) Chat(ctx context.Context, memberID string) (*Chat, error) {
	if memberID == "" {
		return nil, fmt.Errorf("memberID is required")
	}
	u, err := url.Parse(s.client.BaseURL)
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/api/v1/ws?member_id=%s", scheme, u.Host, url.QueryEscape(memberID))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	// The server greets with a connected ack.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Chat{
		conn:     conn,
		replies:  make(chan frame, 1),
		payloads: make(chan RoomPayload, 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Payloads delivers room payloads until the connection closes.
func (c *Chat) Payloads() <-chan RoomPayload {
	return c.payloads
}

func (c *Chat) Join(ctx context.Context, groupID string) error {
	_, err := c.request(ctx, map[string]any{"type": "join", "group_id": groupID})
	return err
}

func (c *Chat) Leave(ctx context.Context, groupID string) error {
	_, err := c.request(ctx, map[string]any{"type": "leave", "group_id": groupID})
	return err
}

// Send submits content to groupID and returns the assigned message id.
func (c *Chat) Send(ctx context.Context, groupID, content string, mentions ...string) (string, error) {
	f, err := c.request(ctx, map[string]any{
		"type":     "send",
		"group_id": groupID,
		"content":  content,
		"mentions": mentions,
	})
	if err != nil {
		return "", err
	}
	var data struct {
		ID string `json:"id"`
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return "", err
		}
	}
	return data.ID, nil
}

func (c *Chat) Ping(ctx context.Context) error {
	_, err := c.request(ctx, map[string]any{"type": "ping"})
	return err
}

func (c *Chat) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Chat) request(ctx context.Context, v any) (frame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return frame{}, ErrChatClosed
	default:
	}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, err
	}

	select {
	case f := <-c.replies:
		if f.Type == "error" {
			return f, &APIError{Code: f.Code, Message: f.Message}
		}
		return f, nil
	case <-c.done:
		return frame{}, ErrChatClosed
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *Chat) readLoop() {
	defer close(c.done)
	defer close(c.payloads)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != "payload" {
			select {
			case c.replies <- f:
			default:
				// unsolicited reply
			}
			continue
		}
		var p struct {
			Type    string         `json:"type"`
			Message PayloadMessage `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			continue
		}
		select {
		case c.payloads <- RoomPayload{GroupID: f.GroupID, Type: p.Type, Message: p.Message}:
		case <-c.closing:
			return
		}
	}
}
