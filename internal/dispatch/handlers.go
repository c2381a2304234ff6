package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentlisten/internal/model"
)

const (
	PayloadAgentMessage = "agent.message"
	PayloadNotification = "agent.notification"
	PayloadTaskCreated  = "agent.task_created"
	PayloadActionResult = "agent.action_result"

	ActionSummarize = "summarize_conversation"
	ActionSearch    = "search_knowledge_base"

	engineVersion = "v1.0"
)

// Broadcaster fans a payload out to every subscriber of a group room.
type Broadcaster interface {
	SendToGroup(ctx context.Context, groupID string, p model.Payload) error
}

// ActionFunc runs a named action and returns the text of its result.
type ActionFunc func(ctx context.Context, resp model.Response, mctx model.Context) (string, error)

type HandlerOptions struct {
	SummarizeLatency time.Duration
	SearchLatency    time.Duration
}

// Handlers are the default response handlers. Each one wraps the response in
// a room payload and broadcasts it to the message's group.
type Handlers struct {
	out    Broadcaster
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	actions map[string]ActionFunc
}

func NewHandlers(out Broadcaster, logger *zap.Logger, opts HandlerOptions) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{
		out:     out,
		logger:  logger,
		now:     time.Now,
		actions: make(map[string]ActionFunc),
	}
	summarize := simulatedAction(opts.SummarizeLatency, "I have summarized the recent conversation.")
	search := simulatedAction(opts.SearchLatency, "I found related entries in the knowledge base.")
	h.RegisterAction(ActionSummarize, summarize)
	h.RegisterAction("summarize", summarize)
	h.RegisterAction(ActionSearch, search)
	h.RegisterAction("searchKnowledgeBase", search)
	return h
}

func (h *Handlers) RegisterAction(name string, fn ActionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions[name] = fn
}

// Register binds every default handler. Custom responses are delivered like
// auto replies.
func (h *Handlers) Register(d *Dispatcher) error {
	for t, fn := range map[model.ResponseType]HandlerFunc{
		model.ResponseAutoReply:    h.AutoReply,
		model.ResponseNotification: h.Notification,
		model.ResponseTask:         h.Task,
		model.ResponseAction:       h.Action,
		model.ResponseCustom:       h.AutoReply,
	} {
		if err := d.RegisterHandler(t, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) AutoReply(ctx context.Context, resp model.Response, mctx model.Context) error {
	return h.send(ctx, mctx, PayloadAgentMessage, "agent_response", resp, map[string]any{
		"text":       resp.Content,
		"rule_id":    resp.RuleID,
		"rule_name":  resp.RuleName,
		"message_id": mctx.MessageID,
		"confidence": resp.Confidence,
	}, nil)
}

func (h *Handlers) Notification(ctx context.Context, resp model.Response, mctx model.Context) error {
	return h.send(ctx, mctx, PayloadNotification, "notification", resp, map[string]any{
		"text":       resp.Content,
		"rule_id":    resp.RuleID,
		"severity":   "info",
		"message_id": mctx.MessageID,
	}, nil)
}

// Task only announces the task; creating it belongs to the task service.
func (h *Handlers) Task(ctx context.Context, resp model.Response, mctx model.Context) error {
	return h.send(ctx, mctx, PayloadTaskCreated, "task_created", resp, map[string]any{
		"task_title":       resp.TaskTitle,
		"task_description": resp.TaskDescription,
		"rule_id":          resp.RuleID,
		"message_id":       mctx.MessageID,
	}, nil)
}

func (h *Handlers) Action(ctx context.Context, resp model.Response, mctx model.Context) error {
	h.mu.RLock()
	fn, ok := h.actions[resp.ActionName]
	h.mu.RUnlock()
	if !ok {
		h.logger.Warn("unknown action, response dropped",
			zap.String("action", resp.ActionName), zap.String("rule_id", resp.RuleID))
		return nil
	}
	if mctx.GroupID == "" {
		h.logger.Warn("action response has no group id", zap.String("action", resp.ActionName))
		return nil
	}
	text, err := fn(ctx, resp, mctx)
	if err != nil {
		return fmt.Errorf("action %s: %w", resp.ActionName, err)
	}
	return h.send(ctx, mctx, PayloadActionResult, "action_result", resp, map[string]any{
		"action_name": resp.ActionName,
		"text":        text,
		"message_id":  mctx.MessageID,
	}, map[string]any{"action": resp.ActionName})
}

func (h *Handlers) send(ctx context.Context, mctx model.Context, kind, messageType string, resp model.Response, body, meta map[string]any) error {
	if mctx.GroupID == "" {
		h.logger.Warn("response has no group id, not broadcast",
			zap.String("response_type", string(resp.Type)), zap.String("rule_id", resp.RuleID))
		return nil
	}
	name := resp.AgentName
	if name == "" {
		name = "agent"
	}
	metadata := map[string]any{
		"response_type": string(resp.Type),
		"rule_engine":   engineVersion,
	}
	for k, v := range meta {
		metadata[k] = v
	}
	p := model.Payload{
		Type: kind,
		Message: model.PayloadMessage{
			ID:          uuid.NewString(),
			MessageType: messageType,
			Sender:      model.PayloadSender{ID: resp.AgentID, Type: model.SenderAgent, Name: name},
			Payload:     body,
			Timestamp:   h.now().UTC(),
			Metadata:    metadata,
		},
	}
	if err := h.out.SendToGroup(ctx, mctx.GroupID, p); err != nil {
		return fmt.Errorf("broadcast %s to %s: %w", kind, mctx.GroupID, err)
	}
	h.logger.Debug("response broadcast",
		zap.String("type", kind), zap.String("group_id", mctx.GroupID), zap.String("rule_id", resp.RuleID))
	return nil
}

// simulatedAction stands in for a real integration by waiting and returning
// canned text.
func simulatedAction(latency time.Duration, text string) ActionFunc {
	return func(ctx context.Context, _ model.Response, _ model.Context) (string, error) {
		if latency <= 0 {
			return text, nil
		}
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
			return text, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
