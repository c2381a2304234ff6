package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"agentlisten/internal/model"
)

// MatchEvent describes one response produced by a rule.
type MatchEvent struct {
	Rule     model.Rule
	Message  model.Message
	Response model.Response
}

// MatchHook observes produced responses. Hook failures are logged and never
// affect the engine's result.
type MatchHook interface {
	OnMatch(ctx context.Context, ev MatchEvent) error
}

type MatchHookFunc func(ctx context.Context, ev MatchEvent) error

func (f MatchHookFunc) OnMatch(ctx context.Context, ev MatchEvent) error { return f(ctx, ev) }

// InteractionHook records a message interaction when the sender resolves to
// a known agent.
type InteractionHook struct {
	Directory AgentDirectory
	Records   RecordStore
	Logger    *zap.Logger
}

func NewInteractionHook(dir AgentDirectory, records RecordStore, logger *zap.Logger) *InteractionHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InteractionHook{Directory: dir, Records: records, Logger: logger}
}

func (h *InteractionHook) OnMatch(ctx context.Context, ev MatchEvent) error {
	if ev.Message.Sender == "" || h.Directory == nil || h.Records == nil {
		return nil
	}
	sender, err := h.Directory.ResolveAgent(ctx, ev.Message.Sender)
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve sender %s: %w", ev.Message.Sender, err)
	}
	_, err = h.Records.RecordInteraction(ctx, model.Interaction{
		InitiatorID: sender.ID,
		ReceiverID:  ev.Rule.AgentID,
		Type:        model.InteractionMessage,
		Content: model.InteractionContent{
			UserMessage:   ev.Message.Content,
			AgentResponse: ev.Response.Content,
		},
		Timestamp: ev.Response.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	h.Logger.Debug("interaction recorded",
		zap.String("initiator_id", sender.ID), zap.String("receiver_id", ev.Rule.AgentID))
	return nil
}
