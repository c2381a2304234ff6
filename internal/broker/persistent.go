package broker

import (
	"context"
	"fmt"

	"agentlisten/internal/model"
)

// HistoryRecorder appends an entry to a group's chat history.
type HistoryRecorder interface {
	AppendGroupMessage(ctx context.Context, msg model.GroupMessage) (model.GroupMessage, error)
}

// PersistentBroker writes agent chat payloads into group history before
// fanning them out, so later context windows include agent replies.
type PersistentBroker struct {
	base     Broadcaster
	recorder HistoryRecorder
}

func NewPersistent(base Broadcaster, recorder HistoryRecorder) *PersistentBroker {
	return &PersistentBroker{base: base, recorder: recorder}
}

func (p *PersistentBroker) SendToGroup(ctx context.Context, groupID string, payload model.Payload) error {
	if p.recorder != nil && payload.Type == "agent.message" {
		text, _ := payload.Message.Payload["text"].(string)
		_, err := p.recorder.AppendGroupMessage(ctx, model.GroupMessage{
			GroupID:    groupID,
			SenderID:   payload.Message.Sender.ID,
			SenderType: model.SenderAgent,
			Content:    text,
			CreatedAt:  payload.Message.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("record agent message: %w", err)
		}
	}
	return p.base.SendToGroup(ctx, groupID, payload)
}
