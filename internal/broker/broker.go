package broker

import (
	"context"

	"agentlisten/internal/model"
)

type RoomStats struct {
	GroupID          string `json:"group_id"`
	Subscribers      int    `json:"subscribers"`
	BufferedPayloads int    `json:"buffered_payloads"`
	DroppedPayloads  int64  `json:"dropped_payloads"`
}

// Broadcaster is the delivery side of a room: fire and forget fan-out to
// every current subscriber of a group.
type Broadcaster interface {
	SendToGroup(ctx context.Context, groupID string, p model.Payload) error
}

// Broker is a Broadcaster that also manages local room membership.
type Broker interface {
	Broadcaster
	Join(ctx context.Context, memberID, groupID string) (<-chan model.Payload, error)
	Leave(ctx context.Context, memberID, groupID string) error
	CloseRoom(ctx context.Context, groupID string) error
	RoomStats(ctx context.Context, groupID string) (RoomStats, error)
}
