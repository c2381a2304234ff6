package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"agentlisten/internal/model"
)

type roomState struct {
	id      string
	members map[string]chan model.Payload
	dropped atomic.Int64
}

// MemoryBroker keeps rooms in process. A slow subscriber never blocks the
// sender: payloads that do not fit its buffer are counted and dropped.
type MemoryBroker struct {
	mu         sync.RWMutex
	rooms      map[string]*roomState
	bufferSize int
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemory(bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBroker{
		rooms:      map[string]*roomState{},
		bufferSize: bufferSize,
	}
}

func (b *MemoryBroker) Join(_ context.Context, memberID, groupID string) (<-chan model.Payload, error) {
	if memberID == "" || groupID == "" {
		return nil, fmt.Errorf("member id and group id are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[groupID]
	if !ok {
		r = &roomState{id: groupID, members: map[string]chan model.Payload{}}
		b.rooms[groupID] = r
	}
	if ch, ok := r.members[memberID]; ok {
		return ch, nil
	}
	ch := make(chan model.Payload, b.bufferSize)
	r.members[memberID] = ch
	return ch, nil
}

func (b *MemoryBroker) Leave(_ context.Context, memberID, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[groupID]
	if !ok {
		return nil
	}
	if ch, ok := r.members[memberID]; ok {
		close(ch)
		delete(r.members, memberID)
	}
	if len(r.members) == 0 {
		delete(b.rooms, groupID)
	}
	return nil
}

func (b *MemoryBroker) CloseRoom(_ context.Context, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[groupID]
	if !ok {
		return nil
	}
	for _, ch := range r.members {
		close(ch)
	}
	delete(b.rooms, groupID)
	return nil
}

func (b *MemoryBroker) SendToGroup(_ context.Context, groupID string, p model.Payload) error {
	if groupID == "" {
		return fmt.Errorf("missing group id")
	}
	// Held for the whole fan-out so Leave cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[groupID]
	if !ok {
		return nil
	}
	for _, ch := range r.members {
		select {
		case ch <- p:
		default:
			r.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBroker) RoomStats(_ context.Context, groupID string) (RoomStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[groupID]
	if !ok {
		return RoomStats{GroupID: groupID}, nil
	}
	buffered := 0
	for _, ch := range r.members {
		buffered += len(ch)
	}
	return RoomStats{
		GroupID:          groupID,
		Subscribers:      len(r.members),
		BufferedPayloads: buffered,
		DroppedPayloads:  r.dropped.Load(),
	}, nil
}
