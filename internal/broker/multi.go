package broker

import (
	"context"
	"errors"

	"agentlisten/internal/model"
)

// Multi sends every payload to each target and joins their errors.
type Multi []Broadcaster

func (m Multi) SendToGroup(ctx context.Context, groupID string, p model.Payload) error {
	var errs []error
	for _, b := range m {
		if err := b.SendToGroup(ctx, groupID, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
