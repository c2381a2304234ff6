package repos

import (
	"context"
	"fmt"
	"time"

	"agentlisten/internal/engine"
	"agentlisten/internal/model"
)

var (
	_ engine.RecordStore    = (*Store)(nil)
	_ engine.AgentDirectory = (*Store)(nil)
)

type InteractionFilter struct {
	AgentID string // initiator or receiver
	Since   time.Time
	Page    int
	PerPage int
}

func (s *Store) RecordInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error) {
	if in.ID == "" {
		in.ID = newID()
	}
	if in.Type == "" {
		in.Type = model.InteractionMessage
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = s.nowUTC()
	}
	in.Timestamp = in.Timestamp.UTC()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO interactions (id, initiator_id, receiver_id, type, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.InitiatorID, in.ReceiverID, string(in.Type), toJSON(in.Content), in.Timestamp.Format(timeFormat),
	)
	if err != nil {
		return model.Interaction{}, fmt.Errorf("insert interaction: %w", err)
	}
	return in, nil
}

func (s *Store) ListInteractions(ctx context.Context, f InteractionFilter) ([]model.Interaction, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if f.AgentID != "" {
		where += " AND (initiator_id = ? OR receiver_id = ?)"
		args = append(args, f.AgentID, f.AgentID)
	}
	if !f.Since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(timeFormat))
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM interactions "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := page(f.Page, f.PerPage)
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, initiator_id, receiver_id, type, content, created_at
FROM interactions `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		var (
			in                model.Interaction
			kind, content, ts string
		)
		if err := rows.Scan(&in.ID, &in.InitiatorID, &in.ReceiverID, &kind, &content, &ts); err != nil {
			return nil, 0, err
		}
		in.Type = model.InteractionType(kind)
		in.Content = fromJSON[model.InteractionContent](content)
		in.Timestamp = parseTS(ts)
		out = append(out, in)
	}
	return out, total, rows.Err()
}

// PruneInteractions deletes interactions recorded before cutoff and returns
// how many were removed.
func (s *Store) PruneInteractions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM interactions WHERE created_at < ?", cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune interactions: %w", err)
	}
	return res.RowsAffected()
}
