package repos

import (
	"context"
	"fmt"
	"slices"
	"time"

	"agentlisten/internal/model"
)

func (s *Store) AppendGroupMessage(ctx context.Context, m model.GroupMessage) (model.GroupMessage, error) {
	if m.GroupID == "" {
		return model.GroupMessage{}, fmt.Errorf("group message needs a group id")
	}
	if m.ID == "" {
		m.ID = newID()
	}
	if m.SenderType == "" {
		m.SenderType = model.SenderUser
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.nowUTC()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO group_messages (id, group_id, sender_id, sender_type, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.SenderID, string(m.SenderType), m.Content, m.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return model.GroupMessage{}, fmt.Errorf("insert group message: %w", err)
	}
	return m, nil
}

func (s *Store) DeleteGroupMessage(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, "DELETE FROM group_messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete group message: %w", err)
	}
	return nil
}

// RecentGroupMessages returns up to limit of the newest messages of a group,
// oldest first.
func (s *Store) RecentGroupMessages(ctx context.Context, groupID string, limit int) ([]model.GroupMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, group_id, sender_id, sender_type, content, created_at
FROM group_messages WHERE group_id = ?
ORDER BY created_at DESC, rowid DESC LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent group messages: %w", err)
	}
	defer rows.Close()

	var out []model.GroupMessage
	for rows.Next() {
		var (
			m              model.GroupMessage
			senderType, ts string
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &senderType, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.SenderType = model.SenderType(senderType)
		m.CreatedAt = parseTS(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) PruneGroupMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM group_messages WHERE created_at < ?", cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune group messages: %w", err)
	}
	return res.RowsAffected()
}
