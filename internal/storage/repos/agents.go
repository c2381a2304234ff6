package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentlisten/internal/engine"
	"agentlisten/internal/model"
)

var ErrAgentNameTaken = errors.New("agent name already taken")

const agentColumns = `id, name, role, description, status, metadata, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if strings.TrimSpace(a.Name) == "" {
		return model.Agent{}, errors.New("agent name is required")
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Status == "" {
		a.Status = model.AgentStatusOnline
	}
	if !a.Status.Valid() {
		return model.Agent{}, fmt.Errorf("invalid agent status %q", a.Status)
	}
	now := s.nowUTC().Format(timeFormat)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agents (`+agentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Role, a.Description, string(a.Status), toJSON(a.Metadata), now, now,
	)
	if isUniqueViolation(err) {
		return model.Agent{}, fmt.Errorf("%w: %s", ErrAgentNameTaken, a.Name)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

// UpsertAgent inserts the agent or overwrites the stored one with the same
// id. Rule files use it to declare agents idempotently.
func (s *Store) UpsertAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == "" {
		return s.CreateAgent(ctx, a)
	}
	if a.Status == "" {
		a.Status = model.AgentStatusOnline
	}
	now := s.nowUTC().Format(timeFormat)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agents (`+agentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  role = excluded.role,
  description = excluded.description,
  status = excluded.status,
  metadata = excluded.metadata,
  updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Role, a.Description, string(a.Status), toJSON(a.Metadata), now, now,
	)
	if isUniqueViolation(err) {
		return model.Agent{}, fmt.Errorf("%w: %s", ErrAgentNameTaken, a.Name)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return s.GetAgent(ctx, a.ID)
}

func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, fmt.Errorf("%w: %s", engine.ErrAgentNotFound, id)
	}
	return a, err
}

func (s *Store) ListAgents(ctx context.Context, status string, pageNum, perPage int) ([]model.Agent, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := page(pageNum, perPage)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents `+where+` ORDER BY name COLLATE NOCASE LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status model.AgentStatus) (model.Agent, error) {
	if !status.Valid() {
		return model.Agent{}, fmt.Errorf("invalid agent status %q", status)
	}
	res, err := s.DB.ExecContext(ctx, "UPDATE agents SET status = ?, updated_at = ? WHERE id = ?",
		string(status), s.nowUTC().Format(timeFormat), id)
	if err != nil {
		return model.Agent{}, fmt.Errorf("update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Agent{}, fmt.Errorf("%w: %s", engine.ErrAgentNotFound, id)
	}
	return s.GetAgent(ctx, id)
}

// DeleteAgent removes the agent and, through the foreign key, its rules.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrAgentNotFound, id)
	}
	return nil
}

func (s *Store) ResolveAgent(ctx context.Context, id string) (model.AgentProfile, error) {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return model.AgentProfile{}, err
	}
	return a.Profile(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (model.Agent, error) {
	var (
		a                    model.Agent
		status, meta         string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&a.ID, &a.Name, &a.Role, &a.Description, &status, &meta, &createdAt, &updatedAt); err != nil {
		return model.Agent{}, err
	}
	a.Status = model.AgentStatus(status)
	a.Metadata = fromJSON[map[string]any](meta)
	a.CreatedAt = parseTS(createdAt)
	a.UpdatedAt = parseTS(updatedAt)
	return a, nil
}
