package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentlisten/internal/engine"
	"agentlisten/internal/model"
	"agentlisten/internal/rules"
)

var _ engine.RuleStore = (*Store)(nil)

const ruleSelect = `
SELECT r.id, r.name, r.description, r.agent_id, a.name, r.is_active, r.priority,
       r.trigger_type, r.trigger_condition, r.response_type, r.response_content,
       r.listen_in_groups, r.listen_in_direct, r.allowed_groups, r.cooldown_period,
       r.last_triggered_at, r.trigger_count, r.created_at, r.updated_at
FROM rules r JOIN agents a ON a.id = r.agent_id`

const ruleOrder = ` ORDER BY r.priority ASC, r.id ASC`

type RuleFilter struct {
	AgentID string
	Active  *bool
	Page    int
	PerPage int
}

// RulePatch carries the fields UpdateRule changes. Nil fields are left alone.
type RulePatch struct {
	Name                  *string                 `json:"name"`
	Description           *string                 `json:"description"`
	IsActive              *bool                   `json:"is_active"`
	Priority              *int                    `json:"priority"`
	TriggerType           *model.TriggerType      `json:"trigger_type"`
	TriggerCondition      *model.TriggerCondition `json:"trigger_condition"`
	ResponseType          *model.ResponseType     `json:"response_type"`
	ResponseContent       *model.ResponseContent  `json:"response_content"`
	ListenInGroups        *bool                   `json:"listen_in_groups"`
	ListenInDirect        *bool                   `json:"listen_in_direct"`
	AllowedGroups         []string                `json:"allowed_groups"`
	CooldownPeriodSeconds *int                    `json:"cooldown_period"`
}

func (p RulePatch) apply(r model.Rule) model.Rule {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.TriggerType != nil {
		r.TriggerType = *p.TriggerType
	}
	if p.TriggerCondition != nil {
		r.TriggerCondition = *p.TriggerCondition
	}
	if p.ResponseType != nil {
		r.ResponseType = *p.ResponseType
	}
	if p.ResponseContent != nil {
		r.ResponseContent = *p.ResponseContent
	}
	if p.ListenInGroups != nil {
		r.ListenInGroups = *p.ListenInGroups
	}
	if p.ListenInDirect != nil {
		r.ListenInDirect = *p.ListenInDirect
	}
	if p.AllowedGroups != nil {
		r.AllowedGroups = p.AllowedGroups
	}
	if p.CooldownPeriodSeconds != nil {
		r.CooldownPeriodSeconds = *p.CooldownPeriodSeconds
	}
	return r
}

func (s *Store) CreateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if err := rules.Validate(r); err != nil {
		return model.Rule{}, err
	}
	if _, err := s.GetAgent(ctx, r.AgentID); err != nil {
		return model.Rule{}, err
	}
	now := s.nowUTC().Format(timeFormat)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO rules (id, name, description, agent_id, is_active, priority, trigger_type, trigger_condition,
  response_type, response_content, listen_in_groups, listen_in_direct, allowed_groups, cooldown_period,
  created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, r.AgentID, boolInt(r.IsActive), r.Priority,
		string(r.TriggerType), toJSON(r.TriggerCondition), string(r.ResponseType), toJSON(r.ResponseContent),
		boolInt(r.ListenInGroups), boolInt(r.ListenInDirect), allowedGroupsJSON(r.AllowedGroups),
		r.CooldownPeriodSeconds, now, now,
	)
	if err != nil {
		return model.Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	return s.GetRule(ctx, r.ID)
}

// UpsertRule writes the rule definition, keeping trigger state and creation
// time of an existing row.
func (s *Store) UpsertRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if r.ID == "" {
		return s.CreateRule(ctx, r)
	}
	if err := rules.Validate(r); err != nil {
		return model.Rule{}, err
	}
	now := s.nowUTC().Format(timeFormat)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO rules (id, name, description, agent_id, is_active, priority, trigger_type, trigger_condition,
  response_type, response_content, listen_in_groups, listen_in_direct, allowed_groups, cooldown_period,
  created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  description = excluded.description,
  agent_id = excluded.agent_id,
  is_active = excluded.is_active,
  priority = excluded.priority,
  trigger_type = excluded.trigger_type,
  trigger_condition = excluded.trigger_condition,
  response_type = excluded.response_type,
  response_content = excluded.response_content,
  listen_in_groups = excluded.listen_in_groups,
  listen_in_direct = excluded.listen_in_direct,
  allowed_groups = excluded.allowed_groups,
  cooldown_period = excluded.cooldown_period,
  updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Description, r.AgentID, boolInt(r.IsActive), r.Priority,
		string(r.TriggerType), toJSON(r.TriggerCondition), string(r.ResponseType), toJSON(r.ResponseContent),
		boolInt(r.ListenInGroups), boolInt(r.ListenInDirect), allowedGroupsJSON(r.AllowedGroups),
		r.CooldownPeriodSeconds, now, now,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return model.Rule{}, fmt.Errorf("%w: %s", engine.ErrAgentNotFound, r.AgentID)
		}
		return model.Rule{}, fmt.Errorf("upsert rule: %w", err)
	}
	return s.GetRule(ctx, r.ID)
}

func (s *Store) GetRule(ctx context.Context, id string) (model.Rule, error) {
	row := s.DB.QueryRowContext(ctx, ruleSelect+` WHERE r.id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Rule{}, fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	return r, err
}

func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]model.Rule, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.AgentID != "" {
		where += " AND r.agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Active != nil {
		where += " AND r.is_active = ?"
		args = append(args, boolInt(*f.Active))
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules r"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := page(f.Page, f.PerPage)
	out, err := s.queryRules(ctx, ruleSelect+where+ruleOrder+" LIMIT ? OFFSET ?", append(args, limit, offset)...)
	return out, total, err
}

func (s *Store) UpdateRule(ctx context.Context, id string, patch RulePatch) (model.Rule, error) {
	current, err := s.GetRule(ctx, id)
	if err != nil {
		return model.Rule{}, err
	}
	next := patch.apply(current)
	if err := rules.Validate(next); err != nil {
		return model.Rule{}, err
	}

	set := []string{}
	args := []any{}
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if patch.Name != nil {
		add("name", next.Name)
	}
	if patch.Description != nil {
		add("description", next.Description)
	}
	if patch.IsActive != nil {
		add("is_active", boolInt(next.IsActive))
	}
	if patch.Priority != nil {
		add("priority", next.Priority)
	}
	if patch.TriggerType != nil {
		add("trigger_type", string(next.TriggerType))
	}
	if patch.TriggerCondition != nil {
		add("trigger_condition", toJSON(next.TriggerCondition))
	}
	if patch.ResponseType != nil {
		add("response_type", string(next.ResponseType))
	}
	if patch.ResponseContent != nil {
		add("response_content", toJSON(next.ResponseContent))
	}
	if patch.ListenInGroups != nil {
		add("listen_in_groups", boolInt(next.ListenInGroups))
	}
	if patch.ListenInDirect != nil {
		add("listen_in_direct", boolInt(next.ListenInDirect))
	}
	if patch.AllowedGroups != nil {
		add("allowed_groups", allowedGroupsJSON(next.AllowedGroups))
	}
	if patch.CooldownPeriodSeconds != nil {
		add("cooldown_period", next.CooldownPeriodSeconds)
	}
	if len(set) == 0 {
		return current, nil
	}
	add("updated_at", s.nowUTC().Format(timeFormat))
	args = append(args, id)
	if _, err := s.DB.ExecContext(ctx, "UPDATE rules SET "+strings.Join(set, ", ")+" WHERE id = ?", args...); err != nil {
		return model.Rule{}, fmt.Errorf("update rule: %w", err)
	}
	return s.GetRule(ctx, id)
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	return nil
}

func (s *Store) AgentRules(ctx context.Context, agentID string) ([]model.Rule, error) {
	return s.queryRules(ctx, ruleSelect+` WHERE r.agent_id = ?`+ruleOrder, agentID)
}

// FindCandidateRules narrows the active rules in SQL by scope and the
// mention union, then applies engine.Selects for the exact agent match.
func (s *Store) FindCandidateRules(ctx context.Context, msg model.Message) ([]model.Rule, error) {
	query := ruleSelect + `
WHERE r.is_active = 1 AND (
  (? = '' AND r.listen_in_direct = 1)
  OR (? <> '' AND r.listen_in_groups = 1 AND (
        json_array_length(r.allowed_groups) = 0
        OR EXISTS (SELECT 1 FROM json_each(r.allowed_groups) g WHERE g.value = ?)))
  OR (r.trigger_type = 'mention' AND ? > 0)
)` + ruleOrder
	rows, err := s.queryRules(ctx, query, msg.GroupID, msg.GroupID, msg.GroupID, len(msg.Mentions))
	if err != nil {
		return nil, fmt.Errorf("find candidate rules: %w", err)
	}
	return engine.FilterCandidates(rows, msg), nil
}

// PersistRuleState commits one firing. The counter is incremented in SQL so
// concurrent writers never lose an increment.
func (s *Store) PersistRuleState(ctx context.Context, rule model.Rule) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE rules SET trigger_count = trigger_count + 1, last_triggered_at = ? WHERE id = ?`,
		formatTSPtr(rule.LastTriggeredAt), rule.ID)
	if err != nil {
		return fmt.Errorf("persist rule state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrRuleNotFound, rule.ID)
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]model.Rule, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func allowedGroupsJSON(groups []string) string {
	if groups == nil {
		groups = []string{}
	}
	return toJSON(groups)
}

func scanRule(sc scanner) (model.Rule, error) {
	var (
		r                          model.Rule
		triggerType, responseType  string
		cond, content, allowed     string
		active, inGroups, inDirect int
		lastTriggered              sql.NullString
		createdAt, updatedAt       string
	)
	if err := sc.Scan(
		&r.ID, &r.Name, &r.Description, &r.AgentID, &r.AgentName, &active, &r.Priority,
		&triggerType, &cond, &responseType, &content,
		&inGroups, &inDirect, &allowed, &r.CooldownPeriodSeconds,
		&lastTriggered, &r.TriggerCount, &createdAt, &updatedAt,
	); err != nil {
		return model.Rule{}, err
	}
	r.IsActive = active == 1
	r.ListenInGroups = inGroups == 1
	r.ListenInDirect = inDirect == 1
	r.TriggerType = model.TriggerType(triggerType)
	r.ResponseType = model.ResponseType(responseType)
	r.TriggerCondition = fromJSON[model.TriggerCondition](cond)
	r.ResponseContent = fromJSON[model.ResponseContent](content)
	r.AllowedGroups = fromJSON[[]string](allowed)
	r.LastTriggeredAt = parseTSPtr(lastTriggered)
	r.CreatedAt = parseTS(createdAt)
	r.UpdatedAt = parseTS(updatedAt)
	return r, nil
}
