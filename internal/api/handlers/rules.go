package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agentlisten/internal/model"
	"agentlisten/internal/storage/repos"
)

type ruleRequest struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	AgentID          string                 `json:"agent_id"`
	IsActive         *bool                  `json:"is_active"`
	Priority         int                    `json:"priority"`
	TriggerType      model.TriggerType      `json:"trigger_type"`
	TriggerCondition model.TriggerCondition `json:"trigger_condition"`
	ResponseType     model.ResponseType     `json:"response_type"`
	ResponseContent  model.ResponseContent  `json:"response_content"`
	ListenInGroups   *bool                  `json:"listen_in_groups"`
	ListenInDirect   *bool                  `json:"listen_in_direct"`
	AllowedGroups    []string               `json:"allowed_groups"`
	CooldownPeriod   int                    `json:"cooldown_period"`
}

func orTrue(b *bool) bool { return b == nil || *b }

func (req ruleRequest) rule() model.Rule {
	return model.Rule{
		Name:                  req.Name,
		Description:           req.Description,
		AgentID:               req.AgentID,
		IsActive:              orTrue(req.IsActive),
		Priority:              req.Priority,
		TriggerType:           req.TriggerType,
		TriggerCondition:      req.TriggerCondition,
		ResponseType:          req.ResponseType,
		ResponseContent:       req.ResponseContent,
		ListenInGroups:        orTrue(req.ListenInGroups),
		ListenInDirect:        orTrue(req.ListenInDirect),
		AllowedGroups:         req.AllowedGroups,
		CooldownPeriodSeconds: req.CooldownPeriod,
	}
}

func (s *Server) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	rule, err := s.App.CreateRule(r.Context(), req.rule())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rule": rule}, nil)
}

func (s *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repos.RuleFilter{
		AgentID: q.Get("agent_id"),
		Page:    parseInt(q.Get("page"), 1),
		PerPage: parseInt(q.Get("per_page"), 50),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "active must be a boolean")
			return
		}
		f.Active = &active
	}
	list, total, err := s.App.ListRules(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list}, &pagination{
		Page: f.Page, PerPage: f.PerPage, Total: total,
	})
}

func (s *Server) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.App.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": rule}, nil)
}

func (s *Server) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch repos.RulePatch
	if err := decodeJSON(r, &patch); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	rule, err := s.App.UpdateRule(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": rule}, nil)
}

func (s *Server) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.App.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true}, nil)
}

// TestRule evaluates one rule against a sample message. Trigger state only
// changes when apply is set.
func (s *Server) TestRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message any  `json:"message"`
		Apply   bool `json:"apply"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.Message == nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "message is required")
		return
	}
	res, err := s.App.TestRule(r.Context(), chi.URLParam(r, "id"), req.Message, req.Apply)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res, nil)
}
