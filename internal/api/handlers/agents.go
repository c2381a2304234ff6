package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentlisten/internal/model"
)

func (s *Server) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string            `json:"id"`
		Name        string            `json:"name"`
		Role        string            `json:"role"`
		Description string            `json:"description"`
		Status      model.AgentStatus `json:"status"`
		Metadata    map[string]any    `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	agent, err := s.App.CreateAgent(r.Context(), model.Agent{
		ID:          req.ID,
		Name:        req.Name,
		Role:        req.Role,
		Description: req.Description,
		Status:      req.Status,
		Metadata:    req.Metadata,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"agent": agent}, nil)
}

func (s *Server) ListAgents(w http.ResponseWriter, r *http.Request) {
	page := parseInt(r.URL.Query().Get("page"), 1)
	perPage := parseInt(r.URL.Query().Get("per_page"), 50)
	agents, total, err := s.App.ListAgents(r.Context(), r.URL.Query().Get("status"), page, perPage)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents}, &pagination{
		Page: page, PerPage: perPage, Total: total,
	})
}

func (s *Server) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.App.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent}, nil)
}

func (s *Server) UpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.AgentStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	agent, err := s.App.SetAgentStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent}, nil)
}

func (s *Server) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.App.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true}, nil)
}

func (s *Server) AgentRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.App.AgentRules(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	if list == nil {
		list = []model.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list}, nil)
}
