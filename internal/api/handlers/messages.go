package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agentlisten/internal/model"
	"agentlisten/internal/service"
	"agentlisten/internal/storage/repos"
)

// ProcessMessage runs the rule engine inline and returns the responses it
// produced. Nothing is broadcast.
func (s *Server) ProcessMessage(w http.ResponseWriter, r *http.Request) {
	var req service.MessageInput
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	responses, err := s.App.ProcessMessage(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	if responses == nil {
		responses = []model.Response{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": responses}, nil)
}

// SubmitMessage queues a message for the dispatcher. A full queue answers
// 503 so producers can back off.
func (s *Server) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req service.MessageInput
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	id, err := s.App.SubmitMessage(r.Context(), req, nil)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id, "queued": true}, nil)
}

func (s *Server) ListInteractions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repos.InteractionFilter{
		AgentID: q.Get("agent_id"),
		Page:    parseInt(q.Get("page"), 1),
		PerPage: parseInt(q.Get("per_page"), 50),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be RFC3339")
			return
		}
		f.Since = since
	}
	list, total, err := s.App.ListInteractions(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": list}, &pagination{
		Page: f.Page, PerPage: f.PerPage, Total: total,
	})
}

func (s *Server) GroupHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	list, err := s.App.GroupHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	if list == nil {
		list = []model.GroupMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": list}, nil)
}

func (s *Server) RoomStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.App.Rooms.RoomStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": st}, nil)
}
