package handlers

import (
	"net/http"
)

func (s *Server) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.App.Stats(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats}, nil)
}

func (s *Server) AdminConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.App.Config
	cfg.State.Redis.URL = ""
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg}, nil)
}

// AdminPrune runs the retention job immediately.
func (s *Server) AdminPrune(w http.ResponseWriter, r *http.Request) {
	report, err := s.App.Prune(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report}, nil)
}
