package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"agentlisten/internal/service"
)

type Server struct {
	App    *service.App
	Logger *zap.Logger
}

func New(app *service.App, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{App: app, Logger: logger}
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"dispatcher": s.App.Dispatcher.Running(),
		"broadcast":  s.App.Config.Broadcast.Mode,
	}, nil)
}
