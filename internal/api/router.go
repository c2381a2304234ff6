package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"agentlisten/internal/api/handlers"
	apimw "agentlisten/internal/api/middleware"
	ws "agentlisten/internal/api/websocket"
)

// NewRouter mounts the REST surface, the chat socket and, when mcp is not
// nil, the streamable MCP endpoint at mcpPath.
func NewRouter(server *handlers.Server, hub *ws.Hub, logger *zap.Logger, mcpPath string, mcp http.Handler) http.Handler {
	cfg := server.App.Config
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(apimw.Logging(logger))

	r.Get("/healthz", server.Health)
	if mcp != nil {
		r.Handle(mcpPath, mcp)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/ws", hub.ServeWS)

		api.Group(func(limited chi.Router) {
			limited.Use(apimw.NewRateLimiter(cfg.Server.RateLimit.PerMinute, cfg.Server.RateLimit.Burst).Middleware)

			// Agents
			limited.Post("/agents", server.CreateAgent)
			limited.Get("/agents", server.ListAgents)
			limited.Get("/agents/{id}", server.GetAgent)
			limited.Patch("/agents/{id}/status", server.UpdateAgentStatus)
			limited.Delete("/agents/{id}", server.DeleteAgent)
			limited.Get("/agents/{id}/rules", server.AgentRules)

			// Rules
			limited.Post("/rules", server.CreateRule)
			limited.Get("/rules", server.ListRules)
			limited.Get("/rules/{id}", server.GetRule)
			limited.Patch("/rules/{id}", server.UpdateRule)
			limited.Delete("/rules/{id}", server.DeleteRule)
			limited.Post("/rules/{id}/test", server.TestRule)

			// Messages
			limited.Post("/messages/process", server.ProcessMessage)
			limited.Post("/messages", server.SubmitMessage)
			limited.Get("/interactions", server.ListInteractions)
			limited.Get("/groups/{id}/history", server.GroupHistory)
			limited.Get("/groups/{id}/room", server.RoomStats)

			// Admin
			limited.Get("/admin/stats", server.AdminStats)
			limited.Get("/admin/config", server.AdminConfig)
			limited.Post("/admin/maintenance/prune", server.AdminPrune)
		})
	})

	return r
}
