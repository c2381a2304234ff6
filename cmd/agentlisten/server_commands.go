package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentlisten/internal/api"
	"agentlisten/internal/api/handlers"
	ws "agentlisten/internal/api/websocket"
	"agentlisten/internal/config"
	"agentlisten/internal/logging"
	mcpbridge "agentlisten/internal/mcp"
	"agentlisten/internal/ruleset"
	"agentlisten/internal/service"
	"agentlisten/internal/storage"
	"agentlisten/internal/storage/repos"
)

const shutdownTimeout = 10 * time.Second

func newInitCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and load the configured rules file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigMaybe(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := storage.OpenMigrated(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized at %s\n", filepath.Clean(cfg.Database.Path))
			if cfg.Rules.File == "" {
				return nil
			}
			res, err := ruleset.LoadAndApply(ctx, cfg.Rules.File, repos.New(db))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Loaded %d agents and %d rules from %s\n", res.Agents, res.Rules, cfg.Rules.File)
			return nil
		},
	}
}

func newServerCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the agentlisten server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigMaybe(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, closeApp, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp()

			srv := &http.Server{
				Addr:         config.Addr(cfg),
				Handler:      buildHandler(cfg, app, logger),
				ReadTimeout:  config.ReadTimeout(cfg),
				WriteTimeout: config.WriteTimeout(cfg),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return app.Run(gctx) })
			g.Go(func() error {
				logger.Info("listening", zap.String("addr", srv.Addr), zap.Bool("mcp_http", cfg.MCP.Enabled && cfg.MCP.HTTP.Enabled))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			err = g.Wait()
			logger.Info("server stopped")
			return err
		},
	}
}

func newMCPCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigMaybe(*cfgPath)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			logger, err := logging.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, closeApp, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp()

			runErr := make(chan error, 1)
			go func() { runErr <- app.Run(ctx) }()

			router := api.NewRouter(handlers.New(app, logger), ws.NewHub(app, logger), logger, "", nil)
			bridge := mcpbridge.New(mcpbridge.Options{Config: cfg, Router: router, Logger: logger.Named("mcp")})
			serveErr := bridge.ServeStdio()

			cancel()
			if err := <-runErr; err != nil {
				logger.Warn("app stopped with error", zap.Error(err))
			}
			return serveErr
		},
	}
}

// openApp opens the migrated database and builds the application on it.
// The returned func releases both.
func openApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*service.App, func(), error) {
	db, err := storage.OpenMigrated(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	app, err := service.New(ctx, cfg, repos.New(db), logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return app, func() {
		app.Close()
		_ = db.Close()
	}, nil
}

// buildHandler wires the REST and websocket routes and, when enabled, the
// streamable MCP endpoint. The bridge calls into a router of its own so the
// MCP route is not reachable from tool calls.
func buildHandler(cfg config.Config, app *service.App, logger *zap.Logger) http.Handler {
	server := handlers.New(app, logger)
	hub := ws.NewHub(app, logger)
	if !cfg.MCP.Enabled || !cfg.MCP.HTTP.Enabled {
		return api.NewRouter(server, hub, logger, "", nil)
	}
	inner := api.NewRouter(server, hub, logger, "", nil)
	bridge := mcpbridge.New(mcpbridge.Options{Config: cfg, Router: inner, Logger: logger.Named("mcp")})
	return api.NewRouter(server, hub, logger, cfg.MCP.HTTP.Path, bridge.HTTPHandler())
}
