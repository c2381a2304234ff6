package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentlisten/internal/broker"
	"agentlisten/internal/config"
	"agentlisten/internal/dispatch"
	"agentlisten/internal/engine"
	"agentlisten/internal/maintenance"
	"agentlisten/internal/model"
	"agentlisten/internal/rules"
	"agentlisten/internal/ruleset"
	"agentlisten/internal/storage/redisstate"
	"agentlisten/internal/storage/repos"
)

var (
	ErrNotFound    = errors.New("not_found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation")
	ErrUnavailable = errors.New("unavailable")
)

// App wires the stores, the rule engine, the dispatcher and the room
// brokers together. API handlers, the websocket hub and the MCP bridge all
// go through it.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      *repos.Store
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Handlers   *dispatch.Handlers
	// Rooms holds the websocket subscribers of this process.
	Rooms       *broker.MemoryBroker
	Maintenance *maintenance.Scheduler

	rules   engine.RuleStore
	state   *redisstate.Store
	out     dispatch.Broadcaster
	nats    *broker.NATSBroadcaster
	redis   *redis.Client
	watcher *ruleset.Watcher
	started time.Time
}

// New builds the application on an opened, migrated store. Redis and NATS
// connections named in cfg are dialled here.
func New(ctx context.Context, cfg config.Config, store *repos.Store, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Rooms:   broker.NewMemory(cfg.Broadcast.ChannelBufferSize),
		rules:   store,
		started: time.Now().UTC(),
	}

	if cfg.State.Backend == "redis" {
		client, err := redisstate.Connect(ctx, cfg.State.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.state = redisstate.New(store, client, redisstate.Options{
			KeyPrefix: cfg.State.Redis.KeyPrefix,
			TTL:       config.StateTTL(cfg),
			Logger:    logger.Named("state"),
		})
		a.rules = a.state
	}

	var out broker.Broadcaster = a.Rooms
	if cfg.Broadcast.Mode == "nats" {
		n, err := broker.ConnectNATS(cfg.Broadcast.NATS.URL, cfg.Broadcast.NATS.SubjectPrefix, logger.Named("nats"))
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := n.Relay(a.Rooms); err != nil {
			_ = n.Close()
			a.Close()
			return nil, err
		}
		a.nats = n
		out = n
	}
	if cfg.Broadcast.PersistAgentMessages {
		out = broker.NewPersistent(out, store)
	}
	a.out = out

	evaluator := rules.NewEvaluator(logger.Named("rules"), nil, nil)
	evaluator.Regex = rules.NewRegexCache(config.RegexTimeout(cfg))
	a.Engine = engine.New(a.rules,
		engine.WithLogger(logger.Named("engine")),
		engine.WithEvaluator(evaluator),
		engine.WithHooks(engine.NewInteractionHook(store, store, logger.Named("interactions"))),
		engine.WithHighPriorityThreshold(cfg.Engine.HighPriorityThreshold),
	)

	a.Dispatcher = dispatch.New(a.Engine,
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithDirectory(store),
		dispatch.WithQueueSize(cfg.Dispatcher.QueueSize),
		dispatch.WithPollInterval(config.PollInterval(cfg)),
		dispatch.WithEnqueueTimeout(config.EnqueueTimeout(cfg)),
		dispatch.WithHandlerTimeout(config.HandlerTimeout(cfg)),
		dispatch.WithStopTimeout(config.StopTimeout(cfg)),
	)
	a.Handlers = dispatch.NewHandlers(out, logger.Named("handlers"), dispatch.HandlerOptions{
		SummarizeLatency: config.SummarizeLatency(cfg),
		SearchLatency:    config.SearchLatency(cfg),
	})
	if err := a.Handlers.Register(a.Dispatcher); err != nil {
		a.Close()
		return nil, err
	}

	a.Maintenance = maintenance.NewScheduler(store, maintenance.Retention{
		Interactions:  config.InteractionRetention(cfg),
		GroupMessages: config.HistoryRetention(cfg),
	}, logger.Named("maintenance"))
	if cfg.Maintenance.Enabled {
		if err := a.Maintenance.Register(cfg.Maintenance.Schedule); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Rules.File != "" {
		res, err := ruleset.LoadAndApply(ctx, cfg.Rules.File, store)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load rule file: %w", err)
		}
		logger.Info("rule file applied", zap.String("path", cfg.Rules.File),
			zap.Int("agents", res.Agents), zap.Int("rules", res.Rules))
		if cfg.Rules.Watch {
			a.watcher = ruleset.NewWatcher(cfg.Rules.File, store, logger.Named("ruleset"))
		}
	}
	return a, nil
}

// Run starts the dispatcher and the background jobs and blocks until ctx is
// cancelled or one of them fails. The dispatcher is drained on the way out.
func (a *App) Run(ctx context.Context) error {
	if err := a.Dispatcher.Start(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if a.Config.Maintenance.Enabled {
		g.Go(func() error { return a.Maintenance.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), config.StopTimeout(a.Config)+time.Second)
		defer cancel()
		return a.Dispatcher.Stop(stopCtx)
	})
	return g.Wait()
}

func (a *App) Close() {
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			a.Logger.Warn("close nats", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("close redis", zap.Error(err))
		}
	}
}

// classify maps store and engine errors onto the service sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrRuleNotFound), errors.Is(err, engine.ErrAgentNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, rules.ErrInvalidRule), errors.Is(err, engine.ErrMalformedMessage):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, repos.ErrAgentNameTaken):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrNotRunning):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Agents

func (a *App) CreateAgent(ctx context.Context, in model.Agent) (model.Agent, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return model.Agent{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if in.Status != "" && !in.Status.Valid() {
		return model.Agent{}, fmt.Errorf("%w: unknown status %q", ErrValidation, in.Status)
	}
	agent, err := a.Store.CreateAgent(ctx, in)
	return agent, classify(err)
}

func (a *App) ListAgents(ctx context.Context, status string, page, perPage int) ([]model.Agent, int, error) {
	return a.Store.ListAgents(ctx, status, page, perPage)
}

func (a *App) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	agent, err := a.Store.GetAgent(ctx, id)
	return agent, classify(err)
}

func (a *App) SetAgentStatus(ctx context.Context, id string, status model.AgentStatus) (model.Agent, error) {
	if !status.Valid() {
		return model.Agent{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	agent, err := a.Store.UpdateAgentStatus(ctx, id, status)
	return agent, classify(err)
}

func (a *App) DeleteAgent(ctx context.Context, id string) error {
	return classify(a.Store.DeleteAgent(ctx, id))
}

// Rules

func (a *App) CreateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	r.ID = ""
	rule, err := a.Store.CreateRule(ctx, r)
	return rule, classify(err)
}

func (a *App) ListRules(ctx context.Context, f repos.RuleFilter) ([]model.Rule, int, error) {
	list, total, err := a.Store.ListRules(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	if a.state != nil {
		list, err = a.state.Overlay(ctx, list)
	}
	return list, total, err
}

func (a *App) GetRule(ctx context.Context, id string) (model.Rule, error) {
	rule, err := a.rules.GetRule(ctx, id)
	return rule, classify(err)
}

func (a *App) UpdateRule(ctx context.Context, id string, patch repos.RulePatch) (model.Rule, error) {
	if _, err := a.Store.UpdateRule(ctx, id, patch); err != nil {
		return model.Rule{}, classify(err)
	}
	return a.GetRule(ctx, id)
}

func (a *App) DeleteRule(ctx context.Context, id string) error {
	return classify(a.Store.DeleteRule(ctx, id))
}

func (a *App) AgentRules(ctx context.Context, agentID string) ([]model.Rule, error) {
	if _, err := a.Store.GetAgent(ctx, agentID); err != nil {
		return nil, classify(err)
	}
	return a.Engine.AgentRules(ctx, agentID)
}

func (a *App) TestRule(ctx context.Context, id string, raw any, apply bool) (engine.TestResult, error) {
	res, err := a.Engine.TestRule(ctx, id, raw, apply)
	return res, classify(err)
}

// Messages

// MessageInput is an inbound chat message as accepted by the REST and
// websocket transports.
type MessageInput struct {
	ID       string   `json:"id"`
	GroupID  string   `json:"group_id"`
	Sender   string   `json:"sender"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions"`
}

func (in MessageInput) raw() map[string]any {
	m := map[string]any{"content": in.Content}
	if len(in.Mentions) > 0 {
		mentions := make([]any, len(in.Mentions))
		for i, v := range in.Mentions {
			mentions[i] = v
		}
		m["mentions"] = mentions
	}
	return m
}

// BuildContext returns the routing context of in with the group's recent
// history attached. History is read before in itself is recorded.
func (a *App) BuildContext(ctx context.Context, in MessageInput) (model.Context, error) {
	mctx := model.Context{GroupID: in.GroupID, Sender: in.Sender, MessageID: in.ID}
	if in.GroupID == "" || a.Config.Engine.HistoryWindow <= 0 {
		return mctx, nil
	}
	recent, err := a.Store.RecentGroupMessages(ctx, in.GroupID, a.Config.Engine.HistoryWindow)
	if err != nil {
		return mctx, err
	}
	history := make([]model.Message, 0, len(recent))
	for _, m := range recent {
		history = append(history, m.AsMessage())
	}
	mctx.MessageHistory = map[string][]model.Message{in.GroupID: history}
	return mctx, nil
}

// ProcessMessage runs the engine synchronously and returns the responses
// without delivering them.
func (a *App) ProcessMessage(ctx context.Context, in MessageInput) ([]model.Response, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	mctx, err := a.BuildContext(ctx, in)
	if err != nil {
		return nil, err
	}
	responses, err := a.Engine.ProcessMessage(ctx, in.raw(), mctx)
	return responses, classify(err)
}

// SubmitMessage records a group message in history and queues it for
// asynchronous processing. The returned id identifies the message. A message
// the dispatcher refuses is removed from history again.
func (a *App) SubmitMessage(ctx context.Context, in MessageInput, cb dispatch.Callback) (string, error) {
	if strings.TrimSpace(in.Content) == "" {
		return "", fmt.Errorf("%w: content is required", ErrValidation)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	mctx, err := a.BuildContext(ctx, in)
	if err != nil {
		return "", err
	}
	if in.GroupID != "" {
		if _, err := a.Store.AppendGroupMessage(ctx, model.GroupMessage{
			ID:         in.ID,
			GroupID:    in.GroupID,
			SenderID:   in.Sender,
			SenderType: model.SenderUser,
			Content:    in.Content,
		}); err != nil {
			return "", err
		}
	}
	if err := a.Dispatcher.Enqueue(ctx, in.raw(), mctx, cb); err != nil {
		if in.GroupID != "" {
			if derr := a.Store.DeleteGroupMessage(context.WithoutCancel(ctx), in.ID); derr != nil {
				a.Logger.Warn("rejected message left in history",
					zap.String("message_id", in.ID), zap.String("group_id", in.GroupID), zap.Error(derr))
			}
		}
		return "", classify(err)
	}
	return in.ID, nil
}

func (a *App) GroupHistory(ctx context.Context, groupID string, limit int) ([]model.GroupMessage, error) {
	return a.Store.RecentGroupMessages(ctx, groupID, limit)
}

func (a *App) ListInteractions(ctx context.Context, f repos.InteractionFilter) ([]model.Interaction, int, error) {
	return a.Store.ListInteractions(ctx, f)
}

// Admin

type Stats struct {
	StartedAt   time.Time          `json:"started_at"`
	Engine      engine.Stats       `json:"engine"`
	Dispatcher  dispatch.Stats     `json:"dispatcher"`
	Store       repos.Stats        `json:"store"`
	Maintenance maintenance.Report `json:"last_maintenance"`
	Broadcast   string             `json:"broadcast_mode"`
	State       string             `json:"state_backend"`
	NATSUp      *bool              `json:"nats_connected,omitempty"`
}

func (a *App) Stats(ctx context.Context) (Stats, error) {
	st, err := a.Store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	last, _ := a.Maintenance.Last()
	out := Stats{
		StartedAt:   a.started,
		Engine:      a.Engine.Stats(),
		Dispatcher:  a.Dispatcher.Stats(),
		Store:       st,
		Maintenance: last,
		Broadcast:   a.Config.Broadcast.Mode,
		State:       a.Config.State.Backend,
	}
	if a.nats != nil {
		up := a.nats.Connected()
		out.NATSUp = &up
	}
	return out, nil
}

func (a *App) Prune(ctx context.Context) (maintenance.Report, error) {
	return a.Maintenance.RunOnce(ctx)
}
