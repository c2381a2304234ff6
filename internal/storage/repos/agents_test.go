package repos

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"agentlisten/internal/config"
	"agentlisten/internal/engine"
	"agentlisten/internal/model"
	"agentlisten/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "repos-test.db")

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return New(db)
}

func TestCreateAgentRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.CreateAgent(ctx, model.Agent{Name: "Alpha"}); err != nil {
		t.Fatalf("create first agent: %v", err)
	}
	_, err := store.CreateAgent(ctx, model.Agent{Name: "alpha"})
	if !errors.Is(err, ErrAgentNameTaken) {
		t.Fatalf("expected ErrAgentNameTaken, got: %v", err)
	}
}

func TestAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a, err := store.CreateAgent(ctx, model.Agent{Name: "Helper", Role: "support"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if a.Status != model.AgentStatusOnline || a.ID == "" {
		t.Fatalf("unexpected defaults: %+v", a)
	}

	a, err = store.UpdateAgentStatus(ctx, a.ID, model.AgentStatusOffline)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	p, err := store.ResolveAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.IsAvailable {
		t.Fatal("offline agent reported available")
	}

	if _, err := store.UpdateAgentStatus(ctx, a.ID, "sleeping"); err == nil {
		t.Fatal("expected invalid status error")
	}
	if _, err := store.ResolveAgent(ctx, "missing"); !errors.Is(err, engine.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}

	agents, total, err := store.ListAgents(ctx, string(model.AgentStatusOffline), 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(agents) != 1 || agents[0].Name != "Helper" {
		t.Fatalf("unexpected list: %d %+v", total, agents)
	}
}

func TestUpsertAgentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a := model.Agent{ID: "agent-1", Name: "Bot"}
	if _, err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	a.Role = "greeter"
	got, err := store.UpsertAgent(ctx, a)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got.Role != "greeter" {
		t.Fatalf("role not updated: %+v", got)
	}
	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Agents != 1 {
		t.Fatalf("expected 1 agent, got %d", st.Agents)
	}
}
