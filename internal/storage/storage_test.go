package storage

import (
	"context"
	"path/filepath"
	"testing"

	"agentlisten/internal/config"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "nested", "agentlisten.db")

	db, err := OpenMigrated(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	versions, err := Applied(ctx, db)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(versions) != 1 || versions[0] != "0001_init.sql" {
		t.Fatalf("unexpected versions: %v", versions)
	}
	for _, table := range []string{"agents", "rules", "interactions", "group_messages"} {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
