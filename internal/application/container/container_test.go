package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"posledger/internal/application/optimistic"
	"posledger/internal/infrastructure/config"
	"posledger/internal/infrastructure/connectivity"
	infracontainer "posledger/internal/infrastructure/container"
	"posledger/internal/infrastructure/storage"
)

func TestContainerWithSQLite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.SQLite.Enabled = true
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "test_container.db")

	c, err := infracontainer.New(cfg)
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	defer c.Close()

	if c.SQLiteRepo() == nil {
		t.Errorf("expected SQLiteRepo, got nil")
	}
	if c.RedisRepo() != nil {
		t.Errorf("redis disabled, expected nil repo")
	}
}

func TestContainerServiceWorkflow(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.SQLite.Enabled = true
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "test_workflow.db")

	infra, err := infracontainer.New(cfg)
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	defer infra.Close()

	conn := connectivity.NewSignal(false)
	app := New(Deps{
		Store: storage.NewMemoryStore(),
		Queue: infra.SQLiteRepo().Queue(),
		Conn:  conn,
	})
	defer app.Close()

	if app.PositionService() != app.PositionService() {
		t.Fatalf("expected PositionService to be built once")
	}
	if app.Optimistic().Cache() != app.Cache() {
		t.Fatalf("optimistic manager must share the container cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Sync().Start(ctx); err != nil {
		t.Fatalf("start sync: %v", err)
	}

	svc := app.PositionService()
	res, err := svc.Buy(ctx, "main", "BTC", 1.5, 40000, time.Time{})
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if res.State != optimistic.StateQueued {
		t.Fatalf("expected queued buy while offline, got %s", res.State)
	}

	pending, err := svc.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 persisted op, got %d", len(pending))
	}

	positions, err := svc.Positions(ctx, "main")
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if len(positions) != 1 {
		t.Errorf("expected 1 position, got %d", len(positions))
	}
}
