package svc

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"posledger/internal/application/optimistic"
	"posledger/internal/infrastructure/config"
	"posledger/internal/infrastructure/storage"
	"posledger/internal/interfaces/httpapi"
)

func TestNewRequiresStore(t *testing.T) {
	cfg, err := config.Parse(`
[sync]
queue = "memory"
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrNoStoreConfigured) {
		t.Fatalf("expected ErrNoStoreConfigured, got %v", err)
	}
}

func TestServiceContextAgainstServer(t *testing.T) {
	srv := httptest.NewServer(httpapi.Setup(&httpapi.Config{Store: storage.NewMemoryStore()}))
	defer srv.Close()

	cfg, err := config.Parse(`
[app]
portfolios = ["main"]

[store]
base_url = "` + srv.URL + `"

[sync]
queue = "sqlite"

[storage.sqlite]
enabled = true
path = "` + filepath.ToSlash(filepath.Join(t.TempDir(), "client.db")) + `"
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new service context: %v", err)
	}
	defer sc.Close()

	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()

	svc := sc.PositionService()
	res, err := svc.Buy(ctx, "main", "AAPL", 10, 100, time.Time{})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.State != optimistic.StateConfirmed {
		t.Fatalf("expected confirmed online buy, got %s", res.State)
	}

	list, err := svc.Positions(ctx, "main")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(list) != 1 || list[0].Symbol != "AAPL" {
		t.Fatalf("unexpected positions: %+v", list)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}
