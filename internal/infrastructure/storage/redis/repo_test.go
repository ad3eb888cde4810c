package redis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"posledger/internal/application/port"
	"posledger/internal/infrastructure/storage"
)

// 需要真实 Redis：REDIS_ADDR=localhost:6379 go test ./...
func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	prefix := "posledger-test:" + uuid.NewString()
	r := New(rdb, prefix, "")
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
		_ = rdb.Close()
	})
	return r
}

func op(id string) port.PendingOperation {
	return port.PendingOperation{
		ID:          id,
		Kind:        port.OpCreatePosition,
		PortfolioID: "main",
		EntityID:    "tmp-" + id,
		Payload:     json.RawMessage(`{"symbol":"AAPL"}`),
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		Status:      port.OpStatusQueued,
	}
}

func TestQueueOrderAndUpdate(t *testing.T) {
	r := newTestRepo(t)
	q := r.Queue()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Append(ctx, op(id)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if err := q.Append(ctx, op("b")); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("duplicate append err = %v", err)
	}

	b := op("b")
	b.RetryCount = 3
	b.Status = port.OpStatusFailed
	b.LastError = "timeout"
	if err := q.Update(ctx, b); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := q.Update(ctx, op("zzz")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
	if err := q.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ops, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "b" || ops[1].ID != "c" {
		t.Fatalf("unexpected order: %+v", ops)
	}
	if ops[0].RetryCount != 3 || ops[0].Status != port.OpStatusFailed || ops[0].LastError != "timeout" {
		t.Fatalf("update not persisted: %+v", ops[0])
	}
	if string(ops[0].Payload) != `{"symbol":"AAPL"}` {
		t.Fatalf("payload = %s", ops[0].Payload)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ops, _ = q.List(ctx)
	if len(ops) != 0 {
		t.Fatalf("expected empty queue, got %d", len(ops))
	}
}

func TestPublishSubscribe(t *testing.T) {
	r := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := r.Subscribe(ctx, "main")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := port.PushEvent{
		EntityKind:  port.EntityPosition,
		PortfolioID: "main",
		Record:      json.RawMessage(`{"id":"p1","current_price":12.5}`),
	}
	if err := r.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// 其他组合的事件不应收到
	other := ev
	other.PortfolioID = "other"
	if err := r.Publish(ctx, other); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	select {
	case got := <-events:
		if got.EntityKind != port.EntityPosition || got.PortfolioID != "main" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for push event")
	}

	n, err := r.Client().XLen(ctx, r.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 2 {
		t.Fatalf("stream length = %d, want 2", n)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected channel closed after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
