package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/application/port"
)

func newHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("portfolio"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBuildURL(t *testing.T) {
	u, err := buildURL("ws://localhost:8080/ws", "main")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?portfolio=main", u)

	_, err = buildURL("", "main")
	assert.Error(t, err)
	_, err = buildURL("ws://x", " ")
	assert.Error(t, err)
}

func TestClientReceivesPortfolioEvents(t *testing.T) {
	hub, url := newHubServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := NewClient(url).Subscribe(ctx, "main")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Count("main") == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, port.PushEvent{
		EntityKind:  port.EntityPosition,
		PortfolioID: "other",
		Record:      json.RawMessage(`{"id":"x"}`),
	}))
	require.NoError(t, hub.Publish(ctx, port.PushEvent{
		EntityKind:  port.EntityPosition,
		PortfolioID: "main",
		Record:      json.RawMessage(`{"id":"p1","current_price":150}`),
	}))

	select {
	case ev := <-events:
		assert.Equal(t, "main", ev.PortfolioID)
		assert.JSONEq(t, `{"id":"p1","current_price":150}`, string(ev.Record))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Eventually(t, func() bool { return hub.Count("main") == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestClientReconnects(t *testing.T) {
	hub, url := newHubServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient(url)
	c.SetRetryConfig(RetryConfig{InitialDel: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	events, err := c.Subscribe(ctx, "main")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Count("main") == 1 }, 3*time.Second, 10*time.Millisecond)

	// 服务端断开所有连接，客户端应自动重连
	hub.Close()
	require.Eventually(t, func() bool { return hub.Count("main") == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, port.PushEvent{
		EntityKind:  port.EntityPositionDeleted,
		PortfolioID: "main",
		Record:      json.RawMessage(`{"id":"p1"}`),
	}))
	select {
	case ev := <-events:
		assert.Equal(t, port.EntityPositionDeleted, ev.EntityKind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
}
