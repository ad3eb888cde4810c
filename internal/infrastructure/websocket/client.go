// Package websocket 推送通道的 WebSocket 实现：客户端自动重连订阅，服务端按组合广播
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"posledger/internal/application/port"
)

// RetryConfig WebSocket 重连退避配置
type RetryConfig struct {
	InitialDel time.Duration // 初始延迟
	MaxDelay   time.Duration // 最大延迟
}

// DefaultRetryConfig 默认重连配置
var DefaultRetryConfig = RetryConfig{
	InitialDel: 500 * time.Millisecond,
	MaxDelay:   10 * time.Second,
}

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 5 * time.Second
)

// Client 订阅服务端推送；断线后按指数退避重连，直到 ctx 取消
type Client struct {
	wsURL string // e.g. ws://localhost:8080/ws
	retry RetryConfig
}

func NewClient(wsURL string) *Client {
	return &Client{wsURL: strings.TrimSpace(wsURL), retry: DefaultRetryConfig}
}

// SetRetryConfig 设置重连配置
func (c *Client) SetRetryConfig(cfg RetryConfig) {
	c.retry = cfg
}

func (c *Client) Name() string { return "websocket" }

func (c *Client) Subscribe(ctx context.Context, portfolioID string) (<-chan port.PushEvent, error) {
	wsURL, err := buildURL(c.wsURL, portfolioID)
	if err != nil {
		return nil, err
	}
	out := make(chan port.PushEvent, 256)
	go c.run(ctx, wsURL, portfolioID, out)
	return out, nil
}

func buildURL(base, portfolioID string) (string, error) {
	if base == "" {
		return "", errors.New("websocket url empty")
	}
	if strings.TrimSpace(portfolioID) == "" {
		return "", errors.New("portfolio id empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("portfolio", portfolioID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) run(ctx context.Context, wsURL, portfolioID string, out chan<- port.PushEvent) {
	defer close(out)

	backoff := c.retry.InitialDel
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Str("portfolio", portfolioID).Err(err).Msg("ws dial failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, c.retry.MaxDelay)
			continue
		}

		backoff = c.retry.InitialDel
		log.Info().Str("portfolio", portfolioID).Msg("ws connected")

		err = readLoop(ctx, conn, func(b []byte) {
			var ev port.PushEvent
			if e := json.Unmarshal(b, &ev); e != nil {
				log.Error().Str("portfolio", portfolioID).Err(e).Msg("json unmarshal failed")
				return
			}
			if ev.PortfolioID == "" {
				ev.PortfolioID = portfolioID
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})

		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		log.Warn().Str("portfolio", portfolioID).Err(err).Msg("ws disconnected, reconnecting")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, c.retry.MaxDelay)
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ port.PushChannel = (*Client)(nil)
