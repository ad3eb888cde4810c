// Package connectivity 网络可达性信号
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Signal 可订阅的在线/离线状态；Set 只在状态变化时通知
type Signal struct {
	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners map[uint64]func(bool)
}

func NewSignal(online bool) *Signal {
	return &Signal{online: online, listeners: make(map[uint64]func(bool))}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Signal) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Set 更新状态，变化时同步回调所有订阅者
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Probe 定期请求健康检查地址，连续失败 failThreshold 次判定为离线
type Probe struct {
	*Signal

	url           string
	interval      time.Duration
	failThreshold int
	client        *http.Client
}

func NewProbe(url string, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Probe{
		Signal:        NewSignal(true),
		url:           url,
		interval:      interval,
		failThreshold: 2,
		client:        &http.Client{Timeout: interval},
	}
}

// Run 周期探测直到 ctx 结束
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if p.Check(ctx) {
			failures = 0
			if !p.Online() {
				log.Info().Str("url", p.url).Msg("position store reachable")
			}
			p.Set(true)
		} else {
			failures++
			if failures >= p.failThreshold && p.Online() {
				log.Warn().Str("url", p.url).Int("failures", failures).Msg("position store unreachable")
				p.Set(false)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check 单次探测
func (p *Probe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
