package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"posledger/internal/application/port"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub 服务端广播：每个连接只订阅一个组合
// 写缓冲满的慢连接直接断开，由客户端重连
type Hub struct {
	mu    sync.RWMutex
	peers map[string]map[*peer]struct{}
}

type peer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]map[*peer]struct{})}
}

// Count 当前订阅某组合的连接数
func (h *Hub) Count(portfolioID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[portfolioID])
}

func (h *Hub) Publish(ctx context.Context, ev port.PushEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*peer
	for p := range h.peers[ev.PortfolioID] {
		select {
		case p.send <- b:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		log.Warn().Str("portfolio", ev.PortfolioID).Msg("ws peer too slow, dropping")
		h.remove(ev.PortfolioID, p)
	}
	return nil
}

// Serve 升级连接并阻塞到连接断开
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, portfolioID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	p := &peer{conn: conn, send: make(chan []byte, 64)}
	h.add(portfolioID, p)
	defer h.remove(portfolioID, p)

	go h.writeLoop(p)

	// 读循环只处理控制帧，用于发现断开
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

func (h *Hub) writeLoop(p *peer) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case b, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(portfolioID string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[portfolioID]
	if !ok {
		set = make(map[*peer]struct{})
		h.peers[portfolioID] = set
	}
	set[p] = struct{}{}
}

func (h *Hub) remove(portfolioID string, p *peer) {
	h.mu.Lock()
	if set, ok := h.peers[portfolioID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.peers, portfolioID)
		}
	}
	h.mu.Unlock()
	p.close()
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.peers
	h.peers = make(map[string]map[*peer]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for p := range set {
			p.close()
		}
	}
}

var _ port.PushPublisher = (*Hub)(nil)
