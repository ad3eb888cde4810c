// Package syncer 实时推送合并与离线队列重放
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"posledger/internal/application/cache"
	"posledger/internal/application/optimistic"
	"posledger/internal/application/port"
	"posledger/internal/domain/errs"
	"posledger/internal/domain/model"
	"posledger/internal/infrastructure/observability"
)

// ErrOffline 离线时手动同步
var ErrOffline = errs.New(errs.KindNetworkFailure, "position store is unreachable")

// Options 同步参数
type Options struct {
	Retry   RetryConfig
	Sleep   Sleeper
	Now     func() time.Time
	Metrics *observability.Metrics
	// OnPermanentFailure 重放被服务端拒绝、操作被丢弃时回调
	OnPermanentFailure func(op port.PendingOperation, err error)
}

// Manager 根据连通性把变更直接提交或放入离线队列，并合并远端推送
type Manager struct {
	store port.PositionStore
	queue port.DurableQueue
	conn  port.Connectivity
	push  port.PushChannel
	opt   *optimistic.Manager
	cache *cache.Cache
	opts  Options

	// 重放期间阻塞在线提交，保证排队的操作先到达服务端
	gate sync.RWMutex

	mu      sync.Mutex
	depth   int
	parked  map[string]*optimistic.Tx
	idmap   map[string]string // 离线新建的临时 ID -> 服务端 ID
	watches map[string]struct{}

	kick chan struct{}
}

func NewManager(
	store port.PositionStore,
	queue port.DurableQueue,
	conn port.Connectivity,
	push port.PushChannel,
	opt *optimistic.Manager,
	opts Options,
) *Manager {
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   store,
		queue:   queue,
		conn:    conn,
		push:    push,
		opt:     opt,
		cache:   opt.Cache(),
		opts:    opts,
		parked:  make(map[string]*optimistic.Tx),
		idmap:   make(map[string]string),
		watches: make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// Start 加载持久化队列、订阅连通性变化，并在后台执行重放直到 ctx 结束
func (m *Manager) Start(ctx context.Context) error {
	ops, err := m.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}
	m.setDepth(len(ops))
	if len(ops) > 0 {
		log.Info().Int("pending", len(ops)).Msg("restored offline queue")
	}

	online := m.conn.Online()
	m.opts.Metrics.SetOnline(online)
	unsubscribe := m.conn.Subscribe(func(online bool) {
		m.opts.Metrics.SetOnline(online)
		if online {
			log.Info().Int("pending", m.Depth()).Msg("connectivity restored")
			m.Kick()
			return
		}
		log.Warn().Msg("connectivity lost, queueing mutations")
	})

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.kick:
				if err := m.drain(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Int("pending", m.Depth()).Msg("queue replay stopped")
				}
			}
		}
	}()

	if online && len(ops) > 0 {
		m.Kick()
	}
	return nil
}

// Kick 请求后台重放一次队列
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) Online() bool {
	return m.conn.Online()
}

// Depth 队列中的操作数
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// Pending 按插入顺序返回排队的操作及其状态
func (m *Manager) Pending(ctx context.Context) ([]port.PendingOperation, error) {
	return m.queue.List(ctx)
}

// Dispatch 在线且队列为空时走乐观更新直接提交；否则写入乐观值并排队
func (m *Manager) Dispatch(ctx context.Context, op port.PendingOperation, mut optimistic.Mutation) (optimistic.Result, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = m.opts.Now()
	}
	op.Status = port.OpStatusQueued

	mut.Commit = func(ctx context.Context) (any, error) {
		m.gate.RLock()
		defer m.gate.RUnlock()
		return m.apply(ctx, op)
	}

	if m.conn.Online() && m.Depth() == 0 {
		return m.opt.Execute(ctx, mut)
	}
	return m.enqueue(ctx, op, mut)
}

func (m *Manager) enqueue(ctx context.Context, op port.PendingOperation, mut optimistic.Mutation) (optimistic.Result, error) {
	tx, err := m.opt.Begin(ctx, mut)
	if err != nil {
		return optimistic.Result{State: optimistic.StateRolledBack}, err
	}
	if err := m.queue.Append(ctx, op); err != nil {
		tx.Rollback()
		return optimistic.Result{ID: op.ID, State: optimistic.StateRolledBack}, fmt.Errorf("enqueue %s: %w", op.Kind, err)
	}
	tx.Park()

	m.mu.Lock()
	m.parked[op.ID] = tx
	m.depth++
	depth := m.depth
	m.mu.Unlock()
	m.opts.Metrics.SetQueueDepth(depth)

	log.Info().
		Str("op", op.ID).
		Str("kind", string(op.Kind)).
		Str("portfolio", op.PortfolioID).
		Int("pending", depth).
		Msg("mutation queued")

	if m.conn.Online() {
		m.Kick()
	}
	return optimistic.Result{ID: op.ID, State: optimistic.StateQueued}, nil
}

// SyncNow 立即重放队列，离线时返回 ErrOffline
func (m *Manager) SyncNow(ctx context.Context) error {
	if !m.conn.Online() {
		return ErrOffline
	}
	return m.drain(ctx)
}

// ClearQueue 丢弃所有未确认的离线变更，不尝试提交；受影响的键会重新加载
func (m *Manager) ClearQueue(ctx context.Context) (int, error) {
	m.gate.Lock()
	defer m.gate.Unlock()

	ops, err := m.queue.List(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.queue.Clear(ctx); err != nil {
		return 0, err
	}
	for _, op := range ops {
		m.settle(op, false)
	}
	m.setDepth(0)

	log.Warn().Int("discarded", len(ops)).Msg("offline queue cleared")
	return len(ops), nil
}

// drain 严格按插入顺序逐个重放；可重试错误耗尽时停止并保留剩余操作
func (m *Manager) drain(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	ops, err := m.queue.List(ctx)
	if err != nil {
		return err
	}
	m.setDepth(len(ops))
	if len(ops) == 0 {
		return nil
	}
	log.Info().Int("pending", len(ops)).Msg("replaying offline queue")

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.conn.Online() {
			return ErrOffline
		}

		if op.Kind != port.OpCreatePosition {
			// 列表在重放前读取，前面的新建可能已改写了它的实体 ID
			op.EntityID = m.Resolve(op.EntityID)
		}
		op, err := m.replay(ctx, op)
		switch {
		case err == nil:
			m.opts.Metrics.ReplayAttempt("confirmed")

		case ctx.Err() != nil:
			op.Status = port.OpStatusQueued
			m.updateOp(op)
			return ctx.Err()

		case errs.Retryable(err):
			op.Status = port.OpStatusFailed
			op.LastError = err.Error()
			m.updateOp(op)
			m.opts.Metrics.ReplayAttempt("exhausted")
			return err

		default:
			m.opts.Metrics.ReplayAttempt("rejected")
			if rmErr := m.queue.Remove(context.WithoutCancel(ctx), op.ID); rmErr != nil {
				return rmErr
			}
			m.settle(op, false)
			m.decDepth()

			log.Error().
				Err(err).
				Str("op", op.ID).
				Str("kind", string(op.Kind)).
				Str("kind_class", string(errs.KindOf(err))).
				Msg("queued mutation rejected, discarding")
			if m.opts.OnPermanentFailure != nil {
				m.opts.OnPermanentFailure(op, err)
			}
		}
	}
	return nil
}

// replay 带重试地提交一个操作，返回记录了重试次数的操作
func (m *Manager) replay(ctx context.Context, op port.PendingOperation) (port.PendingOperation, error) {
	op.Status = port.OpStatusDispatching
	m.updateOp(op)

	var result any

	err := Retry(ctx, m.opts.Retry, m.opts.Sleep, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			op.RetryCount++
			m.updateOp(op)
			m.opts.Metrics.ReplayAttempt("retry")
			log.Info().Str("op", op.ID).Int("attempt", attempt).Msg("retrying queued mutation")
		}
		v, err := m.apply(ctx, op)
		if err != nil && op.Kind == port.OpDeletePosition && errors.Is(err, errs.ErrNotFound) {
			// 已被其他端删除
			return nil
		}
		result = v
		return err
	})
	if err != nil {
		return op, err
	}

	// 服务端已接受：之后的持久化不受 ctx 取消影响，否则重启后会重复提交
	persistCtx := context.WithoutCancel(ctx)
	if p, ok := result.(model.Position); ok && op.Kind == port.OpCreatePosition {
		if err := m.rewriteEntity(persistCtx, op.EntityID, p.ID); err != nil {
			return op, err
		}
	}
	if err := m.queue.Remove(persistCtx, op.ID); err != nil {
		return op, err
	}
	m.settle(op, true)
	m.decDepth()
	log.Info().Str("op", op.ID).Str("kind", string(op.Kind)).Msg("queued mutation confirmed")
	return op, nil
}

// apply 把一个操作提交到服务端
func (m *Manager) apply(ctx context.Context, op port.PendingOperation) (any, error) {
	switch op.Kind {
	case port.OpCreatePosition:
		var in model.PositionInput
		if err := json.Unmarshal(op.Payload, &in); err != nil {
			return nil, errs.Wrap(errs.KindValidation, "decode create payload", err)
		}
		p, err := m.store.CreatePosition(ctx, in)
		if err != nil {
			return nil, err
		}
		if op.EntityID != "" && op.EntityID != p.ID {
			m.mu.Lock()
			m.idmap[op.EntityID] = p.ID
			m.mu.Unlock()
		}
		return p, nil

	case port.OpUpdatePosition:
		var patch model.PositionPatch
		if err := json.Unmarshal(op.Payload, &patch); err != nil {
			return nil, errs.Wrap(errs.KindValidation, "decode update payload", err)
		}
		return m.store.UpdatePosition(ctx, m.Resolve(op.EntityID), patch)

	case port.OpDeletePosition:
		return nil, m.store.DeletePosition(ctx, m.Resolve(op.EntityID))

	default:
		return nil, errs.New(errs.KindValidation, "unknown operation kind %q", op.Kind)
	}
}

// Resolve 把离线新建的临时 ID 换成服务端 ID
func (m *Manager) Resolve(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if serverID, ok := m.idmap[id]; ok {
		return serverID
	}
	return id
}

// rewriteEntity 把队列中引用临时 ID 的后续操作改写为服务端 ID，映射随队列一起持久化
func (m *Manager) rewriteEntity(ctx context.Context, tempID, serverID string) error {
	if tempID == "" || tempID == serverID {
		return nil
	}
	ops, err := m.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("load pending operations: %w", err)
	}
	for _, op := range ops {
		if op.EntityID != tempID || op.Kind == port.OpCreatePosition {
			continue
		}
		op.EntityID = serverID
		if err := m.queue.Update(ctx, op); err != nil {
			return fmt.Errorf("rewrite %s entity: %w", op.ID, err)
		}
	}
	return nil
}

// settle 结束一个排队操作对应的乐观写入；重启后恢复的操作没有乐观写入，只刷新相关键
func (m *Manager) settle(op port.PendingOperation, confirmed bool) {
	m.mu.Lock()
	tx := m.parked[op.ID]
	delete(m.parked, op.ID)
	m.mu.Unlock()

	if tx != nil {
		tx.Settle(confirmed)
		return
	}
	m.cache.Invalidate(cache.PositionsKey(op.PortfolioID))
	m.cache.Invalidate(cache.SummaryKey(op.PortfolioID))
	if op.EntityID != "" {
		m.cache.Invalidate(cache.TransactionsKey(m.Resolve(op.EntityID)))
	}
}

func (m *Manager) updateOp(op port.PendingOperation) {
	// 状态持久化失败不影响重放本身
	if err := m.queue.Update(context.Background(), op); err != nil {
		log.Warn().Err(err).Str("op", op.ID).Msg("persist operation status failed")
	}
}

func (m *Manager) setDepth(n int) {
	m.mu.Lock()
	m.depth = n
	m.mu.Unlock()
	m.opts.Metrics.SetQueueDepth(n)
}

func (m *Manager) decDepth() {
	m.mu.Lock()
	if m.depth > 0 {
		m.depth--
	}
	n := m.depth
	m.mu.Unlock()
	m.opts.Metrics.SetQueueDepth(n)
}

// Watch 为组合订阅一次推送，ctx 结束时退订；重复调用不会重复订阅
func (m *Manager) Watch(ctx context.Context, portfolioID string) error {
	if m.push == nil {
		return nil
	}

	m.mu.Lock()
	if _, ok := m.watches[portfolioID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.watches[portfolioID] = struct{}{}
	m.mu.Unlock()

	events, err := m.push.Subscribe(ctx, portfolioID)
	if err != nil {
		m.unwatch(portfolioID)
		return fmt.Errorf("subscribe %s push for %s: %w", m.push.Name(), portfolioID, err)
	}
	log.Info().Str("portfolio", portfolioID).Str("channel", m.push.Name()).Msg("watching push updates")

	go func() {
		defer m.unwatch(portfolioID)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.PortfolioID == "" {
					ev.PortfolioID = portfolioID
				}
				if err := m.HandlePush(ev); err != nil {
					log.Warn().Err(err).Str("portfolio", portfolioID).Msg("drop push event")
				}
			}
		}
	}()
	return nil
}

func (m *Manager) unwatch(portfolioID string) {
	m.mu.Lock()
	delete(m.watches, portfolioID)
	m.mu.Unlock()
}
