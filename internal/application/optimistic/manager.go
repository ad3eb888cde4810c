// Package optimistic 乐观更新：先写缓存、后提交服务端，失败时精确回滚
package optimistic

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"posledger/internal/application/cache"
	"posledger/internal/infrastructure/observability"
)

// State 乐观更新的生命周期
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateRolledBack
	StateQueued // 离线排队，等待重放
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	case StateQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Write 对一个键的写入
type Write struct {
	Key    cache.Key
	Update cache.UpdateFunc
}

// Reader 读取当前缓存值
type Reader func(key cache.Key) (any, bool)

// Mutation 一次变更的完整描述
type Mutation struct {
	Kind string
	// Keys 需要加锁、快照并保持的键
	Keys []cache.Key
	// Optimistic 基于当前缓存合成乐观值；返回错误时缓存不做任何修改
	Optimistic func(read Reader) ([]Write, error)
	// Commit 提交服务端
	Commit func(ctx context.Context) (any, error)
	// Reconcile 用服务端返回值替换乐观值，可为空
	Reconcile func(result any) []Write
	// Invalidate 成功后需要刷新的依赖键（模式）
	Invalidate []cache.Key
}

// Result 执行结果
type Result struct {
	ID    string
	State State
	Value any
}

// Manager 乐观更新管理器
type Manager struct {
	cache   *cache.Cache
	locks   *KeyLocks
	metrics *observability.Metrics
}

func NewManager(c *cache.Cache, metrics *observability.Metrics) *Manager {
	return &Manager{
		cache:   c,
		locks:   NewKeyLocks(),
		metrics: metrics,
	}
}

// Cache 底层缓存
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// Execute 快照 -> 合成 -> 写入 -> 提交 -> 确认或回滚
// 提交失败时所有键恢复到快照，错误原样返回
func (m *Manager) Execute(ctx context.Context, mut Mutation) (Result, error) {
	tx, err := m.Begin(ctx, mut)
	if err != nil {
		return Result{State: StateRolledBack}, err
	}

	start := time.Now()
	value, err := mut.Commit(ctx)
	if err != nil {
		tx.Rollback()
		log.Warn().
			Err(err).
			Str("id", tx.ID).
			Str("kind", mut.Kind).
			Dur("elapsed", time.Since(start)).
			Msg("optimistic update rolled back")
		return Result{ID: tx.ID, State: StateRolledBack}, err
	}

	tx.Confirm(value)
	log.Debug().
		Str("id", tx.ID).
		Str("kind", mut.Kind).
		Dur("elapsed", time.Since(start)).
		Msg("optimistic update confirmed")
	return Result{ID: tx.ID, State: StateConfirmed, Value: value}, nil
}

// Begin 加锁、保持并快照，再基于快照时刻的缓存合成乐观值
// 保持之后到达的推送会积压到释放时应用，不会被乐观值覆盖；合成失败时释放保持并返回错误，缓存不变
func (m *Manager) Begin(ctx context.Context, mut Mutation) (*Tx, error) {
	names := make([]string, len(mut.Keys))
	for i, k := range mut.Keys {
		names[i] = k.String()
	}
	unlock, err := m.locks.Lock(ctx, names...)
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		ID:     uuid.NewString(),
		m:      m,
		mut:    mut,
		unlock: unlock,
		state:  StatePending,
	}
	tx.snapshots = make([]cache.Snapshot, 0, len(mut.Keys))
	for _, k := range mut.Keys {
		m.cache.Hold(k)
		tx.snapshots = append(tx.snapshots, m.cache.TakeSnapshot(k))
	}

	read := func(key cache.Key) (any, bool) {
		e, ok := m.cache.Get(key)
		if !ok {
			return nil, false
		}
		return e.Data, true
	}

	var writes []Write
	if mut.Optimistic != nil {
		writes, err = mut.Optimistic(read)
		if err != nil {
			for _, k := range mut.Keys {
				m.cache.Release(k)
			}
			unlock()
			m.metrics.Mutation(mut.Kind, "rejected")
			return nil, err
		}
	}
	for _, w := range writes {
		m.cache.Update(w.Key, w.Update)
	}
	return tx, nil
}

// Tx 一次进行中的乐观更新
type Tx struct {
	ID string

	m         *Manager
	mut       Mutation
	snapshots []cache.Snapshot
	unlock    func()
	state     State
}

func (t *Tx) State() State {
	return t.state
}

// Confirm 写入服务端值，释放保持并刷新依赖键
func (t *Tx) Confirm(value any) {
	if t.done() {
		return
	}
	if t.mut.Reconcile != nil {
		for _, w := range t.mut.Reconcile(value) {
			t.m.cache.Update(w.Key, w.Update)
		}
	}
	t.finish(StateConfirmed, "confirmed")
	for _, p := range t.mut.Invalidate {
		t.m.cache.Invalidate(p)
	}
}

// Rollback 恢复所有键到快照，并刷新依赖键
func (t *Tx) Rollback() {
	if t.done() {
		return
	}
	for _, s := range t.snapshots {
		t.m.cache.Restore(s)
	}
	t.finish(StateRolledBack, "rolled_back")
	// 派生数据可能在挂起期间基于乐观值重新计算过
	for _, p := range t.mut.Invalidate {
		t.m.cache.Invalidate(p)
	}
}

// Park 转入离线排队：释放键锁以便后续变更叠加，乐观值保持到 Settle
func (t *Tx) Park() {
	if t.state != StatePending {
		return
	}
	t.state = StateQueued
	t.unlock()
	t.m.metrics.Mutation(t.mut.Kind, "queued")
}

// Settle 结束一个已排队的更新：释放保持，并让受影响的键重新加载
// 排队期间可能叠加了后续变更，因此不恢复快照而是以服务端为准
func (t *Tx) Settle(confirmed bool) {
	if t.state != StateQueued {
		return
	}
	outcome := "rolled_back"
	t.state = StateRolledBack
	if confirmed {
		outcome = "confirmed"
		t.state = StateConfirmed
	}
	for _, k := range t.mut.Keys {
		t.m.cache.InvalidateNow(k)
		t.m.cache.Release(k)
	}
	for _, p := range t.mut.Invalidate {
		t.m.cache.Invalidate(p)
	}
	t.m.metrics.Mutation(t.mut.Kind, outcome)
}

func (t *Tx) done() bool {
	return t.state == StateConfirmed || t.state == StateRolledBack
}

func (t *Tx) finish(state State, outcome string) {
	wasQueued := t.state == StateQueued
	t.state = state
	for _, k := range t.mut.Keys {
		t.m.cache.Release(k)
	}
	if !wasQueued {
		t.unlock()
	}
	t.m.metrics.Mutation(t.mut.Kind, outcome)
}
