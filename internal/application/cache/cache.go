// Package cache 进程内共享的查询结果缓存
// 读旧值、后台刷新；同一键同时只有一个请求在途；失效请求按键合并
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"posledger/internal/infrastructure/observability"
)

// Status 条目状态
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusStale
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusStale:
		return "stale"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Fetcher 从服务端加载一个键的数据
type Fetcher func(ctx context.Context, key Key) (any, error)

// Listener 条目变化时同步回调
type Listener func(Entry)

// UpdateFunc 基于旧值计算新值；keep=false 表示清空数据
type UpdateFunc func(old any, ok bool) (data any, keep bool)

// Entry 条目的只读快照
type Entry struct {
	Key           Key
	Data          any
	Status        Status
	Err           error
	LastFetchedAt time.Time
	UpdatedAt     time.Time
	Subscribers   int
}

// Options 缓存参数
type Options struct {
	StaleTime      time.Duration // 超过后读取会触发后台刷新，但仍立即返回旧值
	GCTime         time.Duration // 无订阅者超过该时长后淘汰
	DedupWindow    time.Duration // 完成后的最短间隔，期间普通读取不再发请求
	DebounceWindow time.Duration // 失效请求合并窗口
	Now            func() time.Time
	Metrics        *observability.Metrics
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		StaleTime:      30 * time.Second,
		GCTime:         5 * time.Minute,
		DedupWindow:    time.Second,
		DebounceWindow: 100 * time.Millisecond,
	}
}

type listener struct {
	id uint64
	fn Listener
}

type entry struct {
	key         Key
	data        any
	hasData     bool
	err         error
	fetchedAt   time.Time
	updatedAt   time.Time
	idleSince   time.Time
	invalidated bool
	inflight    bool
	fetchSeq    uint64
	fetcher     Fetcher
	listeners   []listener
	holds       int
	deferred    []UpdateFunc
}

// Cache 缓存实例，由调用方显式创建并向下传递
type Cache struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*entry
	group   singleflight.Group
	sched   *Scheduler
	nextID  uint64

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		opts:    opts,
		entries: make(map[string]*entry),
		sched:   NewScheduler(opts.DebounceWindow),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Get 返回当前值；没有数据时 ok=false
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key.String()]
	if e == nil || !e.hasData {
		return Entry{}, false
	}
	if len(e.listeners) == 0 {
		e.idleSince = c.opts.Now()
	}
	return c.snapshotLocked(e), true
}

// Set 写入服务端确认的数据，视为新鲜
func (c *Cache) Set(key Key, data any) {
	c.mu.Lock()
	e := c.entryLocked(key)
	now := c.opts.Now()
	e.data, e.hasData = data, true
	e.err = nil
	e.invalidated = false
	e.fetchedAt, e.updatedAt = now, now
	e.fetchSeq++
	n := c.notificationLocked(e)
	c.mu.Unlock()

	n.fire()
}

// Update 本地修改，不改变新鲜度
func (c *Cache) Update(key Key, fn UpdateFunc) {
	c.mu.Lock()
	e := c.entryLocked(key)
	c.applyLocked(e, fn)
	n := c.notificationLocked(e)
	c.mu.Unlock()

	n.fire()
}

// MergeRemote 合并远端推送；若该键有未决的乐观写入，则排队到释放后按到达顺序应用
func (c *Cache) MergeRemote(key Key, fn UpdateFunc) (deferred bool) {
	c.mu.Lock()
	e := c.entryLocked(key)
	if e.holds > 0 {
		e.deferred = append(e.deferred, fn)
		c.mu.Unlock()
		return true
	}
	c.applyLocked(e, fn)
	n := c.notificationLocked(e)
	c.mu.Unlock()

	n.fire()
	return false
}

// Remove 清空数据；仍有订阅者时保留条目
func (c *Cache) Remove(key Key) {
	c.Update(key, func(any, bool) (any, bool) { return nil, false })
}

// Snapshot 乐观写入前的完整状态
type Snapshot struct {
	key         Key
	exists      bool
	data        any
	hasData     bool
	err         error
	fetchedAt   time.Time
	updatedAt   time.Time
	invalidated bool
}

func (s Snapshot) Key() Key { return s.key }

// TakeSnapshot 记录当前状态，用于回滚
func (c *Cache) TakeSnapshot(key Key) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key.String()]
	if e == nil {
		return Snapshot{key: key.Clone()}
	}
	return Snapshot{
		key:         key.Clone(),
		exists:      true,
		data:        e.data,
		hasData:     e.hasData,
		err:         e.err,
		fetchedAt:   e.fetchedAt,
		updatedAt:   e.updatedAt,
		invalidated: e.invalidated,
	}
}

// Restore 精确恢复快照
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	e := c.entryLocked(s.key)
	e.data, e.hasData = s.data, s.hasData
	e.err = s.err
	e.fetchedAt, e.updatedAt = s.fetchedAt, s.updatedAt
	e.invalidated = s.invalidated
	if !s.exists {
		e.data, e.hasData = nil, false
	}
	n := c.notificationLocked(e)
	c.mu.Unlock()

	n.fire()
}

// Hold 标记该键有未决的乐观写入：在途请求结果和远端推送都不会覆盖它
func (c *Cache) Hold(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(key).holds++
}

// Release 释放一次 Hold；最后一次释放时按顺序应用积压的推送，并刷新已失效的条目
func (c *Cache) Release(key Key) {
	c.mu.Lock()
	e := c.entries[key.String()]
	if e == nil || e.holds == 0 {
		c.mu.Unlock()
		return
	}
	e.holds--
	if e.holds > 0 {
		c.mu.Unlock()
		return
	}

	pending := e.deferred
	e.deferred = nil
	for _, fn := range pending {
		c.applyLocked(e, fn)
	}
	refetch := e.invalidated && len(e.listeners) > 0 && e.fetcher != nil
	fetcher := e.fetcher
	n := c.notificationLocked(e)
	c.mu.Unlock()

	if len(pending) > 0 {
		log.Debug().Str("key", key.String()).Int("pushes", len(pending)).Msg("applied deferred pushes")
		n.fire()
	}
	if refetch {
		c.refetchAsync(key, fetcher, true)
	}
}

// Held 是否存在未决的乐观写入
func (c *Cache) Held(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key.String()]
	return e != nil && e.holds > 0
}

// Subscribe 注册监听，返回幂等的退订函数
func (c *Cache) Subscribe(key Key, fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	e := c.entryLocked(key)
	c.nextID++
	id := c.nextID
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e := c.entries[key.String()]
			if e == nil {
				return
			}
			for i, l := range e.listeners {
				if l.id == id {
					e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
					break
				}
			}
			if len(e.listeners) == 0 {
				e.idleSince = c.opts.Now()
			}
		})
	}
}

// Read 读穿：有数据立即返回（过期则后台刷新），没有数据则同步加载
func (c *Cache) Read(ctx context.Context, key Key, fetcher Fetcher) (any, error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.fetcher = fetcher
	if len(e.listeners) == 0 {
		e.idleSince = c.opts.Now()
	}
	if e.hasData {
		data := e.data
		stale := c.staleLocked(e) && e.holds == 0 && !e.inflight
		c.mu.Unlock()

		c.opts.Metrics.CacheHit(key.Scope())
		if stale {
			c.refetchAsync(key, fetcher, false)
		}
		return data, nil
	}
	c.mu.Unlock()

	c.opts.Metrics.CacheMiss(key.Scope())
	return c.fetch(ctx, key, fetcher, false)
}

// Fetch 加载一个键；同一键的并发请求共享同一次结果
func (c *Cache) Fetch(ctx context.Context, key Key, fetcher Fetcher) (any, error) {
	return c.fetch(ctx, key, fetcher, false)
}

// Refetch 忽略最短间隔强制加载（仍会与在途请求合并）
func (c *Cache) Refetch(ctx context.Context, key Key, fetcher Fetcher) (any, error) {
	return c.fetch(ctx, key, fetcher, true)
}

func (c *Cache) fetch(ctx context.Context, key Key, fetcher Fetcher, force bool) (any, error) {
	k := key.String()

	c.mu.Lock()
	e := c.entryLocked(key)
	if fetcher == nil {
		fetcher = e.fetcher
	}
	e.fetcher = fetcher
	if fetcher == nil {
		c.mu.Unlock()
		return nil, nil
	}
	if e.hasData && !e.invalidated {
		// 有未决乐观写入或刚刚加载过：直接返回当前值
		if e.holds > 0 || (!force && c.opts.Now().Sub(e.fetchedAt) < c.opts.DedupWindow) {
			data := e.data
			c.mu.Unlock()
			return data, nil
		}
	}
	seq := e.fetchSeq
	c.mu.Unlock()

	v, err, _ := c.group.Do(k, func() (any, error) {
		c.mu.Lock()
		e := c.entryLocked(key)
		// 排队期间已有请求完成
		if e.fetchSeq != seq && e.hasData && !e.invalidated {
			data := e.data
			c.mu.Unlock()
			return data, nil
		}
		e.inflight = true
		n := c.notificationLocked(e)
		c.mu.Unlock()
		n.fire()

		c.opts.Metrics.CacheFetch(key.Scope())
		data, err := fetcher(context.WithoutCancel(ctx), key)
		return c.complete(key, data, err)
	})
	return v, err
}

func (c *Cache) complete(key Key, data any, err error) (any, error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.inflight = false
	e.fetchSeq++

	if err != nil {
		e.err = err
		n := c.notificationLocked(e)
		c.mu.Unlock()

		c.opts.Metrics.CacheFetchError(key.Scope())
		log.Debug().Err(err).Str("key", key.String()).Msg("cache fetch failed")
		n.fire()
		return nil, err
	}

	if e.holds > 0 {
		// 不覆盖乐观值，释放后重新加载
		e.invalidated = true
		out := e.data
		n := c.notificationLocked(e)
		c.mu.Unlock()
		n.fire()
		return out, nil
	}

	now := c.opts.Now()
	e.data, e.hasData = data, true
	e.err = nil
	e.invalidated = false
	e.fetchedAt, e.updatedAt = now, now
	n := c.notificationLocked(e)
	c.mu.Unlock()

	n.fire()
	return data, nil
}

// Invalidate 合并窗口结束后把匹配的条目标记为过期，并刷新有订阅者的条目
func (c *Cache) Invalidate(pattern Key) {
	p := pattern.Clone()
	c.sched.Schedule(p.String(), func() {
		c.InvalidateNow(p)
	})
}

// InvalidateNow 立即失效，返回匹配的条目数
func (c *Cache) InvalidateNow(pattern Key) int {
	type job struct {
		key     Key
		fetcher Fetcher
	}

	c.mu.Lock()
	var (
		jobs    []job
		notices []notification
		matched int
	)
	for _, e := range c.entries {
		if !e.key.Matches(pattern) {
			continue
		}
		matched++
		e.invalidated = true
		notices = append(notices, c.notificationLocked(e))
		if len(e.listeners) > 0 && e.fetcher != nil && e.holds == 0 {
			jobs = append(jobs, job{key: e.key, fetcher: e.fetcher})
		}
	}
	c.mu.Unlock()

	c.opts.Metrics.CacheInvalidation(pattern.Scope())
	for _, n := range notices {
		n.fire()
	}
	for _, j := range jobs {
		c.refetchAsync(j.key, j.fetcher, true)
	}
	return matched
}

// Keys 返回匹配模式的键，按字典序
func (c *Cache) Keys(pattern Key) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Key
	for _, e := range c.entries {
		if e.key.Matches(pattern) {
			out = append(out, e.key.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len 条目数
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Collect 淘汰无订阅者且空闲超过 GCTime 的条目，返回淘汰数
func (c *Cache) Collect(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, e := range c.entries {
		if len(e.listeners) > 0 || e.holds > 0 || e.inflight || len(e.deferred) > 0 {
			continue
		}
		if now.Sub(e.idleSince) >= c.opts.GCTime {
			delete(c.entries, k)
			evicted++
		}
	}
	if evicted > 0 {
		c.opts.Metrics.CacheEvicted(evicted)
	}
	return evicted
}

// Run 周期性回收，直到 ctx 结束
func (c *Cache) Run(ctx context.Context) {
	interval := c.opts.GCTime / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Collect(c.opts.Now()); n > 0 {
				log.Debug().Int("evicted", n).Msg("cache gc")
			}
		}
	}
}

// Close 停止合并调度并等待后台刷新结束
func (c *Cache) Close() {
	c.sched.Stop()
	c.cancel()
	c.bg.Wait()
}

func (c *Cache) refetchAsync(key Key, fetcher Fetcher, force bool) {
	if c.ctx.Err() != nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if _, err := c.fetch(c.ctx, key, fetcher, force); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("background refetch failed")
		}
	}()
}

func (c *Cache) entryLocked(key Key) *entry {
	k := key.String()
	e := c.entries[k]
	if e == nil {
		e = &entry{key: key.Clone(), idleSince: c.opts.Now()}
		c.entries[k] = e
	}
	return e
}

func (c *Cache) applyLocked(e *entry, fn UpdateFunc) {
	data, keep := fn(e.data, e.hasData)
	if keep {
		e.data, e.hasData = data, true
	} else {
		e.data, e.hasData = nil, false
	}
	e.updatedAt = c.opts.Now()
}

func (c *Cache) staleLocked(e *entry) bool {
	if e.invalidated {
		return true
	}
	return c.opts.Now().Sub(e.fetchedAt) >= c.opts.StaleTime
}

func (c *Cache) snapshotLocked(e *entry) Entry {
	status := StatusIdle
	switch {
	case e.inflight:
		status = StatusLoading
	case e.err != nil:
		status = StatusError
	case e.hasData && c.staleLocked(e):
		status = StatusStale
	}
	return Entry{
		Key:           e.key.Clone(),
		Data:          e.data,
		Status:        status,
		Err:           e.err,
		LastFetchedAt: e.fetchedAt,
		UpdatedAt:     e.updatedAt,
		Subscribers:   len(e.listeners),
	}
}

type notification struct {
	entry     Entry
	listeners []Listener
}

func (c *Cache) notificationLocked(e *entry) notification {
	n := notification{entry: c.snapshotLocked(e)}
	for _, l := range e.listeners {
		n.listeners = append(n.listeners, l.fn)
	}
	return n
}

func (n notification) fire() {
	for _, fn := range n.listeners {
		fn(n.entry)
	}
}
