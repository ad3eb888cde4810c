package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/application/cache"
	"posledger/internal/application/optimistic"
	"posledger/internal/application/port"
	"posledger/internal/domain/errs"
	"posledger/internal/domain/model"
	"posledger/internal/infrastructure/connectivity"
	"posledger/internal/infrastructure/storage"
)

const pid = "main"

type recordingStore struct {
	*storage.MemoryStore

	mu    sync.Mutex
	calls []string

	createDelay   time.Duration
	createStarted chan struct{}
	createGate    chan struct{}
	createErr     error

	updateErr error
	onUpdate  func()
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *recordingStore) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *recordingStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingStore) CreatePosition(ctx context.Context, in model.PositionInput) (model.Position, error) {
	s.record("create:" + in.Symbol)
	if s.createStarted != nil {
		close(s.createStarted)
		s.createStarted = nil
	}
	if s.createGate != nil {
		<-s.createGate
	}
	time.Sleep(s.createDelay)
	if s.createErr != nil {
		return model.Position{}, s.createErr
	}
	return s.MemoryStore.CreatePosition(ctx, in)
}

func (s *recordingStore) UpdatePosition(ctx context.Context, id string, patch model.PositionPatch) (model.Position, error) {
	s.record("update:" + id)
	s.mu.Lock()
	updateErr, onUpdate := s.updateErr, s.onUpdate
	s.mu.Unlock()
	if updateErr != nil {
		return model.Position{}, updateErr
	}
	p, err := s.MemoryStore.UpdatePosition(ctx, id, patch)
	if onUpdate != nil {
		onUpdate()
	}
	return p, err
}

func (s *recordingStore) setUpdateErr(err error) {
	s.mu.Lock()
	s.updateErr = err
	s.mu.Unlock()
}

// cancelAwareQueue 模拟真实存储：ctx 取消后写入失败
type cancelAwareQueue struct {
	*storage.MemoryQueue
}

func (q cancelAwareQueue) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.MemoryQueue.Remove(ctx, id)
}

func (q cancelAwareQueue) Update(ctx context.Context, op port.PendingOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.MemoryQueue.Update(ctx, op)
}

type harness struct {
	m      *Manager
	cache  *cache.Cache
	signal *connectivity.Signal
	queue  *storage.MemoryQueue
	store  *recordingStore
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T, online bool, store *recordingStore, opts Options) *harness {
	t.Helper()
	copts := cache.DefaultOptions()
	copts.DebounceWindow = 0
	c := cache.New(copts)
	t.Cleanup(c.Close)

	if opts.Retry == (RetryConfig{}) {
		opts.Retry = RetryConfig{MaxRetries: 2, InitialDel: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	}
	opts.Sleep = noSleep

	h := &harness{
		cache:  c,
		signal: connectivity.NewSignal(online),
		queue:  storage.NewMemoryQueue(),
		store:  store,
	}
	h.m = NewManager(store, h.queue, h.signal, nil, optimistic.NewManager(c, nil), opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.m.Start(ctx))
	return h
}

func (h *harness) positions() []model.Position {
	e, ok := h.cache.Get(cache.PositionsKey(pid))
	if !ok {
		return nil
	}
	list, _ := e.Data.([]model.Position)
	return list
}

func replaceID(list []model.Position, id string, p model.Position) []model.Position {
	out := make([]model.Position, 0, len(list))
	for _, cur := range list {
		if cur.ID == id {
			out = append(out, p)
			continue
		}
		out = append(out, cur)
	}
	return out
}

func createOp(symbol string, qty, price float64) (port.PendingOperation, optimistic.Mutation, string) {
	tempID := "tmp-" + uuid.NewString()
	key := cache.PositionsKey(pid)
	payload, _ := json.Marshal(model.PositionInput{PortfolioID: pid, Symbol: symbol, Quantity: qty, Price: price})

	op := port.PendingOperation{Kind: port.OpCreatePosition, PortfolioID: pid, EntityID: tempID, Payload: payload}
	mut := optimistic.Mutation{
		Kind: "create",
		Keys: []cache.Key{key},
		Optimistic: func(optimistic.Reader) ([]optimistic.Write, error) {
			return []optimistic.Write{{Key: key, Update: func(old any, ok bool) (any, bool) {
				list, _ := old.([]model.Position)
				out := append(append([]model.Position{}, list...), model.Position{
					ID: tempID, PortfolioID: pid, Symbol: symbol,
					Quantity: qty, AverageCost: price, TotalInvested: qty * price,
				})
				return out, true
			}}}, nil
		},
		Reconcile: func(result any) []optimistic.Write {
			server := result.(model.Position)
			return []optimistic.Write{{Key: key, Update: func(old any, ok bool) (any, bool) {
				list, _ := old.([]model.Position)
				return replaceID(list, tempID, server), true
			}}}
		},
	}
	return op, mut, tempID
}

func sellOp(id string, qty float64) (port.PendingOperation, optimistic.Mutation) {
	key := cache.PositionsKey(pid)
	payload, _ := json.Marshal(model.PositionPatch{Transaction: &model.TransactionIntent{Type: model.TransactionSell, Quantity: qty}})

	op := port.PendingOperation{Kind: port.OpUpdatePosition, PortfolioID: pid, EntityID: id, Payload: payload}
	mut := optimistic.Mutation{
		Kind: "sell",
		Keys: []cache.Key{key},
		Optimistic: func(optimistic.Reader) ([]optimistic.Write, error) {
			return []optimistic.Write{{Key: key, Update: func(old any, ok bool) (any, bool) {
				list, _ := old.([]model.Position)
				out := make([]model.Position, 0, len(list))
				for _, p := range list {
					if p.ID == id {
						p.Quantity -= qty
						p.TotalInvested = p.Quantity * p.AverageCost
					}
					out = append(out, p)
				}
				return out, true
			}}}, nil
		},
	}
	return op, mut
}

func TestOfflineMutationIsVisibleAndQueued(t *testing.T) {
	h := newHarness(t, false, newRecordingStore(), Options{})
	ctx := context.Background()

	op, mut, tempID := createOp("AAPL", 100, 10)
	res, err := h.m.Dispatch(ctx, op, mut)
	require.NoError(t, err)
	assert.Equal(t, optimistic.StateQueued, res.State)

	list := h.positions()
	require.Len(t, list, 1)
	assert.Equal(t, tempID, list[0].ID)

	stored, err := h.store.FetchPositions(ctx, pid)
	require.NoError(t, err)
	assert.Empty(t, stored)

	pending, err := h.m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, port.OpStatusQueued, pending[0].Status)
	assert.Equal(t, 1, h.m.Depth())

	h.signal.Set(true)
	require.Eventually(t, func() bool { return h.m.Depth() == 0 }, time.Second, time.Millisecond)

	stored, err = h.store.FetchPositions(ctx, pid)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 100.0, stored[0].Quantity)
	assert.False(t, h.cache.Held(cache.PositionsKey(pid)))
	assert.Equal(t, stored[0].ID, h.m.Resolve(tempID))
}

func TestReplayPreservesOrder(t *testing.T) {
	store := newRecordingStore()
	store.createDelay = 30 * time.Millisecond
	h := newHarness(t, false, store, Options{})
	ctx := context.Background()

	op1, mut1, tempID := createOp("AAPL", 100, 10)
	_, err := h.m.Dispatch(ctx, op1, mut1)
	require.NoError(t, err)
	op2, mut2 := sellOp(tempID, 10)
	_, err = h.m.Dispatch(ctx, op2, mut2)
	require.NoError(t, err)

	list := h.positions()
	require.Len(t, list, 1)
	assert.Equal(t, 90.0, list[0].Quantity, "offline edits compound on the optimistic value")

	h.signal.Set(true)
	require.Eventually(t, func() bool { return h.m.Depth() == 0 }, time.Second, time.Millisecond)

	stored, err := store.FetchPositions(ctx, pid)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"create:AAPL", "update:" + stored[0].ID}, store.Calls())
	assert.Equal(t, 90.0, stored[0].Quantity)
	assert.False(t, h.cache.Held(cache.PositionsKey(pid)))
}

func TestRejectedOperationIsDiscarded(t *testing.T) {
	var failures atomic.Int32
	var failedErr atomic.Value
	h := newHarness(t, false, newRecordingStore(), Options{
		OnPermanentFailure: func(op port.PendingOperation, err error) {
			failures.Add(1)
			failedErr.Store(err)
		},
	})
	ctx := context.Background()

	op, mut := sellOp("missing", 5)
	_, err := h.m.Dispatch(ctx, op, mut)
	require.NoError(t, err)

	h.signal.Set(true)
	require.Eventually(t, func() bool { return failures.Load() == 1 }, time.Second, time.Millisecond)

	pending, err := h.m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, failedErr.Load().(error), errs.ErrNotFound)
	assert.False(t, h.cache.Held(cache.PositionsKey(pid)))
}

func TestExhaustedRetriesKeepOperationQueued(t *testing.T) {
	store := newRecordingStore()
	store.createErr = errs.FromStatus(503, "", "maintenance")
	h := newHarness(t, false, store, Options{})
	ctx := context.Background()

	op, mut, _ := createOp("AAPL", 1, 1)
	_, err := h.m.Dispatch(ctx, op, mut)
	require.NoError(t, err)

	h.signal.Set(true)
	require.Eventually(t, func() bool {
		pending, _ := h.m.Pending(ctx)
		return len(pending) == 1 && pending[0].Status == port.OpStatusFailed
	}, time.Second, time.Millisecond)

	pending, err := h.m.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending[0].RetryCount)
	assert.Contains(t, pending[0].LastError, "maintenance")
	assert.Len(t, store.Calls(), 3)
	assert.True(t, h.cache.Held(cache.PositionsKey(pid)), "optimistic value stays until the operation resolves")

	store.createErr = nil
	require.NoError(t, h.m.SyncNow(ctx))
	assert.Equal(t, 0, h.m.Depth())
}

func TestTempIDSurvivesRestart(t *testing.T) {
	store := newRecordingStore()
	store.setUpdateErr(errs.FromStatus(503, "", "maintenance"))
	h := newHarness(t, false, store, Options{})
	ctx := context.Background()

	op1, mut1, tempID := createOp("AAPL", 100, 10)
	_, err := h.m.Dispatch(ctx, op1, mut1)
	require.NoError(t, err)
	op2, mut2 := sellOp(tempID, 10)
	_, err = h.m.Dispatch(ctx, op2, mut2)
	require.NoError(t, err)

	h.signal.Set(true)
	require.Eventually(t, func() bool {
		pending, _ := h.m.Pending(ctx)
		return len(pending) == 1 && pending[0].Status == port.OpStatusFailed
	}, time.Second, time.Millisecond)

	stored, err := store.FetchPositions(ctx, pid)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	pending, err := h.m.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored[0].ID, pending[0].EntityID, "queued sell refers to the server id")

	// 新进程：内存中的 ID 映射已丢失，只剩持久化队列
	store.setUpdateErr(nil)
	c := cache.New(cache.DefaultOptions())
	t.Cleanup(c.Close)
	restarted := NewManager(store, h.queue, connectivity.NewSignal(true), nil, optimistic.NewManager(c, nil), Options{
		Retry: RetryConfig{MaxRetries: 2, InitialDel: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		Sleep: noSleep,
	})
	rctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, restarted.Start(rctx))
	require.Eventually(t, func() bool { return restarted.Depth() == 0 }, time.Second, time.Millisecond)

	stored, err = store.FetchPositions(ctx, pid)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 90.0, stored[0].Quantity)
}

func TestConfirmedReplayIsRemovedAfterCancel(t *testing.T) {
	store := newRecordingStore()
	p, err := store.MemoryStore.CreatePosition(context.Background(), model.PositionInput{PortfolioID: pid, Symbol: "AAPL", Quantity: 100, Price: 10})
	require.NoError(t, err)

	c := cache.New(cache.DefaultOptions())
	t.Cleanup(c.Close)
	signal := connectivity.NewSignal(false)
	queue := cancelAwareQueue{storage.NewMemoryQueue()}
	m := NewManager(store, queue, signal, nil, optimistic.NewManager(c, nil), Options{Sleep: noSleep})

	op, mut := sellOp(p.ID, 10)
	_, err = m.Dispatch(context.Background(), op, mut)
	require.NoError(t, err)

	// 服务端接受后进程开始关闭
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.mu.Lock()
	store.onUpdate = cancel
	store.mu.Unlock()

	signal.Set(true)
	_ = m.SyncNow(ctx)

	pending, err := m.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "accepted operation must not be replayed again")
	stored, err := store.FetchPositions(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 90.0, stored[0].Quantity)
}

func TestClearQueueDiscardsWithoutDispatch(t *testing.T) {
	h := newHarness(t, false, newRecordingStore(), Options{})
	ctx := context.Background()

	op1, mut1, tempID := createOp("AAPL", 100, 10)
	_, err := h.m.Dispatch(ctx, op1, mut1)
	require.NoError(t, err)
	op2, mut2 := sellOp(tempID, 10)
	_, err = h.m.Dispatch(ctx, op2, mut2)
	require.NoError(t, err)

	n, err := h.m.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, h.m.Depth())
	assert.False(t, h.cache.Held(cache.PositionsKey(pid)))

	h.signal.Set(true)
	require.NoError(t, h.m.SyncNow(ctx))
	assert.Empty(t, h.store.Calls())
}

func TestSyncNowWhileOffline(t *testing.T) {
	h := newHarness(t, false, newRecordingStore(), Options{})
	err := h.m.SyncNow(context.Background())
	require.ErrorIs(t, err, errs.ErrNetworkFailure)
}

func TestOnlineFailureRollsBack(t *testing.T) {
	store := newRecordingStore()
	store.createErr = errs.FromStatus(422, "", "symbol is not tradable")
	h := newHarness(t, true, store, Options{})
	h.cache.Set(cache.PositionsKey(pid), []model.Position{})

	op, mut, _ := createOp("XXXX", 1, 1)
	res, err := h.m.Dispatch(context.Background(), op, mut)
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, optimistic.StateRolledBack, res.State)
	assert.Equal(t, []model.Position{}, h.positions())
	assert.Len(t, store.Calls(), 1, "online path does not retry")
}

func TestPushDeferredDuringPendingWrite(t *testing.T) {
	store := newRecordingStore()
	store.createStarted = make(chan struct{})
	store.createGate = make(chan struct{})
	started := store.createStarted
	h := newHarness(t, true, store, Options{})
	h.cache.Set(cache.PositionsKey(pid), []model.Position{})

	op, mut, _ := createOp("AAPL", 100, 10)
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Dispatch(context.Background(), op, mut)
		done <- err
	}()
	<-started

	remote, _ := json.Marshal(model.Position{ID: "remote-1", PortfolioID: pid, Symbol: "MSFT", Quantity: 5, AverageCost: 300, TotalInvested: 1500})
	require.NoError(t, h.m.HandlePush(port.PushEvent{EntityKind: port.EntityPosition, PortfolioID: pid, Record: remote}))

	list := h.positions()
	require.Len(t, list, 1)
	assert.Equal(t, "AAPL", list[0].Symbol)

	close(store.createGate)
	require.NoError(t, <-done)

	list = h.positions()
	require.Len(t, list, 2)
	assert.Equal(t, "AAPL", list[0].Symbol)
	assert.NotContains(t, list[0].ID, "tmp-")
	assert.Equal(t, "remote-1", list[1].ID)
}

func TestHandlePushMergesPartialRecords(t *testing.T) {
	h := newHarness(t, true, newRecordingStore(), Options{})
	price := model.Float(10)
	original := []model.Position{
		{ID: "p1", PortfolioID: pid, Symbol: "AAPL", Quantity: 10, AverageCost: 5, TotalInvested: 50, CurrentPrice: price},
		{ID: "p2", PortfolioID: pid, Symbol: "MSFT", Quantity: 1, AverageCost: 1, TotalInvested: 1},
	}
	h.cache.Set(cache.PositionsKey(pid), original)

	push := func(kind port.EntityKind, record string) {
		require.NoError(t, h.m.HandlePush(port.PushEvent{EntityKind: kind, PortfolioID: pid, Record: json.RawMessage(record)}))
	}

	push(port.EntityPosition, `{"id":"p1","current_price":12}`)
	list := h.positions()
	require.Len(t, list, 2)
	assert.Equal(t, 12.0, *list[0].CurrentPrice)
	assert.Equal(t, 10.0, list[0].Quantity)
	assert.Equal(t, 10.0, *price, "previous value is not mutated")

	push(port.EntityPosition, `{"id":"p2","quantity":0}`)
	assert.Len(t, h.positions(), 1)

	push(port.EntityPositionDeleted, `{"id":"p1"}`)
	assert.Empty(t, h.positions())

	err := h.m.HandlePush(port.PushEvent{EntityKind: port.EntityPosition, PortfolioID: pid, Record: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

type fakePush struct {
	subscribes atomic.Int32
	ch         chan port.PushEvent
}

func (f *fakePush) Name() string { return "fake" }

func (f *fakePush) Subscribe(ctx context.Context, portfolioID string) (<-chan port.PushEvent, error) {
	f.subscribes.Add(1)
	return f.ch, nil
}

func TestWatchSubscribesOncePerPortfolio(t *testing.T) {
	copts := cache.DefaultOptions()
	copts.DebounceWindow = 0
	c := cache.New(copts)
	defer c.Close()
	push := &fakePush{ch: make(chan port.PushEvent, 1)}
	m := NewManager(newRecordingStore(), storage.NewMemoryQueue(), connectivity.NewSignal(true), push, optimistic.NewManager(c, nil), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx, pid))
	require.NoError(t, m.Watch(ctx, pid))
	assert.Equal(t, int32(1), push.subscribes.Load())

	c.Set(cache.PositionsKey(pid), []model.Position{})
	push.ch <- port.PushEvent{EntityKind: port.EntityPosition, Record: json.RawMessage(`{"id":"p9","symbol":"NVDA","quantity":1,"average_cost":1,"total_invested":1}`)}

	require.Eventually(t, func() bool {
		e, _ := c.Get(cache.PositionsKey(pid))
		list, _ := e.Data.([]model.Position)
		return len(list) == 1 && list[0].ID == "p9"
	}, time.Second, time.Millisecond)
}
