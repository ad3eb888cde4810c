package optimistic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/application/cache"
	"posledger/internal/domain/errs"
)

var counterKey = cache.PositionsKey("main")

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	opts := cache.DefaultOptions()
	opts.DebounceWindow = 0
	c := cache.New(opts)
	t.Cleanup(c.Close)
	return NewManager(c, nil)
}

func set(v int) cache.UpdateFunc {
	return func(any, bool) (any, bool) { return v, true }
}

func increment(commit func(ctx context.Context) (any, error)) Mutation {
	return Mutation{
		Kind: "increment",
		Keys: []cache.Key{counterKey},
		Optimistic: func(read Reader) ([]Write, error) {
			v, _ := read(counterKey)
			n, _ := v.(int)
			return []Write{{Key: counterKey, Update: set(n + 1)}}, nil
		},
		Commit: commit,
	}
}

func TestExecuteConfirmsAndReconciles(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 1)

	mut := increment(func(ctx context.Context) (any, error) {
		e, _ := m.Cache().Get(counterKey)
		assert.Equal(t, 2, e.Data, "observers see the optimistic value while pending")
		return 20, nil
	})
	mut.Reconcile = func(result any) []Write {
		return []Write{{Key: counterKey, Update: set(result.(int))}}
	}

	res, err := m.Execute(context.Background(), mut)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	assert.Equal(t, 20, res.Value)
	assert.NotEmpty(t, res.ID)

	e, _ := m.Cache().Get(counterKey)
	assert.Equal(t, 20, e.Data)
	assert.False(t, m.Cache().Held(counterKey))
}

func TestExecuteRollsBackExactly(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 1)
	m.Cache().Set(cache.SummaryKey("main"), "summary")
	before, _ := m.Cache().Get(counterKey)

	failure := errs.New(errs.KindServerFailure, "boom")
	mut := increment(func(ctx context.Context) (any, error) { return nil, failure })
	mut.Keys = append(mut.Keys, cache.SummaryKey("main"))

	res, err := m.Execute(context.Background(), mut)
	require.ErrorIs(t, err, errs.ErrServerFailure)
	assert.Equal(t, StateRolledBack, res.State)

	after, _ := m.Cache().Get(counterKey)
	assert.Equal(t, before.Data, after.Data)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.LastFetchedAt, after.LastFetchedAt)
	assert.False(t, m.Cache().Held(counterKey))

	s, _ := m.Cache().Get(cache.SummaryKey("main"))
	assert.Equal(t, "summary", s.Data)
}

func TestRollbackOfMissingKeyLeavesNoData(t *testing.T) {
	m := newTestManager(t)
	mut := increment(func(ctx context.Context) (any, error) { return nil, errors.New("down") })

	_, err := m.Execute(context.Background(), mut)
	require.Error(t, err)

	_, ok := m.Cache().Get(counterKey)
	assert.False(t, ok)
}

func TestOptimisticErrorLeavesCacheUntouched(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 5)

	called := false
	mut := Mutation{
		Kind: "sell",
		Keys: []cache.Key{counterKey},
		Optimistic: func(Reader) ([]Write, error) {
			return nil, errs.New(errs.KindOverselling, "cannot sell 10, only 5 held")
		},
		Commit: func(context.Context) (any, error) {
			called = true
			return nil, nil
		},
	}

	_, err := m.Execute(context.Background(), mut)
	require.ErrorIs(t, err, errs.ErrOverselling)
	assert.False(t, called)

	e, _ := m.Cache().Get(counterKey)
	assert.Equal(t, 5, e.Data)
	assert.False(t, m.Cache().Held(counterKey))

	// 锁已释放
	_, err = m.Execute(context.Background(), increment(func(context.Context) (any, error) { return nil, nil }))
	require.NoError(t, err)
}

func TestSameKeyMutationsAreSerialized(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 0)

	gate := make(chan struct{})
	started := make(chan struct{})
	var secondSynthesized atomic.Bool

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Execute(context.Background(), increment(func(context.Context) (any, error) {
			close(started)
			<-gate
			return nil, nil
		}))
		assert.NoError(t, err)
	}()

	<-started
	go func() {
		defer wg.Done()
		mut := increment(func(context.Context) (any, error) { return nil, nil })
		inner := mut.Optimistic
		mut.Optimistic = func(read Reader) ([]Write, error) {
			secondSynthesized.Store(true)
			return inner(read)
		}
		_, err := m.Execute(context.Background(), mut)
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, secondSynthesized.Load(), "second mutation waits for the first to settle")
	close(gate)
	wg.Wait()

	e, _ := m.Cache().Get(counterKey)
	assert.Equal(t, 2, e.Data)
}

func TestPushDuringPendingIsDeferred(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 1)

	mut := increment(func(ctx context.Context) (any, error) {
		deferred := m.Cache().MergeRemote(counterKey, func(old any, ok bool) (any, bool) {
			return old.(int) * 10, true
		})
		assert.True(t, deferred)
		e, _ := m.Cache().Get(counterKey)
		assert.Equal(t, 2, e.Data)
		return nil, nil
	})

	_, err := m.Execute(context.Background(), mut)
	require.NoError(t, err)

	e, _ := m.Cache().Get(counterKey)
	assert.Equal(t, 20, e.Data)
}

func TestPushDuringSynthesisIsNotClobbered(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 1)

	mut := increment(func(context.Context) (any, error) { return nil, nil })
	synthesize := mut.Optimistic
	mut.Optimistic = func(read Reader) ([]Write, error) {
		writes, err := synthesize(read)
		// 合成期间到达的推送
		deferred := m.Cache().MergeRemote(counterKey, func(old any, ok bool) (any, bool) {
			return old.(int) * 10, true
		})
		assert.True(t, deferred, "keys are held before the optimistic value is computed")
		return writes, err
	}

	_, err := m.Execute(context.Background(), mut)
	require.NoError(t, err)

	e, _ := m.Cache().Get(counterKey)
	assert.Equal(t, 20, e.Data, "push is applied on top of the confirmed value")
}

func TestRejectedSynthesisAppliesPushAndReleases(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 1)

	mut := Mutation{
		Kind: "sell",
		Keys: []cache.Key{counterKey},
		Optimistic: func(Reader) ([]Write, error) {
			m.Cache().MergeRemote(counterKey, set(7))
			return nil, errs.New(errs.KindOverselling, "cannot sell")
		},
	}
	_, err := m.Execute(context.Background(), mut)
	require.ErrorIs(t, err, errs.ErrOverselling)

	e, _ := m.Cache().Get(counterKey)
	assert.Equal(t, 7, e.Data)
	assert.False(t, m.Cache().Held(counterKey))
}

func TestConfirmInvalidatesDependents(t *testing.T) {
	m := newTestManager(t)
	summary := cache.SummaryKey("main")
	m.Cache().Set(summary, "old")

	mut := increment(func(context.Context) (any, error) { return nil, nil })
	mut.Invalidate = []cache.Key{summary}

	_, err := m.Execute(context.Background(), mut)
	require.NoError(t, err)

	e, _ := m.Cache().Get(summary)
	assert.Equal(t, cache.StatusStale, e.Status)
}

func TestParkedTxReleasesLockButKeepsHold(t *testing.T) {
	m := newTestManager(t)
	m.Cache().Set(counterKey, 1)
	ctx := context.Background()

	first, err := m.Begin(ctx, increment(nil))
	require.NoError(t, err)
	first.Park()
	assert.Equal(t, StateQueued, first.State())

	second, err := m.Begin(ctx, increment(nil))
	require.NoError(t, err)
	second.Park()

	e, _ := m.Cache().Get(counterKey)
	assert.Equal(t, 3, e.Data, "queued edits compound")
	assert.True(t, m.Cache().Held(counterKey))

	first.Settle(true)
	assert.True(t, m.Cache().Held(counterKey))
	second.Settle(false)
	assert.False(t, m.Cache().Held(counterKey))
	assert.Equal(t, StateConfirmed, first.State())
	assert.Equal(t, StateRolledBack, second.State())

	e, _ = m.Cache().Get(counterKey)
	assert.Equal(t, cache.StatusStale, e.Status)
}

func TestKeyLocksHonorContext(t *testing.T) {
	l := NewKeyLocks()
	unlock, err := l.Lock(context.Background(), "b", "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "a", "b", "a")
	require.NoError(t, err)
	again()
}
