package optimistic

import (
	"context"
	"sort"
	"sync"
)

// KeyLocks 按键串行化变更；同一键上的写入严格按获取顺序执行
type KeyLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{slots: make(map[string]*slot)}
}

// Lock 按字典序依次获取所有键，避免交叉加锁死锁；ctx 结束时放弃已获取的锁
func (l *KeyLocks) Lock(ctx context.Context, keys ...string) (unlock func(), err error) {
	sorted := dedupSorted(keys)
	acquired := make([]string, 0, len(sorted))

	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			l.unlock(acquired[i])
		}
	}

	for _, k := range sorted {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			acquired = append(acquired, k)
		case <-ctx.Done():
			l.unref(k)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *KeyLocks) ref(k string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	return s
}

func (l *KeyLocks) unref(k string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	if s == nil {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

func (l *KeyLocks) unlock(k string) {
	l.mu.Lock()
	s := l.slots[k]
	l.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	l.unref(k)
}

func dedupSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
