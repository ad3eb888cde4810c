package cache

import (
	"sync"
	"time"
)

// Scheduler 合并调度器：同一目标在静默期内的多次请求只触发一次
// 每次新请求都会取消旧定时器并重新计时
type Scheduler struct {
	mu     sync.Mutex
	window time.Duration
	timers map[string]*time.Timer
	closed bool
}

func NewScheduler(window time.Duration) *Scheduler {
	return &Scheduler{
		window: window,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule 在静默期结束后执行 fn；窗口为 0 时立即同步执行
func (s *Scheduler) Schedule(target string, fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.window <= 0 {
		s.mu.Unlock()
		fn()
		return
	}

	if t, ok := s.timers[target]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.window, func() {
		s.mu.Lock()
		// 已被新定时器替换
		if s.timers[target] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, target)
		s.mu.Unlock()
		fn()
	})
	s.timers[target] = t
	s.mu.Unlock()
}

// Pending 等待触发的目标数
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消所有未触发的任务
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}
