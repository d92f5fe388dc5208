package evaluator

import (
	"sync"
	"time"
)

// Timer 可取消的定时器
type Timer interface {
	Stop() bool
}

// AfterFunc 定时器工厂，测试中替换为手动触发的实现
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type scheduled struct {
	timer Timer
	gen   uint64
}

// Scheduler 按告警 ID 管理升级定时器，同一 ID 至多一个
type Scheduler struct {
	mu     sync.Mutex
	after  AfterFunc
	timers map[string]scheduled
	gen    uint64
}

// NewScheduler after 为 nil 时使用 time.AfterFunc
func NewScheduler(after AfterFunc) *Scheduler {
	if after == nil {
		after = realAfterFunc
	}
	return &Scheduler{after: after, timers: make(map[string]scheduled)}
}

// Schedule 在 d 之后执行 fn；已有同 ID 定时器时先取消
func (s *Scheduler) Schedule(id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[id]; ok {
		cur.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := s.after(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[id]
		if !ok || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = scheduled{timer: t, gen: gen}
}

// Cancel 取消定时器，返回是否存在
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[id]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.timers, id)
	return true
}

// Pending 等待中的定时器数量
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消全部定时器
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, id)
	}
}
