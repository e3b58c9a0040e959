package scheduler

import (
	"sync"
	"time"
)

// Manual is a Scheduler and Clock driven by Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	handles []*manualHandle
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Every registers fn to fire each interval of virtual time.
func (m *Manual) Every(interval time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &manualHandle{m: m, interval: interval, fn: fn, next: m.now.Add(interval)}
	m.handles = append(m.handles, h)
	return h
}

// Advance moves virtual time forward by d, calling every job that comes due
// in time order. Jobs run on the caller's goroutine.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		h := m.earliest(target)
		if h == nil {
			break
		}
		m.now = h.next
		h.next = h.next.Add(h.interval)
		fn := h.fn
		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// Active reports how many jobs are still scheduled.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manual) earliest(target time.Time) *manualHandle {
	var best *manualHandle
	for _, h := range m.handles {
		if h.next.After(target) {
			continue
		}
		if best == nil || h.next.Before(best.next) {
			best = h
		}
	}
	return best
}

func (m *Manual) remove(h *manualHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.handles {
		if cur == h {
			m.handles = append(m.handles[:i], m.handles[i+1:]...)
			h.next = time.Time{}
			return
		}
	}
}

type manualHandle struct {
	m        *Manual
	interval time.Duration
	fn       func()
	next     time.Time
}

func (h *manualHandle) Stop() {
	h.m.remove(h)
}

func (h *manualHandle) Next() time.Time {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.next
}
