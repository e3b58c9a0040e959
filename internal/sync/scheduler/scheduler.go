// Package scheduler provides cancellable repeating timers for the sync engine.
//
// Ticker is backed by time.Ticker. Manual is a virtual-time double whose
// Advance fires due ticks synchronously, so engine tests are deterministic.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler starts repeating jobs.
type Scheduler interface {
	// Every calls fn once per interval until the returned Handle is stopped.
	// The first call happens one interval from now.
	Every(interval time.Duration, fn func()) Handle
}

// Handle controls one repeating job.
type Handle interface {
	// Stop prevents future calls. A call already running is not interrupted.
	Stop()
	// Next returns when the job fires next, or the zero time once stopped.
	Next() time.Time
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Ticker schedules jobs on real time.
type Ticker struct{}

// NewTicker creates a real-time Scheduler.
func NewTicker() *Ticker {
	return &Ticker{}
}

// Every starts a goroutine that calls fn on every tick.
func (Ticker) Every(interval time.Duration, fn func()) Handle {
	h := &tickerHandle{
		stopCh: make(chan struct{}),
		next:   time.Now().Add(interval),
	}
	ticker := time.NewTicker(interval)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case t := <-ticker.C:
				h.mu.Lock()
				h.next = t.Add(interval)
				h.mu.Unlock()
				fn()
			}
		}
	}()
	return h
}

type tickerHandle struct {
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	mu     sync.RWMutex
	next   time.Time
}

func (h *tickerHandle) Stop() {
	h.once.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		h.next = time.Time{}
		h.mu.Unlock()
	})
}

func (h *tickerHandle) Next() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.next
}
