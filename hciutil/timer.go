package hciutil

import (
	"sync"
	"time"
)

// Timer fires a callback as a task on a Handler after a delay. Stopping the
// guard before the callback has been posted guarantees it never runs;
// stopping after it fired is a no-op.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// After arms a timer that posts fn onto h when d elapses.
func After(h *Handler, d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		if tm.stopped {
			tm.mu.Unlock()
			return
		}
		tm.mu.Unlock()
		_ = h.Post(func() {
			tm.mu.Lock()
			if tm.stopped {
				tm.mu.Unlock()
				return
			}
			tm.stopped = true
			tm.mu.Unlock()
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether the callback was prevented from
// running.
func (tm *Timer) Stop() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopped {
		return false
	}
	tm.stopped = true
	tm.t.Stop()
	return true
}

// Reset re-arms the timer for a new interval, reviving a stopped guard.
func (tm *Timer) Reset(d time.Duration) {
	tm.mu.Lock()
	tm.stopped = false
	tm.t.Reset(d)
	tm.mu.Unlock()
}
