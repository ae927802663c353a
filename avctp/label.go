package avctp

import (
	"time"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hciutil"
)

const (
	labelCount = 16
	txnTimeout = 2 * time.Second
)

type waiter struct {
	ch        chan bthost.Label
	onTimeout func(bthost.Label)
}

// labelSet tracks the 16 transaction labels of one session. A label stays
// unavailable while its 2 s guard timer is pending; releases either free the
// label or hand it straight to the oldest waiter. All methods run on the
// stack handler.
type labelSet struct {
	h         *hciutil.Handler
	pending   [labelCount]bool
	timers    [labelCount]*hciutil.Timer
	onTimeout [labelCount]func(bthost.Label)
	waiters   []*waiter
	next      uint8
}

func newLabelSet(h *hciutil.Handler) *labelSet {
	return &labelSet{h: h}
}

func (s *labelSet) tryAcquire(onTimeout func(bthost.Label)) (bthost.Label, bool) {
	for i := 0; i < labelCount; i++ {
		l := (s.next + uint8(i)) % labelCount
		if s.pending[l] {
			continue
		}
		s.next = (l + 1) % labelCount
		s.arm(bthost.Label(l), onTimeout)
		return bthost.Label(l), true
	}
	return 0, false
}

func (s *labelSet) arm(l bthost.Label, onTimeout func(bthost.Label)) {
	s.pending[l] = true
	s.onTimeout[l] = onTimeout
	if s.timers[l] == nil {
		s.timers[l] = hciutil.After(s.h, txnTimeout, func() { s.expire(l) })
	} else {
		s.timers[l].Reset(txnTimeout)
	}
}

func (s *labelSet) expire(l bthost.Label) {
	if !s.pending[l] {
		return
	}
	fn := s.onTimeout[l]
	s.free(l)
	if fn != nil {
		fn(l)
	}
}

// release cancels the guard timer and frees the label, or transfers it to
// the oldest waiter. Reports whether the label was actually pending.
func (s *labelSet) release(l bthost.Label) bool {
	if int(l) >= labelCount || !s.pending[l] {
		return false
	}
	s.timers[l].Stop()
	s.free(l)
	return true
}

func (s *labelSet) free(l bthost.Label) {
	s.pending[l] = false
	s.onTimeout[l] = nil
	if len(s.waiters) == 0 {
		return
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.arm(l, w.onTimeout)
	w.ch <- l
}

func (s *labelSet) enqueue(w *waiter) {
	s.waiters = append(s.waiters, w)
}

// cancelWaiter removes w if it has not been served yet.
func (s *labelSet) cancelWaiter(w *waiter) bool {
	for i, x := range s.waiters {
		if x == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// drain stops every guard timer and fails the waiters. Used on session
// teardown.
func (s *labelSet) drain() {
	for i := range s.timers {
		if s.timers[i] != nil {
			s.timers[i].Stop()
		}
		s.pending[i] = false
		s.onTimeout[i] = nil
	}
	for _, w := range s.waiters {
		close(w.ch)
	}
	s.waiters = nil
}
