// Package hciutil provides the serial task queue the stack runs on and the
// timer guards that feed it.
package hciutil

import (
	"sync"

	"github.com/pkg/errors"
)

const queueDepth = 128

// Handler is a serial task queue. Every task posted to it runs on a single
// goroutine, so components scheduled on the same handler never race each
// other and need no internal locking.
type Handler struct {
	mu     sync.Mutex
	tasks  chan func()
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewHandler() *Handler {
	h := &Handler{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	h.wg.Add(1)
	go h.loop()
	return h
}

func (h *Handler) loop() {
	defer h.wg.Done()
	for {
		select {
		case t := <-h.tasks:
			t()
		case <-h.done:
			// drain whatever was queued before the close
			for {
				select {
				case t := <-h.tasks:
					t()
				default:
					return
				}
			}
		}
	}
}

// Post queues fn to run on the handler goroutine.
func (h *Handler) Post(fn func()) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("handler closed")
	}
	h.mu.Unlock()

	select {
	case h.tasks <- fn:
		return nil
	case <-h.done:
		return errors.New("handler closed")
	}
}

// CallOn runs fn on the handler goroutine and waits for it to finish. It is
// the bridge for external callers that need a synchronous answer.
func (h *Handler) CallOn(fn func()) error {
	ch := make(chan struct{})
	err := h.Post(func() {
		fn()
		close(ch)
	})
	if err != nil {
		return err
	}
	<-ch
	return nil
}

// Close stops the handler after draining queued tasks.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()
}
