// Package h4 frames HCI packets over a byte stream transport: a UART or a
// TCP socket exposing the H4 protocol.
package h4

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

const rxQueueSize = 64

type h4 struct {
	stream io.ReadWriteCloser

	rmu sync.Mutex
	wmu sync.Mutex
	cmu sync.Mutex

	rxQueue chan []byte
	done    chan struct{}
}

// NewUART opens an H4 framer on a serial port.
func NewUART(path string, baud uint) (io.ReadWriteCloser, error) {
	if baud == 0 {
		baud = 1000000
	}
	sp, err := serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open uart")
	}
	return newH4(sp), nil
}

// NewSocket opens an H4 framer on a TCP endpoint, e.g. an emulated
// controller.
func NewSocket(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "dial h4 socket")
	}
	return newH4(c), nil
}

func newH4(stream io.ReadWriteCloser) *h4 {
	h := &h4{
		stream:  stream,
		rxQueue: make(chan []byte, rxQueueSize),
		done:    make(chan struct{}),
	}
	go h.rxLoop()
	return h
}

// Read returns exactly one HCI frame, type prefix included.
func (h *h4) Read(p []byte) (int, error) {
	if !h.isOpen() {
		return 0, io.EOF
	}

	h.rmu.Lock()
	defer h.rmu.Unlock()

	select {
	case t, ok := <-h.rxQueue:
		if !ok {
			return 0, io.EOF
		}
		if len(p) < len(t) {
			return 0, io.ErrShortBuffer
		}
		return copy(p, t), nil

	case <-time.After(time.Second):
		// zero-length read means retry, matching the raw socket behavior
		return 0, nil

	case <-h.done:
		return 0, io.EOF
	}
}

func (h *h4) Write(p []byte) (int, error) {
	if !h.isOpen() {
		return 0, io.EOF
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	n, err := h.stream.Write(p)
	return n, errors.Wrap(err, "write h4")
}

func (h *h4) Close() error {
	h.cmu.Lock()
	defer h.cmu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
		close(h.done)
		return errors.Wrap(h.stream.Close(), "close h4")
	}
}

func (h *h4) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return h.stream != nil
	}
}

func (h *h4) rxLoop() {
	defer close(h.rxQueue)

	fr := newFrame(h.rxQueue)
	tmp := make([]byte, 512)
	for {
		select {
		case <-h.done:
			return
		default:
		}

		n, err := h.stream.Read(tmp)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		fr.Assemble(tmp[:n])
	}
}
