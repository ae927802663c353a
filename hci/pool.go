package hci

import "bytes"

// Pool is the bounded ACL transmit buffer pool. Buffers mirror the
// controller-advertised data-packet count; when the controller acks packets
// via Number Of Completed Packets the buffers flow back in.
type Pool struct {
	ch  chan *bytes.Buffer
	cap int
}

func NewPool(size, cnt int) *Pool {
	p := &Pool{
		ch:  make(chan *bytes.Buffer, cnt),
		cap: cnt,
	}
	for i := 0; i < cnt; i++ {
		p.ch <- bytes.NewBuffer(make([]byte, 0, size))
	}
	return p
}

// TryGet returns a free buffer, or false when the pool is exhausted and the
// caller should apply backpressure.
func (p *Pool) TryGet() (*bytes.Buffer, bool) {
	select {
	case b := <-p.ch:
		b.Reset()
		return b, true
	default:
		return nil, false
	}
}

// Put returns a buffer to the pool.
func (p *Pool) Put(b *bytes.Buffer) {
	select {
	case p.ch <- b:
	default:
		// pool already full; drop the extra buffer
	}
}

// PutCredit refills one slot without a buffer round-trip. Used when the
// controller reports completed packets for a connection that has gone away.
func (p *Pool) PutCredit() {
	p.Put(bytes.NewBuffer(nil))
}

// Free reports the free buffer count.
func (p *Pool) Free() int {
	return len(p.ch)
}

// Cap reports the pool capacity.
func (p *Pool) Cap() int {
	return p.cap
}
