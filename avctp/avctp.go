// Package avctp implements the AV control transport: per-remote link and
// browse state machines over L2CAP, 4-bit transaction labels guarded by
// timers, and message-level fragmentation.
package avctp

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hciutil"
	"github.com/blewire/bthost/l2cap"
	"github.com/blewire/bthost/link"
)

// State is the position of a link or browse state machine.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ChannelType selects the control or the browse channel of a session.
type ChannelType int

const (
	ChannelControl ChannelType = iota
	ChannelBrowse
)

const (
	controlMTU = 672

	// the browse channel never negotiates below this
	browseMTUFloor = 335

	congestionRetryDelay = 50 * time.Millisecond
)

// Handler receives transport callbacks for one bound profile id. Callbacks
// run on the stack handler and must not block.
type Handler interface {
	OnConnect(remote bthost.Addr, ct ChannelType)
	OnDisconnect(remote bthost.Addr, ct ChannelType, reason error)
	OnMessage(remote bthost.Addr, ct ChannelType, label bthost.Label, cr uint8, payload []byte)
	OnCongested(remote bthost.Addr, congested bool)
}

// Links is the slice of the link manager the transport drives.
type Links interface {
	Open(a bthost.Addr, tr bthost.Transport) (*link.Link, error)
	OpenChannel(a bthost.Addr, tr bthost.Transport, psm bthost.PSM, secure bool) error
}

type reasmState struct {
	active bool
	label  bthost.Label
	cr     uint8
	pid    uint16
	buf    []byte
}

// conduit is one half of a session: the control or the browse channel.
type conduit struct {
	state     State
	ch        *l2cap.Channel
	reasm     reasmState
	congested bool
	queue     [][]byte
	retry     *hciutil.Timer
}

type session struct {
	remote  bthost.Addr
	labels  *labelSet
	control conduit
	browse  conduit
}

func (s *session) conduit(ct ChannelType) *conduit {
	if ct == ChannelBrowse {
		return &s.browse
	}
	return &s.control
}

// Transport multiplexes AVCTP messages of every bound profile over one
// control and one browse channel per remote.
type Transport struct {
	h     *hciutil.Handler
	links Links
	log   bthost.Logger

	binds    map[uint16]Handler
	sessions map[string]*session
}

// New wires the transport into the L2CAP registrant table. At most one
// Transport may own the AVCTP PSMs of a registry.
func New(h *hciutil.Handler, links Links, reg *l2cap.Registry, log bthost.Logger) (*Transport, error) {
	t := &Transport{
		h:        h,
		links:    links,
		log:      log.ChildLogger(map[string]interface{}{"pkg": "avctp"}),
		binds:    make(map[uint16]Handler),
		sessions: make(map[string]*session),
	}
	err := reg.Register(&l2cap.Registrant{
		PSM:     bthost.PSMAVCTP,
		MTU:     controlMTU,
		Handler: &conduitGlue{t: t, ct: ChannelControl},
	})
	if err != nil {
		return nil, err
	}
	err = reg.Register(&l2cap.Registrant{
		PSM:     bthost.PSMAVCTPBrowse,
		MTU:     browseMTUFloor,
		Mode:    l2cap.ModeERTM,
		Handler: &conduitGlue{t: t, ct: ChannelBrowse},
	})
	if err != nil {
		reg.Deregister(bthost.PSMAVCTP)
		return nil, err
	}
	return t, nil
}

// conduitGlue adapts l2cap channel callbacks onto one conduit kind.
type conduitGlue struct {
	t  *Transport
	ct ChannelType
}

func (g *conduitGlue) ServeOpened(ch *l2cap.Channel) { g.t.onOpened(g.ct, ch) }

func (g *conduitGlue) ServeData(ch *l2cap.Channel, sdu []byte) { g.t.onData(g.ct, ch, sdu) }

func (g *conduitGlue) ServeClosed(ch *l2cap.Channel, reason error) { g.t.onClosed(g.ct, ch, reason) }

// Bind attaches a profile handler to a PID. A PID has at most one binding.
func (t *Transport) Bind(pid uint16, h Handler) error {
	var err error
	t.h.CallOn(func() {
		if _, ok := t.binds[pid]; ok {
			err = errors.Wrapf(bthost.ErrInvalidArgument, "pid 0x%04x already bound", pid)
			return
		}
		t.binds[pid] = h
	})
	return err
}

func (t *Transport) Unbind(pid uint16) {
	t.h.Post(func() { delete(t.binds, pid) })
}

// Connect brings up the control channel to remote, creating the ACL first
// when needed. It returns once the open is in flight; OnConnect reports the
// channel reaching OPEN.
func (t *Transport) Connect(remote bthost.Addr) error {
	if _, err := t.links.Open(remote, bthost.TransportBREDR); err != nil {
		return err
	}
	var start bool
	t.h.CallOn(func() {
		s := t.sessionFor(remote, true)
		if s.control.state == StateIdle {
			s.control.state = StateOpening
			start = true
		}
	})
	if !start {
		return nil
	}
	return t.links.OpenChannel(remote, bthost.TransportBREDR, bthost.PSMAVCTP, false)
}

// ConnectBrowse brings up the browse channel. The control channel must be
// open first.
func (t *Transport) ConnectBrowse(remote bthost.Addr) error {
	var err error
	var start bool
	t.h.CallOn(func() {
		s := t.sessionFor(remote, false)
		if s == nil || s.control.state != StateOpen {
			err = errors.Wrap(bthost.ErrClosed, "control channel not open")
			return
		}
		if s.browse.state == StateIdle {
			s.browse.state = StateOpening
			start = true
		}
	})
	if err != nil || !start {
		return err
	}
	return t.links.OpenChannel(remote, bthost.TransportBREDR, bthost.PSMAVCTPBrowse, false)
}

// Disconnect closes both channels of the session.
func (t *Transport) Disconnect(remote bthost.Addr) {
	t.h.Post(func() {
		s := t.sessionFor(remote, false)
		if s == nil {
			return
		}
		for _, c := range []*conduit{&s.browse, &s.control} {
			if c.state == StateOpen {
				c.state = StateClosing
				c.ch.Close()
			}
		}
	})
}

// GetTransaction allocates a transaction label for remote, blocking while
// all 16 are pending until one frees or ctx is done. onTimeout fires on the
// handler if the 2 s guard expires before ReleaseTransaction.
func (t *Transport) GetTransaction(ctx context.Context, remote bthost.Addr, onTimeout func(bthost.Label)) (bthost.Label, error) {
	var (
		label bthost.Label
		ok    bool
		w     *waiter
		s     *session
	)
	t.h.CallOn(func() {
		s = t.sessionFor(remote, false)
		if s == nil {
			return
		}
		label, ok = s.labels.tryAcquire(onTimeout)
		if !ok {
			w = &waiter{ch: make(chan bthost.Label, 1), onTimeout: onTimeout}
			s.labels.enqueue(w)
		}
	})
	if s == nil {
		return 0, errors.Wrap(bthost.ErrClosed, "no avctp session")
	}
	if ok {
		return label, nil
	}

	select {
	case l, open := <-w.ch:
		if !open {
			return 0, bthost.ErrClosed
		}
		return l, nil
	case <-ctx.Done():
		t.h.CallOn(func() {
			if s.labels.cancelWaiter(w) {
				return
			}
			// the label was handed over concurrently; give it back
			select {
			case transferred, got := <-w.ch:
				if got {
					s.labels.release(transferred)
				}
			default:
			}
		})
		return 0, errors.Wrap(bthost.ErrNoResources, "transaction labels exhausted")
	}
}

// ReleaseTransaction retires a label and cancels its guard timer. It
// reports whether the label was pending.
func (t *Transport) ReleaseTransaction(remote bthost.Addr, label bthost.Label) bool {
	var ok bool
	t.h.CallOn(func() {
		if s := t.sessionFor(remote, false); s != nil {
			ok = s.labels.release(label)
		}
	})
	return ok
}

// Send transmits one message, fragmenting to the channel MTU. While the
// channel is congested it fails fast with ErrNoResources.
func (t *Transport) Send(remote bthost.Addr, ct ChannelType, label bthost.Label, cr uint8, pid uint16, payload []byte) error {
	var err error
	t.h.CallOn(func() {
		s := t.sessionFor(remote, false)
		if s == nil {
			err = errors.Wrap(bthost.ErrClosed, "no avctp session")
			return
		}
		c := s.conduit(ct)
		if c.state != StateOpen {
			err = errors.Wrapf(bthost.ErrClosed, "channel in %v", c.state)
			return
		}
		if c.congested {
			err = errors.Wrap(bthost.ErrNoResources, "channel congested")
			return
		}
		err = t.transmit(remote, c, fragment(label, cr, pid, payload, int(c.ch.MTU())))
	})
	return err
}

// transmit pushes packets out, parking the remainder on congestion. Runs on
// the handler.
func (t *Transport) transmit(remote bthost.Addr, c *conduit, pkts [][]byte) error {
	for i, pkt := range pkts {
		if err := c.ch.Send(pkt); err != nil {
			if errors.Is(err, bthost.ErrNoResources) {
				c.queue = append(c.queue, pkts[i:]...)
				t.setCongested(remote, c, true)
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *Transport) setCongested(remote bthost.Addr, c *conduit, congested bool) {
	if c.congested == congested {
		return
	}
	c.congested = congested
	for _, h := range t.binds {
		h.OnCongested(remote, congested)
	}
	if congested {
		if c.retry == nil {
			c.retry = hciutil.After(t.h, congestionRetryDelay, func() { t.drainQueue(remote, c) })
		} else {
			c.retry.Reset(congestionRetryDelay)
		}
	}
}

func (t *Transport) drainQueue(remote bthost.Addr, c *conduit) {
	if c.state != StateOpen {
		c.queue = nil
		return
	}
	for len(c.queue) > 0 {
		if err := c.ch.Send(c.queue[0]); err != nil {
			if errors.Is(err, bthost.ErrNoResources) {
				c.retry.Reset(congestionRetryDelay)
				return
			}
			t.log.Errorf("avctp: drain: %v", err)
			c.queue = nil
			return
		}
		c.queue = c.queue[1:]
	}
	t.setCongested(remote, c, false)
}

func (t *Transport) sessionFor(remote bthost.Addr, create bool) *session {
	key := remote.String()
	s := t.sessions[key]
	if s == nil && create {
		s = &session{remote: remote, labels: newLabelSet(t.h)}
		t.sessions[key] = s
	}
	return s
}

func (t *Transport) onOpened(ct ChannelType, ch *l2cap.Channel) {
	s := t.sessionFor(ch.Remote(), true)
	c := s.conduit(ct)
	c.ch = ch
	c.state = StateOpen
	for _, h := range t.binds {
		h.OnConnect(ch.Remote(), ct)
	}
}

func (t *Transport) onClosed(ct ChannelType, ch *l2cap.Channel, reason error) {
	s := t.sessionFor(ch.Remote(), false)
	if s == nil {
		return
	}
	c := s.conduit(ct)
	c.state = StateIdle
	c.ch = nil
	c.reasm = reasmState{}
	c.queue = nil
	if c.retry != nil {
		c.retry.Stop()
	}
	for _, h := range t.binds {
		h.OnDisconnect(ch.Remote(), ct, reason)
	}
	if ct == ChannelControl {
		s.labels.drain()
		if s.browse.state == StateIdle {
			delete(t.sessions, ch.Remote().String())
		}
	}
}

func (t *Transport) onData(ct ChannelType, ch *l2cap.Channel, pkt []byte) {
	s := t.sessionFor(ch.Remote(), false)
	if s == nil {
		return
	}
	c := s.conduit(ct)
	h, payload, err := parseHeader(pkt)
	if err != nil {
		t.log.Warnf("avctp: %v", err)
		return
	}

	switch h.pktType {
	case pktSingle, pktStart:
		if c.reasm.active {
			// a new message interrupted a fragmented one
			t.reject(c, c.reasm.label, c.reasm.pid)
			c.reasm = reasmState{}
		}
		if h.pktType == pktSingle {
			t.deliver(ch.Remote(), ct, h, payload)
			return
		}
		c.reasm = reasmState{
			active: true,
			label:  h.label,
			cr:     h.cr,
			pid:    h.pid,
			buf:    append([]byte(nil), payload...),
		}
	case pktContinue, pktEnd:
		if !c.reasm.active || c.reasm.label != h.label {
			t.reject(c, h.label, c.reasm.pid)
			c.reasm = reasmState{}
			return
		}
		c.reasm.buf = append(c.reasm.buf, payload...)
		if h.pktType == pktEnd {
			done := header{label: c.reasm.label, cr: c.reasm.cr, pid: c.reasm.pid}
			buf := c.reasm.buf
			c.reasm = reasmState{}
			t.deliver(ch.Remote(), ct, done, buf)
		}
	}
}

// deliver hands a complete message to the PID's binding; commands for an
// unbound PID bounce back with the invalid-PID bit set.
func (t *Transport) deliver(remote bthost.Addr, ct ChannelType, h header, payload []byte) {
	bound, ok := t.binds[h.pid]
	if !ok {
		if h.cr == Command {
			s := t.sessionFor(remote, false)
			if s != nil {
				t.reject(s.conduit(ct), h.label, h.pid)
			}
		}
		return
	}
	bound.OnMessage(remote, ct, h.label, h.cr, payload)
}

// reject answers with a Single response carrying the invalid-PID bit.
func (t *Transport) reject(c *conduit, label bthost.Label, pid uint16) {
	if c.state != StateOpen {
		return
	}
	h := header{label: label, pktType: pktSingle, cr: Response, ipid: true, pid: pid}
	pkt := make([]byte, 3)
	pkt[0] = h.firstOctet()
	pkt[1] = byte(pid >> 8)
	pkt[2] = byte(pid)
	if err := c.ch.Send(pkt); err != nil {
		t.log.Warnf("avctp: reject: %v", err)
	}
}
