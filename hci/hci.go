// Package hci implements the HCI command/event correlator: framing, credit
// gated command submission, completion matching, and ACL data routing.
package hci

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci/cmd"
	"github.com/blewire/bthost/hci/evt"
	"github.com/blewire/bthost/sliceops"
)

// Command is an HCI command the correlator can post.
type Command interface {
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// CommandRP is a command return-parameter block.
type CommandRP interface {
	Unmarshal(b []byte) error
}

type handlerFn func(b []byte) error

// Capture receives every frame crossing the transport, type prefix included.
// The snoop logger implements it.
type Capture interface {
	Capture(dir Direction, frame []byte)
}

type pkt struct {
	cmd      Command
	done     chan []byte
	terminal int // event code that completes this command, 0 if none
	timeout  time.Duration
}

// HCI is the correlator. One instance per controller.
type HCI struct {
	cfg bthost.Config
	log bthost.Logger

	skt io.ReadWriteCloser

	// Host to Controller command flow control [Vol 2, Part E, 4.4]
	chCmdBufs chan []byte
	muSent    sync.Mutex
	sent      map[int]*pkt

	evth map[int]handlerFn
	subh map[int]handlerFn

	aclHandler func(ACLPacket)

	// controller-advertised ACL buffering
	bufSize int
	bufCnt  int
	pool    *Pool

	// outstanding ACL packets per connection handle, for NOCP bookkeeping
	muOut       sync.Mutex
	outstanding map[uint16]int

	addr       bthost.Addr
	lmpVersion uint8
	acceptlist int

	capture      Capture
	errorHandler func(error)

	muTimeouts  sync.Mutex
	cmdTimeouts int

	muClose sync.Mutex
	done    chan struct{}
	err     error

	sktRxChan chan []byte
}

// NewHCI wraps a transport. The transport delivers exactly one HCI frame per
// Read, which both the H4 framer and the raw socket guarantee.
func NewHCI(skt io.ReadWriteCloser, cfg bthost.Config, log bthost.Logger) *HCI {
	h := &HCI{
		cfg: cfg,
		log: log.ChildLogger(map[string]interface{}{"component": "hci"}),

		skt:       skt,
		chCmdBufs: make(chan []byte, chCmdBufChanSize),
		sent:      make(map[int]*pkt),

		evth: map[int]handlerFn{},
		subh: map[int]handlerFn{},

		outstanding: make(map[uint16]int),

		done:      make(chan struct{}),
		sktRxChan: make(chan []byte, 16),
	}
	return h
}

// Init brings the controller up and learns its buffering limits.
func (h *HCI) Init() error {
	h.evth[evt.CommandCompleteCode] = h.handleCommandComplete
	h.evth[evt.CommandStatusCode] = h.handleCommandStatus
	h.evth[evt.NumberOfCompletedPacketsCode] = h.handleNumberOfCompletedPackets
	h.evth[evt.HardwareErrorCode] = h.handleHardwareError
	h.evth[evt.LEMetaCode] = h.handleLEMeta

	h.setAllowedCommands(1)

	go h.sktReadLoop()
	go h.sktProcessLoop()

	if err := h.init(); err != nil {
		return err
	}

	// Head room for the lower layer headers:
	// HCI type (1) + ACL data header (4) + L2CAP PDU fragment.
	h.pool = NewPool(1+4+h.bufSize, h.bufCnt)
	return nil
}

func (h *HCI) init() error {
	h.log.Info("hci reset")
	if err := h.Send(&cmd.Reset{}, nil); err != nil {
		return errors.Wrap(err, "reset")
	}

	ReadBDADDRRP := cmd.ReadBDADDRRP{}
	if err := h.Send(&cmd.ReadBDADDR{}, &ReadBDADDRRP); err != nil {
		return errors.Wrap(err, "read bdaddr")
	}
	h.addr = bthost.BytesToAddr(ReadBDADDRRP.BDADDR[:])

	ReadLocalVersionRP := cmd.ReadLocalVersionInformationRP{}
	if err := h.Send(&cmd.ReadLocalVersionInformation{}, &ReadLocalVersionRP); err != nil {
		return errors.Wrap(err, "read local version")
	}
	h.lmpVersion = ReadLocalVersionRP.LMPVersion

	ReadBufferSizeRP := cmd.ReadBufferSizeRP{}
	if err := h.Send(&cmd.ReadBufferSize{}, &ReadBufferSizeRP); err != nil {
		return errors.Wrap(err, "read buffer size")
	}
	// Assume the buffers are shared between ACL-U and LE-U.
	h.bufCnt = int(ReadBufferSizeRP.HCTotalNumACLDataPackets)
	h.bufSize = int(ReadBufferSizeRP.HCACLDataPacketLength)

	LEReadBufferSizeRP := cmd.LEReadBufferSizeRP{}
	if err := h.Send(&cmd.LEReadBufferSize{}, &LEReadBufferSizeRP); err == nil &&
		LEReadBufferSizeRP.HCTotalNumLEDataPackets != 0 {
		// LE-U has its own buffers.
		h.bufCnt = int(LEReadBufferSizeRP.HCTotalNumLEDataPackets)
		h.bufSize = int(LEReadBufferSizeRP.HCLEDataPacketLength)
	}

	LEReadFilterAcceptListSizeRP := cmd.LEReadFilterAcceptListSizeRP{}
	if err := h.Send(&cmd.LEReadFilterAcceptListSize{}, &LEReadFilterAcceptListSizeRP); err == nil {
		h.acceptlist = int(LEReadFilterAcceptListSizeRP.FilterAcceptListSize)
	}
	if h.cfg.AcceptlistSize > 0 && h.cfg.AcceptlistSize < h.acceptlist {
		h.acceptlist = h.cfg.AcceptlistSize
	}

	if err := h.Send(&cmd.SetEventMask{EventMask: 0x3dbff807fffbffff}, &cmd.SetEventMaskRP{}); err != nil {
		return errors.Wrap(err, "set event mask")
	}
	return h.Send(&cmd.LESetEventMask{LEEventMask: 0x000000000000001F}, &cmd.LESetEventMaskRP{})
}

// Addr returns the controller address.
func (h *HCI) Addr() bthost.Addr { return h.addr }

// LMPVersion returns the controller LMP version.
func (h *HCI) LMPVersion() uint8 { return h.lmpVersion }

// AcceptlistSize returns the controller filter accept list capacity, capped
// by configuration.
func (h *HCI) AcceptlistSize() int { return h.acceptlist }

// BufSize returns the controller ACL data packet length.
func (h *HCI) BufSize() int { return h.bufSize }

// Pool returns the bounded ACL transmit buffer pool.
func (h *HCI) Pool() *Pool { return h.pool }

// SetCapture wires the snoop logger into the transport path.
func (h *HCI) SetCapture(c Capture) { h.capture = c }

// SetErrorHandler installs the sink for transport-fatal errors.
func (h *HCI) SetErrorHandler(f func(error)) { h.errorHandler = f }

// SetACLHandler installs the inbound ACL data sink (the link manager).
func (h *HCI) SetACLHandler(f func(ACLPacket)) { h.aclHandler = f }

// RegisterEventHandler routes an event code to a handler. Registration is
// setup-time only; it must happen before Init.
func (h *HCI) RegisterEventHandler(code int, f func(b []byte) error) {
	h.evth[code] = f
}

// RegisterSubEventHandler routes an LE meta subevent code to a handler.
func (h *HCI) RegisterSubEventHandler(code int, f func(b []byte) error) {
	h.subh[code] = f
}

// Close shuts the correlator down.
func (h *HCI) Close() error {
	h.muClose.Lock()
	defer h.muClose.Unlock()

	select {
	case <-h.done:
	default:
		close(h.done)
	}
	return nil
}

// Error returns the fatal error, if the correlator died.
func (h *HCI) Error() error { return h.err }

func (h *HCI) isOpen() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Send posts a command and blocks for its completion. A non-zero status in
// the first return-parameter byte comes back as a Status error.
func (h *HCI) Send(c Command, r CommandRP) error {
	b, err := h.send(c, 0, h.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if len(b) > 0 && b[0] != 0x00 {
		return Status(b[0])
	}
	if r != nil {
		return r.Unmarshal(b)
	}
	return nil
}

// CommandResult is the outcome of an asynchronous command post.
type CommandResult struct {
	RP  []byte
	Err error
}

// SendAsync posts a command without blocking the caller and delivers the
// outcome on done. done needs capacity for one result or the delivery
// goroutine parks on it.
func (h *HCI) SendAsync(c Command, done chan<- CommandResult) {
	go func() {
		b, err := h.send(c, 0, h.cfg.CommandTimeout)
		if err == nil && len(b) > 0 && b[0] != 0x00 {
			err = Status(b[0])
		}
		if done != nil {
			done <- CommandResult{RP: b, Err: err}
		}
	}()
}

// SendExpectEvent posts a command whose transaction completes on a terminal
// event rather than on Command Complete, e.g. Create Connection is done on
// Connection Complete. The raw terminal event parameters are returned.
func (h *HCI) SendExpectEvent(c Command, terminalEvt int, timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		timeout = h.cfg.CommandTimeout
	}
	return h.send(c, terminalEvt, timeout)
}

func (h *HCI) checkOpCodeFree(opCode int) error {
	h.muSent.Lock()
	defer h.muSent.Unlock()

	if _, ok := h.sent[opCode]; ok {
		return fmt.Errorf("command with opcode 0x%04x pending", opCode)
	}
	return nil
}

func (h *HCI) send(c Command, terminal int, timeout time.Duration) ([]byte, error) {
	if h.err != nil {
		return nil, h.err
	}

	p := &pkt{cmd: c, done: make(chan []byte), terminal: terminal, timeout: timeout}

	// Verify the opcode is free before taking a credit, so a credit is only
	// consumed when the command can actually be sent.
	if err := h.checkOpCodeFree(c.OpCode()); err != nil {
		return nil, err
	}

	var b []byte
	select {
	case <-h.done:
		return nil, bthost.ErrClosed
	case b = <-h.chCmdBufs:
	case <-time.After(chCmdBufTimeout):
		err := errors.Wrap(bthost.ErrNoResources, "command credits exhausted")
		h.dispatchError(err)
		return nil, err
	}

	b[0] = PktTypeCommand
	b[1] = byte(c.OpCode())
	b[2] = byte(c.OpCode() >> 8)
	b[3] = byte(c.Len())
	if err := c.Marshal(b[4:]); err != nil {
		h.close(errors.Wrap(err, "marshal cmd"))
		return nil, h.err
	}

	h.muSent.Lock()
	h.sent[c.OpCode()] = p
	h.muSent.Unlock()

	frame := b[:4+c.Len()]
	if !h.isOpen() {
		return nil, bthost.ErrClosed
	} else if n, err := h.skt.Write(frame); err != nil {
		h.close(errors.Wrap(err, "send cmd"))
	} else if n != len(frame) {
		h.close(errors.New("short cmd write"))
	}
	h.capturePacket(DirSent, frame)

	var ret []byte
	var err error

	select {
	case <-time.After(timeout):
		// Synthetic completion: the caller sees a uniform failure shape and
		// the consumed credit is restored.
		err = StatusTransactionTimeout
		h.setAllowedCommands(1)
		h.noteCommandTimeout(c.OpCode())
	case <-h.done:
		err = h.err
		if err == nil {
			err = bthost.ErrClosed
		}
	case b := <-p.done:
		ret = b
		h.resetTimeoutCount()
	}

	// Clear the sent table entry even on timeout, so a late completion does
	// not touch a stale packet.
	h.muSent.Lock()
	delete(h.sent, c.OpCode())
	h.muSent.Unlock()

	return ret, err
}

func (h *HCI) noteCommandTimeout(opCode int) {
	h.muTimeouts.Lock()
	h.cmdTimeouts++
	n := h.cmdTimeouts
	h.muTimeouts.Unlock()

	h.log.Warnf("command 0x%04x timed out (%d consecutive)", opCode, n)
	if n >= h.cfg.ResetThreshold {
		h.dispatchError(errors.Wrapf(bthost.ErrControllerHang, "%d consecutive command timeouts", n))
	}
}

func (h *HCI) resetTimeoutCount() {
	h.muTimeouts.Lock()
	h.cmdTimeouts = 0
	h.muTimeouts.Unlock()
}

// SendACL transmits one ACL fragment. It draws a transmit buffer from the
// bounded pool; exhaustion surfaces as ErrNoResources so the caller can
// propagate congestion instead of blocking the handler.
func (h *HCI) SendACL(handle uint16, pbf uint8, payload []byte) error {
	if !h.isOpen() {
		return bthost.ErrClosed
	}
	buf, ok := h.pool.TryGet()
	if !ok {
		return bthost.ErrNoResources
	}

	frame := BuildACL(handle, pbf, payload)
	buf.Write(frame)

	h.muOut.Lock()
	h.outstanding[handle]++
	h.muOut.Unlock()

	// The credit drawn from the pool stays consumed until the controller
	// acks the packet via Number Of Completed Packets.
	if _, err := h.skt.Write(buf.Bytes()); err != nil {
		h.muOut.Lock()
		h.outstanding[handle]--
		h.muOut.Unlock()
		h.pool.Put(buf)
		h.close(errors.Wrap(err, "send acl"))
		return h.err
	}
	h.capturePacket(DirSent, frame)
	return nil
}

// DropConnection forgets NOCP bookkeeping for a closed handle. Packets the
// controller will never ack have their credits restored here.
func (h *HCI) DropConnection(handle uint16) {
	h.muOut.Lock()
	n := h.outstanding[handle]
	delete(h.outstanding, handle)
	h.muOut.Unlock()
	for i := 0; i < n; i++ {
		h.pool.PutCredit()
	}
}

func (h *HCI) capturePacket(dir Direction, frame []byte) {
	if h.capture != nil {
		h.capture.Capture(dir, frame)
	}
}

func (h *HCI) sktReadLoop() {
	defer close(h.sktRxChan)

	b := make([]byte, 4096)

	for {
		n, err := h.skt.Read(b)

		switch {
		case n == 0 && err == nil:
			// read timeout
			select {
			case <-h.done:
				return
			default:
				continue
			}

		// callers depend on detecting io.EOF, don't wrap it.
		case err == io.EOF:
			h.err = err
			return

		case err != nil:
			h.err = errors.Wrap(err, "skt read")
			return

		default:
			p := make([]byte, n)
			copy(p, b)
			h.sktRxChan <- p
		}
	}
}

func (h *HCI) sktProcessLoop() {
	defer h.cleanup()

	for {
		var p []byte
		var ok bool

		select {
		case <-h.done:
			h.err = io.EOF
			return

		case p, ok = <-h.sktRxChan:
			if !ok {
				if h.err == nil {
					h.err = io.EOF
				}
				return
			}
		}

		if err := h.handlePkt(p); err != nil {
			// Corrupt frames are a transport error: drop the frame, account
			// it, and keep the session alive unless the handler escalates.
			h.log.Errorf("transport corruption: %v", err)
			h.dispatchError(errors.Wrap(bthost.ErrFrameCorrupt, err.Error()))
		}
	}
}

func (h *HCI) cleanup() {
	_ = h.close(h.err)
	// Wake senders parked on a credit or a completion, so they fail with the
	// transport error instead of waiting out their timeouts.
	_ = h.Close()

	h.muSent.Lock()
	for k := range h.sent {
		delete(h.sent, k)
	}
	h.muSent.Unlock()
}

func (h *HCI) close(err error) error {
	if h.err == nil {
		h.err = err
	}
	return h.skt.Close()
}

func (h *HCI) handlePkt(b []byte) error {
	if len(b) < 1 {
		return errors.New("empty frame")
	}
	h.capturePacket(DirReceived, b)

	t, p := b[0], b[1:]
	switch t {
	case PktTypeACLData:
		return h.handleACL(p)
	case PktTypeEvent:
		return h.handleEvt(p)
	case PktTypeSCOData, PktTypeISOData:
		h.log.Debugf("unsupported packet type 0x%02x, skipping", t)
		return nil
	case PktTypeVendor:
		// Some controllers append vendor packets; ignore them.
		return nil
	default:
		return fmt.Errorf("invalid packet: 0x%02X % X", t, p)
	}
}

func (h *HCI) handleACL(b []byte) error {
	a := ACLPacket(b)
	if !a.Valid() {
		return fmt.Errorf("invalid acl packet: % X", b)
	}
	if h.aclHandler == nil {
		h.log.Warn("acl data with no handler installed")
		return nil
	}
	h.aclHandler(a)
	return nil
}

func (h *HCI) handleEvt(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("invalid event packet: % X", b)
	}
	code, plen := int(b[0]), int(b[1])
	if plen != len(b[2:]) {
		return fmt.Errorf("invalid event packet: % X", b)
	}
	params := b[2:]

	// Terminal-event completion: a pending command that named this event as
	// its completion gets the parameters.
	if h.completeTerminal(code, params) {
		return nil
	}

	if f := h.evth[code]; f != nil {
		return f(params)
	}
	if code == 0xff { // vendor events
		return nil
	}
	h.log.Debugf("unhandled event 0x%02x", code)
	return nil
}

func (h *HCI) completeTerminal(code int, params []byte) bool {
	h.muSent.Lock()
	var p *pkt
	for _, s := range h.sent {
		if s.terminal == code {
			p = s
			break
		}
	}
	h.muSent.Unlock()
	if p == nil {
		return false
	}

	select {
	case p.done <- params:
	case <-h.done:
	}
	return true
}

func (h *HCI) handleLEMeta(b []byte) error {
	if len(b) < 1 {
		return errors.New("empty le meta event")
	}
	subcode := int(b[0])
	if h.completeTerminal(evt.LEMetaCode<<8|subcode, b) {
		return nil
	}
	if f := h.subh[subcode]; f != nil {
		return f(b)
	}
	h.log.Debugf("unhandled le meta subevent 0x%02x", subcode)
	return nil
}

// TerminalLEMeta builds the terminal-event key for an LE meta subevent, for
// use with SendExpectEvent.
func TerminalLEMeta(subcode int) int { return evt.LEMetaCode<<8 | subcode }

func (h *HCI) handleCommandComplete(b []byte) error {
	e := evt.CommandComplete(b)
	h.setAllowedCommands(int(e.NumHCICommandPackets()))

	// NOP command, used for flow control purposes [Vol 2, Part E, 4.4].
	if e.CommandOpcode() == 0x0000 {
		return nil
	}
	h.muSent.Lock()
	p, found := h.sent[int(e.CommandOpcode())]
	h.muSent.Unlock()

	if !found {
		return fmt.Errorf("no pending cmd for CommandComplete: % X", b)
	}

	select {
	case <-h.done:
		return bthost.ErrClosed
	case p.done <- e.ReturnParameters():
		return nil
	}
}

func (h *HCI) handleCommandStatus(b []byte) error {
	e := evt.CommandStatus(b)
	if !e.Valid() {
		return fmt.Errorf("invalid command status: % X", b)
	}

	// A status event returns a credit even when it reports failure.
	h.setAllowedCommands(int(e.NumHCICommandPackets()))

	h.muSent.Lock()
	p, found := h.sent[int(e.CommandOpcode())]
	h.muSent.Unlock()
	if !found {
		return fmt.Errorf("no pending cmd for CommandStatus: % X", b)
	}

	// A command waiting on a terminal event stays pending on a successful
	// status; a failed status means no further results will come.
	if p.terminal != 0 && e.Status() == 0x00 {
		return nil
	}

	select {
	case <-h.done:
		return bthost.ErrClosed
	case p.done <- []byte{e.Status()}:
		return nil
	}
}

func (h *HCI) handleNumberOfCompletedPackets(b []byte) error {
	e := evt.NumberOfCompletedPackets(b)
	h.muOut.Lock()
	defer h.muOut.Unlock()
	for i := 0; i < int(e.NumberOfHandles()); i++ {
		handle := e.ConnectionHandle(i)
		n := int(e.HCNumOfCompletedPackets(i))
		if h.outstanding[handle] < n {
			n = h.outstanding[handle]
		}
		h.outstanding[handle] -= n
		for j := 0; j < n; j++ {
			h.pool.PutCredit()
		}
	}
	return nil
}

func (h *HCI) handleHardwareError(b []byte) error {
	e := evt.HardwareError(b)
	err := errors.Wrapf(bthost.ErrControllerHang, "hardware error 0x%02x", e.HardwareCode())
	h.dispatchError(err)
	return nil
}

func (h *HCI) setAllowedCommands(n int) {
	if n > chCmdBufChanSize {
		n = chCmdBufChanSize
	}

	for len(h.chCmdBufs) < n {
		select {
		case <-h.done:
			return
		case h.chCmdBufs <- make([]byte, chCmdBufElementSize):
		case <-time.After(chCmdBufTimeout):
			h.dispatchError(errors.New("command credit refill timeout"))
			return
		}
	}
}

func (h *HCI) dispatchError(e error) {
	switch {
	case h.errorHandler == nil:
		h.log.Error(e)
	case !h.isOpen():
		h.log.Debug("closing: ", e)
	default:
		h.errorHandler(e)
	}
}

// AddrToWire converts an Addr into the little-endian 6-byte array commands
// carry.
func AddrToWire(a bthost.Addr) [6]byte {
	out := [6]byte{}
	copy(out[:], sliceops.SwapBuf(a.Bytes()))
	return out
}
