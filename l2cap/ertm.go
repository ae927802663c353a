package l2cap

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hciutil"
)

// Standard control field layout [Vol 3, Part A, 3.3.2].
const (
	seqMod = 64

	sRR   = 0x0
	sREJ  = 0x1
	sRNR  = 0x2
	sSREJ = 0x3
)

type ertmFrame struct {
	txSeq   uint8
	sdu     []byte
	retries uint8
}

// ertmEngine runs enhanced retransmission mode for one channel. It lives on
// the mux handler like the channel itself.
type ertmEngine struct {
	ch *Channel

	txWindow    uint8
	maxTransmit uint8

	nextTxSeq     uint8 // seq assigned to the next new I-frame
	expectedAck   uint8 // oldest unacknowledged seq
	expectedTxSeq uint8 // next in-order inbound seq

	unacked []*ertmFrame
	queue   [][]byte // SDUs blocked on the window

	retransTimer *hciutil.Timer
	monitorTimer *hciutil.Timer
	pollPending  bool
	pollRetries  uint8
	remoteBusy   bool
	rejSent      bool
}

func newERTM(ch *Channel) *ertmEngine {
	return &ertmEngine{
		ch:          ch,
		txWindow:    ch.localCfg.TxWindow,
		maxTransmit: ch.localCfg.MaxTransmit,
	}
}

// send queues one SDU and transmits as far as the window allows. Delivered
// I-frames keep TxSeq order on both sides.
func (e *ertmEngine) send(sdu []byte) error {
	e.queue = append(e.queue, append([]byte(nil), sdu...))
	e.pump()
	return nil
}

// pump moves queued SDUs into the window.
func (e *ertmEngine) pump() {
	for !e.remoteBusy && len(e.unacked) < int(e.txWindow) && len(e.queue) > 0 {
		sdu := e.queue[0]
		e.queue = e.queue[1:]
		f := &ertmFrame{txSeq: e.nextTxSeq, sdu: sdu}
		e.nextTxSeq = (e.nextTxSeq + 1) % seqMod
		e.unacked = append(e.unacked, f)
		e.sendI(f)
	}
	if len(e.unacked) > 0 {
		e.armRetransTimer()
	}
}

func (e *ertmEngine) sendI(f *ertmFrame) {
	ctrl := uint16(f.txSeq&0x3f)<<1 | uint16(e.expectedTxSeq&0x3f)<<8
	pdu := make([]byte, 2+len(f.sdu))
	binary.LittleEndian.PutUint16(pdu, ctrl)
	copy(pdu[2:], f.sdu)
	if err := writePDU(e.ch.mux.conn, e.ch.mux.handle, e.ch.RemoteCID, pdu); err != nil {
		e.ch.mux.log.Errorf("l2cap: ertm i-frame: %v", err)
	}
}

func (e *ertmEngine) sendS(sfunc uint8, poll, final bool) {
	ctrl := uint16(1) | uint16(sfunc&0x3)<<2 | uint16(e.expectedTxSeq&0x3f)<<8
	if poll {
		ctrl |= 1 << 4
	}
	if final {
		ctrl |= 1 << 7
	}
	pdu := make([]byte, 2)
	binary.LittleEndian.PutUint16(pdu, ctrl)
	if err := writePDU(e.ch.mux.conn, e.ch.mux.handle, e.ch.RemoteCID, pdu); err != nil {
		e.ch.mux.log.Errorf("l2cap: ertm s-frame: %v", err)
	}
}

// recv parses one inbound eRTM PDU.
func (e *ertmEngine) recv(pdu []byte) {
	if len(pdu) < 2 {
		e.ch.mux.log.Warnf("l2cap: ertm: short frame on cid 0x%04x", e.ch.LocalCID)
		return
	}
	ctrl := binary.LittleEndian.Uint16(pdu)
	reqSeq := uint8(ctrl>>8) & 0x3f
	final := ctrl>>7&1 == 1
	if ctrl&1 == 0 {
		e.recvI(uint8(ctrl>>1)&0x3f, reqSeq, final, pdu[2:])
		return
	}
	e.recvS(uint8(ctrl>>2)&0x3, reqSeq, ctrl>>4&1 == 1, final)
}

func (e *ertmEngine) recvI(txSeq, reqSeq uint8, final bool, sdu []byte) {
	e.processAck(reqSeq, final)
	if txSeq != e.expectedTxSeq {
		// out of sequence; ask for a go-back-N retransmission once
		if !e.rejSent {
			e.sendS(sREJ, false, false)
			e.rejSent = true
		}
		return
	}
	e.rejSent = false
	e.expectedTxSeq = (e.expectedTxSeq + 1) % seqMod
	e.sendS(sRR, false, false)
	e.ch.deliver(sdu)
	e.pump()
}

func (e *ertmEngine) recvS(sfunc, reqSeq uint8, poll, final bool) {
	switch sfunc {
	case sRR:
		e.remoteBusy = false
		e.processAck(reqSeq, final)
		if poll {
			e.sendS(sRR, false, true)
		}
		e.pump()
	case sREJ:
		// retransmissions go out before any fresh I-frame
		e.processAck(reqSeq, final)
		e.retransmitAll()
		e.pump()
	case sRNR:
		e.remoteBusy = true
		e.processAck(reqSeq, final)
	case sSREJ:
		// SREJ selects a single frame and acknowledges nothing
		for _, f := range e.unacked {
			if f.txSeq == reqSeq {
				if e.bumpRetries(f) {
					return
				}
				e.sendI(f)
				break
			}
		}
	}
}

// processAck retires every unacked frame below reqSeq.
func (e *ertmEngine) processAck(reqSeq uint8, final bool) {
	if final && e.pollPending {
		e.pollPending = false
		e.pollRetries = 0
		if e.monitorTimer != nil {
			e.monitorTimer.Stop()
		}
	}
	span := (e.nextTxSeq - e.expectedAck) % seqMod
	acked := (reqSeq - e.expectedAck) % seqMod
	if acked > span {
		e.ch.mux.log.Warnf("l2cap: ertm: reqseq %d outside window on cid 0x%04x", reqSeq, e.ch.LocalCID)
		return
	}
	for len(e.unacked) > 0 && e.unacked[0].txSeq != reqSeq {
		e.unacked = e.unacked[1:]
	}
	e.expectedAck = reqSeq
	if len(e.unacked) == 0 {
		if e.retransTimer != nil {
			e.retransTimer.Stop()
		}
	} else {
		e.armRetransTimer()
	}
}

// retransmitAll resends every frame still in the window, oldest first. No
// new I-frame goes out until acknowledgements move the window.
func (e *ertmEngine) retransmitAll() {
	for _, f := range e.unacked {
		if e.bumpRetries(f) {
			return
		}
		e.sendI(f)
	}
}

// bumpRetries counts one more transmit attempt; crossing max_transmit tears
// the channel down. Reports whether the channel died.
func (e *ertmEngine) bumpRetries(f *ertmFrame) bool {
	f.retries++
	if f.retries >= e.maxTransmit {
		e.ch.mux.teardown(e.ch, errors.Wrap(bthost.ErrTransactionTimeout, "ertm max transmit exceeded"))
		return true
	}
	return false
}

func (e *ertmEngine) armRetransTimer() {
	if e.retransTimer == nil {
		e.retransTimer = hciutil.After(e.ch.mux.h, defaultRetransTO*time.Millisecond, e.onRetransTimeout)
		return
	}
	e.retransTimer.Reset(defaultRetransTO * time.Millisecond)
}

// onRetransTimeout polls the peer and hands supervision to the monitor timer.
func (e *ertmEngine) onRetransTimeout() {
	if len(e.unacked) == 0 {
		return
	}
	e.pollPending = true
	e.sendS(sRR, true, false)
	e.armMonitorTimer()
}

func (e *ertmEngine) armMonitorTimer() {
	if e.monitorTimer == nil {
		e.monitorTimer = hciutil.After(e.ch.mux.h, defaultMonitorTO*time.Millisecond, e.onMonitorTimeout)
		return
	}
	e.monitorTimer.Reset(defaultMonitorTO * time.Millisecond)
}

func (e *ertmEngine) onMonitorTimeout() {
	e.pollRetries++
	if e.pollRetries >= e.maxTransmit {
		e.ch.mux.teardown(e.ch, errors.Wrap(bthost.ErrTransactionTimeout, "ertm monitor timeout"))
		return
	}
	e.sendS(sRR, true, false)
	e.armMonitorTimer()
}

// drain throws away queued and unacknowledged traffic on teardown.
func (e *ertmEngine) drain() {
	e.queue = nil
	e.unacked = nil
}

func (e *ertmEngine) stopTimers() {
	if e.retransTimer != nil {
		e.retransTimer.Stop()
	}
	if e.monitorTimer != nil {
		e.monitorTimer.Stop()
	}
}
