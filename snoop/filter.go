package snoop

import (
	"encoding/binary"
	"sync"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/l2cap"
)

// OBEX profile PSMs whose payloads are confidential in filtered captures.
const (
	psmPBAP bthost.PSM = 0x1025
	psmMAP  bthost.PSM = 0x1029
)

// prohibited replaces truncated payload bytes so analyzers can tell a
// filtered record from a short one.
var prohibited = []byte("PROHIBITED")

type verdict int

const (
	verdictKeep verdict = iota
	verdictDrop
	verdictTruncate
)

// chanKey identifies one direction of a dynamic channel. Inbound frames
// address our local CID, outbound frames the remote one, so every open
// channel occupies two keys.
type chanKey struct {
	handle uint16
	cid    uint16
}

type chanInfo struct {
	psm   bthost.PSM
	media bool // second and later AVDTP channel on a link carries media
}

// fragKey identifies the PDU in progress on one side of a link. Fragments
// of the two directions interleave freely, fragments of one direction do
// not, so the start fragment's verdict carries to its continuations.
type fragKey struct {
	handle   uint16
	received bool
}

// filter decides per captured ACL frame whether filtered mode keeps, drops
// or truncates it. Channel events arrive on the stack handler while capture
// runs on transport goroutines, hence the mutex.
type filter struct {
	cfg bthost.Config

	mu    sync.Mutex
	chans map[chanKey]chanInfo
	avdtp map[uint16]int      // open AVDTP channels per handle
	frags map[fragKey]verdict // verdict inherited by continuation fragments
}

func newFilter(cfg bthost.Config) *filter {
	return &filter{
		cfg:   cfg,
		chans: make(map[chanKey]chanInfo),
		avdtp: make(map[uint16]int),
		frags: make(map[fragKey]verdict),
	}
}

// OnChannelEvent keeps the CID tables in step with L2CAP.
func (f *filter) OnChannelEvent(ev l2cap.ChannelEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	local := chanKey{handle: ev.Handle, cid: ev.LocalCID}
	remote := chanKey{handle: ev.Handle, cid: ev.RemoteCID}
	if !ev.Opened {
		if info, ok := f.chans[local]; ok && info.psm == bthost.PSMAVDTP {
			if f.avdtp[ev.Handle]--; f.avdtp[ev.Handle] <= 0 {
				delete(f.avdtp, ev.Handle)
			}
		}
		delete(f.chans, local)
		delete(f.chans, remote)
		return
	}
	info := chanInfo{psm: ev.PSM}
	if ev.PSM == bthost.PSMAVDTP {
		f.avdtp[ev.Handle]++
		info.media = f.avdtp[ev.Handle] > 1
	}
	f.chans[local] = info
	f.chans[remote] = info
}

// apply inspects one H4 frame. Only ACL data is ever filtered; commands,
// events and unknown types pass through whole. A continuation fragment has
// no L2CAP header to inspect, so it inherits the verdict of the start
// fragment on the same handle and direction.
func (f *filter) apply(received bool, frame []byte) (verdict, int) {
	// type(1) + acl header(4)
	if len(frame) < 5 || frame[0] != 0x02 {
		return verdictKeep, 0
	}
	hf := binary.LittleEndian.Uint16(frame[1:3])
	key := fragKey{handle: hf & 0x0fff, received: received}

	f.mu.Lock()
	defer f.mu.Unlock()
	if (hf>>12)&0x3 == hci.PbfContinuing {
		return f.frags[key], 0
	}

	v, keep := f.startVerdict(key.handle, frame)
	cont := v
	if v == verdictTruncate {
		// the start fragment's marker already stands in for the payload
		cont = verdictDrop
	}
	f.frags[key] = cont
	return v, keep
}

// startVerdict judges the first fragment of a PDU by its L2CAP header.
func (f *filter) startVerdict(handle uint16, frame []byte) (verdict, int) {
	// type(1) + acl header(4) + l2cap header(4)
	if len(frame) < 9 {
		return verdictKeep, 0
	}
	cid := binary.LittleEndian.Uint16(frame[7:9])
	info, ok := f.chans[chanKey{handle: handle, cid: cid}]
	if !ok {
		return verdictKeep, 0
	}

	switch {
	case info.media:
		if f.cfg.FilterA2DP {
			return verdictDrop, 0
		}
	case info.psm == psmPBAP || info.psm == psmMAP:
		if f.cfg.FilterHeadersOnly {
			return verdictTruncate, 9
		}
	case info.psm == bthost.PSMRFCOMM:
		if v, keep := f.rfcommVerdict(frame); !keep {
			return v, 9
		}
	}
	return verdictKeep, 0
}

// rfcommVerdict truncates RFCOMM data frames whose DLCI is off the
// allowlist. Control channel traffic (DLCI 0) always passes.
func (f *filter) rfcommVerdict(frame []byte) (verdict, bool) {
	if len(f.cfg.FilterRFCOMMDLCIAllowlist) == 0 {
		return verdictKeep, true
	}
	if len(frame) < 10 {
		return verdictKeep, true
	}
	dlci := frame[9] >> 2
	if dlci == 0 {
		return verdictKeep, true
	}
	for _, allowed := range f.cfg.FilterRFCOMMDLCIAllowlist {
		if dlci == allowed {
			return verdictKeep, true
		}
	}
	return verdictTruncate, false
}
