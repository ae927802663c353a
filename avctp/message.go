package avctp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
)

// Packet types carried in header bits 3..2 [AVCTP 6.1].
const (
	pktSingle   = 0x0
	pktStart    = 0x1
	pktContinue = 0x2
	pktEnd      = 0x3
)

// Command/response values of the C/R header bit.
const (
	Command  = 0x0
	Response = 0x1
)

// header is the decoded first octet plus the PID when the packet carries one.
type header struct {
	label   bthost.Label
	pktType uint8
	cr      uint8
	ipid    bool
	numPkts uint8 // Start only
	pid     uint16
}

func (h header) firstOctet() byte {
	b := byte(h.label&0x0f)<<4 | (h.pktType&0x3)<<2 | (h.cr&0x1)<<1
	if h.ipid {
		b |= 0x01
	}
	return b
}

// headerLen returns the octets the header occupies for a packet type.
func headerLen(pktType uint8) int {
	switch pktType {
	case pktSingle:
		return 3 // octet + PID
	case pktStart:
		return 4 // octet + number of packets + PID
	default:
		return 1 // octet only
	}
}

func parseHeader(b []byte) (header, []byte, error) {
	if len(b) < 1 {
		return header{}, nil, errors.Wrap(bthost.ErrFrameCorrupt, "empty avctp packet")
	}
	h := header{
		label:   bthost.Label(b[0] >> 4),
		pktType: b[0] >> 2 & 0x3,
		cr:      b[0] >> 1 & 0x1,
		ipid:    b[0]&0x01 != 0,
	}
	n := headerLen(h.pktType)
	if len(b) < n {
		return header{}, nil, errors.Wrap(bthost.ErrFrameCorrupt, "short avctp header")
	}
	switch h.pktType {
	case pktSingle:
		h.pid = binary.BigEndian.Uint16(b[1:3])
	case pktStart:
		h.numPkts = b[1]
		h.pid = binary.BigEndian.Uint16(b[2:4])
	}
	return h, b[n:], nil
}

// fragment splits payload into AVCTP packets that fit mtu. A message whose
// payload plus header fits in one packet goes as Single.
func fragment(label bthost.Label, cr uint8, pid uint16, payload []byte, mtu int) [][]byte {
	if len(payload)+headerLen(pktSingle) <= mtu {
		h := header{label: label, pktType: pktSingle, cr: cr, pid: pid}
		pkt := make([]byte, 3+len(payload))
		pkt[0] = h.firstOctet()
		binary.BigEndian.PutUint16(pkt[1:3], pid)
		copy(pkt[3:], payload)
		return [][]byte{pkt}
	}

	// count: one Start packet, then Continue/End packets of mtu-1 payload
	startRoom := mtu - headerLen(pktStart)
	contRoom := mtu - headerLen(pktContinue)
	rest := len(payload) - startRoom
	n := 1 + (rest+contRoom-1)/contRoom

	out := make([][]byte, 0, n)
	h := header{label: label, pktType: pktStart, cr: cr, numPkts: uint8(n), pid: pid}
	pkt := make([]byte, 4+startRoom)
	pkt[0] = h.firstOctet()
	pkt[1] = h.numPkts
	binary.BigEndian.PutUint16(pkt[2:4], pid)
	copy(pkt[4:], payload[:startRoom])
	out = append(out, pkt)
	payload = payload[startRoom:]

	for len(payload) > 0 {
		t := uint8(pktContinue)
		m := contRoom
		if len(payload) <= contRoom {
			t = pktEnd
			m = len(payload)
		}
		h := header{label: label, pktType: t, cr: cr}
		pkt := make([]byte, 1+m)
		pkt[0] = h.firstOctet()
		copy(pkt[1:], payload[:m])
		out = append(out, pkt)
		payload = payload[m:]
	}
	return out
}
