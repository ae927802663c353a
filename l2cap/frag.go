package l2cap

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
)

// ACLConn is the slice of the HCI layer a channel mux writes through.
type ACLConn interface {
	SendACL(handle uint16, pbf uint8, payload []byte) error
	BufSize() int
}

// writePDU frames payload as a B-frame on cid and fragments it to the
// controller's ACL data length.
func writePDU(c ACLConn, handle uint16, cid uint16, payload []byte) error {
	pdu := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(pdu[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(pdu[2:4], cid)
	copy(pdu[4:], payload)

	pbf := uint8(hci.PbfHostToControllerStart)
	max := c.BufSize()
	for len(pdu) > 0 {
		n := len(pdu)
		if n > max {
			n = max
		}
		if err := c.SendACL(handle, pbf, pdu[:n]); err != nil {
			return err
		}
		pdu = pdu[n:]
		pbf = hci.PbfContinuing
	}
	return nil
}

// reassembler recombines inbound ACL fragments into complete L2CAP PDUs.
// One instance per link; fragments of different links never interleave
// with each other, only fragments of the same link do not interleave.
type reassembler struct {
	buf  []byte
	want int
}

// feed consumes one ACL packet. When a PDU completes it returns its CID and
// payload. A continuation with no start in progress, or a start arriving
// over a partial PDU, corrupts the stream; on error the returned CID names
// the channel whose partial was lost, or 0 when no PDU was in progress.
func (r *reassembler) feed(p hci.ACLPacket) (uint16, []byte, error) {
	switch p.PBF() {
	case hci.PbfControllerToHostStart, hci.PbfCompleteL2CAPPDU:
		if r.want != 0 {
			cid := r.partialCID()
			r.buf, r.want = nil, 0
			return cid, nil, errors.Wrap(bthost.ErrFrameCorrupt, "start over partial pdu")
		}
		d := p.Data()
		if len(d) < 4 {
			return 0, nil, errors.Wrap(bthost.ErrFrameCorrupt, "short basic header")
		}
		r.want = 4 + int(binary.LittleEndian.Uint16(d[0:2]))
		r.buf = append([]byte(nil), d...)
	case hci.PbfContinuing:
		if r.want == 0 {
			return 0, nil, errors.Wrap(bthost.ErrFrameCorrupt, "continuation without start")
		}
		r.buf = append(r.buf, p.Data()...)
	default:
		return 0, nil, errors.Wrap(bthost.ErrFrameCorrupt, "bad boundary flag")
	}
	if len(r.buf) > r.want {
		cid := r.partialCID()
		r.buf, r.want = nil, 0
		return cid, nil, errors.Wrap(bthost.ErrFrameCorrupt, "pdu overrun")
	}
	if len(r.buf) < r.want {
		return 0, nil, nil
	}
	cid := binary.LittleEndian.Uint16(r.buf[2:4])
	payload := r.buf[4:]
	r.buf, r.want = nil, 0
	return cid, payload, nil
}

// partialCID names the destination of the PDU currently in progress.
func (r *reassembler) partialCID() uint16 {
	if len(r.buf) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint16(r.buf[2:4])
}
