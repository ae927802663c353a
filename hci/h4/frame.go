package h4

import "encoding/binary"

// frame reassembles H4 stream bytes into complete HCI frames. A UART
// delivers arbitrary chunks; the packet type byte tells us which header to
// wait for and the header carries the payload length.
type frame struct {
	buf []byte
	out chan []byte
}

func newFrame(out chan []byte) *frame {
	return &frame{
		buf: make([]byte, 0, 512),
		out: out,
	}
}

// need returns the total frame length once enough header bytes are present,
// or 0 when more bytes are required, or -1 on an unknown packet type.
func (f *frame) need() int {
	if len(f.buf) == 0 {
		return 0
	}
	switch f.buf[0] {
	case pktTypeEvent:
		if len(f.buf) < 3 {
			return 0
		}
		return 3 + int(f.buf[2])
	case pktTypeACL:
		if len(f.buf) < 5 {
			return 0
		}
		return 5 + int(binary.LittleEndian.Uint16(f.buf[3:5]))
	case pktTypeSCO:
		if len(f.buf) < 4 {
			return 0
		}
		return 4 + int(f.buf[3])
	default:
		return -1
	}
}

// Assemble consumes a chunk of stream bytes, emitting every completed frame.
func (f *frame) Assemble(b []byte) {
	f.buf = append(f.buf, b...)

	for {
		n := f.need()
		switch {
		case n < 0:
			// lost sync; drop the buffer and hunt for the next packet type
			f.resync()
			continue
		case n == 0 || len(f.buf) < n:
			return
		}

		done := make([]byte, n)
		copy(done, f.buf[:n])
		f.buf = f.buf[n:]
		f.out <- done
	}
}

func (f *frame) resync() {
	for i := 1; i < len(f.buf); i++ {
		switch f.buf[i] {
		case pktTypeEvent, pktTypeACL, pktTypeSCO:
			f.buf = f.buf[i:]
			return
		}
	}
	f.buf = f.buf[:0]
}

const (
	pktTypeCommand = 0x01
	pktTypeACL     = 0x02
	pktTypeSCO     = 0x03
	pktTypeEvent   = 0x04
)
