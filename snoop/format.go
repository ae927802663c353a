package snoop

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
)

// File format per the btsnoop specification. All integers are big endian.
const (
	fileHeaderLen   = 16
	recordHeaderLen = 24

	version  = 1
	datalink = 1002 // HCI UART (H4) with direction flags

	// microseconds between year 0 AD and the Unix epoch
	epochOffsetUS = 0x00dcddb30f2f8000
)

var magic = [8]byte{'b', 't', 's', 'n', 'o', 'o', 'p', 0}

// Record is one captured packet. Payload may be shorter than OriginalLen
// when the filter truncated it.
type Record struct {
	OriginalLen uint32
	Flags       uint32
	Drops       uint32
	TimestampUS int64
	Payload     []byte
}

// Direction reports whether the packet was received from the controller.
func (r Record) Received() bool { return r.Flags&0x01 != 0 }

// Time converts the record timestamp back to wall-clock time.
func (r Record) Time() time.Time {
	us := r.TimestampUS - epochOffsetUS
	return time.Unix(us/1e6, (us%1e6)*1e3)
}

func fileHeader() []byte {
	b := make([]byte, fileHeaderLen)
	copy(b, magic[:])
	binary.BigEndian.PutUint32(b[8:], version)
	binary.BigEndian.PutUint32(b[12:], datalink)
	return b
}

// recordFlags derives the btsnoop flag word from the packet direction and
// the H4 type prefix. Bit 0 is direction, bit 1 marks the command and
// event channel.
func recordFlags(received bool, frame []byte) uint32 {
	var f uint32
	if received {
		f |= 0x01
	}
	if len(frame) > 0 && (frame[0] == 0x01 || frame[0] == 0x04) {
		f |= 0x02
	}
	return f
}

func appendRecord(b []byte, r Record) []byte {
	hdr := make([]byte, recordHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:], r.OriginalLen)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(r.Payload)))
	binary.BigEndian.PutUint32(hdr[8:], r.Flags)
	binary.BigEndian.PutUint32(hdr[12:], r.Drops)
	binary.BigEndian.PutUint64(hdr[16:], uint64(r.TimestampUS))
	b = append(b, hdr...)
	return append(b, r.Payload...)
}

// ReadHeader consumes and validates the 16-byte file header.
func ReadHeader(r io.Reader) error {
	b := make([]byte, fileHeaderLen)
	if _, err := io.ReadFull(r, b); err != nil {
		return errors.Wrap(err, "snoop header")
	}
	for i := range magic {
		if b[i] != magic[i] {
			return errors.Wrap(bthost.ErrFrameCorrupt, "bad snoop magic")
		}
	}
	if v := binary.BigEndian.Uint32(b[8:]); v != version {
		return errors.Wrapf(bthost.ErrFrameCorrupt, "snoop version %d", v)
	}
	if d := binary.BigEndian.Uint32(b[12:]); d != datalink {
		return errors.Wrapf(bthost.ErrFrameCorrupt, "snoop datalink %d", d)
	}
	return nil
}

// ReadRecord consumes one record. io.EOF at a record boundary means a clean
// end of stream.
func ReadRecord(r io.Reader) (Record, error) {
	hdr := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, errors.Wrap(err, "snoop record header")
	}
	rec := Record{
		OriginalLen: binary.BigEndian.Uint32(hdr[0:]),
		Flags:       binary.BigEndian.Uint32(hdr[8:]),
		Drops:       binary.BigEndian.Uint32(hdr[12:]),
		TimestampUS: int64(binary.BigEndian.Uint64(hdr[16:])),
	}
	incl := binary.BigEndian.Uint32(hdr[4:])
	if incl > rec.OriginalLen {
		return Record{}, errors.Wrap(bthost.ErrFrameCorrupt, "included length exceeds original")
	}
	rec.Payload = make([]byte, incl)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return Record{}, errors.Wrap(err, "snoop record payload")
	}
	return rec, nil
}

func nowTimestampUS() int64 {
	return time.Now().UnixNano()/1e3 + epochOffsetUS
}
