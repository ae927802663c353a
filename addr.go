package bthost

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Addr is a 6-byte Bluetooth device address rendered as
// "aa:bb:cc:dd:ee:ff". Comparisons are done on the lower-cased string form.
type Addr interface {
	String() string
	Bytes() []byte
}

// NewAddr creates an Addr from its string form.
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

// BytesToAddr creates an Addr from a little-endian 6-byte value, the order
// controllers report addresses in.
func BytesToAddr(b []byte) Addr {
	if len(b) != 6 {
		return addr("")
	}
	return addr(fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[5], b[4], b[3], b[2], b[1], b[0]))
}

type addr string

func (a addr) String() string {
	return string(a)
}

func (a addr) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil
	}

	return out
}

// AddrType is the LE address type variant. Classic links carry only the
// address and leave the type at AddrPublic.
type AddrType uint8

const (
	AddrPublic              AddrType = 0x00
	AddrRandomStatic        AddrType = 0x01
	AddrRandomResolvable    AddrType = 0x02
	AddrRandomNonResolvable AddrType = 0x03
)

func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandomStatic:
		return "random-static"
	case AddrRandomResolvable:
		return "random-resolvable"
	case AddrRandomNonResolvable:
		return "random-non-resolvable"
	}
	return fmt.Sprintf("addrtype(%d)", uint8(t))
}

// AddrWithType pairs an address with its LE address type.
type AddrWithType struct {
	Addr Addr
	Type AddrType
}

func (a AddrWithType) String() string {
	return fmt.Sprintf("%s/%s", a.Addr, a.Type)
}
