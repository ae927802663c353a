package gatt

import (
	"bytes"
	"fmt"

	"github.com/blewire/bthost"
)

// SupportState is the per-remote robust-caching decision.
type SupportState int

const (
	SupportUnknown SupportState = iota
	SupportSupported
	SupportUnsupported
)

func (s SupportState) String() string {
	switch s {
	case SupportUnknown:
		return "UNKNOWN"
	case SupportSupported:
		return "SUPPORTED"
	case SupportUnsupported:
		return "UNSUPPORTED"
	}
	return fmt.Sprintf("support(%d)", int(s))
}

// LMP version values of the Core releases the decision cares about.
const (
	lmpVersion51 = 0x0a
	lmpVersion52 = 0x0b
)

// InteropEntry disables robust caching for controllers from one vendor up
// to an LMP version. The OUI prefix is the first three octets of the
// address.
type InteropEntry struct {
	OUIPrefix [3]byte
	MaxLMP    uint8
}

// defaultInteropList ships the known-bad controllers. Callers may extend it
// through Client options.
var defaultInteropList = []InteropEntry{
	{OUIPrefix: [3]byte{0x00, 0x1b, 0xdc}, MaxLMP: lmpVersion51},
	{OUIPrefix: [3]byte{0x9c, 0x8c, 0x6e}, MaxLMP: lmpVersion51},
}

func interopMatch(list []InteropEntry, addr bthost.Addr, lmp uint8) bool {
	b := addr.Bytes()
	if len(b) < 3 {
		return false
	}
	for _, e := range list {
		if bytes.Equal(b[:3], e.OUIPrefix[:]) && lmp <= e.MaxLMP {
			return true
		}
	}
	return false
}

// robustCachingSupport applies the decision table. cached is the database
// previously stored for this remote, nil when none exists.
func robustCachingSupport(enabled bool, cached *Database, lmp uint8, addr bthost.Addr, interop []InteropEntry) SupportState {
	switch {
	case !enabled:
		return SupportUnsupported
	case cached != nil:
		if cached.HasDatabaseHash() {
			return SupportSupported
		}
		return SupportUnsupported
	case lmp < lmpVersion51:
		return SupportUnsupported
	case lmp < lmpVersion52 && interopMatch(interop, addr, lmp):
		return SupportUnsupported
	}
	return SupportUnknown
}
