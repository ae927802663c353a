package bthost

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/blewire/bthost/sliceops"
)

// UUID is a 16-bit or 128-bit attribute type, stored little-endian as it
// appears on the wire.
type UUID []byte

// UUID16 returns a 16-bit UUID.
func UUID16(i uint16) UUID {
	return UUID{byte(i), byte(i >> 8)}
}

// Attribute types used by discovery.
var (
	PrimaryServiceUUID   = UUID16(0x2800)
	SecondaryServiceUUID = UUID16(0x2801)
	IncludeUUID          = UUID16(0x2802)
	CharacteristicUUID   = UUID16(0x2803)

	ClientCharacteristicConfigUUID = UUID16(0x2902)
	ExtendedPropertiesUUID         = UUID16(0x2900)

	// Database Hash characteristic of the Generic Attribute service.
	DatabaseHashUUID = UUID16(0x2B2A)
)

func (u UUID) Equal(v UUID) bool {
	return bytes.Equal(u, v)
}

func (u UUID) String() string {
	if len(u) == 2 {
		return fmt.Sprintf("%04x", uint16(u[0])|uint16(u[1])<<8)
	}
	return hex.EncodeToString(sliceops.SwapBuf(u))
}

// Contains reports whether u is in the list.
func Contains(list []UUID, u UUID) bool {
	for _, v := range list {
		if u.Equal(v) {
			return true
		}
	}
	return false
}
