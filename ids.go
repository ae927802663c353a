package bthost

import "fmt"

// Transport selects the physical transport a link runs on.
type Transport uint8

const (
	TransportBREDR Transport = iota
	TransportLE
)

func (t Transport) String() string {
	switch t {
	case TransportBREDR:
		return "br-edr"
	case TransportLE:
		return "le"
	}
	return fmt.Sprintf("transport(%d)", uint8(t))
}

// ConnHandle is the 12-bit connection handle assigned by the controller.
type ConnHandle uint16

// CID is an L2CAP channel endpoint identifier, unique within a link.
// 0x0001-0x003F are fixed channels, 0x0040 and above are dynamic.
type CID uint16

// Fixed channel identifiers [Vol 3, Part A, 2.1].
const (
	CIDSignal   CID = 0x0001
	CIDAtt      CID = 0x0004
	CIDLESignal CID = 0x0005
	CIDSMP      CID = 0x0006
)

// PSM is the L2CAP protocol/service multiplexer.
type PSM uint16

// Well-known PSMs used by the filter and profile layers.
const (
	PSMSDP          PSM = 0x0001
	PSMRFCOMM       PSM = 0x0003
	PSMHIDControl   PSM = 0x0011
	PSMHIDInterrupt PSM = 0x0013
	PSMAVCTP        PSM = 0x0017
	PSMAVDTP        PSM = 0x0019
	PSMAVCTPBrowse  PSM = 0x001B
	PSMATT          PSM = 0x001F
)

// AppID tags a client of the GATT or connection-manager layers for
// dispatching callbacks back to it.
type AppID uint8

// Label is the AVCTP 4-bit transaction label.
type Label uint8
