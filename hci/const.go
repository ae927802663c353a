package hci

import "time"

// HCI packet types [Vol 4, Part A, 2].
const (
	PktTypeCommand uint8 = 0x01
	PktTypeACLData uint8 = 0x02
	PktTypeSCOData uint8 = 0x03
	PktTypeEvent   uint8 = 0x04
	PktTypeISOData uint8 = 0x05
	PktTypeVendor  uint8 = 0xFF
)

// Packet boundary flags of HCI ACL Data Packet [Vol 2, Part E, 5.4.2].
const (
	PbfHostToControllerStart = 0x00 // Start of a non-automatically-flushable PDU from host to controller.
	PbfContinuing            = 0x01 // Continuing fragment.
	PbfControllerToHostStart = 0x02 // Start of a non-automatically-flushable PDU from controller to host.
	PbfCompleteL2CAPPDU      = 0x03 // An automatically flushable complete PDU.
)

const (
	chCmdBufChanSize    = 16
	chCmdBufElementSize = 260 // 1 type + 2 opcode + 1 len + max 255 params + slack
	chCmdBufTimeout     = time.Second * 5
)

const (
	RoleCentral    = 0x00
	RolePeripheral = 0x01
)

// Direction of a captured packet relative to the host.
type Direction uint8

const (
	DirSent Direction = iota
	DirReceived
)
