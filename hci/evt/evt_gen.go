// Package evt defines the HCI events the host consumes [Vol 2, Part E, 7.7].
// Each event is a byte slice over the parameter block with typed accessors.
package evt

import "encoding/binary"

const ConnectionCompleteCode = 0x03

// ConnectionComplete implements Connection Complete (0x03) [Vol 2, Part E, 7.7.3].
type ConnectionComplete []byte

func (r ConnectionComplete) Status() uint8 { return r[0] }

func (r ConnectionComplete) ConnectionHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

func (r ConnectionComplete) BDADDR() [6]byte {
	b := [6]byte{}
	copy(b[:], r[3:9])
	return b
}

func (r ConnectionComplete) LinkType() uint8 { return r[9] }

func (r ConnectionComplete) EncryptionEnabled() uint8 { return r[10] }

const ConnectionRequestCode = 0x04

// ConnectionRequest implements Connection Request (0x04) [Vol 2, Part E, 7.7.4].
type ConnectionRequest []byte

func (r ConnectionRequest) BDADDR() [6]byte {
	b := [6]byte{}
	copy(b[:], r[0:6])
	return b
}

func (r ConnectionRequest) ClassOfDevice() [3]byte {
	b := [3]byte{}
	copy(b[:], r[6:9])
	return b
}

func (r ConnectionRequest) LinkType() uint8 { return r[9] }

const DisconnectionCompleteCode = 0x05

// DisconnectionComplete implements Disconnection Complete (0x05) [Vol 2, Part E, 7.7.5].
type DisconnectionComplete []byte

func (r DisconnectionComplete) Status() uint8 { return r[0] }

func (r DisconnectionComplete) ConnectionHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

func (r DisconnectionComplete) Reason() uint8 { return r[3] }

const AuthenticationCompleteCode = 0x06

// AuthenticationComplete implements Authentication Complete (0x06) [Vol 2, Part E, 7.7.6].
type AuthenticationComplete []byte

func (r AuthenticationComplete) Status() uint8 { return r[0] }

func (r AuthenticationComplete) ConnectionHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

const EncryptionChangeCode = 0x08

// EncryptionChange implements Encryption Change (0x08) [Vol 2, Part E, 7.7.8].
type EncryptionChange []byte

func (r EncryptionChange) Status() uint8 { return r[0] }

func (r EncryptionChange) ConnectionHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

func (r EncryptionChange) EncryptionEnabled() uint8 { return r[3] }

const ReadRemoteVersionInformationCompleteCode = 0x0C

// ReadRemoteVersionInformationComplete implements Read Remote Version Information Complete (0x0C) [Vol 2, Part E, 7.7.12].
type ReadRemoteVersionInformationComplete []byte

func (r ReadRemoteVersionInformationComplete) Status() uint8 { return r[0] }

func (r ReadRemoteVersionInformationComplete) ConnectionHandle() uint16 {
	return binary.LittleEndian.Uint16(r[1:])
}

func (r ReadRemoteVersionInformationComplete) Version() uint8 { return r[3] }

func (r ReadRemoteVersionInformationComplete) ManufacturerName() uint16 {
	return binary.LittleEndian.Uint16(r[4:])
}

func (r ReadRemoteVersionInformationComplete) Subversion() uint16 {
	return binary.LittleEndian.Uint16(r[6:])
}

const CommandCompleteCode = 0x0E

// CommandComplete implements Command Complete (0x0E) [Vol 2, Part E, 7.7.14].
type CommandComplete []byte

func (r CommandComplete) NumHCICommandPackets() uint8 { return r[0] }

func (r CommandComplete) CommandOpcode() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

func (r CommandComplete) ReturnParameters() []byte { return r[3:] }

const CommandStatusCode = 0x0F

// CommandStatus implements Command Status (0x0F) [Vol 2, Part E, 7.7.15].
type CommandStatus []byte

func (r CommandStatus) Status() uint8 { return r[0] }

func (r CommandStatus) NumHCICommandPackets() uint8 { return r[1] }

func (r CommandStatus) CommandOpcode() uint16 { return binary.LittleEndian.Uint16(r[2:]) }

func (r CommandStatus) Valid() bool { return len(r) == 4 }

const HardwareErrorCode = 0x10

// HardwareError implements Hardware Error (0x10) [Vol 2, Part E, 7.7.16].
type HardwareError []byte

func (r HardwareError) HardwareCode() uint8 { return r[0] }

const NumberOfCompletedPacketsCode = 0x13

// NumberOfCompletedPackets implements Number Of Completed Packets (0x13) [Vol 2, Part E, 7.7.19].
type NumberOfCompletedPackets []byte

func (r NumberOfCompletedPackets) NumberOfHandles() uint8 { return r[0] }

func (r NumberOfCompletedPackets) ConnectionHandle(i int) uint16 {
	return binary.LittleEndian.Uint16(r[1+i*4:])
}

func (r NumberOfCompletedPackets) HCNumOfCompletedPackets(i int) uint16 {
	return binary.LittleEndian.Uint16(r[1+i*4+2:])
}

const ModeChangeCode = 0x14

// ModeChange implements Mode Change (0x14) [Vol 2, Part E, 7.7.20].
type ModeChange []byte

func (r ModeChange) Status() uint8 { return r[0] }

func (r ModeChange) ConnectionHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

func (r ModeChange) CurrentMode() uint8 { return r[3] }

func (r ModeChange) Interval() uint16 { return binary.LittleEndian.Uint16(r[4:]) }

const LEMetaCode = 0x3E

const LEConnectionCompleteSubCode = 0x01

// LEConnectionComplete implements LE Connection Complete (0x3E subevent 0x01) [Vol 2, Part E, 7.7.65.1].
type LEConnectionComplete []byte

func (r LEConnectionComplete) SubeventCode() uint8 { return r[0] }

func (r LEConnectionComplete) Status() uint8 { return r[1] }

func (r LEConnectionComplete) ConnectionHandle() uint16 { return binary.LittleEndian.Uint16(r[2:]) }

func (r LEConnectionComplete) Role() uint8 { return r[4] }

func (r LEConnectionComplete) PeerAddressType() uint8 { return r[5] }

func (r LEConnectionComplete) PeerAddress() [6]byte {
	b := [6]byte{}
	copy(b[:], r[6:12])
	return b
}

func (r LEConnectionComplete) ConnInterval() uint16 { return binary.LittleEndian.Uint16(r[12:]) }

func (r LEConnectionComplete) ConnLatency() uint16 { return binary.LittleEndian.Uint16(r[14:]) }

func (r LEConnectionComplete) SupervisionTimeout() uint16 {
	return binary.LittleEndian.Uint16(r[16:])
}

const LEConnectionUpdateCompleteSubCode = 0x03

// LEConnectionUpdateComplete implements LE Connection Update Complete (0x3E subevent 0x03) [Vol 2, Part E, 7.7.65.3].
type LEConnectionUpdateComplete []byte

func (r LEConnectionUpdateComplete) SubeventCode() uint8 { return r[0] }

func (r LEConnectionUpdateComplete) Status() uint8 { return r[1] }

func (r LEConnectionUpdateComplete) ConnectionHandle() uint16 {
	return binary.LittleEndian.Uint16(r[2:])
}
