package cmd

// Disconnect implements Disconnect (0x01|0x0006) [Vol 2, Part E, 7.1.6]
type Disconnect struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (c *Disconnect) String() string { return "Disconnect (0x01|0x0006)" }

// OpCode returns the opcode of the command.
func (c *Disconnect) OpCode() int { return 0x01<<10 | 0x0006 }

// Len returns the length of the command.
func (c *Disconnect) Len() int { return 3 }

// Marshal serializes the command parameters into binary form.
func (c *Disconnect) Marshal(b []byte) error { return marshal(c, b) }

// CreateConnection implements Create Connection (0x01|0x0005) [Vol 2, Part E, 7.1.5]
type CreateConnection struct {
	BDADDR                 [6]byte
	PacketType             uint16
	PageScanRepetitionMode uint8
	Reserved               uint8
	ClockOffset            uint16
	AllowRoleSwitch        uint8
}

func (c *CreateConnection) String() string { return "Create Connection (0x01|0x0005)" }

// OpCode returns the opcode of the command.
func (c *CreateConnection) OpCode() int { return 0x01<<10 | 0x0005 }

// Len returns the length of the command.
func (c *CreateConnection) Len() int { return 13 }

// Marshal serializes the command parameters into binary form.
func (c *CreateConnection) Marshal(b []byte) error { return marshal(c, b) }

// CreateConnectionCancel implements Create Connection Cancel (0x01|0x0008) [Vol 2, Part E, 7.1.7]
type CreateConnectionCancel struct {
	BDADDR [6]byte
}

func (c *CreateConnectionCancel) String() string { return "Create Connection Cancel (0x01|0x0008)" }

// OpCode returns the opcode of the command.
func (c *CreateConnectionCancel) OpCode() int { return 0x01<<10 | 0x0008 }

// Len returns the length of the command.
func (c *CreateConnectionCancel) Len() int { return 6 }

// Marshal serializes the command parameters into binary form.
func (c *CreateConnectionCancel) Marshal(b []byte) error { return marshal(c, b) }

// AcceptConnectionRequest implements Accept Connection Request (0x01|0x0009) [Vol 2, Part E, 7.1.8]
type AcceptConnectionRequest struct {
	BDADDR [6]byte
	Role   uint8
}

func (c *AcceptConnectionRequest) String() string { return "Accept Connection Request (0x01|0x0009)" }

// OpCode returns the opcode of the command.
func (c *AcceptConnectionRequest) OpCode() int { return 0x01<<10 | 0x0009 }

// Len returns the length of the command.
func (c *AcceptConnectionRequest) Len() int { return 7 }

// Marshal serializes the command parameters into binary form.
func (c *AcceptConnectionRequest) Marshal(b []byte) error { return marshal(c, b) }

// RejectConnectionRequest implements Reject Connection Request (0x01|0x000A) [Vol 2, Part E, 7.1.9]
type RejectConnectionRequest struct {
	BDADDR [6]byte
	Reason uint8
}

func (c *RejectConnectionRequest) String() string { return "Reject Connection Request (0x01|0x000A)" }

// OpCode returns the opcode of the command.
func (c *RejectConnectionRequest) OpCode() int { return 0x01<<10 | 0x000A }

// Len returns the length of the command.
func (c *RejectConnectionRequest) Len() int { return 7 }

// Marshal serializes the command parameters into binary form.
func (c *RejectConnectionRequest) Marshal(b []byte) error { return marshal(c, b) }

// AuthenticationRequested implements Authentication Requested (0x01|0x0011) [Vol 2, Part E, 7.1.15]
type AuthenticationRequested struct {
	ConnectionHandle uint16
}

func (c *AuthenticationRequested) String() string { return "Authentication Requested (0x01|0x0011)" }

// OpCode returns the opcode of the command.
func (c *AuthenticationRequested) OpCode() int { return 0x01<<10 | 0x0011 }

// Len returns the length of the command.
func (c *AuthenticationRequested) Len() int { return 2 }

// Marshal serializes the command parameters into binary form.
func (c *AuthenticationRequested) Marshal(b []byte) error { return marshal(c, b) }

// SetConnectionEncryption implements Set Connection Encryption (0x01|0x0013) [Vol 2, Part E, 7.1.16]
type SetConnectionEncryption struct {
	ConnectionHandle uint16
	EncryptionEnable uint8
}

func (c *SetConnectionEncryption) String() string { return "Set Connection Encryption (0x01|0x0013)" }

// OpCode returns the opcode of the command.
func (c *SetConnectionEncryption) OpCode() int { return 0x01<<10 | 0x0013 }

// Len returns the length of the command.
func (c *SetConnectionEncryption) Len() int { return 3 }

// Marshal serializes the command parameters into binary form.
func (c *SetConnectionEncryption) Marshal(b []byte) error { return marshal(c, b) }

// ReadRemoteVersionInformation implements Read Remote Version Information (0x01|0x001D) [Vol 2, Part E, 7.1.23]
type ReadRemoteVersionInformation struct {
	ConnectionHandle uint16
}

func (c *ReadRemoteVersionInformation) String() string {
	return "Read Remote Version Information (0x01|0x001D)"
}

// OpCode returns the opcode of the command.
func (c *ReadRemoteVersionInformation) OpCode() int { return 0x01<<10 | 0x001D }

// Len returns the length of the command.
func (c *ReadRemoteVersionInformation) Len() int { return 2 }

// Marshal serializes the command parameters into binary form.
func (c *ReadRemoteVersionInformation) Marshal(b []byte) error { return marshal(c, b) }

// HoldMode implements Hold Mode (0x02|0x0001) [Vol 2, Part E, 7.2.1]
type HoldMode struct {
	ConnectionHandle    uint16
	HoldModeMaxInterval uint16
	HoldModeMinInterval uint16
}

func (c *HoldMode) String() string { return "Hold Mode (0x02|0x0001)" }

// OpCode returns the opcode of the command.
func (c *HoldMode) OpCode() int { return 0x02<<10 | 0x0001 }

// Len returns the length of the command.
func (c *HoldMode) Len() int { return 6 }

// Marshal serializes the command parameters into binary form.
func (c *HoldMode) Marshal(b []byte) error { return marshal(c, b) }

// SniffMode implements Sniff Mode (0x02|0x0003) [Vol 2, Part E, 7.2.2]
type SniffMode struct {
	ConnectionHandle uint16
	SniffMaxInterval uint16
	SniffMinInterval uint16
	SniffAttempt     uint16
	SniffTimeout     uint16
}

func (c *SniffMode) String() string { return "Sniff Mode (0x02|0x0003)" }

// OpCode returns the opcode of the command.
func (c *SniffMode) OpCode() int { return 0x02<<10 | 0x0003 }

// Len returns the length of the command.
func (c *SniffMode) Len() int { return 10 }

// Marshal serializes the command parameters into binary form.
func (c *SniffMode) Marshal(b []byte) error { return marshal(c, b) }

// ExitSniffMode implements Exit Sniff Mode (0x02|0x0004) [Vol 2, Part E, 7.2.3]
type ExitSniffMode struct {
	ConnectionHandle uint16
}

func (c *ExitSniffMode) String() string { return "Exit Sniff Mode (0x02|0x0004)" }

// OpCode returns the opcode of the command.
func (c *ExitSniffMode) OpCode() int { return 0x02<<10 | 0x0004 }

// Len returns the length of the command.
func (c *ExitSniffMode) Len() int { return 2 }

// Marshal serializes the command parameters into binary form.
func (c *ExitSniffMode) Marshal(b []byte) error { return marshal(c, b) }

// ParkState implements Park State (0x02|0x0005) [Vol 2, Part E, 7.2.4]
type ParkState struct {
	ConnectionHandle  uint16
	BeaconMaxInterval uint16
	BeaconMinInterval uint16
}

func (c *ParkState) String() string { return "Park State (0x02|0x0005)" }

// OpCode returns the opcode of the command.
func (c *ParkState) OpCode() int { return 0x02<<10 | 0x0005 }

// Len returns the length of the command.
func (c *ParkState) Len() int { return 6 }

// Marshal serializes the command parameters into binary form.
func (c *ParkState) Marshal(b []byte) error { return marshal(c, b) }

// ExitParkState implements Exit Park State (0x02|0x0006) [Vol 2, Part E, 7.2.5]
type ExitParkState struct {
	ConnectionHandle uint16
}

func (c *ExitParkState) String() string { return "Exit Park State (0x02|0x0006)" }

// OpCode returns the opcode of the command.
func (c *ExitParkState) OpCode() int { return 0x02<<10 | 0x0006 }

// Len returns the length of the command.
func (c *ExitParkState) Len() int { return 2 }

// Marshal serializes the command parameters into binary form.
func (c *ExitParkState) Marshal(b []byte) error { return marshal(c, b) }

// SniffSubrating implements Sniff Subrating (0x02|0x0011) [Vol 2, Part E, 7.2.14]
type SniffSubrating struct {
	ConnectionHandle     uint16
	MaximumLatency       uint16
	MinimumRemoteTimeout uint16
	MinimumLocalTimeout  uint16
}

func (c *SniffSubrating) String() string { return "Sniff Subrating (0x02|0x0011)" }

// OpCode returns the opcode of the command.
func (c *SniffSubrating) OpCode() int { return 0x02<<10 | 0x0011 }

// Len returns the length of the command.
func (c *SniffSubrating) Len() int { return 8 }

// Marshal serializes the command parameters into binary form.
func (c *SniffSubrating) Marshal(b []byte) error { return marshal(c, b) }

// SniffSubratingRP returns the return parameter of Sniff Subrating
type SniffSubratingRP struct {
	Status           uint8
	ConnectionHandle uint16
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *SniffSubratingRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// WriteLinkPolicySettings implements Write Link Policy Settings (0x02|0x000D) [Vol 2, Part E, 7.2.10]
type WriteLinkPolicySettings struct {
	ConnectionHandle   uint16
	LinkPolicySettings uint16
}

func (c *WriteLinkPolicySettings) String() string { return "Write Link Policy Settings (0x02|0x000D)" }

// OpCode returns the opcode of the command.
func (c *WriteLinkPolicySettings) OpCode() int { return 0x02<<10 | 0x000D }

// Len returns the length of the command.
func (c *WriteLinkPolicySettings) Len() int { return 4 }

// Marshal serializes the command parameters into binary form.
func (c *WriteLinkPolicySettings) Marshal(b []byte) error { return marshal(c, b) }

// WriteLinkPolicySettingsRP returns the return parameter of Write Link Policy Settings
type WriteLinkPolicySettingsRP struct {
	Status           uint8
	ConnectionHandle uint16
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *WriteLinkPolicySettingsRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// SetEventMask implements Set Event Mask (0x03|0x0001) [Vol 2, Part E, 7.3.1]
type SetEventMask struct {
	EventMask uint64
}

func (c *SetEventMask) String() string { return "Set Event Mask (0x03|0x0001)" }

// OpCode returns the opcode of the command.
func (c *SetEventMask) OpCode() int { return 0x03<<10 | 0x0001 }

// Len returns the length of the command.
func (c *SetEventMask) Len() int { return 8 }

// Marshal serializes the command parameters into binary form.
func (c *SetEventMask) Marshal(b []byte) error { return marshal(c, b) }

// SetEventMaskRP returns the return parameter of Set Event Mask
type SetEventMaskRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *SetEventMaskRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// Reset implements Reset (0x03|0x0003) [Vol 2, Part E, 7.3.2]
type Reset struct {
}

func (c *Reset) String() string { return "Reset (0x03|0x0003)" }

// OpCode returns the opcode of the command.
func (c *Reset) OpCode() int { return 0x03<<10 | 0x0003 }

// Len returns the length of the command.
func (c *Reset) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *Reset) Marshal(b []byte) error { return marshal(c, b) }

// ResetRP returns the return parameter of Reset
type ResetRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *ResetRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// ReadBufferSize implements Read Buffer Size (0x04|0x0005) [Vol 2, Part E, 7.4.5]
type ReadBufferSize struct {
}

func (c *ReadBufferSize) String() string { return "Read Buffer Size (0x04|0x0005)" }

// OpCode returns the opcode of the command.
func (c *ReadBufferSize) OpCode() int { return 0x04<<10 | 0x0005 }

// Len returns the length of the command.
func (c *ReadBufferSize) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *ReadBufferSize) Marshal(b []byte) error { return marshal(c, b) }

// ReadBufferSizeRP returns the return parameter of Read Buffer Size
type ReadBufferSizeRP struct {
	Status                           uint8
	HCACLDataPacketLength            uint16
	HCSynchronousDataPacketLength    uint8
	HCTotalNumACLDataPackets         uint16
	HCTotalNumSynchronousDataPackets uint16
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *ReadBufferSizeRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// ReadBDADDR implements Read BD_ADDR (0x04|0x0009) [Vol 2, Part E, 7.4.6]
type ReadBDADDR struct {
}

func (c *ReadBDADDR) String() string { return "Read BD_ADDR (0x04|0x0009)" }

// OpCode returns the opcode of the command.
func (c *ReadBDADDR) OpCode() int { return 0x04<<10 | 0x0009 }

// Len returns the length of the command.
func (c *ReadBDADDR) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *ReadBDADDR) Marshal(b []byte) error { return marshal(c, b) }

// ReadBDADDRRP returns the return parameter of Read BD_ADDR
type ReadBDADDRRP struct {
	Status uint8
	BDADDR [6]byte
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *ReadBDADDRRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// ReadLocalVersionInformation implements Read Local Version Information (0x04|0x0001) [Vol 2, Part E, 7.4.1]
type ReadLocalVersionInformation struct {
}

func (c *ReadLocalVersionInformation) String() string {
	return "Read Local Version Information (0x04|0x0001)"
}

// OpCode returns the opcode of the command.
func (c *ReadLocalVersionInformation) OpCode() int { return 0x04<<10 | 0x0001 }

// Len returns the length of the command.
func (c *ReadLocalVersionInformation) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *ReadLocalVersionInformation) Marshal(b []byte) error { return marshal(c, b) }

// ReadLocalVersionInformationRP returns the return parameter of Read Local Version Information
type ReadLocalVersionInformationRP struct {
	Status           uint8
	HCIVersion       uint8
	HCIRevision      uint16
	LMPVersion       uint8
	ManufacturerName uint16
	LMPSubversion    uint16
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *ReadLocalVersionInformationRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LESetEventMask implements LE Set Event Mask (0x08|0x0001) [Vol 2, Part E, 7.8.1]
type LESetEventMask struct {
	LEEventMask uint64
}

func (c *LESetEventMask) String() string { return "LE Set Event Mask (0x08|0x0001)" }

// OpCode returns the opcode of the command.
func (c *LESetEventMask) OpCode() int { return 0x08<<10 | 0x0001 }

// Len returns the length of the command.
func (c *LESetEventMask) Len() int { return 8 }

// Marshal serializes the command parameters into binary form.
func (c *LESetEventMask) Marshal(b []byte) error { return marshal(c, b) }

// LESetEventMaskRP returns the return parameter of LE Set Event Mask
type LESetEventMaskRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LESetEventMaskRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LEReadBufferSize implements LE Read Buffer Size (0x08|0x0002) [Vol 2, Part E, 7.8.2]
type LEReadBufferSize struct {
}

func (c *LEReadBufferSize) String() string { return "LE Read Buffer Size (0x08|0x0002)" }

// OpCode returns the opcode of the command.
func (c *LEReadBufferSize) OpCode() int { return 0x08<<10 | 0x0002 }

// Len returns the length of the command.
func (c *LEReadBufferSize) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *LEReadBufferSize) Marshal(b []byte) error { return marshal(c, b) }

// LEReadBufferSizeRP returns the return parameter of LE Read Buffer Size
type LEReadBufferSizeRP struct {
	Status                  uint8
	HCLEDataPacketLength    uint16
	HCTotalNumLEDataPackets uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LEReadBufferSizeRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LESetScanParameters implements LE Set Scan Parameters (0x08|0x000B) [Vol 2, Part E, 7.8.10]
type LESetScanParameters struct {
	LEScanType           uint8
	LEScanInterval       uint16
	LEScanWindow         uint16
	OwnAddressType       uint8
	ScanningFilterPolicy uint8
}

func (c *LESetScanParameters) String() string { return "LE Set Scan Parameters (0x08|0x000B)" }

// OpCode returns the opcode of the command.
func (c *LESetScanParameters) OpCode() int { return 0x08<<10 | 0x000B }

// Len returns the length of the command.
func (c *LESetScanParameters) Len() int { return 7 }

// Marshal serializes the command parameters into binary form.
func (c *LESetScanParameters) Marshal(b []byte) error { return marshal(c, b) }

// LESetScanParametersRP returns the return parameter of LE Set Scan Parameters
type LESetScanParametersRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LESetScanParametersRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LESetScanEnable implements LE Set Scan Enable (0x08|0x000C) [Vol 2, Part E, 7.8.11]
type LESetScanEnable struct {
	LEScanEnable     uint8
	FilterDuplicates uint8
}

func (c *LESetScanEnable) String() string { return "LE Set Scan Enable (0x08|0x000C)" }

// OpCode returns the opcode of the command.
func (c *LESetScanEnable) OpCode() int { return 0x08<<10 | 0x000C }

// Len returns the length of the command.
func (c *LESetScanEnable) Len() int { return 2 }

// Marshal serializes the command parameters into binary form.
func (c *LESetScanEnable) Marshal(b []byte) error { return marshal(c, b) }

// LESetScanEnableRP returns the return parameter of LE Set Scan Enable
type LESetScanEnableRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LESetScanEnableRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LECreateConnection implements LE Create Connection (0x08|0x000D) [Vol 2, Part E, 7.8.12]
type LECreateConnection struct {
	LEScanInterval        uint16
	LEScanWindow          uint16
	InitiatorFilterPolicy uint8
	PeerAddressType       uint8
	PeerAddress           [6]byte
	OwnAddressType        uint8
	ConnIntervalMin       uint16
	ConnIntervalMax       uint16
	ConnLatency           uint16
	SupervisionTimeout    uint16
	MinimumCELength       uint16
	MaximumCELength       uint16
}

func (c *LECreateConnection) String() string { return "LE Create Connection (0x08|0x000D)" }

// OpCode returns the opcode of the command.
func (c *LECreateConnection) OpCode() int { return 0x08<<10 | 0x000D }

// Len returns the length of the command.
func (c *LECreateConnection) Len() int { return 25 }

// Marshal serializes the command parameters into binary form.
func (c *LECreateConnection) Marshal(b []byte) error { return marshal(c, b) }

// LECreateConnectionCancel implements LE Create Connection Cancel (0x08|0x000E) [Vol 2, Part E, 7.8.13]
type LECreateConnectionCancel struct {
}

func (c *LECreateConnectionCancel) String() string {
	return "LE Create Connection Cancel (0x08|0x000E)"
}

// OpCode returns the opcode of the command.
func (c *LECreateConnectionCancel) OpCode() int { return 0x08<<10 | 0x000E }

// Len returns the length of the command.
func (c *LECreateConnectionCancel) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *LECreateConnectionCancel) Marshal(b []byte) error { return marshal(c, b) }

// LECreateConnectionCancelRP returns the return parameter of LE Create Connection Cancel
type LECreateConnectionCancelRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LECreateConnectionCancelRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LEReadFilterAcceptListSize implements LE Read Filter Accept List Size (0x08|0x000F) [Vol 2, Part E, 7.8.14]
type LEReadFilterAcceptListSize struct {
}

func (c *LEReadFilterAcceptListSize) String() string {
	return "LE Read Filter Accept List Size (0x08|0x000F)"
}

// OpCode returns the opcode of the command.
func (c *LEReadFilterAcceptListSize) OpCode() int { return 0x08<<10 | 0x000F }

// Len returns the length of the command.
func (c *LEReadFilterAcceptListSize) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *LEReadFilterAcceptListSize) Marshal(b []byte) error { return marshal(c, b) }

// LEReadFilterAcceptListSizeRP returns the return parameter of LE Read Filter Accept List Size
type LEReadFilterAcceptListSizeRP struct {
	Status               uint8
	FilterAcceptListSize uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LEReadFilterAcceptListSizeRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LEClearFilterAcceptList implements LE Clear Filter Accept List (0x08|0x0010) [Vol 2, Part E, 7.8.15]
type LEClearFilterAcceptList struct {
}

func (c *LEClearFilterAcceptList) String() string {
	return "LE Clear Filter Accept List (0x08|0x0010)"
}

// OpCode returns the opcode of the command.
func (c *LEClearFilterAcceptList) OpCode() int { return 0x08<<10 | 0x0010 }

// Len returns the length of the command.
func (c *LEClearFilterAcceptList) Len() int { return 0 }

// Marshal serializes the command parameters into binary form.
func (c *LEClearFilterAcceptList) Marshal(b []byte) error { return marshal(c, b) }

// LEClearFilterAcceptListRP returns the return parameter of LE Clear Filter Accept List
type LEClearFilterAcceptListRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LEClearFilterAcceptListRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LEAddDeviceToFilterAcceptList implements LE Add Device To Filter Accept List (0x08|0x0011) [Vol 2, Part E, 7.8.16]
type LEAddDeviceToFilterAcceptList struct {
	AddressType uint8
	Address     [6]byte
}

func (c *LEAddDeviceToFilterAcceptList) String() string {
	return "LE Add Device To Filter Accept List (0x08|0x0011)"
}

// OpCode returns the opcode of the command.
func (c *LEAddDeviceToFilterAcceptList) OpCode() int { return 0x08<<10 | 0x0011 }

// Len returns the length of the command.
func (c *LEAddDeviceToFilterAcceptList) Len() int { return 7 }

// Marshal serializes the command parameters into binary form.
func (c *LEAddDeviceToFilterAcceptList) Marshal(b []byte) error { return marshal(c, b) }

// LEAddDeviceToFilterAcceptListRP returns the return parameter of LE Add Device To Filter Accept List
type LEAddDeviceToFilterAcceptListRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LEAddDeviceToFilterAcceptListRP) Unmarshal(b []byte) error { return unmarshal(c, b) }

// LERemoveDeviceFromFilterAcceptList implements LE Remove Device From Filter Accept List (0x08|0x0012) [Vol 2, Part E, 7.8.17]
type LERemoveDeviceFromFilterAcceptList struct {
	AddressType uint8
	Address     [6]byte
}

func (c *LERemoveDeviceFromFilterAcceptList) String() string {
	return "LE Remove Device From Filter Accept List (0x08|0x0012)"
}

// OpCode returns the opcode of the command.
func (c *LERemoveDeviceFromFilterAcceptList) OpCode() int { return 0x08<<10 | 0x0012 }

// Len returns the length of the command.
func (c *LERemoveDeviceFromFilterAcceptList) Len() int { return 7 }

// Marshal serializes the command parameters into binary form.
func (c *LERemoveDeviceFromFilterAcceptList) Marshal(b []byte) error { return marshal(c, b) }

// LERemoveDeviceFromFilterAcceptListRP returns the return parameter of LE Remove Device From Filter Accept List
type LERemoveDeviceFromFilterAcceptListRP struct {
	Status uint8
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (c *LERemoveDeviceFromFilterAcceptListRP) Unmarshal(b []byte) error { return unmarshal(c, b) }
