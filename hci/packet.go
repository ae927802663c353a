package hci

import "encoding/binary"

// ACLPacket is an HCI ACL data packet with the packet-type prefix already
// stripped: 2 bytes handle+flags, 2 bytes data length, payload.
type ACLPacket []byte

func (a ACLPacket) Handle() uint16 {
	return binary.LittleEndian.Uint16(a[0:2]) & 0x0fff
}

// PBF returns the packet boundary flag.
func (a ACLPacket) PBF() uint8 {
	return uint8(binary.LittleEndian.Uint16(a[0:2])>>12) & 0x3
}

// BC returns the broadcast flag.
func (a ACLPacket) BC() uint8 {
	return uint8(binary.LittleEndian.Uint16(a[0:2])>>14) & 0x3
}

func (a ACLPacket) DataLen() int {
	return int(binary.LittleEndian.Uint16(a[2:4]))
}

func (a ACLPacket) Data() []byte {
	return a[4:]
}

// Valid checks the header length and the length field against the frame.
func (a ACLPacket) Valid() bool {
	return len(a) >= 4 && a.DataLen() == len(a)-4
}

// BuildACL assembles a full HCI ACL frame, type prefix included.
func BuildACL(handle uint16, pbf uint8, payload []byte) []byte {
	b := make([]byte, 5+len(payload))
	b[0] = PktTypeACLData
	binary.LittleEndian.PutUint16(b[1:3], handle&0x0fff|uint16(pbf)<<12)
	binary.LittleEndian.PutUint16(b[3:5], uint16(len(payload)))
	copy(b[5:], payload)
	return b
}
