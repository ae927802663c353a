// Package l2cap implements the L2CAP channel manager: the signaling state
// machine, dynamic CID allocation, configuration negotiation, fragmentation
// and reassembly over ACL, enhanced retransmission mode, and the fixed
// channel table.
package l2cap

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Signaling command codes [Vol 3, Part A, 4].
const (
	SignalCommandReject         = 0x01
	SignalConnectionRequest     = 0x02
	SignalConnectionResponse    = 0x03
	SignalConfigurationRequest  = 0x04
	SignalConfigurationResponse = 0x05
	SignalDisconnectionRequest  = 0x06
	SignalDisconnectionResponse = 0x07
	SignalEchoRequest           = 0x08
	SignalEchoResponse          = 0x09
	SignalInformationRequest    = 0x0A
	SignalInformationResponse   = 0x0B
)

// Command Reject reasons [Vol 3, Part A, 4.1].
const (
	RejectNotUnderstood  = 0x0000
	RejectSigMTUExceeded = 0x0001
	RejectInvalidCID     = 0x0002
)

// Connection Response result codes [Vol 3, Part A, 4.3].
const (
	ConnResultSuccess          = 0x0000
	ConnResultPending          = 0x0001
	ConnResultRefusedPSM       = 0x0002
	ConnResultRefusedSecurity  = 0x0003
	ConnResultRefusedResources = 0x0004
)

// Configuration Response result codes [Vol 3, Part A, 4.5].
const (
	ConfigResultSuccess      = 0x0000
	ConfigResultUnacceptable = 0x0001
	ConfigResultRejected     = 0x0002
	ConfigResultUnknown      = 0x0003
)

// Signal is one signaling command payload.
type Signal interface {
	Code() int
	Marshal() []byte
	Unmarshal(b []byte) error
}

// CommandReject implements Command Reject (0x01) [Vol 3, Part A, 4.1].
type CommandReject struct {
	Reason uint16
	Data   []byte
}

// Code returns the code of the signaling command.
func (s CommandReject) Code() int { return SignalCommandReject }

// Marshal serializes the command parameters into binary form.
func (s *CommandReject) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s.Reason)
	buf.Write(s.Data)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *CommandReject) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return errors.New("short command reject")
	}
	s.Reason = binary.LittleEndian.Uint16(b)
	s.Data = append([]byte(nil), b[2:]...)
	return nil
}

// ConnectionRequest implements Connection Request (0x02) [Vol 3, Part A, 4.2].
type ConnectionRequest struct {
	PSM       uint16
	SourceCID uint16
}

// Code returns the code of the signaling command.
func (s ConnectionRequest) Code() int { return SignalConnectionRequest }

// Marshal serializes the command parameters into binary form.
func (s *ConnectionRequest) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *ConnectionRequest) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// ConnectionResponse implements Connection Response (0x03) [Vol 3, Part A, 4.3].
type ConnectionResponse struct {
	DestinationCID uint16
	SourceCID      uint16
	Result         uint16
	Status         uint16
}

// Code returns the code of the signaling command.
func (s ConnectionResponse) Code() int { return SignalConnectionResponse }

// Marshal serializes the command parameters into binary form.
func (s *ConnectionResponse) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *ConnectionResponse) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// DisconnectionRequest implements Disconnection Request (0x06) [Vol 3, Part A, 4.6].
type DisconnectionRequest struct {
	DestinationCID uint16
	SourceCID      uint16
}

// Code returns the code of the signaling command.
func (s DisconnectionRequest) Code() int { return SignalDisconnectionRequest }

// Marshal serializes the command parameters into binary form.
func (s *DisconnectionRequest) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *DisconnectionRequest) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// DisconnectionResponse implements Disconnection Response (0x07) [Vol 3, Part A, 4.7].
type DisconnectionResponse struct {
	DestinationCID uint16
	SourceCID      uint16
}

// Code returns the code of the signaling command.
func (s DisconnectionResponse) Code() int { return SignalDisconnectionResponse }

// Marshal serializes the command parameters into binary form.
func (s *DisconnectionResponse) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *DisconnectionResponse) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// EchoRequest implements Echo Request (0x08) [Vol 3, Part A, 4.8].
type EchoRequest struct {
	Data []byte
}

// Code returns the code of the signaling command.
func (s EchoRequest) Code() int { return SignalEchoRequest }

// Marshal serializes the command parameters into binary form.
func (s *EchoRequest) Marshal() []byte { return append([]byte(nil), s.Data...) }

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *EchoRequest) Unmarshal(b []byte) error {
	s.Data = append([]byte(nil), b...)
	return nil
}

// EchoResponse implements Echo Response (0x09) [Vol 3, Part A, 4.9].
type EchoResponse struct {
	Data []byte
}

// Code returns the code of the signaling command.
func (s EchoResponse) Code() int { return SignalEchoResponse }

// Marshal serializes the command parameters into binary form.
func (s *EchoResponse) Marshal() []byte { return append([]byte(nil), s.Data...) }

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *EchoResponse) Unmarshal(b []byte) error {
	s.Data = append([]byte(nil), b...)
	return nil
}

// InformationRequest implements Information Request (0x0A) [Vol 3, Part A, 4.10].
type InformationRequest struct {
	InfoType uint16
}

// Code returns the code of the signaling command.
func (s InformationRequest) Code() int { return SignalInformationRequest }

// Marshal serializes the command parameters into binary form.
func (s *InformationRequest) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *InformationRequest) Unmarshal(b []byte) error {
	return binary.Read(bytes.NewBuffer(b), binary.LittleEndian, s)
}

// InformationResponse implements Information Response (0x0B) [Vol 3, Part A, 4.11].
type InformationResponse struct {
	InfoType uint16
	Result   uint16
	Data     []byte
}

// Code returns the code of the signaling command.
func (s InformationResponse) Code() int { return SignalInformationResponse }

// Marshal serializes the command parameters into binary form.
func (s *InformationResponse) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s.InfoType)
	binary.Write(buf, binary.LittleEndian, s.Result)
	buf.Write(s.Data)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *InformationResponse) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("short information response")
	}
	s.InfoType = binary.LittleEndian.Uint16(b)
	s.Result = binary.LittleEndian.Uint16(b[2:])
	s.Data = append([]byte(nil), b[4:]...)
	return nil
}

// Configuration option types [Vol 3, Part A, 5].
const (
	optTypeMTU          = 0x01
	optTypeFlushTimeout = 0x02
	optTypeQoS          = 0x03
	optTypeRFC          = 0x04
	optTypeFCS          = 0x05
)

// Retransmission mode values carried by the RFC option.
const (
	ModeBasic     = 0x00
	ModeERTM      = 0x03
	ModeStreaming = 0x04
)

// ConfigOptions is the negotiable option set of a Configuration exchange.
// Absent options keep their defaults.
type ConfigOptions struct {
	MTU          uint16
	FlushTimeout uint16
	Mode         uint8
	TxWindow     uint8
	MaxTransmit  uint8
	RetransTO    uint16
	MonitorTO    uint16
	MPS          uint16
	FCS          uint8

	HasMTU          bool
	HasFlushTimeout bool
	HasRFC          bool
	HasFCS          bool
}

func (o *ConfigOptions) marshal(buf *bytes.Buffer) {
	if o.HasMTU {
		buf.Write([]byte{optTypeMTU, 2})
		binary.Write(buf, binary.LittleEndian, o.MTU)
	}
	if o.HasFlushTimeout {
		buf.Write([]byte{optTypeFlushTimeout, 2})
		binary.Write(buf, binary.LittleEndian, o.FlushTimeout)
	}
	if o.HasRFC {
		buf.Write([]byte{optTypeRFC, 9, o.Mode, o.TxWindow, o.MaxTransmit})
		binary.Write(buf, binary.LittleEndian, o.RetransTO)
		binary.Write(buf, binary.LittleEndian, o.MonitorTO)
		binary.Write(buf, binary.LittleEndian, o.MPS)
	}
	if o.HasFCS {
		buf.Write([]byte{optTypeFCS, 1, o.FCS})
	}
}

func (o *ConfigOptions) unmarshal(b []byte) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return errors.New("truncated config option")
		}
		typ, length := b[0], int(b[1])
		if len(b) < 2+length {
			return errors.New("truncated config option")
		}
		v := b[2 : 2+length]
		// the high bit marks an option safe to ignore when unknown
		switch typ & 0x7f {
		case optTypeMTU:
			if length != 2 {
				return errors.New("bad mtu option")
			}
			o.MTU = binary.LittleEndian.Uint16(v)
			o.HasMTU = true
		case optTypeFlushTimeout:
			if length != 2 {
				return errors.New("bad flush timeout option")
			}
			o.FlushTimeout = binary.LittleEndian.Uint16(v)
			o.HasFlushTimeout = true
		case optTypeRFC:
			if length != 9 {
				return errors.New("bad rfc option")
			}
			o.Mode = v[0]
			o.TxWindow = v[1]
			o.MaxTransmit = v[2]
			o.RetransTO = binary.LittleEndian.Uint16(v[3:])
			o.MonitorTO = binary.LittleEndian.Uint16(v[5:])
			o.MPS = binary.LittleEndian.Uint16(v[7:])
			o.HasRFC = true
		case optTypeFCS:
			if length != 1 {
				return errors.New("bad fcs option")
			}
			o.FCS = v[0]
			o.HasFCS = true
		case optTypeQoS:
			// accepted, not negotiated
		default:
			if typ&0x80 == 0 {
				return errors.Errorf("unknown config option 0x%02x", typ)
			}
		}
		b = b[2+length:]
	}
	return nil
}

// ConfigurationRequest implements Configuration Request (0x04) [Vol 3, Part A, 4.4].
type ConfigurationRequest struct {
	DestinationCID uint16
	Flags          uint16
	Options        ConfigOptions
}

// Code returns the code of the signaling command.
func (s ConfigurationRequest) Code() int { return SignalConfigurationRequest }

// Marshal serializes the command parameters into binary form.
func (s *ConfigurationRequest) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s.DestinationCID)
	binary.Write(buf, binary.LittleEndian, s.Flags)
	s.Options.marshal(buf)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *ConfigurationRequest) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errors.New("short configuration request")
	}
	s.DestinationCID = binary.LittleEndian.Uint16(b)
	s.Flags = binary.LittleEndian.Uint16(b[2:])
	return s.Options.unmarshal(b[4:])
}

// ConfigurationResponse implements Configuration Response (0x05) [Vol 3, Part A, 4.5].
type ConfigurationResponse struct {
	SourceCID uint16
	Flags     uint16
	Result    uint16
	Options   ConfigOptions
}

// Code returns the code of the signaling command.
func (s ConfigurationResponse) Code() int { return SignalConfigurationResponse }

// Marshal serializes the command parameters into binary form.
func (s *ConfigurationResponse) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	binary.Write(buf, binary.LittleEndian, s.SourceCID)
	binary.Write(buf, binary.LittleEndian, s.Flags)
	binary.Write(buf, binary.LittleEndian, s.Result)
	s.Options.marshal(buf)
	return buf.Bytes()
}

// Unmarshal de-serializes the binary data and stores the result in the receiver.
func (s *ConfigurationResponse) Unmarshal(b []byte) error {
	if len(b) < 6 {
		return errors.New("short configuration response")
	}
	s.SourceCID = binary.LittleEndian.Uint16(b)
	s.Flags = binary.LittleEndian.Uint16(b[2:])
	s.Result = binary.LittleEndian.Uint16(b[4:])
	return s.Options.unmarshal(b[6:])
}

// MarshalSignal wraps a command in the 4-byte signaling header [Vol 3, Part A, 4].
func MarshalSignal(id uint8, s Signal) []byte {
	p := s.Marshal()
	out := make([]byte, 4+len(p))
	out[0] = byte(s.Code())
	out[1] = id
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(p)))
	copy(out[4:], p)
	return out
}

// splitSignals walks a C-frame that may carry several commands.
func splitSignals(b []byte, visit func(code, id uint8, payload []byte) error) error {
	for len(b) > 0 {
		if len(b) < 4 {
			return errors.New("short signaling header")
		}
		code, id := b[0], b[1]
		length := int(binary.LittleEndian.Uint16(b[2:4]))
		if len(b) < 4+length {
			return errors.New("signaling length exceeds frame")
		}
		if err := visit(code, id, b[4:4+length]); err != nil {
			return err
		}
		b = b[4+length:]
	}
	return nil
}
