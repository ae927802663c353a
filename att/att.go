// Package att implements the Attribute Protocol client side used by GATT
// discovery. PDUs travel over the fixed LE channel (CID 0x0004).
package att

import (
	"encoding/binary"
	"fmt"
)

// Attribute opcodes [Vol 3, Part F, 3.4.8].
const (
	ErrorResponseCode           = 0x01
	ExchangeMTURequestCode      = 0x02
	ExchangeMTUResponseCode     = 0x03
	FindInformationRequestCode  = 0x04
	FindInformationResponseCode = 0x05
	ReadByTypeRequestCode       = 0x08
	ReadByTypeResponseCode      = 0x09
	ReadRequestCode             = 0x0a
	ReadResponseCode            = 0x0b
	ReadBlobRequestCode         = 0x0c
	ReadBlobResponseCode        = 0x0d
	ReadMultipleRequestCode     = 0x0e
	ReadMultipleResponseCode    = 0x0f
	ReadByGroupTypeRequestCode  = 0x10
	ReadByGroupTypeResponseCode = 0x11
	WriteRequestCode            = 0x12
	WriteResponseCode           = 0x13
	WriteCommandCode            = 0x52
	HandleValueNotificationCode = 0x1b
	HandleValueIndicationCode   = 0x1d
	HandleValueConfirmationCode = 0x1e
)

var rspOfReq = map[byte]byte{
	ExchangeMTURequestCode:     ExchangeMTUResponseCode,
	FindInformationRequestCode: FindInformationResponseCode,
	ReadByTypeRequestCode:      ReadByTypeResponseCode,
	ReadRequestCode:            ReadResponseCode,
	ReadBlobRequestCode:        ReadBlobResponseCode,
	ReadMultipleRequestCode:    ReadMultipleResponseCode,
	ReadByGroupTypeRequestCode: ReadByGroupTypeResponseCode,
	WriteRequestCode:           WriteResponseCode,
}

// Error is the error code of an ATT Error Response [Vol 3, Part F, 3.4.1.1].
type Error byte

const (
	ErrSuccess           Error = 0x00
	ErrInvalidHandle     Error = 0x01
	ErrReadNotPerm       Error = 0x02
	ErrWriteNotPerm      Error = 0x03
	ErrInvalidPDU        Error = 0x04
	ErrAuthentication    Error = 0x05
	ErrReqNotSupp        Error = 0x06
	ErrInvalidOffset     Error = 0x07
	ErrAuthorization     Error = 0x08
	ErrPrepQueueFull     Error = 0x09
	ErrAttrNotFound      Error = 0x0a
	ErrAttrNotLong       Error = 0x0b
	ErrInsuffEncrKeySize Error = 0x0c
	ErrInvalAttrValueLen Error = 0x0d
	ErrUnlikely          Error = 0x0e
	ErrInsuffEnc         Error = 0x0f
	ErrUnsuppGrpType     Error = 0x10
	ErrInsuffResources   Error = 0x11
	ErrDatabaseOutOfSync Error = 0x12
	ErrValueNotAllowed   Error = 0x13
)

var errName = map[Error]string{
	ErrSuccess:           "success",
	ErrInvalidHandle:     "invalid handle",
	ErrReadNotPerm:       "read not permitted",
	ErrWriteNotPerm:      "write not permitted",
	ErrInvalidPDU:        "invalid PDU",
	ErrAuthentication:    "insufficient authentication",
	ErrReqNotSupp:        "request not supported",
	ErrInvalidOffset:     "invalid offset",
	ErrAuthorization:     "insufficient authorization",
	ErrPrepQueueFull:     "prepare queue full",
	ErrAttrNotFound:      "attribute not found",
	ErrAttrNotLong:       "attribute not long",
	ErrInsuffEncrKeySize: "insufficient encryption key size",
	ErrInvalAttrValueLen: "invalid attribute value length",
	ErrUnlikely:          "unlikely error",
	ErrInsuffEnc:         "insufficient encryption",
	ErrUnsuppGrpType:     "unsupported group type",
	ErrInsuffResources:   "insufficient resources",
	ErrDatabaseOutOfSync: "database out of sync",
	ErrValueNotAllowed:   "value not allowed",
}

func (e Error) Error() string {
	if s, ok := errName[e]; ok {
		return s
	}
	if e >= 0x80 && e <= 0x9f {
		return fmt.Sprintf("application error code (0x%02x)", byte(e))
	}
	return fmt.Sprintf("reserved error code (0x%02x)", byte(e))
}

func newErrorResponse(reqOpcode byte, handle uint16, e Error) []byte {
	b := make([]byte, 5)
	b[0] = ErrorResponseCode
	b[1] = reqOpcode
	binary.LittleEndian.PutUint16(b[2:4], handle)
	b[4] = byte(e)
	return b
}

// Byte-slice views of the response PDUs the client parses.

// ErrorResponse [Vol 3, Part F, 3.4.1.1].
type ErrorResponse []byte

func (r ErrorResponse) RequestOpcode() byte     { return r[1] }
func (r ErrorResponse) AttributeHandle() uint16 { return binary.LittleEndian.Uint16(r[2:4]) }
func (r ErrorResponse) ErrorCode() Error        { return Error(r[4]) }

// FindInformationResponse [Vol 3, Part F, 3.4.3.2].
type FindInformationResponse []byte

// Format values of a Find Information Response.
const (
	FormatUUID16  = 0x01
	FormatUUID128 = 0x02
)

func (r FindInformationResponse) Format() int             { return int(r[1]) }
func (r FindInformationResponse) InformationData() []byte { return r[2:] }

// ReadByTypeResponse [Vol 3, Part F, 3.4.4.2].
type ReadByTypeResponse []byte

func (r ReadByTypeResponse) Length() int               { return int(r[1]) }
func (r ReadByTypeResponse) AttributeDataList() []byte { return r[2:] }

// ReadByGroupTypeResponse [Vol 3, Part F, 3.4.4.10].
type ReadByGroupTypeResponse []byte

func (r ReadByGroupTypeResponse) Length() int               { return int(r[1]) }
func (r ReadByGroupTypeResponse) AttributeDataList() []byte { return r[2:] }
