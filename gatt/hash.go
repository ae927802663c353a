package gatt

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"

	"github.com/aead/cmac"
	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/sliceops"
)

// Descriptor types folded into the hash per Core Vol 3 Part G 7.3.1 with
// handle and type only. Declarations and the extended-properties descriptor
// contribute their value as well.
var hashHandleTypes = []bthost.UUID{
	bthost.UUID16(0x2901), // user description
	bthost.ClientCharacteristicConfigUUID,
	bthost.UUID16(0x2903), // server configuration
	bthost.UUID16(0x2904), // presentation format
	bthost.UUID16(0x2905), // aggregate format
}

// DatabaseHash computes the AES-128-CMAC of the attribute stream with an
// all-zero key. The stream is little-endian on the wire; the CMAC runs over
// the most-significant-octet-first representation, like the pairing
// functions do.
func DatabaseHash(db *Database) ([]byte, error) {
	var msg bytes.Buffer
	for _, svc := range db.Services {
		svcType := bthost.SecondaryServiceUUID
		if svc.Primary {
			svcType = bthost.PrimaryServiceUUID
		}
		putAttr(&msg, svc.Handle, svcType, svc.Type)

		for _, inc := range svc.Includes {
			var v bytes.Buffer
			binary.Write(&v, binary.LittleEndian, inc.ServiceStart)
			binary.Write(&v, binary.LittleEndian, inc.ServiceEnd)
			v.Write(inc.Type)
			putAttr(&msg, inc.Handle, bthost.IncludeUUID, v.Bytes())
		}

		for _, ch := range svc.Characteristics {
			var v bytes.Buffer
			v.WriteByte(ch.Properties)
			binary.Write(&v, binary.LittleEndian, ch.ValueHandle)
			v.Write(ch.Type)
			putAttr(&msg, ch.DeclHandle, bthost.CharacteristicUUID, v.Bytes())

			for _, d := range ch.Descriptors {
				switch {
				case d.Type.Equal(bthost.ExtendedPropertiesUUID):
					putAttr(&msg, d.Handle, d.Type, d.Value)
				case containsType(hashHandleTypes, d.Type):
					putAttr(&msg, d.Handle, d.Type, nil)
				}
			}
		}
	}

	key := make([]byte, 16)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "database hash")
	}
	mac, err := cmac.New(block)
	if err != nil {
		return nil, errors.Wrap(err, "database hash")
	}
	mac.Write(sliceops.SwapBuf(msg.Bytes()))
	return sliceops.SwapBuf(mac.Sum(nil)), nil
}

func putAttr(msg *bytes.Buffer, handle uint16, attrType bthost.UUID, value []byte) {
	binary.Write(msg, binary.LittleEndian, handle)
	msg.Write(attrType)
	msg.Write(value)
}

func containsType(list []bthost.UUID, u bthost.UUID) bool {
	for _, v := range list {
		if u.Equal(v) {
			return true
		}
	}
	return false
}
