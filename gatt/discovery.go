package gatt

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/att"
)

const lastHandle = 0xffff

// attClient is the slice of the ATT client the discovery walk drives.
type attClient interface {
	ExchangeMTU(clientRxMTU int) (int, error)
	MTU() int
	FindInformation(starth, endh uint16) (int, []byte, error)
	ReadByType(starth, endh uint16, u bthost.UUID) (int, []byte, error)
	ReadByGroupType(starth, endh uint16, u bthost.UUID) (int, []byte, error)
	Read(handle uint16) ([]byte, error)
	ReadMultiple(handles []uint16) ([]byte, error)
}

// attrNotFound reports the benign end-of-range reply.
func attrNotFound(err error) bool {
	var ae att.Error
	return errors.As(err, &ae) && ae == att.ErrAttrNotFound
}

// readDatabaseHash reads the Database Hash characteristic by type over the
// whole handle range. A missing characteristic is not an error; the hash is
// nil.
func readDatabaseHash(c attClient) ([]byte, error) {
	length, data, err := c.ReadByType(1, lastHandle, bthost.DatabaseHashUUID)
	if err != nil {
		var ae att.Error
		if errors.As(err, &ae) && (ae == att.ErrAttrNotFound || ae == att.ErrUnsuppGrpType || ae == att.ErrReqNotSupp) {
			return nil, nil
		}
		return nil, err
	}
	if length != 18 || len(data) < 18 {
		return nil, errors.Wrap(bthost.ErrInvalidResponse, "database hash shape")
	}
	return append([]byte(nil), data[2:18]...), nil
}

// discoverAll performs the full walk: primary services, then per service
// includes and characteristics, then descriptors, then the batched
// extended-properties read.
func discoverAll(c attClient) (*Database, error) {
	b := newBuilder()

	if err := discoverPrimaries(c, b); err != nil {
		return nil, err
	}
	for _, svc := range b.db.Services {
		b.beginService(svc)
		if err := discoverIncludes(c, b, svc); err != nil {
			return nil, err
		}
		if err := discoverCharacteristics(c, b, svc); err != nil {
			return nil, err
		}
	}
	for _, svc := range b.db.Services {
		if err := discoverDescriptors(c, b, svc); err != nil {
			return nil, err
		}
	}
	if err := readExtendedProperties(c, b.db); err != nil {
		return nil, err
	}
	return b.db, nil
}

func discoverPrimaries(c attClient, b *builder) error {
	start := uint16(1)
	for {
		length, data, err := c.ReadByGroupType(start, lastHandle, bthost.PrimaryServiceUUID)
		if attrNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		uuidLen := length - 4
		if uuidLen != 2 && uuidLen != 16 {
			return errors.Wrapf(bthost.ErrInvalidResponse, "service entry length %d", length)
		}
		var end uint16
		for off := 0; off+length <= len(data); off += length {
			handle := binary.LittleEndian.Uint16(data[off:])
			end = binary.LittleEndian.Uint16(data[off+2:])
			u := bthost.UUID(append([]byte(nil), data[off+4:off+4+uuidLen]...))
			if err := b.addService(handle, end, true, u); err != nil {
				return err
			}
		}
		if end >= lastHandle {
			return nil
		}
		start = end + 1
	}
}

func discoverIncludes(c attClient, b *builder, svc *Service) error {
	start := svc.Handle
	for {
		length, data, err := c.ReadByType(start, svc.EndHandle, bthost.IncludeUUID)
		if attrNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		// 6 octets without the service UUID, 8 with a 16-bit one
		if length != 6 && length != 8 {
			return errors.Wrapf(bthost.ErrInvalidResponse, "include entry length %d", length)
		}
		var handle uint16
		for off := 0; off+length <= len(data); off += length {
			handle = binary.LittleEndian.Uint16(data[off:])
			svcStart := binary.LittleEndian.Uint16(data[off+2:])
			svcEnd := binary.LittleEndian.Uint16(data[off+4:])
			var u bthost.UUID
			if length == 8 {
				u = bthost.UUID(append([]byte(nil), data[off+6:off+8]...))
			}
			if err := b.addInclude(handle, svcStart, svcEnd, u); err != nil {
				return err
			}
		}
		if handle >= svc.EndHandle {
			return nil
		}
		start = handle + 1
	}
}

func discoverCharacteristics(c attClient, b *builder, svc *Service) error {
	start := svc.Handle
	for {
		length, data, err := c.ReadByType(start, svc.EndHandle, bthost.CharacteristicUUID)
		if attrNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		uuidLen := length - 5
		if uuidLen != 2 && uuidLen != 16 {
			return errors.Wrapf(bthost.ErrInvalidResponse, "characteristic entry length %d", length)
		}
		var value uint16
		for off := 0; off+length <= len(data); off += length {
			decl := binary.LittleEndian.Uint16(data[off:])
			props := data[off+2]
			value = binary.LittleEndian.Uint16(data[off+3:])
			u := bthost.UUID(append([]byte(nil), data[off+5:off+5+uuidLen]...))
			if err := b.addCharacteristic(decl, value, props, u); err != nil {
				return err
			}
		}
		if value >= svc.EndHandle {
			return nil
		}
		start = value + 1
	}
}

func discoverDescriptors(c attClient, b *builder, svc *Service) error {
	for i, ch := range svc.Characteristics {
		rangeEnd := svc.EndHandle
		if i+1 < len(svc.Characteristics) {
			rangeEnd = svc.Characteristics[i+1].DeclHandle - 1
		}
		start := ch.ValueHandle + 1
		if start == 0 || start > rangeEnd {
			continue
		}
		for {
			format, data, err := c.FindInformation(start, rangeEnd)
			if attrNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			entry := 4
			if format == att.FormatUUID128 {
				entry = 18
			}
			var handle uint16
			for off := 0; off+entry <= len(data); off += entry {
				handle = binary.LittleEndian.Uint16(data[off:])
				u := bthost.UUID(append([]byte(nil), data[off+2:off+entry]...))
				if err := b.addDescriptor(ch, handle, rangeEnd, u); err != nil {
					return err
				}
			}
			if handle >= rangeEnd {
				break
			}
			start = handle + 1
		}
	}
	return nil
}

// readExtendedProperties fills the extended-properties descriptor values,
// batching with Read Multiple when the MTU permits.
func readExtendedProperties(c attClient, db *Database) error {
	type slot struct {
		ch *Characteristic
		d  *Descriptor
	}
	var slots []slot
	for _, svc := range db.Services {
		for _, ch := range svc.Characteristics {
			if ch.Properties&PropExtended == 0 {
				continue
			}
			for _, d := range ch.Descriptors {
				if d.Type.Equal(bthost.ExtendedPropertiesUUID) {
					slots = append(slots, slot{ch, d})
				}
			}
		}
	}
	if len(slots) == 0 {
		return nil
	}

	if len(slots) >= 2 && len(slots)*2 <= c.MTU()-1 {
		handles := make([]uint16, len(slots))
		for i, s := range slots {
			handles[i] = s.d.Handle
		}
		values, err := c.ReadMultiple(handles)
		if err == nil && len(values) == len(slots)*2 {
			for i, s := range slots {
				applyExtProps(s.ch, s.d, values[i*2:i*2+2])
			}
			return nil
		}
		// fall through to one-by-one on any batching trouble
	}

	for _, s := range slots {
		v, err := c.Read(s.d.Handle)
		if err != nil {
			return err
		}
		if len(v) < 2 {
			return errors.Wrap(bthost.ErrInvalidResponse, "extended properties value")
		}
		applyExtProps(s.ch, s.d, v[:2])
	}
	return nil
}

func applyExtProps(ch *Characteristic, d *Descriptor, v []byte) {
	d.Value = append([]byte(nil), v...)
	ch.ExtProps = binary.LittleEndian.Uint16(v)
}
