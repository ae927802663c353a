// Package gatt implements the client-side discovery walk, the discovered
// database model, the database hash, and the robust-caching decision.
package gatt

import (
	"github.com/pkg/errors"

	"github.com/blewire/bthost"
)

// Characteristic property bits of the declaration value.
const (
	PropBroadcast   = 0x01
	PropRead        = 0x02
	PropWriteNR     = 0x04
	PropWrite       = 0x08
	PropNotify      = 0x10
	PropIndicate    = 0x20
	PropSignedWrite = 0x40
	PropExtended    = 0x80
)

// Descriptor is one characteristic descriptor.
type Descriptor struct {
	Handle uint16
	Type   bthost.UUID
	// Value is filled for extended-properties descriptors during discovery.
	Value []byte `json:",omitempty"`
}

// Characteristic is a characteristic declaration with its value attribute
// and descriptors.
type Characteristic struct {
	DeclHandle  uint16
	ValueHandle uint16
	Properties  uint8
	ExtProps    uint16
	Type        bthost.UUID
	Descriptors []*Descriptor `json:",omitempty"`
}

// Include is an included-service declaration.
type Include struct {
	Handle       uint16
	ServiceStart uint16
	ServiceEnd   uint16
	Type         bthost.UUID `json:",omitempty"` // present for 16-bit service UUIDs only
}

// Service is a primary or secondary service with everything under it.
type Service struct {
	Handle          uint16
	EndHandle       uint16
	Primary         bool
	Type            bthost.UUID
	Includes        []*Include        `json:",omitempty"`
	Characteristics []*Characteristic `json:",omitempty"`
}

// Database is one remote's discovered attribute database.
type Database struct {
	Services []*Service
}

// FindCharacteristic returns the first characteristic of the given type.
func (db *Database) FindCharacteristic(u bthost.UUID) *Characteristic {
	for _, svc := range db.Services {
		for _, ch := range svc.Characteristics {
			if ch.Type.Equal(u) {
				return ch
			}
		}
	}
	return nil
}

// HasDatabaseHash reports whether the database declares the Database Hash
// characteristic.
func (db *Database) HasDatabaseHash() bool {
	return db.FindCharacteristic(bthost.DatabaseHashUUID) != nil
}

// builder assembles a Database while checking that handles arrive strictly
// ascending within their containing ranges. Services are discovered first;
// each service's content is then walked with its own cursor.
type builder struct {
	db   *Database
	svc  *Service // service currently being deep-discovered
	last uint16   // cursor within svc
}

func newBuilder() *builder {
	return &builder{db: &Database{}}
}

func (b *builder) addService(handle, end uint16, primary bool, u bthost.UUID) error {
	if handle == 0 || end < handle {
		return errors.Wrapf(bthost.ErrInvalidResponse, "service range 0x%04x..0x%04x", handle, end)
	}
	if n := len(b.db.Services); n > 0 && handle <= b.db.Services[n-1].EndHandle {
		return errors.Wrapf(bthost.ErrInvalidResponse, "service 0x%04x overlaps previous", handle)
	}
	b.db.Services = append(b.db.Services, &Service{
		Handle: handle, EndHandle: end, Primary: primary, Type: u,
	})
	return nil
}

func (b *builder) beginService(svc *Service) {
	b.svc = svc
	b.last = svc.Handle
}

func (b *builder) checkHandle(h uint16) error {
	if h <= b.last || h > b.svc.EndHandle {
		return errors.Wrapf(bthost.ErrInvalidResponse, "handle 0x%04x outside 0x%04x..0x%04x", h, b.last, b.svc.EndHandle)
	}
	b.last = h
	return nil
}

func (b *builder) addInclude(handle, svcStart, svcEnd uint16, u bthost.UUID) error {
	if err := b.checkHandle(handle); err != nil {
		return err
	}
	b.svc.Includes = append(b.svc.Includes, &Include{
		Handle: handle, ServiceStart: svcStart, ServiceEnd: svcEnd, Type: u,
	})
	return nil
}

func (b *builder) addCharacteristic(decl, value uint16, props uint8, u bthost.UUID) error {
	if err := b.checkHandle(decl); err != nil {
		return err
	}
	if value <= decl || value > b.svc.EndHandle {
		return errors.Wrapf(bthost.ErrInvalidResponse, "characteristic value 0x%04x out of range", value)
	}
	b.last = value
	b.svc.Characteristics = append(b.svc.Characteristics, &Characteristic{
		DeclHandle: decl, ValueHandle: value, Properties: props, Type: u,
	})
	return nil
}

// addDescriptor runs after the characteristic pass, so it checks against
// the characteristic's handle range rather than the global cursor.
func (b *builder) addDescriptor(ch *Characteristic, handle, rangeEnd uint16, u bthost.UUID) error {
	if handle <= ch.ValueHandle || handle > rangeEnd {
		return errors.Wrapf(bthost.ErrInvalidResponse, "descriptor 0x%04x outside characteristic", handle)
	}
	if n := len(ch.Descriptors); n > 0 && handle <= ch.Descriptors[n-1].Handle {
		return errors.Wrapf(bthost.ErrInvalidResponse, "descriptor 0x%04x not ascending", handle)
	}
	ch.Descriptors = append(ch.Descriptors, &Descriptor{Handle: handle, Type: u})
	return nil
}
