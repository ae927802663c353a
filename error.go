package bthost

import "errors"

// Errors surfaced across component boundaries. Each belongs to one of the
// stack-wide categories: transport, protocol, resource, peer, timeout.
var (
	// transport
	ErrFrameCorrupt   = errors.New("transport frame corrupt")
	ErrControllerHang = errors.New("controller not responding")

	// protocol
	ErrInvalidResponse = errors.New("invalid response")
	ErrInvalidArgument = errors.New("invalid argument")

	// resource
	ErrNoResources = errors.New("no resources")

	// peer
	ErrAuthFailure    = errors.New("authentication failure")
	ErrEncryptFailure = errors.New("encryption failure")

	// timeout
	ErrTransactionTimeout = errors.New("transaction timeout")

	ErrClosed = errors.New("closed")
)

// Category classifies an error per the stack taxonomy.
type Category int

const (
	CategoryTransport Category = iota
	CategoryProtocol
	CategoryResource
	CategoryPeer
	CategoryTimeout
	CategoryUnknown
)

func Categorize(err error) Category {
	switch {
	case errors.Is(err, ErrFrameCorrupt), errors.Is(err, ErrControllerHang):
		return CategoryTransport
	case errors.Is(err, ErrInvalidResponse), errors.Is(err, ErrInvalidArgument):
		return CategoryProtocol
	case errors.Is(err, ErrNoResources):
		return CategoryResource
	case errors.Is(err, ErrAuthFailure), errors.Is(err, ErrEncryptFailure):
		return CategoryPeer
	case errors.Is(err, ErrTransactionTimeout):
		return CategoryTimeout
	}
	return CategoryUnknown
}
