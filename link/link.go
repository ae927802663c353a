// Package link manages ACL links: one record per (address, transport),
// the power-mode state machine, and security gating of channel opens.
package link

import (
	"fmt"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hciutil"
	"github.com/blewire/bthost/l2cap"
)

// PowerMode is the controller mode of a BR/EDR link. Pending states mark a
// mode command in flight.
type PowerMode int

const (
	ModeActive PowerMode = iota
	ModeSniffPending
	ModeSniff
	ModeParkPending
	ModePark
	ModeHold
)

func (m PowerMode) String() string {
	switch m {
	case ModeActive:
		return "ACTIVE"
	case ModeSniffPending:
		return "SNIFF_PENDING"
	case ModeSniff:
		return "SNIFF"
	case ModeParkPending:
		return "PARK_PENDING"
	case ModePark:
		return "PARK"
	case ModeHold:
		return "HOLD"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// SniffFlag records who drove the link toward or away from sniff. Flags OR
// together; any pin wins over any sniff permission.
type SniffFlag uint8

const (
	SniffLocal       SniffFlag = 1 << iota // we asked for sniff
	SniffRemote                            // the peer moved the link to sniff
	SniffCommandSent                       // a mode command is outstanding
	SniffSSRActive                         // sniff subrating negotiated
	SniffAVActive                          // streaming audio pins the link active
)

type pendingOpen struct {
	psm bthost.PSM
}

// Link is the control record of one ACL link. At most one exists per
// (address, transport); the manager owns all mutable fields.
type Link struct {
	Peer      bthost.AddrWithType
	Transport bthost.Transport
	Handle    uint16
	Role      uint8

	mode          PowerMode
	flags         SniffFlag
	encrypted     bool
	authenticated bool
	unpairPending bool
	releasePend   bool

	mux *l2cap.Mux

	// mode commands are serialized: one outstanding per link
	modeQueue []func(l *Link)

	pendingOpens []pendingOpen
	securing     bool

	idleTimer *hciutil.Timer
}

// Mux returns the channel multiplexer running on the link.
func (l *Link) Mux() *l2cap.Mux { return l.mux }

// Mode returns the last power mode reported by the controller, or the
// pending state while a transition is in flight.
func (l *Link) Mode() PowerMode { return l.mode }

// Flags returns the sniff bookkeeping bitmask.
func (l *Link) Flags() SniffFlag { return l.flags }

// Encrypted reports whether the link key is in use on the ACL.
func (l *Link) Encrypted() bool { return l.encrypted }

// MarkUnpairPending flags the link so the bond is discarded once the ACL
// goes down.
func (l *Link) MarkUnpairPending() { l.unpairPending = true }

func (l *Link) key() linkKey {
	return linkKey{addr: l.Peer.Addr.String(), transport: l.Transport}
}

type linkKey struct {
	addr      string
	transport bthost.Transport
}
