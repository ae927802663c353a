package link

import (
	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/hci/cmd"
	"github.com/blewire/bthost/hci/evt"
	"github.com/blewire/bthost/hciutil"
)

// Controller mode codes carried by Mode Change [Vol 2, Part E, 7.7.20].
const (
	ctrlModeActive = 0x00
	ctrlModeHold   = 0x01
	ctrlModeSniff  = 0x02
	ctrlModePark   = 0x03
)

// evaluatePolicy reconciles the link's power mode with the profiles active
// on it. A pinning profile forces ACTIVE; an all-sniffable set arms the
// idle timer. Runs on the handler.
func (m *Manager) evaluatePolicy(l *Link) {
	if l.Transport != bthost.TransportBREDR {
		return
	}
	set := m.active[l.key()]

	pins := false
	sniffable := true
	for psm := range set {
		p := m.policies[psm]
		if p.PinsActive {
			pins = true
		}
		if !p.AllowsSniff && !p.PinsActive {
			sniffable = false
		}
	}

	if pins {
		l.flags |= SniffAVActive
		if l.idleTimer != nil {
			l.idleTimer.Stop()
		}
		if l.mode == ModeSniff || l.mode == ModePark {
			m.requestActive(l)
		}
		return
	}
	l.flags &^= SniffAVActive

	if sniffable {
		m.armIdleTimer(l)
	}
}

func (m *Manager) armIdleTimer(l *Link) {
	if l.idleTimer == nil {
		l.idleTimer = hciutil.After(m.h, idleSniffDelay, func() { m.onIdle(l) })
		return
	}
	l.idleTimer.Reset(idleSniffDelay)
}

func (m *Manager) onIdle(l *Link) {
	if l.flags&SniffAVActive != 0 || l.mode != ModeActive {
		return
	}
	m.requestSniff(l)
}

// touch notes link activity from off the handler.
func (m *Manager) touch(l *Link) {
	m.h.Post(func() { m.touchLocked(l) })
}

// touchLocked notes link activity: a sniffing idle link is woken, an active
// one has its idle timer pushed out. Runs on the handler.
func (m *Manager) touchLocked(l *Link) {
	if l.Transport != bthost.TransportBREDR {
		return
	}
	switch l.mode {
	case ModeSniff, ModePark:
		if l.flags&SniffRemote == 0 {
			m.requestActive(l)
		}
	case ModeActive:
		if l.idleTimer != nil {
			l.idleTimer.Reset(idleSniffDelay)
		}
	}
}

// queueMode serializes mode commands: at most one outstanding per link, the
// rest wait for the Mode Change of the one in flight.
func (m *Manager) queueMode(l *Link, fn func(l *Link)) {
	if l.flags&SniffCommandSent != 0 {
		l.modeQueue = append(l.modeQueue, fn)
		return
	}
	l.flags |= SniffCommandSent
	fn(l)
}

func (m *Manager) requestSniff(l *Link) {
	m.queueMode(l, func(l *Link) {
		l.mode = ModeSniffPending
		l.flags |= SniffLocal
		go m.sendModeCmd(l, &cmd.SniffMode{
			ConnectionHandle: l.Handle,
			SniffMaxInterval: sniffMaxInterval,
			SniffMinInterval: sniffMinInterval,
			SniffAttempt:     sniffAttempt,
			SniffTimeout:     sniffTimeout,
		})
	})
}

func (m *Manager) requestActive(l *Link) {
	m.queueMode(l, func(l *Link) {
		switch l.mode {
		case ModeSniff:
			go m.sendModeCmd(l, &cmd.ExitSniffMode{ConnectionHandle: l.Handle})
		case ModePark:
			go m.sendModeCmd(l, &cmd.ExitParkState{ConnectionHandle: l.Handle})
		default:
			l.flags &^= SniffCommandSent
		}
	})
}

// RequestPark parks the link; RequestHold holds it briefly. Both follow the
// same serialized command path as sniff.
func (m *Manager) RequestPark(a bthost.Addr, beaconMax, beaconMin uint16) {
	m.h.Post(func() {
		l := m.links[linkKey{addr: a.String(), transport: bthost.TransportBREDR}]
		if l == nil || l.mode != ModeActive {
			return
		}
		m.queueMode(l, func(l *Link) {
			l.mode = ModeParkPending
			go m.sendModeCmd(l, &cmd.ParkState{
				ConnectionHandle:  l.Handle,
				BeaconMaxInterval: beaconMax,
				BeaconMinInterval: beaconMin,
			})
		})
	})
}

func (m *Manager) RequestHold(a bthost.Addr, maxInterval, minInterval uint16) {
	m.h.Post(func() {
		l := m.links[linkKey{addr: a.String(), transport: bthost.TransportBREDR}]
		if l == nil || l.mode != ModeActive {
			return
		}
		m.queueMode(l, func(l *Link) {
			go m.sendModeCmd(l, &cmd.HoldMode{
				ConnectionHandle:    l.Handle,
				HoldModeMaxInterval: maxInterval,
				HoldModeMinInterval: minInterval,
			})
		})
	})
}

// sendModeCmd issues one mode command off the handler. A failed status
// unwinds the pending state straight away; success waits for Mode Change.
func (m *Manager) sendModeCmd(l *Link, c hci.Command) {
	if err := m.ctrl.Send(c, nil); err != nil {
		m.log.Warnf("link 0x%04x: %v: %v", l.Handle, c, err)
		m.h.Post(func() {
			l.flags &^= SniffCommandSent | SniffLocal
			if l.mode == ModeSniffPending || l.mode == ModeParkPending {
				l.mode = ModeActive
			}
			m.popModeQueue(l)
		})
	}
}

func (m *Manager) popModeQueue(l *Link) {
	if l.flags&SniffCommandSent != 0 || len(l.modeQueue) == 0 {
		return
	}
	fn := l.modeQueue[0]
	l.modeQueue = l.modeQueue[1:]
	l.flags |= SniffCommandSent
	fn(l)
}

func (m *Manager) onModeChange(b []byte) error {
	e := evt.ModeChange(b)
	handle := e.ConnectionHandle()
	status, mode := e.Status(), e.CurrentMode()
	m.h.Post(func() {
		l := m.byHandle[handle]
		if l == nil {
			return
		}
		requested := l.flags&SniffCommandSent != 0
		l.flags &^= SniffCommandSent
		if status != 0x00 {
			m.log.Warnf("link 0x%04x: mode change failed: %v", handle, hci.Status(status))
			l.mode = ModeActive
			l.flags &^= SniffLocal
			m.popModeQueue(l)
			return
		}
		switch mode {
		case ctrlModeActive:
			l.mode = ModeActive
			l.flags &^= SniffLocal | SniffRemote
			m.armIdleTimer(l)
		case ctrlModeSniff:
			l.mode = ModeSniff
			if !requested {
				l.flags |= SniffRemote
			}
		case ctrlModePark:
			l.mode = ModePark
		case ctrlModeHold:
			l.mode = ModeHold
		}
		m.popModeQueue(l)
		m.evaluatePolicy(l)
	})
	return nil
}
