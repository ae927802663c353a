package link

import (
	"time"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/hci/cmd"
	"github.com/blewire/bthost/hci/evt"
	"github.com/blewire/bthost/hciutil"
	"github.com/blewire/bthost/l2cap"
)

const secTimeout = 10 * time.Second

// Controller is the slice of the HCI layer the link manager drives.
type Controller interface {
	Send(c hci.Command, r hci.CommandRP) error
	SendExpectEvent(c hci.Command, terminalEvt int, timeout time.Duration) ([]byte, error)
	RegisterEventHandler(code int, f func(b []byte) error)
	RegisterSubEventHandler(code int, f func(b []byte) error)
	SetACLHandler(f func(hci.ACLPacket))
	SendACL(handle uint16, pbf uint8, payload []byte) error
	BufSize() int
	DropConnection(handle uint16)
}

// Manager owns every ACL link. Its state lives on the stack handler; event
// callbacks from the HCI layer are posted onto it.
type Manager struct {
	h    *hciutil.Handler
	ctrl Controller
	reg  *l2cap.Registry
	cfg  bthost.Config
	log  bthost.Logger

	links    map[linkKey]*Link
	byHandle map[uint16]*Link
	active   map[linkKey]map[bthost.PSM]bool
	policies map[bthost.PSM]profilePolicy

	onLEConnect  func(e evt.LEConnectionComplete)
	onDisconnect func(l *Link, reason uint8)
	onRejected   func(peer bthost.AddrWithType, psm bthost.PSM, err error)
}

func NewManager(h *hciutil.Handler, ctrl Controller, reg *l2cap.Registry, cfg bthost.Config, log bthost.Logger) *Manager {
	m := &Manager{
		h:        h,
		ctrl:     ctrl,
		reg:      reg,
		cfg:      cfg,
		log:      log.ChildLogger(map[string]interface{}{"pkg": "link"}),
		links:    make(map[linkKey]*Link),
		byHandle: make(map[uint16]*Link),
		active:   make(map[linkKey]map[bthost.PSM]bool),
		policies: make(map[bthost.PSM]profilePolicy, len(defaultPolicies)),
	}
	for psm, p := range defaultPolicies {
		m.policies[psm] = p
	}
	return m
}

// Bind installs the manager's event and data handlers. Call once after the
// HCI layer is initialized.
func (m *Manager) Bind() {
	m.ctrl.SetACLHandler(m.onACL)
	m.ctrl.RegisterEventHandler(evt.ConnectionCompleteCode, m.onConnectionComplete)
	m.ctrl.RegisterEventHandler(evt.ConnectionRequestCode, m.onConnectionRequest)
	m.ctrl.RegisterEventHandler(evt.DisconnectionCompleteCode, m.onDisconnectionComplete)
	m.ctrl.RegisterEventHandler(evt.ModeChangeCode, m.onModeChange)
	m.ctrl.RegisterEventHandler(evt.EncryptionChangeCode, m.onEncryptionChange)
	m.ctrl.RegisterSubEventHandler(evt.LEConnectionCompleteSubCode, m.onLEConnectionComplete)
}

// SetLEConnectHook installs the LE connection observer. The connection
// manager uses it to match completions against its request sets.
func (m *Manager) SetLEConnectHook(fn func(e evt.LEConnectionComplete)) { m.onLEConnect = fn }

// SetDisconnectHook installs the link-loss observer.
func (m *Manager) SetDisconnectHook(fn func(l *Link, reason uint8)) { m.onDisconnect = fn }

// SetRejectHook installs the observer for channel opens refused by a failed
// security sequence.
func (m *Manager) SetRejectHook(fn func(peer bthost.AddrWithType, psm bthost.PSM, err error)) {
	m.onRejected = fn
}

// SetPolicy overrides the power-mode policy of one profile.
func (m *Manager) SetPolicy(psm bthost.PSM, pinsActive, allowsSniff bool) {
	m.h.Post(func() {
		m.policies[psm] = profilePolicy{PinsActive: pinsActive, AllowsSniff: allowsSniff}
	})
}

// Lookup returns the link record for (addr, transport), or nil.
func (m *Manager) Lookup(a bthost.Addr, tr bthost.Transport) *Link {
	var l *Link
	m.h.CallOn(func() { l = m.links[linkKey{addr: a.String(), transport: tr}] })
	return l
}

// Open brings up a BR/EDR ACL to the peer. It blocks until Connection
// Complete or timeout. LE links are created by the connection manager.
func (m *Manager) Open(a bthost.Addr, tr bthost.Transport) (*Link, error) {
	if tr != bthost.TransportBREDR {
		return nil, errors.Wrap(bthost.ErrInvalidArgument, "le links are opened by the connection manager")
	}
	if l := m.Lookup(a, tr); l != nil {
		return l, nil
	}
	c := &cmd.CreateConnection{
		BDADDR:                 hci.AddrToWire(a),
		PacketType:             0xcc18, // all DM/DH ACL packet types
		PageScanRepetitionMode: 0x01,
		AllowRoleSwitch:        0x01,
	}
	params, err := m.ctrl.SendExpectEvent(c, evt.ConnectionCompleteCode, m.cfg.DirectConnectTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "create connection")
	}
	e := evt.ConnectionComplete(params)
	if e.Status() != 0x00 {
		return nil, errors.Wrap(hci.Status(e.Status()), "create connection")
	}
	var l *Link
	m.h.CallOn(func() {
		l = m.attach(bthost.AddrWithType{Addr: a}, tr, e.ConnectionHandle(), hci.RoleCentral)
	})
	return l, nil
}

// Close tears the ACL down. The record is freed when Disconnection Complete
// arrives.
func (m *Manager) Close(a bthost.Addr, tr bthost.Transport, reason uint8) error {
	l := m.Lookup(a, tr)
	if l == nil {
		return errors.Wrap(bthost.ErrInvalidArgument, "no such link")
	}
	m.h.Post(func() { l.releasePend = true })
	return m.ctrl.Send(&cmd.Disconnect{ConnectionHandle: l.Handle, Reason: reason}, nil)
}

// Send writes payload on a fixed channel of the link.
func (m *Manager) Send(a bthost.Addr, tr bthost.Transport, cid bthost.CID, payload []byte) error {
	l := m.Lookup(a, tr)
	if l == nil {
		return errors.Wrap(bthost.ErrInvalidArgument, "no such link")
	}
	m.touch(l)
	return l.mux.SendFixed(cid, payload)
}

// OpenChannel opens a dynamic channel on the link. When secure is set the
// open is parked until authentication and encryption complete; a failed
// sequence rejects every parked open on the link.
func (m *Manager) OpenChannel(a bthost.Addr, tr bthost.Transport, psm bthost.PSM, secure bool) error {
	l := m.Lookup(a, tr)
	if l == nil {
		return errors.Wrap(bthost.ErrInvalidArgument, "no such link")
	}
	var err error
	m.h.CallOn(func() {
		if !secure || l.encrypted {
			err = l.mux.Open(psm)
			return
		}
		l.pendingOpens = append(l.pendingOpens, pendingOpen{psm: psm})
		if l.securing {
			return
		}
		l.securing = true
		go m.secureLink(l)
	})
	return err
}

// secureLink authenticates and encrypts the ACL, then releases or rejects
// the parked opens. Runs off the handler; results are posted back.
func (m *Manager) secureLink(l *Link) {
	err := func() error {
		params, err := m.ctrl.SendExpectEvent(
			&cmd.AuthenticationRequested{ConnectionHandle: l.Handle},
			evt.AuthenticationCompleteCode, secTimeout)
		if err != nil {
			return errors.Wrap(err, "authentication")
		}
		if s := evt.AuthenticationComplete(params).Status(); s != 0x00 {
			return errors.Wrapf(bthost.ErrAuthFailure, "authentication: %v", hci.Status(s))
		}
		params, err = m.ctrl.SendExpectEvent(
			&cmd.SetConnectionEncryption{ConnectionHandle: l.Handle, EncryptionEnable: 0x01},
			evt.EncryptionChangeCode, secTimeout)
		if err != nil {
			return errors.Wrap(err, "set connection encryption")
		}
		e := evt.EncryptionChange(params)
		if e.Status() != 0x00 || e.EncryptionEnabled() == 0x00 {
			return errors.Wrapf(bthost.ErrEncryptFailure, "encryption change: %v", hci.Status(e.Status()))
		}
		return nil
	}()

	m.h.Post(func() {
		l.securing = false
		parked := l.pendingOpens
		l.pendingOpens = nil
		if err != nil {
			m.log.Warnf("link %v: security failed: %v", l.Peer, err)
			for _, p := range parked {
				if m.onRejected != nil {
					m.onRejected(l.Peer, p.psm, err)
				}
			}
			return
		}
		l.authenticated = true
		l.encrypted = true
		for _, p := range parked {
			if oerr := l.mux.Open(p.psm); oerr != nil {
				m.log.Errorf("link %v: open psm 0x%04x: %v", l.Peer, uint16(p.psm), oerr)
			}
		}
	})
}

// SetProfileActive records profile activity on the link and re-evaluates
// the power-mode policy.
func (m *Manager) SetProfileActive(a bthost.Addr, tr bthost.Transport, psm bthost.PSM, active bool) {
	m.h.Post(func() {
		l := m.links[linkKey{addr: a.String(), transport: tr}]
		if l == nil {
			return
		}
		set := m.active[l.key()]
		if set == nil {
			set = make(map[bthost.PSM]bool)
			m.active[l.key()] = set
		}
		if active {
			set[psm] = true
		} else {
			delete(set, psm)
		}
		m.evaluatePolicy(l)
	})
}

// EnableSniffSubrating negotiates subrating parameters for the link.
func (m *Manager) EnableSniffSubrating(a bthost.Addr, tr bthost.Transport, maxLatency uint16) error {
	l := m.Lookup(a, tr)
	if l == nil {
		return errors.Wrap(bthost.ErrInvalidArgument, "no such link")
	}
	rp := cmd.SniffSubratingRP{}
	if err := m.ctrl.Send(&cmd.SniffSubrating{
		ConnectionHandle:     l.Handle,
		MaximumLatency:       maxLatency,
		MinimumRemoteTimeout: 0,
		MinimumLocalTimeout:  0,
	}, &rp); err != nil {
		return err
	}
	m.h.Post(func() { l.flags |= SniffSSRActive })
	return nil
}

// attach creates the link record and its channel mux. Runs on the handler.
func (m *Manager) attach(peer bthost.AddrWithType, tr bthost.Transport, handle uint16, role uint8) *Link {
	if l, ok := m.links[linkKey{addr: peer.Addr.String(), transport: tr}]; ok {
		return l
	}
	l := &Link{
		Peer:      peer,
		Transport: tr,
		Handle:    handle,
		Role:      role,
	}
	l.mux = l2cap.NewMux(m.h, m.ctrl, handle, peer.Addr, m.reg, m.log)
	m.links[l.key()] = l
	m.byHandle[handle] = l
	m.log.Infof("link up: %v %v handle 0x%04x", peer, tr, handle)

	if tr == bthost.TransportBREDR {
		go func() {
			rp := cmd.WriteLinkPolicySettingsRP{}
			err := m.ctrl.Send(&cmd.WriteLinkPolicySettings{
				ConnectionHandle:   handle,
				LinkPolicySettings: policyEnableSniff,
			}, &rp)
			if err != nil {
				m.log.Warnf("link 0x%04x: write link policy: %v", handle, err)
			}
		}()
		m.evaluatePolicy(l)
	}
	return l
}

// detach frees the record and fast-fails its channels. Runs on the handler.
func (m *Manager) detach(l *Link, reason uint8) {
	l.mux.Shutdown(errors.Wrapf(bthost.ErrClosed, "link down: %v", hci.Status(reason)))
	if l.idleTimer != nil {
		l.idleTimer.Stop()
	}
	m.ctrl.DropConnection(l.Handle)
	delete(m.links, l.key())
	delete(m.byHandle, l.Handle)
	delete(m.active, l.key())
	m.log.Infof("link down: %v reason 0x%02x", l.Peer, reason)
	if m.onDisconnect != nil {
		m.onDisconnect(l, reason)
	}
}

func (m *Manager) onACL(p hci.ACLPacket) {
	handle := p.Handle()
	m.h.Post(func() {
		l := m.byHandle[handle]
		if l == nil {
			m.log.Debugf("acl data for unknown handle 0x%04x", handle)
			return
		}
		m.touchLocked(l)
		l.mux.Recv(p)
	})
}

func (m *Manager) onConnectionComplete(b []byte) error {
	e := evt.ConnectionComplete(b)
	if e.Status() != 0x00 {
		m.log.Warnf("connection complete: %v", hci.Status(e.Status()))
		return nil
	}
	if e.LinkType() != 0x01 { // ACL only; SCO completions are not ours
		return nil
	}
	bdaddr := e.BDADDR()
	addr := bthost.BytesToAddr(bdaddr[:])
	handle := e.ConnectionHandle()
	m.h.Post(func() {
		m.attach(bthost.AddrWithType{Addr: addr}, bthost.TransportBREDR, handle, hci.RolePeripheral)
	})
	return nil
}

func (m *Manager) onConnectionRequest(b []byte) error {
	e := evt.ConnectionRequest(b)
	if e.LinkType() != 0x01 {
		go m.ctrl.Send(&cmd.RejectConnectionRequest{BDADDR: e.BDADDR(), Reason: 0x0f}, nil)
		return nil
	}
	go func() {
		// stay peripheral; profiles that care switch roles later
		if err := m.ctrl.Send(&cmd.AcceptConnectionRequest{BDADDR: e.BDADDR(), Role: 0x01}, nil); err != nil {
			m.log.Warnf("accept connection request: %v", err)
		}
	}()
	return nil
}

func (m *Manager) onDisconnectionComplete(b []byte) error {
	e := evt.DisconnectionComplete(b)
	handle := e.ConnectionHandle()
	reason := e.Reason()
	m.h.Post(func() {
		if l := m.byHandle[handle]; l != nil {
			m.detach(l, reason)
		}
	})
	return nil
}

func (m *Manager) onEncryptionChange(b []byte) error {
	e := evt.EncryptionChange(b)
	handle := e.ConnectionHandle()
	on := e.Status() == 0x00 && e.EncryptionEnabled() != 0x00
	m.h.Post(func() {
		if l := m.byHandle[handle]; l != nil {
			l.encrypted = on
		}
	})
	return nil
}

func (m *Manager) onLEConnectionComplete(b []byte) error {
	e := evt.LEConnectionComplete(b)
	if e.Status() == 0x00 {
		pa := e.PeerAddress()
		peer := bthost.AddrWithType{
			Addr: bthost.BytesToAddr(pa[:]),
			Type: bthost.AddrType(e.PeerAddressType()),
		}
		handle := e.ConnectionHandle()
		role := e.Role()
		m.h.Post(func() { m.attach(peer, bthost.TransportLE, handle, role) })
	}
	if m.onLEConnect != nil {
		m.onLEConnect(append(evt.LEConnectionComplete(nil), e...))
	}
	return nil
}
