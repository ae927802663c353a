// Package connmgr aggregates per-app LE connection interest into the single
// hardware acceptlist and the single outstanding create-connection attempt.
package connmgr

import (
	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/hci/cmd"
	"github.com/blewire/bthost/hciutil"
)

// Direct connects scan aggressively; the window values follow the
// controller defaults used elsewhere in the stack.
const (
	directScanInterval = 0x0060
	directScanWindow   = 0x0030

	defaultAcceptlistSize = 8
)

// Controller issues HCI commands. Satisfied by *hci.HCI.
type Controller interface {
	Send(c hci.Command, r hci.CommandRP) error
}

// TimeoutHook fires when a direct connect attempt expires.
type TimeoutHook func(app bthost.AppID, addr bthost.Addr)

// requests is the per-address interest of every app.
type requests struct {
	direct     map[bthost.AppID]*hciutil.Timer
	background map[bthost.AppID]bool
	targeted   map[bthost.AppID]bool
}

func newRequests() *requests {
	return &requests{
		direct:     make(map[bthost.AppID]*hciutil.Timer),
		background: make(map[bthost.AppID]bool),
		targeted:   make(map[bthost.AppID]bool),
	}
}

func (r *requests) empty() bool {
	return len(r.direct) == 0 && len(r.background) == 0 && len(r.targeted) == 0
}

// wantsAcceptlist is the membership rule: targeted subscribers force the
// address off the list, any other subscriber puts it on.
func (r *requests) wantsAcceptlist() bool {
	if len(r.targeted) > 0 {
		return false
	}
	return len(r.direct) > 0 || len(r.background) > 0
}

// Manager owns the request sets and mirrors them into the controller. All
// state belongs to the stack handler.
type Manager struct {
	h    *hciutil.Handler
	ctrl Controller
	cfg  bthost.Config
	log  bthost.Logger

	reqs      map[string]*requests
	accept    map[string]bool // our view of the controller acceptlist
	connected map[string]bool // controller reclaims these slots itself
	pending   []bthost.Addr   // waiting for a free slot, oldest first
	capacity  int

	creating  string // address with an LE Create Connection in flight
	onTimeout TimeoutHook
}

func NewManager(h *hciutil.Handler, ctrl Controller, cfg bthost.Config, log bthost.Logger) *Manager {
	capacity := cfg.AcceptlistSize
	if capacity <= 0 {
		capacity = defaultAcceptlistSize
	}
	return &Manager{
		h:         h,
		ctrl:      ctrl,
		cfg:       cfg,
		log:       log.ChildLogger(map[string]interface{}{"pkg": "connmgr"}),
		reqs:      make(map[string]*requests),
		accept:    make(map[string]bool),
		connected: make(map[string]bool),
		capacity:  capacity,
	}
}

// Bind asks the controller for its acceptlist size unless the configuration
// caps it already.
func (m *Manager) Bind() error {
	if m.cfg.AcceptlistSize > 0 {
		return nil
	}
	rp := cmd.LEReadFilterAcceptListSizeRP{}
	if err := m.ctrl.Send(&cmd.LEReadFilterAcceptListSize{}, &rp); err != nil {
		return errors.Wrap(err, "read acceptlist size")
	}
	if rp.Status != 0x00 {
		return errors.Wrapf(bthost.ErrInvalidResponse, "acceptlist size status 0x%02x", rp.Status)
	}
	m.h.CallOn(func() { m.capacity = int(rp.FilterAcceptListSize) })
	return nil
}

func (m *Manager) SetTimeoutHook(fn TimeoutHook) {
	m.h.CallOn(func() { m.onTimeout = fn })
}

// Acceptlisted reports whether addr is in the manager's acceptlist view.
func (m *Manager) Acceptlisted(addr bthost.Addr) bool {
	var ok bool
	m.h.CallOn(func() { ok = m.accept[addr.String()] })
	return ok
}

// DirectAdd registers a direct connect request: the address joins the
// acceptlist, an aggressive create-connection starts, and a timer bounds
// the attempt. Returns false if the pair is already registered.
func (m *Manager) DirectAdd(app bthost.AppID, addr bthost.Addr) bool {
	var added bool
	m.h.CallOn(func() {
		r := m.requestsFor(addr)
		if _, ok := r.direct[app]; ok {
			return
		}
		added = true
		r.direct[app] = hciutil.After(m.h, m.cfg.DirectConnectTimeout, func() {
			m.onDirectTimeout(app, addr)
		})
		m.sync()
		m.maybeCreateConnection(addr)
	})
	return added
}

// DirectRemove cancels one app's direct request.
func (m *Manager) DirectRemove(app bthost.AppID, addr bthost.Addr) bool {
	var removed bool
	m.h.CallOn(func() {
		removed = m.dropDirect(app, addr, true)
	})
	return removed
}

// BackgroundAdd registers acceptlist-based reconnection interest.
func (m *Manager) BackgroundAdd(app bthost.AppID, addr bthost.Addr) bool {
	var added bool
	m.h.CallOn(func() {
		r := m.requestsFor(addr)
		if r.background[app] {
			return
		}
		added = true
		r.background[app] = true
		m.sync()
	})
	return added
}

// BackgroundTargetedAdd registers targeted-announcement interest, which
// keeps the address off the acceptlist.
func (m *Manager) BackgroundTargetedAdd(app bthost.AppID, addr bthost.Addr) bool {
	var added bool
	m.h.CallOn(func() {
		r := m.requestsFor(addr)
		if r.targeted[app] {
			return
		}
		added = true
		r.targeted[app] = true
		m.sync()
	})
	return added
}

// BackgroundRemove drops both plain and targeted background interest. It is
// a no-op returning false when the pair is absent.
func (m *Manager) BackgroundRemove(app bthost.AppID, addr bthost.Addr) bool {
	var removed bool
	m.h.CallOn(func() {
		r := m.reqs[addr.String()]
		if r == nil {
			return
		}
		if r.background[app] {
			delete(r.background, app)
			removed = true
		}
		if r.targeted[app] {
			delete(r.targeted, app)
			removed = true
		}
		if removed {
			m.gc(addr, r)
			m.sync()
		}
	})
	return removed
}

// OnAppDeregistered cancels every request the app owns in one task.
func (m *Manager) OnAppDeregistered(app bthost.AppID) {
	m.h.Post(func() {
		for key, r := range m.reqs {
			if t, ok := r.direct[app]; ok {
				t.Stop()
				delete(r.direct, app)
				if len(r.direct) == 0 && m.creating == key {
					m.cancelCreateConnection()
				}
			}
			delete(r.background, app)
			delete(r.targeted, app)
			if r.empty() {
				delete(m.reqs, key)
			}
		}
		m.sync()
	})
}

// OnConnected is fed from the link manager's LE hook. The controller drops
// a connected address from its acceptlist, so the view follows and a queued
// address may take the slot.
func (m *Manager) OnConnected(addr bthost.Addr) {
	m.h.Post(func() {
		key := addr.String()
		if m.creating == key {
			m.creating = ""
		}
		if r := m.reqs[key]; r != nil {
			for app, t := range r.direct {
				t.Stop()
				delete(r.direct, app)
			}
			m.gc(addr, r)
		}
		m.connected[key] = true
		delete(m.accept, key)
		m.admitPending()
		m.sync()
		m.startNextCreate()
	})
}

// OnDisconnected restores acceptlist membership for remotes that still have
// background interest.
func (m *Manager) OnDisconnected(addr bthost.Addr) {
	m.h.Post(func() {
		delete(m.connected, addr.String())
		m.sync()
	})
}

func (m *Manager) requestsFor(addr bthost.Addr) *requests {
	key := addr.String()
	r := m.reqs[key]
	if r == nil {
		r = newRequests()
		m.reqs[key] = r
	}
	return r
}

func (m *Manager) gc(addr bthost.Addr, r *requests) {
	if r.empty() {
		delete(m.reqs, addr.String())
	}
}

func (m *Manager) dropDirect(app bthost.AppID, addr bthost.Addr, cancel bool) bool {
	r := m.reqs[addr.String()]
	if r == nil {
		return false
	}
	t, ok := r.direct[app]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.direct, app)
	if cancel && len(r.direct) == 0 && m.creating == addr.String() {
		m.cancelCreateConnection()
	}
	m.gc(addr, r)
	m.sync()
	return true
}

func (m *Manager) onDirectTimeout(app bthost.AppID, addr bthost.Addr) {
	if !m.dropDirect(app, addr, true) {
		return
	}
	if m.onTimeout != nil {
		m.onTimeout(app, addr)
	}
}

// sync makes the controller acceptlist a pure function of the request sets,
// issuing only the necessary add and remove commands.
func (m *Manager) sync() {
	desired := make(map[string]bthost.Addr)
	for key, r := range m.reqs {
		if r.wantsAcceptlist() && !m.connected[key] {
			desired[key] = bthost.NewAddr(key)
		}
	}

	// removals first so adds below have slots
	for key := range m.accept {
		if _, want := desired[key]; !want {
			m.sendRemove(bthost.NewAddr(key))
			delete(m.accept, key)
		}
	}
	for key, addr := range desired {
		if m.accept[key] {
			continue
		}
		if len(m.accept) >= m.capacity {
			m.enqueuePending(addr)
			continue
		}
		m.unqueuePending(key)
		m.sendAdd(addr)
		m.accept[key] = true
	}
}

func (m *Manager) enqueuePending(addr bthost.Addr) {
	key := addr.String()
	for _, p := range m.pending {
		if p.String() == key {
			return
		}
	}
	m.pending = append(m.pending, addr)
}

func (m *Manager) unqueuePending(key string) {
	for i, p := range m.pending {
		if p.String() == key {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// admitPending moves queued addresses into freed slots, oldest first.
func (m *Manager) admitPending() {
	for len(m.pending) > 0 && len(m.accept) < m.capacity {
		addr := m.pending[0]
		m.pending = m.pending[1:]
		r := m.reqs[addr.String()]
		if r == nil || !r.wantsAcceptlist() {
			continue
		}
		m.sendAdd(addr)
		m.accept[addr.String()] = true
	}
}

func (m *Manager) sendAdd(addr bthost.Addr) {
	c := &cmd.LEAddDeviceToFilterAcceptList{Address: hci.AddrToWire(addr)}
	go func() {
		rp := cmd.LEAddDeviceToFilterAcceptListRP{}
		if err := m.ctrl.Send(c, &rp); err != nil {
			m.log.Errorf("connmgr: acceptlist add %v: %v", addr, err)
		}
	}()
}

func (m *Manager) sendRemove(addr bthost.Addr) {
	c := &cmd.LERemoveDeviceFromFilterAcceptList{Address: hci.AddrToWire(addr)}
	go func() {
		rp := cmd.LERemoveDeviceFromFilterAcceptListRP{}
		if err := m.ctrl.Send(c, &rp); err != nil {
			m.log.Errorf("connmgr: acceptlist remove %v: %v", addr, err)
		}
	}()
}

// maybeCreateConnection starts the aggressive direct attempt when none is
// running. The controller allows a single outstanding create connection;
// while one is in flight the address waits in its request set and
// startNextCreate picks it up when the attempt settles.
func (m *Manager) maybeCreateConnection(addr bthost.Addr) {
	if m.creating != "" {
		return
	}
	m.creating = addr.String()
	c := &cmd.LECreateConnection{
		LEScanInterval:        directScanInterval,
		LEScanWindow:          directScanWindow,
		InitiatorFilterPolicy: 0x00,
		PeerAddress:           hci.AddrToWire(addr),
		ConnIntervalMin:       0x0006,
		ConnIntervalMax:       0x0006,
		SupervisionTimeout:    0x0400,
	}
	go func() {
		if err := m.ctrl.Send(c, nil); err != nil {
			m.log.Errorf("connmgr: create connection %v: %v", addr, err)
			m.h.Post(func() {
				if m.creating == addr.String() {
					m.creating = ""
					m.startNextCreate()
				}
			})
		}
	}()
}

func (m *Manager) cancelCreateConnection() {
	m.creating = ""
	go func() {
		rp := cmd.LECreateConnectionCancelRP{}
		if err := m.ctrl.Send(&cmd.LECreateConnectionCancel{}, &rp); err != nil {
			m.log.Errorf("connmgr: create connection cancel: %v", err)
		}
		m.h.Post(m.startNextCreate)
	}()
}

// startNextCreate hands the single create-connection slot to another address
// that still has a waiting direct request.
func (m *Manager) startNextCreate() {
	if m.creating != "" {
		return
	}
	for key, r := range m.reqs {
		if len(r.direct) > 0 && !m.connected[key] {
			m.maybeCreateConnection(bthost.NewAddr(key))
			return
		}
	}
}
