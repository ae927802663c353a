package l2cap

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/hciutil"
)

const (
	cidSignal = uint16(bthost.CIDSignal)

	firstDynamicCID = 0x0040

	// RTX guard on signaling requests, ERTX while the peer reports pending.
	sigTimeout     = 2 * time.Second
	sigErtxTimeout = 60 * time.Second

	// forced close when the peer never answers a Disconnection Request
	discTimeout = 30 * time.Second

	maxConfigRounds = 3
)

// Extended feature and fixed channel masks reported by Information Response.
const (
	infoTypeExtendedFeatures = 0x0002
	infoTypeFixedChannels    = 0x0003

	featERTM          = 1 << 3
	featFixedChannels = 1 << 7
)

// Handler receives channel lifecycle and data callbacks. Callbacks run on
// the stack handler; they must not block.
type Handler interface {
	ServeOpened(ch *Channel)
	ServeData(ch *Channel, sdu []byte)
	ServeClosed(ch *Channel, reason error)
}

// Registrant binds a PSM to its upper layer with the channel preferences
// used for both inbound authorization and outbound opens.
type Registrant struct {
	PSM         bthost.PSM
	MTU         uint16
	Mode        uint8
	TxWindow    uint8
	MaxTransmit uint8
	Handler     Handler

	// Authorize vets an inbound Connection Request. It returns a
	// Connection Response result code; nil accepts everything.
	Authorize func(remote bthost.Addr) uint16
}

// Registry is the upper-registrant table keyed on PSM, shared by every link.
type Registry struct {
	mu  sync.Mutex
	psm map[bthost.PSM]*Registrant
}

func NewRegistry() *Registry {
	return &Registry{psm: make(map[bthost.PSM]*Registrant)}
}

// Register binds r.PSM. A PSM has at most one registrant.
func (r *Registry) Register(reg *Registrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.psm[reg.PSM]; ok {
		return errors.Wrapf(bthost.ErrInvalidArgument, "psm 0x%04x already registered", uint16(reg.PSM))
	}
	if reg.MTU == 0 {
		reg.MTU = defaultMTU
	}
	r.psm[reg.PSM] = reg
	return nil
}

func (r *Registry) Deregister(psm bthost.PSM) {
	r.mu.Lock()
	delete(r.psm, psm)
	r.mu.Unlock()
}

func (r *Registry) lookup(psm bthost.PSM) *Registrant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.psm[psm]
}

const defaultMTU = 672

// ChannelEvent notifies observers of dynamic channel opens and closes. The
// snoop filter uses it to track PSM to CID bindings.
type ChannelEvent struct {
	Opened    bool
	Handle    uint16
	PSM       bthost.PSM
	LocalCID  uint16
	RemoteCID uint16
}

type sigPending struct {
	code  uint8
	ch    *Channel
	timer *hciutil.Timer
}

// Mux multiplexes the L2CAP channels of one ACL link. All state is owned by
// the stack handler; public methods post onto it.
type Mux struct {
	h      *hciutil.Handler
	conn   ACLConn
	handle uint16
	remote bthost.Addr
	reg    *Registry
	log    bthost.Logger

	channels map[uint16]*Channel
	fixed    map[uint16]func(payload []byte)
	pending  map[uint8]*sigPending
	nextCID  uint16
	sigID    uint8
	reasm    reassembler
	hook     func(ChannelEvent)
	down     bool
}

func NewMux(h *hciutil.Handler, conn ACLConn, handle uint16, remote bthost.Addr, reg *Registry, log bthost.Logger) *Mux {
	m := &Mux{
		h:        h,
		conn:     conn,
		handle:   handle,
		remote:   remote,
		reg:      reg,
		log:      log.ChildLogger(map[string]interface{}{"handle": handle}),
		channels: make(map[uint16]*Channel),
		fixed:    make(map[uint16]func([]byte)),
		pending:  make(map[uint8]*sigPending),
		nextCID:  firstDynamicCID,
	}
	return m
}

// Handle returns the ACL connection handle the mux runs on.
func (m *Mux) Handle() uint16 { return m.handle }

// Remote returns the peer address.
func (m *Mux) Remote() bthost.Addr { return m.remote }

// SetEventHook installs the channel open/close observer.
func (m *Mux) SetEventHook(fn func(ChannelEvent)) {
	m.h.Post(func() { m.hook = fn })
}

// RegisterFixed installs the receiver of a fixed channel. Fixed channels
// skip the Connection Request exchange and run in basic mode.
func (m *Mux) RegisterFixed(cid bthost.CID, fn func(payload []byte)) {
	m.h.Post(func() { m.fixed[uint16(cid)] = fn })
}

// SendFixed frames payload on a fixed channel.
func (m *Mux) SendFixed(cid bthost.CID, payload []byte) error {
	return writePDU(m.conn, m.handle, uint16(cid), payload)
}

// Recv feeds one inbound ACL packet belonging to this link.
func (m *Mux) Recv(p hci.ACLPacket) {
	m.h.Post(func() {
		cid, payload, err := m.reasm.feed(p)
		if err != nil {
			m.log.Warnf("l2cap: reassembly: %v", err)
			m.closeOnCorruption(cid, err)
			return
		}
		if payload == nil {
			return
		}
		m.dispatch(cid, payload)
	})
}

// closeOnCorruption tears down the channel whose PDU the corrupt fragment
// destroyed. A fragment that cannot be attributed to any PDU means the
// inbound stream itself is desynchronized, which takes down every dynamic
// channel on the link.
func (m *Mux) closeOnCorruption(cid uint16, reason error) {
	if ch, ok := m.channels[cid]; ok {
		m.teardown(ch, reason)
		return
	}
	if cid != 0 {
		return
	}
	for _, ch := range m.channels {
		m.teardown(ch, reason)
	}
}

// Open initiates a dynamic channel to the peer on psm. The result surfaces
// through the registrant's handler as ServeOpened or ServeClosed.
func (m *Mux) Open(psm bthost.PSM) error {
	reg := m.reg.lookup(psm)
	if reg == nil {
		return errors.Wrapf(bthost.ErrInvalidArgument, "psm 0x%04x not registered", uint16(psm))
	}
	m.h.Post(func() {
		if m.down {
			return
		}
		cid, cerr := m.allocCID()
		if cerr != nil {
			m.log.Errorf("l2cap: open psm 0x%04x: %v", uint16(psm), cerr)
			return
		}
		ch := newChannel(m, reg, cid, true)
		m.channels[cid] = ch
		ch.state = StateW4ConnRsp
		m.request(ch, &ConnectionRequest{PSM: uint16(psm), SourceCID: cid}, sigTimeout)
	})
	return nil
}

// Close starts an orderly shutdown of the channel with the given local CID.
func (m *Mux) Close(localCID uint16) {
	m.h.Post(func() {
		ch, ok := m.channels[localCID]
		if !ok || ch.state == StateW4DiscRsp {
			return
		}
		ch.state = StateW4DiscRsp
		ch.armDiscTimer()
		m.request(ch, &DisconnectionRequest{DestinationCID: ch.RemoteCID, SourceCID: ch.LocalCID}, discTimeout)
	})
}

// Shutdown fast-fails every channel on the link. Called on link loss.
func (m *Mux) Shutdown(reason error) {
	m.h.Post(func() {
		m.down = true
		for _, ch := range m.channels {
			m.teardown(ch, reason)
		}
		for id, p := range m.pending {
			p.timer.Stop()
			delete(m.pending, id)
		}
	})
}

// allocCID picks the next free dynamic CID, wrapping and skipping CIDs that
// are still in use.
func (m *Mux) allocCID() (uint16, error) {
	for i := 0; i < 0xffff-firstDynamicCID; i++ {
		cid := m.nextCID
		m.nextCID++
		if m.nextCID == 0 { // wrapped
			m.nextCID = firstDynamicCID
		}
		if _, ok := m.channels[cid]; !ok {
			return cid, nil
		}
	}
	return 0, errors.Wrap(bthost.ErrNoResources, "no free dynamic cid")
}

// allocSigID picks the next signaling identifier, 1..0xFF, skipping ids with
// an outstanding request.
func (m *Mux) allocSigID() uint8 {
	for {
		m.sigID++
		if m.sigID == 0 {
			m.sigID = 1
		}
		if _, ok := m.pending[m.sigID]; !ok {
			return m.sigID
		}
	}
}

func (m *Mux) sendSig(id uint8, s Signal) {
	if err := writePDU(m.conn, m.handle, cidSignal, MarshalSignal(id, s)); err != nil {
		m.log.Errorf("l2cap: signaling send: %v", err)
	}
}

// request sends a signaling request on behalf of ch and arms its RTX guard.
func (m *Mux) request(ch *Channel, s Signal, timeout time.Duration) {
	id := m.allocSigID()
	p := &sigPending{code: uint8(s.Code()), ch: ch}
	p.timer = hciutil.After(m.h, timeout, func() {
		delete(m.pending, id)
		m.teardown(ch, errors.Wrap(bthost.ErrTransactionTimeout, "signaling timeout"))
	})
	m.pending[id] = p
	m.sendSig(id, s)
}

func (m *Mux) dispatch(cid uint16, payload []byte) {
	if cid == cidSignal {
		m.handleSignal(payload)
		return
	}
	if fn, ok := m.fixed[cid]; ok {
		fn(payload)
		return
	}
	ch, ok := m.channels[cid]
	if !ok || ch.state != StateOpen {
		m.log.Debugf("l2cap: data on unknown cid 0x%04x", cid)
		return
	}
	ch.recv(payload)
}

func (m *Mux) handleSignal(b []byte) {
	err := splitSignals(b, func(code, id uint8, payload []byte) error {
		var perr error
		switch code {
		case SignalConnectionRequest:
			var s ConnectionRequest
			if perr = s.Unmarshal(payload); perr == nil {
				m.onConnectionRequest(id, &s)
			}
		case SignalConnectionResponse:
			var s ConnectionResponse
			if perr = s.Unmarshal(payload); perr == nil {
				m.onConnectionResponse(id, &s)
			}
		case SignalConfigurationRequest:
			var s ConfigurationRequest
			if perr = s.Unmarshal(payload); perr == nil {
				m.onConfigurationRequest(id, &s)
			}
		case SignalConfigurationResponse:
			var s ConfigurationResponse
			if perr = s.Unmarshal(payload); perr == nil {
				m.onConfigurationResponse(id, &s)
			}
		case SignalDisconnectionRequest:
			var s DisconnectionRequest
			if perr = s.Unmarshal(payload); perr == nil {
				m.onDisconnectionRequest(id, &s)
			}
		case SignalDisconnectionResponse:
			var s DisconnectionResponse
			if perr = s.Unmarshal(payload); perr == nil {
				m.onDisconnectionResponse(id, &s)
			}
		case SignalEchoRequest:
			m.sendSig(id, &EchoResponse{Data: payload})
		case SignalInformationRequest:
			var s InformationRequest
			if perr = s.Unmarshal(payload); perr == nil {
				m.onInformationRequest(id, &s)
			}
		case SignalCommandReject:
			var s CommandReject
			if perr = s.Unmarshal(payload); perr == nil {
				m.onCommandReject(id, &s)
			}
		case SignalEchoResponse, SignalInformationResponse:
			m.resolve(id)
		default:
			m.sendSig(id, &CommandReject{Reason: RejectNotUnderstood})
		}
		if perr != nil {
			m.log.Warnf("l2cap: signaling code 0x%02x: %v", code, perr)
			m.sendSig(id, &CommandReject{Reason: RejectNotUnderstood})
		}
		return nil
	})
	if err != nil {
		m.log.Warnf("l2cap: signaling parse: %v", err)
	}
}

// resolve retires a pending request and returns its channel.
func (m *Mux) resolve(id uint8) *Channel {
	p, ok := m.pending[id]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(m.pending, id)
	return p.ch
}

func (m *Mux) onConnectionRequest(id uint8, s *ConnectionRequest) {
	reg := m.reg.lookup(bthost.PSM(s.PSM))
	if reg == nil {
		m.sendSig(id, &ConnectionResponse{SourceCID: s.SourceCID, Result: ConnResultRefusedPSM})
		return
	}
	if reg.Authorize != nil {
		if result := reg.Authorize(m.remote); result != ConnResultSuccess {
			m.sendSig(id, &ConnectionResponse{SourceCID: s.SourceCID, Result: result})
			return
		}
	}
	cid, err := m.allocCID()
	if err != nil {
		m.sendSig(id, &ConnectionResponse{SourceCID: s.SourceCID, Result: ConnResultRefusedResources})
		return
	}
	ch := newChannel(m, reg, cid, false)
	ch.RemoteCID = s.SourceCID
	ch.state = StateConfig
	m.channels[cid] = ch
	m.sendSig(id, &ConnectionResponse{
		DestinationCID: cid,
		SourceCID:      s.SourceCID,
		Result:         ConnResultSuccess,
	})
	ch.sendConfigRequest()
}

func (m *Mux) onConnectionResponse(id uint8, s *ConnectionResponse) {
	if s.Result == ConnResultPending {
		p, ok := m.pending[id]
		if !ok {
			return
		}
		p.ch.state = StateW4ConnRspDelay
		p.timer.Reset(sigErtxTimeout)
		return
	}
	ch := m.resolve(id)
	if ch == nil {
		return
	}
	if s.Result != ConnResultSuccess {
		m.teardown(ch, errors.Wrapf(bthost.ErrNoResources, "connection refused 0x%04x", s.Result))
		return
	}
	ch.RemoteCID = s.DestinationCID
	ch.state = StateConfig
	ch.sendConfigRequest()
}

func (m *Mux) onConfigurationRequest(id uint8, s *ConfigurationRequest) {
	ch, ok := m.channels[s.DestinationCID]
	if !ok {
		reject := &CommandReject{Reason: RejectInvalidCID, Data: make([]byte, 4)}
		reject.Data[0] = byte(s.DestinationCID)
		reject.Data[1] = byte(s.DestinationCID >> 8)
		m.sendSig(id, reject)
		return
	}
	ch.onConfigRequest(id, s)
}

func (m *Mux) onConfigurationResponse(id uint8, s *ConfigurationResponse) {
	ch := m.resolve(id)
	if ch == nil {
		return
	}
	ch.onConfigResponse(s)
}

func (m *Mux) onDisconnectionRequest(id uint8, s *DisconnectionRequest) {
	ch, ok := m.channels[s.DestinationCID]
	if !ok || ch.RemoteCID != s.SourceCID {
		reject := &CommandReject{Reason: RejectInvalidCID, Data: make([]byte, 4)}
		reject.Data[0] = byte(s.DestinationCID)
		reject.Data[1] = byte(s.DestinationCID >> 8)
		reject.Data[2] = byte(s.SourceCID)
		reject.Data[3] = byte(s.SourceCID >> 8)
		m.sendSig(id, reject)
		return
	}
	m.sendSig(id, &DisconnectionResponse{DestinationCID: s.DestinationCID, SourceCID: s.SourceCID})
	m.teardown(ch, errors.New("closed by peer"))
}

func (m *Mux) onDisconnectionResponse(id uint8, s *DisconnectionResponse) {
	ch := m.resolve(id)
	if ch == nil {
		return
	}
	m.teardown(ch, nil)
}

func (m *Mux) onInformationRequest(id uint8, s *InformationRequest) {
	rsp := &InformationResponse{InfoType: s.InfoType}
	switch s.InfoType {
	case infoTypeExtendedFeatures:
		rsp.Data = []byte{featERTM | featFixedChannels, 0, 0, 0}
	case infoTypeFixedChannels:
		mask := make([]byte, 8)
		mask[0] = 1<<uint(bthost.CIDSignal) | 1<<uint(bthost.CIDAtt) | 1<<uint(bthost.CIDSMP)
		rsp.Data = mask
	default:
		rsp.Result = 0x0001 // not supported
	}
	m.sendSig(id, rsp)
}

func (m *Mux) onCommandReject(id uint8, s *CommandReject) {
	ch := m.resolve(id)
	if ch == nil {
		return
	}
	m.teardown(ch, errors.Wrapf(bthost.ErrInvalidResponse, "command rejected, reason 0x%04x", s.Reason))
}

// teardown frees the channel: timers stopped, eRTM queues drained, record
// removed, upper layer told once.
func (m *Mux) teardown(ch *Channel, reason error) {
	if ch.state == StateClosed {
		return
	}
	wasOpen := ch.state == StateOpen
	ch.state = StateClosed
	ch.stopTimers()
	if ch.ertm != nil {
		ch.ertm.drain()
	}
	delete(m.channels, ch.LocalCID)
	if wasOpen && m.hook != nil {
		m.hook(ChannelEvent{Handle: m.handle, PSM: ch.PSM, LocalCID: ch.LocalCID, RemoteCID: ch.RemoteCID})
	}
	if ch.reg.Handler != nil {
		ch.reg.Handler.ServeClosed(ch, reason)
	}
}

func (m *Mux) channelOpened(ch *Channel) {
	ch.state = StateOpen
	if ch.localCfg.Mode == ModeERTM {
		ch.ertm = newERTM(ch)
	}
	if m.hook != nil {
		m.hook(ChannelEvent{Opened: true, Handle: m.handle, PSM: ch.PSM, LocalCID: ch.LocalCID, RemoteCID: ch.RemoteCID})
	}
	if ch.reg.Handler != nil {
		ch.reg.Handler.ServeOpened(ch)
	}
}
