package l2cap

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hciutil"
)

// ChannelState tracks a dynamic channel through its signaling lifecycle.
type ChannelState int

const (
	StateClosed ChannelState = iota
	StateW4ConnRsp
	StateW4ConnRspDelay
	StateConfig
	StateOpen
	StateW4DiscRsp
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateW4ConnRsp:
		return "W4_CONN_RSP"
	case StateW4ConnRspDelay:
		return "W4_CONN_RSP_DELAY"
	case StateConfig:
		return "CONFIG"
	case StateOpen:
		return "OPEN"
	case StateW4DiscRsp:
		return "W4_DISC_RSP"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// eRTM defaults offered when the registrant does not override them.
const (
	defaultTxWindow    = 8
	defaultMaxTransmit = 3
	defaultRetransTO   = 2000  // ms
	defaultMonitorTO   = 12000 // ms
)

// Channel is one dynamic L2CAP channel. Its fields belong to the mux
// handler; external senders go through Send.
type Channel struct {
	LocalCID  uint16
	RemoteCID uint16
	PSM       bthost.PSM

	mux       *Mux
	reg       *Registrant
	state     ChannelState
	initiator bool

	// localCfg is what we asked for and the peer accepted; it governs
	// our receive path. remoteCfg is what the peer asked for; it caps
	// what we may send.
	localCfg  ConfigOptions
	remoteCfg ConfigOptions

	localDone    bool
	remoteDone   bool
	configRounds int

	discTimer *hciutil.Timer
	ertm      *ertmEngine
}

func newChannel(m *Mux, reg *Registrant, cid uint16, initiator bool) *Channel {
	ch := &Channel{
		LocalCID:  cid,
		PSM:       reg.PSM,
		mux:       m,
		reg:       reg,
		initiator: initiator,
	}
	ch.localCfg.MTU = reg.MTU
	ch.localCfg.Mode = reg.Mode
	ch.localCfg.TxWindow = reg.TxWindow
	ch.localCfg.MaxTransmit = reg.MaxTransmit
	if ch.localCfg.TxWindow == 0 {
		ch.localCfg.TxWindow = defaultTxWindow
	}
	if ch.localCfg.MaxTransmit == 0 {
		ch.localCfg.MaxTransmit = defaultMaxTransmit
	}
	ch.remoteCfg.MTU = defaultMTU
	ch.remoteCfg.Mode = reg.Mode
	return ch
}

// Remote returns the peer the channel's link connects to.
func (ch *Channel) Remote() bthost.Addr { return ch.mux.remote }

// State returns the channel's current signaling state.
func (ch *Channel) State() ChannelState {
	var s ChannelState
	ch.mux.h.CallOn(func() { s = ch.state })
	return s
}

// MTU returns the largest SDU the peer accepts. The value is stable once
// the channel reaches OPEN.
func (ch *Channel) MTU() uint16 { return ch.remoteCfg.MTU }

// Send transmits one SDU on the channel. It is safe both from stack-handler
// tasks and from outside goroutines: the configuration it reads is stable
// once the channel is OPEN, and eRTM bookkeeping is posted to the handler.
// In basic mode a transmit-pool exhaustion comes back as ErrNoResources.
func (ch *Channel) Send(sdu []byte) error {
	if ch.state != StateOpen {
		return errors.Wrapf(bthost.ErrClosed, "channel 0x%04x in %v", ch.LocalCID, ch.state)
	}
	if len(sdu) > int(ch.remoteCfg.MTU) {
		return errors.Wrapf(bthost.ErrInvalidArgument, "sdu %d exceeds peer mtu %d", len(sdu), ch.remoteCfg.MTU)
	}
	if ch.ertm != nil {
		dup := append([]byte(nil), sdu...)
		return ch.mux.h.Post(func() {
			if ch.state == StateOpen {
				ch.ertm.send(dup)
			}
		})
	}
	return writePDU(ch.mux.conn, ch.mux.handle, ch.RemoteCID, sdu)
}

// Close starts an orderly disconnect.
func (ch *Channel) Close() { ch.mux.Close(ch.LocalCID) }

func (ch *Channel) recv(payload []byte) {
	if ch.ertm != nil {
		ch.ertm.recv(payload)
		return
	}
	if len(payload) > int(ch.localCfg.MTU) {
		ch.mux.log.Warnf("l2cap: cid 0x%04x sdu %d exceeds mtu %d", ch.LocalCID, len(payload), ch.localCfg.MTU)
		return
	}
	if ch.reg.Handler != nil {
		ch.reg.Handler.ServeData(ch, payload)
	}
}

func (ch *Channel) deliver(sdu []byte) {
	if ch.reg.Handler != nil {
		ch.reg.Handler.ServeData(ch, sdu)
	}
}

// sendConfigRequest issues our side of the configuration exchange.
func (ch *Channel) sendConfigRequest() {
	req := &ConfigurationRequest{DestinationCID: ch.RemoteCID}
	req.Options.MTU = ch.localCfg.MTU
	req.Options.HasMTU = true
	if ch.localCfg.Mode == ModeERTM {
		req.Options.HasRFC = true
		req.Options.Mode = ModeERTM
		req.Options.TxWindow = ch.localCfg.TxWindow
		req.Options.MaxTransmit = ch.localCfg.MaxTransmit
		req.Options.RetransTO = defaultRetransTO
		req.Options.MonitorTO = defaultMonitorTO
		req.Options.MPS = ch.localCfg.MTU
	}
	ch.mux.request(ch, req, sigTimeout)
}

// onConfigRequest handles the peer's Configuration Request.
func (ch *Channel) onConfigRequest(id uint8, s *ConfigurationRequest) {
	if ch.state != StateConfig && ch.state != StateOpen {
		ch.mux.sendSig(id, &ConfigurationResponse{SourceCID: ch.RemoteCID, Result: ConfigResultRejected})
		return
	}
	wantMode := ch.localCfg.Mode
	gotMode := uint8(ModeBasic)
	if s.Options.HasRFC {
		gotMode = s.Options.Mode
	}
	if gotMode != wantMode {
		rsp := &ConfigurationResponse{SourceCID: ch.RemoteCID, Result: ConfigResultUnacceptable}
		rsp.Options.HasRFC = true
		rsp.Options.Mode = wantMode
		rsp.Options.TxWindow = ch.localCfg.TxWindow
		rsp.Options.MaxTransmit = ch.localCfg.MaxTransmit
		rsp.Options.RetransTO = defaultRetransTO
		rsp.Options.MonitorTO = defaultMonitorTO
		rsp.Options.MPS = ch.localCfg.MTU
		ch.mux.sendSig(id, rsp)
		return
	}
	if s.Options.HasMTU {
		ch.remoteCfg.MTU = s.Options.MTU
	}
	if s.Options.HasRFC {
		ch.remoteCfg.Mode = s.Options.Mode
		ch.remoteCfg.TxWindow = s.Options.TxWindow
		ch.remoteCfg.MaxTransmit = s.Options.MaxTransmit
	}
	rsp := &ConfigurationResponse{SourceCID: ch.RemoteCID, Result: ConfigResultSuccess}
	rsp.Options = s.Options
	ch.mux.sendSig(id, rsp)
	ch.remoteDone = true
	ch.maybeOpen()
}

// onConfigResponse handles the peer's reply to our Configuration Request.
func (ch *Channel) onConfigResponse(s *ConfigurationResponse) {
	switch s.Result {
	case ConfigResultSuccess:
		if s.Options.HasMTU {
			ch.localCfg.MTU = s.Options.MTU
		}
		if s.Options.HasRFC {
			ch.localCfg.TxWindow = s.Options.TxWindow
			ch.localCfg.MaxTransmit = s.Options.MaxTransmit
		}
		ch.localDone = true
		ch.maybeOpen()
	case ConfigResultUnacceptable:
		ch.configRounds++
		if ch.configRounds >= maxConfigRounds {
			ch.rejectConfig()
			return
		}
		// adopt the peer's suggestions and try again
		if s.Options.HasMTU {
			ch.localCfg.MTU = s.Options.MTU
		}
		if s.Options.HasRFC {
			ch.localCfg.Mode = s.Options.Mode
			ch.localCfg.TxWindow = s.Options.TxWindow
			ch.localCfg.MaxTransmit = s.Options.MaxTransmit
		}
		ch.sendConfigRequest()
	default:
		ch.rejectConfig()
	}
}

// rejectConfig gives up on negotiation and disconnects.
func (ch *Channel) rejectConfig() {
	ch.mux.sendSig(ch.mux.allocSigID(), &DisconnectionRequest{DestinationCID: ch.RemoteCID, SourceCID: ch.LocalCID})
	ch.mux.teardown(ch, errors.New("configuration rejected"))
}

func (ch *Channel) maybeOpen() {
	if ch.state == StateConfig && ch.localDone && ch.remoteDone {
		ch.mux.channelOpened(ch)
	}
}

func (ch *Channel) armDiscTimer() {
	ch.discTimer = hciutil.After(ch.mux.h, discTimeout, func() {
		ch.mux.teardown(ch, errors.Wrap(bthost.ErrTransactionTimeout, "disconnection response timeout"))
	})
}

func (ch *Channel) stopTimers() {
	if ch.discTimer != nil {
		ch.discTimer.Stop()
	}
	if ch.ertm != nil {
		ch.ertm.stopTimers()
	}
}
