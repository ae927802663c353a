package l2cap

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/hciutil"
)

type sentFrame struct {
	pbf     uint8
	payload []byte
}

type fakeConn struct {
	mu   sync.Mutex
	sent []sentFrame
	buf  int
}

func (c *fakeConn) SendACL(handle uint16, pbf uint8, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{pbf, append([]byte(nil), payload...)})
	return nil
}

func (c *fakeConn) BufSize() int {
	if c.buf == 0 {
		return 1021
	}
	return c.buf
}

func (c *fakeConn) take() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sent
	c.sent = nil
	return s
}

// pdus splits captured frames into (cid, payload) pairs. Only valid when
// BufSize exceeds every PDU, so each frame is a whole PDU.
func (c *fakeConn) pdus() []struct {
	cid     uint16
	payload []byte
} {
	var out []struct {
		cid     uint16
		payload []byte
	}
	for _, f := range c.take() {
		out = append(out, struct {
			cid     uint16
			payload []byte
		}{binary.LittleEndian.Uint16(f.payload[2:4]), f.payload[4:]})
	}
	return out
}

type recordingHandler struct {
	mu     sync.Mutex
	opened []*Channel
	data   [][]byte
	closed []error
}

func (r *recordingHandler) ServeOpened(ch *Channel) {
	r.mu.Lock()
	r.opened = append(r.opened, ch)
	r.mu.Unlock()
}

func (r *recordingHandler) ServeData(ch *Channel, sdu []byte) {
	r.mu.Lock()
	r.data = append(r.data, append([]byte(nil), sdu...))
	r.mu.Unlock()
}

func (r *recordingHandler) ServeClosed(ch *Channel, reason error) {
	r.mu.Lock()
	r.closed = append(r.closed, reason)
	r.mu.Unlock()
}

func testMux(t *testing.T, conn *fakeConn) (*Mux, *hciutil.Handler, *Registry) {
	t.Helper()
	h := hciutil.NewHandler()
	t.Cleanup(h.Close)
	reg := NewRegistry()
	m := NewMux(h, conn, 0x0001, bthost.NewAddr("11:22:33:44:55:66"), reg, bthost.GetLogger())
	return m, h, reg
}

// inbound frames a signaling command as a complete inbound ACL packet.
func inbound(m *Mux, cid uint16, payload []byte) {
	pdu := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(pdu[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(pdu[2:4], cid)
	copy(pdu[4:], payload)
	pkt := make([]byte, 4+len(pdu))
	binary.LittleEndian.PutUint16(pkt[0:2], m.handle|uint16(hci.PbfCompleteL2CAPPDU)<<12)
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(pdu)))
	copy(pkt[4:], pdu)
	m.Recv(hci.ACLPacket(pkt))
}

func flush(h *hciutil.Handler) { h.CallOn(func() {}) }

func TestSignalRoundTrip(t *testing.T) {
	cases := []Signal{
		&CommandReject{Reason: RejectInvalidCID, Data: []byte{0x40, 0x00, 0x41, 0x00}},
		&ConnectionRequest{PSM: 0x0017, SourceCID: 0x0040},
		&ConnectionResponse{DestinationCID: 0x0041, SourceCID: 0x0040, Result: ConnResultSuccess},
		&ConfigurationRequest{DestinationCID: 0x0041, Options: ConfigOptions{
			MTU: 335, HasMTU: true,
			Mode: ModeERTM, TxWindow: 8, MaxTransmit: 3, RetransTO: 2000, MonitorTO: 12000, MPS: 335, HasRFC: true,
		}},
		&ConfigurationResponse{SourceCID: 0x0040, Result: ConfigResultUnacceptable, Options: ConfigOptions{MTU: 512, HasMTU: true}},
		&DisconnectionRequest{DestinationCID: 0x0041, SourceCID: 0x0040},
		&DisconnectionResponse{DestinationCID: 0x0041, SourceCID: 0x0040},
		&EchoRequest{Data: []byte("ping")},
		&EchoResponse{Data: []byte("ping")},
		&InformationRequest{InfoType: infoTypeExtendedFeatures},
		&InformationResponse{InfoType: infoTypeExtendedFeatures, Data: []byte{0x88, 0, 0, 0}},
	}
	for _, want := range cases {
		frame := MarshalSignal(7, want)
		var visited bool
		err := splitSignals(frame, func(code, id uint8, payload []byte) error {
			visited = true
			assert.Equal(t, want.Code(), int(code))
			assert.Equal(t, uint8(7), id)
			got := newSignalByCode(code)
			require.NotNil(t, got)
			require.NoError(t, got.Unmarshal(payload))
			assert.Equal(t, want, got)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, visited)
	}
}

func newSignalByCode(code uint8) Signal {
	switch code {
	case SignalCommandReject:
		return &CommandReject{}
	case SignalConnectionRequest:
		return &ConnectionRequest{}
	case SignalConnectionResponse:
		return &ConnectionResponse{}
	case SignalConfigurationRequest:
		return &ConfigurationRequest{}
	case SignalConfigurationResponse:
		return &ConfigurationResponse{}
	case SignalDisconnectionRequest:
		return &DisconnectionRequest{}
	case SignalDisconnectionResponse:
		return &DisconnectionResponse{}
	case SignalEchoRequest:
		return &EchoRequest{}
	case SignalEchoResponse:
		return &EchoResponse{}
	case SignalInformationRequest:
		return &InformationRequest{}
	case SignalInformationResponse:
		return &InformationResponse{}
	}
	return nil
}

func TestDynamicCIDAllocation(t *testing.T) {
	conn := &fakeConn{}
	m, h, _ := testMux(t, conn)

	h.CallOn(func() {
		a, err := m.allocCID()
		require.NoError(t, err)
		assert.Equal(t, uint16(firstDynamicCID), a)
		m.channels[a] = &Channel{LocalCID: a}

		b, err := m.allocCID()
		require.NoError(t, err)
		assert.Equal(t, uint16(firstDynamicCID+1), b)
		m.channels[b] = &Channel{LocalCID: b}

		// wraparound skips CIDs still in use
		m.nextCID = 0xffff
		c, err := m.allocCID()
		require.NoError(t, err)
		assert.Equal(t, uint16(0xffff), c)
		m.channels[c] = &Channel{LocalCID: c}

		d, err := m.allocCID()
		require.NoError(t, err)
		assert.Equal(t, uint16(firstDynamicCID+2), d, "wrap skips 0x40 and 0x41")
	})
}

func TestInboundConnectRefusedUnknownPSM(t *testing.T) {
	conn := &fakeConn{}
	m, h, _ := testMux(t, conn)

	inbound(m, cidSignal, MarshalSignal(3, &ConnectionRequest{PSM: 0x0019, SourceCID: 0x0070}))
	flush(h)

	out := conn.pdus()
	require.Len(t, out, 1)
	assert.Equal(t, cidSignal, out[0].cid)
	var rsp ConnectionResponse
	require.NoError(t, rsp.Unmarshal(out[0].payload[4:]))
	assert.Equal(t, uint16(ConnResultRefusedPSM), rsp.Result)
	assert.Equal(t, uint16(0x0070), rsp.SourceCID)
}

// sentSignal decodes the idx'th captured signaling command.
func sentSignal(t *testing.T, conn *fakeConn, frames []sentFrame, idx int) (uint8, Signal) {
	t.Helper()
	payload := frames[idx].payload[4:]
	code, id := payload[0], payload[1]
	s := newSignalByCode(code)
	require.NotNil(t, s)
	require.NoError(t, s.Unmarshal(payload[4:]))
	return id, s
}

func TestOutboundOpenHandshake(t *testing.T) {
	conn := &fakeConn{}
	m, h, reg := testMux(t, conn)

	rh := &recordingHandler{}
	require.NoError(t, reg.Register(&Registrant{PSM: bthost.PSMAVCTP, MTU: 335, Handler: rh}))

	require.NoError(t, m.Open(bthost.PSMAVCTP))
	flush(h)

	frames := conn.take()
	require.Len(t, frames, 1)
	id, s := sentSignal(t, conn, frames, 0)
	req := s.(*ConnectionRequest)
	assert.Equal(t, uint16(bthost.PSMAVCTP), req.PSM)
	localCID := req.SourceCID

	// peer accepts; we must issue our Configuration Request
	inbound(m, cidSignal, MarshalSignal(id, &ConnectionResponse{
		DestinationCID: 0x0070, SourceCID: localCID, Result: ConnResultSuccess,
	}))
	flush(h)
	frames = conn.take()
	require.Len(t, frames, 1)
	cfgID, s := sentSignal(t, conn, frames, 0)
	cfgReq := s.(*ConfigurationRequest)
	assert.Equal(t, uint16(0x0070), cfgReq.DestinationCID)
	assert.Equal(t, uint16(335), cfgReq.Options.MTU)

	// peer configures us
	inbound(m, cidSignal, MarshalSignal(9, &ConfigurationRequest{
		DestinationCID: localCID, Options: ConfigOptions{MTU: 512, HasMTU: true},
	}))
	flush(h)
	frames = conn.take()
	require.Len(t, frames, 1)
	_, s = sentSignal(t, conn, frames, 0)
	assert.Equal(t, uint16(ConfigResultSuccess), s.(*ConfigurationResponse).Result)

	// peer accepts our configuration; channel opens
	inbound(m, cidSignal, MarshalSignal(cfgID, &ConfigurationResponse{
		SourceCID: localCID, Result: ConfigResultSuccess,
	}))
	flush(h)

	require.Len(t, rh.opened, 1)
	ch := rh.opened[0]
	assert.Equal(t, localCID, ch.LocalCID)
	assert.Equal(t, uint16(0x0070), ch.RemoteCID)
	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, uint16(512), ch.MTU())
}

func TestConfigRejectedAfterThreeRounds(t *testing.T) {
	conn := &fakeConn{}
	m, h, reg := testMux(t, conn)

	rh := &recordingHandler{}
	require.NoError(t, reg.Register(&Registrant{PSM: bthost.PSMAVCTP, MTU: 335, Handler: rh}))
	require.NoError(t, m.Open(bthost.PSMAVCTP))
	flush(h)
	frames := conn.take()
	id, s := sentSignal(t, conn, frames, 0)
	localCID := s.(*ConnectionRequest).SourceCID

	inbound(m, cidSignal, MarshalSignal(id, &ConnectionResponse{
		DestinationCID: 0x0070, SourceCID: localCID, Result: ConnResultSuccess,
	}))
	flush(h)

	for round := 0; round < maxConfigRounds; round++ {
		frames = conn.take()
		require.NotEmpty(t, frames)
		cfgID, s := sentSignal(t, conn, frames, 0)
		_, isCfg := s.(*ConfigurationRequest)
		require.True(t, isCfg, "round %d", round)
		inbound(m, cidSignal, MarshalSignal(cfgID, &ConfigurationResponse{
			SourceCID: localCID, Result: ConfigResultUnacceptable,
			Options: ConfigOptions{MTU: 256, HasMTU: true},
		}))
		flush(h)
	}

	// third unacceptable response gives up: a Disconnection Request goes out
	frames = conn.take()
	require.NotEmpty(t, frames)
	_, s = sentSignal(t, conn, frames, 0)
	disc, isDisc := s.(*DisconnectionRequest)
	require.True(t, isDisc)
	assert.Equal(t, localCID, disc.SourceCID)
	require.Len(t, rh.closed, 1)
	assert.Error(t, rh.closed[0])
}

func TestSendEnforcesPeerMTU(t *testing.T) {
	conn := &fakeConn{}
	m, h, _ := testMux(t, conn)

	ch := &Channel{LocalCID: 0x0040, RemoteCID: 0x0070, mux: m, reg: &Registrant{}}
	ch.remoteCfg.MTU = 48
	ch.state = StateOpen
	h.CallOn(func() { m.channels[ch.LocalCID] = ch })

	assert.NoError(t, ch.Send(make([]byte, 48)))
	err := ch.Send(make([]byte, 49))
	require.Error(t, err)
	assert.ErrorIs(t, err, bthost.ErrInvalidArgument)
}

func TestFragmentationRoundTrip(t *testing.T) {
	conn := &fakeConn{buf: 23}
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, writePDU(conn, 0x0001, 0x0040, payload))

	frames := conn.take()
	require.True(t, len(frames) > 1)
	assert.Equal(t, uint8(hci.PbfHostToControllerStart), frames[0].pbf)
	for _, f := range frames[1:] {
		assert.Equal(t, uint8(hci.PbfContinuing), f.pbf)
	}

	// feed the fragments back as inbound traffic
	var r reassembler
	var gotCID uint16
	var got []byte
	for i, f := range frames {
		pbf := uint8(hci.PbfContinuing)
		if i == 0 {
			pbf = hci.PbfControllerToHostStart
		}
		pkt := make([]byte, 4+len(f.payload))
		binary.LittleEndian.PutUint16(pkt[0:2], 0x0001|uint16(pbf)<<12)
		binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(f.payload)))
		copy(pkt[4:], f.payload)
		cid, p, err := r.feed(hci.ACLPacket(pkt))
		require.NoError(t, err)
		if p != nil {
			gotCID, got = cid, p
		}
	}
	assert.Equal(t, uint16(0x0040), gotCID)
	assert.Equal(t, payload, got)
}

func TestReassemblyRejectsOrphanContinuation(t *testing.T) {
	var r reassembler
	pkt := make([]byte, 4+3)
	binary.LittleEndian.PutUint16(pkt[0:2], 0x0001|uint16(hci.PbfContinuing)<<12)
	binary.LittleEndian.PutUint16(pkt[2:4], 3)
	_, _, err := r.feed(hci.ACLPacket(pkt))
	require.Error(t, err)
	assert.ErrorIs(t, err, bthost.ErrFrameCorrupt)
}

func TestReassemblyCorruptionClosesChannel(t *testing.T) {
	conn := &fakeConn{}
	m, h, _ := testMux(t, conn)
	rh := &recordingHandler{}
	ch := &Channel{LocalCID: 0x0040, RemoteCID: 0x0070, mux: m, reg: &Registrant{Handler: rh}}
	ch.state = StateOpen
	h.CallOn(func() { m.channels[ch.LocalCID] = ch })

	// A continuation with no start cannot be attributed to any PDU, so the
	// inbound stream is desynchronized and every dynamic channel goes down.
	pkt := make([]byte, 4+3)
	binary.LittleEndian.PutUint16(pkt[0:2], m.handle|uint16(hci.PbfContinuing)<<12)
	binary.LittleEndian.PutUint16(pkt[2:4], 3)
	m.Recv(hci.ACLPacket(pkt))
	flush(h)

	assert.Equal(t, StateClosed, ch.State())
	rh.mu.Lock()
	defer rh.mu.Unlock()
	require.Len(t, rh.closed, 1)
	assert.ErrorIs(t, rh.closed[0], bthost.ErrFrameCorrupt)
}

func TestReassemblyStartOverPartialClosesVictim(t *testing.T) {
	conn := &fakeConn{}
	m, h, _ := testMux(t, conn)
	victim := &recordingHandler{}
	bystander := &recordingHandler{}
	chA := &Channel{LocalCID: 0x0040, RemoteCID: 0x0070, mux: m, reg: &Registrant{Handler: victim}}
	chA.state = StateOpen
	chB := &Channel{LocalCID: 0x0041, RemoteCID: 0x0071, mux: m, reg: &Registrant{Handler: bystander}}
	chB.state = StateOpen
	h.CallOn(func() {
		m.channels[chA.LocalCID] = chA
		m.channels[chB.LocalCID] = chB
	})

	// first fragment of a 10-byte PDU bound for chA, 4 payload bytes follow
	frag := make([]byte, 4+8)
	binary.LittleEndian.PutUint16(frag[0:2], m.handle|uint16(hci.PbfControllerToHostStart)<<12)
	binary.LittleEndian.PutUint16(frag[2:4], 8)
	binary.LittleEndian.PutUint16(frag[4:6], 10)
	binary.LittleEndian.PutUint16(frag[6:8], chA.LocalCID)
	m.Recv(hci.ACLPacket(frag))
	flush(h)
	assert.Equal(t, StateOpen, chA.State())

	// a fresh start before the partial completed kills only chA
	inbound(m, chB.LocalCID, []byte("ok"))
	flush(h)

	assert.Equal(t, StateClosed, chA.State())
	assert.Equal(t, StateOpen, chB.State())
	victim.mu.Lock()
	require.Len(t, victim.closed, 1)
	assert.ErrorIs(t, victim.closed[0], bthost.ErrFrameCorrupt)
	victim.mu.Unlock()
	bystander.mu.Lock()
	assert.Empty(t, bystander.closed)
	bystander.mu.Unlock()
}

// ertmChannel builds an OPEN eRTM channel wired to conn.
func ertmChannel(t *testing.T, m *Mux, h *hciutil.Handler, rh *recordingHandler) *Channel {
	t.Helper()
	ch := &Channel{LocalCID: 0x0040, RemoteCID: 0x0070, mux: m, reg: &Registrant{Handler: rh}}
	ch.localCfg = ConfigOptions{MTU: 1000, Mode: ModeERTM, TxWindow: 8, MaxTransmit: 3}
	ch.remoteCfg = ConfigOptions{MTU: 1000, Mode: ModeERTM}
	ch.state = StateOpen
	ch.ertm = newERTM(ch)
	h.CallOn(func() { m.channels[ch.LocalCID] = ch })
	return ch
}

func iFrameSeqs(t *testing.T, conn *fakeConn) []uint8 {
	t.Helper()
	var seqs []uint8
	for _, p := range conn.pdus() {
		ctrl := binary.LittleEndian.Uint16(p.payload)
		if ctrl&1 == 0 {
			seqs = append(seqs, uint8(ctrl>>1)&0x3f)
		}
	}
	return seqs
}

func TestERTMRejRetransmitsFromRequestedSeq(t *testing.T) {
	conn := &fakeConn{}
	m, h, _ := testMux(t, conn)
	ch := ertmChannel(t, m, h, &recordingHandler{})

	for i := 0; i < 8; i++ {
		require.NoError(t, ch.Send([]byte{byte(i)}))
	}
	flush(h)
	assert.Equal(t, []uint8{0, 1, 2, 3, 4, 5, 6, 7}, iFrameSeqs(t, conn))

	// a ninth SDU is blocked on the full window
	require.NoError(t, ch.Send([]byte{8}))
	flush(h)
	assert.Empty(t, iFrameSeqs(t, conn))

	// REJ with ReqSeq=5 acks 0..4 and asks for 5.. again
	rej := make([]byte, 2)
	binary.LittleEndian.PutUint16(rej, 1|uint16(sREJ)<<2|uint16(5)<<8)
	inbound(m, ch.LocalCID, rej)
	flush(h)

	seqs := iFrameSeqs(t, conn)
	require.True(t, len(seqs) >= 3)
	assert.Equal(t, []uint8{5, 6, 7}, seqs[:3], "retransmissions first, in order")
	if len(seqs) > 3 {
		assert.Equal(t, []uint8{8}, seqs[3:], "fresh frame only after the window advanced")
	}
}

func TestERTMInOrderDelivery(t *testing.T) {
	conn := &fakeConn{}
	m, h, _ := testMux(t, conn)
	rh := &recordingHandler{}
	ch := ertmChannel(t, m, h, rh)

	mkI := func(txSeq uint8, body []byte) []byte {
		pdu := make([]byte, 2+len(body))
		binary.LittleEndian.PutUint16(pdu, uint16(txSeq&0x3f)<<1)
		copy(pdu[2:], body)
		return pdu
	}

	inbound(m, ch.LocalCID, mkI(0, []byte("a")))
	// seq 2 arrives early: dropped, REJ goes out
	inbound(m, ch.LocalCID, mkI(2, []byte("c")))
	inbound(m, ch.LocalCID, mkI(1, []byte("b")))
	inbound(m, ch.LocalCID, mkI(2, []byte("c")))
	flush(h)

	require.Len(t, rh.data, 3)
	assert.Equal(t, []byte("a"), rh.data[0])
	assert.Equal(t, []byte("b"), rh.data[1])
	assert.Equal(t, []byte("c"), rh.data[2])

	var sawREJ bool
	for _, p := range conn.pdus() {
		ctrl := binary.LittleEndian.Uint16(p.payload)
		if ctrl&1 == 1 && uint8(ctrl>>2)&0x3 == sREJ {
			sawREJ = true
		}
	}
	assert.True(t, sawREJ)
}

func TestLinkLossFastFailsChannels(t *testing.T) {
	conn := &fakeConn{}
	m, h, reg := testMux(t, conn)
	rh := &recordingHandler{}
	require.NoError(t, reg.Register(&Registrant{PSM: bthost.PSMAVCTP, Handler: rh}))

	inbound(m, cidSignal, MarshalSignal(2, &ConnectionRequest{PSM: uint16(bthost.PSMAVCTP), SourceCID: 0x0070}))
	flush(h)

	m.Shutdown(bthost.ErrClosed)
	flush(h)
	require.Len(t, rh.closed, 1)
	assert.ErrorIs(t, rh.closed[0], bthost.ErrClosed)
}
