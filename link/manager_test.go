package link

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/hci/cmd"
	"github.com/blewire/bthost/hci/evt"
	"github.com/blewire/bthost/hciutil"
	"github.com/blewire/bthost/l2cap"
)

type fakeCtrl struct {
	mu        sync.Mutex
	commands  []hci.Command
	acl       [][]byte
	evtH      map[int]func([]byte) error
	subH      map[int]func([]byte) error
	aclH      func(hci.ACLPacket)
	terminals map[int][]byte // terminal event code -> returned parameters
	sendErr   map[int]error  // opcode -> forced error
	dropped   []uint16
}

func newFakeCtrl() *fakeCtrl {
	return &fakeCtrl{
		evtH:      make(map[int]func([]byte) error),
		subH:      make(map[int]func([]byte) error),
		terminals: make(map[int][]byte),
		sendErr:   make(map[int]error),
	}
}

func (c *fakeCtrl) Send(cm hci.Command, r hci.CommandRP) error {
	c.mu.Lock()
	c.commands = append(c.commands, cm)
	err := c.sendErr[cm.OpCode()]
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if r != nil {
		return r.Unmarshal(make([]byte, 16))
	}
	return nil
}

func (c *fakeCtrl) SendExpectEvent(cm hci.Command, terminalEvt int, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	c.commands = append(c.commands, cm)
	params, ok := c.terminals[terminalEvt]
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("no scripted terminal event")
	}
	return params, nil
}

func (c *fakeCtrl) RegisterEventHandler(code int, f func([]byte) error) { c.evtH[code] = f }

func (c *fakeCtrl) RegisterSubEventHandler(code int, f func([]byte) error) { c.subH[code] = f }

func (c *fakeCtrl) SetACLHandler(f func(hci.ACLPacket)) { c.aclH = f }

func (c *fakeCtrl) SendACL(handle uint16, pbf uint8, payload []byte) error {
	c.mu.Lock()
	c.acl = append(c.acl, append([]byte(nil), payload...))
	c.mu.Unlock()
	return nil
}

func (c *fakeCtrl) BufSize() int { return 1021 }

func (c *fakeCtrl) DropConnection(handle uint16) {
	c.mu.Lock()
	c.dropped = append(c.dropped, handle)
	c.mu.Unlock()
}

func (c *fakeCtrl) sentOfType(match func(hci.Command) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cm := range c.commands {
		if match(cm) {
			n++
		}
	}
	return n
}

func (c *fakeCtrl) aclCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acl)
}

var peerAddr = bthost.NewAddr("11:22:33:44:55:66")

// connectionCompleteParams builds a Connection Complete parameter block.
func connectionCompleteParams(status uint8, handle uint16) []byte {
	b := make([]byte, 11)
	b[0] = status
	b[1] = byte(handle)
	b[2] = byte(handle >> 8)
	wire := hci.AddrToWire(peerAddr)
	copy(b[3:9], wire[:])
	b[9] = 0x01 // ACL
	return b
}

func testManager(t *testing.T) (*Manager, *fakeCtrl, *hciutil.Handler, *l2cap.Registry) {
	t.Helper()
	h := hciutil.NewHandler()
	t.Cleanup(h.Close)
	ctrl := newFakeCtrl()
	reg := l2cap.NewRegistry()
	m := NewManager(h, ctrl, reg, bthost.DefaultConfig(), bthost.GetLogger())
	m.Bind()
	return m, ctrl, h, reg
}

func flush(h *hciutil.Handler) { h.CallOn(func() {}) }

func TestAttachIsOnePerAddressAndTransport(t *testing.T) {
	m, ctrl, h, _ := testManager(t)

	require.NoError(t, ctrl.evtH[evt.ConnectionCompleteCode](connectionCompleteParams(0x00, 0x0042)))
	flush(h)

	l := m.Lookup(peerAddr, bthost.TransportBREDR)
	require.NotNil(t, l)
	assert.Equal(t, uint16(0x0042), l.Handle)

	// a second completion for the same peer does not replace the record
	require.NoError(t, ctrl.evtH[evt.ConnectionCompleteCode](connectionCompleteParams(0x00, 0x0043)))
	flush(h)
	assert.Equal(t, uint16(0x0042), m.Lookup(peerAddr, bthost.TransportBREDR).Handle)
}

func TestOpenBlocksOnConnectionComplete(t *testing.T) {
	m, ctrl, _, _ := testManager(t)
	ctrl.terminals[evt.ConnectionCompleteCode] = connectionCompleteParams(0x00, 0x0007)

	l, err := m.Open(peerAddr, bthost.TransportBREDR)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0007), l.Handle)
	assert.Equal(t, 1, ctrl.sentOfType(func(c hci.Command) bool {
		_, ok := c.(*cmd.CreateConnection)
		return ok
	}))
}

func TestOpenSurfacesFailureStatus(t *testing.T) {
	m, ctrl, _, _ := testManager(t)
	ctrl.terminals[evt.ConnectionCompleteCode] = connectionCompleteParams(0x04, 0x0000) // page timeout

	_, err := m.Open(peerAddr, bthost.TransportBREDR)
	require.Error(t, err)
	assert.Nil(t, m.Lookup(peerAddr, bthost.TransportBREDR))
}

type nopChanHandler struct{}

func (nopChanHandler) ServeOpened(*l2cap.Channel)        {}
func (nopChanHandler) ServeData(*l2cap.Channel, []byte)  {}
func (nopChanHandler) ServeClosed(*l2cap.Channel, error) {}

func TestSecureOpenWaitsForAuthentication(t *testing.T) {
	m, ctrl, h, reg := testManager(t)
	require.NoError(t, reg.Register(&l2cap.Registrant{PSM: bthost.PSMAVCTP, Handler: nopChanHandler{}}))
	require.NoError(t, reg.Register(&l2cap.Registrant{PSM: bthost.PSMAVDTP, Handler: nopChanHandler{}}))

	ctrl.terminals[evt.AuthenticationCompleteCode] = []byte{0x00, 0x42, 0x00}
	ctrl.terminals[evt.EncryptionChangeCode] = []byte{0x00, 0x42, 0x00, 0x01}

	require.NoError(t, ctrl.evtH[evt.ConnectionCompleteCode](connectionCompleteParams(0x00, 0x0042)))
	flush(h)

	require.NoError(t, m.OpenChannel(peerAddr, bthost.TransportBREDR, bthost.PSMAVCTP, true))
	require.NoError(t, m.OpenChannel(peerAddr, bthost.TransportBREDR, bthost.PSMAVDTP, true))

	// both parked opens go out once the security sequence finishes
	require.Eventually(t, func() bool { return ctrl.aclCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Lookup(peerAddr, bthost.TransportBREDR).Encrypted())
	assert.Equal(t, 1, ctrl.sentOfType(func(c hci.Command) bool {
		_, ok := c.(*cmd.AuthenticationRequested)
		return ok
	}), "one security sequence covers every parked open")
}

func TestFailedAuthenticationRejectsAllParkedOpens(t *testing.T) {
	m, ctrl, h, reg := testManager(t)
	require.NoError(t, reg.Register(&l2cap.Registrant{PSM: bthost.PSMAVCTP, Handler: nopChanHandler{}}))
	require.NoError(t, reg.Register(&l2cap.Registrant{PSM: bthost.PSMAVDTP, Handler: nopChanHandler{}}))

	ctrl.terminals[evt.AuthenticationCompleteCode] = []byte{0x05, 0x42, 0x00} // authentication failure

	var mu sync.Mutex
	var rejected []bthost.PSM
	m.SetRejectHook(func(peer bthost.AddrWithType, psm bthost.PSM, err error) {
		mu.Lock()
		rejected = append(rejected, psm)
		mu.Unlock()
		assert.ErrorIs(t, err, bthost.ErrAuthFailure)
	})

	require.NoError(t, ctrl.evtH[evt.ConnectionCompleteCode](connectionCompleteParams(0x00, 0x0042)))
	flush(h)
	require.NoError(t, m.OpenChannel(peerAddr, bthost.TransportBREDR, bthost.PSMAVCTP, true))
	require.NoError(t, m.OpenChannel(peerAddr, bthost.TransportBREDR, bthost.PSMAVDTP, true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rejected) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ctrl.aclCount(), "no channel signaling after a failed sequence")
}

func TestModeCommandsAreSerialized(t *testing.T) {
	m, ctrl, h, _ := testManager(t)
	require.NoError(t, ctrl.evtH[evt.ConnectionCompleteCode](connectionCompleteParams(0x00, 0x0042)))
	flush(h)
	l := m.Lookup(peerAddr, bthost.TransportBREDR)

	h.CallOn(func() {
		m.requestSniff(l)
		// second transition queues behind the outstanding command
		m.requestActive(l)
	})

	isSniff := func(c hci.Command) bool { _, ok := c.(*cmd.SniffMode); return ok }
	isExit := func(c hci.Command) bool { _, ok := c.(*cmd.ExitSniffMode); return ok }

	require.Eventually(t, func() bool { return ctrl.sentOfType(isSniff) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ctrl.sentOfType(isExit))
	assert.Equal(t, ModeSniffPending, l.Mode())

	// Mode Change ends the transaction and releases the queued command
	require.NoError(t, ctrl.evtH[evt.ModeChangeCode]([]byte{0x00, 0x42, 0x00, ctrlModeSniff, 0x90, 0x01}))
	require.Eventually(t, func() bool { return ctrl.sentOfType(isExit) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStreamingProfilePinsActive(t *testing.T) {
	m, ctrl, h, _ := testManager(t)
	require.NoError(t, ctrl.evtH[evt.ConnectionCompleteCode](connectionCompleteParams(0x00, 0x0042)))
	flush(h)
	l := m.Lookup(peerAddr, bthost.TransportBREDR)

	h.CallOn(func() { l.mode = ModeSniff })
	m.SetProfileActive(peerAddr, bthost.TransportBREDR, bthost.PSMAVDTP, true)
	flush(h)

	assert.NotZero(t, l.Flags()&SniffAVActive)
	isExit := func(c hci.Command) bool { _, ok := c.(*cmd.ExitSniffMode); return ok }
	require.Eventually(t, func() bool { return ctrl.sentOfType(isExit) == 1 }, time.Second, 5*time.Millisecond)

	// while pinned, idle never drives the link back to sniff
	h.CallOn(func() {
		l.mode = ModeActive
		m.onIdle(l)
	})
	isSniff := func(c hci.Command) bool { _, ok := c.(*cmd.SniffMode); return ok }
	assert.Equal(t, 0, ctrl.sentOfType(isSniff))
}

func TestDisconnectionFreesRecord(t *testing.T) {
	m, ctrl, h, _ := testManager(t)
	require.NoError(t, ctrl.evtH[evt.ConnectionCompleteCode](connectionCompleteParams(0x00, 0x0042)))
	flush(h)

	var gotReason uint8
	m.SetDisconnectHook(func(l *Link, reason uint8) { gotReason = reason })

	require.NoError(t, ctrl.evtH[evt.DisconnectionCompleteCode]([]byte{0x00, 0x42, 0x00, 0x13}))
	flush(h)

	assert.Nil(t, m.Lookup(peerAddr, bthost.TransportBREDR))
	assert.Equal(t, uint8(0x13), gotReason)
	assert.Equal(t, []uint16{0x0042}, ctrl.dropped)
}

func TestLEConnectionCompleteFansOut(t *testing.T) {
	m, ctrl, h, _ := testManager(t)

	var hooked evt.LEConnectionComplete
	m.SetLEConnectHook(func(e evt.LEConnectionComplete) { hooked = e })

	params := make([]byte, 19)
	params[0] = evt.LEConnectionCompleteSubCode
	params[1] = 0x00 // status
	params[2] = 0x48 // handle
	params[4] = hci.RolePeripheral
	params[5] = byte(bthost.AddrRandomStatic)
	wire := hci.AddrToWire(peerAddr)
	copy(params[6:12], wire[:])
	require.NoError(t, ctrl.subH[evt.LEConnectionCompleteSubCode](params))
	flush(h)

	l := m.Lookup(peerAddr, bthost.TransportLE)
	require.NotNil(t, l)
	assert.Equal(t, uint16(0x0048), l.Handle)
	assert.Equal(t, bthost.AddrRandomStatic, l.Peer.Type)
	require.NotNil(t, hooked)
	assert.Equal(t, uint16(0x0048), hooked.ConnectionHandle())
}
