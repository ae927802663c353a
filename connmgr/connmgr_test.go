package connmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/hci/cmd"
	"github.com/blewire/bthost/hciutil"
)

type fakeCtrl struct {
	mu       sync.Mutex
	commands []hci.Command
}

func (c *fakeCtrl) Send(cm hci.Command, r hci.CommandRP) error {
	c.mu.Lock()
	c.commands = append(c.commands, cm)
	c.mu.Unlock()
	if r != nil {
		return r.Unmarshal(make([]byte, 16))
	}
	return nil
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

func (c *fakeCtrl) createPeers() [][6]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][6]byte
	for _, cm := range c.commands {
		if cc, ok := cm.(*cmd.LECreateConnection); ok {
			out = append(out, cc.PeerAddress)
		}
	}
	return out
}

func isAdd(c hci.Command) bool    { _, ok := c.(*cmd.LEAddDeviceToFilterAcceptList); return ok }
func isRemove(c hci.Command) bool { _, ok := c.(*cmd.LERemoveDeviceFromFilterAcceptList); return ok }
func isCreate(c hci.Command) bool { _, ok := c.(*cmd.LECreateConnection); return ok }
func isCancel(c hci.Command) bool { _, ok := c.(*cmd.LECreateConnectionCancel); return ok }

var (
	addrA = bthost.NewAddr("aa:aa:aa:aa:aa:01")
	addrB = bthost.NewAddr("aa:aa:aa:aa:aa:02")
)

func testManager(t *testing.T, mod func(*bthost.Config)) (*Manager, *fakeCtrl, *hciutil.Handler) {
	t.Helper()
	h := hciutil.NewHandler()
	t.Cleanup(h.Close)
	ctrl := &fakeCtrl{}
	cfg := bthost.DefaultConfig()
	cfg.AcceptlistSize = 4
	if mod != nil {
		mod(&cfg)
	}
	m := NewManager(h, ctrl, cfg, bthost.GetLogger())
	require.NoError(t, m.Bind())
	return m, ctrl, h
}

func flush(h *hciutil.Handler) { h.CallOn(func() {}) }

func TestDirectTimeoutCancelsAttempt(t *testing.T) {
	m, ctrl, h := testManager(t, func(c *bthost.Config) {
		c.DirectConnectTimeout = 30 * time.Millisecond
	})

	timedOut := make(chan bthost.AppID, 1)
	m.SetTimeoutHook(func(app bthost.AppID, addr bthost.Addr) {
		assert.Equal(t, addrA.String(), addr.String())
		timedOut <- app
	})

	assert.True(t, m.DirectAdd(7, addrA))
	assert.False(t, m.DirectAdd(7, addrA), "second add of the same pair is a no-op")
	flush(h)
	assert.True(t, m.Acceptlisted(addrA))
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCreate) == 1 }, time.Second, 5*time.Millisecond)

	select {
	case app := <-timedOut:
		assert.Equal(t, bthost.AppID(7), app)
	case <-time.After(time.Second):
		t.Fatal("direct connect never timed out")
	}

	flush(h)
	assert.False(t, m.Acceptlisted(addrA))
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCancel) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ctrl.sentOfType(isRemove) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDirectRemoveStopsTimer(t *testing.T) {
	m, ctrl, h := testManager(t, func(c *bthost.Config) {
		c.DirectConnectTimeout = 30 * time.Millisecond
	})

	fired := make(chan struct{}, 1)
	m.SetTimeoutHook(func(bthost.AppID, bthost.Addr) { fired <- struct{}{} })

	assert.True(t, m.DirectAdd(7, addrA))
	assert.True(t, m.DirectRemove(7, addrA))
	assert.False(t, m.DirectRemove(7, addrA))
	flush(h)

	time.Sleep(100 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("timeout hook fired after the request was removed")
	default:
	}
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCancel) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackgroundSubscribersShareOneSlot(t *testing.T) {
	m, ctrl, h := testManager(t, nil)

	assert.True(t, m.BackgroundAdd(1, addrA))
	assert.True(t, m.BackgroundAdd(2, addrA))
	assert.False(t, m.BackgroundAdd(2, addrA))
	flush(h)

	require.Eventually(t, func() bool { return ctrl.sentOfType(isAdd) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, m.BackgroundRemove(1, addrA))
	flush(h)
	assert.True(t, m.Acceptlisted(addrA), "one subscriber remains")
	assert.Equal(t, 0, ctrl.sentOfType(isRemove))

	assert.True(t, m.BackgroundRemove(2, addrA))
	flush(h)
	assert.False(t, m.Acceptlisted(addrA))
	require.Eventually(t, func() bool { return ctrl.sentOfType(isRemove) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTargetedInterestForcesAddressOff(t *testing.T) {
	m, ctrl, h := testManager(t, nil)

	m.BackgroundAdd(1, addrA)
	flush(h)
	assert.True(t, m.Acceptlisted(addrA))

	m.BackgroundTargetedAdd(2, addrA)
	flush(h)
	assert.False(t, m.Acceptlisted(addrA))
	require.Eventually(t, func() bool { return ctrl.sentOfType(isRemove) == 1 }, time.Second, 5*time.Millisecond)

	m.BackgroundRemove(2, addrA)
	flush(h)
	assert.True(t, m.Acceptlisted(addrA), "plain subscriber regains the slot")
	require.Eventually(t, func() bool { return ctrl.sentOfType(isAdd) == 2 }, time.Second, 5*time.Millisecond)
}

func TestRemoveAbsentPairIsNoOp(t *testing.T) {
	m, ctrl, h := testManager(t, nil)

	assert.False(t, m.BackgroundRemove(1, addrA))
	assert.False(t, m.DirectRemove(1, addrA))
	flush(h)
	assert.Equal(t, 0, ctrl.sentOfType(func(hci.Command) bool { return true }))
}

func TestCapacityOverflowQueuesUntilSlotFrees(t *testing.T) {
	m, ctrl, h := testManager(t, func(c *bthost.Config) { c.AcceptlistSize = 1 })

	m.BackgroundAdd(1, addrA)
	m.BackgroundAdd(1, addrB)
	flush(h)
	assert.True(t, m.Acceptlisted(addrA))
	assert.False(t, m.Acceptlisted(addrB), "second address waits for a slot")
	require.Eventually(t, func() bool { return ctrl.sentOfType(isAdd) == 1 }, time.Second, 5*time.Millisecond)

	// the controller reclaims the slot itself when the connection lands
	m.OnConnected(addrA)
	flush(h)
	assert.True(t, m.Acceptlisted(addrB))
	require.Eventually(t, func() bool { return ctrl.sentOfType(isAdd) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ctrl.sentOfType(isRemove))

	m.OnDisconnected(addrA)
	flush(h)
	assert.False(t, m.Acceptlisted(addrA), "no free slot after the disconnect")
}

func TestOverlappingDirectAddsEachGetAnAttempt(t *testing.T) {
	m, ctrl, h := testManager(t, nil)

	assert.True(t, m.DirectAdd(1, addrA))
	assert.True(t, m.DirectAdd(2, addrB))
	flush(h)

	// one create-connection slot: addrB waits behind addrA's attempt
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCreate) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, hci.AddrToWire(addrA), ctrl.createPeers()[0])

	m.OnConnected(addrA)
	flush(h)
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCreate) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, hci.AddrToWire(addrB), ctrl.createPeers()[1])
}

func TestDirectRemoveHandsAttemptToWaiter(t *testing.T) {
	m, ctrl, h := testManager(t, nil)

	m.DirectAdd(1, addrA)
	m.DirectAdd(2, addrB)
	flush(h)
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCreate) == 1 }, time.Second, 5*time.Millisecond)

	// dropping the in-flight attempt cancels it, then addrB takes the slot
	m.DirectRemove(1, addrA)
	flush(h)
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCancel) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ctrl.sentOfType(isCreate) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, hci.AddrToWire(addrB), ctrl.createPeers()[1])
}

func TestAppDeregistrationCancelsEverything(t *testing.T) {
	m, ctrl, h := testManager(t, func(c *bthost.Config) {
		c.DirectConnectTimeout = 30 * time.Millisecond
	})

	fired := make(chan struct{}, 1)
	m.SetTimeoutHook(func(bthost.AppID, bthost.Addr) { fired <- struct{}{} })

	m.DirectAdd(7, addrA)
	m.BackgroundAdd(7, addrB)
	flush(h)
	assert.True(t, m.Acceptlisted(addrA))
	assert.True(t, m.Acceptlisted(addrB))

	m.OnAppDeregistered(7)
	flush(h)
	assert.False(t, m.Acceptlisted(addrA))
	assert.False(t, m.Acceptlisted(addrB))
	require.Eventually(t, func() bool { return ctrl.sentOfType(isRemove) == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("timeout hook fired after deregistration")
	default:
	}
}
