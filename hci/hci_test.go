package hci

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci/cmd"
	"github.com/blewire/bthost/hci/evt"
)

// fakeSkt scripts a controller behind the transport seam. Commands written
// to it are answered with canned Command Complete frames unless their
// opcode is silenced; tests inject other events with deliver.
type fakeSkt struct {
	mu     sync.Mutex
	wrote  [][]byte
	silent map[uint16]bool

	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSkt() *fakeSkt {
	return &fakeSkt{
		silent: make(map[uint16]bool),
		rx:     make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (s *fakeSkt) Read(p []byte) (int, error) {
	select {
	case f := <-s.rx:
		return copy(p, f), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeSkt) Write(p []byte) (int, error) {
	frame := append([]byte(nil), p...)
	s.mu.Lock()
	s.wrote = append(s.wrote, frame)
	s.mu.Unlock()

	if frame[0] == PktTypeCommand {
		opcode := binary.LittleEndian.Uint16(frame[1:3])
		s.mu.Lock()
		quiet := s.silent[opcode]
		s.mu.Unlock()
		if !quiet {
			s.deliver(commandComplete(opcode, cannedParams(opcode)))
		}
	}
	return len(p), nil
}

func (s *fakeSkt) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSkt) deliver(frame []byte) { s.rx <- frame }

func (s *fakeSkt) setSilent(opcode uint16, quiet bool) {
	s.mu.Lock()
	s.silent[opcode] = quiet
	s.mu.Unlock()
}

func (s *fakeSkt) cmdWrites(opcode uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.wrote {
		if f[0] == PktTypeCommand && binary.LittleEndian.Uint16(f[1:3]) == opcode {
			n++
		}
	}
	return n
}

func (s *fakeSkt) aclWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.wrote {
		if f[0] == PktTypeACLData {
			n++
		}
	}
	return n
}

func commandComplete(opcode uint16, params []byte) []byte {
	b := []byte{PktTypeEvent, evt.CommandCompleteCode, byte(3 + len(params)), 0x01}
	b = append(b, byte(opcode), byte(opcode>>8))
	return append(b, params...)
}

func commandStatus(opcode uint16, status uint8) []byte {
	return []byte{PktTypeEvent, evt.CommandStatusCode, 4, status, 0x01, byte(opcode), byte(opcode >> 8)}
}

// cannedParams shapes the init sequence: bdaddr, LMP 5.2, two 27-byte ACL
// buffers, no dedicated LE buffers, acceptlist of 8.
func cannedParams(opcode uint16) []byte {
	switch opcode {
	case 0x1009: // Read BD_ADDR
		return []byte{0x00, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	case 0x1001: // Read Local Version Information
		return []byte{0x00, 0x0b, 0x00, 0x00, 0x0b, 0x0f, 0x00, 0x00, 0x00}
	case 0x1005: // Read Buffer Size
		return []byte{0x00, 27, 0x00, 0x00, 2, 0x00, 0x00, 0x00}
	case 0x2002: // LE Read Buffer Size
		return []byte{0x00, 0x00, 0x00, 0x00}
	case 0x200f: // LE Read Filter Accept List Size
		return []byte{0x00, 8}
	}
	return []byte{0x00}
}

func testHCI(t *testing.T, mod func(*bthost.Config)) (*HCI, *fakeSkt) {
	t.Helper()
	skt := newFakeSkt()
	cfg := bthost.DefaultConfig()
	if mod != nil {
		mod(&cfg)
	}
	h := NewHCI(skt, cfg, bthost.GetLogger())
	require.NoError(t, h.Init())
	t.Cleanup(func() { h.Close() })
	return h, skt
}

func TestInitLearnsControllerLimits(t *testing.T) {
	h, _ := testHCI(t, nil)

	assert.Equal(t, "11:22:33:44:55:66", h.Addr().String())
	assert.Equal(t, uint8(0x0b), h.LMPVersion())
	assert.Equal(t, 27, h.BufSize())
	assert.Equal(t, 2, h.Pool().Cap())
	assert.Equal(t, 8, h.AcceptlistSize())
}

func TestCommandCompletionRestoresCredit(t *testing.T) {
	h, _ := testHCI(t, nil)

	// each completion grants one credit back, so sequential sends never
	// exhaust the window
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Send(&cmd.Reset{}, nil))
	}
}

func TestSendAsyncDeliversResult(t *testing.T) {
	h, _ := testHCI(t, nil)

	done := make(chan CommandResult, 1)
	h.SendAsync(&cmd.Reset{}, done)

	select {
	case res := <-done:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("async command never completed")
	}
}

func TestDuplicateOpcodeRejectedWhilePending(t *testing.T) {
	h, skt := testHCI(t, nil)

	opcode := uint16((&cmd.Reset{}).OpCode())
	skt.setSilent(opcode, true)

	first := make(chan error, 1)
	go func() { first <- h.Send(&cmd.Reset{}, nil) }()

	require.Eventually(t, func() bool {
		return h.checkOpCodeFree(int(opcode)) != nil
	}, time.Second, time.Millisecond)

	err := h.Send(&cmd.Reset{}, nil)
	require.Error(t, err)

	skt.deliver(commandComplete(opcode, []byte{0x00}))
	require.NoError(t, <-first)
}

func TestCommandTimeoutIsSyntheticAndRecoverable(t *testing.T) {
	h, skt := testHCI(t, func(c *bthost.Config) {
		c.CommandTimeout = 50 * time.Millisecond
	})

	opcode := uint16((&cmd.Reset{}).OpCode())
	skt.setSilent(opcode, true)
	err := h.Send(&cmd.Reset{}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusTransactionTimeout, err)

	// the synthetic completion restored the credit
	skt.setSilent(opcode, false)
	require.NoError(t, h.Send(&cmd.Reset{}, nil))
}

func TestTransportDeathUnblocksSenders(t *testing.T) {
	h, skt := testHCI(t, func(c *bthost.Config) {
		c.CommandTimeout = 10 * time.Second
	})

	resetOp := uint16((&cmd.Reset{}).OpCode())
	skt.setSilent(resetOp, true)

	errs := make(chan error, 2)
	go func() { errs <- h.Send(&cmd.Reset{}, nil) }()
	require.Eventually(t, func() bool { return skt.cmdWrites(resetOp) == 1 }, time.Second, time.Millisecond)
	go func() { errs <- h.Send(&cmd.ReadBDADDR{}, nil) }()

	// the controller vanishes while one command holds the credit and the
	// other waits for it
	skt.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("sender still blocked after transport death")
		}
	}
}

func TestACLBackpressureAndCompletedPackets(t *testing.T) {
	h, skt := testHCI(t, nil)

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, h.SendACL(0x0042, PbfCompleteL2CAPPDU, payload))
	require.NoError(t, h.SendACL(0x0042, PbfCompleteL2CAPPDU, payload))
	assert.Equal(t, bthost.ErrNoResources, h.SendACL(0x0042, PbfCompleteL2CAPPDU, payload))
	assert.Equal(t, 2, skt.aclWrites())

	// Number Of Completed Packets: 1 handle, handle 0x0042, 2 packets
	skt.deliver([]byte{PktTypeEvent, evt.NumberOfCompletedPacketsCode, 5, 1, 0x42, 0x00, 2, 0x00})
	require.Eventually(t, func() bool {
		return h.SendACL(0x0042, PbfCompleteL2CAPPDU, payload) == nil
	}, time.Second, time.Millisecond)
}

func TestDropConnectionRestoresCredits(t *testing.T) {
	h, _ := testHCI(t, nil)

	payload := []byte{0xff}
	require.NoError(t, h.SendACL(0x0042, PbfCompleteL2CAPPDU, payload))
	require.NoError(t, h.SendACL(0x0042, PbfCompleteL2CAPPDU, payload))
	require.Equal(t, 0, h.Pool().Free())

	h.DropConnection(0x0042)
	assert.Equal(t, 2, h.Pool().Free())
}

func TestCorruptFrameDropsButStackSurvives(t *testing.T) {
	h, skt := testHCI(t, nil)

	errs := make(chan error, 4)
	h.SetErrorHandler(func(err error) { errs <- err })

	skt.deliver([]byte{0xab, 0xcd, 0xef})
	select {
	case err := <-errs:
		assert.Equal(t, bthost.CategoryTransport, bthost.Categorize(err))
	case <-time.After(time.Second):
		t.Fatal("corrupt frame never reported")
	}

	require.NoError(t, h.Send(&cmd.Reset{}, nil))
}

func TestSendExpectEventCompletesOnTerminal(t *testing.T) {
	h, skt := testHCI(t, nil)

	c := &cmd.CreateConnection{}
	opcode := uint16(c.OpCode())
	skt.setSilent(opcode, true)

	done := make(chan []byte, 1)
	go func() {
		params, err := h.SendExpectEvent(c, evt.ConnectionCompleteCode, time.Second)
		require.NoError(t, err)
		done <- params
	}()

	// status first, then the terminal event carries the real result
	time.Sleep(10 * time.Millisecond)
	skt.deliver(commandStatus(opcode, 0x00))
	terminal := append([]byte{PktTypeEvent, evt.ConnectionCompleteCode, 11}, make([]byte, 11)...)
	terminal[3+1] = 0x42 // handle
	skt.deliver(terminal)

	select {
	case params := <-done:
		assert.Equal(t, uint16(0x0042), evt.ConnectionComplete(params).ConnectionHandle())
	case <-time.After(time.Second):
		t.Fatal("terminal event never completed the command")
	}
}
