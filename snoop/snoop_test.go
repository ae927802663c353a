package snoop

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/l2cap"
)

var nextPort = 18872

func testLogger(t *testing.T, mod func(*bthost.Config)) (*Logger, string) {
	t.Helper()
	dir, err := ioutil.TempDir("", "snoop")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := bthost.DefaultConfig()
	cfg.SnoopMode = bthost.SnoopFull
	cfg.SnoopLivePort = nextPort
	nextPort++
	if mod != nil {
		mod(&cfg)
	}
	l := NewLogger(cfg, bthost.GetLogger())
	path := filepath.Join(dir, "pkt.btsnoop")
	require.NoError(t, l.Start(path))
	t.Cleanup(l.Stop)
	return l, path
}

// aclFrame builds a complete H4 ACL data frame addressed to cid.
func aclFrame(handle, cid uint16, payload []byte) []byte {
	b := make([]byte, 9+len(payload))
	b[0] = 0x02
	binary.LittleEndian.PutUint16(b[1:], handle)
	binary.LittleEndian.PutUint16(b[3:], uint16(4+len(payload)))
	binary.LittleEndian.PutUint16(b[5:], uint16(len(payload)))
	binary.LittleEndian.PutUint16(b[7:], cid)
	copy(b[9:], payload)
	return b
}

// aclCont builds a continuation fragment, which carries no L2CAP header.
func aclCont(handle uint16, payload []byte) []byte {
	b := make([]byte, 5+len(payload))
	b[0] = 0x02
	binary.LittleEndian.PutUint16(b[1:], handle|uint16(hci.PbfContinuing)<<12)
	binary.LittleEndian.PutUint16(b[3:], uint16(len(payload)))
	copy(b[5:], payload)
	return b
}

func open(psm bthost.PSM, local, remote uint16) l2cap.ChannelEvent {
	return l2cap.ChannelEvent{Opened: true, Handle: 0x0001, PSM: psm, LocalCID: local, RemoteCID: remote}
}

func readAll(t *testing.T, path string) (int, []Record) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, ReadHeader(f))
	var recs []Record
	for {
		rec, err := ReadRecord(f)
		if err != nil {
			break
		}
		recs = append(recs, rec)
	}
	return fileHeaderLen, recs
}

func TestFileHeaderLiteral(t *testing.T) {
	l, path := testLogger(t, nil)
	l.Stop()

	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	want := append([]byte("btsnoop\x00"), 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x03, 0xea)
	assert.Equal(t, want, b)
}

func TestFullModeRecordRoundtrip(t *testing.T) {
	l, path := testLogger(t, nil)
	frame := aclFrame(0x0001, 0x0040, bytes.Repeat([]byte{0x5a}, 12))
	l.Capture(hci.DirReceived, frame)
	l.Capture(hci.DirSent, []byte{0x01, 0x03, 0x0c, 0x00}) // Reset command
	l.Stop()

	_, recs := readAll(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, frame, recs[0].Payload)
	assert.True(t, recs[0].Received())
	assert.Equal(t, uint32(0x02), recs[1].Flags, "commands carry the channel flag")
	assert.WithinDuration(t, time.Now(), recs[0].Time(), time.Minute)
}

func TestFilteredA2DPMediaDropped(t *testing.T) {
	l, path := testLogger(t, func(c *bthost.Config) {
		c.SnoopMode = bthost.SnoopFiltered
		c.FilterA2DP = true
	})
	// first AVDTP channel signals, the second carries media
	l.OnChannelEvent(open(bthost.PSMAVDTP, 0x0040, 0x0050))
	l.OnChannelEvent(open(bthost.PSMAVDTP, 0x0041, 0x0051))

	l.Capture(hci.DirReceived, aclFrame(0x0001, 0x0041, bytes.Repeat([]byte{0xaa}, 60)))
	l.Stop()

	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fileHeaderLen, len(b), "media frame leaves no record")
}

func TestFilteredA2DPSignalingKept(t *testing.T) {
	l, path := testLogger(t, func(c *bthost.Config) {
		c.SnoopMode = bthost.SnoopFiltered
		c.FilterA2DP = true
	})
	l.OnChannelEvent(open(bthost.PSMAVDTP, 0x0040, 0x0050))

	frame := aclFrame(0x0001, 0x0040, []byte{0x00, 0x01})
	l.Capture(hci.DirSent, frame)
	l.Stop()

	_, recs := readAll(t, path)
	require.Len(t, recs, 1)
	assert.Equal(t, frame, recs[0].Payload)
}

func TestFilteredMediaFragmentsDropped(t *testing.T) {
	l, path := testLogger(t, func(c *bthost.Config) {
		c.SnoopMode = bthost.SnoopFiltered
		c.FilterA2DP = true
	})
	l.OnChannelEvent(open(bthost.PSMAVDTP, 0x0040, 0x0050))
	l.OnChannelEvent(open(bthost.PSMAVDTP, 0x0041, 0x0051))

	// media PDU split across two ACL fragments, neither may surface
	l.Capture(hci.DirReceived, aclFrame(0x0001, 0x0041, bytes.Repeat([]byte{0xaa}, 30)))
	l.Capture(hci.DirReceived, aclCont(0x0001, bytes.Repeat([]byte{0xbb}, 30)))
	// signaling PDU in the other direction interleaves untouched
	sig := aclFrame(0x0001, 0x0040, []byte{0x00, 0x01})
	l.Capture(hci.DirSent, sig)
	l.Stop()

	_, recs := readAll(t, path)
	require.Len(t, recs, 1)
	assert.Equal(t, sig, recs[0].Payload)
}

func TestTruncatedPayloadMarkedProhibited(t *testing.T) {
	l, path := testLogger(t, func(c *bthost.Config) {
		c.SnoopMode = bthost.SnoopFiltered
		c.FilterHeadersOnly = true
	})
	l.OnChannelEvent(open(psmPBAP, 0x0042, 0x0052))

	frame := aclFrame(0x0001, 0x0042, bytes.Repeat([]byte{0x33}, 40))
	l.Capture(hci.DirSent, frame)
	// the marker stands in for the whole payload, continuations add nothing
	l.Capture(hci.DirSent, aclCont(0x0001, bytes.Repeat([]byte{0x44}, 40)))
	l.Stop()

	_, recs := readAll(t, path)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(len(frame)), recs[0].OriginalLen)
	assert.Less(t, len(recs[0].Payload), len(frame))
	assert.Equal(t, frame[:9], recs[0].Payload[:9], "transport and channel headers survive")
	assert.True(t, bytes.HasSuffix(recs[0].Payload, []byte("PROHIBITED")))
}

func TestRFCOMMDLCIAllowlist(t *testing.T) {
	l, path := testLogger(t, func(c *bthost.Config) {
		c.SnoopMode = bthost.SnoopFiltered
		c.FilterHeadersOnly = true
		c.FilterRFCOMMDLCIAllowlist = []uint8{2}
	})
	l.OnChannelEvent(open(bthost.PSMRFCOMM, 0x0043, 0x0053))

	allowed := aclFrame(0x0001, 0x0043, append([]byte{2<<2 | 0x03}, bytes.Repeat([]byte{0x11}, 20)...))
	blocked := aclFrame(0x0001, 0x0043, append([]byte{4<<2 | 0x03}, bytes.Repeat([]byte{0x22}, 20)...))
	l.Capture(hci.DirSent, allowed)
	l.Capture(hci.DirSent, blocked)
	l.Stop()

	_, recs := readAll(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, allowed, recs[0].Payload)
	assert.True(t, bytes.HasSuffix(recs[1].Payload, []byte("PROHIBITED")))
}

func TestRotationKeepsPriorFileWhole(t *testing.T) {
	l, path := testLogger(t, func(c *bthost.Config) {
		c.SnoopMaxPacketsPerFile = 2
	})
	l.Capture(hci.DirSent, []byte{0x01, 0x03, 0x0c, 0x00})
	l.Capture(hci.DirReceived, []byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00})
	l.Stop()

	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fileHeaderLen, len(b), "active file restarts at the header")

	_, recs := readAll(t, path+".last")
	assert.Len(t, recs, 2)
}

func TestSnoozRingSurvivesDisabledMode(t *testing.T) {
	cfg := bthost.DefaultConfig()
	l := NewLogger(cfg, bthost.GetLogger())
	require.NoError(t, l.Start("/nonexistent/ignored"), "disabled mode skips the file")

	frame := []byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00}
	l.Capture(hci.DirReceived, frame)

	r := bytes.NewReader(l.Snooz())
	require.NoError(t, ReadHeader(r))
	rec, err := ReadRecord(r)
	require.NoError(t, err)
	assert.Equal(t, frame, rec.Payload)
}

func TestLiveStreamDeliversHeaderThenRecords(t *testing.T) {
	l, _ := testLogger(t, nil)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.cfg.SnoopLivePort))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, ReadHeader(conn))

	frame := aclFrame(0x0001, 0x0040, []byte{0x01, 0x02, 0x03})
	l.Capture(hci.DirSent, frame)

	rec, err := ReadRecord(conn)
	require.NoError(t, err)
	assert.Equal(t, frame, rec.Payload)
}
