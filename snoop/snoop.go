// Package snoop captures HCI traffic in btsnoop format with optional
// payload filtering, file rotation and a live TCP stream.
package snoop

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
	"github.com/blewire/bthost/hci"
	"github.com/blewire/bthost/l2cap"
)

const (
	recordQueueLen = 256
	snoozRingSize  = 256
	clientQueueLen = 64
)

// Logger is the capture sink. It satisfies hci.Capture; frames arrive on
// transport goroutines and are handed to a dedicated writer over a bounded
// queue, so the capture path never blocks on disk or socket.
type Logger struct {
	cfg    bthost.Config
	log    bthost.Logger
	filter *filter

	drops uint32 // cumulative queue overflow, atomic

	snoozMu sync.Mutex
	snooz   []Record
	snoozAt int

	runMu   sync.RWMutex
	running bool
	recs    chan Record

	wg   sync.WaitGroup
	ln   net.Listener
	path string

	clientMu sync.Mutex
	client   chan []byte
}

func NewLogger(cfg bthost.Config, log bthost.Logger) *Logger {
	return &Logger{
		cfg:    cfg,
		log:    log.ChildLogger(map[string]interface{}{"pkg": "snoop"}),
		filter: newFilter(cfg),
	}
}

// Start opens the capture file and the live listener. With SnoopDisabled
// only the in-memory ring stays active and Start is a no-op.
func (l *Logger) Start(path string) error {
	if l.cfg.SnoopMode == bthost.SnoopDisabled {
		return nil
	}
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return bthost.ErrInvalidArgument
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "snoop file")
	}
	if _, err := f.Write(fileHeader()); err != nil {
		f.Close()
		return errors.Wrap(err, "snoop header")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.cfg.SnoopLivePort))
	if err != nil {
		l.log.Warnf("snoop: live listener: %v", err)
		ln = nil
	}

	l.path = path
	l.ln = ln
	l.recs = make(chan Record, recordQueueLen)
	l.running = true

	l.wg.Add(1)
	go l.writeLoop(f)
	if ln != nil {
		l.wg.Add(1)
		go l.acceptLoop(ln)
	}
	return nil
}

// Stop drains the queue, closes the file and drops any live client.
func (l *Logger) Stop() {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		return
	}
	l.running = false
	close(l.recs)
	if l.ln != nil {
		l.ln.Close()
	}
	l.runMu.Unlock()

	l.clientMu.Lock()
	if l.client != nil {
		close(l.client)
		l.client = nil
	}
	l.clientMu.Unlock()

	l.wg.Wait()
}

// Capture implements hci.Capture. The ring always records; the file and
// live stream only while started.
func (l *Logger) Capture(dir hci.Direction, frame []byte) {
	rec := Record{
		OriginalLen: uint32(len(frame)),
		Flags:       recordFlags(dir == hci.DirReceived, frame),
		Drops:       atomic.LoadUint32(&l.drops),
		TimestampUS: nowTimestampUS(),
		Payload:     append([]byte(nil), frame...),
	}

	if l.cfg.SnoopMode == bthost.SnoopFiltered {
		switch v, keep := l.filter.apply(dir == hci.DirReceived, frame); v {
		case verdictDrop:
			return
		case verdictTruncate:
			rec.Payload = append(rec.Payload[:keep], prohibited...)
		}
	}

	l.snoozPush(rec)

	l.runMu.RLock()
	defer l.runMu.RUnlock()
	if !l.running {
		return
	}
	select {
	case l.recs <- rec:
	default:
		atomic.AddUint32(&l.drops, 1)
	}
}

// OnChannelEvent feeds L2CAP channel lifecycle into the filter tables. Wire
// it with Mux.SetEventHook.
func (l *Logger) OnChannelEvent(ev l2cap.ChannelEvent) {
	l.filter.OnChannelEvent(ev)
}

func (l *Logger) snoozPush(rec Record) {
	l.snoozMu.Lock()
	if len(l.snooz) < snoozRingSize {
		l.snooz = append(l.snooz, rec)
	} else {
		l.snooz[l.snoozAt] = rec
		l.snoozAt = (l.snoozAt + 1) % snoozRingSize
	}
	l.snoozMu.Unlock()
}

// Snooz serializes the in-memory ring as a complete btsnoop blob, oldest
// record first.
func (l *Logger) Snooz() []byte {
	l.snoozMu.Lock()
	defer l.snoozMu.Unlock()
	b := fileHeader()
	for i := 0; i < len(l.snooz); i++ {
		b = appendRecord(b, l.snooz[(l.snoozAt+i)%len(l.snooz)])
	}
	return b
}

func (l *Logger) writeLoop(f *os.File) {
	defer l.wg.Done()
	count := 0
	for rec := range l.recs {
		b := appendRecord(nil, rec)
		if _, err := f.Write(b); err != nil {
			l.log.Errorf("snoop: write: %v", err)
		}
		l.publish(b)
		count++
		if count >= l.cfg.SnoopMaxPacketsPerFile {
			nf, err := l.rotate(f)
			if err != nil {
				l.log.Errorf("snoop: rotate: %v", err)
			} else {
				f = nf
			}
			count = 0
		}
	}
	f.Close()
}

// rotate renames the full file to .last and reopens a fresh one with only
// the file header, displacing any previous .last.
func (l *Logger) rotate(f *os.File) (*os.File, error) {
	if err := f.Close(); err != nil {
		return f, err
	}
	if err := os.Rename(l.path, l.path+".last"); err != nil {
		return nil, err
	}
	nf, err := os.Create(l.path)
	if err != nil {
		return nil, err
	}
	if _, err := nf.Write(fileHeader()); err != nil {
		nf.Close()
		return nil, err
	}
	return nf, nil
}

func (l *Logger) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		l.clientMu.Lock()
		if l.client != nil {
			l.clientMu.Unlock()
			conn.Close()
			continue
		}
		out := make(chan []byte, clientQueueLen)
		l.client = out
		l.clientMu.Unlock()

		l.wg.Add(1)
		go l.serveClient(conn, out)
	}
}

func (l *Logger) serveClient(conn net.Conn, out chan []byte) {
	defer l.wg.Done()
	defer conn.Close()
	if _, err := conn.Write(fileHeader()); err != nil {
		l.dropClient(out)
		return
	}
	for b := range out {
		if _, err := conn.Write(b); err != nil {
			l.dropClient(out)
			return
		}
	}
}

func (l *Logger) dropClient(out chan []byte) {
	l.clientMu.Lock()
	if l.client == out {
		l.client = nil
	}
	l.clientMu.Unlock()
	// discard anything queued before the client slot was cleared
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// publish hands the encoded record to the live client. Full outbox means
// the client is slow and the record is dropped for it.
func (l *Logger) publish(b []byte) {
	l.clientMu.Lock()
	defer l.clientMu.Unlock()
	if l.client == nil {
		return
	}
	select {
	case l.client <- b:
	default:
	}
}
