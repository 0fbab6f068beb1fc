package wire

import (
	"bufio"
	"errors"
	"io"
	"sync"

	wslog "github.com/cockpit-ws/cockpitwsd/pkg/log"
	"github.com/cockpit-ws/cockpitwsd/pkg/pipe"
)

var log = wslog.ForService("wire")

// Transport is the capability a Session needs from a bridge connection: send
// a framed message and close it, and be told when a frame arrives or the
// connection has gone away. This replaces the virtual base class the
// reference implementation uses for the same role (spec.md §9's
// "capability interfaces instead of virtual dispatch").
type Transport interface {
	Send(channel string, payload []byte) error
	Close(reason string)

	// SetOnRecv/SetOnClosed register the single observer the owning Session
	// keeps for this transport's lifetime.
	SetOnRecv(func(channel string, payload []byte))
	SetOnClosed(func(reason string))
}

// FramedTransport is a Transport implemented over a pkg/pipe.Pipe: it
// buffers and decodes the length-prefixed frame stream from the pipe's raw
// byte stream and exposes whole Frames to its observer.
type FramedTransport struct {
	p *pipe.Pipe

	mu       sync.Mutex
	onRecv   func(channel string, payload []byte)
	onClosed func(reason string)

	pr     *io.PipeReader
	pw     *io.PipeWriter
	reader *bufio.Reader
}

// NewFramedTransport wraps p, starting a background decode loop that feeds
// complete frames to the registered OnRecv observer. p must not yet be
// started (FramedTransport calls p.Start itself once its own read-side
// plumbing is wired).
func NewFramedTransport(p *pipe.Pipe) *FramedTransport {
	pr, pw := io.Pipe()
	t := &FramedTransport{
		p:      p,
		pr:     pr,
		pw:     pw,
		reader: bufio.NewReaderSize(pr, 64*1024),
	}

	p.OnRead = func(buf []byte, eof bool) {
		if eof {
			_ = pw.Close()
			return
		}
		if _, err := pw.Write(buf); err != nil {
			log.Debugf("decode pipe closed: %v", err)
		}
	}
	p.OnClose = func(reason string) {
		t.mu.Lock()
		cb := t.onClosed
		t.mu.Unlock()
		if cb != nil {
			cb(reason)
		}
	}

	go t.decodeLoop()
	p.Start()

	return t
}

func (t *FramedTransport) decodeLoop() {
	for {
		f, err := ReadFrame(t.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warnf("frame decode error: %v", err)
			}
			return
		}
		t.mu.Lock()
		cb := t.onRecv
		t.mu.Unlock()
		if cb != nil {
			cb(f.Channel, f.Payload)
		}
	}
}

// Send writes one frame. Safe for concurrent use; the underlying Pipe
// serializes writes in enqueue order.
func (t *FramedTransport) Send(channel string, payload []byte) error {
	return t.p.Write(Encode(Frame{Channel: channel, Payload: payload}))
}

// Close tears down the underlying pipe with reason.
func (t *FramedTransport) Close(reason string) {
	t.p.Close(reason)
}

func (t *FramedTransport) SetOnRecv(f func(channel string, payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecv = f
}

func (t *FramedTransport) SetOnClosed(f func(reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = f
}

// ExitStatus exposes the owned bridge process's exit status, if any.
func (t *FramedTransport) ExitStatus() (pipe.ExitStatus, bool) {
	return t.p.ExitStatus()
}

var _ Transport = (*FramedTransport)(nil)
