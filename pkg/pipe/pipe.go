// Package pipe implements the Framed Pipe component (SPEC_FULL.md §4.A): a
// bidirectional byte stream with independent half-close, queued writes, and
// optional ownership of a child process whose stdio it adopts.
//
// The source this daemon is modeled on drives a single-threaded, non-blocking
// event loop over a platform poll primitive. Go's runtime scheduler already
// multiplexes goroutines over a small number of OS threads without blocking
// the program, so a Pipe is implemented as a pair of goroutines (one per
// direction) communicating over channels rather than a manual poll loop;
// SPEC_FULL.md §5 documents this substitution. The observable contract —
// ordered writes, a single on_close, SIGTERM-then-wait teardown — is
// unchanged.
package pipe

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	wslog "github.com/cockpit-ws/cockpitwsd/pkg/log"
)

var log = wslog.ForService("pipe")

// minChunk is the smallest read buffer a Pipe will use (spec.md §4.A: "1 KiB
// minimum").
const minChunk = 4096

// ErrClosed is returned by Write after a reasoned Close has been requested.
var ErrClosed = errors.New("pipe: write after close")

// Pipe is a non-blocking duplex byte stream, optionally backed by a child
// process whose exit this Pipe waits for before firing OnClose.
// processHandle is satisfied by every owned-process backend (local exec.Cmd,
// remote SSH session) so Pipe can terminate and query exit status uniformly.
type processHandle interface {
	terminate()
	result() (ExitStatus, bool)
}

type Pipe struct {
	rwc  io.ReadWriteCloser
	proc processHandle // nil when this Pipe owns no subprocess

	// OnRead is invoked from the Pipe's internal reader goroutine for every
	// chunk read from the peer, and once more with eof=true when no further
	// input will arrive. Set before Start.
	OnRead func(buf []byte, eof bool)

	// OnClose fires exactly once, after input EOF (or a hard error), the end
	// of the output side (a drained graceful Close, a reasoned Close, or a
	// write error) and child exit (if any) have all been observed. reason is
	// "" for a clean shutdown. Set before Start.
	OnClose func(reason string)

	mu           sync.Mutex
	writeQueue   [][]byte
	closeReason  *string // set once Close(reason) or Close() is requested
	hardClose    bool    // Close(reason) was requested: drop queue, kill now
	writerWake   chan struct{}
	inputDone    bool
	outputDone   bool
	childDone    bool
	closeFired   bool
	writerExited bool
}

// New wraps an already-open duplex stream (e.g. a dialed socket).
func New(rwc io.ReadWriteCloser) *Pipe {
	return &Pipe{
		rwc:        rwc,
		writerWake: make(chan struct{}, 1),
	}
}

// Start launches the reader and writer goroutines. Call once OnRead/OnClose
// are assigned.
func (p *Pipe) Start() {
	go p.readLoop()
	go p.writeLoop()
}

// Write enqueues a non-empty byte slice for transmission in order. Zero
// length writes are a no-op. Returns ErrClosed if a reasoned Close has
// already been requested.
func (p *Pipe) Write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	p.mu.Lock()
	if p.hardClose {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.closeReason != nil {
		// A graceful close was requested; silently drop further writes
		// while awaiting drain+child exit, per spec.md §4.A.
		p.mu.Unlock()
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	p.writeQueue = append(p.writeQueue, cp)
	p.mu.Unlock()

	select {
	case p.writerWake <- struct{}{}:
	default:
	}
	return nil
}

// Close tears down the pipe. With reason set, teardown is immediate: the
// write queue is discarded and any child process is sent SIGTERM. With no
// reason, the pipe half-closes its output once the write queue drains and
// completes once the peer's input also reaches EOF.
func (p *Pipe) Close(reason string) {
	p.mu.Lock()
	if p.closeReason != nil {
		p.mu.Unlock()
		return
	}
	r := reason
	p.closeReason = &r
	if reason != "" {
		p.hardClose = true
		p.writeQueue = nil
	}
	p.mu.Unlock()

	if reason != "" {
		if p.proc != nil {
			p.proc.terminate()
		}
		_ = p.rwc.Close()
	}

	select {
	case p.writerWake <- struct{}{}:
	default:
	}
}

// ExitStatus returns the raw wait status of the owned child process, if any.
func (p *Pipe) ExitStatus() (status ExitStatus, ok bool) {
	if p.proc == nil {
		return ExitStatus{}, false
	}
	return p.proc.result()
}

func (p *Pipe) readLoop() {
	buf := make([]byte, minChunk)
	for {
		n, err := p.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if p.OnRead != nil {
				p.OnRead(chunk, false)
			}
		}
		if err != nil {
			if err == io.EOF {
				p.finishInput("")
				return
			}
			if isRetryable(err) {
				continue
			}
			log.Warnf("read error: %v", err)
			p.finishInput("internal-error")
			return
		}
		if n == 0 {
			p.finishInput("")
			return
		}
	}
}

func (p *Pipe) finishInput(errReason string) {
	if p.OnRead != nil {
		p.OnRead(nil, true)
	}
	p.mu.Lock()
	p.inputDone = true
	if errReason != "" && p.closeReason == nil {
		p.closeReason = &errReason
		p.hardClose = true
	}
	p.mu.Unlock()
	select {
	case p.writerWake <- struct{}{}:
	default:
	}
	p.maybeFireClose()
}

func (p *Pipe) writeLoop() {
	for {
		p.mu.Lock()
		for len(p.writeQueue) == 0 && p.closeReason == nil {
			p.mu.Unlock()
			<-p.writerWake
			p.mu.Lock()
		}
		if p.hardClose {
			p.mu.Unlock()
			p.finishOutput()
			return
		}
		// Take up to four queued buffers per pass, mirroring spec.md §4.A's
		// syscall batching; Go's io.Writer has no vector form here, so each
		// buffer in the batch is written with its own Write call.
		n := len(p.writeQueue)
		if n > 4 {
			n = 4
		}
		batch := p.writeQueue[:n]
		p.mu.Unlock()

		for _, buf := range batch {
			if _, err := p.rwc.Write(buf); err != nil {
				if isBrokenPipe(err) {
					log.Debugf("write: broken pipe")
				} else {
					log.Warnf("write error: %v", err)
				}
				p.mu.Lock()
				reason := "internal-error"
				if p.closeReason == nil {
					p.closeReason = &reason
				}
				p.hardClose = true
				p.mu.Unlock()
				p.finishOutput()
				return
			}
		}

		p.mu.Lock()
		p.writeQueue = p.writeQueue[n:]
		drained := len(p.writeQueue) == 0
		graceful := p.closeReason != nil && !p.hardClose
		p.mu.Unlock()

		if drained && graceful {
			p.finishOutput()
			return
		}
	}
}

func (p *Pipe) finishOutput() {
	p.mu.Lock()
	already := p.outputDone
	p.outputDone = true
	hard := p.hardClose
	p.mu.Unlock()
	if already {
		return
	}
	if !hard {
		// Half-close: shut down the write side only. Most transports here
		// are exec.Cmd stdio pipes or net.Conn; graceful half-close is
		// expressed by closing just the write half when supported.
		if hc, ok := p.rwc.(interface{ CloseWrite() error }); ok {
			_ = hc.CloseWrite()
		} else {
			_ = p.rwc.Close()
		}
	} else {
		_ = p.rwc.Close()
	}
	p.maybeFireClose()
}

func (p *Pipe) maybeFireClose() {
	p.mu.Lock()
	if p.closeFired {
		p.mu.Unlock()
		return
	}
	if !p.inputDone || !p.outputDone {
		p.mu.Unlock()
		return
	}
	if p.proc != nil && !p.childDone {
		p.mu.Unlock()
		return
	}
	p.closeFired = true
	reason := ""
	if p.closeReason != nil {
		reason = *p.closeReason
	}
	p.mu.Unlock()

	if p.OnClose != nil {
		p.OnClose(reason)
	}
}

func (p *Pipe) onChildExited() {
	p.mu.Lock()
	p.childDone = true
	p.mu.Unlock()
	p.maybeFireClose()
}

func isRetryable(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) && false // placeholder: no EAGAIN on Go's blocking Read
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE)
}
