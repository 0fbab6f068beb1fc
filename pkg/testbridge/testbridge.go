// Package testbridge is an in-process double for the cockpit-bridge side of
// the wire protocol: something that implements wire.Transport without a real
// child process or secure-shell connection behind it, so tests elsewhere in
// the tree can exercise pkg/session (and anything built on it) against a
// scripted bridge instead of a spawned one.
package testbridge

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ProtocolVersion mirrors pkg/session.ProtocolVersion; duplicated rather than
// imported so this package stays free to be imported from pkg/session's own
// tests without a cycle.
const ProtocolVersion = 0

// Frame is one recorded (channel, payload) pair the session sent to the
// bridge side.
type Frame struct {
	Channel string
	Payload []byte
}

// OpenHandler decides how the mock bridge reacts to a channel the session
// asked it to open: it may call b.Emit to push payload frames, or b.Close /
// b.CloseChannel to end things, all from its own goroutine if it wants to
// simulate asynchronous delivery.
type OpenHandler func(b *Bridge, channel string, fields map[string]any)

// Bridge is a scriptable wire.Transport. The zero value is not usable; build
// one with New.
type Bridge struct {
	mu          sync.Mutex
	onRecv      func(channel string, payload []byte)
	onClosed    func(reason string)
	closed      bool
	sent        []Frame
	onOpen      OpenHandler
	autoInit    bool
	initVersion int
}

// New constructs a Bridge. When autoInit is true, the bridge answers the
// session's initial "init" control frame with its own "init" immediately
// (the common case); set it false to test handshake-gating by sending the
// bridge's init manually via RecvControl.
func New(autoInit bool) *Bridge {
	return &Bridge{autoInit: autoInit, initVersion: ProtocolVersion}
}

// OnOpen registers the handler invoked for every "open" the session forwards.
func (b *Bridge) OnOpen(h OpenHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpen = h
}

// Send implements wire.Transport: the session calls this to hand the mock
// bridge a frame. channel == "" is a control frame.
func (b *Bridge) Send(channel string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("testbridge: send on closed bridge")
	}
	b.sent = append(b.sent, Frame{channel, append([]byte(nil), payload...)})
	autoInit := b.autoInit
	initVersion := b.initVersion
	onOpen := b.onOpen
	b.mu.Unlock()

	if channel != "" {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}
	cmd, _ := m["command"].(string)

	switch cmd {
	case "init":
		if autoInit {
			b.RecvControl(map[string]any{"command": "init", "version": initVersion})
		}
	case "open":
		id, _ := m["channel"].(string)
		if onOpen != nil {
			go onOpen(b, id, m)
		}
	}
	return nil
}

// SentFrames returns every frame the session has sent so far.
func (b *Bridge) SentFrames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.sent...)
}

// Emit delivers a payload frame on channel as if the bridge produced it.
func (b *Bridge) Emit(channel string, payload []byte) {
	b.mu.Lock()
	cb := b.onRecv
	b.mu.Unlock()
	if cb != nil {
		cb(channel, payload)
	}
}

// CloseChannel delivers a control "close" for one channel, the mock-bridge
// equivalent of the real bridge ending a single resource/exec channel.
func (b *Bridge) CloseChannel(channel, reason string) {
	b.RecvControl(map[string]any{"command": "close", "channel": channel, "reason": reason})
}

// RecvControl delivers an arbitrary control frame from the bridge side.
func (b *Bridge) RecvControl(fields map[string]any) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	b.Emit("", payload)
}

// Close tears the mock bridge down as if the transport (process exit,
// secure-shell disconnect) went away, delivering reason to the owning
// Session exactly once.
func (b *Bridge) Close(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cb := b.onClosed
	b.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

func (b *Bridge) SetOnRecv(f func(channel string, payload []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRecv = f
}

func (b *Bridge) SetOnClosed(f func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClosed = f
}
