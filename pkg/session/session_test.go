package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory wire.Transport double, letting tests drive
// and observe the bridge side without any real pipe.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentFrame
	onRecv   func(channel string, payload []byte)
	onClosed func(reason string)
	closed   string
}

type sentFrame struct {
	channel string
	payload []byte
}

func (f *fakeTransport) Send(channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{channel, append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	f.closed = reason
	cb := f.onClosed
	f.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

func (f *fakeTransport) SetOnRecv(cb func(channel string, payload []byte)) {
	f.mu.Lock()
	f.onRecv = cb
	f.mu.Unlock()
}

func (f *fakeTransport) SetOnClosed(cb func(reason string)) {
	f.mu.Lock()
	f.onClosed = cb
	f.mu.Unlock()
}

func (f *fakeTransport) recv(channel string, payload []byte) {
	f.mu.Lock()
	cb := f.onRecv
	f.mu.Unlock()
	cb(channel, payload)
}

func (f *fakeTransport) sentFrames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

// fakeWS is an in-memory wsConn double driven directly by tests instead of
// a real network socket.
type fakeWS struct {
	mu      sync.Mutex
	inbox   chan []byte
	outbox  []string // "channel\npayload" messages written by the session
	closed  bool
}

func newFakeWS() *fakeWS {
	return &fakeWS{inbox: make(chan []byte, 16)}
}

func (w *fakeWS) ReadMessage() (int, []byte, error) {
	msg, ok := <-w.inbox
	if !ok {
		return 0, nil, errClosedFake
	}
	return 1, msg, nil
}

func (w *fakeWS) WriteMessage(_ int, data []byte) error {
	w.mu.Lock()
	w.outbox = append(w.outbox, string(data))
	w.mu.Unlock()
	return nil
}

func (w *fakeWS) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.inbox)
	}
	w.mu.Unlock()
	return nil
}

func (w *fakeWS) send(channel, payload string) {
	w.inbox <- []byte(channel + "\n" + payload)
}

func (w *fakeWS) waitForMessage(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		w.mu.Lock()
		for _, m := range w.outbox {
			if m == want {
				w.mu.Unlock()
				return
			}
		}
		w.mu.Unlock()
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("never saw message %q; got %v", want, w.outbox)
		}
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errClosedFake = fakeErr("fake websocket closed")

func newTestSession() (*Session, *fakeTransport) {
	tr := &fakeTransport{}
	s := New(tr, &Credentials{User: "u", Password: "p"}, Config{})
	return s, tr
}

func TestHandshakeGating(t *testing.T) {
	s, tr := newTestSession()
	ws := newFakeWS()
	s.AttachSocket(ws)

	ws.waitForMessage(t, "\n"+string(initFrame(ProtocolVersion)))

	ws.send("", `{"command":"init","version":0}`)
	ws.send("", `{"command":"open","channel":"4","payload":"test-text"}`)
	ws.send("4", "payload-before-bridge-init")

	time.Sleep(20 * time.Millisecond)
	for _, f := range tr.sentFrames() {
		if f.channel == "4" {
			t.Fatalf("payload frame reached bridge before bridge init")
		}
	}

	tr.recv("", mustJSON(map[string]any{"command": "init", "version": 0}))

	time.Sleep(20 * time.Millisecond)
	found := false
	for _, f := range tr.sentFrames() {
		if f.channel == "4" {
			found = true
		}
	}
	if !found {
		t.Fatalf("queued payload frame was never flushed after bridge init")
	}
}

func TestVersionNegotiationRejectsBadVersion(t *testing.T) {
	s, _ := newTestSession()
	ws := newFakeWS()
	s.AttachSocket(ws)
	ws.waitForMessage(t, "\n"+string(initFrame(ProtocolVersion)))

	ws.send("", `{"command":"init","version":1}`)

	deadline := time.After(2 * time.Second)
	for {
		ws.mu.Lock()
		n := len(ws.outbox)
		ws.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("never saw protocol-error close")
		}
	}

	ws.mu.Lock()
	last := ws.outbox[len(ws.outbox)-1]
	ws.mu.Unlock()
	var decoded map[string]any
	_, payload, _ := parseWSMessage([]byte(last))
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decoding close frame: %v", err)
	}
	if decoded["reason"] != "protocol-error" {
		t.Fatalf("reason = %v, want protocol-error", decoded["reason"])
	}
}

func TestChannelRoutingAndIdempotentClose(t *testing.T) {
	s, tr := newTestSession()
	tr.recv("", mustJSON(map[string]any{"command": "init", "version": 0}))

	wsA := newFakeWS()
	wsB := newFakeWS()
	s.AttachSocket(wsA)
	s.AttachSocket(wsB)
	wsA.waitForMessage(t, "\n"+string(initFrame(ProtocolVersion)))
	wsB.waitForMessage(t, "\n"+string(initFrame(ProtocolVersion)))

	wsA.send("", `{"command":"init","version":0}`)
	wsB.send("", `{"command":"init","version":0}`)
	wsA.send("", `{"command":"open","channel":"4","payload":"test-text"}`)

	time.Sleep(20 * time.Millisecond)

	tr.recv("4", []byte("hello from bridge"))

	wsA.waitForMessage(t, "4\nhello from bridge")

	wsB.mu.Lock()
	for _, m := range wsB.outbox {
		if m == "4\nhello from bridge" {
			t.Fatalf("channel payload leaked to non-owning socket")
		}
	}
	wsB.mu.Unlock()

	wsA.send("", `{"command":"close","channel":"4","reason":"done"}`)
	wsA.send("", `{"command":"close","channel":"4","reason":"done"}`)

	time.Sleep(20 * time.Millisecond)
	closes := 0
	for _, f := range tr.sentFrames() {
		if f.channel == "" {
			var m map[string]any
			if json.Unmarshal(f.payload, &m) == nil && m["command"] == "close" && m["channel"] == "4" {
				closes++
			}
		}
	}
	if closes != 1 {
		t.Fatalf("forwarded %d close frames for channel 4, want 1", closes)
	}
}

func TestPingTimeoutDisconnectsOnSilentBridge(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr, &Credentials{User: "u", Password: "p"}, Config{PingInterval: 10 * time.Millisecond})
	tr.recv("", mustJSON(map[string]any{"command": "init", "version": 0}))

	deadline := time.After(2 * time.Second)
	for {
		tr.mu.Lock()
		reason := tr.closed
		tr.mu.Unlock()
		if reason == "internal-error" {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("session never closed the transport after the bridge stopped answering pings")
		}
	}
}

func TestPongResetsPingTimeout(t *testing.T) {
	tr := &fakeTransport{}
	s := New(tr, &Credentials{User: "u", Password: "p"}, Config{PingInterval: 30 * time.Millisecond})
	tr.recv("", mustJSON(map[string]any{"command": "init", "version": 0}))

	stop := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(10 * time.Millisecond):
			tr.recv("", mustJSON(map[string]any{"command": "pong"}))
		}
	}

	tr.mu.Lock()
	reason := tr.closed
	tr.mu.Unlock()
	if reason == "internal-error" {
		t.Fatal("session closed despite the bridge answering every ping with a pong")
	}
	s.Disconnect()
}

func TestSendNoAuthClosesChannel4WithNoSession(t *testing.T) {
	ws := newFakeWS()
	SendNoAuth(ws)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.outbox) != 1 {
		t.Fatalf("got %d messages, want 1", len(ws.outbox))
	}
	msg := ws.outbox[0]
	channel, payload, err := parseWSMessage([]byte(msg))
	if err != nil {
		t.Fatalf("parsing message: %v", err)
	}
	if channel != "" {
		t.Fatalf("channel = %q, want control channel", channel)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if decoded["command"] != "close" || decoded["channel"] != "4" || decoded["reason"] != "no-session" {
		t.Fatalf("payload = %v, want close/4/no-session", decoded)
	}
	if !ws.closed {
		t.Fatal("SendNoAuth should close the connection")
	}
}

func mustJSON(v map[string]any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
