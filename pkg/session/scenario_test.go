package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockpit-ws/cockpitwsd/pkg/testbridge"
)

// These exercise pkg/session against the scriptable pkg/testbridge double
// instead of the in-file fakeTransport, covering the end-to-end scenarios a
// real deployment would see (echo through an open channel, and a bridge
// vanishing mid-session) without spawning a real cockpit-bridge.

func TestScenarioEchoThroughOpenChannel(t *testing.T) {
	bridge := testbridge.New(true)
	bridge.OnOpen(func(b *testbridge.Bridge, channel string, fields map[string]any) {
		b.Emit(channel, []byte("echo: hi"))
	})

	s := New(bridge, &Credentials{User: "u", Password: "p"}, Config{})
	ws := newFakeWS()
	s.AttachSocket(ws)
	ws.waitForMessage(t, "\n"+string(initFrame(ProtocolVersion)))

	ws.send("", `{"command":"init","version":0}`)
	ws.send("", `{"command":"open","channel":"4","payload":"echo"}`)

	ws.waitForMessage(t, "4\necho: hi")
}

func TestScenarioBridgeGoneReportsNoCockpit(t *testing.T) {
	bridge := testbridge.New(true)
	s := New(bridge, &Credentials{User: "u", Password: "p"}, Config{})
	ws := newFakeWS()
	s.AttachSocket(ws)
	ws.waitForMessage(t, "\n"+string(initFrame(ProtocolVersion)))

	ws.send("", `{"command":"init","version":0}`)
	ws.send("", `{"command":"open","channel":"4","payload":"test-text"}`)

	bridge.Close("no-cockpit")

	// The synthesized close for a torn-down bridge travels on the control
	// channel ("" prefix), with the affected channel id inside the JSON body
	// (pkg/session.onBridgeClosed), not as a "4\n"-prefixed payload message.
	var decoded map[string]any
	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		ws.mu.Lock()
		for _, m := range ws.outbox {
			if len(m) < 1 || m[0] != '\n' {
				continue
			}
			var candidate map[string]any
			if json.Unmarshal([]byte(m[1:]), &candidate) != nil {
				continue
			}
			if candidate["command"] == "close" && candidate["channel"] == "4" {
				decoded = candidate
				found = true
				break
			}
		}
		ws.mu.Unlock()
		if found {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("never saw a close frame for channel 4")
		}
	}

	if decoded["reason"] != "no-cockpit" {
		t.Fatalf("reason = %v, want no-cockpit", decoded["reason"])
	}
}
