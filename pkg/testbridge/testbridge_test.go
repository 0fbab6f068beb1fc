package testbridge

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAutoInitAnswersHandshake(t *testing.T) {
	b := New(true)
	var received []Frame
	b.SetOnRecv(func(channel string, payload []byte) {
		received = append(received, Frame{channel, payload})
	})

	if err := b.Send("", []byte(`{"command":"init","version":0}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("got %d frames back, want 1 auto-init reply", len(received))
	}
	var m map[string]any
	if err := json.Unmarshal(received[0].Payload, &m); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if m["command"] != "init" {
		t.Fatalf("command = %v, want init", m["command"])
	}
}

func TestOnOpenEmitsAndCloses(t *testing.T) {
	b := New(true)
	closed := make(chan string, 1)
	b.SetOnClosed(func(reason string) { closed <- reason })

	var gotData [][]byte
	done := make(chan struct{})
	b.SetOnRecv(func(channel string, payload []byte) {
		if channel == "9" {
			gotData = append(gotData, payload)
			close(done)
		}
	})

	b.OnOpen(func(b *Bridge, channel string, fields map[string]any) {
		b.Emit(channel, []byte("hello"))
		b.CloseChannel(channel, "")
	})

	if err := b.Send("", []byte(`{"command":"open","channel":"9"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("never observed echoed data on the opened channel")
	}
	if len(gotData) != 1 || string(gotData[0]) != "hello" {
		t.Fatalf("gotData = %v, want one frame \"hello\"", gotData)
	}
}

func TestCloseIsIdempotentAndFiresOnce(t *testing.T) {
	b := New(false)
	var reasons []string
	b.SetOnClosed(func(reason string) { reasons = append(reasons, reason) })

	b.Close("terminated")
	b.Close("terminated")

	if len(reasons) != 1 {
		t.Fatalf("onClosed fired %d times, want 1", len(reasons))
	}

	if err := b.Send("", []byte(`{}`)); err == nil {
		t.Fatal("Send after Close should fail")
	}
}
