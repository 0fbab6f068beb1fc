package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Channel: "", Payload: []byte(`{"command":"init","version":0}`)},
		{Channel: "4", Payload: []byte("hello")},
		{Channel: "a1b2", Payload: nil},
	}

	var buf bytes.Buffer
	for _, f := range cases {
		buf.Write(Encode(f))
	}

	r := bufio.NewReader(&buf)
	for _, want := range cases {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got.Channel != want.Channel {
			t.Errorf("channel = %q, want %q", got.Channel, want.Channel)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("payload = %q, want %q", got.Payload, want.Payload)
		}
		if got.IsControl() != want.IsControl() {
			t.Errorf("IsControl mismatch for %q", want.Channel)
		}
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0x7f, 0xff, 0xff, 0xff}
	buf.Write(lenBuf)

	_, err := ReadFrame(bufio.NewReader(&buf))
	if err != ErrFrameTooLarge {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}
