package session

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"testing"
	"time"
)

// TestHixie76Challenge uses the worked example from the hixie-76 draft
// itself (the example request/response every early WebSocket server
// implementation's test suite checks against), verifying the MD5
// challenge-response spec.md §6 requires cockpitwsd to still accept.
func TestHixie76Challenge(t *testing.T) {
	key1 := "4 @1  46546xW%0l 1 5"
	key2 := "12998 5 Y3 1  .P00"
	body := []byte("^n:ds[4U")
	want := []byte("8jKS'y:G*Co,Wxa-")

	got, err := hixie76Challenge(key1, key2, body)
	if err != nil {
		t.Fatalf("hixie76Challenge: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("challenge = %q, want %q", got, want)
	}
}

func TestHixie76KeyNumberRejectsNonMultiple(t *testing.T) {
	if _, err := hixieKeyNumber("1 2 3"); err == nil {
		t.Fatal("expected error for a key whose digits aren't a multiple of its space count")
	}
}

func TestHixie76ConnFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &hixie76Conn{conn: server, r: bufio.NewReader(server)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.WriteMessage(1, []byte("hello")); err != nil {
			t.Errorf("WriteMessage: %v", err)
		}
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 7)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("reading framed message: %v", err)
	}
	<-done
	if !bytes.Equal(buf, []byte("\x00hello\xff")) {
		t.Fatalf("framed bytes = %q, want %q", buf, "\x00hello\xff")
	}
}

func TestCompleteHixie76Handshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	header := make(http.Header)
	header.Set("Sec-WebSocket-Key1", "4 @1  46546xW%0l 1 5")
	header.Set("Sec-WebSocket-Key2", "12998 5 Y3 1  .P00")
	req := &http.Request{
		Header: header,
		Body:   &readCloserBuf{bytes.NewReader([]byte("^n:ds[4U"))},
	}

	result := make(chan error, 1)
	go func() {
		_, err := completeHixie76Handshake(server, req, "http://example.com", "ws://example.com/demo")
		result <- err
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if status != "HTTP/1.1 101 WebSocket Protocol Handshake\r\n" {
		t.Fatalf("status line = %q", status)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	digest := make([]byte, 16)
	if _, err := br.Read(digest); err != nil {
		t.Fatalf("reading challenge digest: %v", err)
	}
	if !bytes.Equal(digest, []byte("8jKS'y:G*Co,Wxa-")) {
		t.Fatalf("digest = %q, want %q", digest, "8jKS'y:G*Co,Wxa-")
	}

	if err := <-result; err != nil {
		t.Fatalf("completeHixie76Handshake: %v", err)
	}
}

type readCloserBuf struct {
	*bytes.Reader
}

func (r *readCloserBuf) Close() error { return nil }
