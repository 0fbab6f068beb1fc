package session

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// isHixie76Upgrade reports whether a request's headers indicate the 2010-era
// Hixie-76 draft rather than RFC 6455 (spec.md §6: "both RFC 6455 and the
// older Hixie-76 variant MUST be accepted"). No pack dependency speaks this
// draft protocol — gorilla/websocket only implements RFC 6455 — so the
// handshake and frame codec below are a deliberate, documented
// standard-library-only exception (see DESIGN.md).
func isHixie76Upgrade(header http.Header) bool {
	return header.Get("Sec-WebSocket-Key1") != "" && header.Get("Sec-WebSocket-Key2") != ""
}

var hixieKeyDigits = regexp.MustCompile(`[0-9]`)
var hixieKeySpaces = regexp.MustCompile(` `)

// hixie76Challenge computes the 16-byte handshake response from the two
// Sec-WebSocket-Key headers and the 8-byte body the client sends last.
func hixie76Challenge(key1, key2 string, body []byte) ([]byte, error) {
	n1, err := hixieKeyNumber(key1)
	if err != nil {
		return nil, err
	}
	n2, err := hixieKeyNumber(key2)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 16)
	buf = appendBE32(buf, n1)
	buf = appendBE32(buf, n2)
	buf = append(buf, body...)

	sum := md5.Sum(buf)
	return sum[:], nil
}

func hixieKeyNumber(key string) (uint32, error) {
	digits := hixieKeyDigits.FindAllString(key, -1)
	spaces := hixieKeySpaces.FindAllString(key, -1)
	if len(spaces) == 0 {
		return 0, fmt.Errorf("session: hixie-76 key has no spaces")
	}
	n, err := strconv.ParseUint(strings.Join(digits, ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("session: hixie-76 key not numeric: %w", err)
	}
	if n%uint64(len(spaces)) != 0 {
		return 0, fmt.Errorf("session: hixie-76 key not a multiple of its space count")
	}
	return uint32(n / uint64(len(spaces))), nil
}

func appendBE32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// completeHixie76Handshake writes the legacy 101 response (with the MD5
// challenge body) directly on conn and returns a wsConn that frames
// messages the Hixie-76 way (0x00 ... 0xFF delimited UTF-8 text frames, no
// length prefix).
func completeHixie76Handshake(conn net.Conn, req *http.Request, origin, location string) (wsConn, error) {
	key1 := req.Header.Get("Sec-WebSocket-Key1")
	key2 := req.Header.Get("Sec-WebSocket-Key2")

	body := make([]byte, 8)
	if _, err := io.ReadFull(req.Body, body); err != nil {
		return nil, fmt.Errorf("session: reading hixie-76 handshake body: %w", err)
	}

	digest, err := hixie76Challenge(key1, key2, body)
	if err != nil {
		return nil, err
	}

	br := bufio.NewWriter(conn)
	fmt.Fprintf(br, "HTTP/1.1 101 WebSocket Protocol Handshake\r\n")
	fmt.Fprintf(br, "Upgrade: WebSocket\r\n")
	fmt.Fprintf(br, "Connection: Upgrade\r\n")
	fmt.Fprintf(br, "Sec-WebSocket-Origin: %s\r\n", origin)
	fmt.Fprintf(br, "Sec-WebSocket-Location: %s\r\n", location)
	fmt.Fprintf(br, "\r\n")
	br.Write(digest)
	if err := br.Flush(); err != nil {
		return nil, err
	}

	return &hixie76Conn{conn: conn, r: bufio.NewReader(conn)}, nil
}

// hixie76Conn implements wsConn over the legacy 0x00/0xFF frame delimiters.
type hixie76Conn struct {
	conn net.Conn
	r    *bufio.Reader
}

func (h *hixie76Conn) ReadMessage() (int, []byte, error) {
	b, err := h.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if b != 0x00 {
		return 0, nil, fmt.Errorf("session: hixie-76 frame missing leading 0x00")
	}
	msg, err := h.r.ReadBytes(0xFF)
	if err != nil {
		return 0, nil, err
	}
	return websocket.TextMessage, msg[:len(msg)-1], nil
}

func (h *hixie76Conn) WriteMessage(messageType int, data []byte) error {
	framed := make([]byte, 0, len(data)+2)
	framed = append(framed, 0x00)
	framed = append(framed, data...)
	framed = append(framed, 0xFF)
	_, err := h.conn.Write(framed)
	return err
}

func (h *hixie76Conn) Close() error {
	return h.conn.Close()
}
