package session

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn (or the hand-rolled Hixie-76
// fallback in hixie76.go) a socket needs. Both handshake paths converge on
// this capability so the rest of the package never distinguishes them.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var nextSocketID uint64

// socket is one attached WebSocket peer: the reference implementation's
// "Socket" — one per interactive browser tab, plus transient ones opened by
// the resource fetcher for a single fetch.
type socket struct {
	id   uint64
	conn wsConn

	mu       sync.Mutex
	channels map[string]struct{} // channel ids this socket currently owns
	closed   bool
}

func newSocket(conn wsConn) *socket {
	return &socket{
		id:       atomic.AddUint64(&nextSocketID, 1),
		conn:     conn,
		channels: make(map[string]struct{}),
	}
}

// send writes one "channel\npayload" text message. WebSocket framing
// already delimits messages, so unlike the bridge transport there is no
// length prefix here.
func (s *socket) send(channel string, payload []byte) error {
	buf := make([]byte, 0, len(channel)+1+len(payload))
	buf = append(buf, channel...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, buf)
}

func (s *socket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *socket) own(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *socket) addChannel(channel string) {
	s.mu.Lock()
	s.channels[channel] = struct{}{}
	s.mu.Unlock()
}

func (s *socket) dropChannel(channel string) {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
}

// ownedChannels returns a snapshot of the channel ids this socket owns, for
// synthetic teardown when it detaches.
func (s *socket) ownedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	return out
}

// parseWSMessage splits a raw WebSocket text message into channel and
// payload at the first '\n', mirroring the frame shape used on the bridge
// side but without a length prefix.
func parseWSMessage(msg []byte) (channel string, payload []byte, err error) {
	i := bytes.IndexByte(msg, '\n')
	if i < 0 {
		return "", nil, fmt.Errorf("session: websocket message missing channel delimiter")
	}
	return string(msg[:i]), msg[i+1:], nil
}
