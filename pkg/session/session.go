package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	wslog "github.com/cockpit-ws/cockpitwsd/pkg/log"
	"github.com/cockpit-ws/cockpitwsd/pkg/observe"
	"github.com/cockpit-ws/cockpitwsd/pkg/wire"
)

var log = wslog.ForService("session")

// Config carries the session-level knobs from pkg/config relevant to this
// package: how long a session that has gone idle (no sockets, no internal
// channels) waits before disconnecting itself (0 disables that timer; the
// idle signal itself fires as soon as the session goes idle), and how often
// to ping the bridge (0 disables the ping, SPEC_FULL.md §9.1).
type Config struct {
	IdleTimeout  time.Duration
	PingInterval time.Duration
}

// pendingFrame queues a control or payload frame addressed to the bridge
// until the handshake (both directions of "init") has completed, per
// spec.md's invariant 3.
type pendingFrame struct {
	channel string
	payload []byte
}

// Session owns one bridge Transport and mediates between attached WebSocket
// sockets and it (spec.md §4.D).
type Session struct {
	transport wire.Transport
	creds     *Credentials
	cfg       Config

	idle *observe.Hub[struct{}]

	mu            sync.Mutex
	sockets       map[*socket]struct{}
	channelOwner  map[string]*socket
	internalChans map[string]*internalChannel
	closedChans   map[string]struct{} // idempotent-close guard (Testable Property 6)

	initSent     bool
	initReceived bool
	bridgeVer    int

	pending []pendingFrame

	disconnected bool

	pingTimer *time.Timer
	pongTimer *time.Timer
	idleTimer *time.Timer

	hostKey     string
	fingerprint string
}

type internalChannel struct {
	onData  func(payload []byte)
	onClose func(reason string)
}

// New constructs a Session over transport with the given credentials.
// Constructing with nil creds is a programmer error, not a runtime
// condition the protocol can express, and panics immediately rather than
// limping along with an unauthenticated session (spec.md §4.D).
func New(transport wire.Transport, creds *Credentials, cfg Config) *Session {
	if creds == nil {
		panic("session: New called with nil credentials")
	}

	s := &Session{
		transport:     transport,
		creds:         creds,
		cfg:           cfg,
		idle:          observe.NewHub[struct{}](1),
		sockets:       make(map[*socket]struct{}),
		channelOwner:  make(map[string]*socket),
		internalChans: make(map[string]*internalChannel),
		closedChans:   make(map[string]struct{}),
	}

	transport.SetOnRecv(s.onBridgeRecv)
	transport.SetOnClosed(s.onBridgeClosed)

	s.initSent = true
	if err := transport.Send("", initFrame(ProtocolVersion)); err != nil {
		log.Warnf("sending init to bridge: %v", err)
	}

	if cfg.PingInterval > 0 {
		s.pingTimer = time.AfterFunc(cfg.PingInterval, s.sendPing)
	}

	return s
}

// SetHostKeyInfo records the remote host key and fingerprint to attach to a
// synthesized "unknown-hostkey" close, set by the caller before opening a
// secure-shell-backed transport that might fail host key verification
// (spec.md §4.D: "the synthesized close additionally carries the remote
// host-key and its fingerprint").
func (s *Session) SetHostKeyInfo(hostKey, fingerprint string) {
	s.mu.Lock()
	s.hostKey = hostKey
	s.fingerprint = fingerprint
	s.mu.Unlock()
}

// OnIdle registers an observer notified when the session has no attached
// sockets and no pending internal channels (spec.md §4.D's idling()
// signal).
func (s *Session) OnIdle() (uint64, <-chan struct{}) {
	return s.idle.Register()
}

func (s *Session) UnregisterIdle(id uint64) {
	s.idle.Unregister(id)
}

// AttachSocket binds ws to this session: the session starts reading frames
// from it, sends its own "init", and begins relaying.
func (s *Session) AttachSocket(conn wsConn) {
	sock := newSocket(conn)

	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()

	if err := sock.send("", initFrame(ProtocolVersion)); err != nil {
		log.Debugf("sending init to socket: %v", err)
	}

	go s.socketReadLoop(sock)
}

func (s *Session) socketReadLoop(sock *socket) {
	defer s.detachSocket(sock)

	for {
		_, msg, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}
		channel, payload, err := parseWSMessage(msg)
		if err != nil {
			log.Debugf("malformed websocket message: %v", err)
			return
		}
		s.handleSocketFrame(sock, channel, payload)
	}
}

func (s *Session) handleSocketFrame(sock *socket, channel string, payload []byte) {
	sock.mu.Lock()
	initDone := sock.initReceived
	sock.mu.Unlock()

	if channel == "" {
		cmd, fields, err := decodeControl(payload)
		if err != nil {
			s.protocolError(sock, "", fmt.Sprintf("invalid control frame: %v", err))
			return
		}

		if !initDone {
			if cmd != "init" {
				s.protocolError(sock, "", "first message must be init")
				return
			}
			version, ok := intField(fields, "version")
			if !ok || version != ProtocolVersion {
				s.protocolError(sock, "", "unsupported or missing version")
				return
			}
			sock.mu.Lock()
			sock.initReceived = true
			sock.mu.Unlock()
			return
		}

		switch cmd {
		case "open":
			s.handleOpen(sock, fields, payload)
		case "close":
			s.handleSocketClose(sock, fields)
		case "ping", "pong":
			s.forwardToBridge("", payload)
		case "logout":
			s.handleLogout(sock, fields)
		default:
			s.forwardToBridge("", payload)
		}
		return
	}

	if !initDone {
		s.protocolError(sock, channel, "payload before init")
		return
	}
	if !sock.own(channel) {
		log.Debugf("dropping payload for unowned channel %q", channel)
		return
	}
	s.forwardToBridge(channel, payload)
}

func (s *Session) handleOpen(sock *socket, fields map[string]any, raw []byte) {
	id, ok := stringField(fields, "channel")
	if !ok || id == "" {
		s.protocolError(sock, "", "open without channel")
		return
	}

	s.mu.Lock()
	if _, exists := s.channelOwner[id]; exists {
		s.mu.Unlock()
		s.protocolError(sock, id, "duplicate channel id")
		return
	}
	s.channelOwner[id] = sock
	s.mu.Unlock()

	sock.addChannel(id)
	s.forwardToBridge("", raw)
}

func (s *Session) handleSocketClose(sock *socket, fields map[string]any) {
	id, _ := stringField(fields, "channel")
	if !s.closeChannel(id) {
		return // already closed: swallow the duplicate (Testable Property 6)
	}
	sock.dropChannel(id)
	s.forwardToBridge("", closeFrame(id, firstString(fields, "reason"), nil))
}

func firstString(fields map[string]any, key string) string {
	v, _ := stringField(fields, key)
	return v
}

func (s *Session) handleLogout(sock *socket, fields map[string]any) {
	if boolField(fields, "disconnect") {
		s.Disconnect()
		return
	}
	s.mu.Lock()
	s.creds = &Credentials{}
	s.mu.Unlock()
}

// closeChannel removes the channel->owner mapping and reports whether this
// is the first close seen for id (false means it was already closed and the
// caller must not forward another close frame).
func (s *Session) closeChannel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.closedChans[id]; done {
		return false
	}
	s.closedChans[id] = struct{}{}
	delete(s.channelOwner, id)
	delete(s.internalChans, id)
	return true
}

func (s *Session) protocolError(sock *socket, channel, detail string) {
	log.Debugf("protocol error from socket %d: %s", sock.id, detail)
	_ = sock.send("", closeFrame(channel, "protocol-error", nil))
	s.detachSocket(sock)
}

// forwardToBridge sends (channel, payload) once both directions of init
// have completed, otherwise queues it (spec.md invariant 3 / Testable
// Property 2).
func (s *Session) forwardToBridge(channel string, payload []byte) {
	s.mu.Lock()
	if !s.initReceived {
		s.pending = append(s.pending, pendingFrame{channel: channel, payload: payload})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.transport.Send(channel, payload); err != nil {
		log.Warnf("sending to bridge: %v", err)
	}
}

func (s *Session) flushPending() {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, f := range queued {
		if err := s.transport.Send(f.channel, f.payload); err != nil {
			log.Warnf("sending queued frame to bridge: %v", err)
		}
	}
}

func (s *Session) onBridgeRecv(channel string, payload []byte) {
	if channel == "" {
		s.handleBridgeControl(payload)
		return
	}

	s.mu.Lock()
	owner, ok := s.channelOwner[channel]
	internal, iok := s.internalChans[channel]
	s.mu.Unlock()

	switch {
	case ok:
		if err := owner.send(channel, payload); err != nil {
			log.Debugf("writing to socket: %v", err)
		}
	case iok:
		internal.onData(payload)
	default:
		log.Debugf("dropping payload for unowned channel %q", channel)
	}
}

func (s *Session) handleBridgeControl(payload []byte) {
	cmd, fields, err := decodeControl(payload)
	if err != nil {
		log.Warnf("malformed control frame from bridge: %v", err)
		return
	}

	switch cmd {
	case "init":
		version, _ := intField(fields, "version")
		s.mu.Lock()
		s.initReceived = true
		s.bridgeVer = version
		s.mu.Unlock()
		s.flushPending()

	case "close":
		id, _ := stringField(fields, "channel")
		s.mu.Lock()
		internal, iok := s.internalChans[id]
		s.mu.Unlock()
		if !s.closeChannel(id) {
			return
		}
		if iok {
			internal.onClose(firstString(fields, "reason"))
			return
		}
		s.broadcastControl(payload)

	case "pong":
		s.mu.Lock()
		if s.pongTimer != nil {
			s.pongTimer.Stop()
		}
		s.mu.Unlock()
		s.broadcastControl(payload)

	case "ping":
		s.broadcastControl(payload)

	default:
		s.broadcastControl(payload)
	}
}

func (s *Session) broadcastControl(payload []byte) {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	for _, sock := range socks {
		if err := sock.send("", payload); err != nil {
			log.Debugf("broadcasting control frame: %v", err)
		}
	}
}

// onBridgeClosed handles Transport teardown: every open channel is
// synthetically closed with the mapped reason, toward every socket that
// owns one, and the session tears down (spec.md §4.D).
func (s *Session) onBridgeClosed(reason string) {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}

	s.mu.Lock()
	owners := s.channelOwner
	internals := s.internalChans
	s.channelOwner = make(map[string]*socket)
	s.internalChans = make(map[string]*internalChannel)
	var extra map[string]any
	if reason == "unknown-hostkey" {
		extra = map[string]any{"host-key": s.hostKey, "host-fingerprint": s.fingerprint}
	}
	s.mu.Unlock()

	for id, sock := range owners {
		_ = sock.send("", closeFrame(id, reason, extra))
		sock.dropChannel(id)
	}
	for _, ic := range internals {
		ic.onClose(reason)
	}

	s.detachAllSockets()
}

func (s *Session) detachSocket(sock *socket) {
	s.mu.Lock()
	if _, ok := s.sockets[sock]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sockets, sock)
	empty := len(s.sockets) == 0
	s.mu.Unlock()

	for _, id := range sock.ownedChannels() {
		if s.closeChannel(id) {
			s.forwardToBridge("", closeFrame(id, "disconnected", nil))
		}
	}
	sock.close()

	if empty {
		s.goIdle()
	}
}

func (s *Session) detachAllSockets() {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.sockets = make(map[*socket]struct{})
	s.mu.Unlock()

	for _, sock := range socks {
		sock.close()
	}
	s.goIdle()
}

func (s *Session) goIdle() {
	s.mu.Lock()
	idle := len(s.sockets) == 0 && len(s.internalChans) == 0
	if idle && s.cfg.IdleTimeout > 0 && s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.Disconnect)
	}
	s.mu.Unlock()
	if idle {
		s.idle.Broadcast(struct{}{})
	}
}

// Disconnect tears down every socket and the bridge transport; every
// channel synthetically closes with reason "disconnected".
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.mu.Unlock()

	s.transport.Close("disconnected")
}

// sendPing fires on cfg.PingInterval and starts (or resets) a matching pong
// deadline: if handleBridgeControl doesn't see a "pong" before the next tick,
// the bridge is presumed gone and the transport is torn down with
// "internal-error" (SPEC_FULL.md §9.1).
func (s *Session) sendPing() {
	s.forwardToBridge("", pingFrame())
	s.mu.Lock()
	if s.pingTimer != nil {
		s.pingTimer.Reset(s.cfg.PingInterval)
	}
	if s.pongTimer == nil {
		s.pongTimer = time.AfterFunc(s.cfg.PingInterval, s.pongTimeout)
	} else {
		s.pongTimer.Reset(s.cfg.PingInterval)
	}
	s.mu.Unlock()
}

func (s *Session) pongTimeout() {
	log.Warnf("bridge did not answer ping within %s, disconnecting", s.cfg.PingInterval)
	s.transport.Close("internal-error")
}

// OpenChannel opens a transient, session-internal channel (not owned by any
// socket) used by the resource fetcher to pull one resource from the bridge.
// onData is invoked for every payload frame on id; onClose fires once, with
// the reason the channel (or the whole transport) closed.
func (s *Session) OpenChannel(id string, openFields map[string]any, onData func([]byte), onClose func(reason string)) error {
	s.mu.Lock()
	if _, exists := s.channelOwner[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session: channel %q already open", id)
	}
	if _, exists := s.internalChans[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session: channel %q already open", id)
	}
	s.internalChans[id] = &internalChannel{onData: onData, onClose: onClose}
	s.mu.Unlock()

	fields := map[string]any{"command": "open", "channel": id}
	for k, v := range openFields {
		fields[k] = v
	}
	raw, err := encodeControl(fields)
	if err != nil {
		return err
	}
	s.forwardToBridge("", raw)
	return nil
}

// CloseChannel closes a previously opened internal channel from this side.
func (s *Session) CloseChannel(id, reason string) {
	if !s.closeChannel(id) {
		return
	}
	s.forwardToBridge("", closeFrame(id, reason, nil))
}

// SendNoAuth implements the no-auth stub (spec.md §4.D): no Session is
// constructed at all; the newly opened socket is told channel "4" has no
// session and is closed.
func SendNoAuth(conn wsConn) {
	msg := append([]byte("\n"), closeFrame("4", "no-session", nil)...)
	_ = conn.WriteMessage(websocket.TextMessage, msg)
	_ = conn.Close()
}
