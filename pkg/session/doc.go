// Package session implements the Channel Multiplexer (component D): it owns
// one bridge Transport, mediates between attached WebSocket sockets and that
// Transport, and enforces the handshake and per-channel protocol discipline
// (spec.md §4.D).
package session
