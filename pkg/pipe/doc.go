// Package pipe is the Framed Pipe component (A): a duplex byte stream
// abstraction shared by every way cockpitwsd reaches a bridge — a spawned
// local child process, a dial to an already-listening socket, or a
// pty-backed remote secure-shell session. Higher layers (pkg/wire,
// pkg/session) only ever see the Pipe type; they never know which backend
// produced it.
package pipe
