// Package webserver implements the Web Listener (component C): it accepts
// TCP connections, optionally sniffs and upgrades to TLS, parses one HTTP
// request at a time per connection, and dispatches to a stream handler (for
// protocol upgrades such as WebSocket) or a resource handler (for ordinary
// file/resource responses), optionally reusing the connection for
// subsequent keep-alive requests.
//
// net/http's Server does not expose the behavior this component's spec
// requires — TLS byte sniffing ahead of the handshake, delayed-reply status
// codes armed before headers are even parsed, a hard input ceiling, and
// HTTP/1.0 keep-alive with EOF-at-head-of-request tolerance — so the
// listener is a hand-rolled per-connection state machine instead of a
// `http.Server` assembly, grounded on the teacher's own server wiring
// (`cmd/web.go`, `pkg/api/server.go`) for logging and lifecycle idiom only.
package webserver
