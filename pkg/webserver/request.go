package webserver

import (
	"bufio"
	"net"
	"net/http"
)

// Request is one accepted TCP connection's current HTTP request (spec.md
// §3: "one per accepted TCP connection"). The listener builds a fresh
// Request for each successive keep-alive request on the same connection
// (state Reusing -> Reading).
type Request struct {
	Method string
	Path   string
	Host   string
	Header http.Header

	RemoteAddr net.Addr
	TLS        bool

	// Conn and Reader are handed to a stream handler that claims the
	// request; Reader already has any bytes the listener over-read while
	// parsing headers pushed back in front of it.
	Conn   net.Conn
	Reader *bufio.Reader

	// EOFOkay is true only between successive keep-alive requests: an EOF
	// encountered while waiting for the next request line is not an error
	// (spec.md §4.C).
	EOFOkay bool
}

// StreamHandler is offered the full parsed request and the raw connection;
// returning true claims the connection (the listener relinquishes all
// further ownership of it — used for the WebSocket upgrade path).
type StreamHandler func(req *Request) bool

// ResourceHandler answers a request the stream handler did not claim.
type ResourceHandler func(w ResponseWriter, req *Request)
