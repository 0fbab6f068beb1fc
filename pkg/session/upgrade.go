package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/cockpit-ws/cockpitwsd/pkg/webserver"
)

// upgrader drives the RFC 6455 handshake. CheckOrigin implements spec.md §6 /
// Testable Scenario S4: a request carrying an Origin header whose host
// doesn't match the request's own Host is rejected with 403, the same way
// the reference daemon refuses cross-site page embeds of the WebSocket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// isUpgradeRequest reports whether req carries WebSocket upgrade headers,
// either RFC 6455's or the legacy Hixie-76 pair.
func isUpgradeRequest(req *webserver.Request) bool {
	if req.Header.Get("Upgrade") != "" {
		return true
	}
	return isHixie76Upgrade(req.Header)
}

// Resolver produces (or looks up) the Session a newly upgraded socket should
// be attached to, given the accepted request. Returning a nil session with a
// nil error means the request carries no credentials to resolve against at
// all, and the no-auth stub (spec.md §4.D) runs instead of constructing a
// Session.
type Resolver func(req *webserver.Request) (*Session, error)

// GatewayHandler returns a webserver.StreamHandler that claims WebSocket
// upgrade requests, performs the handshake (RFC 6455 via gorilla, or the
// Hixie-76 fallback when the legacy key headers are present), and attaches
// the resulting socket to whatever Session resolve selects — or, when
// resolve reports no credentials at all, runs the mandatory no-auth stub
// (spec.md §4.D: "just sends {command:"close", channel:"4",
// reason:"no-session"} ... and closes") instead of ever constructing a
// Session. Requests that are not upgrades at all are left unclaimed so the
// caller's resource handler chain gets a turn (spec.md §4.C's two-tier
// dispatch).
func GatewayHandler(resolve Resolver) webserver.StreamHandler {
	return func(req *webserver.Request) bool {
		if !isUpgradeRequest(req) {
			return false
		}

		sess, err := resolve(req)
		if err != nil {
			log.Warnf("resolving session for websocket upgrade: %v", err)
			writePlainResponse(req.Conn, http.StatusBadGateway)
			return true
		}

		conn, err := upgradeConn(req)
		if err != nil {
			log.Debugf("websocket handshake failed: %v", err)
			return true
		}

		if sess == nil {
			SendNoAuth(conn)
			return true
		}

		sess.AttachSocket(conn)
		return true
	}
}

func upgradeConn(req *webserver.Request) (wsConn, error) {
	httpReq := &http.Request{
		Method: req.Method,
		URL:    &url.URL{Path: req.Path},
		Host:   req.Host,
		Header: req.Header,
		Body:   io.NopCloser(req.Reader),
	}

	if isHixie76Upgrade(req.Header) {
		scheme := "ws"
		if req.TLS {
			scheme = "wss"
		}
		origin := req.Header.Get("Origin")
		location := fmt.Sprintf("%s://%s%s", scheme, req.Host, req.Path)
		return completeHixie76Handshake(req.Conn, httpReq, origin, location)
	}

	adapter := &hijackAdapter{conn: req.Conn, br: req.Reader, header: make(http.Header)}
	return upgrader.Upgrade(adapter, httpReq, nil)
}

// hijackAdapter is the minimal http.ResponseWriter + http.Hijacker gorilla's
// Upgrader needs, built directly over the raw connection and buffered
// reader the webserver listener already parsed headers from (no net/http
// server sits in front of this package, spec.md §9's capability-interface
// design note).
type hijackAdapter struct {
	conn          net.Conn
	br            *bufio.Reader
	header        http.Header
	status        int
	wroteHeader   bool
	wroteRespLine bool
}

func (h *hijackAdapter) Header() http.Header { return h.header }

func (h *hijackAdapter) WriteHeader(status int) {
	if h.wroteHeader {
		return
	}
	h.wroteHeader = true
	h.status = status
}

func (h *hijackAdapter) Write(b []byte) (int, error) {
	if !h.wroteHeader {
		h.WriteHeader(http.StatusOK)
	}
	if !h.wroteRespLine {
		h.wroteRespLine = true
		fmt.Fprintf(h.conn, "HTTP/1.1 %d %s\r\n", h.status, http.StatusText(h.status))
		h.header.Set("Content-Length", strconv.Itoa(len(b)))
		h.header.Write(h.conn)
		fmt.Fprint(h.conn, "\r\n")
	}
	return h.conn.Write(b)
}

func (h *hijackAdapter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	bw := bufio.NewWriter(h.conn)
	return h.conn, bufio.NewReadWriter(h.br, bw), nil
}

func writePlainResponse(conn net.Conn, status int) {
	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(bw, "Content-Length: 0\r\n\r\n")
	_ = bw.Flush()
}
