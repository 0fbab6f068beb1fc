package pipe

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Connect dials network (tcp or unix) and address, returning a Pipe over the
// raw socket; its I/O goroutines run once Start is called. Used for connecting to an already-running bridge
// listening on a local or abstract socket (component A, connect variant).
func Connect(ctx context.Context, network, address string) (*Pipe, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	p := New(conn)
	return p, nil
}

// ClassifyConnectError maps a dial failure into a session close reason
// (spec.md §4.A: "Connect errors map: EPERM/EACCES→\"not-authorized\"").
func ClassifyConnectError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, syscall.ENOENT) {
		return "no-cockpit"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "no-cockpit"
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return "not-authorized"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "disconnected"
	}
	return "internal-error"
}
