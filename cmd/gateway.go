package cmd

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/cockpit-ws/cockpitwsd/pkg/config"
	"github.com/cockpit-ws/cockpitwsd/pkg/pipe"
	"github.com/cockpit-ws/cockpitwsd/pkg/resource"
	"github.com/cockpit-ws/cockpitwsd/pkg/session"
	"github.com/cockpit-ws/cockpitwsd/pkg/webserver"
	"github.com/cockpit-ws/cockpitwsd/pkg/wire"
)

// gateway owns one Session per distinct bridge target (the empty host key
// is the local bridge; any other key is a secure-shell target) and resolves
// both WebSocket upgrades and resource fetches against them, per spec.md
// §4.D's "one session per identity+host" model. Login is out of scope
// (spec.md §1), so every session here is constructed with the same
// placeholder Credentials — this daemon never itself authenticates a user,
// it only multiplexes an already-authorized bridge connection.
type gateway struct {
	cfg *config.Config

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newGateway(cfg *config.Config) *gateway {
	return &gateway{cfg: cfg, sessions: make(map[string]*session.Session)}
}

// resolve implements session.Resolver: it maps a request's @host segment (if
// any) to a session, spawning one on first use and reusing it for the
// lifetime of its bridge. A request with no Authorization header at all
// carries no credentials for this daemon's external authenticator to have
// resolved (spec.md §4.D), so no session is constructed and the caller runs
// the no-auth stub instead.
func (g *gateway) resolve(req *webserver.Request) (*session.Session, error) {
	if req.Header.Get("Authorization") == "" {
		return nil, nil
	}
	return g.sessionFor(hostFromPath(req.Path))
}

// sessionResolver implements resource.SessionResolver.HostFor for the
// Resource Fetcher, sharing the same session pool as WebSocket upgrades.
func (g *gateway) sessionResolver() resource.SessionResolver {
	return resource.SessionResolver{
		Default: nil, // always resolved through HostFor, including the "" (local) case
		HostFor: g.sessionFor,
	}
}

func (g *gateway) sessionFor(host string) (*session.Session, error) {
	g.mu.Lock()
	if sess, ok := g.sessions[host]; ok {
		g.mu.Unlock()
		return sess, nil
	}
	g.mu.Unlock()

	sess, err := g.spawnSession(host)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.sessions[host] = sess
	g.mu.Unlock()

	id, idleCh := sess.OnIdle()
	go g.reapWhenIdle(host, sess, id, idleCh)

	return sess, nil
}

// reapWhenIdle drops a session from the pool once it has no attached
// sockets or internal channels left, matching spec.md §5's "sessions are
// disposed of once idle" lifecycle. A later request for the same host
// simply spawns a fresh bridge.
func (g *gateway) reapWhenIdle(host string, sess *session.Session, id uint64, idleCh <-chan struct{}) {
	<-idleCh
	sess.UnregisterIdle(id)

	g.mu.Lock()
	if g.sessions[host] == sess {
		delete(g.sessions, host)
	}
	g.mu.Unlock()
}

func (g *gateway) spawnSession(host string) (*session.Session, error) {
	creds := &session.Credentials{}
	sessCfg := session.Config{
		IdleTimeout:  g.cfg.SessionIdleTimeout.Duration,
		PingInterval: g.cfg.PingInterval.Duration,
	}

	if host == "" {
		p, err := pipe.Spawn(g.cfg.BridgeProgram, nil, os.Environ())
		if err != nil {
			return failedSession(creds, sessCfg, pipe.ClassifySpawnError(err), nil), nil
		}
		return session.New(wire.NewFramedTransport(p), creds, sessCfg), nil
	}

	p, err := pipe.DialSSHPTY(context.Background(), host, g.cfg.HostPort(host), "", g.cfg.BridgeProgram, g.cfg.KnownHostsFile, nil)
	if err != nil {
		var hke *pipe.HostKeyError
		if errors.As(err, &hke) {
			return failedSession(creds, sessCfg, "unknown-hostkey", hke), nil
		}
		return failedSession(creds, sessCfg, pipe.ClassifyConnectError(err), nil), nil
	}
	return session.New(wire.NewFramedTransport(p), creds, sessCfg), nil
}

// failedSession builds a Session over a transport that is already dead,
// carrying reason (and, for an unknown host key, the key/fingerprint the
// protocol's close frame needs). Every socket that attaches still gets its
// own "init" followed immediately by the synthesized close, exactly as a
// session whose bridge failed after a real handshake would (spec.md §4.B/D).
func failedSession(creds *session.Credentials, cfg session.Config, reason string, hke *pipe.HostKeyError) *session.Session {
	ft := &failedTransport{}
	sess := session.New(ft, creds, cfg)
	if hke != nil {
		sess.SetHostKeyInfo(hke.HostKey, hke.Fingerprint)
	}
	if reason == "" {
		reason = "internal-error"
	}
	ft.Close(reason)
	return sess
}

// failedTransport is a wire.Transport that never actually talks to a bridge;
// Close(reason) is invoked once, explicitly, after the caller has finished
// configuring the Session (e.g. SetHostKeyInfo) so there is no race between
// session construction and the synthesized teardown.
type failedTransport struct {
	onClosed func(reason string)
}

func (t *failedTransport) Send(string, []byte) error { return nil }
func (t *failedTransport) Close(reason string) {
	if t.onClosed != nil {
		t.onClosed(reason)
	}
}
func (t *failedTransport) SetOnRecv(func(string, []byte)) {}
func (t *failedTransport) SetOnClosed(cb func(reason string)) {
	t.onClosed = cb
}

// hostFromPath extracts the "@host" segment cockpitwsd's own URL grammar
// uses (spec.md §4.E), so the WebSocket gateway and the resource fetcher
// agree on which bridge a request belongs to.
func hostFromPath(path string) string {
	const prefix = "/cockpit/@"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	rest := path[len(prefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}
