package pipe

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyError is returned (wrapped) when a remote host presents a key that
// is absent from, or conflicts with, the configured known_hosts file
// (spec.md S5, exit code 6 / "unknown-hostkey"). HostKey and Fingerprint let
// the session attach the extra fields the protocol requires on the bridge's
// close control frame.
type HostKeyError struct {
	Host        string
	HostKey     string // "[host]:port keytype base64key" line, matching the reference client's prompt text
	Fingerprint string // bare colon-hex MD5 digest, no "MD5:" prefix
	Known       bool   // true when the host is known but the key changed (vs. wholly unknown)
}

func (e *HostKeyError) Error() string {
	if e.Known {
		return fmt.Sprintf("host key for %s has changed", e.Host)
	}
	return fmt.Sprintf("host key for %s is not known", e.Host)
}

// DialSSHPTY opens a secure-shell session to host:port, authenticates as
// user, requests a pty, and starts bridgeCmd under it, returning a Pipe over
// the session's combined stdio; the Pipe's own I/O goroutines run once its
// Start method is called. This stands in for the reference
// daemon's local forkpty() path: the dead pid==0 branch it leaves in its own
// source after a failed fork is explicitly out of scope (spec.md Design
// Notes), so the only pty-backed session this daemon creates is remote.
func DialSSHPTY(ctx context.Context, host string, port int, user, bridgeCmd, knownHostsFile string, signers []ssh.Signer) (*Pipe, error) {
	hostKeyCallback, err := knownhosts.New(knownHostsFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err != nil {
		// No known_hosts file yet: treat every host as unknown rather than
		// failing outright, so the caller can surface the usual prompt.
		hostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return &knownhosts.KeyError{}
		}
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: wrapHostKeyCallback(host, port, hostKeyCallback),
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		var hke *HostKeyError
		if errors.As(err, &hke) {
			return nil, hke
		}
		return nil, err
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	if err := sess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, err
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, err
	}

	if err := sess.Start(bridgeCmd); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, err
	}

	proc := &sshProcess{sess: sess, client: client}
	p := &Pipe{
		rwc:        sshDuplex{Reader: stdout, Writer: stdin},
		proc:       proc,
		writerWake: make(chan struct{}, 1),
	}
	go proc.wait(p)

	return p, nil
}

type sshDuplex struct {
	io.Reader
	io.Writer
}

func (sshDuplex) Close() error { return nil }

type sshProcess struct {
	sess   *ssh.Session
	client *ssh.Client

	mu   sync.Mutex
	done bool
	st   ExitStatus
}

func (s *sshProcess) wait(p *Pipe) {
	err := s.sess.Wait()
	_ = s.client.Close()

	st := ExitStatus{Exited: true}
	if err == nil {
		st.Code = 0
	} else {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			st.Code = exitErr.ExitStatus()
			if sig := exitErr.Signal(); sig != "" {
				st.Signaled = true
				if sig == "TERM" {
					st.Signal = syscall.SIGTERM
				}
			}
		} else {
			st.Code = -1
		}
	}

	s.mu.Lock()
	s.done = true
	s.st = st
	s.mu.Unlock()

	p.onChildExited()
}

func (s *sshProcess) terminate() {
	_ = s.sess.Signal(ssh.SIGTERM)
	_ = s.sess.Close()
}

func (s *sshProcess) result() (ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, s.done
}

// wrapHostKeyCallback adapts knownhosts' callback to surface a *HostKeyError
// carrying the fingerprint text the protocol's close frame needs.
func wrapHostKeyCallback(host string, port int, inner ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := inner(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		known := errors.As(err, &keyErr) && len(keyErr.Want) > 0
		return &HostKeyError{
			Host:        host,
			HostKey:     hostKeyLine(host, port, key),
			Fingerprint: md5Fingerprint(key),
			Known:       known,
		}
	}
}

// hostKeyLine renders key the way the reference client's trust prompt
// expects: "[host]:port keytype base64key" (original_source's
// test-webservice.c mock, "[127.0.0.1]:port MOCK_RSA_KEY"), not the raw
// binary wire-format key bytes the SSH library hands back.
func hostKeyLine(host string, port int, key ssh.PublicKey) string {
	return fmt.Sprintf("[%s]:%d %s %s", host, port, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal()))
}

func md5Fingerprint(key ssh.PublicKey) string {
	sum := md5.Sum(key.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
