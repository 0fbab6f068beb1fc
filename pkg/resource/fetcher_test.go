package resource

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cockpit-ws/cockpitwsd/pkg/session"
	"github.com/cockpit-ws/cockpitwsd/pkg/webserver"
)

func TestParseCockpitPath(t *testing.T) {
	cases := []struct {
		in   string
		ok   bool
		want cockpitPath
	}{
		{"/cockpit", false, cockpitPath{}},
		{"/cockpit/", false, cockpitPath{}},
		{"/cockpit/shell/index.html", true, cockpitPath{Package: "shell", Path: "index.html"}},
		{"/cockpit/@myhost/shell/index.html", true, cockpitPath{Host: "myhost", Package: "shell", Path: "index.html"}},
		{"/cockpit/$abc123/index.html", true, cockpitPath{Package: "$abc123", Path: "index.html"}},
		{"/cockpit/@onlyhost", false, cockpitPath{}},
	}
	for _, c := range cases {
		got, ok := parseCockpitPath(c.in)
		if ok != c.ok {
			t.Fatalf("parseCockpitPath(%q) ok = %v, want %v", c.in, ok, c.ok)
		}
		if ok && got != c.want {
			t.Fatalf("parseCockpitPath(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestIsContentHash(t *testing.T) {
	if !isContentHash("$deadbeef") {
		t.Fatal("expected $-prefixed package to be a content hash")
	}
	if isContentHash("shell") {
		t.Fatal("expected plain package name not to be a content hash")
	}
}

// fakeTransport is a minimal wire.Transport double letting tests drive the
// bridge side of a session directly, mirroring pkg/session's own test double.
type fakeTransport struct {
	mu       sync.Mutex
	onRecv   func(channel string, payload []byte)
	onClosed func(reason string)
	opens    []string
}

func (f *fakeTransport) Send(channel string, payload []byte) error {
	if channel == "" {
		f.mu.Lock()
		f.opens = append(f.opens, string(payload))
		f.mu.Unlock()
	}
	return nil
}
func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	cb := f.onClosed
	f.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}
func (f *fakeTransport) SetOnRecv(cb func(channel string, payload []byte)) {
	f.mu.Lock()
	f.onRecv = cb
	f.mu.Unlock()
}
func (f *fakeTransport) SetOnClosed(cb func(reason string)) {
	f.mu.Lock()
	f.onClosed = cb
	f.mu.Unlock()
}
func (f *fakeTransport) recv(channel string, payload []byte) {
	f.mu.Lock()
	cb := f.onRecv
	f.mu.Unlock()
	cb(channel, payload)
}

func newTestSession() (*session.Session, *fakeTransport) {
	tr := &fakeTransport{}
	s := session.New(tr, &session.Credentials{User: "u", Password: "p"}, session.Config{})
	tr.recv("", []byte(`{"command":"init","version":0}`))
	return s, tr
}

// findOpenedChannel waits for a channel open to reach the fake bridge and
// returns its id, since OpenChannel assigns a fresh uuid internally.
func findOpenedChannel(t *testing.T, tr *fakeTransport) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		tr.mu.Lock()
		n := len(tr.opens)
		var last string
		if n > 0 {
			last = tr.opens[n-1]
		}
		tr.mu.Unlock()
		if n > 0 {
			var m map[string]any
			if err := json.Unmarshal([]byte(last), &m); err == nil {
				if id, ok := m["channel"].(string); ok {
					return id
				}
			}
		}
		select {
		case <-time.After(2 * time.Millisecond):
		case <-deadline:
			t.Fatal("no channel open reached the bridge")
		}
	}
}

// fakeResponseWriter is an in-memory webserver.ResponseWriter double.
type fakeResponseWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newFakeResponseWriter() *fakeResponseWriter {
	return &fakeResponseWriter{header: make(http.Header)}
}
func (w *fakeResponseWriter) Header() http.Header { return w.header }
func (w *fakeResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}
func (w *fakeResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.buf.Write(p)
}

func TestFetcherStreamsResourceBytes(t *testing.T) {
	sess, tr := newTestSession()
	f := New(SessionResolver{Default: sess})

	w := newFakeResponseWriter()
	done := make(chan struct{})
	go func() {
		f.Handle(w, &webserver.Request{Path: "/cockpit/shell/index.html"})
		close(done)
	}()

	id := findOpenedChannel(t, tr)
	tr.recv(id, []byte("<html>hello</html>"))
	tr.recv("", []byte(`{"command":"close","channel":"`+id+`"}`))

	<-done

	if w.status != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.status)
	}
	if w.buf.String() != "<html>hello</html>" {
		t.Fatalf("body = %q", w.buf.String())
	}
	if ct := w.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected a Content-Type header to be set")
	}
}

func TestFetcherEmptyResourceIs404(t *testing.T) {
	sess, tr := newTestSession()
	f := New(SessionResolver{Default: sess})

	w := newFakeResponseWriter()
	done := make(chan struct{})
	go func() {
		f.Handle(w, &webserver.Request{Path: "/cockpit/shell/missing.html"})
		close(done)
	}()

	id := findOpenedChannel(t, tr)
	tr.recv("", []byte(`{"command":"close","channel":"`+id+`"}`))

	<-done

	if w.status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.status)
	}
}

func TestFetcherMidStreamAbortKeepsBytesSent(t *testing.T) {
	sess, tr := newTestSession()
	f := New(SessionResolver{Default: sess})

	w := newFakeResponseWriter()
	done := make(chan struct{})
	go func() {
		f.Handle(w, &webserver.Request{Path: "/cockpit/shell/index.html"})
		close(done)
	}()

	id := findOpenedChannel(t, tr)
	tr.recv(id, []byte("partial"))
	tr.recv("", []byte(`{"command":"close","channel":"`+id+`","reason":"disconnected"}`))

	<-done

	if w.status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (bytes already sent, no synthesized error)", w.status)
	}
	if w.buf.String() != "partial" {
		t.Fatalf("body = %q", w.buf.String())
	}
}

func TestFetcherNoBytesWithErrorReasonIs500(t *testing.T) {
	sess, tr := newTestSession()
	f := New(SessionResolver{Default: sess})

	w := newFakeResponseWriter()
	done := make(chan struct{})
	go func() {
		f.Handle(w, &webserver.Request{Path: "/cockpit/shell/index.html"})
		close(done)
	}()

	id := findOpenedChannel(t, tr)
	tr.recv("", []byte(`{"command":"close","channel":"`+id+`","reason":"internal-error"}`))

	<-done

	if w.status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.status)
	}
}

func TestFetcherUnknownHostIs404(t *testing.T) {
	sess, _ := newTestSession()
	f := New(SessionResolver{Default: sess})

	w := newFakeResponseWriter()
	f.Handle(w, &webserver.Request{Path: "/cockpit/@other/shell/index.html"})

	if w.status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unresolvable @host", w.status)
	}
}
