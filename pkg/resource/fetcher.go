package resource

import (
	"mime"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"

	wslog "github.com/cockpit-ws/cockpitwsd/pkg/log"
	"github.com/cockpit-ws/cockpitwsd/pkg/session"
	"github.com/cockpit-ws/cockpitwsd/pkg/webserver"
)

var log = wslog.ForService("resource")

// ResponseWriter is the subset of webserver.ResponseWriter this package
// needs, named locally to avoid every caller importing pkg/webserver just
// to satisfy an interface parameter.
type ResponseWriter = webserver.ResponseWriter

// SessionResolver resolves the session that should serve a request,
// honoring an optional @host segment. A nil HostFor means only the default
// session is ever used and any @host request is rejected.
type SessionResolver struct {
	Default *session.Session
	HostFor func(host string) (*session.Session, error)
}

func (r SessionResolver) resolve(host string) (*session.Session, error) {
	if host == "" && r.Default != nil {
		return r.Default, nil
	}
	if r.HostFor == nil {
		return nil, errNoHostRouting
	}
	return r.HostFor(host)
}

var errNoHostRouting = &fetchError{"resource: no @host routing configured"}

type fetchError struct{ msg string }

func (e *fetchError) Error() string { return e.msg }

// Fetcher answers GET /cockpit/... requests against sessions resolved by
// resolver. Its Handle method is a webserver.ResourceHandler.
type Fetcher struct {
	resolver SessionResolver
}

// New constructs a Fetcher over resolver.
func New(resolver SessionResolver) *Fetcher {
	return &Fetcher{resolver: resolver}
}

// Handle implements webserver.ResourceHandler.
func (f *Fetcher) Handle(w ResponseWriter, req *webserver.Request) {
	cp, ok := parseCockpitPath(req.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sess, err := f.resolver.resolve(cp.Host)
	if err != nil || sess == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f.streamResource(w, sess, cp)
}

func (f *Fetcher) streamResource(w ResponseWriter, sess *session.Session, cp cockpitPath) {
	channelID := uuid.NewString()
	done := make(chan struct{})

	var bytesSent int
	var closeReason string
	var headerWritten bool

	writeHeaderOnce := func() {
		if headerWritten {
			return
		}
		headerWritten = true
		if ct := mime.TypeByExtension(filepath.Ext(cp.Path)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		if isContentHash(cp.Package) {
			w.Header().Set("Cache-Control", "max-age=31556926, public")
		}
		w.WriteHeader(http.StatusOK)
	}

	openFields := map[string]any{
		"payload": "resource1",
		"package": cp.Package,
		"path":    cp.Path,
	}

	err := sess.OpenChannel(channelID, openFields,
		func(payload []byte) {
			if len(payload) == 0 {
				return
			}
			writeHeaderOnce()
			n, err := w.Write(payload)
			bytesSent += n
			if err != nil {
				log.Debugf("writing resource response: %v", err)
			}
		},
		func(reason string) {
			closeReason = reason
			close(done)
		},
	)
	if err != nil {
		log.Warnf("opening resource channel: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	<-done

	switch {
	case bytesSent == 0 && closeReason == "":
		// Empty/truncated response with no data (spec.md §4.E).
		w.WriteHeader(http.StatusNotFound)
	case bytesSent == 0 && closeReason != "":
		w.WriteHeader(http.StatusInternalServerError)
	case closeReason != "":
		// Transport closed mid-response after bytes were already sent:
		// abort rather than synthesize a trailing error (spec.md §4.E).
		log.Debugf("resource response aborted: %s", closeReason)
	}
}
