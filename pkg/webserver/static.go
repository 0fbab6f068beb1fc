package webserver

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// StaticHandler serves files out of docRoots, rejecting any path whose
// resolved real path escapes its root with a 404 (never 403, so existence is
// never leaked; spec.md §4.C). It is the ResourceHandler the listener falls
// back to when cfg.ResourceHandler is nil, and is also exported so a caller
// composing a multi-path dispatcher (e.g. falling through from the resource
// fetcher to static assets) can reuse it directly.
func StaticHandler(docRoots []string) ResourceHandler {
	return func(w ResponseWriter, req *Request) {
		serveStatic(w, req, docRoots)
	}
}

func (l *Listener) defaultResourceHandler(w ResponseWriter, req *Request) {
	serveStatic(w, req, l.cfg.DocumentRoots)
}

func serveStatic(w ResponseWriter, req *Request, docRoots []string) {
	clean := norm.NFC.String(req.Path)
	clean = strings.TrimPrefix(clean, "/")

	for _, root := range docRoots {
		full := filepath.Join(root, clean)

		real, err := filepath.EvalSymlinks(full)
		if err != nil {
			continue
		}
		rootReal, err := filepath.EvalSymlinks(root)
		if err != nil {
			rootReal = root
		}
		if !withinRoot(rootReal, real) {
			continue
		}

		f, err := os.Open(real)
		if err != nil {
			continue
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			continue
		}

		ct := mime.TypeByExtension(filepath.Ext(real))
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)

		buf := make([]byte, 32*1024)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
			}
			if rerr == io.EOF {
				return
			}
			if rerr != nil {
				return
			}
		}
	}

	w.WriteHeader(http.StatusNotFound)
}

// withinRoot reports whether real is root itself or a descendant of it.
func withinRoot(root, real string) bool {
	rel, err := filepath.Rel(root, real)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
