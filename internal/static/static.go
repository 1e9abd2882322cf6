// Package static implements the static-file fast path: serving files out of
// an application's public directory, bypassing the worker pool entirely.
package static

import (
	"net/http"
	"os"
	"path/filepath"
)

// Handler serves files from Root for GET/HEAD requests whose path maps to
// an existing regular file. It never lists directories: a request that
// resolves to a directory is treated as a miss.
type Handler struct {
	Root string
	fs   http.Handler
}

// New returns a Handler rooted at root (conventionally "<appRoot>/public").
func New(root string) *Handler {
	return &Handler{Root: root, fs: http.FileServer(http.Dir(root))}
}

// Match reports whether a GET/HEAD request for urlPath resolves to an
// existing, readable regular file under Root. Callers use this to decide
// whether to short-circuit the rack branch before invoking ServeHTTP.
func (h *Handler) Match(method, urlPath string) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	clean := filepath.Clean("/" + urlPath)
	full := filepath.Join(h.Root, clean)

	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ServeHTTP delegates to the underlying http.FileServer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.fs.ServeHTTP(w, r)
}
