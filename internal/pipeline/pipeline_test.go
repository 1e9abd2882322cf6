package pipeline

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap/zaptest"

	"github.com/JustinCampbell/pow/internal/application"
	"github.com/JustinCampbell/pow/internal/router"
)

type fakeResolver struct {
	roots map[string]string
}

func (f *fakeResolver) Resolve(hostPrefix string) (string, error) {
	return f.roots[hostPrefix], nil
}

func (f *fakeResolver) SuggestedLinkPath(hostPrefix string) string {
	return filepath.Join("/config-root", hostPrefix)
}

type fakePool struct {
	handleFn func(w http.ResponseWriter, r *http.Request) error
	done     chan struct{}
}

func newFakePool() *fakePool { return &fakePool{done: make(chan struct{})} }

func (p *fakePool) Handle(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if p.handleFn != nil {
		return p.handleFn(w, r)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
func (p *fakePool) Quit()                 { close(p.done) }
func (p *fakePool) Done() <-chan struct{} { return p.done }

func newTestChain(t *testing.T, roots map[string]string) *router.Router {
	t.Helper()
	cfg := &application.Config{Workers: 1, Timeout: time.Minute, DstPort: 3000}
	newPool := func(root string, env map[string]string) (application.Pool, error) {
		return newFakePool(), nil
	}
	return router.New(&fakeResolver{roots: roots}, "dev", cfg, zaptest.NewLogger(t), newPool)
}

func TestChain_UnknownHostRendersNonexistentDomain(t *testing.T) {
	rt := newTestChain(t, map[string]string{})
	c := New(rt, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "bogus.dev"
	rec := httptest.NewRecorder()

	if err := c.ServeHTTP(rec, req, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Pow-Handler"); got != "NonexistentDomain" {
		t.Fatalf("expected X-Pow-Handler NonexistentDomain, got %q", got)
	}
}

func TestChain_StaticFileTakesPrecedenceOverApp(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "config.ru"), nil, 0o644); err != nil {
		t.Fatalf("write config.ru: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "public"), 0o755); err != nil {
		t.Fatalf("mkdir public: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "public", "favicon.ico"), []byte("ico"), 0o644); err != nil {
		t.Fatalf("write favicon: %v", err)
	}

	rt := newTestChain(t, map[string]string{"foo": root})
	c := New(rt, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/favicon.ico", nil)
	req.Host = "foo.dev"
	rec := httptest.NewRecorder()

	if err := c.ServeHTTP(rec, req, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "ico" {
		t.Fatalf("expected static file body, got %q", got)
	}
}

func TestChain_RackRequestReachesApplication(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "config.ru"), nil, 0o644); err != nil {
		t.Fatalf("write config.ru: %v", err)
	}

	var observedPort string
	cfg := &application.Config{Workers: 1, Timeout: time.Minute, DstPort: 4001}
	pool := newFakePool()
	pool.handleFn = func(w http.ResponseWriter, r *http.Request) error {
		observedPort = r.Header.Get("X-Forwarded-Port")
		w.WriteHeader(http.StatusOK)
		return nil
	}
	newPool := func(root string, env map[string]string) (application.Pool, error) {
		return pool, nil
	}
	rt := router.New(&fakeResolver{roots: map[string]string{"foo": root}}, "dev", cfg, zaptest.NewLogger(t), newPool)
	c := New(rt, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "foo.dev"
	rec := httptest.NewRecorder()

	if err := c.ServeHTTP(rec, req, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if observedPort != "4001" {
		t.Fatalf("expected X-Forwarded-Port 4001, got %q", observedPort)
	}
}

func TestChain_NonRackRootMisses(t *testing.T) {
	root := t.TempDir()
	rt := newTestChain(t, map[string]string{"foo": root})
	c := New(rt, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "foo.dev"
	rec := httptest.NewRecorder()

	if err := c.ServeHTTP(rec, req, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestChain_ApplicationInitFailureRendersApplicationException(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "config.ru"), nil, 0o644); err != nil {
		t.Fatalf("write config.ru: %v", err)
	}

	cfg := &application.Config{Workers: 1, Timeout: time.Minute, DstPort: 3000}
	newPool := func(root string, env map[string]string) (application.Pool, error) {
		return nil, &application.RvmMissing{RvmPath: "/nonexistent"}
	}
	rt := router.New(&fakeResolver{roots: map[string]string{"foo": root}}, "dev", cfg, zaptest.NewLogger(t), newPool)
	c := New(rt, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "foo.dev"
	rec := httptest.NewRecorder()

	if err := c.ServeHTTP(rec, req, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Pow-Handler"); got != "ApplicationException" {
		t.Fatalf("expected X-Pow-Handler ApplicationException, got %q", got)
	}

	body := rec.Body.String()
	if !strings.Contains(body, root) {
		t.Fatalf("expected body to contain the application root %q, got %q", root, body)
	}
	if !strings.Contains(body, "rvm loader not found") {
		t.Fatalf("expected body to contain the error message, got %q", body)
	}
	if !strings.Contains(body, "goroutine") {
		t.Fatalf("expected body to contain a captured stack trace, got %q", body)
	}
}
