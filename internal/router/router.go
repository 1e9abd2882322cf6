// Package router implements the host router (spec component F): host→root
// resolution, the Application cache, and the static-handler cache, both
// keyed by application root.
package router

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JustinCampbell/pow/internal/application"
	"github.com/JustinCampbell/pow/internal/static"
)

// HostResolver maps a host prefix to an application root. A present root
// with a nil error means the host is configured; ("", nil) means it is
// not. It is the pluggable collaborator spec.md's Configuration object
// names as FindApplicationRootForHost.
type HostResolver interface {
	Resolve(hostPrefix string) (string, error)
	SuggestedLinkPath(hostPrefix string) string
}

// AppStatus is a read-only snapshot of one cached Application, as returned
// by Router.Status.
type AppStatus struct {
	Root  string
	State application.State
}

// Router is the Host Router's state: an Application cache and a static
// handler cache, both keyed by application root, plus the host resolver
// used to translate incoming Host headers into roots.
type Router struct {
	Resolver HostResolver
	Domain   string
	Cfg      *application.Config
	Logger   *zap.Logger
	NewPool  application.PoolFactory

	mu                   sync.Mutex
	applicationsByRoot   map[string]*application.Application
	staticHandlersByRoot map[string]*static.Handler
}

// New returns a Router with empty caches.
func New(resolver HostResolver, domain string, cfg *application.Config, logger *zap.Logger, newPool application.PoolFactory) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		Resolver:             resolver,
		Domain:               domain,
		Cfg:                  cfg,
		Logger:               logger,
		NewPool:              newPool,
		applicationsByRoot:   make(map[string]*application.Application),
		staticHandlersByRoot: make(map[string]*static.Handler),
	}
}

// HostPrefix strips any ":port" suffix and the configured domain suffix
// from a Host header, leaving the label used to look up a root. "foo.dev"
// with Domain "dev" yields "foo"; an unrecognized suffix is passed through
// unchanged so a resolver keyed on the full host still works.
func (r *Router) HostPrefix(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if r.Domain != "" && strings.HasSuffix(host, "."+r.Domain) {
		return strings.TrimSuffix(host, "."+r.Domain)
	}
	return host
}

// RouteForHost resolves host to an application root. ok is false when no
// root is configured for host; the caller renders the "domain not
// configured" page in that case using SuggestedLinkPath.
func (r *Router) RouteForHost(host string) (root string, ok bool, err error) {
	prefix := r.HostPrefix(host)
	root, err = r.Resolver.Resolve(prefix)
	if err != nil {
		return "", false, err
	}
	if root == "" {
		return "", false, nil
	}
	return root, true, nil
}

// SuggestedLinkPath exposes the resolver's suggested symlink path for the
// "domain not configured" error page body.
func (r *Router) SuggestedLinkPath(host string) string {
	return r.Resolver.SuggestedLinkPath(r.HostPrefix(host))
}

// ApplicationForRoot returns the cached Application for root, creating one
// if config.ru is present and none exists yet. If config.ru is absent and
// an Application is cached, it is evicted and quit (fire-and-forget): the
// root has ceased to be a rack-style app. ok reports whether root is
// presently a rack app (and so application is non-nil).
func (r *Router) ApplicationForRoot(root string) (app *application.Application, ok bool) {
	_, statErr := os.Stat(filepath.Join(root, "config.ru"))
	isRackApp := statErr == nil

	r.mu.Lock()
	existing := r.applicationsByRoot[root]

	if !isRackApp {
		if existing != nil {
			delete(r.applicationsByRoot, root)
		}
		r.mu.Unlock()
		if existing != nil {
			existing.Quit(nil)
		}
		return nil, false
	}

	if existing != nil {
		r.mu.Unlock()
		return existing, true
	}

	app = application.New(root, r.Cfg, r.Logger, r.NewPool)
	r.applicationsByRoot[root] = app
	r.mu.Unlock()
	return app, true
}

// StaticHandlerForRoot returns the memoised static handler rooted at
// root/public, creating it on first use.
func (r *Router) StaticHandlerForRoot(root string) *static.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.staticHandlersByRoot[root]; ok {
		return h
	}
	h := static.New(filepath.Join(root, "public"))
	r.staticHandlersByRoot[root] = h
	return h
}

// CloseAll quits every cached Application, invoked when the listener
// closes. It does not wait for the quits to drain: each Quit is called
// with a nil callback, so completion is not observed here.
func (r *Router) CloseAll() {
	r.mu.Lock()
	apps := make([]*application.Application, 0, len(r.applicationsByRoot))
	for _, app := range r.applicationsByRoot {
		apps = append(apps, app)
	}
	r.applicationsByRoot = make(map[string]*application.Application)
	r.mu.Unlock()

	for _, app := range apps {
		app.Quit(nil)
	}
}

// Status returns a snapshot of every cached Application's root and state.
// No command or HTTP route in this module exposes it.
func (r *Router) Status() []AppStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AppStatus, 0, len(r.applicationsByRoot))
	for root, app := range r.applicationsByRoot {
		out = append(out, AppStatus{Root: root, State: app.State()})
	}
	return out
}
