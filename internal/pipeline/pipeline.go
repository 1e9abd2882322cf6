// Package pipeline implements the middleware pipeline (spec component G):
// an ordered handler chain with a distinguished error slot, request
// annotation, and the static-file fast path that lets a matching file
// short-circuit the rack branch entirely.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sync"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/JustinCampbell/pow/internal/application"
	"github.com/JustinCampbell/pow/internal/pause"
	"github.com/JustinCampbell/pow/internal/router"
)

// Annotation is the per-request context the pipeline threads alongside the
// request: the resolved host and root, and the Request Pauser's resume
// function. It replaces the source's dynamic req.pow attachment with a
// typed context value.
type Annotation struct {
	Host   string
	Root   string
	Resume func()
}

type ctxKey string

const (
	annotationKey ctxKey = "pow-annotation"
	appKey        ctxKey = "pow-application"
)

func withAnnotation(r *http.Request, ann *Annotation) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), annotationKey, ann))
}

// annotationFrom retrieves the Annotation attached by findApplicationRoot,
// panicking if none is present — a programming error, since
// findApplicationRoot always runs first.
func annotationFrom(r *http.Request) *Annotation {
	ann, _ := r.Context().Value(annotationKey).(*Annotation)
	if ann == nil {
		panic("pipeline: request has no annotation; findApplicationRoot did not run")
	}
	return ann
}

func withAppAnnotation(r *http.Request, app *application.Application) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), appKey, app))
}

// appFrom retrieves the Application attached by findRackApplication,
// panicking if none is present — a programming error, since
// handleApplicationRequest only ever runs after findRackApplication.
func appFrom(r *http.Request) *application.Application {
	app, _ := r.Context().Value(appKey).(*application.Application)
	if app == nil {
		panic("pipeline: request has no application; findRackApplication did not run")
	}
	return app
}

// next is what a normal step calls to defer to the rest of the chain: nil
// err and the (possibly annotated) request to continue, or a non-nil err
// to jump straight to the error slot.
type next func(err error, r *http.Request)

// normalStep is the "Normal" half of the discriminated handler variant
// spec.md's design notes call for: `(req, res, next)`, free to complete
// asynchronously (handleApplicationRequest does, by way of
// Application.Handle's own asynchronous readiness wait). A step that has
// written a response itself — a static-file hit, a rendered error page —
// calls finish instead of next to end the chain without advancing it.
type normalStep func(w http.ResponseWriter, r *http.Request, next next, finish func())

// Chain is the ordered handler list spec.md §4.G names:
// [logRequest, findApplicationRoot, handleStaticRequest, findRackApplication,
// handleApplicationRequest, errorRenderer].
type Chain struct {
	Router *router.Router
	Logger *zap.Logger

	handlers []normalStep
	errorFn  func(err error, w http.ResponseWriter, r *http.Request)
}

// New assembles the pipeline's fixed handler order.
func New(rt *router.Router, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{Router: rt, Logger: logger}
	c.handlers = []normalStep{
		c.logRequest,
		c.findApplicationRoot,
		c.handleStaticRequest,
		c.findRackApplication,
		c.handleApplicationRequest,
	}
	c.errorFn = c.errorRenderer
	return c
}

// ServeHTTP drives the chain in order via continuation-passing and blocks
// until the chain reaches its end, an error, or a step that wrote a
// response itself. Some steps (handleApplicationRequest, by way of
// Application.Handle's readiness wait) complete on another goroutine
// rather than before returning, so ServeHTTP cannot simply loop in order —
// it must not return until that asynchronous work finishes, since a
// net/http handler returning ends the request.
//
// Implements caddyhttp.MiddlewareHandler's shape so a Caddy module can
// delegate straight into it.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	done := make(chan struct{})

	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	var run func(i int, r *http.Request)
	run = func(i int, r *http.Request) {
		if i >= len(c.handlers) {
			finish()
			return
		}
		c.handlers[i](w, r, func(err error, r *http.Request) {
			if err != nil {
				c.errorFn(err, w, r)
				finish()
				return
			}
			run(i+1, r)
		}, finish)
	}
	run(0, r)

	<-done
	return nil
}

// logRequest is the chain's first step: a one-line structured log entry
// per request.
func (c *Chain) logRequest(w http.ResponseWriter, r *http.Request, next next, finish func()) {
	c.Logger.Info("request", zap.String("method", r.Method), zap.String("host", r.Host), zap.String("path", r.URL.Path))
	next(nil, r)
}

// findApplicationRoot resolves the Host header to an application root,
// pauses the request body, and attaches the Annotation that downstream
// steps read. An unresolved host renders the NonexistentDomain page
// directly and ends the chain.
func (c *Chain) findApplicationRoot(w http.ResponseWriter, r *http.Request, next next, finish func()) {
	root, ok, err := c.Router.RouteForHost(r.Host)
	if err != nil {
		next(err, r)
		return
	}
	if !ok {
		renderNonexistentDomain(w, r.Host, c.Router.SuggestedLinkPath(r.Host))
		finish()
		return
	}

	resume := pause.Pause(r)
	ann := &Annotation{Host: r.Host, Root: root, Resume: resume}
	next(nil, withAnnotation(r, ann))
}

// handleStaticRequest serves a matching file under the root's public
// directory for GET/HEAD requests. When nothing matches it defers
// unchanged; resume is not released here — the rack branch still needs to
// decide whether it even has an Application before the body can safely be
// unblocked, so handleApplicationRequest (or findRackApplication, on a
// miss) is what releases it.
func (c *Chain) handleStaticRequest(w http.ResponseWriter, r *http.Request, next next, finish func()) {
	ann := annotationFrom(r)
	handler := c.Router.StaticHandlerForRoot(ann.Root)

	if handler.Match(r.Method, r.URL.Path) {
		ann.Resume()
		handler.ServeHTTP(w, r)
		finish()
		return
	}

	next(nil, r)
}

// findRackApplication locates or creates the Application for the
// annotation's root. A root without config.ru is not a rack app; the
// static branch above is the only thing such a root can ever serve, so
// this resumes the pause and ends the chain as a miss.
func (c *Chain) findRackApplication(w http.ResponseWriter, r *http.Request, next next, finish func()) {
	ann := annotationFrom(r)
	app, ok := c.Router.ApplicationForRoot(ann.Root)
	if !ok {
		ann.Resume()
		http.NotFound(w, r)
		finish()
		return
	}

	next(nil, withAppAnnotation(r, app))
}

// handleApplicationRequest hands the request to the Application, passing
// the pause's resume function as Handle's resume argument (done is nil), so
// the body is released at handoff, just before the pool reads it.
// Application.Handle always calls next exactly once,
// carrying the upstream error (if any), which either jumps to the error
// slot or ends the chain at its tail.
func (c *Chain) handleApplicationRequest(w http.ResponseWriter, r *http.Request, nextFn next, finish func()) {
	ann := annotationFrom(r)
	app := appFrom(r)

	app.Handle(w, r, func(err error) { nextFn(err, r) }, ann.Resume, nil)
}

// errorRenderer is the chain's distinguished error slot: it renders the
// boot-failure 500 page for any error reaching it.
func (c *Chain) errorRenderer(err error, w http.ResponseWriter, r *http.Request) {
	ann, _ := r.Context().Value(annotationKey).(*Annotation)
	root := ""
	if ann != nil {
		root = ann.Root
	}
	renderApplicationException(w, root, err)
}

func renderNonexistentDomain(w http.ResponseWriter, host, suggestedPath string) {
	w.Header().Set("Content-Type", "text/html; charset=utf8")
	w.Header().Set("X-Pow-Handler", "NonexistentDomain")
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, "<html><body><h1>Unknown application</h1><p>No application found for host %s.</p><p>Try: <code>ln -s /path/to/app %s</code></p></body></html>",
		html.EscapeString(host), html.EscapeString(suggestedPath))
}

func renderApplicationException(w http.ResponseWriter, root string, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf8")
	w.Header().Set("X-Pow-Handler", "ApplicationException")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "<html><body><h1>Application failed to start</h1><p>%s</p><pre>%s</pre><pre>%s</pre></body></html>",
		html.EscapeString(root), html.EscapeString(err.Error()), html.EscapeString(stackTrace(err)))
}

// stackTrace extracts the call stack captured when an initialization error
// was first detected, if the error carries one.
func stackTrace(err error) string {
	var se *application.StackError
	if errors.As(err, &se) {
		return se.Stack
	}
	return ""
}
