// Package application implements the per-application state machine (spec
// component E): environment assembly, restart detection, and request
// admission gating in front of a worker pool.
package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/JustinCampbell/pow/internal/envsource"
)

// State is one of the three phases an Application moves through. It is
// monotonic forward except for the initializing→uninitialized reset that
// follows a failed initialization.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// RvmMissing reports that a root's .rvmrc exists but the configured rvm
// loader script does not.
type RvmMissing struct {
	RvmPath string
}

func (e *RvmMissing) Error() string {
	return fmt.Sprintf("rvm loader not found at %s", e.RvmPath)
}

// StackError augments an initialization failure with the call stack
// captured at the point it was detected, so the boot-failure page can
// display it alongside the error message.
type StackError struct {
	Err   error
	Stack string
}

func (e *StackError) Error() string { return e.Err.Error() }
func (e *StackError) Unwrap() error { return e.Err }

func withStack(err error) error {
	if err == nil {
		return nil
	}
	return &StackError{Err: err, Stack: string(debug.Stack())}
}

// Config is shared, read-only process configuration consulted by every
// Application. One Config is typically shared by every Application the
// router constructs.
type Config struct {
	Workers int
	Timeout time.Duration
	DstPort int
	RvmPath string
}

// Pool is the worker-pool contract an Application drives. It is satisfied
// by *workerpool.Pool; tests substitute a fake.
type Pool interface {
	Handle(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error
	Quit()
	Done() <-chan struct{}
}

// PoolFactory constructs a Pool for a freshly initialized Application. env
// is the fully assembled worker environment (script-sourced variables plus
// whatever the caller chooses to add).
type PoolFactory func(root string, env map[string]string) (Pool, error)

// Application is the per-root state machine described by the data model:
// it gates request admission on readiness, owns exactly one live pool at a
// time, and reacts to tmp/restart.txt changes.
type Application struct {
	root   string
	cfg    *Config
	logger *zap.Logger

	newPool PoolFactory

	mu      sync.Mutex
	state   State
	pool    Pool
	waiters []func(error)

	restartMTime    time.Time
	restartObserved bool
}

// New returns an Application for root in the uninitialized state. No I/O
// happens until Ready or Handle is called.
func New(root string, cfg *Config, logger *zap.Logger, newPool PoolFactory) *Application {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Application{
		root:    root,
		cfg:     cfg,
		logger:  logger.With(zap.String("root", root)),
		newPool: newPool,
	}
}

// Root returns the application's immutable root directory.
func (a *Application) Root() string { return a.root }

// State returns the application's current state, for introspection.
func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Ready invokes callback with nil once the Application reaches the ready
// state, or with the initialization error if it fails. If already ready,
// the callback runs synchronously. A call arriving mid-initialization joins
// the waiter queue rather than starting a second initialization.
func (a *Application) Ready(callback func(error)) {
	a.mu.Lock()
	switch a.state {
	case Ready:
		a.mu.Unlock()
		callback(nil)
		return
	case Initializing:
		a.waiters = append(a.waiters, callback)
		a.mu.Unlock()
		return
	default: // Uninitialized
		a.waiters = append(a.waiters, callback)
		a.state = Initializing
		a.mu.Unlock()
		go a.initialize()
	}
}

// initialize runs the environment-loading pipeline and, on success, creates
// a pool; in both outcomes it drains every waiter that queued up for this
// initialization in arrival order.
func (a *Application) initialize() {
	env, err := a.loadEnvironment()
	if err != nil {
		err = withStack(err)
		a.logger.Info("initialization failed", zap.Error(err), zap.String("stdout", scriptStdout(err)), zap.String("stderr", scriptStderr(err)))
		a.mu.Lock()
		a.state = Uninitialized
		waiters := a.waiters
		a.waiters = nil
		a.mu.Unlock()
		for _, w := range waiters {
			w(err)
		}
		return
	}

	pool, err := a.newPool(a.root, env)
	if err != nil {
		err = withStack(err)
		a.mu.Lock()
		a.state = Uninitialized
		waiters := a.waiters
		a.waiters = nil
		a.mu.Unlock()
		for _, w := range waiters {
			w(err)
		}
		return
	}

	a.mu.Lock()
	a.state = Ready
	a.pool = pool
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	a.logger.Info("application ready", zap.Int("workers", a.cfg.Workers))
	for _, w := range waiters {
		w(nil)
	}
}

// scriptStdout and scriptStderr extract captured output from a ScriptError,
// leaving other error kinds with empty fields rather than surfacing
// undefined values.
func scriptStdout(err error) string {
	var se *envsource.ScriptError
	if errors.As(err, &se) {
		return se.Stdout
	}
	return ""
}

func scriptStderr(err error) string {
	var se *envsource.ScriptError
	if errors.As(err, &se) {
		return se.Stderr
	}
	return ""
}

// loadEnvironment runs loadScriptEnvironment then, if .rvmrc is present,
// loadRvmEnvironment, returning the fully assembled worker environment.
func (a *Application) loadEnvironment() (map[string]string, error) {
	env, err := a.loadScriptEnvironment()
	if err != nil {
		return nil, err
	}
	return a.loadRvmEnvironment(env)
}

// loadScriptEnvironment sources .powrc then .powenv in order, each against
// the environment its predecessor produced. Missing files are no-ops.
func (a *Application) loadScriptEnvironment() (map[string]string, error) {
	env := flattenOSEnviron()

	for _, name := range []string{".powrc", ".powenv"} {
		path := filepath.Join(a.root, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		next, err := envsource.Source(context.Background(), path, env, "")
		if err != nil {
			return nil, err
		}
		env = next
	}
	return env, nil
}

// loadRvmEnvironment sources .rvmrc, preceded by loading the configured rvm
// script, when a root carries an .rvmrc file. Absent .rvmrc, env passes
// through unchanged.
func (a *Application) loadRvmEnvironment(env map[string]string) (map[string]string, error) {
	path := filepath.Join(a.root, ".rvmrc")
	if _, err := os.Stat(path); err != nil {
		return env, nil
	}

	if a.cfg.RvmPath != "" {
		if _, err := os.Stat(a.cfg.RvmPath); err != nil {
			return nil, &RvmMissing{RvmPath: a.cfg.RvmPath}
		}
	}

	before := fmt.Sprintf(". %s", envsource.ShellQuote(a.cfg.RvmPath))
	return envsource.Source(context.Background(), path, env, before)
}

// flattenOSEnviron seeds a script-sourcing chain from the proxy process's
// own environment, mirroring how a shell inherits its parent's variables.
func flattenOSEnviron() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// Handle admits a request: it waits for readiness (triggering
// initialization if needed), performs the restart check, sets the
// X-Forwarded-Port header to the configured DstPort, and hands off to the
// pool. resume is called exactly once
// (idempotently — the underlying Pauser guards repeat calls), immediately
// before the pool actually reads the request, so the reverse proxy can
// drain the body concurrently with sending it upstream instead of after
// the round trip is already waiting on it; on an init failure it runs
// immediately instead. next is always called exactly once, carrying the
// upstream error (if any) so a caller driving a handler chain can tell
// handoff apart from a failure; done, if non-nil, runs immediately before
// next on the success path.
func (a *Application) Handle(w http.ResponseWriter, r *http.Request, next func(error), resume func(), done func()) {
	a.Ready(func(err error) {
		if err != nil {
			resume()
			next(err)
			return
		}

		a.restartIfNecessary(func() {
			a.serve(w, r, next, resume, done)
		})
	})
}

// serve hands a ready request off to the live pool. If a.pool is nil here,
// restartIfNecessary just tore the old one down to settle a restart, and
// the request that triggered it is what's supposed to wait for the fresh
// pool and be served by it (spec.md's restart contract) rather than fail —
// so it re-enters Ready itself, which starts that fresh initialization, and
// retries the handoff once it settles.
func (a *Application) serve(w http.ResponseWriter, r *http.Request, next func(error), resume func(), done func()) {
	r.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", a.cfg.DstPort))

	a.mu.Lock()
	pool := a.pool
	a.mu.Unlock()

	if pool == nil {
		a.Ready(func(err error) {
			if err != nil {
				resume()
				next(err)
				return
			}
			a.serve(w, r, next, resume, done)
		})
		return
	}

	resume()
	handleErr := pool.Handle(w, r, caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return nil
	}))
	if handleErr != nil {
		next(handleErr)
		return
	}
	if done != nil {
		done()
	}
	next(nil)
}

// Quit tears down the live pool, if any, invoking callback once the pool's
// terminal exit fires. It flips state to Uninitialized synchronously,
// before the asynchronous teardown completes, so that Invariant 1 ("a pool
// exists iff state = ready") holds at every instant rather than only
// between requests: no caller can observe state = ready with a pool that
// is already being drained.
func (a *Application) Quit(callback func()) {
	a.mu.Lock()
	if a.state != Ready {
		a.mu.Unlock()
		if callback != nil {
			callback()
		}
		return
	}
	pool := a.pool
	a.pool = nil
	a.state = Uninitialized
	a.mu.Unlock()

	go func() {
		pool.Quit()
		<-pool.Done()
		if callback != nil {
			callback()
		}
	}()
}

// restartIfNecessary stats tmp/restart.txt and compares its mtime against
// the last observed value. A changed mtime issues quit and lets callback
// run once the old pool has drained (which, per Ready, triggers the next
// request's initialization). A missing file or a stat error clears the
// baseline instead of leaving a stale one behind, so a restart.txt that
// reappears later is compared against "absent" and treated as a fresh
// first observation, never diffed against an mtime from before it
// vanished. The very first observation of a present file is likewise
// recorded as a baseline without being treated as a change, so a freshly
// booted pool is never restarted out from under its own first request.
func (a *Application) restartIfNecessary(callback func()) {
	path := filepath.Join(a.root, "tmp", "restart.txt")
	info, statErr := os.Stat(path)

	a.mu.Lock()
	if statErr != nil {
		a.restartObserved = false
		a.restartMTime = time.Time{}
		a.mu.Unlock()
		callback()
		return
	}

	mtime := info.ModTime()
	hadBaseline := a.restartObserved
	changed := hadBaseline && !mtime.Equal(a.restartMTime)
	a.restartMTime = mtime
	a.restartObserved = true

	if !changed {
		a.mu.Unlock()
		callback()
		return
	}

	pool := a.pool
	a.pool = nil
	a.state = Uninitialized
	a.mu.Unlock()

	a.logger.Info("restart triggered", zap.Time("mtime", mtime))
	go func() {
		if pool != nil {
			pool.Quit()
			<-pool.Done()
		}
		callback()
	}()
}
