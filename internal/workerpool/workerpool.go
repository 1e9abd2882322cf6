// Package workerpool supplies the concrete implementation behind the
// worker-pool contract an Application consumes (spec component D): a set of
// up to Size long-lived backend processes, spawned on demand, queued on
// when busy, and idled out individually after a period of inactivity.
//
// Requests are dialed through Caddy's own reverseproxy.Handler, the same
// transport the teacher module uses to reach its backend process.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"go.uber.org/zap"

	"github.com/JustinCampbell/pow/internal/linebuffer"
)

// ErrQuitting is returned by Handle when a request arrives for a pool that
// has already been told to quit.
var ErrQuitting = errors.New("workerpool: pool is quitting")

// basePort is the first port workers are assigned; each pool claims a
// disjoint range so co-resident applications never collide.
var basePort int32 = 20000

func nextBasePort(size int) int {
	return int(atomic.AddInt32(&basePort, int32(size))) - size
}

// Options configures a Pool.
type Options struct {
	// Root is the application directory; workers are launched with it as
	// their working directory.
	Root string
	// Env is the worker process environment, already fully assembled
	// (§4.B's output; the destination port travels per request as the
	// X-Forwarded-Port header, not in Env).
	Env map[string]string
	// Size is the maximum number of concurrent worker processes.
	Size int
	// IdleTimeout is how long a worker may sit unused before it is
	// terminated.
	IdleTimeout time.Duration
	// Command and Args launch one worker, bound to a port appended as
	// "-p", "<port>". Command defaults to "rackup" when empty, the
	// conventional way to serve a config.ru application.
	Command string
	Args    []string

	Logger *zap.Logger
}

type worker struct {
	proc      *os.Process
	cancel    context.CancelFunc
	port      int
	idleTimer *time.Timer
}

func (w *worker) stopIdleTimer() bool {
	if w.idleTimer == nil {
		return true
	}
	ok := w.idleTimer.Stop()
	w.idleTimer = nil
	return ok
}

// Pool is a live worker pool for one Application.
type Pool struct {
	opts   Options
	logger *zap.Logger
	proxy  *reverseproxy.Handler

	// spawnFn starts one worker; it is a field (rather than a direct call
	// to (*Pool).spawn) so tests can substitute a fake worker launcher
	// without starting a real subprocess.
	spawnFn func(ctx context.Context) (*worker, error)

	mu       sync.Mutex
	created  int
	quitting bool
	nextPort int

	idle chan *worker

	assignments sync.Map // *http.Request -> *worker

	doneCh   chan struct{}
	doneOnce sync.Once
}

// New creates a pool. It does not spawn any workers eagerly; the first
// worker is started on demand, on the first request.
func New(ctx caddy.Context, opts Options) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("workerpool: size must be positive")
	}
	if opts.Command == "" {
		opts.Command = "rackup"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		opts:     opts,
		logger:   logger,
		idle:     make(chan *worker, opts.Size),
		nextPort: nextBasePort(opts.Size),
		doneCh:   make(chan struct{}),
	}
	p.spawnFn = p.spawn

	rp := &reverseproxy.Handler{DynamicUpstreams: p}
	if err := rp.Provision(ctx); err != nil {
		return nil, fmt.Errorf("workerpool: provisioning reverse proxy: %w", err)
	}
	p.proxy = rp
	return p, nil
}

// Handle hands a request to an available worker, blocking (queuing) if all
// workers are currently busy, and releases the worker back to the pool once
// the round trip completes.
func (p *Pool) Handle(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	err := p.proxy.ServeHTTP(w, r, next)
	if wk, ok := p.assignments.LoadAndDelete(r); ok {
		p.release(wk.(*worker))
	}
	return err
}

// GetUpstreams implements reverseproxy.UpstreamSource. It acquires a
// worker (spawning or queuing as needed) and returns its dial address; the
// worker is released once Handle's round trip completes.
func (p *Pool) GetUpstreams(r *http.Request) ([]*reverseproxy.Upstream, error) {
	w, err := p.acquire(r.Context())
	if err != nil {
		return nil, err
	}
	p.assignments.Store(r, w)
	return []*reverseproxy.Upstream{{Dial: fmt.Sprintf("127.0.0.1:%d", w.port)}}, nil
}

func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	for {
		p.mu.Lock()
		if p.quitting {
			p.mu.Unlock()
			return nil, ErrQuitting
		}
		if p.created < p.opts.Size {
			p.created++
			p.mu.Unlock()
			w, err := p.spawnFn(ctx)
			if err != nil {
				p.mu.Lock()
				p.created--
				p.mu.Unlock()
				return nil, err
			}
			return w, nil
		}
		p.mu.Unlock()

		select {
		case w, ok := <-p.idle:
			if !ok {
				return nil, ErrQuitting
			}
			if !w.stopIdleTimer() {
				// the idle timer fired concurrently with this receive;
				// the worker is being (or was) terminated. Retry.
				continue
			}
			return w, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) release(w *worker) {
	p.mu.Lock()
	if p.quitting {
		p.mu.Unlock()
		p.terminate(w, "pool quit")
		return
	}
	p.mu.Unlock()

	w.idleTimer = time.AfterFunc(p.opts.IdleTimeout, func() {
		p.terminate(w, "idle timeout")
	})

	select {
	case p.idle <- w:
	default:
		// capacity is always Size and a worker is only released once, so
		// this channel can never be full; guard against it regardless.
		p.terminate(w, "idle queue unexpectedly full")
	}
}

// Quit drains and terminates every worker. It does not block; use Done to
// wait for the terminal exit event.
func (p *Pool) Quit() {
	p.mu.Lock()
	if p.quitting {
		p.mu.Unlock()
		return
	}
	p.quitting = true
	p.mu.Unlock()

drain:
	for {
		select {
		case w := <-p.idle:
			w.stopIdleTimer()
			p.terminate(w, "pool quit")
		default:
			break drain
		}
	}
	close(p.idle)

	p.mu.Lock()
	remaining := p.created
	p.mu.Unlock()
	if remaining == 0 {
		p.doneOnce.Do(func() { close(p.doneCh) })
	}
}

// Done returns a channel closed once every worker (busy or idle) has
// exited following Quit.
func (p *Pool) Done() <-chan struct{} {
	return p.doneCh
}

func (p *Pool) terminate(w *worker, reason string) {
	w.cancel()
	killProcessGroup(w.proc)
	p.logger.Info("worker exited",
		zap.Int("pid", w.proc.Pid),
		zap.String("reason", reason))

	p.mu.Lock()
	p.created--
	remaining := p.created
	quitting := p.quitting
	p.mu.Unlock()

	if quitting && remaining == 0 {
		p.doneOnce.Do(func() { close(p.doneCh) })
	}
}

func killProcessGroup(proc *os.Process) {
	if proc == nil {
		return
	}
	if runtime.GOOS != "windows" {
		syscall.Kill(-proc.Pid, syscall.SIGKILL)
	} else {
		proc.Kill()
	}
}

func (p *Pool) spawn(ctx context.Context) (*worker, error) {
	p.mu.Lock()
	port := p.nextPort
	p.nextPort++
	p.mu.Unlock()

	spawnCtx, cancel := context.WithCancel(context.Background())
	args := append(append([]string{}, p.opts.Args...), "-p", fmt.Sprintf("%d", port))
	cmd := exec.CommandContext(spawnCtx, p.opts.Command, args...)
	cmd.Dir = p.opts.Root
	cmd.Env = flattenEnv(p.opts.Env)
	configureBackendProcAttrs(cmd)

	stdout := linebuffer.New(func(line string) {
		p.logger.Info("worker stdout", zap.Int("port", port), zap.String("msg", line))
	})
	stderr := linebuffer.New(func(line string) {
		p.logger.Info("worker stderr", zap.Int("port", port), zap.String("msg", line))
	})
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("workerpool: starting worker: %w", err)
	}

	w := &worker{proc: cmd.Process, cancel: cancel, port: port}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(exited)
	}()

	if err := p.awaitReady(spawnCtx, port, exited); err != nil {
		cancel()
		killProcessGroup(w.proc)
		return nil, err
	}

	p.logger.Info("worker ready", zap.Int("pid", w.proc.Pid), zap.Int("port", port))
	return w, nil
}

func (p *Pool) awaitReady(ctx context.Context, port int, exited <-chan struct{}) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	client := &http.Client{Timeout: 500 * time.Millisecond}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				return nil
			}
		case <-exited:
			return fmt.Errorf("workerpool: worker process exited before becoming ready")
		case <-deadline:
			return fmt.Errorf("workerpool: timed out waiting for worker readiness on port %d", port)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
