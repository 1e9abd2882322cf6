package workerpool

import (
	"context"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeProcess returns a real, short-lived process so that (*Pool).terminate
// has something harmless to signal; it self-terminates regardless, so a
// leaked reference in a failed test cannot linger.
func fakeProcess(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start fake process: %v", err)
	}
	t.Cleanup(func() { cmd.Process.Kill() })
	return cmd
}

// newTestPool builds a Pool with a fake spawnFn so scheduling logic can be
// exercised without starting real subprocesses or provisioning a real
// reverseproxy.Handler (which requires a caddy.Context).
func newTestPool(t *testing.T, size int, idleTimeout time.Duration) (*Pool, *int32) {
	t.Helper()
	var spawnCount int32
	p := &Pool{
		opts:   Options{Size: size, IdleTimeout: idleTimeout},
		logger: zaptest.NewLogger(t),
		idle:   make(chan *worker, size),
		doneCh: make(chan struct{}),
	}
	p.spawnFn = func(ctx context.Context) (*worker, error) {
		port := int(atomic.AddInt32(&spawnCount, 1))
		return &worker{
			proc:   fakeProcess(t).Process,
			cancel: func() {},
			port:   port,
		}, nil
	}
	return p, &spawnCount
}

func TestPool_AcquireSpawnsUpToSize(t *testing.T) {
	p, spawnCount := newTestPool(t, 2, time.Minute)
	ctx := context.Background()

	w1, err := p.acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w2, err := p.acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w1 == w2 {
		t.Fatal("expected two distinct workers")
	}
	if got := atomic.LoadInt32(spawnCount); got != 2 {
		t.Fatalf("expected 2 spawns, got %d", got)
	}
}

func TestPool_AcquireQueuesWhenFull(t *testing.T) {
	p, spawnCount := newTestPool(t, 1, time.Minute)
	ctx := context.Background()

	w1, err := p.acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan *worker, 1)
	go func() {
		w, err := p.acquire(ctx)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		acquired <- w
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have queued behind the busy worker")
	case <-time.After(30 * time.Millisecond):
	}

	p.release(w1)

	select {
	case w2 := <-acquired:
		if w2 != w1 {
			t.Fatal("expected the queued caller to receive the released worker")
		}
	case <-time.After(time.Second):
		t.Fatal("queued acquire never completed")
	}

	if got := atomic.LoadInt32(spawnCount); got != 1 {
		t.Fatalf("expected exactly 1 spawn (reuse, not a second spawn), got %d", got)
	}
}

func TestPool_AcquireRespectsContextCancellation(t *testing.T) {
	p, _ := newTestPool(t, 1, time.Minute)

	// saturate the pool
	if _, err := p.acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.acquire(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestPool_IdleWorkerIsTerminatedAfterTimeout(t *testing.T) {
	p, _ := newTestPool(t, 1, 20*time.Millisecond)

	w, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.release(w)

	time.Sleep(100 * time.Millisecond)

	p.mu.Lock()
	created := p.created
	p.mu.Unlock()
	if created != 0 {
		t.Fatalf("expected idle worker to be terminated, created=%d", created)
	}
}

func TestPool_QuitClosesDoneOnceAllWorkersExit(t *testing.T) {
	p, _ := newTestPool(t, 1, time.Minute)

	w, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Quit()

	select {
	case <-p.Done():
		t.Fatal("Done fired before the busy worker was released")
	case <-time.After(30 * time.Millisecond):
	}

	p.release(w)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never fired after the last worker was released")
	}
}

func TestPool_AcquireAfterQuitFails(t *testing.T) {
	p, _ := newTestPool(t, 1, time.Minute)
	p.Quit()

	_, err := p.acquire(context.Background())
	if err != ErrQuitting {
		t.Fatalf("expected ErrQuitting, got %v", err)
	}
}
