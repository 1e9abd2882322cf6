// Package pause implements the Request Pauser: it buffers an HTTP request
// body until a downstream consumer is ready to read it.
//
// Middleware earlier in the pipeline may need to perform asynchronous work —
// a filesystem probe, an initialization wait — before the eventual consumer
// of the body is attached. Without pausing, bytes read off the wire during
// that window would be lost to whichever goroutine happened to drain the
// socket first. Pause interposes a reader that actively drains the real
// body into memory until Resume is called, then replays the captured bytes
// before falling back to a direct pass-through.
package pause

import (
	"io"
	"net/http"
	"sync"
)

// Pauser buffers request body reads until Resume is called. It implements
// io.ReadCloser and is installed in place of the request's original body.
type Pauser struct {
	body io.ReadCloser

	mu      sync.Mutex
	buf     []byte
	err     error
	resumed bool

	done      chan struct{} // closed once the drain goroutine exits
	resumedCh chan struct{} // closed once Resume has taken effect
	once      sync.Once
}

// Pause installs a Pauser in place of req.Body and returns the function
// that releases it. The returned resume function is idempotent: calling it
// more than once is a no-op.
func Pause(req *http.Request) (resume func()) {
	p := &Pauser{
		body:      req.Body,
		done:      make(chan struct{}),
		resumedCh: make(chan struct{}),
	}
	req.Body = p
	go p.drain()
	return p.Resume
}

// drain reads from the underlying body into the in-memory queue until
// Resume is called or the stream ends.
func (p *Pauser) drain() {
	defer close(p.done)
	chunk := make([]byte, 32*1024)
	for {
		p.mu.Lock()
		resumed := p.resumed
		p.mu.Unlock()
		if resumed {
			return
		}

		n, err := p.body.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf = append(p.buf, chunk[:n]...)
			p.mu.Unlock()
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
	}
}

// Resume releases the buffered events to whoever reads next and switches
// subsequent reads to a direct pass-through of the underlying body.
func (p *Pauser) Resume() {
	p.once.Do(func() {
		p.mu.Lock()
		p.resumed = true
		p.mu.Unlock()
		<-p.done // wait for the drain loop's in-flight Read to settle
		close(p.resumedCh)
	})
}

// Read implements io.Reader. It blocks until Resume has been called, then
// serves buffered bytes before falling back to the underlying body.
func (p *Pauser) Read(dst []byte) (int, error) {
	<-p.resumedCh

	p.mu.Lock()
	if len(p.buf) > 0 {
		n := copy(dst, p.buf)
		p.buf = p.buf[n:]
		p.mu.Unlock()
		return n, nil
	}
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()

	return p.body.Read(dst)
}

// Close implements io.Closer, delegating to the underlying body.
func (p *Pauser) Close() error {
	return p.body.Close()
}
