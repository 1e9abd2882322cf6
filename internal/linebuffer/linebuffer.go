// Package linebuffer chunks an arbitrary byte stream into newline-terminated
// lines, used to forward worker-pool stdout/stderr into the logger at line
// granularity.
package linebuffer

import "bytes"

// LineBuffer implements io.Writer, accumulating partial lines across Write
// calls and invoking OnLine for each newline-terminated line with the
// trailing newline (and any carriage return) stripped. A final partial line
// is delivered when Close is called.
type LineBuffer struct {
	OnLine func(line string)

	buf []byte
}

// New returns a LineBuffer that invokes onLine for each complete line.
func New(onLine func(line string)) *LineBuffer {
	return &LineBuffer{OnLine: onLine}
}

// Write implements io.Writer. It never returns an error; len(p) is always
// reported as written.
func (lb *LineBuffer) Write(p []byte) (int, error) {
	lb.buf = append(lb.buf, p...)
	for {
		i := bytes.IndexByte(lb.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(lb.buf[:i], []byte("\r"))
		lb.OnLine(string(line))
		lb.buf = lb.buf[i+1:]
	}
	return len(p), nil
}

// Close flushes any partial final line that was never newline-terminated.
func (lb *LineBuffer) Close() error {
	if len(lb.buf) > 0 {
		lb.OnLine(string(lb.buf))
		lb.buf = nil
	}
	return nil
}
