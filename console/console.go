// Package console matches device output against regular expressions under
// a deadline, the way an expect script does.
package console

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrTimeout is the sentinel wrapped into every deadline failure, so
// callers can tell a silent device from a broken link with errors.Is.
var ErrTimeout = os.ErrDeadlineExceeded

// Waiter owns the read side of a port. A single pump goroutine delivers
// bytes over a channel so that WaitFor can give up on a deadline without
// abandoning a blocked Read mid-stream; bytes not consumed by one call
// stay queued for the next.
type Waiter struct {
	c chan byte

	mu  sync.Mutex
	err error
}

// NewWaiter starts reading from r. The caller must not read from r
// directly afterwards.
func NewWaiter(r io.Reader) *Waiter {
	w := &Waiter{c: make(chan byte, 4096)}
	go w.pump(r)
	return w
}

func (w *Waiter) pump(r io.Reader) {
	b := make([]byte, 256)
	for {
		n, err := r.Read(b)
		for i := 0; i < n; i++ {
			w.c <- b[i]
		}
		if err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			close(w.c)
			return
		}
	}
}

func (w *Waiter) readErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		return io.EOF
	}
	return w.err
}

// WaitFor accumulates device output until it matches pattern or the
// deadline elapses. On a match it returns the submatches in
// regexp.FindStringSubmatch order: index 0 is the full match, index 1 the
// first capture group. A deadline failure wraps ErrTimeout; a read
// failure is returned as-is.
func (w *Waiter) WaitFor(pattern string, timeout time.Duration) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var buf []byte
	for {
		select {
		case b, ok := <-w.c:
			if !ok {
				return nil, w.readErr()
			}
			buf = append(buf, b)
			m := re.FindSubmatch(buf)
			if m == nil {
				continue
			}
			log.Debugf("console matched %q after %v bytes", pattern, len(buf))
			groups := make([]string, len(m))
			for i := range m {
				groups[i] = string(m[i])
			}
			return groups, nil
		case <-deadline.C:
			return nil, fmt.Errorf("%w waiting for %q", ErrTimeout, pattern)
		}
	}
}

// ReadByte returns the next byte of device output, or an error wrapping
// ErrTimeout when none arrives before the deadline.
func (w *Waiter) ReadByte(timeout time.Duration) (byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case b, ok := <-w.c:
		if !ok {
			return 0, w.readErr()
		}
		return b, nil
	case <-deadline.C:
		return 0, fmt.Errorf("%w waiting for a byte", ErrTimeout)
	}
}
