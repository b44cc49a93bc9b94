package sandbox

import (
	"io"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// Demux splits one raw attach channel carrying Docker's 8-byte-framed
// multiplexed stdout/stderr into two independent byte streams. Byte order
// within each logical stream is preserved; framing is decoded before any
// text handling so frame boundaries survive intact.
//
// Delivery policy is buffered: writes into the derived streams never block
// the raw channel's reader, so a slow consumer delays delivery but cannot
// stall the sandbox or lose data within the session's lifetime. End-of-stream
// and read errors on the raw channel propagate to both derived streams.
func Demux(raw io.Reader) (stdout, stderr io.ReadCloser) {
	out := newBufferedStream()
	errs := newBufferedStream()

	go func() {
		_, err := stdcopy.StdCopy(out, errs, raw)
		out.CloseWithError(err)
		errs.CloseWithError(err)
	}()

	return out, errs
}

// bufferedStream is an unbounded byte queue connecting one writer goroutine
// to one reader. Write never blocks; Read blocks until data arrives or the
// stream is closed.
type bufferedStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	err    error // Terminal error delivered after the buffer drains.
}

func newBufferedStream() *bufferedStream {
	s := &bufferedStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *bufferedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.buf = append(s.buf, p...)
	s.cond.Broadcast()
	return len(p), nil
}

func (s *bufferedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Close marks the stream ended. Buffered data remains readable; subsequent
// reads past it return io.EOF.
func (s *bufferedStream) Close() error {
	s.CloseWithError(nil)
	return nil
}

// CloseWithError marks the stream ended with err surfaced after the buffer
// drains. A nil or io.EOF err yields a clean io.EOF to the reader.
func (s *bufferedStream) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err != nil && err != io.EOF {
		s.err = err
	}
	s.cond.Broadcast()
}
