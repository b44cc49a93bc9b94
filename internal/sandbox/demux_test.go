package sandbox

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// mux writes framed stdout/stderr payloads the way the Docker attach
// channel delivers them.
func mux(t *testing.T, frames ...func(w *bytes.Buffer)) *bytes.Buffer {
	t.Helper()
	var raw bytes.Buffer
	for _, f := range frames {
		f(&raw)
	}
	return &raw
}

func outFrame(payload string) func(w *bytes.Buffer) {
	return func(w *bytes.Buffer) {
		if _, err := stdcopy.NewStdWriter(w, stdcopy.Stdout).Write([]byte(payload)); err != nil {
			panic(err)
		}
	}
}

func errFrame(payload string) func(w *bytes.Buffer) {
	return func(w *bytes.Buffer) {
		if _, err := stdcopy.NewStdWriter(w, stdcopy.Stderr).Write([]byte(payload)); err != nil {
			panic(err)
		}
	}
}

func TestDemux_SplitsStreams(t *testing.T) {
	raw := mux(t,
		outFrame("line one\n"),
		errFrame("warning: something\n"),
		outFrame("line two\n"),
	)

	stdout, stderr := Demux(raw)

	out, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if got := string(out); got != "line one\nline two\n" {
		t.Errorf("stdout = %q, want %q", got, "line one\nline two\n")
	}

	errOut, err := io.ReadAll(stderr)
	if err != nil {
		t.Fatalf("reading stderr: %v", err)
	}
	if got := string(errOut); got != "warning: something\n" {
		t.Errorf("stderr = %q, want %q", got, "warning: something\n")
	}
}

func TestDemux_PreservesByteOrderWithinStream(t *testing.T) {
	// A payload split across many small frames must reassemble exactly.
	frames := []func(w *bytes.Buffer){}
	var want bytes.Buffer
	for i := 0; i < 50; i++ {
		chunk := string(rune('a'+i%26)) + "-chunk|"
		want.WriteString(chunk)
		frames = append(frames, outFrame(chunk))
	}
	raw := mux(t, frames...)

	stdout, stderr := Demux(raw)
	go io.Copy(io.Discard, stderr)

	out, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if !bytes.Equal(out, want.Bytes()) {
		t.Errorf("stdout reassembly mismatch:\ngot  %q\nwant %q", out, want.Bytes())
	}
}

func TestDemux_RawErrorPropagatesToBothStreams(t *testing.T) {
	cause := errors.New("connection reset")
	raw := io.MultiReader(
		mux(t, outFrame("partial")),
		&failingReader{err: cause},
	)

	stdout, stderr := Demux(raw)

	out, err := io.ReadAll(stdout)
	if string(out) != "partial" {
		t.Errorf("stdout = %q, want %q", out, "partial")
	}
	if !errors.Is(err, cause) {
		t.Errorf("stdout error = %v, want %v", err, cause)
	}

	if _, err := io.ReadAll(stderr); !errors.Is(err, cause) {
		t.Errorf("stderr error = %v, want %v", err, cause)
	}
}

func TestBufferedStream_WriteNeverBlocks(t *testing.T) {
	s := newBufferedStream()

	// No reader attached: a large burst of writes must complete anyway.
	done := make(chan struct{})
	go func() {
		defer close(done)
		payload := bytes.Repeat([]byte("x"), 8192)
		for i := 0; i < 100; i++ {
			if _, err := s.Write(payload); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writes blocked without a reader")
	}

	// The buffered bytes drain in order.
	s.Close()
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if len(got) != 100*8192 {
		t.Errorf("read %d bytes, want %d", len(got), 100*8192)
	}
}

func TestBufferedStream_CloseDeliversBufferedDataFirst(t *testing.T) {
	s := newBufferedStream()
	if _, err := s.Write([]byte("tail")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(got) != "tail" {
		t.Errorf("read %q, want %q", got, "tail")
	}

	// Writes after close are refused.
	if _, err := s.Write([]byte("late")); err != io.ErrClosedPipe {
		t.Errorf("Write after close = %v, want io.ErrClosedPipe", err)
	}
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
