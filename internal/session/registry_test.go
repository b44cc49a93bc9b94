package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/codebox/internal/sandbox"
)

// fakeRun is the provider-side view of one provisioned instance.
type fakeRun struct {
	inst    *sandbox.Instance
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter

	mu        sync.Mutex
	stops     int
	destroys  int
	artifacts int
}

func (f *fakeRun) counts() (stops, destroys, artifacts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, f.destroys, f.artifacts
}

// fakeProvider is an in-memory sandbox.Provider backed by pipes. Output is
// produced by writing to a run's stdoutW/stderrW; input submitted by the
// registry is read back from stdinR.
type fakeProvider struct {
	mu           sync.Mutex
	runs         map[string]*fakeRun
	seq          int
	provisionErr error
	startErr     error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{runs: make(map[string]*fakeRun)}
}

func (p *fakeProvider) Provision(_ context.Context, _ string) (*sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provisionErr != nil {
		return nil, p.provisionErr
	}
	p.seq++
	inst := &sandbox.Instance{
		ID:          fmt.Sprintf("run-%d", p.seq),
		ContainerID: fmt.Sprintf("ctr-%d", p.seq),
		SourcePath:  fmt.Sprintf("/tmp/run-%d.py", p.seq),
		CreatedAt:   time.Now(),
	}
	p.runs[inst.ID] = &fakeRun{inst: inst}
	return inst, nil
}

func (p *fakeProvider) Start(_ context.Context, inst *sandbox.Instance) (*sandbox.Streams, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	run := p.runs[inst.ID]
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	run.stdinR = stdinR
	run.stdoutW = stdoutW
	run.stderrW = stderrW
	return &sandbox.Streams{Stdin: stdinW, Stdout: stdoutR, Stderr: stderrR}, nil
}

func (p *fakeProvider) Stop(_ context.Context, inst *sandbox.Instance) error {
	run := p.run(inst.ID)
	run.mu.Lock()
	run.stops++
	run.mu.Unlock()
	return nil
}

func (p *fakeProvider) Destroy(_ context.Context, inst *sandbox.Instance) error {
	run := p.run(inst.ID)
	run.mu.Lock()
	run.destroys++
	run.mu.Unlock()
	return nil
}

func (p *fakeProvider) RemoveArtifact(inst *sandbox.Instance) error {
	run := p.run(inst.ID)
	run.mu.Lock()
	run.artifacts++
	run.mu.Unlock()
	return nil
}

func (p *fakeProvider) IsRunning(_ context.Context, inst *sandbox.Instance) (bool, error) {
	run := p.run(inst.ID)
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.stops == 0 && run.destroys == 0, nil
}

func (p *fakeProvider) run(id string) *fakeRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[id]
}

// lastRun returns the most recently provisioned run.
func (p *fakeProvider) lastRun() *fakeRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[fmt.Sprintf("run-%d", p.seq)]
}

// recordingSub collects delivered events and signals each arrival.
type recordingSub struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecordingSub() *recordingSub {
	return &recordingSub{ch: make(chan Event, 64)}
}

func (r *recordingSub) Deliver(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recordingSub) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// waitFor blocks until an event of the given type arrives or the test times out.
func (r *recordingSub) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event, got %v", typ, r.all())
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(p sandbox.Provider, cfg Config) *Registry {
	return NewRegistry(p, cfg, discardLogger())
}

// startSession provisions and starts a session with a subscriber attached,
// returning the subscriber and the provider-side run handle.
func startSession(t *testing.T, r *Registry, p *fakeProvider, id string) (*recordingSub, *fakeRun) {
	t.Helper()
	sub := newRecordingSub()
	r.AttachSubscriber(id, sub)
	if err := r.Execute(context.Background(), id, "print('hi')"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sub.waitFor(t, EventStarted)
	return sub, p.lastRun()
}

func TestExecute_OutputThenComplete(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub, run := startSession(t, r, p, "s1")

	if _, err := run.stdoutW.Write([]byte("hello\n")); err != nil {
		t.Fatalf("writing stdout: %v", err)
	}
	if _, err := run.stdoutW.Write([]byte("world\n")); err != nil {
		t.Fatalf("writing stdout: %v", err)
	}
	run.stdoutW.Close()

	sub.waitFor(t, EventComplete)

	var out strings.Builder
	for _, ev := range sub.all() {
		if ev.Type == EventOutput {
			out.WriteString(ev.Output)
		}
	}
	if got := out.String(); got != "hello\nworld\n" {
		t.Errorf("output = %q, want %q", got, "hello\nworld\n")
	}

	// The final event carries the session id.
	last := sub.all()[len(sub.all())-1]
	if last.Type != EventComplete || last.SessionID != "s1" {
		t.Errorf("final event = %+v, want execution_complete for s1", last)
	}

	// Completed sessions are fully torn down and removed.
	if _, err := r.Info("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Info after completion = %v, want ErrSessionNotFound", err)
	}
	if _, destroys, artifacts := run.counts(); destroys != 1 || artifacts != 1 {
		t.Errorf("destroys = %d, artifacts = %d, want 1 and 1", destroys, artifacts)
	}
}

func TestExecute_StderrRelayedAsErrorEvents(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub, run := startSession(t, r, p, "s1")

	if _, err := run.stderrW.Write([]byte("Traceback (most recent call last):\n")); err != nil {
		t.Fatalf("writing stderr: %v", err)
	}
	ev := sub.waitFor(t, EventError)
	if !strings.Contains(ev.Message, "Traceback") {
		t.Errorf("error message = %q, want traceback text", ev.Message)
	}

	run.stderrW.Close()
	run.stdoutW.Close()
	sub.waitFor(t, EventComplete)
}

func TestExecute_DeadlineTimesOut(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{Budget: 50 * time.Millisecond})
	sub, run := startSession(t, r, p, "s1")

	// Never close stdout: the program "hangs" until the deadline fires.
	ev := sub.waitFor(t, EventError)
	if !strings.Contains(ev.Message, "timed out") {
		t.Errorf("error message = %q, want timeout text", ev.Message)
	}

	if _, err := r.Info("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Info after timeout = %v, want ErrSessionNotFound", err)
	}

	// Timeout skips the graceful stop and goes straight to force removal.
	stops, destroys, _ := run.counts()
	if stops != 0 {
		t.Errorf("stops = %d, want 0 after timeout", stops)
	}
	if destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
}

func TestSubmitInput_RoundTrip(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub, run := startSession(t, r, p, "s1")

	if _, err := run.stdoutW.Write([]byte("What is your name: ")); err != nil {
		t.Fatalf("writing prompt: %v", err)
	}
	sub.waitFor(t, EventInputRequired)

	if info, _ := r.Info("s1"); info.State != "awaiting_input" {
		t.Errorf("state = %s, want awaiting_input", info.State)
	}

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(run.stdinR).ReadString('\n')
		lines <- line
	}()
	if err := r.SubmitInput("s1", "Alice"); err != nil {
		t.Fatalf("SubmitInput: %v", err)
	}
	select {
	case line := <-lines:
		if line != "Alice\n" {
			t.Errorf("stdin received %q, want %q", line, "Alice\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stdin write")
	}

	// Input resumes the running state.
	if info, _ := r.Info("s1"); info.State != "running" {
		t.Errorf("state after input = %s, want running", info.State)
	}

	run.stdoutW.Close()
	sub.waitFor(t, EventComplete)
}

func TestSubmitInput_Rejected(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})

	// Unknown session.
	if err := r.SubmitInput("nope", "hello"); !errors.Is(err, ErrInputRejected) {
		t.Errorf("SubmitInput unknown = %v, want ErrInputRejected", err)
	}

	// Subscribed but never started: no input channel yet.
	r.AttachSubscriber("pending", newRecordingSub())
	if err := r.SubmitInput("pending", "hello"); !errors.Is(err, ErrInputRejected) {
		t.Errorf("SubmitInput pending = %v, want ErrInputRejected", err)
	}
}

func TestMarkTerminal_ExactlyOnceUnderContention(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub, run := startSession(t, r, p, "race")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.MarkTerminal("race", StateCancelled, ""); err != nil && !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("MarkTerminal: %v", err)
			}
		}()
	}
	wg.Wait()

	sub.waitFor(t, EventComplete)

	// Exactly one claimant ran the destructive steps.
	if _, destroys, artifacts := run.counts(); destroys != 1 || artifacts != 1 {
		t.Errorf("destroys = %d, artifacts = %d, want 1 and 1", destroys, artifacts)
	}

	// Exactly one terminal event was emitted.
	terminal := 0
	for _, ev := range sub.all() {
		if ev.Type == EventComplete {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal events = %d, want 1", terminal)
	}
}

func TestMarkTerminal_UnknownSession(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	if err := r.MarkTerminal("ghost", StateCancelled, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("MarkTerminal unknown = %v, want ErrSessionNotFound", err)
	}
}

func TestMarkTerminal_NonTerminalState(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	if err := r.MarkTerminal("x", StateRunning, ""); err == nil {
		t.Error("MarkTerminal with non-terminal state should fail")
	}
}

func TestDetachReattach_SessionSurvivesDisconnect(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub1, run := startSession(t, r, p, "s1")

	// Disconnect: the sandbox keeps running under its deadline.
	r.DetachSubscriber("s1", sub1)
	if info, err := r.Info("s1"); err != nil || info.State != "running" {
		t.Fatalf("Info after detach = %+v, %v, want running", info, err)
	}

	// Rejoin with a fresh subscriber; output emitted from here on is delivered.
	sub2 := newRecordingSub()
	r.AttachSubscriber("s1", sub2)
	if _, err := run.stdoutW.Write([]byte("still here\n")); err != nil {
		t.Fatalf("writing stdout: %v", err)
	}
	ev := sub2.waitFor(t, EventOutput)
	if !strings.Contains(ev.Output, "still here") {
		t.Errorf("output = %q, want %q", ev.Output, "still here")
	}

	run.stdoutW.Close()
	sub2.waitFor(t, EventComplete)
}

func TestDetachSubscriber_StaleDetachIsNoOp(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub1, run := startSession(t, r, p, "s1")

	sub2 := newRecordingSub()
	r.AttachSubscriber("s1", sub2)

	// sub1 was already replaced; its detach must not unbind sub2.
	r.DetachSubscriber("s1", sub1)

	if _, err := run.stdoutW.Write([]byte("data")); err != nil {
		t.Fatalf("writing stdout: %v", err)
	}
	sub2.waitFor(t, EventOutput)

	run.stdoutW.Close()
	sub2.waitFor(t, EventComplete)
}

func TestCreate_ProvisionFailure(t *testing.T) {
	p := newFakeProvider()
	p.provisionErr = errors.New("no such image")
	r := newTestRegistry(p, Config{})

	sub := newRecordingSub()
	r.AttachSubscriber("s1", sub)

	err := r.Execute(context.Background(), "s1", "print('hi')")
	var perr *ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("Execute = %v, want *ProvisionError", err)
	}

	// The failure is reported once and the session removed.
	ev := sub.waitFor(t, EventError)
	if !strings.Contains(ev.Message, "no such image") {
		t.Errorf("error message = %q, want provisioning cause", ev.Message)
	}
	if _, err := r.Info("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Info after failure = %v, want ErrSessionNotFound", err)
	}
}

func TestStart_StartFailureDestroysInstance(t *testing.T) {
	p := newFakeProvider()
	p.startErr = errors.New("attach refused")
	r := newTestRegistry(p, Config{})

	sub := newRecordingSub()
	r.AttachSubscriber("s1", sub)

	err := r.Execute(context.Background(), "s1", "print('hi')")
	var serr *StartError
	if !errors.As(err, &serr) {
		t.Fatalf("Execute = %v, want *StartError", err)
	}

	sub.waitFor(t, EventError)

	// The provisioned instance must not leak.
	run := p.lastRun()
	if _, destroys, artifacts := run.counts(); destroys != 1 || artifacts != 1 {
		t.Errorf("destroys = %d, artifacts = %d, want 1 and 1", destroys, artifacts)
	}
}

func TestCreate_DuplicateSessionID(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	_, run := startSession(t, r, p, "dup")

	if err := r.Create(context.Background(), "dup", "print('again')"); err == nil {
		t.Error("Create on a live session id should fail")
	}

	run.stdoutW.Close()
}

func TestActiveContainers(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub1, run1 := startSession(t, r, p, "a")
	_, run2 := startSession(t, r, p, "b")

	active := r.ActiveContainers()
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	for _, run := range []*fakeRun{run1, run2} {
		if _, ok := active[run.inst.ContainerID]; !ok {
			t.Errorf("container %s missing from active set", run.inst.ContainerID)
		}
	}

	run1.stdoutW.Close()
	sub1.waitFor(t, EventComplete)

	active = r.ActiveContainers()
	if len(active) != 1 {
		t.Errorf("active after completion = %d, want 1", len(active))
	}

	run2.stdoutW.Close()
}

func TestShutdown_CancelsAllSessions(t *testing.T) {
	p := newFakeProvider()
	r := newTestRegistry(p, Config{})
	sub1, run1 := startSession(t, r, p, "a")
	sub2, run2 := startSession(t, r, p, "b")

	r.Shutdown()

	sub1.waitFor(t, EventComplete)
	sub2.waitFor(t, EventComplete)

	for id, run := range map[string]*fakeRun{"a": run1, "b": run2} {
		if _, destroys, _ := run.counts(); destroys != 1 {
			t.Errorf("session %s: destroys = %d, want 1", id, destroys)
		}
		if _, err := r.Info(id); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("session %s still registered after shutdown", id)
		}
	}
}
