package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testImage must be present locally; these are integration tests against a
// real Docker daemon.
const testImage = "python:3.11-slim"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the runtime image isn't pulled.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (pull with: docker pull %s)", testImage, testImage)
	}
}

func newTestProvider(t *testing.T) *DockerProvider {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p, err := NewDockerProvider(DockerConfig{
		Image:     testImage,
		TempDir:   t.TempDir(),
		MemoryMB:  64,
		CPUCores:  0.5,
		PIDsLimit: 32,
		StopGrace: 2 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewDockerProvider: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// runToCompletion provisions, starts, and drains a program's stdout.
func runToCompletion(t *testing.T, p *DockerProvider, source string) string {
	t.Helper()
	ctx := context.Background()

	inst, err := p.Provision(ctx, source)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() {
		p.Destroy(ctx, inst)
		p.RemoveArtifact(inst)
	})

	streams, err := p.Start(ctx, inst)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer streams.Close()

	out, err := io.ReadAll(streams.Stdout)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	return string(out)
}

func TestDockerProvider_BasicExecution(t *testing.T) {
	p := newTestProvider(t)
	out := runToCompletion(t, p, `print("hello from sandbox")`)
	if got := strings.TrimSpace(out); got != "hello from sandbox" {
		t.Errorf("stdout = %q, want %q", got, "hello from sandbox")
	}
}

func TestDockerProvider_StdinRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Provision(ctx, `name = input("Name: ")
print(f"Hello, {name}!")`)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() {
		p.Destroy(ctx, inst)
		p.RemoveArtifact(inst)
	})

	streams, err := p.Start(ctx, inst)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer streams.Close()

	if _, err := streams.Stdin.Write([]byte("Alice\n")); err != nil {
		t.Fatalf("writing stdin: %v", err)
	}

	out, err := io.ReadAll(streams.Stdout)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if !strings.Contains(string(out), "Hello, Alice!") {
		t.Errorf("stdout = %q, want greeting", out)
	}
}

func TestDockerProvider_StderrSeparated(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Provision(ctx, `import sys
print("to stdout")
print("to stderr", file=sys.stderr)`)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() {
		p.Destroy(ctx, inst)
		p.RemoveArtifact(inst)
	})

	streams, err := p.Start(ctx, inst)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer streams.Close()

	errCh := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(streams.Stderr)
		errCh <- string(b)
	}()

	out, err := io.ReadAll(streams.Stdout)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if strings.Contains(string(out), "to stderr") {
		t.Errorf("stdout %q contains stderr payload", out)
	}
	if got := <-errCh; !strings.Contains(got, "to stderr") {
		t.Errorf("stderr = %q, want %q", got, "to stderr")
	}
}

func TestDockerProvider_NetworkDisabled(t *testing.T) {
	p := newTestProvider(t)
	out := runToCompletion(t, p, `import socket
try:
    socket.create_connection(("1.1.1.1", 80), timeout=2)
    print("connected")
except OSError:
    print("blocked")`)
	if got := strings.TrimSpace(out); got != "blocked" {
		t.Errorf("network probe = %q, want %q", got, "blocked")
	}
}

func TestDockerProvider_DestroyIsIdempotent(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Provision(ctx, `print("x")`)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := p.Destroy(ctx, inst); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := p.Destroy(ctx, inst); err != nil {
		t.Errorf("second Destroy: %v, want nil", err)
	}
	if err := p.RemoveArtifact(inst); err != nil {
		t.Errorf("RemoveArtifact: %v", err)
	}
}

func TestDockerProvider_ProvisionWritesArtifact(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Provision(ctx, `print("artifact check")`)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() { p.Destroy(ctx, inst) })

	data, err := os.ReadFile(inst.SourcePath)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if !strings.Contains(string(data), "artifact check") {
		t.Errorf("artifact = %q, want submitted source", data)
	}

	if err := p.RemoveArtifact(inst); err != nil {
		t.Fatalf("RemoveArtifact: %v", err)
	}
	if _, err := os.Stat(inst.SourcePath); !os.IsNotExist(err) {
		t.Errorf("artifact still present after removal: %v", err)
	}
}

func TestDockerProvider_SweepArtifacts(t *testing.T) {
	skipIfNoDocker(t)
	skipIfNoImage(t)

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := NewDockerProvider(DockerConfig{Image: testImage, TempDir: dir}, logger)
	if err != nil {
		t.Fatalf("NewDockerProvider: %v", err)
	}
	defer p.Close()

	stale := filepath.Join(dir, "stale.py")
	fresh := filepath.Join(dir, "fresh.py")
	for _, path := range []string{stale, fresh} {
		if err := os.WriteFile(path, []byte("print()"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	old := time.Now().Add(-1 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("backdating %s: %v", stale, err)
	}

	removed, err := p.SweepArtifacts(time.Now().Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("SweepArtifacts: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale artifact not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh artifact removed: %v", err)
	}
}

func TestDockerProvider_IsRunningLifecycle(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	inst, err := p.Provision(ctx, `import time
time.sleep(30)`)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() {
		p.Destroy(ctx, inst)
		p.RemoveArtifact(inst)
	})

	streams, err := p.Start(ctx, inst)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer streams.Close()

	// Wait for the container to report running.
	deadline := time.Now().Add(10 * time.Second)
	for {
		running, err := p.IsRunning(ctx, inst)
		if err != nil {
			t.Fatalf("IsRunning: %v", err)
		}
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("container never reported running")
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := p.Destroy(ctx, inst); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if running, err := p.IsRunning(ctx, inst); err != nil || running {
		t.Errorf("IsRunning after destroy = %v, %v, want false, nil", running, err)
	}
}
