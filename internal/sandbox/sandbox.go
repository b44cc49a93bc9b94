// Package sandbox provisions isolated, resource-capped runtime instances for
// untrusted submitted code. All submissions run through a sandbox — never
// directly on the host.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Provider materializes and controls sandbox instances. Stop and Destroy are
// idempotent: calling them on an already-stopped or already-removed instance
// is not an error.
type Provider interface {
	// Provision writes the submitted source to a temporary artifact and
	// creates (but does not start) an isolated runtime for it.
	Provision(ctx context.Context, source string) (*Instance, error)

	// Start starts the instance and returns its attached byte streams.
	// Stdout and Stderr are already demultiplexed; reads return io.EOF when
	// the program exits and the raw channel closes.
	Start(ctx context.Context, inst *Instance) (*Streams, error)

	// Stop requests a graceful stop bounded by the provider's grace window.
	Stop(ctx context.Context, inst *Instance) error

	// Destroy force-removes the instance. Used when graceful stop is not an
	// option (timeout, runaway process) and as the final cleanup step.
	Destroy(ctx context.Context, inst *Instance) error

	// RemoveArtifact deletes the temporary on-disk source file.
	RemoveArtifact(inst *Instance) error

	// IsRunning reports whether the instance's process is still alive.
	IsRunning(ctx context.Context, inst *Instance) (bool, error)
}

// Instance is a handle to one provisioned sandbox. It is exclusively owned by
// a single session for its entire lifetime.
type Instance struct {
	ID          string    // Opaque instance ID (matches the session's artifact name).
	ContainerID string    // Backend container ID.
	SourcePath  string    // Host path of the temporary source artifact.
	CreatedAt   time.Time
}

// Streams are the demultiplexed I/O endpoints of a started instance.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// Raw is the underlying attach connection, closed on teardown so the
	// demultiplexer goroutine unblocks even when the program never exits.
	Raw io.Closer
}

// Close releases all endpoints. Safe to call more than once.
func (s *Streams) Close() {
	if s == nil {
		return
	}
	if s.Stdin != nil {
		_ = s.Stdin.Close()
	}
	if s.Stdout != nil {
		_ = s.Stdout.Close()
	}
	if s.Stderr != nil {
		_ = s.Stderr.Close()
	}
	if s.Raw != nil {
		_ = s.Raw.Close()
	}
}
