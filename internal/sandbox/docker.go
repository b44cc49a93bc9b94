package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
)

const (
	defaultImage      = "python:3.11-slim"
	defaultMemoryMB   = 100
	defaultCPUCores   = 1.0
	defaultPIDsLimit  = 100
	defaultStopGrace  = 3 * time.Second
	containerPrefix   = "codebox-run-"
	guestSourceDir    = "/app"
	imagePullDeadline = 10 * time.Minute
)

// DockerConfig configures the Docker-backed sandbox provider.
type DockerConfig struct {
	Host      string        // Docker daemon address. Empty = DOCKER_HOST env / default socket.
	Image     string        // Runtime image (default python:3.11-slim).
	TempDir   string        // Host directory for temporary source artifacts.
	MemoryMB  int           // Hard memory limit, swap disabled.
	CPUCores  float64       // CPU rate limit.
	PIDsLimit int64         // Fork bomb protection.
	StopGrace time.Duration // Graceful stop window before SIGKILL.
}

// DockerProvider provisions one ephemeral container per submission through
// the Docker Engine API.
//
// Every container runs with all capabilities dropped, privilege escalation
// blocked, a read-only root filesystem, no network stack, hard memory and
// PID limits, and exactly one writable artifact: the submitted source,
// bind-mounted read-only.
type DockerProvider struct {
	config DockerConfig
	client *client.Client
	logger *slog.Logger
}

// NewDockerProvider creates a Docker-backed provider and verifies the daemon
// is reachable.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) (*DockerProvider, error) {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "codebox")
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}

	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		cli.Close()
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	return &DockerProvider{
		config: cfg,
		client: cli,
		logger: logger,
	}, nil
}

// EnsureImage pulls the runtime image when it is missing locally.
func (p *DockerProvider) EnsureImage(ctx context.Context) error {
	_, _, err := p.client.ImageInspectWithRaw(ctx, p.config.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", p.config.Image, err)
	}

	p.logger.Info("pulling runtime image", slog.String("image", p.config.Image))

	pullCtx, cancel := context.WithTimeout(ctx, imagePullDeadline)
	defer cancel()

	reader, err := p.client.ImagePull(pullCtx, p.config.Image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", p.config.Image, err)
	}
	defer reader.Close()

	// Drain pull progress so the pull actually completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", p.config.Image, err)
	}
	return nil
}

// Provision writes the source to a temporary artifact and creates an
// isolated container ready to run it. The container is not started.
func (p *DockerProvider) Provision(ctx context.Context, source string) (*Instance, error) {
	id := uuid.New().String()
	fileName := "code_" + id + ".py"
	sourcePath := filepath.Join(p.config.TempDir, fileName)

	if err := os.WriteFile(sourcePath, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("writing source artifact: %w", err)
	}

	memory := int64(p.config.MemoryMB) * 1024 * 1024
	pids := p.config.PIDsLimit
	guestPath := guestSourceDir + "/" + fileName

	containerCfg := &container.Config{
		Image:        p.config.Image,
		Cmd:          strslice.StrSlice{"python", guestPath},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    false,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Binds:          []string{sourcePath + ":" + guestPath + ":ro"},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // Same as memory = swap disabled, OOM kill on exceed.
			NanoCPUs:   int64(p.config.CPUCores * 1e9),
			PidsLimit:  &pids,
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerPrefix+id)
	if err != nil {
		_ = os.Remove(sourcePath)
		return nil, fmt.Errorf("creating container: %w", err)
	}

	p.logger.Debug("sandbox provisioned",
		slog.String("instance_id", id),
		slog.String("container_id", resp.ID),
		slog.String("image", p.config.Image),
	)

	return &Instance{
		ID:          id,
		ContainerID: resp.ID,
		SourcePath:  sourcePath,
		CreatedAt:   time.Now(),
	}, nil
}

// Start attaches to the container, starts it, and returns the demultiplexed
// streams. Attaching happens before starting so no early output is lost.
func (p *DockerProvider) Start(ctx context.Context, inst *Instance) (*Streams, error) {
	attach, err := p.client.ContainerAttach(ctx, inst.ContainerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, inst.ContainerID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("starting container: %w", err)
	}

	stdout, stderr := Demux(attach.Reader)

	return &Streams{
		Stdin:  &stdinWriter{attach: attach},
		Stdout: stdout,
		Stderr: stderr,
		Raw:    rawCloser{attach: attach},
	}, nil
}

// Stop requests a graceful stop bounded by the configured grace window.
// Already-stopped and already-removed containers are not errors.
func (p *DockerProvider) Stop(ctx context.Context, inst *Instance) error {
	grace := int(p.config.StopGrace.Seconds())
	err := p.client.ContainerStop(ctx, inst.ContainerID, container.StopOptions{Timeout: &grace})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// Destroy force-removes the container. Idempotent.
func (p *DockerProvider) Destroy(ctx context.Context, inst *Instance) error {
	err := p.client.ContainerRemove(ctx, inst.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// RemoveArtifact deletes the temporary source file. Idempotent.
func (p *DockerProvider) RemoveArtifact(inst *Instance) error {
	if err := os.Remove(inst.SourcePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing source artifact: %w", err)
	}
	return nil
}

// IsRunning reports whether the container's process is alive. A removed
// container reports false with no error.
func (p *DockerProvider) IsRunning(ctx context.Context, inst *Instance) (bool, error) {
	info, err := p.client.ContainerInspect(ctx, inst.ContainerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

// SweepLeaked force-removes codebox containers that no live session owns.
// Returns the number of containers removed. Used by the janitor as a safety
// net for containers orphaned by daemon restarts or crash-interrupted cleanup.
func (p *DockerProvider) SweepLeaked(ctx context.Context, inUse map[string]struct{}) (int, error) {
	list, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerPrefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if _, ok := inUse[c.ID]; ok {
			continue
		}
		err := p.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			p.logger.Warn("failed to remove leaked container",
				slog.String("container_id", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepArtifacts deletes temporary source files older than the cutoff.
// Returns the number of files removed.
func (p *DockerProvider) SweepArtifacts(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(p.config.TempDir)
	if err != nil {
		return 0, fmt.Errorf("reading temp dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(p.config.TempDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Ping verifies the Docker daemon is reachable. Used by readiness checks.
func (p *DockerProvider) Ping(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (p *DockerProvider) Close() error {
	return p.client.Close()
}

// stdinWriter forwards input to the container's stdin over the hijacked
// attach connection. Close half-closes the write side so the program sees
// EOF on its stdin without tearing down the output streams.
type stdinWriter struct {
	attach types.HijackedResponse
}

func (w *stdinWriter) Write(p []byte) (int, error) {
	return w.attach.Conn.Write(p)
}

func (w *stdinWriter) Close() error {
	return w.attach.CloseWrite()
}

// rawCloser fully closes the hijacked attach connection during teardown,
// which unblocks the demultiplexer even if the program never exits.
type rawCloser struct {
	attach types.HijackedResponse
}

func (c rawCloser) Close() error {
	c.attach.Close()
	return nil
}

// Verify interface compliance at compile time.
var _ Provider = (*DockerProvider)(nil)
