package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codebox/internal/observability"
	"github.com/jkaninda/codebox/internal/sandbox"
)

const (
	defaultBudget  = 30 * time.Second
	cleanupTimeout = 10 * time.Second
	readChunkSize  = 4096
)

// Config tunes per-session behavior.
type Config struct {
	// Budget is the hard wall-clock execution limit, measured from session
	// start — never extended by activity. Zero = 30 seconds.
	Budget time.Duration

	// PromptWindow caps the output accumulator used for prompt detection.
	// Zero = 4 KiB.
	PromptWindow int
}

func (c Config) budget() time.Duration {
	if c.Budget > 0 {
		return c.Budget
	}
	return defaultBudget
}

// Info is a read-only snapshot of one session for status endpoints.
type Info struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry owns the authoritative mapping from session id to session state
// and is the only component allowed to mutate it. All callers — the gateway's
// creation path, the subscriber's input and disconnect events, the stream
// loops, the deadline timer — serialize through it. A Registry has its own
// lifecycle and is injected into every component that needs it; tests run
// as many independent registries as they like.
type Registry struct {
	provider sandbox.Provider
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.MetricsCollector // nil = metrics disabled
	tracer   trace.Tracer                    // nil = tracing disabled

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(provider sandbox.Provider, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// WithMetrics attaches a metrics collector. Nil-safe throughout.
func (r *Registry) WithMetrics(m *observability.MetricsCollector) *Registry {
	r.metrics = m
	return r
}

// WithTracer attaches an OTel tracer for the create/start path.
func (r *Registry) WithTracer(t trace.Tracer) *Registry {
	r.tracer = t
	return r
}

// upsert returns the session for id, registering a placeholder in Created if
// none exists yet. This makes subscription racing creation safe: whichever
// side arrives first establishes the entry.
func (r *Registry) upsert(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id, r.cfg.PromptWindow)
		r.sessions[id] = s
	}
	return s
}

func (r *Registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Execute provisions and starts a run for the given session id. Convenience
// wrapper over Create + Start used by the transports.
func (r *Registry) Execute(ctx context.Context, sessionID, code string) error {
	if err := r.Create(ctx, sessionID, code); err != nil {
		return err
	}
	return r.Start(ctx, sessionID)
}

// Create allocates the session (or adopts its placeholder), requests a
// sandbox instance, and transitions Created → Starting. On provisioning
// failure the session transitions to Failed and is cleaned up immediately —
// no dangling Created entries.
func (r *Registry) Create(ctx context.Context, sessionID, code string) error {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "session.create",
			trace.WithAttributes(attribute.String("session.id", sessionID)))
		defer span.End()
	}

	s := r.upsert(sessionID)
	if !s.compareAndSwap(StateCreated, StateStarting) {
		return fmt.Errorf("session %s is not in created state (%s)", sessionID, s.State())
	}

	inst, err := r.provider.Provision(ctx, code)
	if err != nil {
		perr := &ProvisionError{Cause: err}
		r.failStartup(s, perr.Error())
		return perr
	}

	// The session may have been cancelled while provisioning was in flight,
	// in which case the terminal claimant already ran cleanup without
	// knowing about this instance. Destroy it here instead of leaking it.
	s.mu.Lock()
	if s.State().Terminal() {
		s.mu.Unlock()
		r.discardInstance(inst)
		return fmt.Errorf("session %s torn down during provisioning", sessionID)
	}
	s.instance = inst
	s.mu.Unlock()

	s.emit(Event{Type: EventStarted})

	r.logger.Info("session provisioned",
		slog.String("session_id", sessionID),
		slog.String("container_id", inst.ContainerID),
	)
	return nil
}

// Start starts the sandbox, wires its demultiplexed streams into the two
// consumption loops, arms the deadline timer, and transitions to Running.
func (r *Registry) Start(ctx context.Context, sessionID string) error {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "session.start",
			trace.WithAttributes(attribute.String("session.id", sessionID)))
		defer span.End()
	}

	s := r.get(sessionID)
	if s == nil {
		return fmt.Errorf("start %s: %w", sessionID, ErrSessionNotFound)
	}

	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil || s.State() != StateStarting {
		return fmt.Errorf("session %s is not ready to start (%s)", sessionID, s.State())
	}

	streams, err := r.provider.Start(ctx, inst)
	if err != nil {
		serr := &StartError{Cause: err}
		r.failStartup(s, serr.Error())
		return serr
	}

	budget := r.cfg.budget()
	timer := time.AfterFunc(budget, func() {
		msg := fmt.Sprintf("execution timed out after %s", budget)
		_ = r.MarkTerminal(sessionID, StateTimedOut, msg)
	})

	s.mu.Lock()
	if s.State().Terminal() {
		s.mu.Unlock()
		timer.Stop()
		streams.Close()
		return fmt.Errorf("session %s torn down during start", sessionID)
	}
	s.streams = streams
	s.timer = timer
	s.startedAt = time.Now()
	s.mu.Unlock()

	if !s.compareAndSwap(StateStarting, StateRunning) {
		// A terminal claim slipped in; its cleanup will release everything.
		return fmt.Errorf("session %s torn down during start", sessionID)
	}

	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}

	go r.consumeOutput(s, streams.Stdout)
	go r.consumeStderr(s, streams.Stderr)

	r.logger.Info("session running",
		slog.String("session_id", sessionID),
		slog.Duration("budget", budget),
	)
	return nil
}

// AttachSubscriber binds or rebinds the transport endpoint for a session.
// If no session exists yet a placeholder is registered, so a subscription
// racing creation cannot drop events. Rebinding replaces the previous
// subscriber without touching the underlying sandbox.
func (r *Registry) AttachSubscriber(sessionID string, sub Subscriber) {
	s := r.upsert(sessionID)
	s.setSubscriber(sub)
}

// DetachSubscriber unbinds sub if it is still the session's current
// subscriber. The sandbox keeps running under its deadline; a later
// AttachSubscriber on the same id resumes event delivery.
func (r *Registry) DetachSubscriber(sessionID string, sub Subscriber) {
	if s := r.get(sessionID); s != nil {
		s.dropSubscriber(sub)
	}
}

// SubmitInput writes text plus a line terminator to the session's input
// channel and transitions AwaitingInput → Running. Valid only while the
// session is Running or AwaitingInput and has a live input channel;
// otherwise the input is rejected and no state changes.
func (r *Registry) SubmitInput(sessionID, text string) error {
	s := r.get(sessionID)
	if s == nil {
		return fmt.Errorf("session %s: %w", sessionID, ErrInputRejected)
	}

	s.mu.Lock()
	var stdin io.WriteCloser
	if s.streams != nil {
		stdin = s.streams.Stdin
	}
	s.mu.Unlock()

	st := s.State()
	if stdin == nil || (st != StateRunning && st != StateAwaitingInput) {
		return fmt.Errorf("session %s in state %s: %w", sessionID, st, ErrInputRejected)
	}

	if _, err := stdin.Write([]byte(text + "\n")); err != nil {
		return &StreamError{Cause: fmt.Errorf("writing input: %w", err)}
	}

	s.compareAndSwap(StateAwaitingInput, StateRunning)

	r.logger.Debug("input forwarded",
		slog.String("session_id", sessionID),
		slog.Int("bytes", len(text)+1),
	)
	return nil
}

// MarkTerminal claims the terminal transition for the session and, when this
// caller wins the claim, runs the cleanup coordinator. Losing the claim is
// not an error — stream end, timeout, and explicit stop all race here and
// exactly one of them performs the destructive steps.
func (r *Registry) MarkTerminal(sessionID string, reason State, message string) error {
	if !reason.Terminal() {
		return fmt.Errorf("mark terminal %s: %s is not a terminal state", sessionID, reason)
	}
	s := r.get(sessionID)
	if s == nil {
		return fmt.Errorf("mark terminal %s: %w", sessionID, ErrSessionNotFound)
	}
	if !s.claimTerminal(reason) {
		return nil
	}
	r.cleanup(s, reason, message)
	return nil
}

// Info returns a read-only snapshot of the session.
func (r *Registry) Info(sessionID string) (Info, error) {
	s := r.get(sessionID)
	if s == nil {
		return Info{}, fmt.Errorf("info %s: %w", sessionID, ErrSessionNotFound)
	}
	return Info{
		ID:        s.ID,
		State:     s.State().String(),
		CreatedAt: s.CreatedAt,
	}, nil
}

// ActiveContainers returns the container ids of all live sessions. The
// janitor treats these as in-use when sweeping leaked containers.
func (r *Registry) ActiveContainers() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.instance != nil {
			active[s.instance.ContainerID] = struct{}{}
		}
		s.mu.Unlock()
	}
	return active
}

// Shutdown cancels every live session through the normal cleanup path.
// Used on graceful process shutdown.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.MarkTerminal(id, StateCancelled, "")
	}
}

// failStartup handles terminal provisioning/start failures: report once via
// an error event, then clean up immediately.
func (r *Registry) failStartup(s *Session, message string) {
	if s.claimTerminal(StateFailed) {
		r.cleanup(s, StateFailed, message)
	}
}

// consumeOutput is the session's output loop: it relays chunks in emission
// order, feeds the prompt heuristic, and on end-of-stream or stream error
// drives the terminal transition.
func (r *Registry) consumeOutput(s *Session, stdout io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if r.metrics != nil {
				r.metrics.OutputBytesTotal.Add(float64(n))
			}
			// AwaitingInput is advisory: it drives the input_required signal
			// but never blocks output acceptance or delivery.
			if s.prompt.Observe(buf[:n]) && s.compareAndSwap(StateRunning, StateAwaitingInput) {
				s.emit(Event{Type: EventInputRequired})
			}
			s.emit(Event{Type: EventOutput, Output: string(buf[:n])})
		}
		if err != nil {
			if err == io.EOF {
				_ = r.MarkTerminal(s.ID, StateCompleted, "")
			} else {
				serr := &StreamError{Cause: err}
				_ = r.MarkTerminal(s.ID, StateFailed, serr.Error())
			}
			return
		}
	}
}

// consumeStderr relays error-stream chunks as error events. The output loop
// owns the terminal transition, so this loop just drains until end-of-stream.
func (r *Registry) consumeStderr(s *Session, stderr io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.emit(Event{Type: EventError, Message: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// cleanup is the cleanup coordinator body. It runs at most once per session
// — callers hold the terminal claim. Steps run in order and each is
// independently fault-tolerant: failures are logged, never returned, so the
// registry cannot leak entries. The registry entry is removed last, only
// after the sandbox is confirmed destroyed and the artifact deleted.
func (r *Registry) cleanup(s *Session, reason State, message string) {
	inst, streams, timer, startedAt := s.snapshot()

	// 1. Disarm the deadline so a stale timer cannot fire later.
	if timer != nil {
		timer.Stop()
	}

	// 2. Exactly one terminal event per session: an error for failure
	// paths, execution_complete otherwise.
	switch reason {
	case StateFailed, StateTimedOut:
		if message == "" {
			message = "execution failed"
		}
		s.emit(Event{Type: EventError, Message: message})
	default:
		s.emit(Event{Type: EventComplete})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if inst != nil {
		// 3. Graceful stop if still running — skipped after a timeout,
		// where a hung or runaway process must not be waited on.
		if reason != StateTimedOut {
			if running, err := r.provider.IsRunning(ctx, inst); err == nil && running {
				if err := r.provider.Stop(ctx, inst); err != nil {
					r.logger.Warn("graceful stop failed",
						slog.String("session_id", s.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}

		// 4. Force-destroy, always.
		if err := r.provider.Destroy(ctx, inst); err != nil {
			r.logger.Warn("sandbox destroy failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}

		// 5. Delete the temporary source artifact.
		if err := r.provider.RemoveArtifact(inst); err != nil {
			r.logger.Warn("artifact removal failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if streams != nil {
		streams.Close()
	}

	if r.metrics != nil {
		r.metrics.SessionsTotal.WithLabelValues(reason.String()).Inc()
		if !startedAt.IsZero() {
			r.metrics.SessionsActive.Dec()
			r.metrics.SessionDuration.Observe(time.Since(startedAt).Seconds())
		}
	}

	// 6. Remove the registry entry. Last, so concurrent lookups keep
	// resolving until the sandbox is confirmed gone.
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	r.logger.Info("session torn down",
		slog.String("session_id", s.ID),
		slog.String("state", reason.String()),
	)
}

// discardInstance destroys an instance that lost the race with its own
// session's teardown.
func (r *Registry) discardInstance(inst *sandbox.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.provider.Destroy(ctx, inst); err != nil {
		r.logger.Warn("discarding orphaned instance failed",
			slog.String("container_id", inst.ContainerID),
			slog.String("error", err.Error()),
		)
	}
	_ = r.provider.RemoveArtifact(inst)
}
