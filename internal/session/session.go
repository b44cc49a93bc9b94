// Package session implements the sandboxed execution session manager: a
// registry of ephemeral, isolated runs that multiplexes each run's byte
// streams onto a subscriber, detects interactive input prompts, enforces a
// hard execution deadline, and guarantees exactly-once teardown however the
// run ends.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/codebox/internal/sandbox"
)

// State is a session's position in its lifecycle. Transitions are
// monotonic except Running ⇄ AwaitingInput; once a terminal state is
// reached no further transitions occur.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateAwaitingInput

	// Terminal states. Ordering matters: Terminal() relies on every
	// terminal state sorting after AwaitingInput.
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s >= StateCompleted }

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Session is the unit of work for one execution request. The sandbox handle
// and its streams are exclusively owned by the session for their entire
// lifetime; the registry is the only component that mutates session state.
type Session struct {
	ID        string
	CreatedAt time.Time

	state atomic.Int32

	// mu guards the mutable references below. State itself is atomic so the
	// terminal transition can be claimed without holding the lock.
	mu         sync.Mutex
	subscriber Subscriber
	instance   *sandbox.Instance
	streams    *sandbox.Streams
	timer      *time.Timer
	startedAt  time.Time

	// emitMu serializes event delivery so a subscriber observes this
	// session's events in emission order even across producer goroutines.
	emitMu sync.Mutex

	prompt *promptDetector
}

func newSession(id string, promptWindow int) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		prompt:    newPromptDetector(promptWindow),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// compareAndSwap atomically transitions from→to. Returns false if the
// session was not in the expected state.
func (s *Session) compareAndSwap(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// claimTerminal atomically claims the one terminal transition. Only the
// first claimant gets true and with it the right — and the obligation — to
// run the destructive cleanup steps. Replaces any side "cleanup in
// progress" bookkeeping.
func (s *Session) claimTerminal(to State) bool {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// emit delivers an event to the currently attached subscriber, if any.
func (s *Session) emit(ev Event) {
	ev.SessionID = s.ID

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	sub := s.subscriber
	s.mu.Unlock()

	if sub != nil {
		sub.Deliver(ev)
	}
}

func (s *Session) setSubscriber(sub Subscriber) {
	s.mu.Lock()
	s.subscriber = sub
	s.mu.Unlock()
}

// dropSubscriber detaches sub if it is still the current subscriber.
// A stale detach (the session was rebound meanwhile) is a no-op.
func (s *Session) dropSubscriber(sub Subscriber) {
	s.mu.Lock()
	if s.subscriber == sub {
		s.subscriber = nil
	}
	s.mu.Unlock()
}

// snapshot returns the references cleanup needs, taken once under the lock.
func (s *Session) snapshot() (inst *sandbox.Instance, streams *sandbox.Streams, timer *time.Timer, startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance, s.streams, s.timer, s.startedAt
}
