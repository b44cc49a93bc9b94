package session

// EventType identifies an event relayed to a session's subscriber.
type EventType string

const (
	EventStarted       EventType = "execution_started"
	EventOutput        EventType = "output"
	EventError         EventType = "error"
	EventInputRequired EventType = "input_required"
	EventComplete      EventType = "execution_complete"
)

// Event is one unit of session output delivered to the attached subscriber.
// Events for one session are delivered in emission order; delivery is
// best-effort — a detached subscriber simply misses events until it rejoins.
type Event struct {
	Type      EventType
	SessionID string
	Output    string // Set for EventOutput.
	Message   string // Set for EventError.
}

// Subscriber is the transport endpoint currently allowed to receive a
// session's events. At most one subscriber is attached at a time; it can be
// replaced without losing the underlying sandbox.
type Subscriber interface {
	Deliver(ev Event)
}
