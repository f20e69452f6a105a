package coordinator

// EventType names an outbound event.
type EventType string

const (
	EventContent   EventType = "content_chunk"
	EventStreamEnd EventType = "stream_end"
	EventProgress  EventType = "progress"
	EventStatus    EventType = "status"
	EventError     EventType = "error"
)

// Progress phases
const (
	PhaseCapabilityStart = "capability_start"
	PhaseCapabilityEnd   = "capability_end"
)

// Event is one outbound message of a turn. Which fields are set depends on
// Type.
type Event struct {
	Type   EventType
	TurnID string

	// content_chunk
	Text          string
	Owner         string
	IsFinalAnswer bool

	// stream_end
	Done bool

	// progress
	Phase      string
	Capability string

	// status and error
	Message       string
	ResetRequired bool
}

// Status returns a status event outside of any turn.
func Status(turnID, message string) Event {
	return Event{Type: EventStatus, TurnID: turnID, Message: message}
}

// Error returns an error event outside of any run, e.g. for a rejected
// credential.
func Error(turnID, message string, resetRequired bool) Event {
	return Event{Type: EventError, TurnID: turnID, Message: message, ResetRequired: resetRequired}
}
