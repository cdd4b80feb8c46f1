package agent

// Event types for the caller-facing stream. A turn emits any number of
// status events followed by exactly one of clarification, result or error.
const (
	EventStatus        = "status"
	EventClarification = "clarification"
	EventResult        = "result"
	EventError         = "error"
)

// ResultPayload is the body of a terminal result event.
type ResultPayload struct {
	Report  string                   `json:"report"`
	SQL     string                   `json:"sql,omitempty"`
	Rows    []map[string]interface{} `json:"rows,omitempty"`
	Verdict string                   `json:"verdict,omitempty"`
}

// Event is one entry in a turn's stream.
type Event struct {
	Type     string         `json:"type"`
	Message  string         `json:"message,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Payload  *ResultPayload `json:"payload,omitempty"`
}

// Emitter receives events in order. May be nil when the caller does not
// stream.
type Emitter func(Event)

func (e Emitter) status(message string) {
	if e != nil {
		e(Event{Type: EventStatus, Message: message})
	}
}
