package agent

// ToolCallStatus is the lifecycle stage announced for a tool invocation.
type ToolCallStatus string

const (
	StatusCalling  ToolCallStatus = "calling"
	StatusComplete ToolCallStatus = "complete"
	StatusError    ToolCallStatus = "error"
)

// EventKind discriminates the events the loop emits. The web layer maps
// each kind onto one SSE event type of the same name.
type EventKind string

const (
	EventToolCall EventKind = "tool_call"
	EventText     EventKind = "text"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is one unit of loop output. Exactly one of the payload fields is
// meaningful per kind:
//
//	tool_call  Tool + Status
//	text       Text (a raw fragment, not JSON)
//	done       nothing
//	error      Text (human-readable message)
type Event struct {
	Kind   EventKind
	Tool   string
	Status ToolCallStatus
	Text   string
}

func toolCallEvent(name string, status ToolCallStatus) Event {
	return Event{Kind: EventToolCall, Tool: name, Status: status}
}

func textEvent(fragment string) Event {
	return Event{Kind: EventText, Text: fragment}
}

func doneEvent() Event {
	return Event{Kind: EventDone}
}

func errorEvent(message string) Event {
	return Event{Kind: EventError, Text: message}
}
