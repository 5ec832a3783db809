package session

// EventKind enumerates every event an upstream session can emit. Using a
// closed enum instead of open string keys gives the dispatch table
// compile-time coverage of all kinds.
type EventKind int

const (
	EventContentStart EventKind = iota
	EventTextOutput
	EventToolUse
	EventToolResult
	EventContentEnd
	EventAudioOutput
	EventStreamComplete
	EventError

	eventKindCount
)

var eventKindNames = [eventKindCount]string{
	EventContentStart:   "contentStart",
	EventTextOutput:     "textOutput",
	EventToolUse:        "toolUse",
	EventToolResult:     "toolResult",
	EventContentEnd:     "contentEnd",
	EventAudioOutput:    "audioOutput",
	EventStreamComplete: "streamComplete",
	EventError:          "error",
}

func (k EventKind) String() string {
	if k < 0 || k >= eventKindCount {
		return "unknown"
	}
	return eventKindNames[k]
}

// Kinds returns all event kinds in broadcast-registration order.
func Kinds() []EventKind {
	out := make([]EventKind, 0, eventKindCount)
	for k := EventKind(0); k < eventKindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Event is one upstream occurrence delivered to subscribers.
type Event struct {
	Kind    EventKind
	Payload map[string]any
}

// ToolUsePayload is the decoded shape of an EventToolUse payload.
type ToolUsePayload struct {
	ToolUseID string
	ToolName  string
	Content   string
}

// DecodeToolUse pulls the tool invocation fields out of a toolUse event
// payload. Field names follow the upstream event schema.
func DecodeToolUse(payload map[string]any) (ToolUsePayload, bool) {
	if payload == nil {
		return ToolUsePayload{}, false
	}
	name, _ := payload["toolName"].(string)
	if name == "" {
		return ToolUsePayload{}, false
	}
	id, _ := payload["toolUseId"].(string)
	content, _ := payload["content"].(string)
	return ToolUsePayload{ToolUseID: id, ToolName: name, Content: content}, true
}
