// Package claudecode drives the Claude Code CLI as a non-interactive
// batch backend: it spawns the agent, consumes its stream-json output,
// and extracts exactly one structured result per invocation.
package claudecode

import (
	"encoding/json"
)

// EventType discriminates the known event kinds on the agent's
// stream-json output.
type EventType string

const (
	EventTypeInit      EventType = "init"
	EventTypeAssistant EventType = "assistant"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeResult    EventType = "result"
	// EventTypeUnknown marks a line that parsed as JSON but carried an
	// unrecognized type discriminator. Unknown events are kept rather
	// than silently dropped so callers can log them.
	EventTypeUnknown EventType = "unknown"
)

// StreamEvent is one decoded line of the agent's output stream.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Subtype   string    `json:"subtype,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Model     string    `json:"model,omitempty"`

	// Assistant / tool fields.
	Content string          `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`

	// Result fields.
	IsError       bool            `json:"is_error,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	Usage         *EventUsage     `json:"usage,omitempty"`

	// Raw is the original line the event was decoded from.
	Raw json.RawMessage `json:"-"`
}

// EventUsage carries token counts when the agent reports them.
type EventUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DecodeEvent parses one stream-json line into a StreamEvent. Lines
// with an unrecognized type decode to EventTypeUnknown rather than
// failing, so a newer agent does not break the stream consumer.
func DecodeEvent(line []byte) (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case EventTypeInit, EventTypeAssistant, EventTypeToolCall, EventTypeResult:
	case "system":
		// Older agent builds emit {"type":"system","subtype":"init"}.
		if ev.Subtype == "init" {
			ev.Type = EventTypeInit
		} else {
			ev.Type = EventTypeUnknown
		}
	default:
		ev.Type = EventTypeUnknown
	}

	ev.Raw = append(json.RawMessage(nil), line...)
	return &ev, nil
}

// IsComplete reports whether this event is the completion marker.
func (e *StreamEvent) IsComplete() bool {
	return e.Type == EventTypeResult
}

// ResultText returns the result payload as a plain string. A JSON
// string is unquoted; any other payload is returned verbatim.
func (e *StreamEvent) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err == nil {
		return s
	}
	return string(e.Result)
}
