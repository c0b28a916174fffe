package coach

import "encoding/json"

// Stream event types. These are the wire contract with the client.
const (
	EventAck         = "ack"
	EventText        = "text"
	EventThinking    = "thinking"
	EventTool        = "tool"
	EventToolResult  = "tool_result"
	EventMessageStop = "message_stop"
	EventError       = "error"

	// EventUserMessage is produced by clients when the user submits a message;
	// the server never emits it.
	EventUserMessage = "user_message"
)

// StreamEvent is one NDJSON frame of the coach stream.
type StreamEvent struct {
	Type            string          `json:"type"`
	SessionID       string          `json:"session_id,omitempty"`
	BudgetRemaining *int            `json:"budget_remaining,omitempty"`
	IsFreePreview   *bool           `json:"is_free_preview,omitempty"`
	Text            string          `json:"text,omitempty"`
	ToolUseID       string          `json:"tool_use_id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	StopReason      string          `json:"stop_reason,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// IsTerminal reports whether the event ends a request from the client's viewpoint.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventMessageStop || e.Type == EventError
}

// Ack builds the first event of every stream.
func Ack(sessionID string, budgetRemaining int, isFreePreview bool) StreamEvent {
	return StreamEvent{
		Type:            EventAck,
		SessionID:       sessionID,
		BudgetRemaining: &budgetRemaining,
		IsFreePreview:   &isFreePreview,
	}
}

func TextEvent(text string) StreamEvent {
	return StreamEvent{Type: EventText, Text: text}
}

func ThinkingEvent(text string) StreamEvent {
	return StreamEvent{Type: EventThinking, Text: text}
}

func ToolEvent(call ToolCall) StreamEvent {
	return StreamEvent{Type: EventTool, ToolUseID: call.ID, Name: call.Name, Input: call.Input}
}

func ToolResultEvent(result ToolResult) StreamEvent {
	return StreamEvent{Type: EventToolResult, ToolUseID: result.ToolUseID, Content: result.Content}
}

func MessageStopEvent(stopReason string) StreamEvent {
	return StreamEvent{Type: EventMessageStop, StopReason: stopReason}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

// UserMessageEvent is the client-side event recorded when a user submits text.
func UserMessageEvent(text string) StreamEvent {
	return StreamEvent{Type: EventUserMessage, Text: text}
}
