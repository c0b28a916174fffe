// Package reducer folds coach stream events into renderable chat state. It is
// shared by clients and never touches the network.
package reducer

import (
	"strings"

	"coach-server/internal/coach"
)

// ChatMessage is one rendered bubble.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// State is everything a chat view needs. Values are treated as immutable:
// Reduce always returns a new State and leaves its input untouched.
type State struct {
	SessionID       string        `json:"session_id,omitempty"`
	BudgetRemaining *int          `json:"budget_remaining,omitempty"`
	IsFreePreview   bool          `json:"is_free_preview,omitempty"`
	Messages        []ChatMessage `json:"messages"`
	Thinking        string        `json:"thinking,omitempty"`
	ToolStatus      string        `json:"tool_status,omitempty"`
	Error           string        `json:"error,omitempty"`
	StopReason      string        `json:"stop_reason,omitempty"`
}

var toolLabels = map[string]string{
	"get_recent_games":    "Checking recent games…",
	"get_stats_by_mode":   "Crunching your stats…",
	"get_game_details":    "Reviewing the replay…",
	"get_rank_benchmarks": "Comparing against rank benchmarks…",
	"get_weaknesses":      "Looking for weak spots…",
	"save_coaching_note":  "Saving a coaching note…",
}

// ToolLabel returns the status line shown while a tool runs.
func ToolLabel(name string) string {
	if label, ok := toolLabels[name]; ok {
		return label
	}
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(name))
	if len(words) == 0 {
		return "Working…"
	}
	return "Running " + strings.Join(words, " ") + "…"
}

// Reduce applies one event.
func Reduce(s State, e coach.StreamEvent) State {
	switch e.Type {
	case coach.EventUserMessage:
		s.Messages = appendMessage(s.Messages, ChatMessage{Role: coach.RoleUser, Text: e.Text})
		s.Thinking = ""
		s.ToolStatus = ""
		s.Error = ""
		s.StopReason = ""
	case coach.EventAck:
		s.SessionID = e.SessionID
		if e.BudgetRemaining != nil {
			remaining := *e.BudgetRemaining
			s.BudgetRemaining = &remaining
		}
		if e.IsFreePreview != nil {
			s.IsFreePreview = *e.IsFreePreview
		}
	case coach.EventText:
		if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == coach.RoleAssistant {
			msgs := cloneMessages(s.Messages)
			msgs[n-1].Text += e.Text
			s.Messages = msgs
		} else {
			s.Messages = appendMessage(s.Messages, ChatMessage{Role: coach.RoleAssistant, Text: e.Text})
		}
	case coach.EventThinking:
		s.Thinking += e.Text
	case coach.EventTool:
		s.ToolStatus = ToolLabel(e.Name)
	case coach.EventToolResult:
		s.ToolStatus = ""
	case coach.EventError:
		s.Error = e.Message
		// A failed request has no tool left running.
		s.ToolStatus = ""
	case coach.EventMessageStop:
		s.ToolStatus = ""
		s.StopReason = e.StopReason
	}
	return s
}

// Replay folds events from an empty state.
func Replay(events []coach.StreamEvent) State {
	var s State
	for _, e := range events {
		s = Reduce(s, e)
	}
	return s
}

func cloneMessages(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return out
}

func appendMessage(msgs []ChatMessage, m ChatMessage) []ChatMessage {
	return append(cloneMessages(msgs), m)
}
