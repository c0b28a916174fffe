package coach

import (
	"encoding/json"
	"strings"

	"coach-server/internal/textnorm"
)

var emptyInput = json.RawMessage(`{}`)

type toolBlock struct {
	id    string
	name  string
	input strings.Builder
}

// Normalizer turns one turn's provider frames into client stream events.
// It never produces message_stop; the orchestrator emits that once the turn
// is recorded. A Normalizer is used for a single turn and is not safe for
// concurrent use.
type Normalizer struct {
	tools      map[int]*toolBlock
	calls      []ToolCall
	stopReason string
	lead       textnorm.AnswerLead
	text       strings.Builder
	thinking   strings.Builder
}

func NewNormalizer() *Normalizer {
	return &Normalizer{tools: make(map[int]*toolBlock)}
}

// Push consumes one frame and returns the events it produces, possibly none.
func (n *Normalizer) Push(frame Frame) []StreamEvent {
	switch f := frame.(type) {
	case BlockStartFrame:
		if f.Block.Type == BlockToolUse {
			n.tools[f.Index] = &toolBlock{id: f.Block.ID, name: f.Block.Name}
		}
		return nil
	case TextDeltaFrame:
		text := n.lead.Write(f.Text)
		if text == "" {
			return nil
		}
		n.text.WriteString(text)
		return []StreamEvent{TextEvent(text)}
	case ThinkingDeltaFrame:
		if f.Thinking == "" {
			return nil
		}
		n.thinking.WriteString(f.Thinking)
		return []StreamEvent{ThinkingEvent(f.Thinking)}
	case InputJSONDeltaFrame:
		if block, ok := n.tools[f.Index]; ok {
			block.input.WriteString(f.PartialJSON)
		}
		return nil
	case BlockStopFrame:
		block, ok := n.tools[f.Index]
		if !ok {
			n.lead.EndBlock()
			return nil
		}
		delete(n.tools, f.Index)
		call := ToolCall{ID: block.id, Name: block.name, Input: decodeToolInput(block.input.String())}
		n.calls = append(n.calls, call)
		return []StreamEvent{ToolEvent(call)}
	case MessageDeltaFrame:
		if f.StopReason != "" {
			n.stopReason = f.StopReason
		}
		return nil
	default:
		return nil
	}
}

// ToolCalls returns the calls whose input blocks completed this turn, in order.
func (n *Normalizer) ToolCalls() []ToolCall {
	return append([]ToolCall(nil), n.calls...)
}

// StopReason returns the turn's stop reason, defaulting to end_turn.
func (n *Normalizer) StopReason() string {
	if n.stopReason == "" {
		return StopReasonEndTurn
	}
	return n.stopReason
}

// PartialText is the visible text emitted so far this turn.
func (n *Normalizer) PartialText() string {
	return n.text.String()
}

// PartialThinking is the thinking text emitted so far this turn.
func (n *Normalizer) PartialThinking() string {
	return n.thinking.String()
}

// PartialMessage renders what the client has seen of this turn, for abort transcripts.
func (n *Normalizer) PartialMessage() (Message, bool) {
	msg := Message{Role: RoleAssistant}
	if thinking := n.thinking.String(); thinking != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: BlockThinking, Thinking: thinking})
	}
	if text := n.text.String(); text != "" {
		msg.Content = append(msg.Content, ContentBlock{Type: BlockText, Text: text})
	}
	for _, call := range n.calls {
		msg.Content = append(msg.Content, ContentBlock{Type: BlockToolUse, ID: call.ID, Name: call.Name, Input: call.Input})
	}
	return msg, len(msg.Content) > 0
}

func decodeToolInput(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return emptyInput
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return emptyInput
	}
	return json.RawMessage(raw)
}
