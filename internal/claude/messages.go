package claude

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"coach-server/internal/coach"
)

func buildMessages(messages []coach.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for i, m := range messages {
		blocks := buildBlocks(m.Content)
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case coach.RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case coach.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return out, nil
}

func buildBlocks(content []coach.ContentBlock) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(content))
	for _, block := range content {
		switch block.Type {
		case coach.BlockText:
			if block.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			}
		case coach.BlockThinking:
			// Unsigned thinking cannot be replayed to the API.
			if block.Signature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(block.Signature, block.Thinking))
			}
		case coach.BlockRedactedThinking:
			if block.Data != "" {
				blocks = append(blocks, anthropic.NewRedactedThinkingBlock(block.Data))
			}
		case coach.BlockToolUse:
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, input, block.Name))
		case coach.BlockToolResult:
			blocks = append(blocks, toolResultBlock(block))
		}
	}
	return blocks
}

func toolResultBlock(block coach.ContentBlock) anthropic.ContentBlockParamUnion {
	text := string(block.Content)
	if text == "" {
		text = "null"
	}
	result := anthropic.ToolResultBlockParam{
		ToolUseID: block.ToolUseID,
		IsError:   anthropic.Bool(block.IsError),
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: text}},
		},
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &result}
}

func buildTools(specs []coach.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.InputSchema["properties"],
			Required:   requiredFields(spec.InputSchema),
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// contentBlocks converts the accumulated SDK message into transcript blocks.
func contentBlocks(content []anthropic.ContentBlockUnion) []coach.ContentBlock {
	out := make([]coach.ContentBlock, 0, len(content))
	for _, block := range content {
		switch block.Type {
		case "text":
			out = append(out, coach.ContentBlock{Type: coach.BlockText, Text: block.Text})
		case "thinking":
			out = append(out, coach.ContentBlock{Type: coach.BlockThinking, Thinking: block.Thinking, Signature: block.Signature})
		case "redacted_thinking":
			out = append(out, coach.ContentBlock{Type: coach.BlockRedactedThinking, Data: block.Data})
		case "tool_use":
			out = append(out, coach.ContentBlock{
				Type:  coach.BlockToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: toolInputToRaw(block.Input),
			})
		}
	}
	return out
}

func toolInputToRaw(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}")
		}
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	case nil:
		return json.RawMessage("{}")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return json.RawMessage("{}")
		}
		return data
	}
}
