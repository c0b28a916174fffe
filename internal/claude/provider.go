// Package claude streams coach turns from the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"coach-server/internal/coach"
)

// OutputTokens is the answer budget added on top of the thinking budget.
const OutputTokens = 8000

var errIncompleteStream = errors.New("stream ended before message_stop")

// Provider implements coach.Provider on the Anthropic SDK.
type Provider struct {
	client anthropic.Client
}

// NewProvider builds a provider. An empty apiKey leaves the SDK to read
// ANTHROPIC_API_KEY itself. Extra options are passed to the SDK client, which
// is how tests point it at a local server.
func NewProvider(apiKey string, opts ...option.RequestOption) *Provider {
	var all []option.RequestOption
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	all = append(all, opts...)
	return &Provider{client: anthropic.NewClient(all...)}
}

func (p *Provider) Stream(ctx context.Context, req coach.ProviderRequest) (coach.ProviderStream, error) {
	if req.Model == "" {
		return nil, &coach.ConfigError{Field: "model", Reason: "is required"}
	}
	messages, err := buildMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := buildParams(req, messages)
	return &stream{sdk: p.client.Messages.NewStreaming(ctx, params)}, nil
}

func buildParams(req coach.ProviderRequest, messages []anthropic.MessageParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(OutputTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		params.MaxTokens = int64(req.ThinkingBudget + OutputTokens)
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{
				BudgetTokens: int64(req.ThinkingBudget),
			},
		}
	}
	return params
}

// stream adapts the SDK event stream to coach frames and accumulates the
// final message as it goes.
type stream struct {
	sdk     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message anthropic.Message
	current coach.Frame
	stopped bool
	err     error
}

func (s *stream) Next() bool {
	if s.err != nil {
		return false
	}
	for s.sdk.Next() {
		event := s.sdk.Current()
		if err := s.message.Accumulate(event); err != nil {
			s.err = fmt.Errorf("accumulate message: %w", err)
			return false
		}
		if frame, ok := s.frame(event); ok {
			s.current = frame
			return true
		}
	}
	return false
}

func (s *stream) Current() coach.Frame {
	return s.current
}

func (s *stream) Err() error {
	if s.err != nil {
		return s.err
	}
	if err := s.sdk.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (s *stream) FinalMessage() (coach.FinalMessage, error) {
	if err := s.Err(); err != nil {
		return coach.FinalMessage{}, err
	}
	if !s.stopped {
		return coach.FinalMessage{}, errIncompleteStream
	}
	return coach.FinalMessage{
		Content: contentBlocks(s.message.Content),
		Usage: coach.Usage{
			InputTokens:  int(s.message.Usage.InputTokens),
			OutputTokens: int(s.message.Usage.OutputTokens),
		},
		StopReason: string(s.message.StopReason),
	}, nil
}

func (s *stream) Close() error {
	return s.sdk.Close()
}

func (s *stream) frame(event anthropic.MessageStreamEventUnion) (coach.Frame, bool) {
	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return coach.MessageStartFrame{InputTokens: int(variant.Message.Usage.InputTokens)}, true
	case anthropic.ContentBlockStartEvent:
		block, ok := startBlock(variant.ContentBlock)
		if !ok {
			return nil, false
		}
		return coach.BlockStartFrame{Index: int(variant.Index), Block: block}, true
	case anthropic.ContentBlockDeltaEvent:
		index := int(variant.Index)
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return coach.TextDeltaFrame{Index: index, Text: delta.Text}, true
		case anthropic.ThinkingDelta:
			return coach.ThinkingDeltaFrame{Index: index, Thinking: delta.Thinking}, true
		case anthropic.SignatureDelta:
			return coach.SignatureDeltaFrame{Index: index, Signature: delta.Signature}, true
		case anthropic.InputJSONDelta:
			return coach.InputJSONDeltaFrame{Index: index, PartialJSON: delta.PartialJSON}, true
		}
	case anthropic.ContentBlockStopEvent:
		return coach.BlockStopFrame{Index: int(variant.Index)}, true
	case anthropic.MessageDeltaEvent:
		return coach.MessageDeltaFrame{
			StopReason:   string(variant.Delta.StopReason),
			OutputTokens: int(variant.Usage.OutputTokens),
		}, true
	case anthropic.MessageStopEvent:
		s.stopped = true
		return coach.MessageStopFrame{}, true
	}
	return nil, false
}

func startBlock(block anthropic.ContentBlockStartEventContentBlockUnion) (coach.ContentBlock, bool) {
	switch variant := block.AsAny().(type) {
	case anthropic.TextBlock:
		return coach.ContentBlock{Type: coach.BlockText, Text: variant.Text}, true
	case anthropic.ThinkingBlock:
		return coach.ContentBlock{Type: coach.BlockThinking, Thinking: variant.Thinking, Signature: variant.Signature}, true
	case anthropic.RedactedThinkingBlock:
		return coach.ContentBlock{Type: coach.BlockRedactedThinking, Data: variant.Data}, true
	case anthropic.ToolUseBlock:
		return coach.ContentBlock{Type: coach.BlockToolUse, ID: variant.ID, Name: variant.Name}, true
	}
	return coach.ContentBlock{}, false
}
