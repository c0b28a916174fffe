package coach

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// scriptedTurn is one provider turn: frames are replayed, then the stream ends
// with streamErr or yields final.
type scriptedTurn struct {
	openErr   error
	frames    []Frame
	streamErr error
	finalErr  error
	final     FinalMessage
	// beforeFrame runs before frame i is delivered; used to inject cancellation.
	beforeFrame func(i int)
}

type scriptedProvider struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []ProviderRequest
}

func (p *scriptedProvider) Stream(_ context.Context, req ProviderRequest) (ProviderStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx >= len(p.turns) {
		return nil, errors.New("no scripted turn left")
	}
	turn := p.turns[idx]
	if turn.openErr != nil {
		return nil, turn.openErr
	}
	return &scriptedStream{turn: turn, pos: -1}, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type scriptedStream struct {
	turn   scriptedTurn
	pos    int
	closed bool
}

func (s *scriptedStream) Next() bool {
	if s.pos+1 >= len(s.turn.frames) {
		s.pos = len(s.turn.frames)
		return false
	}
	s.pos++
	if s.turn.beforeFrame != nil {
		s.turn.beforeFrame(s.pos)
	}
	return true
}

func (s *scriptedStream) Current() Frame { return s.turn.frames[s.pos] }

func (s *scriptedStream) Err() error { return s.turn.streamErr }

func (s *scriptedStream) FinalMessage() (FinalMessage, error) {
	if s.turn.finalErr != nil {
		return FinalMessage{}, s.turn.finalErr
	}
	return s.turn.final, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

func textTurn(stopReason string, usage Usage, chunks ...string) scriptedTurn {
	frames := []Frame{
		MessageStartFrame{InputTokens: usage.InputTokens},
		BlockStartFrame{Index: 0, Block: ContentBlock{Type: BlockText}},
	}
	full := ""
	for _, c := range chunks {
		frames = append(frames, TextDeltaFrame{Index: 0, Text: c})
		full += c
	}
	frames = append(frames,
		BlockStopFrame{Index: 0},
		MessageDeltaFrame{StopReason: stopReason, OutputTokens: usage.OutputTokens},
		MessageStopFrame{},
	)
	return scriptedTurn{
		frames: frames,
		final: FinalMessage{
			Content:    []ContentBlock{{Type: BlockText, Text: full}},
			Usage:      usage,
			StopReason: stopReason,
		},
	}
}

func toolTurn(usage Usage, calls ...ToolCall) scriptedTurn {
	frames := []Frame{MessageStartFrame{InputTokens: usage.InputTokens}}
	var content []ContentBlock
	for i, call := range calls {
		frames = append(frames,
			BlockStartFrame{Index: i, Block: ContentBlock{Type: BlockToolUse, ID: call.ID, Name: call.Name}},
			InputJSONDeltaFrame{Index: i, PartialJSON: string(call.Input)},
			BlockStopFrame{Index: i},
		)
		content = append(content, ContentBlock{Type: BlockToolUse, ID: call.ID, Name: call.Name, Input: call.Input})
	}
	frames = append(frames,
		MessageDeltaFrame{StopReason: StopReasonToolUse, OutputTokens: usage.OutputTokens},
		MessageStopFrame{},
	)
	return scriptedTurn{
		frames: frames,
		final:  FinalMessage{Content: content, Usage: usage, StopReason: StopReasonToolUse},
	}
}

type fakeSettlement struct {
	mu        sync.Mutex
	records   []RecordRequest
	aborts    []AbortRequest
	recordErr error
}

func (f *fakeSettlement) Record(ctx context.Context, req RecordRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.records = append(f.records, req)
	return f.recordErr
}

func (f *fakeSettlement) Abort(ctx context.Context, req AbortRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.aborts = append(f.aborts, req)
	return nil
}

func (f *fakeSettlement) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), len(f.aborts)
}

// fakeTools answers every known tool with {"ok":true,"tool":name} unless a
// handler is registered for it.
type fakeTools struct {
	mu       sync.Mutex
	specs    []ToolSpec
	handlers map[string]func(ctx context.Context, attempt int) (json.RawMessage, error)
	attempts map[string]int
}

func newFakeTools(names ...string) *fakeTools {
	f := &fakeTools{
		handlers: make(map[string]func(context.Context, int) (json.RawMessage, error)),
		attempts: make(map[string]int),
	}
	for _, name := range names {
		f.specs = append(f.specs, ToolSpec{Name: name, InputSchema: map[string]any{"type": "object"}})
	}
	return f
}

func (f *fakeTools) Schema(context.Context) ([]ToolSpec, error) {
	return f.specs, nil
}

func (f *fakeTools) Execute(ctx context.Context, _ string, name string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.attempts[name]++
	attempt := f.attempts[name]
	handler := f.handlers[name]
	f.mu.Unlock()
	if handler != nil {
		return handler(ctx, attempt)
	}
	return json.RawMessage(`{"ok":true,"tool":"` + name + `"}`), nil
}

func (f *fakeTools) attemptsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

type eventLog struct {
	mu     sync.Mutex
	events []StreamEvent
}

func (l *eventLog) sink(event StreamEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) last() StreamEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

// terminals counts message_stop and error events.
func (l *eventLog) terminals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.IsTerminal() {
			n++
		}
	}
	return n
}
