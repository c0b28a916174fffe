package coach

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"
)

const (
	defaultMaxSteps       = 10
	defaultThinkingBudget = 32000
)

// Run end states.
const (
	StateDone  = "done"
	StateFatal = "fatal"
)

// Config holds the per-process orchestrator settings.
type Config struct {
	Model            string
	MaxSteps         int
	ThinkingBudget   int
	ToolRetryBackoff time.Duration
}

// Normalize fills defaults and rejects a config that cannot serve requests.
func (c Config) Normalize() (Config, error) {
	if c.Model == "" {
		return c, &ConfigError{Field: "model", Reason: "is required"}
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.ThinkingBudget <= 0 {
		c.ThinkingBudget = defaultThinkingBudget
	}
	if c.ToolRetryBackoff <= 0 {
		c.ToolRetryBackoff = defaultToolRetryBackoff
	}
	return c, nil
}

// RunRequest is a preflighted request ready to run.
type RunRequest struct {
	RunID           string
	UserID          string
	SessionID       string
	ReservationID   string
	EstimatedTokens int
	BudgetRemaining int
	IsFreePreview   bool
	SystemPrompt    string
	History         []Message
	UserMessage     string
	Tools           []ToolSpec
}

// Sink receives events in emission order.
type Sink func(StreamEvent)

// Outcome summarizes how a run ended.
type Outcome struct {
	State          string
	Steps          int
	TokensUsed     int
	ThinkingTokens int
	Err            error
}

// Orchestrator runs the model and tool loop for preflighted requests.
type Orchestrator struct {
	cfg        Config
	provider   Provider
	tools      ToolBackend
	settlement Settlement
}

// NewOrchestrator validates cfg and wires the loop collaborators.
func NewOrchestrator(cfg Config, provider Provider, tools ToolBackend, settlement Settlement) (*Orchestrator, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, provider: provider, tools: tools, settlement: settlement}, nil
}

// Config returns the effective settings.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

type runState struct {
	req            RunRequest
	settle         *settler
	emit           Sink
	messages       []Message
	transcript     []Message
	turn           *Normalizer
	steps          int
	tokensUsed     int
	thinkingTokens int
}

// Run drives one request to a terminal event and settles its reservation exactly once.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, emit Sink) (outcome Outcome) {
	userMsg := TextMessage(RoleUser, req.UserMessage)
	run := &runState{
		req:        req,
		settle:     newSettler(req.RunID, o.settlement),
		emit:       emit,
		messages:   append(append(make([]Message, 0, len(req.History)+1), req.History...), userMsg),
		transcript: []Message{userMsg},
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("coach run %s: panic: %v\n%s", req.RunID, r, debug.Stack())
			outcome = o.fail(ctx, run, fmt.Errorf("panic: %v", r))
		}
	}()

	emit(Ack(req.SessionID, req.BudgetRemaining, req.IsFreePreview))

	executor := NewExecutor(o.tools, req.UserID, req.Tools, o.cfg.ToolRetryBackoff)
	for {
		run.turn = NewNormalizer()
		final, err := o.streamTurn(ctx, run)
		run.steps++
		if err != nil {
			return o.fail(ctx, run, err)
		}
		turn := run.turn
		run.turn = nil

		run.tokensUsed += final.Usage.Total()
		assistant := Message{Role: RoleAssistant, Content: final.Content}
		run.thinkingTokens += estimateTokens(assistant.ThinkingText())

		calls := turn.ToolCalls()
		if len(calls) == 0 {
			// Tool blocks the stream never closed still have to be announced.
			calls = toolCallsOf(final)
			for _, call := range calls {
				emit(ToolEvent(call))
			}
		}
		if len(calls) == 0 {
			return o.complete(ctx, run, assistant, turn, final.StopReason)
		}

		run.transcript = append(run.transcript, assistant)
		if run.steps >= o.cfg.MaxSteps {
			return o.stepLimit(ctx, run)
		}

		results, err := executor.ExecuteAll(ctx, calls)
		if err != nil {
			return o.fail(ctx, run, err)
		}
		for _, result := range results {
			emit(ToolResultEvent(result))
		}
		resultMsg := ToolResultMessage(results)
		run.transcript = append(run.transcript, resultMsg)
		run.messages = append(run.messages, assistant, resultMsg)
	}
}

func (o *Orchestrator) streamTurn(ctx context.Context, run *runState) (FinalMessage, error) {
	stream, err := o.provider.Stream(ctx, ProviderRequest{
		Model:          o.cfg.Model,
		System:         run.req.SystemPrompt,
		Messages:       run.messages,
		Tools:          run.req.Tools,
		ThinkingBudget: o.cfg.ThinkingBudget,
	})
	if err != nil {
		return FinalMessage{}, fmt.Errorf("open provider stream: %w", err)
	}
	defer stream.Close()

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return FinalMessage{}, err
		}
		for _, event := range run.turn.Push(stream.Current()) {
			run.emit(event)
		}
	}
	if err := ctx.Err(); err != nil {
		return FinalMessage{}, err
	}
	if err := stream.Err(); err != nil {
		return FinalMessage{}, fmt.Errorf("provider stream: %w", err)
	}
	final, err := stream.FinalMessage()
	if err != nil {
		return FinalMessage{}, fmt.Errorf("provider final message: %w", err)
	}
	if final.StopReason == "" {
		final.StopReason = run.turn.StopReason()
	}
	return final, nil
}

func (o *Orchestrator) complete(ctx context.Context, run *runState, assistant Message, turn *Normalizer, stopReason string) Outcome {
	run.transcript = append(run.transcript, assistant)
	err := run.settle.record(ctx, RecordRequest{
		UserID:          run.req.UserID,
		SessionID:       run.req.SessionID,
		ReservationID:   run.req.ReservationID,
		Messages:        run.transcript,
		TokensUsed:      run.tokensUsed,
		ThinkingTokens:  run.thinkingTokens,
		EstimatedTokens: run.req.EstimatedTokens,
		IsFreePreview:   run.req.IsFreePreview,
	})
	if err != nil {
		log.Printf("coach run %s: record failed: %v", run.req.RunID, err)
		run.emit(ErrorEvent(failedMessage))
		return run.outcome(StateFatal, fmt.Errorf("record: %w", err))
	}
	if stopReason == "" {
		stopReason = turn.StopReason()
	}
	run.emit(MessageStopEvent(stopReason))
	log.Printf("coach run %s: recorded %d steps, %d tokens", run.req.RunID, run.steps, run.tokensUsed)
	return run.outcome(StateDone, nil)
}

func (o *Orchestrator) stepLimit(ctx context.Context, run *runState) Outcome {
	message := fmt.Sprintf(stepLimitMessageFmt, o.cfg.MaxSteps)
	run.emit(ErrorEvent(message))
	o.abort(ctx, run, message)
	return run.outcome(StateFatal, fmt.Errorf("%w: %d steps", ErrStepBudgetExceeded, run.steps))
}

// fail reports a fault to the client and releases the reservation with whatever
// transcript the request produced so far.
func (o *Orchestrator) fail(ctx context.Context, run *runState, err error) Outcome {
	message := failedMessage
	if errors.Is(ctx.Err(), context.Canceled) || (ctx.Err() == nil && errors.Is(err, context.Canceled)) {
		message = cancelledMessage
	}
	log.Printf("coach run %s: %s: %v", run.req.RunID, message, err)

	if run.turn != nil {
		if partial, ok := run.turn.PartialMessage(); ok {
			run.transcript = append(run.transcript, partial)
		}
		run.turn = nil
	}
	if !run.settle.done() {
		run.emit(ErrorEvent(message))
	}
	o.abort(ctx, run, message)
	return run.outcome(StateFatal, err)
}

func (o *Orchestrator) abort(ctx context.Context, run *runState, reason string) {
	err := run.settle.abort(ctx, AbortRequest{
		UserID:          run.req.UserID,
		SessionID:       run.req.SessionID,
		ReservationID:   run.req.ReservationID,
		PartialMessages: run.transcript,
		Reason:          reason,
	})
	if err != nil {
		log.Printf("coach run %s: abort failed: %v", run.req.RunID, err)
	}
}

func (r *runState) outcome(state string, err error) Outcome {
	return Outcome{
		State:          state,
		Steps:          r.steps,
		TokensUsed:     r.tokensUsed,
		ThinkingTokens: r.thinkingTokens,
		Err:            err,
	}
}

func toolCallsOf(final FinalMessage) []ToolCall {
	var calls []ToolCall
	for _, block := range final.Content {
		if block.Type != BlockToolUse {
			continue
		}
		input := block.Input
		if len(input) == 0 {
			input = emptyInput
		}
		calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Input: input})
	}
	return calls
}
