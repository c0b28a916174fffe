package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const defaultToolRetryBackoff = 500 * time.Millisecond

// ToolBackend runs a named tool on behalf of a user.
type ToolBackend interface {
	Execute(ctx context.Context, userID, name string, input json.RawMessage) (json.RawMessage, error)
}

// Executor runs the tool calls of one request against a backend. The set of
// known tools is fixed when the executor is built.
type Executor struct {
	backend ToolBackend
	userID  string
	known   map[string]struct{}
	backoff time.Duration
}

// NewExecutor builds an executor for one request. schema is the tool list that
// was offered to the model.
func NewExecutor(backend ToolBackend, userID string, schema []ToolSpec, backoff time.Duration) *Executor {
	if backoff <= 0 {
		backoff = defaultToolRetryBackoff
	}
	known := make(map[string]struct{}, len(schema))
	for _, spec := range schema {
		known[spec.Name] = struct{}{}
	}
	return &Executor{backend: backend, userID: userID, known: known, backoff: backoff}
}

// Execute runs one call. A returned error means the request must abort; tool
// failures that survive the retry come back as an error result instead.
func (e *Executor) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	if _, ok := e.known[call.Name]; !ok {
		return errorResult(call, "Unknown tool", fmt.Sprintf("%q is not an available tool", call.Name)), nil
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(e.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ToolResult{}, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return ToolResult{}, err
		}

		out, err := e.backend.Execute(ctx, e.userID, call.Name, call.Input)
		if err == nil {
			return ToolResult{ToolUseID: call.ID, Content: normalizeToolOutput(out)}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ToolResult{}, ctxErr
		}
		lastErr = err
		log.Printf("coach tool %s attempt %d failed: %v", call.Name, attempt+1, err)
	}
	return errorResult(call, "Tool execution failed", lastErr.Error()), nil
}

// ExecuteAll runs every call concurrently and returns results in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))
	errs := make([]error, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("%w: %s panicked: %v", ErrToolFault, call.Name, r)
				}
			}()
			results[i], errs[i] = e.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

func errorResult(call ToolCall, message, details string) ToolResult {
	content, _ := json.Marshal(map[string]string{
		"error":   message,
		"tool":    call.Name,
		"details": details,
	})
	return ToolResult{ToolUseID: call.ID, Content: content, IsError: true}
}

func normalizeToolOutput(out json.RawMessage) json.RawMessage {
	if len(out) == 0 {
		return json.RawMessage(`null`)
	}
	if json.Valid(out) {
		return out
	}
	wrapped, _ := json.Marshal(string(out))
	return wrapped
}
