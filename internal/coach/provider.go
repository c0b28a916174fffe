package coach

import "context"

// ProviderRequest is everything one model turn needs.
type ProviderRequest struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolSpec
	ThinkingBudget int
}

// FinalMessage is the provider's assembled view of a completed turn.
type FinalMessage struct {
	Content    []ContentBlock
	Usage      Usage
	StopReason string
}

// Provider opens one streaming model turn.
type Provider interface {
	Stream(ctx context.Context, req ProviderRequest) (ProviderStream, error)
}

// ProviderStream yields frames until Next returns false. Err reports why the
// stream ended early; FinalMessage is only valid after a clean end.
type ProviderStream interface {
	Next() bool
	Current() Frame
	Err() error
	FinalMessage() (FinalMessage, error)
	Close() error
}
