package coach

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBudgetExhausted    = errors.New("token budget exhausted")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionBusy        = errors.New("session already has an active request")
	ErrUnknownTool        = errors.New("unknown tool")
	ErrStepBudgetExceeded = errors.New("step budget exceeded")
	ErrToolFault          = errors.New("tool executor fault")
)

// Client-facing terminal messages.
const (
	cancelledMessage    = "Request cancelled"
	failedMessage       = "Coach response failed"
	stepLimitMessageFmt = "Step limit exceeded (%d)"
)

// ConfigError reports a missing or invalid orchestrator setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("coach config: %s is invalid", e.Field)
	}
	return fmt.Sprintf("coach config: %s %s", e.Field, e.Reason)
}

// IsConfigError returns whether err indicates an unusable configuration.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// BudgetExhaustedError wraps ErrBudgetExhausted with a reason for the client.
func BudgetExhaustedError(detail string) error {
	return fmt.Errorf("%w: %s", ErrBudgetExhausted, detail)
}

func IsBudgetExhausted(err error) bool {
	return errors.Is(err, ErrBudgetExhausted)
}

func IsSessionBusy(err error) bool {
	return errors.Is(err, ErrSessionBusy)
}

// ValidationError reports a malformed client request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
