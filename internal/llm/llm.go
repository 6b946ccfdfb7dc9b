// Package llm is the completion client used by the classifier and the step
// executor. Providers are CloudWeGo Eino chat models.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured means provider credentials are absent. It is fatal and
// never retried.
var ErrNotConfigured = errors.New("llm provider not configured")

// ProviderError wraps any upstream failure of a completion call.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type Prompt struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
}

type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

func (c Completion) TotalTokens() int { return c.InputTokens + c.OutputTokens }

type Completer interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}
