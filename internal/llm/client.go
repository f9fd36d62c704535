// Package llm provides the language-model clients the decision engine
// prompts for its next command.
package llm

import (
	"context"
	"fmt"

	"github.com/ashureev/webpilot/internal/shared"
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Client completes prompts. Transport failures are wrapped in
// shared.ErrLLMTransport.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// Func adapts a function to the Client interface.
type Func func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Name returns "func".
func (f Func) Name() string { return "func" }

func transportErr(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", shared.ErrLLMTransport, provider, err)
}
