// Package llm defines the minimal interface the forge uses to call an
// external code generator. The runtime never binds a provider SDK; callers
// supply any implementation.
package llm

import "context"

// Client is the generator contract.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenerateOptions tune a single generation call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
}
