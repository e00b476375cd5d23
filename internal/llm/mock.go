package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scripted generator for tests. Responses are consumed in
// order; when the script runs out, the last response repeats.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error

	// Prompts records every prompt received, for assertions.
	Prompts []string

	calls int
}

// NewMockClient scripts the given responses.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{Responses: responses}
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *MockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Prompts = append(m.Prompts, userPrompt)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", fmt.Errorf("mock client has no scripted responses")
	}

	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++
	return m.Responses[idx], nil
}

// Calls returns how many completions were requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
