package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ErrUnreachable marks transport-level generator failures so callers can
// distinguish "the generator is down" from "the generator rejected us".
var ErrUnreachable = errors.New("generator unreachable")

// HTTPConfig configures the OpenAI-compatible HTTP client.
type HTTPConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration

	MaxTokens   int
	Temperature float64
}

// HTTPConfigFromEnv reads FORGE_GENERATOR_URL, FORGE_GENERATOR_KEY and
// FORGE_GENERATOR_MODEL. The URL and key are required for a usable client;
// absence is reported at call time, not construction time.
func HTTPConfigFromEnv() HTTPConfig {
	return HTTPConfig{
		APIKey:  os.Getenv("FORGE_GENERATOR_KEY"),
		BaseURL: os.Getenv("FORGE_GENERATOR_URL"),
		Model:   os.Getenv("FORGE_GENERATOR_MODEL"),
		Timeout: 120 * time.Second,
	}
}

// HTTPClient talks to any OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient builds a client for the given endpoint.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *HTTPClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("%w: no endpoint configured (set FORGE_GENERATOR_URL)", ErrUnreachable)
	}

	var messages []chatMessage
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator returned status %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse generator response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("generator error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("generator returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
