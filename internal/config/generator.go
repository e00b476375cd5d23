package config

import "time"

// GeneratorConfig configures calls to the external text generator. The core
// never binds a provider; these bounds apply to whatever client is wired in.
type GeneratorConfig struct {
	// Timeout bounds a single Generate call.
	Timeout time.Duration `json:"timeout"`

	// MaxTokens and Temperature are passed through as generation options.
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// DefaultGeneratorConfig returns generator defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Timeout:     60 * time.Second,
		MaxTokens:   4096,
		Temperature: 0.2,
	}
}
