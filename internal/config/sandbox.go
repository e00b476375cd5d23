package config

import "time"

// SandboxConfig configures sandboxed skill execution.
type SandboxConfig struct {
	// Timeout bounds a single skill execution.
	Timeout time.Duration `json:"timeout"`

	// ExtraAllowedImports extends the built-in stdlib allowlist.
	ExtraAllowedImports []string `json:"extra_allowed_imports"`
}

// DefaultSandboxConfig returns sandbox defaults.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout: 30 * time.Second,
	}
}
