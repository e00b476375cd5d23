// Package config holds all skillforge configuration. Configuration is read
// from .forge/config.json in the workspace, with FORGE_* environment
// variables applied on top. A .env file next to the workspace root is loaded
// first so deployments can keep secrets out of the config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all skillforge configuration.
type Config struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	// Workspace root; everything else is resolved relative to it.
	Workspace string `json:"workspace"`

	Generator GeneratorConfig `json:"generator"`
	Store     StoreConfig     `json:"store"`
	Discovery DiscoveryConfig `json:"discovery"`
	Priority  PriorityConfig  `json:"priority"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Forge     ForgeConfig     `json:"forge"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Logging   LoggingConfig   `json:"logging"`
}

// Load reads configuration for the given workspace, applying defaults for
// anything the file does not set.
func Load(workspace string) (*Config, error) {
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot determine workspace: %w", err)
		}
		workspace = cwd
	}

	// .env is optional; missing files are fine.
	_ = godotenv.Load(filepath.Join(workspace, ".env"))

	cfg := Default(workspace)

	configPath := filepath.Join(workspace, ".forge", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file: defaults plus env overrides.
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Workspace = workspace
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration for a workspace.
func Default(workspace string) *Config {
	return &Config{
		Name:      "skillforge",
		Version:   "0.1.0",
		Workspace: workspace,
		Generator: DefaultGeneratorConfig(),
		Store:     DefaultStoreConfig(workspace),
		Discovery: DefaultDiscoveryConfig(workspace),
		Priority:  DefaultPriorityConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Forge:     DefaultForgeConfig(workspace),
		Sandbox:   DefaultSandboxConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}

// applyEnvOverrides maps FORGE_* environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_GENERATOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Generator.Timeout = d
		}
	}
	if v := os.Getenv("FORGE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("FORGE_BACKUP_DIR"); v != "" {
		c.Store.BackupDir = v
	}
	if v := os.Getenv("FORGE_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.Tick = d
		}
	}
	if v := os.Getenv("FORGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrent = n
		}
	}
	if v := os.Getenv("FORGE_GENERATION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Forge.GenerationEnabled = b
		}
	}
	if v := os.Getenv("FORGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if err := c.Priority.Validate(); err != nil {
		return err
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler tick must be positive, got %v", c.Scheduler.Tick)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	return nil
}

// Save writes the config back to .forge/config.json.
func (c *Config) Save() error {
	dir := filepath.Join(c.Workspace, ".forge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}
