package config

import (
	"path/filepath"
	"time"
)

// DiscoveryConfig configures skill discovery and hot reload.
type DiscoveryConfig struct {
	// Roots are the directories scanned for skill sources.
	Roots []string `json:"roots"`

	// ExcludedDirs are skipped during the walk (hidden paths always are).
	ExcludedDirs []string `json:"excluded_dirs"`

	// Debounce is the window for coalescing file events per skill.
	Debounce time.Duration `json:"debounce"`

	// WatchEnabled turns the fsnotify watcher on.
	WatchEnabled bool `json:"watch_enabled"`
}

// DefaultDiscoveryConfig returns discovery defaults rooted at the workspace.
func DefaultDiscoveryConfig(workspace string) DiscoveryConfig {
	return DiscoveryConfig{
		Roots: []string{
			filepath.Join(workspace, "skills"),
			filepath.Join(workspace, "skills", "generated"),
			filepath.Join(workspace, "plugins"),
			filepath.Join(workspace, "plugins", "generated"),
			filepath.Join(workspace, "mcp", "servers"),
			filepath.Join(workspace, "mcp", "servers", "generated"),
		},
		ExcludedDirs: []string{"node_modules", "vendor", "testdata", "__pycache__"},
		Debounce:     2 * time.Second,
		WatchEnabled: true,
	}
}
