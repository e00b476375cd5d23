package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `json:"level,omitempty"`      // debug, info, warn, error
	JSONFormat bool            `json:"json_format,omitempty"`
	DebugMode  bool            `json:"debug_mode,omitempty"` // Master toggle - false = no category logs
	Categories map[string]bool `json:"categories,omitempty"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true // All enabled by default in debug mode
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
