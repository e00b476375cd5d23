package config

import "path/filepath"

// StoreConfig configures the durable conversation state store.
type StoreConfig struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `json:"database_path"`

	// BackupDir holds one compressed file per backup.
	BackupDir string `json:"backup_dir"`

	// CompressionAlgorithm tags the pluggable compressor: none, gzip, snappy.
	CompressionAlgorithm string `json:"compression_algorithm"`

	// CompressionThresholdBytes skips compression for states smaller than this.
	CompressionThresholdBytes int `json:"compression_threshold_bytes"`

	// MaxRecoveryAttempts before a context is marked permanently unrecoverable.
	MaxRecoveryAttempts int `json:"max_recovery_attempts"`

	// MaxBackupsPerConversation bounds the backup directory.
	MaxBackupsPerConversation int `json:"max_backups_per_conversation"`
}

// DefaultStoreConfig returns store defaults rooted at the workspace.
func DefaultStoreConfig(workspace string) StoreConfig {
	return StoreConfig{
		DatabasePath:              filepath.Join(workspace, ".forge", "state.db"),
		BackupDir:                 filepath.Join(workspace, ".forge", "backups"),
		CompressionAlgorithm:      "gzip",
		CompressionThresholdBytes: 4096,
		MaxRecoveryAttempts:       3,
		MaxBackupsPerConversation: 10,
	}
}
