package config

import (
	"path/filepath"
	"time"
)

// ForgeConfig configures skill synthesis and healing.
type ForgeConfig struct {
	// GenerationEnabled gates the synthesis pipeline. When false, a missing
	// capability surfaces as an error instead of a generation attempt.
	GenerationEnabled bool `json:"generation_enabled"`

	// GeneratedDir is where synthesised skill sources are written.
	GeneratedDir string `json:"generated_dir"`

	// BackupDir holds rolled-back skill source versions.
	BackupDir string `json:"backup_dir"`

	// MaxBackupsPerSkill bounds per-skill source backups.
	MaxBackupsPerSkill int `json:"max_backups_per_skill"`

	// MaxHealingAttempts caps healing attempts per failure.
	MaxHealingAttempts int `json:"max_healing_attempts"`

	// PatternThreshold is the failure frequency at which a suggested fix
	// is generated for a detected pattern.
	PatternThreshold int `json:"pattern_threshold"`

	// PatchConfidence is the minimum pattern confidence to prefer a patch
	// over rollback for runtime failures.
	PatchConfidence float64 `json:"patch_confidence"`

	// SmokeTimeout bounds the post-registration smoke execution.
	SmokeTimeout time.Duration `json:"smoke_timeout"`
}

// DefaultForgeConfig returns forge defaults rooted at the workspace.
func DefaultForgeConfig(workspace string) ForgeConfig {
	return ForgeConfig{
		GenerationEnabled:  true,
		GeneratedDir:       filepath.Join(workspace, "skills", "generated"),
		BackupDir:          filepath.Join(workspace, ".forge", "skill_backups"),
		MaxBackupsPerSkill: 5,
		MaxHealingAttempts: 3,
		PatternThreshold:   3,
		PatchConfidence:    0.8,
		SmokeTimeout:       10 * time.Second,
	}
}
