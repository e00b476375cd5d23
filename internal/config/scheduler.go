package config

import "time"

// SchedulerConfig configures the task scheduler control loop.
type SchedulerConfig struct {
	// Tick is the control loop interval.
	Tick time.Duration `json:"tick"`

	// BalanceEvery runs the resource-balance check every N ticks.
	BalanceEvery int `json:"balance_every"`

	// MaxConcurrent is the global cap on simultaneously running tasks.
	MaxConcurrent int `json:"max_concurrent"`

	// QueueSoftLimit pauses low-priority tasks when the ready queue grows
	// past this size.
	QueueSoftLimit int `json:"queue_soft_limit"`

	// DefaultTaskTimeout applies when a task carries no timeout of its own.
	DefaultTaskTimeout time.Duration `json:"default_task_timeout"`

	// CancelGracePeriod is how long a running task gets to stop
	// cooperatively before resources are forcibly reclaimed.
	CancelGracePeriod time.Duration `json:"cancel_grace_period"`

	// RetentionWindow keeps terminal tasks in memory before archival.
	RetentionWindow time.Duration `json:"retention_window"`
}

// DefaultSchedulerConfig returns scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Tick:               5 * time.Second,
		BalanceEvery:       6,
		MaxConcurrent:      16,
		QueueSoftLimit:     200,
		DefaultTaskTimeout: 300 * time.Second,
		CancelGracePeriod:  5 * time.Second,
		RetentionWindow:    time.Hour,
	}
}
