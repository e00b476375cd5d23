package types

import (
	"time"

	"github.com/google/uuid"
)

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	ConversationIdle       ConversationState = "idle"
	ConversationActive     ConversationState = "active"
	ConversationProcessing ConversationState = "processing"
	ConversationWaiting    ConversationState = "waiting"
	ConversationClosed     ConversationState = "closed"
)

// HistoryEntryType tags an event in the conversation history.
type HistoryEntryType string

const (
	HistoryUserInput HistoryEntryType = "user_input"
	HistoryResponse  HistoryEntryType = "response"
	HistoryStatus    HistoryEntryType = "status"
	HistoryRecovery  HistoryEntryType = "recovery"
)

// HistoryEntry is one typed event in a conversation's ordered history.
type HistoryEntry struct {
	Type      HistoryEntryType       `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Content   string                 `json:"content,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PersistenceMetadata records how a context was persisted.
type PersistenceMetadata struct {
	SizeBytes            int64   `json:"size_bytes"`
	CompressedSizeBytes  int64   `json:"compressed_size_bytes,omitempty"`
	CompressionRatio     float64 `json:"compression_ratio,omitempty"`
	CompressionAlgorithm string  `json:"compression_algorithm,omitempty"`
	SchemaVersion        int     `json:"schema_version"`
	Checksum             string  `json:"checksum,omitempty"`
	BackupIDs            []string `json:"backup_ids,omitempty"`
	Corrupt              bool    `json:"corrupt,omitempty"`
	RecoveryAttempts     int     `json:"recovery_attempts"`
}

// AccessMetrics tracks how often a context is touched.
type AccessMetrics struct {
	TotalAccesses  int64   `json:"total_accesses"`
	FrequencyScore float64 `json:"frequency_score"`
	RelevanceScore float64 `json:"relevance_score"`
}

// SkillGenerationRecord is one entry of a conversation's generation history.
type SkillGenerationRecord struct {
	Request   string    `json:"request"`
	SkillName string    `json:"skill_name,omitempty"`
	Step      string    `json:"step,omitempty"` // Failing step on failure
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// ConversationContext is the durable record of a user↔system exchange.
type ConversationContext struct {
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	State          ConversationState `json:"state"`
	CurrentTaskID  string            `json:"current_task,omitempty"`

	History []HistoryEntry `json:"history"`

	ContextData     map[string]interface{} `json:"context_data,omitempty"`
	PendingTasks    map[string]string      `json:"pending_tasks,omitempty"` // task id → description
	UserPreferences map[string]interface{} `json:"user_preferences,omitempty"`

	SkillGenerationHistory []SkillGenerationRecord `json:"skill_generation_history,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	LastModified time.Time `json:"last_modified"`
	LastAccessed time.Time `json:"last_accessed"`

	ErrorRecoveryAttempts int `json:"error_recovery_attempts"`

	Persistence PersistenceMetadata `json:"persistence_metadata"`
	Access      AccessMetrics       `json:"access_metrics"`

	Tags                 []string `json:"tags,omitempty"`
	RelatedConversations []string `json:"related_conversations,omitempty"`
	CachePriority        int      `json:"memory_cache_priority"`
	AutoCleanupEligible  bool     `json:"auto_cleanup_eligible"`
}

// NewConversationContext creates an active context for a user.
func NewConversationContext(userID string) *ConversationContext {
	now := time.Now()
	return &ConversationContext{
		ConversationID:  uuid.NewString(),
		UserID:          userID,
		State:           ConversationActive,
		History:         []HistoryEntry{},
		ContextData:     make(map[string]interface{}),
		PendingTasks:    make(map[string]string),
		UserPreferences: make(map[string]interface{}),
		CreatedAt:       now,
		LastActivity:    now,
		LastModified:    now,
		LastAccessed:    now,
		Persistence:     PersistenceMetadata{SchemaVersion: 1},
	}
}

// AppendHistory adds a typed event and bumps the activity timestamps.
func (c *ConversationContext) AppendHistory(entryType HistoryEntryType, content string, details map[string]interface{}) {
	now := time.Now()
	c.History = append(c.History, HistoryEntry{
		Type:      entryType,
		Timestamp: now,
		Content:   content,
		Details:   details,
	})
	c.LastActivity = now
	c.LastModified = now
}

// Touch records an access for cache scoring.
func (c *ConversationContext) Touch() {
	c.LastAccessed = time.Now()
	c.Access.TotalAccesses++
	age := time.Since(c.CreatedAt).Hours() + 1
	c.Access.FrequencyScore = float64(c.Access.TotalAccesses) / age
}
