// Package logging provides audit logging for skillforge. Audit events are
// immutable JSONL records of scheduling decisions, generation pipeline steps,
// and healing attempts - the trail spec'd for terminal failures.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Task lifecycle events
	AuditTaskScheduled AuditEventType = "task_scheduled"
	AuditTaskStarted   AuditEventType = "task_started"
	AuditTaskCompleted AuditEventType = "task_completed"
	AuditTaskFailed    AuditEventType = "task_failed"
	AuditTaskCancelled AuditEventType = "task_cancelled"
	AuditTaskRetried   AuditEventType = "task_retried"

	// Skill lifecycle events
	AuditSkillRegistered  AuditEventType = "skill_registered"
	AuditSkillActivated   AuditEventType = "skill_activated"
	AuditSkillDeactivated AuditEventType = "skill_deactivated"
	AuditSkillReloaded    AuditEventType = "skill_reloaded"

	// Generation pipeline events
	AuditGenerationStart    AuditEventType = "generation_start"
	AuditGenerationStep     AuditEventType = "generation_step"
	AuditGenerationComplete AuditEventType = "generation_complete"
	AuditGenerationFailed   AuditEventType = "generation_failed"

	// Healing events
	AuditHealingAttempt  AuditEventType = "healing_attempt"
	AuditHealingOutcome  AuditEventType = "healing_outcome"
	AuditSkillDisabled   AuditEventType = "skill_disabled"
	AuditPatternDetected AuditEventType = "pattern_detected"

	// Store events
	AuditStateSaved         AuditEventType = "state_saved"
	AuditStateRecovered     AuditEventType = "state_recovered"
	AuditCorruptionDetected AuditEventType = "corruption_detected"

	// Generator calls
	AuditGeneratorRequest AuditEventType = "generator_request"
	AuditGeneratorError   AuditEventType = "generator_error"
)

// AuditEvent is a single structured audit record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	SessionID  string                 `json:"session,omitempty"` // Conversation correlation
	Target     string                 `json:"target,omitempty"`  // Task/skill id the event is about
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging.
type AuditLogger struct {
	sessionID string
	category  Category
}

// InitAudit initializes the audit logging system.
// Unlike category logs, the audit trail is written even outside debug mode:
// terminal failures must carry a full record per the error-handling design.
func InitAudit() error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}
	if logsDir == "" {
		return fmt.Errorf("logging not initialized")
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	auditPath := filepath.Join(logsDir, "audit.jsonl")
	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a conversation.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// AuditWithContext creates a fully-scoped audit logger.
func AuditWithContext(sessionID string, category Category) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, category: category}
}

// Log writes an audit event as one JSON line. Append-only; entries are never
// rewritten.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = auditFile.Write(append(data, '\n'))
}

// LogEvent is a convenience wrapper for the common case.
func (a *AuditLogger) LogEvent(eventType AuditEventType, target string, success bool, msg string) {
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    target,
		Success:   success,
		Message:   msg,
	})
}
