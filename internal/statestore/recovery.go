package statestore

import (
	"fmt"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// validateContext applies the anti-corruption predicates. Any failure means
// the stored state cannot be trusted.
func validateContext(ctx *types.ConversationContext, expectedID string) error {
	if ctx.ConversationID == "" {
		return fmt.Errorf("missing conversation_id")
	}
	if expectedID != "" && ctx.ConversationID != expectedID {
		return fmt.Errorf("conversation_id %s does not match row key %s", ctx.ConversationID, expectedID)
	}
	if ctx.UserID == "" {
		return fmt.Errorf("missing user_id")
	}
	switch ctx.State {
	case types.ConversationIdle, types.ConversationActive, types.ConversationProcessing,
		types.ConversationWaiting, types.ConversationClosed:
	default:
		return fmt.Errorf("state %q is not a conversation state", ctx.State)
	}

	now := time.Now()
	if ctx.CreatedAt.IsZero() {
		return fmt.Errorf("missing created_at")
	}
	if ctx.CreatedAt.After(now.Add(time.Minute)) {
		return fmt.Errorf("created_at is in the future")
	}
	if ctx.LastActivity.Before(ctx.CreatedAt) {
		return fmt.Errorf("last_activity precedes created_at")
	}
	if ctx.Persistence.SizeBytes < 0 || ctx.Persistence.SizeBytes > 1<<31 {
		return fmt.Errorf("size metadata out of bounds: %d", ctx.Persistence.SizeBytes)
	}

	for i, entry := range ctx.History {
		if entry.Type == "" {
			return fmt.Errorf("history[%d] missing type", i)
		}
		if entry.Timestamp.IsZero() {
			return fmt.Errorf("history[%d] missing timestamp", i)
		}
	}
	return nil
}

// recoverLocked runs the recovery pipeline: latest valid backup first, then
// the minimal fallback. After max attempts the row is marked permanently
// unrecoverable.
func (s *Store) recoverLocked(id, userID string, attempts int) (*types.ConversationContext, error) {
	if attempts >= s.cfg.MaxRecoveryAttempts {
		if _, err := s.db.Exec("UPDATE conversation_states SET unrecoverable = 1 WHERE conversation_id = ?", id); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to mark %s unrecoverable: %v", id, err)
		}
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrUnrecoverable, id, attempts)
	}

	// Strategy 1: newest backup whose checksum verifies.
	if ctx := s.restoreFromBackupsLocked(id); ctx != nil {
		ctx.ErrorRecoveryAttempts = attempts + 1
		if err := s.saveLocked(ctx); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to persist restored context %s: %v", id, err)
		} else {
			s.stats.Recoveries++
			logging.Store("Recovered %s from backup (attempt %d)", id, attempts+1)
			logging.Audit().LogEvent(logging.AuditStateRecovered, id, true, "backup_restore")
			return ctx, nil
		}
	}

	// Strategy 2: minimal fallback preserving identity.
	fallback := types.NewConversationContext(userID)
	fallback.ConversationID = id
	fallback.State = types.ConversationIdle
	fallback.ErrorRecoveryAttempts = attempts + 1
	fallback.AppendHistory(types.HistoryRecovery, "corruption_detected", map[string]interface{}{
		"reason":  "corruption_detected",
		"attempt": attempts + 1,
	})

	if err := s.saveLocked(fallback); err != nil {
		return nil, fmt.Errorf("%w: fallback persist failed for %s: %v", ErrCorrupt, id, err)
	}
	s.stats.Recoveries++
	logging.Store("Recovered %s via minimal fallback (attempt %d)", id, attempts+1)
	logging.Audit().LogEvent(logging.AuditStateRecovered, id, true, "fallback_minimal")
	return fallback, nil
}

// restoreFromBackupsLocked returns the newest backup that decompresses,
// deserialises, and passes checksum and structural validation.
func (s *Store) restoreFromBackupsLocked(id string) *types.ConversationContext {
	backups, err := s.listBackupsLocked(id)
	if err != nil {
		logging.StoreDebug("Backup listing failed for %s: %v", id, err)
		return nil
	}

	for _, b := range backups { // Newest first
		ctx, err := s.readBackupLocked(b.Path)
		if err != nil {
			logging.StoreDebug("Backup %s rejected: %v", b.BackupID, err)
			continue
		}
		return ctx
	}
	return nil
}
