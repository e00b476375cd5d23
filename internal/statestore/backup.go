package statestore

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// backupTimeLayout names backup files {conversation_id}_{YYYYMMDD_HHMMSS}.json.gz.
const backupTimeLayout = "20060102_150405"

// BackupInfo describes one backup file.
type BackupInfo struct {
	BackupID  string    `json:"backup_id"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// backupEnvelope is the file payload.
type backupEnvelope struct {
	ConversationID string          `json:"conversation_id"`
	BackupID       string          `json:"backup_id"`
	Timestamp      time.Time       `json:"timestamp"`
	SchemaVersion  int             `json:"schema_version"`
	Context        json.RawMessage `json:"context"`
	Metadata       struct {
		Size             int64   `json:"size"`
		Checksum         string  `json:"checksum"`
		CompressionRatio float64 `json:"compression_ratio"`
	} `json:"metadata"`
}

// Backup writes a compressed snapshot of the context and prunes old ones.
func (s *Store) Backup(ctx *types.ConversationContext) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupLocked(ctx)
}

func (s *Store) backupLocked(ctx *types.ConversationContext) (string, error) {
	canonical, err := canonicalJSON(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	backupID := fmt.Sprintf("%s_%s", ctx.ConversationID, now.Format(backupTimeLayout))

	env := backupEnvelope{
		ConversationID: ctx.ConversationID,
		BackupID:       backupID,
		Timestamp:      now,
		SchemaVersion:  CurrentSchemaVersion,
		Context:        canonical,
	}
	env.Metadata.Size = int64(len(canonical))
	env.Metadata.Checksum = checksum(canonical)

	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialise backup: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return "", fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	env.Metadata.CompressionRatio = float64(buf.Len()) / float64(len(payload))

	path := filepath.Join(s.cfg.BackupDir, backupID+".json.gz")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalise backup: %w", err)
	}

	ctx.Persistence.BackupIDs = append(ctx.Persistence.BackupIDs, backupID)
	s.stats.BackupsWritten++
	s.pruneBackupsLocked(ctx.ConversationID)

	logging.StoreDebug("Backup %s written (%d bytes)", backupID, buf.Len())
	return backupID, nil
}

// Restore swaps the named backup into place as the current state.
func (s *Store) Restore(id, backupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.cfg.BackupDir, backupID+".json.gz")
	ctx, err := s.readBackupLocked(path)
	if err != nil {
		return fmt.Errorf("failed to restore %s from %s: %w", id, backupID, err)
	}
	if ctx.ConversationID != id {
		return fmt.Errorf("backup %s belongs to %s, not %s", backupID, ctx.ConversationID, id)
	}
	return s.saveLocked(ctx)
}

// ListBackups returns the backups for a conversation, newest first.
func (s *Store) ListBackups(id string) ([]BackupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listBackupsLocked(id)
}

func (s *Store) listBackupsLocked(id string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	prefix := id + "_"
	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json.gz")
		ts, err := time.ParseInLocation(backupTimeLayout, stamp, time.Local)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			BackupID:  strings.TrimSuffix(name, ".json.gz"),
			Path:      filepath.Join(s.cfg.BackupDir, name),
			Timestamp: ts,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// readBackupLocked opens, decompresses, and validates one backup file.
func (s *Store) readBackupLocked(path string) (*types.ConversationContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("backup is not valid gzip: %w", err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("backup decompression failed: %w", err)
	}

	var env backupEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("backup envelope does not parse: %w", err)
	}
	if sum := checksum(env.Context); sum != env.Metadata.Checksum {
		return nil, fmt.Errorf("backup checksum mismatch")
	}

	ctx, err := decodeContext(env.Context)
	if err != nil {
		return nil, err
	}
	if err := validateContext(ctx, env.ConversationID); err != nil {
		return nil, err
	}
	return ctx, nil
}

// pruneBackupsLocked keeps the newest MaxBackupsPerConversation files.
func (s *Store) pruneBackupsLocked(id string) {
	limit := s.cfg.MaxBackupsPerConversation
	if limit <= 0 {
		return
	}
	backups, err := s.listBackupsLocked(id)
	if err != nil || len(backups) <= limit {
		return
	}
	for _, b := range backups[limit:] {
		if err := os.Remove(b.Path); err != nil {
			logging.StoreDebug("Failed to prune backup %s: %v", b.BackupID, err)
		}
	}
}
