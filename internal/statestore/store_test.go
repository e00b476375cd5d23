package statestore

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"skillforge/internal/config"
	"skillforge/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.StoreConfig{
		DatabasePath:              filepath.Join(dir, "state.db"),
		BackupDir:                 filepath.Join(dir, "backups"),
		CompressionAlgorithm:      CompressionGzip,
		CompressionThresholdBytes: 4096,
		MaxRecoveryAttempts:       3,
		MaxBackupsPerConversation: 3,
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleContext(userID string) *types.ConversationContext {
	ctx := types.NewConversationContext(userID)
	ctx.AppendHistory(types.HistoryUserInput, "summarise the report", nil)
	ctx.AppendHistory(types.HistoryResponse, "working on it", map[string]interface{}{"task": "t1"})
	ctx.ContextData["topic"] = "reports"
	ctx.PendingTasks["t1"] = "summarise the report"
	ctx.Tags = []string{"demo"}
	return ctx
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := sampleContext("user-1")

	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := s.Load(ctx.ConversationID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Persistence metadata is maintained by the store and access metrics
	// move on every touch; everything else must round-trip exactly.
	opts := []cmp.Option{
		cmpopts.IgnoreFields(types.ConversationContext{}, "Persistence", "Access", "LastAccessed"),
	}
	if diff := cmp.Diff(ctx, got, opts...); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Canonical form is deterministic.
	a, err := canonicalJSON(got)
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalJSON(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("canonical serialisation is not deterministic")
	}
}

func TestLoadUnknownConversation(t *testing.T) {
	s := testStore(t)
	if _, err := s.Load("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCompressionAboveThreshold(t *testing.T) {
	s := testStore(t)
	s.cfg.CompressionThresholdBytes = 64

	ctx := sampleContext("user-2")
	// Pad the history well past the threshold with compressible content.
	for i := 0; i < 50; i++ {
		ctx.AppendHistory(types.HistoryStatus, strings.Repeat("progress ", 20), nil)
	}

	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ctx.Persistence.CompressionAlgorithm != CompressionGzip {
		t.Errorf("algorithm = %s, want gzip", ctx.Persistence.CompressionAlgorithm)
	}
	if ctx.Persistence.CompressedSizeBytes == 0 ||
		ctx.Persistence.CompressedSizeBytes >= ctx.Persistence.SizeBytes {
		t.Errorf("compression ineffective: %d -> %d",
			ctx.Persistence.SizeBytes, ctx.Persistence.CompressedSizeBytes)
	}

	got, err := s.Load(ctx.ConversationID)
	if err != nil {
		t.Fatalf("Load of compressed state failed: %v", err)
	}
	if len(got.History) != len(ctx.History) {
		t.Errorf("history length = %d, want %d", len(got.History), len(ctx.History))
	}
}

func TestSmallStatesSkipCompression(t *testing.T) {
	s := testStore(t)

	ctx := types.NewConversationContext("user-3")
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.Persistence.CompressionAlgorithm != CompressionNone {
		t.Errorf("algorithm = %s, want none below threshold", ctx.Persistence.CompressionAlgorithm)
	}
	if s.Stats().CompressionSkips != 1 {
		t.Errorf("CompressionSkips = %d, want 1", s.Stats().CompressionSkips)
	}
}

func TestSnappyCompressor(t *testing.T) {
	comp, err := newCompressor(CompressionSnappy)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte(strings.Repeat("conversation state ", 100))
	blob, err := comp.Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	back, err := comp.Decompress(blob)
	if err != nil {
		t.Fatal(err)
	}
	if string(back) != string(data) {
		t.Error("snappy round trip mismatch")
	}

	if _, err := newCompressor("lzma"); err == nil {
		t.Error("unconfigured algorithm accepted")
	}
}

func TestCorruptionRecoversFromBackup(t *testing.T) {
	s := testStore(t)
	ctx := sampleContext("user-4")

	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Backup(ctx); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	// Corrupt the stored checksum; the payload no longer verifies.
	if _, err := s.db.Exec(
		"UPDATE conversation_states SET state_checksum = 'deadbeef' WHERE conversation_id = ?",
		ctx.ConversationID); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx.ConversationID)
	if err != nil {
		t.Fatalf("Load failed instead of recovering: %v", err)
	}
	if got.ErrorRecoveryAttempts != 1 {
		t.Errorf("recovery attempts = %d, want 1", got.ErrorRecoveryAttempts)
	}
	if got.UserID != "user-4" || len(got.History) != len(ctx.History) {
		t.Errorf("restored context lost content: %+v", got)
	}

	// The recovered row is persisted; a second load is clean.
	again, err := s.Load(ctx.ConversationID)
	if err != nil {
		t.Fatalf("reload after recovery failed: %v", err)
	}
	if again.ErrorRecoveryAttempts != 1 {
		t.Errorf("reload attempts = %d, want 1", again.ErrorRecoveryAttempts)
	}

	st := s.Stats()
	if st.CorruptionsDetected != 1 || st.Recoveries != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCorruptionFallsBackToMinimal(t *testing.T) {
	s := testStore(t)
	ctx := sampleContext("user-5")
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}
	// No backup exists; corrupt the payload itself.
	if _, err := s.db.Exec(
		"UPDATE conversation_states SET serialized_state = '{broken', compressed_state = NULL WHERE conversation_id = ?",
		ctx.ConversationID); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx.ConversationID)
	if err != nil {
		t.Fatalf("Load failed instead of falling back: %v", err)
	}
	if got.ConversationID != ctx.ConversationID || got.UserID != "user-5" {
		t.Errorf("fallback lost identity: %+v", got)
	}
	if got.State != types.ConversationIdle {
		t.Errorf("fallback state = %s, want idle", got.State)
	}
	if len(got.History) != 1 || got.History[0].Type != types.HistoryRecovery {
		t.Errorf("fallback history = %+v, want single recovery entry", got.History)
	}
	if got.ErrorRecoveryAttempts != 1 {
		t.Errorf("attempts = %d, want 1", got.ErrorRecoveryAttempts)
	}
}

func TestUnrecoverableAfterMaxAttempts(t *testing.T) {
	s := testStore(t)
	s.cfg.MaxRecoveryAttempts = 2

	ctx := sampleContext("user-6")
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}

	corrupt := func() {
		if _, err := s.db.Exec(
			"UPDATE conversation_states SET state_checksum = 'bad' WHERE conversation_id = ?",
			ctx.ConversationID); err != nil {
			t.Fatal(err)
		}
	}

	// Two recoveries exhaust the budget.
	for i := 0; i < 2; i++ {
		corrupt()
		if _, err := s.Load(ctx.ConversationID); err != nil {
			t.Fatalf("recovery %d failed: %v", i+1, err)
		}
	}
	corrupt()
	if _, err := s.Load(ctx.ConversationID); !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("error = %v, want ErrUnrecoverable", err)
	}
	// The mark is durable.
	if _, err := s.Load(ctx.ConversationID); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("second load error = %v, want ErrUnrecoverable", err)
	}
}

func TestBackupListAndRestore(t *testing.T) {
	s := testStore(t)
	ctx := sampleContext("user-7")
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}

	backupID, err := s.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(backupID, ctx.ConversationID+"_") {
		t.Errorf("backup id = %s, want %s_ prefix", backupID, ctx.ConversationID)
	}

	backups, err := s.ListBackups(ctx.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 || backups[0].BackupID != backupID {
		t.Fatalf("ListBackups = %+v", backups)
	}

	// Mutate and save, then restore the older snapshot.
	ctx.AppendHistory(types.HistoryUserInput, "later message", nil)
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(ctx.ConversationID, backupID); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got, err := s.Load(ctx.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 2 {
		t.Errorf("restored history length = %d, want 2 (pre-mutation)", len(got.History))
	}

	if err := s.Restore("other-id", backupID); err == nil {
		t.Error("Restore accepted a backup belonging to a different conversation")
	}
}

func TestValidateContextPredicates(t *testing.T) {
	valid := func() *types.ConversationContext { return sampleContext("u") }

	tests := []struct {
		name   string
		mutate func(*types.ConversationContext)
	}{
		{"missing user id", func(c *types.ConversationContext) { c.UserID = "" }},
		{"bad state", func(c *types.ConversationContext) { c.State = "confused" }},
		{"future created_at", func(c *types.ConversationContext) { c.CreatedAt = time.Now().Add(24 * time.Hour) }},
		{"activity before creation", func(c *types.ConversationContext) {
			c.LastActivity = c.CreatedAt.Add(-time.Hour)
		}},
		{"history entry without type", func(c *types.ConversationContext) {
			c.History = append(c.History, types.HistoryEntry{Timestamp: time.Now()})
		}},
		{"size out of bounds", func(c *types.ConversationContext) { c.Persistence.SizeBytes = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := validateContext(c, c.ConversationID); err == nil {
				t.Error("corrupt context passed validation")
			}
		})
	}

	if err := validateContext(valid(), ""); err != nil {
		t.Errorf("valid context rejected: %v", err)
	}
}
