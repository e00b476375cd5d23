package statestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// CurrentSchemaVersion is written on every save; loads of newer rows fail.
const CurrentSchemaVersion = 1

var (
	// ErrNotFound is returned for unknown conversation ids.
	ErrNotFound = errors.New("conversation not found")
	// ErrCorrupt is returned when corruption is detected and recovery failed.
	ErrCorrupt = errors.New("conversation state corrupt")
	// ErrUnrecoverable is returned after max_recovery_attempts failures.
	ErrUnrecoverable = errors.New("conversation permanently unrecoverable")
)

// Stats summarises store activity.
type Stats struct {
	Saves               int64   `json:"saves"`
	Loads               int64   `json:"loads"`
	CorruptionsDetected int64   `json:"corruptions_detected"`
	Recoveries          int64   `json:"recoveries"`
	BackupsWritten      int64   `json:"backups_written"`
	CompressionSkips    int64   `json:"compression_skips"`
	AvgCompressionRatio float64 `json:"avg_compression_ratio"`
	Conversations       int     `json:"conversations"`
}

// Store is the SQLite-backed conversation state store.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	cfg config.StoreConfig

	// recentRatios is a small ring of observed compression ratios; a poor
	// rolling average turns compression off opportunistically.
	recentRatios []float64

	stats Stats
}

// Open initialises the database and runs migrations.
func Open(cfg config.StoreConfig) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Pragma failed: %s: %v", pragma, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("State store open at %s", cfg.DatabasePath)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS conversation_states (
		conversation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		current_task TEXT,
		serialized_state TEXT,
		compressed_state BLOB,
		compression_algorithm TEXT DEFAULT 'none',
		state_checksum TEXT NOT NULL,
		size_bytes INTEGER DEFAULT 0,
		compressed_size_bytes INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL,
		error_recovery_attempts INTEGER DEFAULT 0,
		memory_cache_priority INTEGER DEFAULT 0,
		auto_cleanup_eligible INTEGER DEFAULT 0,
		unrecoverable INTEGER DEFAULT 0,
		schema_version INTEGER DEFAULT 1,
		updated_timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_states_user ON conversation_states(user_id);
	CREATE INDEX IF NOT EXISTS idx_states_activity ON conversation_states(last_activity);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialise schema: %w", err)
	}

	// Column migrations for rows written by earlier versions. ALTER failures
	// on pre-existing columns are tolerable.
	migrations := []struct {
		column string
		def    string
	}{
		{"unrecoverable", "INTEGER DEFAULT 0"},
		{"schema_version", "INTEGER DEFAULT 1"},
	}
	for _, m := range migrations {
		if !s.columnExists("conversation_states", m.column) {
			query := fmt.Sprintf("ALTER TABLE conversation_states ADD COLUMN %s %s", m.column, m.def)
			if _, err := s.db.Exec(query); err != nil {
				logging.StoreDebug("Migration %s skipped: %v", m.column, err)
			}
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// Save persists the context in a single transaction: access metrics update,
// canonical serialisation, opportunistic compression, checksum, upsert.
func (s *Store) Save(ctx *types.ConversationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx *types.ConversationContext) error {
	timer := logging.StartTimer(logging.CategoryStore, "Save")
	defer timer.StopWithThreshold(200 * time.Millisecond)

	ctx.Touch()
	ctx.Persistence.SchemaVersion = CurrentSchemaVersion

	canonical, err := canonicalJSON(ctx)
	if err != nil {
		return err
	}
	sum := checksum(canonical)

	var (
		serialized []byte
		compressed []byte
		algorithm  = CompressionNone
	)
	if s.shouldCompressLocked(len(canonical)) {
		comp, err := newCompressor(s.cfg.CompressionAlgorithm)
		if err != nil {
			return err
		}
		blob, err := comp.Compress(canonical)
		if err != nil {
			return fmt.Errorf("compression failed: %w", err)
		}
		compressed = blob
		algorithm = comp.Tag()
		s.observeRatioLocked(float64(len(blob)) / float64(len(canonical)))
	} else {
		serialized = canonical
		s.stats.CompressionSkips++
	}

	ctx.Persistence.SizeBytes = int64(len(canonical))
	ctx.Persistence.CompressedSizeBytes = int64(len(compressed))
	ctx.Persistence.CompressionAlgorithm = algorithm
	ctx.Persistence.Checksum = sum
	if len(compressed) > 0 {
		ctx.Persistence.CompressionRatio = float64(len(compressed)) / float64(len(canonical))
	} else {
		ctx.Persistence.CompressionRatio = 1
	}

	// Metadata changed after serialisation; the checksum still covers the
	// canonical content, which is what integrity verification recomputes.
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversation_states (
			conversation_id, user_id, state, current_task,
			serialized_state, compressed_state, compression_algorithm,
			state_checksum, size_bytes, compressed_size_bytes,
			created_at, last_activity, error_recovery_attempts,
			memory_cache_priority, auto_cleanup_eligible,
			schema_version, updated_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conversation_id) DO UPDATE SET
			user_id = excluded.user_id,
			state = excluded.state,
			current_task = excluded.current_task,
			serialized_state = excluded.serialized_state,
			compressed_state = excluded.compressed_state,
			compression_algorithm = excluded.compression_algorithm,
			state_checksum = excluded.state_checksum,
			size_bytes = excluded.size_bytes,
			compressed_size_bytes = excluded.compressed_size_bytes,
			last_activity = excluded.last_activity,
			error_recovery_attempts = excluded.error_recovery_attempts,
			memory_cache_priority = excluded.memory_cache_priority,
			auto_cleanup_eligible = excluded.auto_cleanup_eligible,
			schema_version = excluded.schema_version,
			updated_timestamp = CURRENT_TIMESTAMP`,
		ctx.ConversationID, ctx.UserID, string(ctx.State), ctx.CurrentTaskID,
		nullableString(serialized), compressed, algorithm,
		sum, len(canonical), len(compressed),
		ctx.CreatedAt, ctx.LastActivity, ctx.ErrorRecoveryAttempts,
		ctx.CachePriority, boolToInt(ctx.AutoCleanupEligible),
		CurrentSchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", ctx.ConversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}

	s.stats.Saves++
	logging.StoreDebug("Saved conversation %s (%d bytes, %s)", ctx.ConversationID, len(canonical), algorithm)
	logging.Audit().LogEvent(logging.AuditStateSaved, ctx.ConversationID, true, algorithm)
	return nil
}

// shouldCompressLocked applies the opportunistic policy: the configured
// algorithm must be set, the state must be big enough, and recent ratios
// must not show compression to be a waste.
func (s *Store) shouldCompressLocked(size int) bool {
	if s.cfg.CompressionAlgorithm == "" || s.cfg.CompressionAlgorithm == CompressionNone {
		return false
	}
	if size < s.cfg.CompressionThresholdBytes {
		return false
	}
	if len(s.recentRatios) >= 5 {
		sum := 0.0
		for _, r := range s.recentRatios {
			sum += r
		}
		if sum/float64(len(s.recentRatios)) > 0.95 {
			return false
		}
	}
	return true
}

func (s *Store) observeRatioLocked(ratio float64) {
	s.recentRatios = append(s.recentRatios, ratio)
	if len(s.recentRatios) > 10 {
		s.recentRatios = s.recentRatios[1:]
	}
	sum := 0.0
	for _, r := range s.recentRatios {
		sum += r
	}
	s.stats.AvgCompressionRatio = sum / float64(len(s.recentRatios))
}

// Load reads a context and verifies its integrity. Corruption triggers the
// recovery pipeline; the returned context may therefore be a restored
// backup or a minimal fallback.
func (s *Store) Load(id string) (*types.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Loads++

	row := s.db.QueryRow(`
		SELECT serialized_state, compressed_state, compression_algorithm,
		       state_checksum, error_recovery_attempts, unrecoverable, user_id, schema_version
		FROM conversation_states WHERE conversation_id = ?`, id)

	var (
		serialized    sql.NullString
		compressed    []byte
		algorithm     string
		storedSum     string
		attempts      int
		unrecoverable int
		userID        string
		schemaVersion int
	)
	if err := row.Scan(&serialized, &compressed, &algorithm, &storedSum, &attempts, &unrecoverable, &userID, &schemaVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	if unrecoverable != 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnrecoverable, id)
	}
	if schemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("conversation %s has schema v%d, this build reads up to v%d", id, schemaVersion, CurrentSchemaVersion)
	}

	ctx, err := s.decodeRowLocked(serialized, compressed, algorithm, storedSum, id)
	if err == nil {
		return ctx, nil
	}

	// Corruption path.
	s.stats.CorruptionsDetected++
	logging.Get(logging.CategoryStore).Error("Corruption detected for %s: %v", id, err)
	logging.Audit().LogEvent(logging.AuditCorruptionDetected, id, false, err.Error())

	return s.recoverLocked(id, userID, attempts)
}

// decodeRowLocked decompresses, deserialises, and verifies one stored row.
func (s *Store) decodeRowLocked(serialized sql.NullString, compressed []byte, algorithm, storedSum, id string) (*types.ConversationContext, error) {
	var canonical []byte
	if len(compressed) > 0 {
		comp, err := newCompressor(algorithm)
		if err != nil {
			return nil, err
		}
		canonical, err = comp.Decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
	} else if serialized.Valid {
		canonical = []byte(serialized.String)
	} else {
		return nil, fmt.Errorf("row has neither serialised nor compressed state")
	}

	if sum := checksum(canonical); sum != storedSum {
		return nil, fmt.Errorf("checksum mismatch: stored %s, computed %s", truncate(storedSum), truncate(sum))
	}

	ctx, err := decodeContext(canonical)
	if err != nil {
		return nil, err
	}
	if err := validateContext(ctx, id); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Delete removes a conversation row.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM conversation_states WHERE conversation_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns all conversation ids ordered by last activity, newest first.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT conversation_id FROM conversation_states ORDER BY last_activity DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	row := s.db.QueryRow("SELECT COUNT(*) FROM conversation_states")
	_ = row.Scan(&st.Conversations)
	return st
}

func nullableString(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
