package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/types"
)

// ReloadCallback observes the outcome of a hot reload.
type ReloadCallback func(name string, ok bool)

// WatcherStats tracks watcher activity for status reporting.
type WatcherStats struct {
	FilesCreated    int       `json:"files_created"`
	FilesModified   int       `json:"files_modified"`
	FilesDeleted    int       `json:"files_deleted"`
	ReloadsOK       int       `json:"reloads_ok"`
	ReloadsFailed   int       `json:"reloads_failed"`
	Errors          int       `json:"errors"`
	LastEventTime   time.Time `json:"last_event_time,omitempty"`
	LastEventPath   string    `json:"last_event_path,omitempty"`
}

// Manager ties the scanner, the registry, and the sandbox together and
// runs the hot-reload pipeline.
type Manager struct {
	mu sync.Mutex

	scanner  *Scanner
	registry *registry.Registry
	executor *sandbox.Executor

	watcher     *fsnotify.Watcher
	debounceMap map[string]time.Time
	debounceDur time.Duration

	// callbacks keyed by skill name; the empty key observes every skill.
	callbacks map[string][]ReloadCallback

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	stats WatcherStats
}

// NewManager wires discovery against a registry and executor.
func NewManager(cfg config.DiscoveryConfig, reg *registry.Registry, exec *sandbox.Executor) *Manager {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Manager{
		scanner:     NewScanner(cfg),
		registry:    reg,
		executor:    exec,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		callbacks:   make(map[string][]ReloadCallback),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Scan delegates to the scanner.
func (m *Manager) Scan() ([]*types.Skill, error) {
	return m.scanner.Scan()
}

// Load interprets a skill's source, attaches the handle, and registers it.
func (m *Manager) Load(skill *types.Skill) error {
	handle, err := m.executor.Handle(skill.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to load skill %s: %w", skill.Name, err)
	}
	skill.Handle = handle
	return m.registry.Register(skill)
}

// LoadAll scans, loads, registers, and activates everything found. Skills
// that fail to load are registered anyway and marked errored so their
// failure is visible; the boot continues.
func (m *Manager) LoadAll() (int, error) {
	skills, err := m.Scan()
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, skill := range skills {
		if err := m.Load(skill); err != nil {
			logging.Get(logging.CategoryDiscovery).Error("Load failed for %s: %v", skill.Name, err)
			_ = m.registry.Register(skill)
			m.registry.MarkError(skill.Name, "load", err)
			continue
		}
		if err := m.registry.Activate(skill.Name); err != nil {
			logging.Get(logging.CategoryDiscovery).Error("Activate failed for %s: %v", skill.Name, err)
			continue
		}
		loaded++
	}

	logging.Discovery("Loaded %d of %d discovered skills", loaded, len(skills))
	return loaded, nil
}

// Reload runs the hot-reload pipeline for a named skill: cascade
// deactivate, purge the old handle, re-interpret from disk, re-register,
// re-activate, then fire callbacks with the outcome.
func (m *Manager) Reload(name string) error {
	entry, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("cannot reload unknown skill %s", name)
	}
	return m.reloadPath(entry.Skill.SourcePath)
}

func (m *Manager) reloadPath(path string) error {
	skill, ok := m.scanner.Inspect(path)
	if !ok {
		return fmt.Errorf("%s is not a skill source", path)
	}

	// 1. Cascade deactivate the current entry.
	if _, registered := m.registry.Get(skill.Name); registered {
		_ = m.registry.Deactivate(skill.Name)
	}

	// 2. Purge interpreter state: the old handle dies with its closure; a
	// fresh interpreter is built from the file below.

	// 3-5. Reload, re-register, re-activate within the debounce-bounded
	// window; failure leaves the entry inactive with a recorded error.
	handle, err := m.executor.Handle(path)
	if err == nil {
		skill.Handle = handle
		if regErr := m.registry.Register(skill); regErr != nil {
			err = regErr
		} else if actErr := m.registry.Activate(skill.Name); actErr != nil {
			err = actErr
		}
	}

	success := err == nil
	if success {
		logging.Discovery("Reloaded skill %s", skill.Name)
	} else {
		logging.Get(logging.CategoryDiscovery).Error("Reload failed for %s: %v", skill.Name, err)
		m.registry.RecordError(skill.Name, "reload", err)
	}
	logging.Audit().LogEvent(logging.AuditSkillReloaded, skill.Name, success, path)

	m.mu.Lock()
	if success {
		m.stats.ReloadsOK++
	} else {
		m.stats.ReloadsFailed++
	}
	cbs := append([]ReloadCallback{}, m.callbacks[""]...)
	cbs = append(cbs, m.callbacks[skill.Name]...)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(skill.Name, success)
	}
	return err
}

// AddReloadCallback observes reloads of one skill; an empty name observes
// every skill.
func (m *Manager) AddReloadCallback(name string, fn ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[name] = append(m.callbacks[name], fn)
}

// Watch starts the fsnotify loop over the scan roots. Missing roots are
// created so generated skills land in watched directories.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	m.watcher = watcher

	for _, root := range m.scanner.Roots() {
		if err := os.MkdirAll(root, 0755); err != nil {
			logging.Get(logging.CategoryDiscovery).Warn("Cannot create root %s: %v", root, err)
			continue
		}
		if err := watcher.Add(root); err != nil {
			logging.Get(logging.CategoryDiscovery).Warn("Cannot watch %s: %v", root, err)
			continue
		}
		logging.DiscoveryDebug("Watching %s", root)
	}

	go m.run(ctx)
	return nil
}

// Stop halts the watch loop and waits for it to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	logging.Discovery("Watcher stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	// The short ticker only flushes events that have settled past the
	// debounce window; it does not set the reload cadence.
	flush := time.NewTicker(250 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryDiscovery).Error("Watcher error: %v", err)
			m.mu.Lock()
			m.stats.Errors++
			m.mu.Unlock()
		case <-flush.C:
			m.processSettled()
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	name := event.Name
	if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastEventTime = time.Now()
	m.stats.LastEventPath = name

	switch {
	case event.Op&fsnotify.Create != 0:
		m.stats.FilesCreated++
		m.debounceMap[name] = time.Now()
	case event.Op&fsnotify.Write != 0:
		m.stats.FilesModified++
		m.debounceMap[name] = time.Now()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		m.stats.FilesDeleted++
		delete(m.debounceMap, name)
	}
}

// processSettled reloads paths whose last event is older than the debounce
// window. Settled paths are processed in discovery order (path sort), not
// event order.
func (m *Manager) processSettled() {
	m.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range m.debounceMap {
		if now.Sub(at) >= m.debounceDur {
			settled = append(settled, path)
			delete(m.debounceMap, path)
		}
	}
	m.mu.Unlock()

	if len(settled) == 0 {
		return
	}
	sort.Strings(settled)
	for _, path := range settled {
		if _, err := os.Stat(path); err != nil {
			continue // Deleted while debouncing
		}
		_ = m.reloadPath(path)
	}
}

// Stats returns a copy of the watcher counters.
func (m *Manager) Stats() WatcherStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// IsWatching reports whether the watch loop is running.
func (m *Manager) IsWatching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
