// Package discovery finds skill sources on disk and keeps the registry in
// sync with them. The scanner walks the configured roots; the watcher
// coalesces file events per path and drives the reload pipeline.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// kindMarker tags a source file as a skill and names its kind, e.g.
// `// skillforge:kind=generated`.
var kindMarker = regexp.MustCompile(`(?m)^//\s*skillforge:kind=(\w+)`)

// entryPointPattern matches the skill entry-point declaration.
var entryPointPattern = regexp.MustCompile(`func\s+ExecuteSkill\s*\(`)

// Scanner walks skill roots and yields candidate records.
type Scanner struct {
	roots    []string
	excluded map[string]bool
}

// NewScanner builds a scanner from discovery config.
func NewScanner(cfg config.DiscoveryConfig) *Scanner {
	excluded := make(map[string]bool, len(cfg.ExcludedDirs))
	for _, d := range cfg.ExcludedDirs {
		excluded[d] = true
	}
	return &Scanner{roots: cfg.Roots, excluded: excluded}
}

// Roots returns the scanned directories.
func (s *Scanner) Roots() []string {
	return s.roots
}

// Scan walks every root and returns discovered skills sorted by name.
// Missing roots are skipped silently; a root appearing later is picked up
// on the next scan.
func (s *Scanner) Scan() ([]*types.Skill, error) {
	seen := make(map[string]*types.Skill)

	for _, root := range s.roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // Unreadable subtree; keep walking
			}
			name := d.Name()
			if d.IsDir() {
				if path != root && (strings.HasPrefix(name, ".") || s.excluded[name]) {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				return nil
			}

			skill, ok := s.inspect(path)
			if !ok {
				return nil
			}
			// First root wins for duplicate names; roots are ordered most
			// specific first.
			if _, dup := seen[skill.Name]; !dup {
				seen[skill.Name] = skill
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	skills := make([]*types.Skill, 0, len(seen))
	for _, sk := range seen {
		skills = append(skills, sk)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })

	logging.DiscoveryDebug("Scan found %d skills across %d roots", len(skills), len(s.roots))
	return skills, nil
}

// Inspect reads one file and returns its skill record if it qualifies.
func (s *Scanner) Inspect(path string) (*types.Skill, bool) {
	return s.inspect(path)
}

func (s *Scanner) inspect(path string) (*types.Skill, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	content := string(data)

	if !entryPointPattern.MatchString(content) {
		return nil, false
	}
	m := kindMarker.FindStringSubmatch(content)
	if m == nil {
		return nil, false
	}
	kind := types.SkillKind(m[1])
	switch kind {
	case types.SkillKindUser, types.SkillKindGenerated, types.SkillKindExternal, types.SkillKindMeta:
	default:
		logging.DiscoveryDebug("Skipping %s: unknown kind %q", path, m[1])
		return nil, false
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}

	sum := sha256.Sum256(data)
	return &types.Skill{
		Name:        strings.TrimSuffix(filepath.Base(path), ".go"),
		Kind:        kind,
		SourcePath:  abs,
		ContentHash: hex.EncodeToString(sum[:]),
		ModTime:     info.ModTime(),
		SizeBytes:   info.Size(),
	}, true
}

// InRoots reports whether the path lives under one of the scan roots.
func (s *Scanner) InRoots(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range s.roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
