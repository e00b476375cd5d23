package forge

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// Pattern is one recurring failure shape across components.
type Pattern struct {
	Key          string             `json:"key"`
	Failures     int                `json:"failures"`
	Components   []string           `json:"components"`
	Errors       []string           `json:"errors"`
	FirstSeen    time.Time          `json:"first_seen"`
	LastSeen     time.Time          `json:"last_seen"`
	SuggestedFix string             `json:"suggested_fix,omitempty"`
	Confidence   float64            `json:"confidence"`
	Class        types.FailureClass `json:"class"`
}

// PatternDetector aggregates classified failures into recurring patterns.
// Keys normalise the volatile parts of error messages so that the same root
// cause seen from different tasks collapses into one pattern.
type PatternDetector struct {
	mu        sync.Mutex
	patterns  map[string]*Pattern
	threshold int
	now       func() time.Time
}

// NewPatternDetector creates a detector that suggests fixes once a pattern
// reaches the given frequency.
func NewPatternDetector(threshold int) *PatternDetector {
	if threshold <= 0 {
		threshold = 3
	}
	return &PatternDetector{
		patterns:  make(map[string]*Pattern),
		threshold: threshold,
		now:       time.Now,
	}
}

var (
	uuidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	pathPattern   = regexp.MustCompile(`(/[\w.\-]+)+`)
	numberPattern = regexp.MustCompile(`\b\d+\b`)
)

// normalizeSignature strips volatile tokens so equivalent failures share a
// signature. UUIDs go first; the number pass would otherwise shred them.
func normalizeSignature(message string) string {
	sig := uuidPattern.ReplaceAllString(message, "<uuid>")
	sig = pathPattern.ReplaceAllString(sig, "<path>")
	sig = numberPattern.ReplaceAllString(sig, "<n>")
	if len(sig) > 200 {
		sig = sig[:200]
	}
	return sig
}

// suggestedFixes maps a failure class to the remediation hint attached when
// a pattern crosses the threshold.
var suggestedFixes = map[types.FailureClass]string{
	types.FailureSyntax:     "regenerate the skill source; the generator is producing unparsable code",
	types.FailureImport:     "rewrite imports against the sandbox allowlist",
	types.FailureRuntime:    "patch the skill around the recurring runtime error",
	types.FailureTimeout:    "raise the task timeout or patch the skill's slow path",
	types.FailureDependency: "activate or repair the dependency this skill needs",
	types.FailureResource:   "lower the skill's resource demand or raise agent capacity",
	types.FailureLogic:      "regenerate the skill from the original request",
}

// Record folds one failure into the pattern map and returns the pattern.
// Crossing the threshold fills in the suggested fix and emits an audit
// event once.
func (d *PatternDetector) Record(class types.FailureClass, component, message string) *Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := string(class) + ":" + normalizeSignature(message)
	now := d.now()

	p, ok := d.patterns[key]
	if !ok {
		p = &Pattern{Key: key, Class: class, FirstSeen: now}
		d.patterns[key] = p
	}
	p.Failures++
	p.LastSeen = now
	if !containsString(p.Components, component) {
		p.Components = append(p.Components, component)
	}
	if len(p.Errors) < 5 {
		p.Errors = append(p.Errors, message)
	}
	p.Confidence = float64(p.Failures) / 10
	if p.Confidence > 1 {
		p.Confidence = 1
	}

	if p.Failures == d.threshold {
		p.SuggestedFix = suggestedFixes[class]
		logging.Forge("Failure pattern detected: %s (%d occurrences, %d components)",
			p.Key, p.Failures, len(p.Components))
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditPatternDetected,
			Category:  string(logging.CategoryForge),
			Target:    component,
			Success:   true,
			Fields: map[string]interface{}{
				"pattern":       p.Key,
				"failures":      p.Failures,
				"suggested_fix": p.SuggestedFix,
			},
		})
	}

	cp := *p
	return &cp
}

// Lookup returns the pattern for a classified message, if one exists.
func (d *PatternDetector) Lookup(class types.FailureClass, message string) (*Pattern, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.patterns[string(class)+":"+normalizeSignature(message)]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Patterns returns all patterns ordered by failure count descending.
func (d *PatternDetector) Patterns() []*Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Failures != out[j].Failures {
			return out[i].Failures > out[j].Failures
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
