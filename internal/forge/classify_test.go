package forge

import (
	"strings"
	"testing"
	"time"

	"skillforge/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		request string
		want    Category
	}{
		{"scrape the pricing page from this website", CategoryWebScraping},
		{"rename every file in the reports folder", CategoryFileOps},
		{"parse this json and aggregate by region", CategoryDataProcessing},
		{"build a webhook payload for the billing api", CategoryAPIIntegration},
		{"summarize the sentiment of these reviews", CategoryTextAnalysis},
		{"schedule a recurring batch workflow", CategoryAutomation},
		{"do something clever", CategoryGeneral},
	}
	for _, tt := range tests {
		if got := Classify(tt.request); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.request, got, tt.want)
		}
	}
}

func TestDeriveName(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	name := DeriveName("Please summarize the quarterly report for me", now)
	if !strings.HasPrefix(name, "summarize_quarterly_report_") {
		t.Errorf("name = %s", name)
	}
	if !strings.HasSuffix(name, "20260402093000") {
		t.Errorf("name %s missing timestamp suffix", name)
	}

	// Stopword-only requests still get a usable name.
	if name := DeriveName("can you please", now); !strings.HasPrefix(name, "skill_") {
		t.Errorf("fallback name = %s", name)
	}
}

func TestNormalizeSignature(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"index out of range [3] with length 12", "index out of range [<n>] with length <n>"},
		{"open /tmp/skills/gen_42.go: no such file", "open <path>: no such file"},
		{
			"task 9f1c2d3e-4a5b-6c7d-8e9f-0a1b2c3d4e5f failed",
			"task <uuid> failed",
		},
	}
	for _, tt := range tests {
		if got := normalizeSignature(tt.in); got != tt.want {
			t.Errorf("normalizeSignature(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPatternDetectorThresholdAndConfidence(t *testing.T) {
	d := NewPatternDetector(3)

	var p *Pattern
	for i := 0; i < 3; i++ {
		p = d.Record(types.FailureRuntime, "skill_a", "index out of range [5] with length 2")
	}
	if p.Failures != 3 {
		t.Errorf("failures = %d, want 3", p.Failures)
	}
	if p.SuggestedFix == "" {
		t.Error("no suggested fix at threshold")
	}
	if p.Confidence != 0.3 {
		t.Errorf("confidence = %v, want 0.3", p.Confidence)
	}

	// Equivalent message from another component folds into the same pattern.
	p = d.Record(types.FailureRuntime, "skill_b", "index out of range [9] with length 4")
	if p.Failures != 4 || len(p.Components) != 2 {
		t.Errorf("pattern = %+v, want merged occurrences", p)
	}

	// Confidence saturates at 1.
	for i := 0; i < 20; i++ {
		p = d.Record(types.FailureRuntime, "skill_a", "index out of range [1] with length 0")
	}
	if p.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", p.Confidence)
	}

	// A different classification is a different pattern.
	d.Record(types.FailureTimeout, "skill_a", "index out of range [1] with length 0")
	if got := len(d.Patterns()); got != 2 {
		t.Errorf("patterns = %d, want 2", got)
	}
}
