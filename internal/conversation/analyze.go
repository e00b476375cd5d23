package conversation

import (
	"regexp"
	"strings"
)

// Intent is the coarse purpose of a user input.
type Intent string

const (
	IntentAction       Intent = "action"
	IntentQuestion     Intent = "question"
	IntentStatusQuery  Intent = "status_query"
	IntentCancellation Intent = "cancellation"
)

// Analysis is what the engine learned from one user input.
type Analysis struct {
	Intent        Intent   `json:"intent"`
	Complexity    int      `json:"complexity"` // 1..10
	ImplicitNeeds []string `json:"implicit_needs,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
}

var (
	questionPattern = regexp.MustCompile(`(?i)^\s*(who|what|when|where|why|how|which|can|could|would|is|are|do|does)\b`)
	statusPattern   = regexp.MustCompile(`(?i)\b(status|progress|how far|how is .* going|still running)\b`)
	cancelPattern   = regexp.MustCompile(`(?i)\b(cancel|stop|abort|never mind|nevermind)\b`)

	conjunctionPattern = regexp.MustCompile(`(?i)\b(and then|after that|then|followed by|finally)\b|,\s+and\b`)
	sentencePattern    = regexp.MustCompile(`[.!?]+\s`)
)

// implicitNeedPatterns surface requirements the user implied rather than
// stated. Each matched need becomes context the task generator can act on.
var implicitNeedPatterns = []struct {
	need    string
	pattern *regexp.Regexp
}{
	{"scheduling", regexp.MustCompile(`(?i)\b(every|daily|weekly|hourly|each (day|week|hour)|recurring)\b`)},
	{"notification", regexp.MustCompile(`(?i)\b(notify|alert|email|tell me when|let me know)\b`)},
	{"persistence", regexp.MustCompile(`(?i)\b(save|store|persist|keep|remember)\b`)},
	{"verification", regexp.MustCompile(`(?i)\b(validate|verify|double.?check|make sure)\b`)},
	{"reporting", regexp.MustCompile(`(?i)\b(report|summary|summarize|summarise|overview)\b`)},
	{"error_handling", regexp.MustCompile(`(?i)\b(if it fails|on error|retry|fallback)\b`)},
}

// Analyze classifies one user input: intent, a 1-10 complexity score, and
// the needs the phrasing implies.
func Analyze(text string) *Analysis {
	a := &Analysis{
		Intent:     classifyIntent(text),
		Complexity: complexityScore(text),
	}
	for _, p := range implicitNeedPatterns {
		if p.pattern.MatchString(text) {
			a.ImplicitNeeds = append(a.ImplicitNeeds, p.need)
		}
	}
	a.Keywords = extractKeywords(text)
	return a
}

func classifyIntent(text string) Intent {
	switch {
	case cancelPattern.MatchString(text):
		return IntentCancellation
	case statusPattern.MatchString(text):
		return IntentStatusQuery
	case strings.HasSuffix(strings.TrimSpace(text), "?") || questionPattern.MatchString(text):
		return IntentQuestion
	default:
		return IntentAction
	}
}

// complexityScore is a 1-10 heuristic: length, chained steps, and multiple
// sentences all push the score up.
func complexityScore(text string) int {
	score := 2

	words := len(strings.Fields(text))
	lengthBonus := words / 10
	if lengthBonus > 3 {
		lengthBonus = 3
	}
	score += lengthBonus

	chains := len(conjunctionPattern.FindAllString(text, -1))
	chainBonus := chains * 2
	if chainBonus > 4 {
		chainBonus = 4
	}
	score += chainBonus

	if sentencePattern.MatchString(strings.TrimSpace(text)) {
		score++
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

var keywordStop = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "to": true, "of": true,
	"for": true, "in": true, "on": true, "with": true, "me": true, "my": true,
	"please": true, "then": true, "that": true, "this": true, "it": true,
	"is": true, "are": true, "do": true, "you": true, "can": true,
}

var keywordWord = regexp.MustCompile(`[a-z0-9]+`)

func extractKeywords(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range keywordWord.FindAllString(strings.ToLower(text), -1) {
		if keywordStop[w] || len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 8 {
			break
		}
	}
	return out
}
