package forge

import (
	"regexp"
	"strings"
	"time"
)

// Category groups requests by the shape of skill they need; each category
// has its own generation prompt template.
type Category string

const (
	CategoryWebScraping    Category = "web_scraping"
	CategoryFileOps        Category = "file_ops"
	CategoryDataProcessing Category = "data_processing"
	CategoryAPIIntegration Category = "api_integration"
	CategoryTextAnalysis   Category = "text_analysis"
	CategoryAutomation     Category = "automation"
	CategoryGeneral        Category = "general"
)

// categoryKeywords drive classification. The first category whose keywords
// score highest wins; categoryOrder breaks ties.
var categoryKeywords = map[Category][]string{
	CategoryWebScraping:    {"scrape", "crawl", "website", "webpage", "html", "url", "web page"},
	CategoryFileOps:        {"file", "files", "directory", "folder", "rename", "copy", "move", "csv"},
	CategoryDataProcessing: {"parse", "transform", "convert", "aggregate", "filter", "json", "xml", "sort", "merge"},
	CategoryAPIIntegration: {"api", "endpoint", "rest", "webhook", "integrate", "request"},
	CategoryTextAnalysis:   {"summarize", "summarise", "sentiment", "analyze", "analyse", "keywords", "text", "extract"},
	CategoryAutomation:     {"schedule", "automate", "workflow", "batch", "pipeline", "recurring"},
}

var categoryOrder = []Category{
	CategoryWebScraping,
	CategoryFileOps,
	CategoryDataProcessing,
	CategoryAPIIntegration,
	CategoryTextAnalysis,
	CategoryAutomation,
}

// Classify maps a request onto a skill category by keyword score.
func Classify(request string) Category {
	text := strings.ToLower(request)

	best := CategoryGeneral
	bestScore := 0
	for _, cat := range categoryOrder {
		score := 0
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}
	return best
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "from": true,
	"i": true, "in": true, "into": true, "is": true, "it": true,
	"me": true, "my": true, "need": true, "of": true, "on": true,
	"or": true, "please": true, "that": true, "the": true, "this": true,
	"to": true, "want": true, "with": true, "you": true, "can": true,
	"all": true, "some": true,
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// DeriveName builds a unique skill name from the request's leading
// meaningful words plus a timestamp, so repeated generations never collide.
func DeriveName(request string, now time.Time) string {
	words := wordPattern.FindAllString(strings.ToLower(request), -1)

	var parts []string
	for _, w := range words {
		if stopWords[w] || len(w) < 2 {
			continue
		}
		parts = append(parts, w)
		if len(parts) == 3 {
			break
		}
	}
	if len(parts) == 0 {
		parts = []string{"skill"}
	}
	return strings.Join(parts, "_") + "_" + now.Format("20060102150405")
}
