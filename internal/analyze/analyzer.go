// Package analyze scores extracted documents for bylaw relevance.
package analyze

import (
	"fmt"
	"slices"
	"strings"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// DefaultKeywords is used when no keywords are configured.
var DefaultKeywords = []string{
	"bylaw",
	"by-law",
	"zoning",
	"regulation",
	"amendment",
	"council",
	"enforcement",
	"permit",
	"schedule",
	"penalty",
}

// DefaultThreshold is the minimum score for a relevant document.
const DefaultThreshold = 0.2

// Config selects keywords and the relevance threshold.
type Config struct {
	Keywords  []string `mapstructure:"keywords"`
	Threshold float64  `mapstructure:"threshold"`
}

// Analyzer scores a document by the share of keywords it mentions.
type Analyzer struct {
	keywords  []string
	threshold float64
	clock     crawler.Clock
}

// New validates cfg. A nil clock uses the wall clock.
func New(cfg Config, clock crawler.Clock) (*Analyzer, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("analyze threshold %.2f outside [0,1]", cfg.Threshold)
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && !slices.Contains(keywords, k) {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		keywords = slices.Clone(DefaultKeywords)
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if clock == nil {
		clock = system.New()
	}
	return &Analyzer{keywords: keywords, threshold: threshold, clock: clock}, nil
}

// Analyze scores ex. Documents without text (PDFs) are scored on their
// title and URL.
func (a *Analyzer) Analyze(ex crawler.Extraction) crawler.Analysis {
	corpus := strings.ToLower(ex.Title + "\n" + ex.Text)
	if strings.TrimSpace(ex.Text) == "" {
		corpus += "\n" + strings.ToLower(crawler.FilenameFromURL(ex.DocumentURL))
	}
	var matched []string
	for _, k := range a.keywords {
		if strings.Contains(corpus, k) {
			matched = append(matched, k)
		}
	}
	score := float64(len(matched)) / float64(len(a.keywords))
	return crawler.Analysis{
		TargetID:    ex.TargetID,
		DocumentURL: ex.DocumentURL,
		Score:       score,
		Relevant:    len(matched) > 0 && score >= a.threshold,
		Matched:     matched,
		AnalyzedAt:  a.clock.Now(),
	}
}

// Threshold returns the effective threshold.
func (a *Analyzer) Threshold() float64 {
	return a.threshold
}
