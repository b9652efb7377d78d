package pipeline

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/runner"
)

// Phase names one pipeline step.
type Phase string

// Pipeline phases in execution order.
const (
	Discover Phase = "discover"
	Extract  Phase = "extract"
	Analyze  Phase = "analyze"
)

// Order is the fixed execution order.
var Order = []Phase{Discover, Extract, Analyze}

// ParsePhase accepts a phase name in any case, plus the "discovery",
// "extraction", and "analysis" spellings.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discover", "discovery":
		return Discover, nil
	case "extract", "extraction":
		return Extract, nil
	case "analyze", "analyse", "analysis":
		return Analyze, nil
	default:
		return "", fmt.Errorf("unknown pipeline phase %q", s)
	}
}

// ParsePhases parses a list, dropping blanks and duplicates.
func ParsePhases(names []string) ([]Phase, error) {
	var out []Phase
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		p, err := ParsePhase(n)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// PhaseStatus is the outcome of a phase.
type PhaseStatus string

// Phase outcomes.
const (
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// PhaseResult is one phase's entry in Result.PerPhase.
type PhaseResult struct {
	Phase      Phase          `json:"phase"`
	Status     PhaseStatus    `json:"status"`
	Percent    float64        `json:"percent"`
	Current    int            `json:"current"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Message    string         `json:"message,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Batch      *runner.Result `json:"batch,omitempty"`
	// Targets lists the targets that produced output for the next phase.
	Targets []int `json:"targets"`
	// Relevant counts documents flagged by Analyze.
	Relevant int `json:"relevant,omitempty"`
}

// OK reports whether the phase completed.
func (p PhaseResult) OK() bool {
	return p.Status == PhaseCompleted
}

// Summary aggregates counts across phases.
type Summary struct {
	Targets       int     `json:"targets"`
	Discovered    int     `json:"discovered"`
	Extracted     int     `json:"extracted"`
	Analyzed      int     `json:"analyzed"`
	Relevant      int     `json:"relevant"`
	RelevanceRate float64 `json:"relevance_rate"`
}

// Result is a pipeline run.
type Result struct {
	ID             string                `json:"id"`
	Targets        []int                 `json:"targets"`
	PhasesRun      []Phase               `json:"phases_run"`
	PhasesSkipped  []Phase               `json:"phases_skipped"`
	PerPhase       map[Phase]PhaseResult `json:"per_phase"`
	OverallSuccess bool                  `json:"overall_success"`
	Summary        Summary               `json:"summary"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
	Duration       time.Duration         `json:"duration"`
}

func relevanceRate(relevant, analyzed int) float64 {
	if analyzed == 0 {
		return 0
	}
	return float64(relevant) / float64(analyzed)
}
