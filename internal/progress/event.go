package progress

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageBatchStart    Stage = "batch_start"
	StageBatchProgress Stage = "batch_progress"
	StageBatchDone     Stage = "batch_done"
	StageBatchError    Stage = "batch_error"
	StageJobStart      Stage = "job_start"
	StageJobDone       Stage = "job_done"
	StageJobError      Stage = "job_error"
	StagePhaseStart    Stage = "phase_start"
	StagePhaseProgress Stage = "phase_progress"
	StagePhaseDone     Stage = "phase_done"
	StagePhaseError    Stage = "phase_error"
	StagePage          Stage = "page"
)

// Event is one ephemeral progress update. It is never persisted by the core.
type Event struct {
	TargetID  int           `json:"target_id,omitempty"`
	JobID     string        `json:"job_id,omitempty"`
	BatchID   string        `json:"batch_id,omitempty"`
	Phase     string        `json:"phase,omitempty"`
	Stage     Stage         `json:"stage"`
	Percent   float64       `json:"percent"`
	Current   int           `json:"current"`
	Total     int           `json:"total"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchProgress, StageBatchDone, StageBatchError:
	case StageJobStart, StageJobDone, StageJobError, StagePage:
		if e.TargetID == 0 && e.JobID == "" {
			return fmt.Errorf("%s requires target or job id", e.Stage)
		}
	case StagePhaseStart, StagePhaseProgress, StagePhaseDone, StagePhaseError:
		if e.Phase == "" {
			return fmt.Errorf("%s requires phase", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Percent < 0 || e.Percent > 100 || math.IsNaN(e.Percent) {
		return fmt.Errorf("percent %v out of range", e.Percent)
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Percent returns current/total as a percentage clamped to [0, 100]. An empty
// total counts as done.
func Percent(current, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(current) / float64(total) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
