package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// Mode selects how a batch schedules its jobs.
type Mode string

// Batch modes.
const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
)

// ParseMode maps the sequential flag used by the fronts onto a Mode.
func ParseMode(sequential bool) Mode {
	if sequential {
		return Sequential
	}
	return Parallel
}

// Status is a consistent copy of a batch's counters.
type Status struct {
	ID                  string    `json:"batch_id"`
	Mode                Mode      `json:"mode"`
	ConcurrencyLimit    int       `json:"concurrency_limit"`
	Total               int       `json:"total"`
	Completed           int       `json:"completed"`
	Successful          int       `json:"successful"`
	Failed              int       `json:"failed"`
	Cancelled           int       `json:"cancelled"`
	Running             int       `json:"running"`
	StartedAt           time.Time `json:"started_at"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitzero"`
}

// Remaining is the number of jobs not yet completed.
func (s Status) Remaining() int {
	return s.Total - s.Completed
}

// Batch is the shared state of one runner invocation. Workers only touch it
// through its methods, each of which is a single critical section.
type Batch struct {
	mu       sync.Mutex
	status   Status
	elapsed  time.Duration
	finished int
}

func newBatch(id string, mode Mode, concurrency, total int, startedAt time.Time) *Batch {
	return &Batch{status: Status{
		ID:               id,
		Mode:             mode,
		ConcurrencyLimit: concurrency,
		Total:            total,
		StartedAt:        startedAt,
	}}
}

// Snapshot returns the counters as of the last completed update.
func (b *Batch) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Batch) started() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Running++
}

// record folds one finished job into the counters and recomputes the ETA
// from the mean duration of jobs that actually ran.
func (b *Batch) record(res crawler.JobResult, ran bool, now time.Time) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ran {
		b.status.Running--
		b.elapsed += res.Duration
		b.finished++
	}
	b.status.Completed++
	switch res.State {
	case crawler.JobCompleted:
		b.status.Successful++
	case crawler.JobCancelled:
		b.status.Cancelled++
	default:
		b.status.Failed++
	}
	remaining := b.status.Total - b.status.Completed
	switch {
	case remaining == 0:
		b.status.EstimatedCompletion = now
	case b.finished > 0:
		avg := b.elapsed / time.Duration(b.finished)
		b.status.EstimatedCompletion = now.Add(avg * time.Duration(remaining))
	}
	return b.status
}

// Result is the outcome of a batch. Partial success is reported through the
// counters, never as an error.
type Result struct {
	Status
	Jobs       []crawler.JobResult `json:"jobs"`
	Skipped    []int               `json:"skipped,omitempty"`
	FinishedAt time.Time           `json:"finished_at"`
	Duration   time.Duration       `json:"duration"`
	Location   string              `json:"location,omitempty"`
	Errors     []string            `json:"errors,omitempty"`
}

// Success reports whether every job completed.
func (r Result) Success() bool {
	return r.Total > 0 && r.Successful == r.Total
}

// Summary is a one-line human description of the counters.
func (r Result) Summary() string {
	return fmt.Sprintf("%d/%d successful, %d failed, %d cancelled", r.Successful, r.Total, r.Failed, r.Cancelled)
}

// DocumentCount totals the documents across jobs.
func (r Result) DocumentCount() int {
	n := 0
	for _, j := range r.Jobs {
		n += len(j.Documents)
	}
	return n
}
