// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job states. Transitions only move forward: Pending -> Running -> one of the
// terminal states, or Pending -> Cancelled when a batch is cancelled first.
const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Target is one municipality site registered for document discovery.
type Target struct {
	ID                 int               `json:"id" yaml:"id"`
	Name               string            `json:"name" yaml:"name"`
	Active             bool              `json:"active" yaml:"active"`
	Priority           int               `json:"priority" yaml:"priority"`
	FinderRef          string            `json:"finder" yaml:"finder"`
	EntryURLs          []string          `json:"entry_urls" yaml:"entry_urls"`
	EstimatedPages     int               `json:"estimated_pages" yaml:"estimated_pages"`
	EstimatedDocuments int               `json:"estimated_documents" yaml:"estimated_documents"`
	Options            map[string]string `json:"options,omitempty" yaml:"options"`
}

// Document is a discovered bylaw document link.
type Document struct {
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	Filename     string            `json:"filename"`
	SourcePage   string            `json:"source_page"`
	DiscoveredAt time.Time         `json:"discovered_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// JobResult is the outcome of a single CrawlJob.
type JobResult struct {
	JobID        string        `json:"job_id"`
	BatchID      string        `json:"batch_id,omitempty"`
	TargetID     int           `json:"target_id"`
	TargetName   string        `json:"target_name"`
	State        JobState      `json:"state"`
	Documents    []Document    `json:"documents"`
	Errors       []string      `json:"errors"`
	PagesVisited int           `json:"pages_visited"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration"`
	Location     string        `json:"location,omitempty"`
}

// Successful reports whether the job completed.
func (r JobResult) Successful() bool {
	return r.State == JobCompleted
}

// Extraction is the text pulled from a discovered document.
type Extraction struct {
	TargetID    int       `json:"target_id"`
	DocumentURL string    `json:"document_url"`
	Title       string    `json:"title"`
	ContentType string    `json:"content_type"`
	ContentHash string    `json:"content_hash"`
	Bytes       int       `json:"bytes"`
	Pages       int       `json:"pages,omitempty"`
	Text        string    `json:"text,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Analysis is the relevance verdict for an extracted document.
type Analysis struct {
	TargetID    int       `json:"target_id"`
	DocumentURL string    `json:"document_url"`
	Score       float64   `json:"score"`
	Relevant    bool      `json:"relevant"`
	Matched     []string  `json:"matched,omitempty"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// OperationRecord tracks a long-running request (job, batch, or pipeline)
// so callers can poll or cancel it.
type OperationRecord struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	TargetIDs []int      `json:"target_ids"`
	State     JobState   `json:"state"`
	Message   string     `json:"message,omitempty"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	Result    any        `json:"result,omitempty"`
}
