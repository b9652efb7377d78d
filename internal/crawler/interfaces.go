package crawler

import (
	"context"
	"io"
	"time"
)

// DocumentFinder holds the site-specific discovery logic for a target. It
// receives a fetched page and returns the documents found on it plus the
// candidate URLs worth following.
type DocumentFinder interface {
	FindDocuments(ctx context.Context, body []byte, pageURL string) ([]Document, []string, error)
}

// FinderValidator is implemented by finders that can check their own
// configuration eagerly at registry load.
type FinderValidator interface {
	Validate() error
}

// FinderFactory builds the DocumentFinder for a target.
type FinderFactory func(target Target) (DocumentFinder, error)

// OutputSink persists job and batch results and returns where they went.
type OutputSink interface {
	SaveJobResult(ctx context.Context, result JobResult) (string, error)
	SaveBatchResult(ctx context.Context, results []JobResult, batchID string) (string, error)
}

// DocumentStore keeps discovered documents and downstream phase output
// between pipeline phases.
type DocumentStore interface {
	SaveDocuments(ctx context.Context, targetID int, docs []Document) error
	Documents(ctx context.Context, targetID int) ([]Document, error)
	SaveExtraction(ctx context.Context, extraction Extraction) error
	Extractions(ctx context.Context, targetID int) ([]Extraction, error)
	SaveAnalysis(ctx context.Context, analysis Analysis) error
}

// OperationStore tracks long-running operations for status queries.
type OperationStore interface {
	CreateOperation(ctx context.Context, op OperationRecord) error
	UpdateOperation(ctx context.Context, id string, state JobState, message string) error
	FinishOperation(ctx context.Context, id string, state JobState, message string, result any) error
	GetOperation(ctx context.Context, id string) (OperationRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
