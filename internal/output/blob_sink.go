// Package output persists job and batch results through a BlobStore.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

const contentTypeJSON = "application/json"

// BatchFile is the document written for a batch.
type BatchFile struct {
	BatchID    string              `json:"batch_id"`
	SavedAt    time.Time           `json:"saved_at"`
	Total      int                 `json:"total"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	Cancelled  int                 `json:"cancelled"`
	Documents  int                 `json:"documents"`
	Jobs       []crawler.JobResult `json:"jobs"`
}

// BlobSink writes results as indented JSON:
//
//	<prefix>/jobs/<target-id>/<job-id>.json
//	<prefix>/batches/<batch-id>.json
type BlobSink struct {
	store  crawler.BlobStore
	prefix string
	now    func() time.Time
}

// NewBlobSink wraps store. A nil clock uses time.Now.
func NewBlobSink(store crawler.BlobStore, prefix string, clock crawler.Clock) (*BlobSink, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &BlobSink{store: store, prefix: strings.Trim(prefix, "/"), now: now}, nil
}

// SaveJobResult implements crawler.OutputSink.
func (s *BlobSink) SaveJobResult(ctx context.Context, result crawler.JobResult) (string, error) {
	if result.JobID == "" {
		return "", fmt.Errorf("save job result: job id is required")
	}
	key := s.key("jobs", strconv.Itoa(result.TargetID), safeName(result.JobID)+".json")
	return s.put(ctx, key, result)
}

// SaveBatchResult implements crawler.OutputSink.
func (s *BlobSink) SaveBatchResult(ctx context.Context, results []crawler.JobResult, batchID string) (string, error) {
	if batchID == "" {
		return "", fmt.Errorf("save batch result: batch id is required")
	}
	file := BatchFile{
		BatchID: batchID,
		SavedAt: s.now().UTC(),
		Total:   len(results),
		Jobs:    results,
	}
	if file.Jobs == nil {
		file.Jobs = []crawler.JobResult{}
	}
	for _, r := range results {
		file.Documents += len(r.Documents)
		switch r.State {
		case crawler.JobCompleted:
			file.Successful++
		case crawler.JobCancelled:
			file.Cancelled++
		default:
			file.Failed++
		}
	}
	return s.put(ctx, s.key("batches", safeName(batchID)+".json"), file)
}

func (s *BlobSink) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *BlobSink) put(ctx context.Context, key string, v any) (string, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", key, err)
	}
	loc, err := s.store.PutObject(ctx, key, contentTypeJSON, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return loc, nil
}

// safeName keeps ids from introducing path segments.
func safeName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}
