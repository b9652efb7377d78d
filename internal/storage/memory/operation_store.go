package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// OperationStore tracks long-running operations in memory. Records live for
// the lifetime of the process.
type OperationStore struct {
	mu  sync.RWMutex
	ops map[string]crawler.OperationRecord
	now func() time.Time
}

// NewOperationStore constructs an OperationStore.
func NewOperationStore() *OperationStore {
	return &OperationStore{
		ops: make(map[string]crawler.OperationRecord),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateOperation stores a new operation. Ids must be unique.
func (s *OperationStore) CreateOperation(_ context.Context, op crawler.OperationRecord) error {
	if op.ID == "" {
		return fmt.Errorf("create operation: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[op.ID]; exists {
		return fmt.Errorf("create operation %s: already exists", op.ID)
	}
	if op.State == "" {
		op.State = crawler.JobPending
	}
	if op.Submitted.IsZero() {
		op.Submitted = s.now()
	}
	op.TargetIDs = append([]int(nil), op.TargetIDs...)
	s.ops[op.ID] = op
	return nil
}

// UpdateOperation moves a non-terminal operation to state.
func (s *OperationStore) UpdateOperation(_ context.Context, id string, state crawler.JobState, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, crawler.ErrNotFound)
	}
	if op.State.Terminal() {
		return nil
	}
	op.State = state
	op.Message = message
	now := s.now()
	if state == crawler.JobRunning && op.Started == nil {
		op.Started = pointerTime(now)
	}
	if state.Terminal() {
		op.Finished = pointerTime(now)
	}
	s.ops[id] = op
	return nil
}

// FinishOperation records the terminal state and result. Later calls on a
// finished operation are ignored.
func (s *OperationStore) FinishOperation(
	_ context.Context,
	id string,
	state crawler.JobState,
	message string,
	result any,
) error {
	if !state.Terminal() {
		return fmt.Errorf("finish operation %s: %q is not terminal", id, state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, crawler.ErrNotFound)
	}
	if op.State.Terminal() {
		return nil
	}
	now := s.now()
	if op.Started == nil {
		op.Started = pointerTime(now)
	}
	op.State = state
	op.Message = message
	op.Result = result
	op.Finished = pointerTime(now)
	s.ops[id] = op
	return nil
}

// GetOperation fetches an operation by id.
func (s *OperationStore) GetOperation(_ context.Context, id string) (crawler.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return crawler.OperationRecord{}, fmt.Errorf("operation %s: %w", id, crawler.ErrNotFound)
	}
	return op, nil
}

// ListOperations returns every operation, newest first.
func (s *OperationStore) ListOperations(_ context.Context) ([]crawler.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.OperationRecord, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].Submitted.After(out[j].Submitted)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
