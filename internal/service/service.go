// Package service implements the NDJSON request/response front. Every
// request runs on its own goroutine so cancel_job can reach a running
// action; output lines are serialized.
package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/id/uuid"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/metrics"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/pipeline"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/runner"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 1 << 20

// ErrUnknownAction is returned for unrecognised actions.
var ErrUnknownAction = errors.New("unknown action")

// Registry is the catalog view the service needs.
type Registry interface {
	List() []crawler.Target
	Active() []crawler.Target
	ActiveIDs() []int
	ParseSelection(expr string) []int
}

// BatchRunner runs crawl batches.
type BatchRunner interface {
	Run(ctx context.Context, targetIDs []int, opts runner.Options) (runner.Result, error)
}

// Pipeline runs phases.
type Pipeline interface {
	RunPipeline(ctx context.Context, ids []int, skip []pipeline.Phase, sequential bool, opts ...pipeline.RunOption) (pipeline.Result, error)
	RunOnAllActive(ctx context.Context, skip []pipeline.Phase, sequential bool, opts ...pipeline.RunOption) (pipeline.Result, error)
	DiscoverPhase(ctx context.Context, ids []int, sequential bool, opts ...pipeline.RunOption) (pipeline.PhaseResult, error)
	ExtractPhase(ctx context.Context, ids []int, sequential bool, opts ...pipeline.RunOption) (pipeline.PhaseResult, error)
	AnalyzePhase(ctx context.Context, ids []int, sequential bool, opts ...pipeline.RunOption) (pipeline.PhaseResult, error)
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the clock.
func WithClock(c crawler.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator overrides operation id generation.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(s *Service) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by health_check.
func WithVersion(v string) Option {
	return func(s *Service) { s.version = v }
}

// Service dispatches actions to the runner and pipeline and tracks them as
// operations.
type Service struct {
	registry Registry
	runner   BatchRunner
	pipeline Pipeline
	ops      crawler.OperationStore
	clock    crawler.Clock
	ids      crawler.IDGenerator
	logger   *zap.Logger
	version  string
	started  time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New constructs a Service.
func New(registry Registry, batches BatchRunner, pipe Pipeline, ops crawler.OperationStore, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		runner:   batches,
		pipeline: pipe,
		ops:      ops,
		clock:    system.New(),
		ids:      uuid.New("op-"),
		logger:   zap.NewNop(),
		version:  "dev",
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()
	return s
}

// Serve reads requests from r until EOF or ctx is done and writes responses
// to w. It returns after every in-flight request has answered.
func (s *Service) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := newLineWriter(w)
	emit := func(resp Response) {
		if err := out.write(resp); err != nil {
			s.logger.Error("write response failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			s.CancelAll()
			return nil
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read requests: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				emit(Response{Type: TypeError, Error: fmt.Sprintf("invalid request: %v", err)})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Handle(ctx, req, emit)
			}()
		}
	}
}

// Handle runs one request, emitting progress lines and exactly one final
// response or error line. Panics become error lines.
func (s *Service) Handle(ctx context.Context, req Request, emit Emitter) {
	success := false
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("request panicked", zap.String("action", req.Action), zap.Any("panic", rec))
			emit(Response{Type: TypeError, RequestID: req.ID, Error: fmt.Sprintf("internal error: %v", rec)})
		}
		metrics.ObserveAction(req.Action, success)
	}()

	p, err := decodeParams(req.Params)
	if err == nil {
		var data any
		data, success, err = s.dispatch(ctx, req, p, emit)
		if err == nil {
			emit(Response{Type: TypeResponse, Success: success, RequestID: req.ID, Data: data})
			return
		}
	}
	success = false
	s.logger.Warn("request failed", zap.String("action", req.Action), zap.String("request_id", req.ID), zap.Error(err))
	emit(Response{Type: TypeError, RequestID: req.ID, Error: err.Error()})
}

func (s *Service) dispatch(ctx context.Context, req Request, p params, emit Emitter) (any, bool, error) {
	switch req.Action {
	case "health_check":
		return s.health(), true, nil
	case "list_targets":
		return s.listTargets(p), true, nil
	case "run_job":
		return s.runJob(ctx, req, p, emit, true)
	case "test_job":
		return s.runJob(ctx, req, p, emit, false)
	case "discover_phase":
		return s.phase(ctx, req, p, emit, pipeline.Discover)
	case "extract_phase":
		return s.phase(ctx, req, p, emit, pipeline.Extract)
	case "analyze_phase":
		return s.phase(ctx, req, p, emit, pipeline.Analyze)
	case "complete_pipeline":
		return s.completePipeline(ctx, req, p, emit)
	case "batch_process":
		return s.batchProcess(ctx, req, p, emit)
	case "get_job_status":
		return s.jobStatus(ctx, p)
	case "cancel_job":
		return s.cancelJob(ctx, p)
	default:
		return nil, false, fmt.Errorf("%w %q", ErrUnknownAction, req.Action)
	}
}

// Operation returns a tracked operation.
func (s *Service) Operation(ctx context.Context, id string) (crawler.OperationRecord, error) {
	op, err := s.ops.GetOperation(ctx, id)
	if err != nil {
		return crawler.OperationRecord{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// Cancel cancels a running operation. Cancelling a finished operation
// reports its terminal state without error.
func (s *Service) Cancel(ctx context.Context, id string) (crawler.OperationRecord, error) {
	op, err := s.Operation(ctx, id)
	if err != nil {
		return crawler.OperationRecord{}, err
	}
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("operation cancel requested", zap.String("operation_id", id))
		if uerr := s.ops.UpdateOperation(ctx, id, op.State, "cancellation requested"); uerr == nil {
			op.Message = "cancellation requested"
		}
	}
	return op, nil
}

// CancelAll cancels every running operation.
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.running {
		cancel()
	}
}

// Running returns the number of in-flight operations.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// track registers an operation and returns its cancellable context. The
// request id doubles as the operation id when it is free.
func (s *Service) track(ctx context.Context, req Request, kind string, ids []int) (string, context.Context, func(), error) {
	id := req.ID
	if id == "" || s.exists(ctx, id) {
		gen, err := s.ids.NewID()
		if err != nil {
			return "", nil, nil, fmt.Errorf("operation id: %w", err)
		}
		id = gen
	}
	if err := s.ops.CreateOperation(ctx, crawler.OperationRecord{
		ID:        id,
		Kind:      kind,
		TargetIDs: ids,
		State:     crawler.JobPending,
		Submitted: s.clock.Now(),
	}); err != nil {
		return "", nil, nil, fmt.Errorf("create operation: %w", err)
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
	if err := s.ops.UpdateOperation(ctx, id, crawler.JobRunning, ""); err != nil {
		s.logger.Warn("mark operation running failed", zap.String("operation_id", id), zap.Error(err))
	}
	release := func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		cancel()
	}
	return id, opCtx, release, nil
}

func (s *Service) exists(ctx context.Context, id string) bool {
	_, err := s.ops.GetOperation(ctx, id)
	return err == nil
}

// finish records the terminal state of an operation.
func (s *Service) finish(ctx context.Context, opCtx context.Context, id string, ok bool, message string, result any) crawler.JobState {
	state := crawler.JobCompleted
	switch {
	case opCtx.Err() != nil:
		state = crawler.JobCancelled
	case !ok:
		state = crawler.JobFailed
	}
	if err := s.ops.FinishOperation(context.WithoutCancel(ctx), id, state, message, result); err != nil {
		s.logger.Warn("finish operation failed", zap.String("operation_id", id), zap.Error(err))
	}
	return state
}
