// Package pipeline sequences the discover, extract, and analyze phases over
// a target set. Discover is fail-fast; extract and analyze are best-effort.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/extract"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/id/uuid"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/metrics"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/runner"
)

// Registry is the part of the target catalog the controller needs.
type Registry interface {
	Validate(ids []int) []int
	ActiveIDs() []int
	Get(id int) (crawler.Target, bool)
}

// BatchRunner runs discovery batches.
type BatchRunner interface {
	Run(ctx context.Context, targetIDs []int, opts runner.Options) (runner.Result, error)
}

// DocumentExtractor turns a discovered document into an extraction.
type DocumentExtractor interface {
	Extract(ctx context.Context, fetcher extract.Fetcher, targetID int, doc crawler.Document) (crawler.Extraction, error)
}

// DocumentAnalyzer scores an extraction.
type DocumentAnalyzer interface {
	Analyze(ex crawler.Extraction) crawler.Analysis
}

// Option customises a Controller.
type Option func(*Controller)

// WithReporter sets a reporter that sees every run's events.
func WithReporter(rep progress.Reporter) Option {
	return func(c *Controller) { c.reporter = rep }
}

// WithClock overrides the clock.
func WithClock(clock crawler.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIDGenerator overrides pipeline id generation.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(c *Controller) {
		if ids != nil {
			c.ids = ids
		}
	}
}

// WithConcurrency bounds parallel document work in extract and analyze.
func WithConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithTracer overrides the tracer used for phase spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// RunOption applies to a single invocation.
type RunOption func(*runConfig)

type runConfig struct {
	reporter progress.Reporter
}

// WithProgress streams this invocation's events to rep.
func WithProgress(rep progress.Reporter) RunOption {
	return func(rc *runConfig) { rc.reporter = rep }
}

// Controller is the PipelineController.
type Controller struct {
	registry    Registry
	runner      BatchRunner
	store       crawler.DocumentStore
	extractor   DocumentExtractor
	analyzer    DocumentAnalyzer
	fetchers    runner.FetcherFactory
	reporter    progress.Reporter
	clock       crawler.Clock
	ids         crawler.IDGenerator
	concurrency int
	tracer      trace.Tracer
	logger      *zap.Logger
}

// New wires a Controller.
func New(
	registry Registry,
	batches BatchRunner,
	store crawler.DocumentStore,
	extractor DocumentExtractor,
	analyzer DocumentAnalyzer,
	fetchers runner.FetcherFactory,
	opts ...Option,
) *Controller {
	c := &Controller{
		registry:    registry,
		runner:      batches,
		store:       store,
		extractor:   extractor,
		analyzer:    analyzer,
		fetchers:    fetchers,
		reporter:    progress.Nop{},
		clock:       system.New(),
		ids:         uuid.New("pipeline-"),
		concurrency: 4,
		tracer:      otel.Tracer("github.com/noah-vh/bylaw-mgmt-sub000/internal/pipeline"),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOnTargets runs the pipeline over ids.
func (c *Controller) RunOnTargets(ctx context.Context, ids []int, skip []Phase, sequential bool, opts ...RunOption) (Result, error) {
	return c.RunPipeline(ctx, ids, skip, sequential, opts...)
}

// RunOnAllActive runs the pipeline over every active target.
func (c *Controller) RunOnAllActive(ctx context.Context, skip []Phase, sequential bool, opts ...RunOption) (Result, error) {
	return c.RunPipeline(ctx, c.registry.ActiveIDs(), skip, sequential, opts...)
}

// RunPipeline executes the non-skipped phases in order. A discover phase
// with zero successful jobs stops the run; extract and analyze failures are
// recorded and the run continues. The returned error is non-nil only when
// no valid target was selected.
func (c *Controller) RunPipeline(ctx context.Context, ids []int, skip []Phase, sequential bool, opts ...RunOption) (Result, error) {
	rep := c.reporterFor(opts)
	id, err := c.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("pipeline id: %w", err)
	}
	logger := c.logger.With(zap.String("pipeline_id", id))
	res := Result{
		ID:             id,
		Targets:        c.registry.Validate(ids),
		PhasesRun:      []Phase{},
		PhasesSkipped:  []Phase{},
		PerPhase:       make(map[Phase]PhaseResult),
		OverallSuccess: true,
		StartedAt:      c.clock.Now(),
	}
	res.Summary.Targets = len(res.Targets)
	finish := func() Result {
		res.FinishedAt = c.clock.Now()
		res.Duration = max(res.FinishedAt.Sub(res.StartedAt), 0)
		res.Summary.RelevanceRate = relevanceRate(res.Summary.Relevant, res.Summary.Analyzed)
		logger.Info("pipeline finished",
			zap.Bool("success", res.OverallSuccess),
			zap.Any("phases_run", res.PhasesRun),
			zap.Int("discovered", res.Summary.Discovered),
			zap.Int("extracted", res.Summary.Extracted),
			zap.Int("analyzed", res.Summary.Analyzed),
			zap.Int("relevant", res.Summary.Relevant),
		)
		return res
	}

	if len(res.Targets) == 0 {
		res.OverallSuccess = false
		rep.Report(progress.Event{
			Stage:     progress.StageBatchError,
			Percent:   100,
			Message:   crawler.ErrNoValidTargets.Error(),
			Timestamp: res.StartedAt,
		})
		return finish(), fmt.Errorf("run pipeline: %w", crawler.ErrNoValidTargets)
	}

	logger.Info("pipeline started", zap.Ints("targets", res.Targets), zap.Any("skip", skip))
	targets := res.Targets
	for _, phase := range Order {
		if slices.Contains(skip, phase) {
			res.PhasesSkipped = append(res.PhasesSkipped, phase)
			continue
		}
		if err := ctx.Err(); err != nil {
			res.OverallSuccess = false
			logger.Warn("pipeline cancelled", zap.String("next_phase", string(phase)))
			break
		}
		res.PhasesRun = append(res.PhasesRun, phase)

		var pr PhaseResult
		switch phase {
		case Discover:
			pr, err = c.discover(ctx, ids, sequential, rep)
			if pr.Batch != nil {
				res.Summary.Discovered = pr.Batch.DocumentCount()
			}
		case Extract:
			if !slices.Contains(res.PhasesRun, Discover) {
				res.Summary.Discovered = c.storedDocuments(ctx, targets)
			}
			pr = c.extract(ctx, targets, sequential, rep)
			res.Summary.Extracted = pr.Successful
		case Analyze:
			pr = c.analyze(ctx, targets, sequential, rep)
			res.Summary.Analyzed = pr.Successful
			res.Summary.Relevant = pr.Relevant
		}
		res.PerPhase[phase] = pr
		if !pr.OK() {
			res.OverallSuccess = false
		}
		if phase == Discover {
			if errors.Is(err, crawler.ErrNoValidTargets) {
				return finish(), fmt.Errorf("run pipeline: %w", err)
			}
			if !pr.OK() {
				logger.Warn("discover failed, skipping remaining phases", zap.String("message", pr.Message))
				return finish(), nil
			}
		}
		targets = pr.Targets
	}
	return finish(), nil
}

// DiscoverPhase runs only discovery and stores the documents found.
func (c *Controller) DiscoverPhase(ctx context.Context, ids []int, sequential bool, opts ...RunOption) (PhaseResult, error) {
	return c.discover(ctx, ids, sequential, c.reporterFor(opts))
}

// ExtractPhase extracts the stored documents of ids.
func (c *Controller) ExtractPhase(ctx context.Context, ids []int, sequential bool, opts ...RunOption) (PhaseResult, error) {
	valid := c.registry.Validate(ids)
	if len(valid) == 0 {
		return PhaseResult{Phase: Extract, Status: PhaseFailed, Message: crawler.ErrNoValidTargets.Error()},
			fmt.Errorf("extract phase: %w", crawler.ErrNoValidTargets)
	}
	return c.extract(ctx, valid, sequential, c.reporterFor(opts)), nil
}

// AnalyzePhase analyzes the stored extractions of ids.
func (c *Controller) AnalyzePhase(ctx context.Context, ids []int, sequential bool, opts ...RunOption) (PhaseResult, error) {
	valid := c.registry.Validate(ids)
	if len(valid) == 0 {
		return PhaseResult{Phase: Analyze, Status: PhaseFailed, Message: crawler.ErrNoValidTargets.Error()},
			fmt.Errorf("analyze phase: %w", crawler.ErrNoValidTargets)
	}
	return c.analyze(ctx, valid, sequential, c.reporterFor(opts)), nil
}

func (c *Controller) reporterFor(opts []RunOption) progress.Reporter {
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}
	return progress.Join(c.reporter, rc.reporter)
}

func (c *Controller) discover(ctx context.Context, ids []int, sequential bool, rep progress.Reporter) (PhaseResult, error) {
	ctx, span, start := c.beginPhase(ctx, Discover, len(ids), rep)
	pr := PhaseResult{Phase: Discover, Targets: []int{}}

	batch, err := c.runner.Run(ctx, ids, runner.Options{
		Mode:     runner.ParseMode(sequential),
		Persist:  true,
		Reporter: rep,
	})
	if err != nil {
		pr.Status = PhaseFailed
		pr.Message = err.Error()
		pr.Errors = []string{err.Error()}
		c.endPhase(span, &pr, start, rep)
		return pr, err
	}
	pr.Batch = &batch
	pr.Total = batch.Total
	pr.Current = batch.Completed
	pr.Successful = batch.Successful
	pr.Failed = batch.Failed + batch.Cancelled

	for _, jr := range batch.Jobs {
		for _, e := range jr.Errors {
			pr.Errors = append(pr.Errors, fmt.Sprintf("target %d: %s", jr.TargetID, e))
		}
		if jr.State != crawler.JobCompleted || len(jr.Documents) == 0 {
			continue
		}
		if err := c.store.SaveDocuments(context.WithoutCancel(ctx), jr.TargetID, jr.Documents); err != nil {
			pr.Errors = append(pr.Errors, fmt.Sprintf("target %d: save documents: %v", jr.TargetID, err))
			continue
		}
		pr.Targets = append(pr.Targets, jr.TargetID)
	}

	pr.Status = PhaseCompleted
	if batch.Successful == 0 {
		pr.Status = PhaseFailed
	}
	pr.Message = fmt.Sprintf("%s; %d documents from %d targets", batch.Summary(), batch.DocumentCount(), len(pr.Targets))
	c.endPhase(span, &pr, start, rep)
	return pr, nil
}

func (c *Controller) storedDocuments(ctx context.Context, ids []int) int {
	n := 0
	for _, id := range ids {
		docs, err := c.store.Documents(ctx, id)
		if err == nil {
			n += len(docs)
		}
	}
	return n
}

func (c *Controller) beginPhase(ctx context.Context, phase Phase, total int, rep progress.Reporter) (context.Context, trace.Span, time.Time) {
	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "pipeline.phase", trace.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.Int("phase.targets", total),
	))
	rep.Report(progress.Event{
		Phase:     string(phase),
		Stage:     progress.StagePhaseStart,
		Total:     total,
		Message:   fmt.Sprintf("%s started", phase),
		Timestamp: start,
	})
	return ctx, span, start
}

func (c *Controller) endPhase(span trace.Span, pr *PhaseResult, start time.Time, rep progress.Reporter) {
	now := c.clock.Now()
	pr.Duration = max(now.Sub(start), 0)
	pr.Percent = 100
	stage := progress.StagePhaseDone
	if !pr.OK() {
		stage = progress.StagePhaseError
		span.SetStatus(codes.Error, pr.Message)
	}
	span.SetAttributes(
		attribute.String("phase.status", string(pr.Status)),
		attribute.Int("phase.successful", pr.Successful),
		attribute.Int("phase.failed", pr.Failed),
	)
	span.End()
	metrics.ObservePhase(string(pr.Phase), string(pr.Status), pr.Duration)
	rep.Report(progress.Event{
		Phase:     string(pr.Phase),
		Stage:     stage,
		Percent:   100,
		Current:   pr.Current,
		Total:     pr.Total,
		Message:   pr.Message,
		Duration:  pr.Duration,
		Timestamp: now,
	})
	c.logger.Info("phase finished",
		zap.String("phase", string(pr.Phase)),
		zap.String("status", string(pr.Status)),
		zap.Int("successful", pr.Successful),
		zap.Int("failed", pr.Failed),
		zap.Duration("duration", pr.Duration),
	)
}
