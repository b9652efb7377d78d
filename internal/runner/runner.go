// Package runner executes batches of crawl jobs sequentially or on a
// bounded worker pool, aggregating counters and ETA as jobs finish.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/clock/system"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/id/uuid"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/job"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/metrics"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

// Registry is the part of the target catalog the runner consults.
type Registry interface {
	Validate(ids []int) []int
	Get(id int) (crawler.Target, bool)
	Finder(id int) (crawler.DocumentFinder, error)
}

// FetcherFactory builds the per-job fetcher for a target.
type FetcherFactory func(target crawler.Target) (job.Fetcher, error)

// Options are chosen per invocation.
type Options struct {
	Mode        Mode
	Concurrency int
	// Persist hands results to the OutputSink. Test runs leave it off.
	Persist  bool
	Reporter progress.Reporter
}

// Config holds the defaults applied to every batch.
type Config struct {
	Limits             job.Limits
	DefaultConcurrency int
}

// Option customises a Runner.
type Option func(*Runner)

// WithOutputSink sets where job and batch results are persisted.
func WithOutputSink(sink crawler.OutputSink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithReporter sets a reporter that sees every batch's events.
func WithReporter(rep progress.Reporter) Option {
	return func(r *Runner) { r.reporter = rep }
}

// WithClock overrides the clock.
func WithClock(c crawler.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithIDGenerators overrides job and batch id generation.
func WithIDGenerators(jobs, batches crawler.IDGenerator) Option {
	return func(r *Runner) {
		if jobs != nil {
			r.jobIDs = jobs
		}
		if batches != nil {
			r.batchIDs = batches
		}
	}
}

// WithTracer overrides the tracer used for job spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runner is safe for concurrent batches.
type Runner struct {
	registry Registry
	fetchers FetcherFactory
	cfg      Config
	sink     crawler.OutputSink
	reporter progress.Reporter
	clock    crawler.Clock
	jobIDs   crawler.IDGenerator
	batchIDs crawler.IDGenerator
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New constructs a Runner.
func New(registry Registry, fetchers FetcherFactory, cfg Config, opts ...Option) *Runner {
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 4
	}
	r := &Runner{
		registry: registry,
		fetchers: fetchers,
		cfg:      cfg,
		reporter: progress.Nop{},
		clock:    system.New(),
		jobIDs:   uuid.New("job-"),
		batchIDs: uuid.New("batch-"),
		tracer:   otel.Tracer("github.com/noah-vh/bylaw-mgmt-sub000/internal/runner"),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pending struct {
	index    int
	job      *job.CrawlJob
	buildErr error
}

// Run executes one batch over targetIDs. Unknown and inactive ids are dropped
// with a warning; if none remain the batch fails with ErrNoValidTargets.
// Cancelling ctx cancels every job that has not started; running jobs stop at
// their next frontier step.
func (r *Runner) Run(ctx context.Context, targetIDs []int, opts Options) (Result, error) {
	reporter := progress.Join(r.reporter, opts.Reporter)
	valid := r.registry.Validate(targetIDs)
	skipped := difference(targetIDs, valid)
	if len(valid) == 0 {
		reporter.Report(progress.Event{
			Stage:     progress.StageBatchError,
			Percent:   100,
			Message:   crawler.ErrNoValidTargets.Error(),
			Timestamp: r.clock.Now(),
		})
		return Result{Skipped: skipped}, fmt.Errorf("run batch: %w", crawler.ErrNoValidTargets)
	}

	mode := opts.Mode
	if mode == "" {
		mode = Parallel
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = r.cfg.DefaultConcurrency
	}
	if mode == Sequential {
		concurrency = 1
	}
	concurrency = min(concurrency, len(valid))

	batchID, err := r.batchIDs.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("batch id: %w", err)
	}
	logger := r.logger.With(zap.String("batch_id", batchID))
	batch := newBatch(batchID, mode, concurrency, len(valid), r.clock.Now())
	jobs, err := r.buildJobs(batchID, valid, reporter, logger)
	if err != nil {
		return Result{}, err
	}

	logger.Info("batch started",
		zap.String("mode", string(mode)),
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", concurrency),
		zap.Ints("skipped", skipped),
	)
	reporter.Report(progress.Event{
		BatchID:   batchID,
		Stage:     progress.StageBatchStart,
		Total:     len(jobs),
		Message:   fmt.Sprintf("%s batch of %d jobs", mode, len(jobs)),
		Timestamp: batch.status.StartedAt,
	})

	results := make([]crawler.JobResult, len(jobs))
	exec := func(p pending) {
		results[p.index] = r.execute(ctx, batch, p, opts.Persist, reporter, logger)
	}
	if mode == Sequential {
		for _, p := range jobs {
			exec(p)
		}
	} else {
		queue := make(chan pending, len(jobs))
		for _, p := range jobs {
			queue <- p
		}
		close(queue)
		var wg sync.WaitGroup
		for range concurrency {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for p := range queue {
					exec(p)
				}
			}()
		}
		wg.Wait()
	}

	res := Result{
		Status:     batch.Snapshot(),
		Jobs:       results,
		Skipped:    skipped,
		FinishedAt: r.clock.Now(),
	}
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	if opts.Persist && r.sink != nil {
		loc, err := r.sink.SaveBatchResult(context.WithoutCancel(ctx), results, batchID)
		if err != nil {
			logger.Error("save batch result failed", zap.Error(err))
			res.Errors = append(res.Errors, fmt.Sprintf("save batch result: %v", err))
		}
		res.Location = loc
	}

	stage := progress.StageBatchDone
	if ctx.Err() != nil || res.Failed > 0 {
		stage = progress.StageBatchError
	}
	reporter.Report(progress.Event{
		BatchID:   batchID,
		Stage:     stage,
		Percent:   100,
		Current:   res.Completed,
		Total:     res.Total,
		Message:   res.Summary(),
		Duration:  max(res.Duration, 0),
		Timestamp: res.FinishedAt,
	})
	logger.Info("batch finished",
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
		zap.Int("cancelled", res.Cancelled),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (r *Runner) buildJobs(batchID string, ids []int, reporter progress.Reporter, logger *zap.Logger) ([]pending, error) {
	jobs := make([]pending, 0, len(ids))
	for i, id := range ids {
		jobID, err := r.jobIDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("job id: %w", err)
		}
		target, _ := r.registry.Get(id)
		var buildErr error
		finder, err := r.registry.Finder(id)
		if err != nil {
			buildErr = err
		}
		var fetcher job.Fetcher
		if buildErr == nil && r.fetchers != nil {
			fetcher, err = r.fetchers(target)
			if err != nil {
				buildErr = fmt.Errorf("build fetcher: %w", err)
			}
		}
		j := job.New(jobID, target, finder, fetcher, r.cfg.Limits,
			job.WithBatchID(batchID),
			job.WithReporter(reporter),
			job.WithClock(r.clock),
			job.WithLogger(logger.Named("job")),
		)
		jobs = append(jobs, pending{index: i, job: j, buildErr: buildErr})
	}
	return jobs, nil
}

// execute runs one job at the worker boundary. A panic anywhere below
// becomes a Failed result and never reaches the pool.
func (r *Runner) execute(
	ctx context.Context,
	batch *Batch,
	p pending,
	persist bool,
	reporter progress.Reporter,
	logger *zap.Logger,
) (res crawler.JobResult) {
	j := p.job
	ran := false
	defer func() {
		status := batch.record(res, ran, r.clock.Now())
		r.reportJob(reporter, status, res)
	}()

	if ctx.Err() != nil {
		return j.Cancel("cancelled before start")
	}
	if p.buildErr != nil {
		logger.Warn("job could not start", zap.Int("target_id", j.Target.ID), zap.Error(p.buildErr))
		return j.Fail(p.buildErr)
	}

	ran = true
	batch.started()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	spanCtx, span := r.tracer.Start(ctx, "crawl.job", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("batch.id", batch.status.ID),
		attribute.Int("target.id", j.Target.ID),
		attribute.String("target.name", j.Target.Name),
	))
	defer span.End()

	res = r.runGuarded(spanCtx, j, persist, logger)

	span.SetAttributes(
		attribute.String("job.state", string(res.State)),
		attribute.Int("job.documents", len(res.Documents)),
		attribute.Int("job.pages", res.PagesVisited),
	)
	if res.State != crawler.JobCompleted {
		span.SetStatus(codes.Error, string(res.State))
	}
	return res
}

// runGuarded runs the job and, when persisting, hands the result to the
// output sink. A panic in the job fails it; a panic in the sink is recorded
// like a save error.
func (r *Runner) runGuarded(
	ctx context.Context,
	j *job.CrawlJob,
	persist bool,
	logger *zap.Logger,
) (res crawler.JobResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("worker panicked", zap.String("job_id", j.ID), zap.Any("panic", rec))
			panicErr := fmt.Sprintf("panic: %v", rec)
			if j.State() == crawler.JobRunning {
				res = j.Abort(errors.New(panicErr))
				return
			}
			res.Errors = append(res.Errors, "save job result: "+panicErr)
		}
	}()
	res = j.Run(ctx)

	if persist && r.sink != nil && res.State != crawler.JobCancelled {
		loc, err := r.sink.SaveJobResult(context.WithoutCancel(ctx), res)
		if err != nil {
			logger.Error("save job result failed", zap.String("job_id", res.JobID), zap.Error(err))
			res.Errors = append(res.Errors, fmt.Sprintf("save job result: %v", err))
		}
		res.Location = loc
	}
	return res
}

func (r *Runner) reportJob(reporter progress.Reporter, status Status, res crawler.JobResult) {
	msg := fmt.Sprintf("%s: %s (%d documents)", res.TargetName, res.State, len(res.Documents))
	if !status.EstimatedCompletion.IsZero() && status.Remaining() > 0 {
		msg += fmt.Sprintf(", eta %s", status.EstimatedCompletion.Format(time.RFC3339))
	}
	reporter.Report(progress.Event{
		TargetID:  res.TargetID,
		JobID:     res.JobID,
		BatchID:   status.ID,
		Stage:     progress.StageBatchProgress,
		Percent:   progress.Percent(status.Completed, status.Total),
		Current:   status.Completed,
		Total:     status.Total,
		Message:   msg,
		Duration:  max(res.Duration, 0),
		Timestamp: r.clock.Now(),
	})
}

func difference(all, keep []int) []int {
	kept := make(map[int]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	var out []int
	seen := make(map[int]struct{})
	for _, id := range all {
		if _, ok := kept[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
