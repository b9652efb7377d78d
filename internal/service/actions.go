package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/pipeline"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/runner"
)

// Health is the health_check payload.
type Health struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Targets       int     `json:"targets"`
	ActiveTargets int     `json:"active_targets"`
	Running       int     `json:"running_operations"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// OperationResult wraps an action's result with its operation id and state.
type OperationResult struct {
	OperationID string           `json:"operation_id"`
	State       crawler.JobState `json:"state"`
	Result      any              `json:"result"`
}

func (s *Service) health() Health {
	return Health{
		Status:        "ok",
		Version:       s.version,
		Targets:       len(s.registry.List()),
		ActiveTargets: len(s.registry.ActiveIDs()),
		Running:       s.Running(),
		UptimeSeconds: s.clock.Now().Sub(s.started).Seconds(),
	}
}

func (s *Service) listTargets(p params) map[string]any {
	targets := s.registry.List()
	if p.ActiveOnly {
		targets = s.registry.Active()
	}
	return map[string]any{"targets": targets, "count": len(targets)}
}

func (s *Service) runJob(ctx context.Context, req Request, p params, emit Emitter, persist bool) (any, bool, error) {
	if p.TargetID == nil {
		return nil, false, errors.New("target_id is required")
	}
	ids := []int{*p.TargetID}
	kind := "job"
	if !persist {
		kind = "test_job"
	}
	return s.runBatch(ctx, req, kind, ids, runner.Options{
		Mode:    runner.Sequential,
		Persist: persist,
	}, emit)
}

func (s *Service) batchProcess(ctx context.Context, req Request, p params, emit Emitter) (any, bool, error) {
	var ids []int
	switch p.Operation {
	case "run_on_all":
		ids = s.registry.ActiveIDs()
	case "run_on_multiple", "":
		ids = p.targetIDs(s.registry.ParseSelection)
		if len(ids) == 0 {
			return nil, false, errors.New("target_ids or targets is required for run_on_multiple")
		}
	default:
		return nil, false, fmt.Errorf("unknown batch operation %q", p.Operation)
	}
	if p.RetryFailed {
		s.logger.Info("retry_failed is not supported across invocations; ignoring", zap.String("request_id", req.ID))
	}
	return s.runBatch(ctx, req, "batch", ids, runner.Options{
		Mode:        runner.ParseMode(p.Sequential),
		Concurrency: p.Concurrency,
		Persist:     true,
	}, emit)
}

func (s *Service) runBatch(ctx context.Context, req Request, kind string, ids []int, opts runner.Options, emit Emitter) (any, bool, error) {
	opID, opCtx, release, err := s.track(ctx, req, kind, ids)
	if err != nil {
		return nil, false, err
	}
	defer release()

	opts.Reporter = progressForwarder(req.ID, emit)
	res, err := s.runner.Run(opCtx, ids, opts)
	if err != nil {
		s.finish(ctx, opCtx, opID, false, err.Error(), nil)
		return nil, false, err
	}
	ok := res.Successful > 0
	state := s.finish(ctx, opCtx, opID, ok, res.Summary(), res)
	return OperationResult{OperationID: opID, State: state, Result: res}, res.Success(), nil
}

func (s *Service) phase(ctx context.Context, req Request, p params, emit Emitter, phase pipeline.Phase) (any, bool, error) {
	ids := p.targetIDs(s.registry.ParseSelection)
	if len(ids) == 0 {
		ids = s.registry.ActiveIDs()
	}
	opID, opCtx, release, err := s.track(ctx, req, string(phase)+"_phase", ids)
	if err != nil {
		return nil, false, err
	}
	defer release()

	progress := pipeline.WithProgress(progressForwarder(req.ID, emit))
	var pr pipeline.PhaseResult
	switch phase {
	case pipeline.Discover:
		pr, err = s.pipeline.DiscoverPhase(opCtx, ids, p.Sequential, progress)
	case pipeline.Extract:
		pr, err = s.pipeline.ExtractPhase(opCtx, ids, p.Sequential, progress)
	default:
		pr, err = s.pipeline.AnalyzePhase(opCtx, ids, p.Sequential, progress)
	}
	if err != nil {
		s.finish(ctx, opCtx, opID, false, err.Error(), nil)
		return nil, false, err
	}
	state := s.finish(ctx, opCtx, opID, pr.OK(), pr.Message, pr)
	return OperationResult{OperationID: opID, State: state, Result: pr}, pr.OK(), nil
}

func (s *Service) completePipeline(ctx context.Context, req Request, p params, emit Emitter) (any, bool, error) {
	skip, err := pipeline.ParsePhases(p.SkipPhases)
	if err != nil {
		return nil, false, err
	}
	ids := p.targetIDs(s.registry.ParseSelection)
	all := len(ids) == 0
	if all {
		ids = s.registry.ActiveIDs()
	}
	opID, opCtx, release, err := s.track(ctx, req, "pipeline", ids)
	if err != nil {
		return nil, false, err
	}
	defer release()

	progress := pipeline.WithProgress(progressForwarder(req.ID, emit))
	var res pipeline.Result
	if all {
		res, err = s.pipeline.RunOnAllActive(opCtx, skip, p.Sequential, progress)
	} else {
		res, err = s.pipeline.RunPipeline(opCtx, ids, skip, p.Sequential, progress)
	}
	if err != nil {
		s.finish(ctx, opCtx, opID, false, err.Error(), res)
		return nil, false, err
	}
	msg := fmt.Sprintf("%d discovered, %d extracted, %d analyzed, %d relevant",
		res.Summary.Discovered, res.Summary.Extracted, res.Summary.Analyzed, res.Summary.Relevant)
	state := s.finish(ctx, opCtx, opID, res.OverallSuccess, msg, res)
	return OperationResult{OperationID: opID, State: state, Result: res}, res.OverallSuccess, nil
}

func (s *Service) jobStatus(ctx context.Context, p params) (any, bool, error) {
	if p.JobID == "" {
		return nil, false, errors.New("job_id is required")
	}
	op, err := s.Operation(ctx, p.JobID)
	if err != nil {
		return nil, false, err
	}
	return op, true, nil
}

func (s *Service) cancelJob(ctx context.Context, p params) (any, bool, error) {
	if p.JobID == "" {
		return nil, false, errors.New("job_id is required")
	}
	op, err := s.Cancel(ctx, p.JobID)
	if err != nil {
		return nil, false, err
	}
	cancelled := !op.State.Terminal()
	return map[string]any{
		"job_id":    op.ID,
		"state":     op.State,
		"cancelled": cancelled,
	}, cancelled, nil
}
