package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

// LogSink writes each progress event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch; job and batch failures are logged at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Float64("percent", evt.Percent),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
		}
		if evt.TargetID != 0 {
			fields = append(fields, zap.Int("target_id", evt.TargetID))
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		if evt.BatchID != "" {
			fields = append(fields, zap.String("batch_id", evt.BatchID))
		}
		if evt.Phase != "" {
			fields = append(fields, zap.String("phase", evt.Phase))
		}
		if evt.Duration > 0 {
			fields = append(fields, zap.Duration("duration", evt.Duration))
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		switch evt.Stage {
		case progress.StageJobError, progress.StageBatchError, progress.StagePhaseError:
			s.logger.Warn("progress", fields...)
		case progress.StagePage:
			s.logger.Debug("progress", fields...)
		default:
			s.logger.Info("progress", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	return nil
}
