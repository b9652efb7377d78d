package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/progress"
)

// PrometheusSink turns progress events into job, batch, and phase collectors.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
	batches      *prometheus.CounterVec
	phasePercent *prometheus.GaugeVec
	targetPages  *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_progress_jobs_started_total",
			Help: "Crawl jobs that reported a start.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_jobs_finished_total",
			Help: "Crawl jobs that reported a finish, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_progress_jobs_running",
			Help: "Crawl jobs started but not yet finished.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_progress_job_duration_seconds",
			Help:    "Wall time per finished crawl job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_batches_total",
			Help: "Batches that reported an outcome, partitioned by result.",
		}, []string{"result"}),
		phasePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawler_progress_phase_percent",
			Help: "Last reported completion percentage per pipeline phase.",
		}, []string{"phase"}),
		targetPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_pages_total",
			Help: "Pages visited, partitioned by target id.",
		}, []string{"target_id"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobDuration,
		s.batches,
		s.phasePercent,
		s.targetPages,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.finishJob(evt, "success")
	case progress.StageJobError:
		s.finishJob(evt, "error")
	case progress.StageBatchDone:
		s.batches.WithLabelValues("success").Inc()
	case progress.StageBatchError:
		s.batches.WithLabelValues("error").Inc()
	case progress.StagePhaseStart, progress.StagePhaseProgress, progress.StagePhaseDone, progress.StagePhaseError:
		s.phasePercent.WithLabelValues(evt.Phase).Set(evt.Percent)
	case progress.StagePage:
		s.targetPages.WithLabelValues(strconv.Itoa(evt.TargetID)).Inc()
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	if evt.Duration > 0 {
		s.jobDuration.WithLabelValues(result).Observe(evt.Duration.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker keeps the running gauge honest when start or finish events
// repeat or arrive without their counterpart.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
