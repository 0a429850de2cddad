package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/progress"
)

// PrometheusSink exports harvest progress metrics. It owns all collectors
// for jobs started/completed/running and per-source candidate counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	candidates        *prometheus.CounterVec
	candidateErrors   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_jobs_started_total",
			Help: "Total harvest jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_jobs_completed_total",
			Help: "Total harvest jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_jobs_running",
			Help: "Current number of running harvest jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_job_runtime_seconds",
			Help:    "Wall time per completed harvest job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_candidates_total",
			Help: "Reconciled candidates partitioned by source and outcome.",
		}, []string{"source", "outcome"}),
		candidateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_candidate_errors_total",
			Help: "Candidates that failed reconciliation, per source.",
		}, []string{"source"}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_reconcile_duration_seconds",
			Help:    "Reconcile latency partitioned by outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),
		tracker: newJobTracker(),
	}
	var err error
	if s.jobsStarted, err = register(reg, s.jobsStarted); err != nil {
		return nil, err
	}
	if s.jobsCompleted, err = register(reg, s.jobsCompleted); err != nil {
		return nil, err
	}
	if s.jobsRunning, err = register(reg, s.jobsRunning); err != nil {
		return nil, err
	}
	if s.jobRuntime, err = register(reg, s.jobRuntime); err != nil {
		return nil, err
	}
	if s.candidates, err = register(reg, s.candidates); err != nil {
		return nil, err
	}
	if s.candidateErrors, err = register(reg, s.candidateErrors); err != nil {
		return nil, err
	}
	if s.reconcileDuration, err = register(reg, s.reconcileDuration); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds a collector to the registry, reusing the registered one
// when an identical collector is already present. That keeps repeated
// sink construction against a shared registry from failing.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, fmt.Errorf("register progress collector: %w", err)
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
		s.handleJobEvent(evt)
	case progress.StageCandidateDone:
		s.handleCandidateDone(evt)
	case progress.StageCandidateError:
		s.candidateErrors.WithLabelValues(sourceLabel(evt)).Inc()
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.jobsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageJobError:
		s.jobsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageJobStart && s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleCandidateDone(evt progress.Event) {
	outcome := string(evt.Outcome)
	if outcome == "" {
		outcome = string(harvest.OutcomeSkipped)
	}
	s.candidates.WithLabelValues(sourceLabel(evt), outcome).Inc()
	if evt.Dur > 0 {
		s.reconcileDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

func sourceLabel(evt progress.Event) string {
	if evt.Source == "" {
		return "unknown"
	}
	return evt.Source
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
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
