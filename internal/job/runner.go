// Package job executes harvest jobs: it drives a candidate source
// through the reconcile engine, isolates per-candidate failures, paces
// between candidates, and records the terminal job status.
package job

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/clock/system"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/notify"
	"github.com/pcallen/catalogue-harvester/internal/progress"
)

// Config tunes pacing and failure handling for a run.
type Config struct {
	// PaceMin and PaceMax bound the random delay inserted after each
	// candidate. PaceMax at or below PaceMin disables the jitter; a
	// non-positive PaceMin disables pacing entirely.
	PaceMin time.Duration
	PaceMax time.Duration
	// MaxConsecutiveFailures aborts the job once this many candidates
	// fail back to back. Zero disables the breaker.
	MaxConsecutiveFailures int
}

// Reconciler folds one candidate into the catalogue.
type Reconciler interface {
	Reconcile(ctx context.Context, c harvest.Candidate) (harvest.Outcome, error)
}

// JobStore is the slice of the record store the runner needs.
type JobStore interface {
	CreateJob(ctx context.Context, name string, status harvest.JobStatus, metadata map[string]any) (string, error)
	UpdateJob(ctx context.Context, id string, update harvest.JobUpdate) error
}

// Runner executes harvest jobs against a record store.
type Runner struct {
	store    JobStore
	rec      Reconciler
	hub      progress.Emitter
	notifier notify.Provider
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewRunner wires a Runner. The hub, notifier, clock, and logger may be
// nil; no-op implementations are substituted.
func NewRunner(
	store JobStore,
	rec Reconciler,
	hub progress.Emitter,
	notifier notify.Provider,
	clk harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if hub == nil {
		hub = progress.Discard{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:    store,
		rec:      rec,
		hub:      hub,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run opens a job record and executes the source against it. The record
// is created before any work so a crash still leaves a visible row.
func (r *Runner) Run(ctx context.Context, name string, metadata map[string]any, src harvest.Source) (harvest.Summary, error) {
	jobID, err := r.store.CreateJob(ctx, name, harvest.JobStatusQueued, metadata)
	if err != nil {
		return harvest.Summary{}, fmt.Errorf("create job: %w", err)
	}
	r.logger.Info("harvest job created",
		zap.String("job_id", jobID),
		zap.String("job_name", name),
		zap.String("source", src.Name()))
	return r.Execute(ctx, jobID, src)
}

// Execute drives src through the reconcile engine under an existing job
// record. Candidate failures are isolated into the failed counter; the
// job itself fails only on a producer error, a tripped failure breaker,
// or cancellation. The terminal update and the completion notification
// run even when ctx was canceled mid-job.
func (r *Runner) Execute(ctx context.Context, jobID string, src harvest.Source) (harvest.Summary, error) {
	if err := r.store.UpdateJob(ctx, jobID, harvest.JobUpdate{Status: harvest.JobStatusRunning}); err != nil {
		r.logger.Error("mark job running failed", zap.String("job_id", jobID), zap.Error(err))
		return harvest.Summary{}, fmt.Errorf("mark job running: %w", err)
	}

	started := r.clock.Now()
	r.hub.Emit(progress.Event{
		JobID:  jobID,
		TS:     started,
		Stage:  progress.StageJobStart,
		Source: src.Name(),
	})

	var counters harvest.JobCounters
	consecutive := 0

	runErr := src.Each(ctx, func(c harvest.Candidate) error {
		if err := r.handleCandidate(ctx, jobID, src.Name(), c, &counters); err != nil {
			consecutive++
			if r.cfg.MaxConsecutiveFailures > 0 && consecutive >= r.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("aborted after %d consecutive failures: %w", consecutive, err)
			}
		} else {
			consecutive = 0
		}
		return r.pace(ctx)
	})

	status := harvest.JobStatusCompleted
	errText := ""
	if runErr != nil {
		status = harvest.JobStatusFailed
		errText = runErr.Error()
	}
	elapsed := r.clock.Now().Sub(started)

	// Cancellation must not stop the terminal record: detach the update
	// and the notification from ctx.
	finishCtx := context.WithoutCancel(ctx)
	update := harvest.JobUpdate{Status: status, Counters: &counters, ErrorText: errText}
	if err := r.store.UpdateJob(finishCtx, jobID, update); err != nil {
		r.logger.Error("final job update failed", zap.String("job_id", jobID), zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("record job completion: %w", err)
		}
	}

	stage := progress.StageJobDone
	if status == harvest.JobStatusFailed {
		stage = progress.StageJobError
	}
	r.hub.Emit(progress.Event{
		JobID:  jobID,
		TS:     r.clock.Now(),
		Stage:  stage,
		Source: src.Name(),
		Dur:    elapsed,
		Note:   errText,
	})

	notification := notify.Notification{
		JobID:      jobID,
		Source:     src.Name(),
		Status:     status,
		Counters:   counters,
		FinishedAt: r.clock.Now(),
	}
	if err := r.notifier.Publish(finishCtx, notification); err != nil {
		r.logger.Warn("completion notification failed", zap.String("job_id", jobID), zap.Error(err))
	}

	r.logger.Info("harvest job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int("processed", counters.Processed),
		zap.Int("inserted", counters.Inserted),
		zap.Int("enriched", counters.Enriched),
		zap.Int("skipped", counters.Skipped),
		zap.Int("failed", counters.Failed),
		zap.Duration("elapsed", elapsed))

	return harvest.Summary{JobID: jobID, Status: status, Counters: counters}, runErr
}

func (r *Runner) handleCandidate(
	ctx context.Context,
	jobID, source string,
	c harvest.Candidate,
	counters *harvest.JobCounters,
) error {
	counters.Processed++
	begin := r.clock.Now()

	outcome, err := r.rec.Reconcile(ctx, c)
	dur := r.clock.Now().Sub(begin)
	if err != nil {
		counters.Failed++
		r.logger.Warn("candidate reconcile failed",
			zap.String("job_id", jobID),
			zap.String("candidate", candidateLabel(c)),
			zap.Error(err))
		r.hub.Emit(progress.Event{
			JobID:     jobID,
			TS:        r.clock.Now(),
			Stage:     progress.StageCandidateError,
			Source:    source,
			Candidate: candidateLabel(c),
			Dur:       dur,
			Note:      err.Error(),
		})
		return err
	}

	switch outcome.Kind {
	case harvest.OutcomeInserted:
		counters.Inserted++
	case harvest.OutcomeEnriched:
		counters.Enriched++
	default:
		counters.Skipped++
	}
	r.logger.Debug("candidate reconciled",
		zap.String("job_id", jobID),
		zap.String("candidate", candidateLabel(c)),
		zap.String("outcome", string(outcome.Kind)))
	r.hub.Emit(progress.Event{
		JobID:     jobID,
		TS:        r.clock.Now(),
		Stage:     progress.StageCandidateDone,
		Source:    source,
		Candidate: candidateLabel(c),
		Outcome:   outcome.Kind,
		EntityID:  outcome.ID,
		Dur:       dur,
	})
	return nil
}

// pace sleeps a uniform random duration in [PaceMin, PaceMax) between
// candidates so bursts against the store stay spread out.
func (r *Runner) pace(ctx context.Context) error {
	d := r.cfg.PaceMin
	if span := r.cfg.PaceMax - r.cfg.PaceMin; span > 0 {
		d += rand.N(span)
	}
	if d <= 0 {
		return ctx.Err()
	}
	return r.clock.Sleep(ctx, d)
}

func candidateLabel(c harvest.Candidate) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.WebsiteURL != "":
		return c.WebsiteURL
	case c.ID != "":
		return c.ID
	default:
		return "unknown"
	}
}
