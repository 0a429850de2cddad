package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart       Stage = "JOB_START"
	StageJobDone        Stage = "JOB_DONE"
	StageJobError       Stage = "JOB_ERROR"
	StageCandidateDone  Stage = "CANDIDATE_DONE"
	StageCandidateError Stage = "CANDIDATE_ERROR"
)

// Event captures one milestone of a harvest run.
type Event struct {
	// JobID is the store-assigned id of the job row.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or candidate milestone occurred.
	Stage Stage
	// Source names the candidate producer (e.g. "qs-rankings", "file:seed.json").
	Source string
	// Candidate scopes candidate events to the record being reconciled.
	Candidate string
	// Outcome reports what reconciliation did for CANDIDATE_DONE events.
	Outcome harvest.OutcomeKind
	// EntityID is the catalogue row touched, when one was.
	EntityID string
	// Dur captures reconcile latency for candidates and wall time for jobs.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageCandidateDone:
		if e.Candidate == "" {
			return errors.New("candidate done requires a candidate name")
		}
		if e.Outcome == "" {
			return errors.New("candidate done requires an outcome")
		}
	case StageCandidateError:
		if e.Candidate == "" {
			return errors.New("candidate error requires a candidate name")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Level maps the stage onto the log level persisted with job logs.
func (e Event) Level() string {
	switch e.Stage {
	case StageJobError, StageCandidateError:
		return "error"
	default:
		return "info"
	}
}
