package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/progress"
)

// LogAppender is the slice of harvest.RecordStore the sink needs.
type LogAppender interface {
	AppendJobLogs(ctx context.Context, entries []harvest.JobLogEntry) error
}

// StoreSink persists progress events as job log rows. Each batch becomes
// a single append call to keep write amplification down.
type StoreSink struct {
	store  LogAppender
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided store.
func NewStoreSink(store LogAppender, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume converts the batch into job log entries and appends them in one
// call. It respects ctx deadlines and returns store errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	entries := make([]harvest.JobLogEntry, 0, len(batch))
	for _, evt := range batch {
		entries = append(entries, logEntry(evt))
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.store.AppendJobLogs(ctx, entries); err != nil {
		return fmt.Errorf("append job logs: %w", err)
	}
	return nil
}

func logEntry(evt progress.Event) harvest.JobLogEntry {
	entry := harvest.JobLogEntry{
		JobID:   evt.JobID,
		Level:   evt.Level(),
		Message: eventMessage(evt),
		Context: map[string]any{"stage": string(evt.Stage)},
	}
	if evt.Source != "" {
		entry.Context["source"] = evt.Source
	}
	if evt.Candidate != "" {
		entry.Context["candidate"] = evt.Candidate
	}
	if evt.Outcome != "" {
		entry.Context["outcome"] = string(evt.Outcome)
	}
	if evt.EntityID != "" {
		entry.Context["entity_id"] = evt.EntityID
	}
	if evt.Dur > 0 {
		entry.Context["duration_ms"] = evt.Dur.Milliseconds()
	}
	if evt.Note != "" {
		entry.Context["error"] = evt.Note
	}
	return entry
}

func eventMessage(evt progress.Event) string {
	switch evt.Stage {
	case progress.StageJobStart:
		return "job started"
	case progress.StageJobDone:
		return "job completed"
	case progress.StageJobError:
		if evt.Note != "" {
			return "job failed: " + evt.Note
		}
		return "job failed"
	case progress.StageCandidateDone:
		return fmt.Sprintf("%s %s", evt.Outcome, evt.Candidate)
	case progress.StageCandidateError:
		if evt.Note != "" {
			return fmt.Sprintf("failed %s: %s", evt.Candidate, evt.Note)
		}
		return "failed " + evt.Candidate
	default:
		return string(evt.Stage)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
