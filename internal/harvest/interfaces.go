package harvest

import (
	"context"
	"time"
)

// RecordStore persists catalogue entities, job records, and job logs.
type RecordStore interface {
	// Find returns entities matching every predicate, up to Query.Limit.
	Find(ctx context.Context, q Query) ([]Entity, error)
	// Insert creates an entity and returns its id.
	Insert(ctx context.Context, fields Fields) (string, error)
	// Patch applies fields to the entity with the given id. The bool is
	// false when no row matched; an error means the write itself failed.
	Patch(ctx context.Context, id string, fields Fields) (bool, error)
	// CreateJob opens a job record and returns its id.
	CreateJob(ctx context.Context, name string, status JobStatus, metadata map[string]any) (string, error)
	// GetJob returns the job record with the given id.
	GetJob(ctx context.Context, id string) (JobRecord, error)
	// UpdateJob applies a partial update to a job record.
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	// AppendJobLogs writes a batch of job log rows.
	AppendJobLogs(ctx context.Context, entries []JobLogEntry) error
	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error
}

// Transport performs paced, retrying HTTP fetches against the upstream.
type Transport interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Source produces candidates sequentially. Each stops on the first fn
// error; a producer-side error fails the whole job.
type Source interface {
	Name() string
	Each(ctx context.Context, fn func(Candidate) error) error
}

// Clock abstracts time for pacing and backoff (useful for testing).
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
