// Package notify defines the completion notification contract.
//
// A Provider receives one Notification when a harvest job reaches a
// terminal status. Concrete providers live in subpackages: pubsub for
// Google Cloud Pub/Sub, memory for tests. Noop is the default when no
// provider is configured.
package notify

import (
	"context"
	"time"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// Notification describes a finished job.
type Notification struct {
	JobID      string              `json:"job_id"`
	Source     string              `json:"source"`
	Status     harvest.JobStatus   `json:"status"`
	Counters   harvest.JobCounters `json:"counters"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Provider delivers notifications to an external channel.
type Provider interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// Noop discards all notifications.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, Notification) error { return nil }

// Close does nothing.
func (Noop) Close() error { return nil }
