// Package dispatch queues harvest jobs for background execution.
//
// The API records a job, enqueues it here, and answers 202; a single
// dispatcher goroutine executes tasks in arrival order. One job at a
// time keeps upstream pacing meaningful, so the queue is a small buffer
// rather than a fan-out.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// Task is one queued harvest run. The job record already exists when a
// task is enqueued.
type Task struct {
	JobID  string
	Name   string
	Source harvest.Source
}

// Executor runs a recorded job against a source.
type Executor interface {
	Execute(ctx context.Context, jobID string, src harvest.Source) (harvest.Summary, error)
}

var (
	// ErrQueueFull means the caller should back off and retry later.
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed means the dispatcher is shutting down.
	ErrClosed = errors.New("dispatcher is closed")
)

const defaultCapacity = 16

// Dispatcher buffers tasks and executes them sequentially.
type Dispatcher struct {
	tasks    chan Task
	executor Executor
	logger   *zap.Logger

	closeMu sync.Mutex
	closed  bool
}

// New creates a Dispatcher with the given queue capacity.
func New(capacity int, executor Executor, logger *zap.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tasks:    make(chan Task, capacity),
		executor: executor,
		logger:   logger,
	}
}

// TryEnqueue adds a task without blocking. ErrQueueFull when the buffer
// has no room, ErrClosed after Close.
func (d *Dispatcher) TryEnqueue(task Task) error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth reports how many tasks are waiting.
func (d *Dispatcher) Depth() int {
	return len(d.tasks)
}

// Run executes queued tasks one at a time. It returns nil when ctx ends
// or when Close has been called and the backlog is drained. Task
// failures are logged and recorded on the job; they never stop the
// loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-d.tasks:
			if !ok {
				return nil
			}
			summary, err := d.executor.Execute(ctx, task.JobID, task.Source)
			if err != nil {
				d.logger.Error("queued job failed",
					zap.String("job_id", task.JobID),
					zap.String("job_name", task.Name),
					zap.Error(err))
				continue
			}
			d.logger.Info("queued job finished",
				zap.String("job_id", task.JobID),
				zap.String("job_name", task.Name),
				zap.String("status", string(summary.Status)))
		}
	}
}

// Close stops accepting tasks. A concurrent Run drains what was already
// queued and then returns.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.tasks)
}
