package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

type recordingExecutor struct {
	executed chan string
	fail     map[string]error
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{executed: make(chan string, 16)}
}

func (e *recordingExecutor) Execute(_ context.Context, jobID string, _ harvest.Source) (harvest.Summary, error) {
	e.executed <- jobID
	if err := e.fail[jobID]; err != nil {
		return harvest.Summary{}, err
	}
	return harvest.Summary{JobID: jobID, Status: harvest.JobStatusCompleted}, nil
}

func waitForJob(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("executed %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("job %q was never executed", want)
	}
}

func TestDispatcherExecutesInOrder(t *testing.T) {
	t.Parallel()

	exec := newRecordingExecutor()
	d := New(4, exec, zap.NewNop())

	if err := d.TryEnqueue(Task{JobID: "job-1", Name: "crawl"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if err := d.TryEnqueue(Task{JobID: "job-2", Name: "crawl"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitForJob(t, exec.executed, "job-1")
	waitForJob(t, exec.executed, "job-2")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestDispatcherSurvivesExecutorFailure(t *testing.T) {
	t.Parallel()

	exec := newRecordingExecutor()
	exec.fail = map[string]error{"job-1": errors.New("store down")}
	d := New(4, exec, zap.NewNop())

	if err := d.TryEnqueue(Task{JobID: "job-1"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if err := d.TryEnqueue(Task{JobID: "job-2"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	waitForJob(t, exec.executed, "job-1")
	waitForJob(t, exec.executed, "job-2")
}

func TestTryEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	d := New(1, newRecordingExecutor(), zap.NewNop())

	if err := d.TryEnqueue(Task{JobID: "job-1"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if err := d.TryEnqueue(Task{JobID: "job-2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d.Depth() != 1 {
		t.Fatalf("depth = %d", d.Depth())
	}
}

func TestTryEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	d := New(1, newRecordingExecutor(), zap.NewNop())
	d.Close()
	if err := d.TryEnqueue(Task{JobID: "job-1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	d.Close() // idempotent
}

func TestRunDrainsBacklogAfterClose(t *testing.T) {
	t.Parallel()

	exec := newRecordingExecutor()
	d := New(4, exec, zap.NewNop())
	if err := d.TryEnqueue(Task{JobID: "job-1"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if err := d.TryEnqueue(Task{JobID: "job-2"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	d.Close()

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	waitForJob(t, exec.executed, "job-1")
	waitForJob(t, exec.executed, "job-2")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after draining")
	}
}
