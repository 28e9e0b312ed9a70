// Package worker executes queued runs from the SQLite job queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/grounded/internal/agentrun"
	"github.com/kalambet/grounded/internal/storage"
)

// JobAgentRun is the job type for queued grounded runs.
const JobAgentRun = "agent_run"

// ErrAlreadyStarted is returned by Start when the worker loop is running.
var ErrAlreadyStarted = errors.New("worker already started")

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Runner executes a grounded run.
type Runner interface {
	Run(ctx context.Context, req agentrun.Request) (agentrun.Result, error)
}

// Worker processes agent_run jobs.
type Worker struct {
	store  JobStore
	runner Runner
	poll   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner Runner, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Enqueue queues req as a single-attempt job and returns the id the run
// will have. A retry would create a second auditable run, so failed jobs are
// not retried.
func Enqueue(ctx context.Context, store JobStore, req agentrun.Request) (runID, jobID string, err error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	req.Trigger = storage.TriggerQueue
	payload, err := json.Marshal(req)
	if err != nil {
		return "", "", fmt.Errorf("encoding run request: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobAgentRun,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		return "", "", fmt.Errorf("enqueueing run: %w", err)
	}
	return req.RunID, job.ID, nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Start runs the poll loop in the background until Stop is called or ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		w.Run(loopCtx)
	}(w.done)
	return nil
}

// Stop cancels the loop and blocks until the job in flight, if any, has
// been finalized. Callers must stop the worker before closing its store.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("worker stopped")
}

// RunOnce claims and processes a single agent_run job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobAgentRun})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob runs the queued request. A run that ends failed still completes
// the job: its failure is recorded on the run itself.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var req agentrun.Request
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	res, err := w.runner.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("running %s: %w", req.RunID, err)
	}
	w.logger.Info("queued run finished", "job_id", job.ID, "run_id", res.Run.ID, "status", res.Run.Status)
	return nil
}
