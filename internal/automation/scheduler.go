// Package automation evaluates scheduled automations and triggers grounded
// runs for the ones that are due.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/grounded/internal/notify"
	"github.com/kalambet/grounded/internal/observability"
	"github.com/kalambet/grounded/internal/storage"
)

// ErrAlreadyRunning is returned by Start when the loop is already active.
var ErrAlreadyRunning = errors.New("scheduler already running")

const (
	defaultPollInterval = 30 * time.Second
	recordTimeout       = 10 * time.Second
)

// Store is the persistence the scheduler needs.
type Store interface {
	ListEnabledAutomations(ctx context.Context) ([]storage.Automation, error)
	UpdateAutomationSchedule(ctx context.Context, id string, lastRunAt *time.Time, nextRunAt time.Time) error
	InsertAutomationRun(ctx context.Context, r storage.AutomationRun) error
	FinishAutomationRun(ctx context.Context, id, status, errMsg, createdRunID string, endedAt time.Time) error
}

// Executor performs the work of one automation and returns the id of the run
// it created, if any. The payload is opaque to the scheduler.
type Executor interface {
	Execute(ctx context.Context, a storage.Automation) (createdRunID string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a storage.Automation) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, a storage.Automation) (string, error) {
	return f(ctx, a)
}

// PassSummary counts what one RunOnce pass did.
type PassSummary struct {
	Evaluated int `json:"evaluated"`
	Seeded    int `json:"seeded"`
	Executed  int `json:"executed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Scheduler runs due automations. Passes are mutually exclusive.
type Scheduler struct {
	store    Store
	executor Executor
	sink     notify.Sink
	logger   *slog.Logger
	poll     time.Duration
	clock    func() time.Time

	passMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithNotifier(sink notify.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.clock = now }
}

func NewScheduler(store Store, executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		executor: executor,
		sink:     notify.Discard,
		logger:   slog.Default(),
		poll:     defaultPollInterval,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce evaluates every enabled automation against now. Automations
// without a next run time are seeded and not executed. Due automations run
// in NextRunAt order; a failing automation is recorded on its own run and
// does not stop the others. The returned error is non-nil only if the
// automations could not be listed or ctx was cancelled mid-pass.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (PassSummary, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	now = now.UTC()
	ctx, span := observability.StartSpan(ctx, "automation.pass", attribute.String("now", now.Format(time.RFC3339)))
	var sum PassSummary
	var err error
	defer func() {
		span.SetAttributes(
			attribute.Int("seeded", sum.Seeded),
			attribute.Int("executed", sum.Executed),
			attribute.Int("failed", sum.Failed),
		)
		observability.EndSpan(span, err)
	}()

	all, err := s.store.ListEnabledAutomations(ctx)
	if err != nil {
		err = fmt.Errorf("listing automations: %w", err)
		return sum, err
	}

	var due []storage.Automation
	for _, a := range all {
		if !a.IsEnabled {
			continue
		}
		sum.Evaluated++
		if a.NextRunAt == nil {
			next := s.nextRun(a, now)
			if uerr := s.store.UpdateAutomationSchedule(ctx, a.ID, nil, next); uerr != nil {
				s.logger.Error("seeding automation", "automation_id", a.ID, "error", uerr)
				continue
			}
			sum.Seeded++
			s.logger.Debug("automation seeded", "automation_id", a.ID, "next_run_at", next)
			continue
		}
		if !a.NextRunAt.After(now) {
			due = append(due, a)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].NextRunAt.Before(*due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})

	for _, a := range due {
		if err = ctx.Err(); err != nil {
			return sum, err
		}
		sum.Executed++
		if s.runOne(ctx, a, now) {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}
	return sum, nil
}

// runOne executes a due automation and records the outcome. It reports
// whether the execution succeeded.
func (s *Scheduler) runOne(ctx context.Context, a storage.Automation, now time.Time) bool {
	logger := s.logger.With("automation_id", a.ID)
	ctx, span := observability.StartSpan(ctx, "automation.run", attribute.String("automation_id", a.ID))

	ar := storage.AutomationRun{
		ID:           ulid.Make().String(),
		AutomationID: a.ID,
		StartedAt:    now,
		Status:       storage.RunStatusRunning,
	}
	recorded := true
	if err := s.store.InsertAutomationRun(ctx, ar); err != nil {
		logger.Error("recording automation run", "error", err)
		recorded = false
	}

	var runID string
	var execErr error
	if recorded {
		runID, execErr = s.execute(ctx, a)
	} else {
		execErr = errors.New("automation run could not be recorded")
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	status, msg := storage.RunStatusSuccess, ""
	if execErr != nil {
		status, msg = storage.RunStatusFailed, execErr.Error()
		logger.Warn("automation failed", "error", execErr)
	}
	endedAt := s.clock()
	if recorded {
		if err := s.store.FinishAutomationRun(rctx, ar.ID, status, msg, runID, endedAt); err != nil {
			logger.Error("finishing automation run", "error", err)
		}
	}

	next := s.nextRun(a, now)
	last := now
	if err := s.store.UpdateAutomationSchedule(rctx, a.ID, &last, next); err != nil {
		logger.Error("advancing automation schedule", "error", err)
	}

	s.sink.Notify(rctx, notify.Event{
		Type:         notify.AutomationCompleted,
		WorkspaceID:  a.WorkspaceID,
		AutomationID: a.ID,
		RunID:        runID,
		Status:       status,
		Error:        msg,
		At:           endedAt,
	})
	logger.Info("automation finished", "status", status, "run_id", runID, "next_run_at", next)
	observability.EndSpan(span, execErr)
	return execErr == nil
}

// execute calls the executor, converting a panic into an error.
func (s *Scheduler) execute(ctx context.Context, a storage.Automation) (runID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.executor.Execute(ctx, a)
}

// nextRun computes the next run time; broken schedules are pushed back.
func (s *Scheduler) nextRun(a storage.Automation, now time.Time) time.Time {
	next, err := NextRun(a, now)
	if err != nil {
		s.logger.Warn("invalid automation schedule", "automation_id", a.ID, "error", err)
		return now.Add(invalidBackoff)
	}
	return next
}

// Start runs a pass immediately and then on every poll tick until Stop is
// called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler started", "poll_interval", s.poll)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.poll)
	defer t.Stop()

	for {
		if _, err := s.RunOnce(ctx, s.clock()); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Stop cancels the loop and waits for the current pass to finish. It is a
// no-op when the loop is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}
