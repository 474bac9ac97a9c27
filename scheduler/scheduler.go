// Package scheduler maintains recurring workflow firings without an external
// cron. The dispatcher job is the state machine step: every run fires the
// workflow, records the outcome, and enqueues its own successor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipelit/pipelit/dispatch"
	"github.com/pipelit/pipelit/workflow"
)

const (
	// DefaultTimeout bounds a firing when the schedule does not set one.
	DefaultTimeout = 10 * time.Minute

	// pollInterval is how often an in-flight firing is checked for a
	// terminal status.
	defaultPollInterval = 500 * time.Millisecond
)

// Store is the schedule persistence surface. *workflow.Store satisfies it.
type Store interface {
	CreateSchedule(ctx context.Context, job *workflow.ScheduledJob) error
	GetSchedule(ctx context.Context, id string) (*workflow.ScheduledJob, error)
	UpdateSchedule(ctx context.Context, job *workflow.ScheduledJob) error
	TransitionSchedule(ctx context.Context, id string, from, to workflow.ScheduleStatus) error
	DeleteSchedule(ctx context.Context, id string) error
	ListActiveSchedules(ctx context.Context) ([]*workflow.ScheduledJob, error)
}

// Launcher starts executions on behalf of schedules and reports their status.
// The trigger surface implements it.
type Launcher interface {
	LaunchScheduled(ctx context.Context, job *workflow.ScheduledJob) (executionID string, err error)
	ExecutionStatus(ctx context.Context, executionID string) (workflow.ExecutionStatus, error)
}

// Scheduler drives ScheduledJobs through their lifecycle. Stateless across
// runs; any worker may process any dispatcher job.
type Scheduler struct {
	store    Store
	queue    dispatch.Queue
	launcher Launcher
	logger   *slog.Logger

	poll       time.Duration
	runTimeout time.Duration
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides how often in-flight firings are polled.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// WithRunTimeout overrides the firing timeout for schedules that set none.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

// New wires a scheduler.
func New(store Store, queue dispatch.Queue, launcher Launcher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:      store,
		queue:      queue,
		launcher:   launcher,
		logger:     logger,
		poll:       defaultPollInterval,
		runTimeout: DefaultTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and persists a schedule, activates it, and enqueues the
// first dispatcher run one interval out.
func (s *Scheduler) Create(ctx context.Context, job *workflow.ScheduledJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	job.Status = workflow.ScheduleActive
	next := s.now().Add(job.Interval())
	job.NextRunAt = &next
	if err := s.store.CreateSchedule(ctx, job); err != nil {
		return err
	}
	return s.enqueue(ctx, job)
}

// Pause stops future runs. An in-flight dispatcher is not cancelled; it
// observes the paused status and exits without rescheduling.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.store.TransitionSchedule(ctx, id, workflow.ScheduleActive, workflow.SchedulePaused)
}

// Resume reactivates a paused schedule and fires it immediately.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	if err := s.store.TransitionSchedule(ctx, id, workflow.SchedulePaused, workflow.ScheduleActive); err != nil {
		return err
	}
	job, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	job.NextRunAt = &now
	if err := s.store.UpdateSchedule(ctx, job); err != nil {
		return err
	}
	return s.enqueue(ctx, job)
}

// Delete removes a schedule. Any queued dispatcher run finds the row gone and
// drops out.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// Recover re-enqueues dispatcher jobs for every active schedule after a
// process restart. Overdue jobs fire immediately; future ones keep their
// remaining delay. Deterministic job ids make double enqueues harmless.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}
	for _, job := range jobs {
		if err := s.enqueue(ctx, job); err != nil {
			return err
		}
		s.logger.Info("Recovered schedule", "schedule_id", job.ID, "next_run_at", job.NextRunAt)
	}
	return nil
}

// Consume processes the scheduler queue until the context ends.
func (s *Scheduler) Consume(ctx context.Context) error {
	return s.queue.Consume(ctx, dispatch.QueueScheduler, s.HandleJob)
}

// HandleJob is the dispatch handler for scheduler queue jobs.
func (s *Scheduler) HandleJob(ctx context.Context, jobID string, payload dispatch.Payload) error {
	if payload.Kind != dispatch.KindScheduleFire {
		s.logger.Error("Dropping job of unknown kind", "job_id", jobID, "kind", payload.Kind)
		return nil
	}
	return s.run(ctx, payload)
}

// run is one dispatcher step: fire, wait, record, reschedule.
func (s *Scheduler) run(ctx context.Context, p dispatch.Payload) error {
	job, err := s.store.GetSchedule(ctx, p.ScheduleID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil // deleted since enqueue
		}
		return err
	}
	if job.Status != workflow.ScheduleActive {
		return nil
	}
	// A redelivered or recovered job for a step the row already finished
	// would double-fire; the counters say which step the job belongs to.
	if job.CurrentRepeat != p.ScheduleRepeat || job.CurrentRetry != p.ScheduleRetry {
		s.logger.Info("Dropping stale scheduler job",
			"schedule_id", job.ID, "job_repeat", p.ScheduleRepeat, "job_retry", p.ScheduleRetry,
			"current_repeat", job.CurrentRepeat, "current_retry", job.CurrentRetry)
		return nil
	}

	execID, err := s.launcher.LaunchScheduled(ctx, job)
	if err != nil {
		return s.recordFailure(ctx, job, err)
	}
	status, err := s.await(ctx, execID, job)
	if err != nil {
		return s.recordFailure(ctx, job, err)
	}
	if status != workflow.ExecutionCompleted {
		return s.recordFailure(ctx, job, fmt.Errorf("execution %s finished %s", execID, status))
	}
	return s.recordSuccess(ctx, job)
}

// await polls the launched execution until it is terminal or the schedule's
// timeout elapses.
func (s *Scheduler) await(ctx context.Context, executionID string, job *workflow.ScheduledJob) (workflow.ExecutionStatus, error) {
	timeout := s.runTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		status, err := s.launcher.ExecutionStatus(ctx, executionID)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("execution %s timed out after %s", executionID, timeout)
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) recordSuccess(ctx context.Context, job *workflow.ScheduledJob) error {
	now := s.now()
	job.RunCount++
	job.CurrentRepeat++
	job.CurrentRetry = 0
	job.LastRunAt = &now
	job.LastError = ""

	if job.TotalRepeats > 0 && job.CurrentRepeat >= job.TotalRepeats {
		if err := s.store.UpdateSchedule(ctx, job); err != nil {
			return err
		}
		return s.store.TransitionSchedule(ctx, job.ID, workflow.ScheduleActive, workflow.ScheduleDone)
	}

	next := now.Add(job.Interval())
	job.NextRunAt = &next
	if err := s.store.UpdateSchedule(ctx, job); err != nil {
		return err
	}
	return s.enqueue(ctx, job)
}

func (s *Scheduler) recordFailure(ctx context.Context, job *workflow.ScheduledJob, cause error) error {
	s.logger.Warn("Scheduled run failed",
		"schedule_id", job.ID, "workflow_slug", job.WorkflowSlug,
		"retry", job.CurrentRetry, "error", cause)

	job.ErrorCount++
	job.CurrentRetry++
	job.LastError = cause.Error()

	if job.CurrentRetry >= job.MaxRetries {
		if err := s.store.UpdateSchedule(ctx, job); err != nil {
			return err
		}
		return s.store.TransitionSchedule(ctx, job.ID, workflow.ScheduleActive, workflow.ScheduleDead)
	}

	next := s.now().Add(job.RetryDelay())
	job.NextRunAt = &next
	if err := s.store.UpdateSchedule(ctx, job); err != nil {
		return err
	}
	return s.enqueue(ctx, job)
}

// enqueue schedules the dispatcher job for the schedule's current (repeat,
// retry) position at its next_run_at.
func (s *Scheduler) enqueue(ctx context.Context, job *workflow.ScheduledJob) error {
	var delay time.Duration
	if job.NextRunAt != nil {
		if d := job.NextRunAt.Sub(s.now()); d > 0 {
			delay = d
		}
	}
	payload := dispatch.Payload{
		Kind:           dispatch.KindScheduleFire,
		ScheduleID:     job.ID,
		ScheduleRepeat: job.CurrentRepeat,
		ScheduleRetry:  job.CurrentRetry,
	}
	if delay == 0 {
		return s.queue.Enqueue(ctx, dispatch.QueueScheduler, job.DispatchID(), payload)
	}
	return s.queue.EnqueueIn(ctx, dispatch.QueueScheduler, job.DispatchID(), payload, delay)
}
