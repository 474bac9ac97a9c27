package workflow

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ScheduleStatus is the lifecycle state of a recurring job.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
	ScheduleDone   ScheduleStatus = "done"
	ScheduleDead   ScheduleStatus = "dead"
)

// ScheduledJob is a recurring workflow firing. The scheduler is
// self-rescheduling: every dispatcher run computes and enqueues its own
// successor, so no external cron is involved.
type ScheduledJob struct {
	bun.BaseModel `bun:"table:scheduled_jobs"`

	ID            string `bun:"id,pk" json:"id"`
	WorkflowID    string `bun:"workflow_id,notnull" json:"workflow_id"`
	WorkflowSlug  string `bun:"workflow_slug,notnull" json:"workflow_slug"`
	TriggerNodeID string `bun:"trigger_node_id,notnull" json:"trigger_node_id"`
	// IntervalSeconds is the base period between successful runs. Minimum 1.
	IntervalSeconds int `bun:"interval_seconds,notnull" json:"interval_seconds"`
	// TotalRepeats caps the number of successful runs; 0 means unlimited.
	TotalRepeats   int             `bun:"total_repeats" json:"total_repeats"`
	MaxRetries     int             `bun:"max_retries" json:"max_retries"`
	TimeoutSeconds int             `bun:"timeout_seconds" json:"timeout_seconds"`
	TriggerData    *TriggerPayload `bun:"trigger_payload,type:jsonb" json:"trigger_payload,omitempty"`
	Status         ScheduleStatus  `bun:"status,notnull" json:"status"`
	CurrentRepeat  int             `bun:"current_repeat" json:"current_repeat"`
	CurrentRetry   int             `bun:"current_retry" json:"current_retry"`
	LastRunAt      *time.Time      `bun:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `bun:"next_run_at" json:"next_run_at,omitempty"`
	RunCount       int64           `bun:"run_count" json:"run_count"`
	ErrorCount     int64           `bun:"error_count" json:"error_count"`
	LastError      string          `bun:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// Validate checks the schedule parameters.
func (j *ScheduledJob) Validate() error {
	if j.WorkflowSlug == "" {
		return fmt.Errorf("schedule %s: workflow_slug is required", j.ID)
	}
	if j.TriggerNodeID == "" {
		return fmt.Errorf("schedule %s: trigger_node_id is required", j.ID)
	}
	if j.IntervalSeconds < 1 {
		return fmt.Errorf("schedule %s: interval_seconds must be >= 1, got %d", j.ID, j.IntervalSeconds)
	}
	if j.TotalRepeats < 0 {
		return fmt.Errorf("schedule %s: total_repeats cannot be negative", j.ID)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("schedule %s: max_retries cannot be negative", j.ID)
	}
	return nil
}

// DispatchID returns the deterministic dispatcher job id for the schedule's
// current (repeat, retry) position. Re-enqueues after a crash produce the
// same id, which the queue deduplicates.
func (j *ScheduledJob) DispatchID() string {
	return fmt.Sprintf("sched-%s-n%d-rc%d", j.ID, j.CurrentRepeat, j.CurrentRetry)
}

// Interval returns the base interval as a duration.
func (j *ScheduledJob) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

// RetryDelay returns the capped exponential backoff delay for the current
// retry count: min(interval * 2^retry, 10 * interval).
func (j *ScheduledJob) RetryDelay() time.Duration {
	delay := j.Interval()
	for i := 0; i < j.CurrentRetry; i++ {
		delay *= 2
		if delay >= 10*j.Interval() {
			return 10 * j.Interval()
		}
	}
	if max := 10 * j.Interval(); delay > max {
		return max
	}
	return delay
}
