// Package dispatch is the job dispatcher port: idempotent enqueue of work
// items onto named queues with at-least-once delivery. The JetStream
// implementation backs production; the in-memory one backs tests.
package dispatch

import (
	"context"
	"time"
)

// Well-known queue names.
const (
	QueueExecutions = "executions"
	QueueScheduler  = "scheduler"
)

// Job kinds carried in the payload.
const (
	KindRunExecution    = "run_execution"
	KindResumeExecution = "resume_execution"
	KindCancelExecution = "cancel_execution"
	KindScheduleFire    = "schedule_fire"
)

// Payload is the unit of queued work. JobID is the idempotency key: two
// enqueues with the same id within the dedup window deliver once.
type Payload struct {
	Kind        string `json:"kind"`
	ExecutionID string `json:"execution_id,omitempty"`

	// Resume fields: re-invoke the parent node with the child's result.
	NodeID      string         `json:"node_id,omitempty"`
	ChildResult map[string]any `json:"child_result,omitempty"`

	// Scheduler fields. Repeat and retry pin the job to the schedule step it
	// was enqueued for; a row that has moved on makes the job stale.
	ScheduleID     string `json:"schedule_id,omitempty"`
	ScheduleRepeat int    `json:"schedule_repeat,omitempty"`
	ScheduleRetry  int    `json:"schedule_retry,omitempty"`
}

// Handler processes one dequeued job. Returning an error nacks the job for
// redelivery; handlers must therefore be idempotent.
type Handler func(ctx context.Context, jobID string, payload Payload) error

// Queue is the dispatcher port the engine programs against.
type Queue interface {
	// Enqueue adds a job for immediate delivery. Idempotent on jobID.
	Enqueue(ctx context.Context, queue, jobID string, payload Payload) error

	// EnqueueIn adds a job delivered no earlier than delay from now.
	// Idempotent on jobID.
	EnqueueIn(ctx context.Context, queue, jobID string, payload Payload, delay time.Duration) error

	// Consume delivers jobs of a queue to the handler until ctx ends.
	// Delivery is at-least-once, FIFO per queue.
	Consume(ctx context.Context, queue string, handler Handler) error
}
