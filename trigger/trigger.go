// Package trigger is the execution entry surface: it turns external requests
// (HTTP handlers, schedules) into pending executions and queue jobs, without
// exposing the orchestrator internals.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pipelit/pipelit/workflow"
)

// Store is the persistence surface the trigger service needs.
type Store interface {
	GetWorkflowBySlug(ctx context.Context, slug string) (*workflow.Workflow, error)
	CreateExecution(ctx context.Context, exec *workflow.Execution) error
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
}

// Engine starts and stops executions. *orchestrator.Runner satisfies it.
type Engine interface {
	Enqueue(ctx context.Context, executionID string) error
	Cancel(ctx context.Context, executionID string) error
}

// Schedules is the recurring-job surface. *scheduler.Scheduler satisfies it.
type Schedules interface {
	Create(ctx context.Context, job *workflow.ScheduledJob) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Options carries the optional parameters of an execution request.
type Options struct {
	// TriggerNodeID selects the entry node; empty picks the workflow's first
	// trigger node.
	TriggerNodeID string
	Payload       workflow.TriggerPayload
	// ThreadID links the execution into a persistent conversation.
	ThreadID string
	// EpicID and TaskID override the workflow's budget linkage.
	EpicID string
	TaskID string
}

// Service exposes the execution trigger surface.
type Service struct {
	store     Store
	engine    Engine
	schedules Schedules
	logger    *slog.Logger
}

// New wires a trigger service. Attach the schedule surface with
// AttachSchedules once the scheduler exists; scheduler construction needs
// this service as its launcher.
func New(store Store, engine Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, engine: engine, logger: logger}
}

// AttachSchedules installs the schedule surface.
func (s *Service) AttachSchedules(schedules Schedules) {
	s.schedules = schedules
}

// EnqueueExecution creates a pending execution and its run job, returning the
// execution id immediately.
func (s *Service) EnqueueExecution(ctx context.Context, workflowSlug string, opts Options) (string, error) {
	wf, err := s.store.GetWorkflowBySlug(ctx, workflowSlug)
	if err != nil {
		return "", err
	}
	triggerNode, err := resolveTriggerNode(wf, opts.TriggerNodeID)
	if err != nil {
		return "", err
	}

	epicID := opts.EpicID
	if epicID == "" {
		epicID = wf.EpicID
	}
	exec := &workflow.Execution{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		WorkflowSlug:  wf.Slug,
		TriggerNodeID: triggerNode,
		Status:        workflow.ExecutionPending,
		ThreadID:      opts.ThreadID,
		EpicID:        epicID,
		TaskID:        opts.TaskID,
		TriggerData:   opts.Payload,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	if err := s.engine.Enqueue(ctx, exec.ID); err != nil {
		return "", fmt.Errorf("enqueue execution: %w", err)
	}

	s.logger.Info("Execution enqueued",
		"execution_id", exec.ID, "workflow_slug", wf.Slug, "trigger_node_id", triggerNode)
	return exec.ID, nil
}

// CancelExecution requests cancellation of a running execution and its
// children.
func (s *Service) CancelExecution(ctx context.Context, executionID string) error {
	return s.engine.Cancel(ctx, executionID)
}

// ExecutionStatus reports the current lifecycle status of an execution.
func (s *Service) ExecutionStatus(ctx context.Context, executionID string) (workflow.ExecutionStatus, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return exec.Status, nil
}

// LaunchScheduled fires a schedule's workflow. Implements the scheduler's
// launcher port.
func (s *Service) LaunchScheduled(ctx context.Context, job *workflow.ScheduledJob) (string, error) {
	opts := Options{TriggerNodeID: job.TriggerNodeID}
	if job.TriggerData != nil {
		opts.Payload = *job.TriggerData
	}
	return s.EnqueueExecution(ctx, job.WorkflowSlug, opts)
}

// ErrSchedulesDisabled is returned from schedule operations when no
// scheduler is attached.
var ErrSchedulesDisabled = errors.New("scheduler is not enabled")

// CreateSchedule validates the target workflow and registers the schedule.
func (s *Service) CreateSchedule(ctx context.Context, job *workflow.ScheduledJob) error {
	if s.schedules == nil {
		return ErrSchedulesDisabled
	}
	wf, err := s.store.GetWorkflowBySlug(ctx, job.WorkflowSlug)
	if err != nil {
		return err
	}
	triggerNode, err := resolveTriggerNode(wf, job.TriggerNodeID)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.WorkflowID = wf.ID
	job.TriggerNodeID = triggerNode
	return s.schedules.Create(ctx, job)
}

// PauseSchedule stops future runs of a schedule.
func (s *Service) PauseSchedule(ctx context.Context, id string) error {
	if s.schedules == nil {
		return ErrSchedulesDisabled
	}
	return s.schedules.Pause(ctx, id)
}

// ResumeSchedule reactivates a paused schedule.
func (s *Service) ResumeSchedule(ctx context.Context, id string) error {
	if s.schedules == nil {
		return ErrSchedulesDisabled
	}
	return s.schedules.Resume(ctx, id)
}

// DeleteSchedule removes a schedule.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if s.schedules == nil {
		return ErrSchedulesDisabled
	}
	return s.schedules.Delete(ctx, id)
}

// resolveTriggerNode picks and validates the entry node.
func resolveTriggerNode(wf *workflow.Workflow, nodeID string) (string, error) {
	if nodeID == "" {
		for _, n := range wf.Nodes {
			if n.ComponentType.IsTrigger() {
				return n.NodeID, nil
			}
		}
		return "", fmt.Errorf("workflow %q has no trigger node", wf.Slug)
	}
	for _, n := range wf.Nodes {
		if n.NodeID != nodeID {
			continue
		}
		if !n.ComponentType.IsTrigger() {
			return "", fmt.Errorf("node %q of workflow %q is %s, not a trigger", nodeID, wf.Slug, n.ComponentType)
		}
		return nodeID, nil
	}
	return "", fmt.Errorf("workflow %q has no node %q", wf.Slug, nodeID)
}
