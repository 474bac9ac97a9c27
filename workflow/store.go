package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Store persists workflow entities in Postgres through bun.
//
// Status transitions on executions and schedules are compare-and-set: the
// UPDATE carries the expected prior status in its WHERE clause and the caller
// learns from the affected row count whether it won. This is what serializes
// worker ownership of an execution.
type Store struct {
	db *bun.DB
}

// NewStore creates a store on an initialized bun DB handle.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for schema setup.
func (s *Store) DB() *bun.DB { return s.db }

// ResetModel creates the backing tables if they do not exist. Called once at
// startup; real deployments run migrations out of band.
func (s *Store) ResetModel(ctx context.Context) error {
	models := []any{
		(*Workflow)(nil), (*Node)(nil), (*Edge)(nil),
		(*Execution)(nil), (*ExecutionLog)(nil),
		(*ScheduledJob)(nil), (*Epic)(nil), (*Task)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

// GetWorkflowBySlug loads a workflow with its full graph.
func (s *Store) GetWorkflowBySlug(ctx context.Context, slug string) (*Workflow, error) {
	wf := new(Workflow)
	err := s.db.NewSelect().Model(wf).
		Relation("Nodes").
		Relation("Edges").
		Where("slug = ?", slug).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %q: %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("load workflow %q: %w", slug, err)
	}
	return wf, nil
}

// GetWorkflowByID loads a workflow with its full graph by primary key.
func (s *Store) GetWorkflowByID(ctx context.Context, id string) (*Workflow, error) {
	wf := new(Workflow)
	err := s.db.NewSelect().Model(wf).
		Relation("Nodes").
		Relation("Edges").
		Where("w.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	return wf, nil
}

// CreateWorkflow inserts a workflow together with its nodes and edges.
func (s *Store) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(wf).Exec(ctx); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		if len(wf.Nodes) > 0 {
			if _, err := tx.NewInsert().Model(&wf.Nodes).Exec(ctx); err != nil {
				return fmt.Errorf("insert nodes: %w", err)
			}
		}
		if len(wf.Edges) > 0 {
			if _, err := tx.NewInsert().Model(&wf.Edges).Exec(ctx); err != nil {
				return fmt.Errorf("insert edges: %w", err)
			}
		}
		return nil
	})
}

// DeleteWorkflow soft-deletes a workflow, removes its graph, and marks its
// schedules dead. The workflow exclusively owns nodes and edges; schedules
// only weakly reference it.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Workflow)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		if _, err := tx.NewDelete().Model((*Node)(nil)).Where("workflow_id = ?", id).ForceDelete().Exec(ctx); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
		if _, err := tx.NewDelete().Model((*Edge)(nil)).Where("workflow_id = ?", id).ForceDelete().Exec(ctx); err != nil {
			return fmt.Errorf("delete edges: %w", err)
		}
		if _, err := tx.NewUpdate().Model((*ScheduledJob)(nil)).
			Set("status = ?", ScheduleDead).
			Set("updated_at = ?", time.Now()).
			Where("workflow_id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("mark schedules dead: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

// CreateExecution inserts a new execution row in pending state.
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.Status == "" {
		exec.Status = ExecutionPending
	}
	if _, err := s.db.NewInsert().Model(exec).Exec(ctx); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec := new(Execution)
	err := s.db.NewSelect().Model(exec).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return exec, nil
}

// TransitionExecution moves an execution from one of the expected statuses to
// the target status. Returns ErrConflict when another worker got there first.
func (s *Store) TransitionExecution(ctx context.Context, id string, from []ExecutionStatus, to ExecutionStatus) error {
	q := s.db.NewUpdate().Model((*Execution)(nil)).
		Set("status = ?", to).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(from))

	now := time.Now()
	switch to {
	case ExecutionRunning:
		q = q.Set("started_at = COALESCE(started_at, ?)", now)
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		q = q.Set("completed_at = ?", now)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("transition execution %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition execution %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s not in %v: %w", id, from, ErrConflict)
	}
	return nil
}

// FinishExecution records a terminal status together with error details and
// final output. CAS-guarded: a second finisher is a no-op conflict.
func (s *Store) FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg, errCode string, finalOutput map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("finish execution %s: %s is not terminal", id, status)
	}
	res, err := s.db.NewUpdate().Model((*Execution)(nil)).
		Set("status = ?", status).
		Set("error = ?", errMsg).
		Set("error_code = ?", errCode).
		Set("final_output = ?", finalOutput).
		Set("completed_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In([]ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionInterrupted})).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s already terminal: %w", id, ErrConflict)
	}
	return nil
}

// AddExecutionUsage accumulates token and cost counters on the execution row.
func (s *Store) AddExecutionUsage(ctx context.Context, id string, tokens int64, usd float64) error {
	_, err := s.db.NewUpdate().Model((*Execution)(nil)).
		Set("tokens_used = tokens_used + ?", tokens).
		Set("cost_usd = cost_usd + ?", usd).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add usage to execution %s: %w", id, err)
	}
	return nil
}

// ListNonTerminalChildren returns children of an execution that have not
// reached a terminal status. Used for transitive cancellation.
func (s *Store) ListNonTerminalChildren(ctx context.Context, parentID string) ([]*Execution, error) {
	var children []*Execution
	err := s.db.NewSelect().Model(&children).
		Where("parent_execution_id = ?", parentID).
		Where("status NOT IN (?)", bun.In([]ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled})).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	return children, nil
}

// AppendLog writes one execution log row. Logs are append-only.
func (s *Store) AppendLog(ctx context.Context, log *ExecutionLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	if _, err := s.db.NewInsert().Model(log).Exec(ctx); err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// ListLogs returns the log rows of an execution in append order.
func (s *Store) ListLogs(ctx context.Context, executionID string) ([]*ExecutionLog, error) {
	var logs []*ExecutionLog
	err := s.db.NewSelect().Model(&logs).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", executionID, err)
	}
	return logs, nil
}

// ---------------------------------------------------------------------------
// Scheduled jobs
// ---------------------------------------------------------------------------

// CreateSchedule inserts a scheduled job.
func (s *Store) CreateSchedule(ctx context.Context, job *ScheduledJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Status == "" {
		job.Status = ScheduleActive
	}
	if _, err := s.db.NewInsert().Model(job).Exec(ctx); err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule loads a scheduled job by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduledJob, error) {
	job := new(ScheduledJob)
	err := s.db.NewSelect().Model(job).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load schedule %s: %w", id, err)
	}
	return job, nil
}

// UpdateSchedule persists counters and timing fields after a dispatcher run.
func (s *Store) UpdateSchedule(ctx context.Context, job *ScheduledJob) error {
	job.UpdatedAt = time.Now()
	if _, err := s.db.NewUpdate().Model(job).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update schedule %s: %w", job.ID, err)
	}
	return nil
}

// TransitionSchedule moves a job between lifecycle states with a CAS guard.
func (s *Store) TransitionSchedule(ctx context.Context, id string, from, to ScheduleStatus) error {
	res, err := s.db.NewUpdate().Model((*ScheduledJob)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("transition schedule %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition schedule %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s not in %s: %w", id, from, ErrConflict)
	}
	return nil
}

// DeleteSchedule removes a scheduled job entirely.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.db.NewDelete().Model((*ScheduledJob)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

// ListActiveSchedules returns all active jobs, used by crash recovery at
// startup.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*ScheduledJob, error) {
	var jobs []*ScheduledJob
	err := s.db.NewSelect().Model(&jobs).
		Where("status = ?", ScheduleActive).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active schedules: %w", err)
	}
	return jobs, nil
}

// ---------------------------------------------------------------------------
// Epics and tasks
// ---------------------------------------------------------------------------

// GetEpic loads an epic by id.
func (s *Store) GetEpic(ctx context.Context, id string) (*Epic, error) {
	epic := new(Epic)
	err := s.db.NewSelect().Model(epic).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("epic %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load epic %s: %w", id, err)
	}
	return epic, nil
}

// ApplySpend rolls actual spend from an execution into the linked task and up
// into the epic. The epic row is locked for the duration so the invariant
// spent_* = sum(task actual_*) holds under concurrent writers.
func (s *Store) ApplySpend(ctx context.Context, epicID, taskID string, tokens int64, usd float64) error {
	if tokens == 0 && usd == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		epic := new(Epic)
		if err := tx.NewSelect().Model(epic).Where("id = ?", epicID).For("UPDATE").Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("epic %s: %w", epicID, ErrNotFound)
			}
			return fmt.Errorf("lock epic %s: %w", epicID, err)
		}

		if taskID != "" {
			if _, err := tx.NewUpdate().Model((*Task)(nil)).
				Set("actual_tokens = actual_tokens + ?", tokens).
				Set("actual_usd = actual_usd + ?", usd).
				Set("updated_at = ?", time.Now()).
				Where("id = ?", taskID).
				Exec(ctx); err != nil {
				return fmt.Errorf("update task %s spend: %w", taskID, err)
			}
		}

		if _, err := tx.NewUpdate().Model((*Epic)(nil)).
			Set("spent_tokens = spent_tokens + ?", tokens).
			Set("spent_usd = spent_usd + ?", usd).
			Set("updated_at = ?", time.Now()).
			Where("id = ?", epicID).
			Exec(ctx); err != nil {
			return fmt.Errorf("update epic %s spend: %w", epicID, err)
		}
		return nil
	})
}
