package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pipelit/pipelit/dispatch"
	"github.com/pipelit/pipelit/plan"
	"github.com/pipelit/pipelit/state"
	"github.com/pipelit/pipelit/tokens"
	"github.com/pipelit/pipelit/workflow"
)

// Runner drives executions from pending to terminal. It is stateless across
// invocations; all coordination happens through the execution row's status
// CAS, so any number of Runner instances may process the same queues.
type Runner struct {
	store  Store
	states StateStore
	plans  PlanSource
	queue  dispatch.Queue
	bus    Publisher
	gate   Gate
	logger *slog.Logger
}

// NewRunner wires a runner.
func NewRunner(store Store, states StateStore, plans PlanSource, queue dispatch.Queue, bus Publisher, gate Gate, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  store,
		states: states,
		plans:  plans,
		queue:  queue,
		bus:    bus,
		gate:   gate,
		logger: logger,
	}
}

// HandleJob is the dispatch handler for the executions queue.
func (r *Runner) HandleJob(ctx context.Context, jobID string, payload dispatch.Payload) error {
	switch payload.Kind {
	case dispatch.KindRunExecution:
		return r.Run(ctx, payload.ExecutionID)
	case dispatch.KindResumeExecution:
		return r.Resume(ctx, payload.ExecutionID, payload.NodeID, payload.ChildResult)
	case dispatch.KindCancelExecution:
		return r.Cancel(ctx, payload.ExecutionID)
	default:
		r.logger.Error("Dropping job of unknown kind", "job_id", jobID, "kind", payload.Kind)
		return nil
	}
}

// Run executes a pending execution to its terminal status or to a
// sub-workflow interrupt. Repeated calls after completion are no-ops; the
// status CAS makes concurrent calls safe.
func (r *Runner) Run(ctx context.Context, executionID string) error {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			r.logger.Warn("Dropping job for unknown execution", "execution_id", executionID)
			return nil
		}
		return err
	}
	if exec.Status.Terminal() || exec.Status == workflow.ExecutionInterrupted {
		return nil
	}

	if err := r.store.TransitionExecution(ctx, exec.ID,
		[]workflow.ExecutionStatus{workflow.ExecutionPending}, workflow.ExecutionRunning); err != nil {
		if errors.Is(err, workflow.ErrConflict) {
			// Another worker owns it, or it already moved on.
			return nil
		}
		return err
	}
	exec.Status = workflow.ExecutionRunning

	w, err := r.prepare(ctx, exec)
	if err != nil {
		return r.failExecution(ctx, exec, err)
	}

	r.emitExecution(exec, EventExecutionStarted, map[string]any{
		"trigger_node_id": exec.TriggerNodeID,
	})

	return r.finish(ctx, exec, w, w.walk(ctx, []string{w.plan.TriggerNode}, nil))
}

// Resume re-invokes an interrupted node with its child's result and
// continues the walk from there.
func (r *Runner) Resume(ctx context.Context, executionID, nodeID string, childResult map[string]any) error {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil
		}
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	if err := r.store.TransitionExecution(ctx, exec.ID,
		[]workflow.ExecutionStatus{workflow.ExecutionInterrupted}, workflow.ExecutionRunning); err != nil {
		if errors.Is(err, workflow.ErrConflict) {
			return nil
		}
		return err
	}
	exec.Status = workflow.ExecutionRunning

	cp, err := r.states.LoadCheckpoint(ctx, exec.ID, nodeID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			r.logger.Error("Resumption checkpoint lost", "execution_id", exec.ID, "node_id", nodeID)
			return r.finishTerminal(ctx, exec, workflow.ExecutionFailed,
				"resumption checkpoint expired or missing", workflow.CodeCheckpointLost, nil, nil)
		}
		return err
	}

	w, err := r.newWalker(ctx, exec, cp.State)
	if err != nil {
		return r.failExecution(ctx, exec, err)
	}

	resume := &resumption{nodeID: nodeID, childResult: childResult}
	err = w.walk(ctx, []string{nodeID}, resume)
	// A node that delegates again on resume has already written a fresh
	// checkpoint under the same key; only a walk that moved past the node
	// may discard it.
	if !errors.Is(err, errInterrupted) {
		if derr := r.states.DeleteCheckpoint(ctx, exec.ID, nodeID); derr != nil {
			r.logger.Warn("Failed to delete consumed checkpoint", "execution_id", exec.ID, "error", derr)
		}
	}
	return r.finish(ctx, exec, w, err)
}

// Cancel moves an execution to cancelled and cascades to its non-terminal
// children. The walk observes the status at the next node boundary.
func (r *Runner) Cancel(ctx context.Context, executionID string) error {
	err := r.store.TransitionExecution(ctx, executionID,
		[]workflow.ExecutionStatus{workflow.ExecutionPending, workflow.ExecutionRunning, workflow.ExecutionInterrupted},
		workflow.ExecutionCancelled)
	if err != nil {
		if errors.Is(err, workflow.ErrConflict) {
			return nil // already terminal
		}
		return err
	}

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	r.emitExecution(exec, EventExecutionCancelled, map[string]any{"status": string(workflow.ExecutionCancelled)})

	children, err := r.store.ListNonTerminalChildren(ctx, executionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		jobID := "cancel-" + child.ID
		if err := r.queue.Enqueue(ctx, dispatch.QueueExecutions, jobID, dispatch.Payload{
			Kind:        dispatch.KindCancelExecution,
			ExecutionID: child.ID,
		}); err != nil {
			return fmt.Errorf("enqueue cascade cancel for %s: %w", child.ID, err)
		}
	}
	return nil
}

// Enqueue creates the run job for an execution. The deterministic job id
// makes repeated enqueues of the same execution harmless.
func (r *Runner) Enqueue(ctx context.Context, executionID string) error {
	return r.queue.Enqueue(ctx, dispatch.QueueExecutions, "run-"+executionID, dispatch.Payload{
		Kind:        dispatch.KindRunExecution,
		ExecutionID: executionID,
	})
}

// prepare loads the plan and materializes the initial ephemeral state.
func (r *Runner) prepare(ctx context.Context, exec *workflow.Execution) (*walker, error) {
	st := state.New(exec)

	if exec.ThreadID != "" {
		history, err := r.states.LoadThreadHistory(ctx, exec.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("load thread history: %w", err)
		}
		if len(history) > 0 {
			st.AppendMessages(tokens.Trim(history, tokens.Budget("", 0))...)
		}
	}
	if exec.TriggerData.Text != "" {
		st.AppendMessages(state.NewMessage("user", exec.TriggerData.Text))
	}

	return r.newWalker(ctx, exec, st)
}

func (r *Runner) newWalker(ctx context.Context, exec *workflow.Execution, st *state.ExecutionState) (*walker, error) {
	wf, err := r.store.GetWorkflowBySlug(ctx, exec.WorkflowSlug)
	if err != nil {
		return nil, err
	}
	p, err := r.plans.GetOrBuild(wf, exec.TriggerNodeID)
	if err != nil {
		return nil, err
	}

	epicID := exec.EpicID
	if epicID == "" {
		epicID = wf.EpicID
	}
	return &walker{
		r:      r,
		exec:   exec,
		wf:     wf,
		plan:   p,
		st:     st,
		epicID: epicID,
		done:   make(map[string]bool),
	}, nil
}

// finish maps the walk outcome onto the execution row, settles budget
// spend, persists thread history, notifies a waiting parent, and emits the
// terminal event. An interrupted walk leaves the execution parked.
func (r *Runner) finish(ctx context.Context, exec *workflow.Execution, w *walker, walkErr error) error {
	if walkErr != nil {
		if errors.Is(walkErr, errInterrupted) {
			return nil // parked; the child's terminal path resumes us
		}
		if errors.Is(walkErr, errCancelled) {
			// Cancel already set the status and emitted the event; settle
			// spend, clean up, and let a waiting parent know.
			exec.Status = workflow.ExecutionCancelled
			if err := r.gate.Settle(ctx, w.epicID, exec.TaskID, w.tokensUsed, w.costUSD); err != nil {
				r.logger.Error("Failed to settle budget spend", "execution_id", exec.ID, "error", err)
			}
			if err := r.states.DeleteSnapshot(ctx, exec.ID); err != nil {
				r.logger.Debug("Snapshot cleanup failed", "execution_id", exec.ID, "error", err)
			}
			r.notifyParent(ctx, exec, workflow.ExecutionCancelled, "execution cancelled", workflow.CodeCancelled, nil)
			return nil
		}
		return r.failExecution(ctx, exec, walkErr)
	}

	if w.failErr != "" {
		if w.wf.ErrorHandlerSlug != "" {
			r.spawnErrorHandler(ctx, exec, w)
		}
		return r.finishTerminal(ctx, exec, workflow.ExecutionFailed, w.failErr, w.failCode, w.finalOutput, w)
	}
	return r.finishTerminal(ctx, exec, workflow.ExecutionCompleted, "", "", w.finalOutput, w)
}

// failExecution records an infrastructure or validation failure.
func (r *Runner) failExecution(ctx context.Context, exec *workflow.Execution, cause error) error {
	code := workflow.CodeComponentError
	var verr *plan.ValidationError
	if errors.As(cause, &verr) {
		code = workflow.CodeValidation
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		code = workflow.CodeTimeout
	}
	return r.finishTerminal(ctx, exec, workflow.ExecutionFailed, cause.Error(), code, nil, nil)
}

func (r *Runner) finishTerminal(ctx context.Context, exec *workflow.Execution, status workflow.ExecutionStatus, errMsg, errCode string, finalOutput map[string]any, w *walker) error {
	if err := r.store.FinishExecution(ctx, exec.ID, status, errMsg, errCode, finalOutput); err != nil {
		if errors.Is(err, workflow.ErrConflict) {
			return nil // someone else finished it; terminal side is idempotent
		}
		return err
	}
	exec.Status = status
	exec.Error = errMsg
	exec.ErrorCode = errCode
	return r.afterTerminal(ctx, exec, w, status, errMsg, errCode, finalOutput)
}

// afterTerminal runs the cleanup every terminal path shares.
func (r *Runner) afterTerminal(ctx context.Context, exec *workflow.Execution, w *walker, status workflow.ExecutionStatus, errMsg, errCode string, finalOutput map[string]any) error {
	if w != nil {
		if err := r.gate.Settle(ctx, w.epicID, exec.TaskID, w.tokensUsed, w.costUSD); err != nil {
			r.logger.Error("Failed to settle budget spend", "execution_id", exec.ID, "error", err)
		}
		if exec.ThreadID != "" && status == workflow.ExecutionCompleted {
			if err := r.states.SaveThreadHistory(ctx, exec.ThreadID, w.st.Messages); err != nil {
				r.logger.Warn("Failed to persist thread history", "thread_id", exec.ThreadID, "error", err)
			}
		}
	}
	if err := r.states.DeleteSnapshot(ctx, exec.ID); err != nil {
		r.logger.Debug("Snapshot cleanup failed", "execution_id", exec.ID, "error", err)
	}

	eventType := EventExecutionCompleted
	switch status {
	case workflow.ExecutionFailed:
		eventType = EventExecutionFailed
	case workflow.ExecutionCancelled:
		eventType = EventExecutionCancelled
	}
	data := map[string]any{"status": string(status)}
	if errMsg != "" {
		data["error"] = errMsg
		data["error_code"] = errCode
	}
	if finalOutput != nil {
		data["final_output"] = finalOutput
	}
	r.emitExecution(exec, eventType, data)

	r.notifyParent(ctx, exec, status, errMsg, errCode, finalOutput)
	return nil
}

// notifyParent re-enqueues the parent node when a child reaches terminal
// status. A failed child delivers {error, error_code}; the parent component
// decides what to do with it.
func (r *Runner) notifyParent(ctx context.Context, exec *workflow.Execution, status workflow.ExecutionStatus, errMsg, errCode string, finalOutput map[string]any) {
	if exec.ParentExecutionID == "" || exec.ParentNodeID == "" {
		return
	}

	childResult := finalOutput
	if status != workflow.ExecutionCompleted {
		childResult = map[string]any{
			"error":      errMsg,
			"error_code": errCode,
		}
		if childResult["error"] == "" {
			childResult["error"] = string(status)
		}
	}
	if childResult == nil {
		childResult = map[string]any{}
	}

	jobID := fmt.Sprintf("resume-%s-%s-%s", exec.ParentExecutionID, exec.ParentNodeID, exec.ID)
	if err := r.queue.Enqueue(ctx, dispatch.QueueExecutions, jobID, dispatch.Payload{
		Kind:        dispatch.KindResumeExecution,
		ExecutionID: exec.ParentExecutionID,
		NodeID:      exec.ParentNodeID,
		ChildResult: childResult,
	}); err != nil {
		r.logger.Error("Failed to enqueue parent resume",
			"parent_execution_id", exec.ParentExecutionID, "child_id", exec.ID, "error", err)
	}
}

// spawnErrorHandler fires the workflow's configured error-handler workflow
// with the failure details as trigger payload.
func (r *Runner) spawnErrorHandler(ctx context.Context, exec *workflow.Execution, w *walker) {
	handler, err := r.store.GetWorkflowBySlug(ctx, w.wf.ErrorHandlerSlug)
	if err != nil {
		r.logger.Error("Error-handler workflow not found",
			"slug", w.wf.ErrorHandlerSlug, "execution_id", exec.ID, "error", err)
		return
	}
	triggerNode := findTrigger(handler)
	if triggerNode == "" {
		r.logger.Error("Error-handler workflow has no trigger node", "slug", handler.Slug)
		return
	}

	child := &workflow.Execution{
		ID:            uuid.NewString(),
		WorkflowID:    handler.ID,
		WorkflowSlug:  handler.Slug,
		TriggerNodeID: triggerNode,
		Status:        workflow.ExecutionPending,
		TriggerData: workflow.TriggerPayload{
			Text: fmt.Sprintf("execution %s of %s failed: %s", exec.ID, exec.WorkflowSlug, w.failErr),
			Payload: map[string]any{
				"failed_execution_id": exec.ID,
				"workflow_slug":       exec.WorkflowSlug,
				"failed_node_id":      w.failNode,
				"error":               w.failErr,
				"error_code":          w.failCode,
			},
		},
	}
	if err := r.store.CreateExecution(ctx, child); err != nil {
		r.logger.Error("Failed to create error-handler execution", "slug", handler.Slug, "error", err)
		return
	}
	if err := r.Enqueue(ctx, child.ID); err != nil {
		r.logger.Error("Failed to enqueue error-handler execution", "execution_id", child.ID, "error", err)
	}
}

func findTrigger(wf *workflow.Workflow) string {
	for _, n := range wf.Nodes {
		if n.ComponentType.IsTrigger() {
			return n.NodeID
		}
	}
	return ""
}
