package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipelit/pipelit/budget"
	"github.com/pipelit/pipelit/expression"
	"github.com/pipelit/pipelit/nodes"
	"github.com/pipelit/pipelit/plan"
	"github.com/pipelit/pipelit/state"
	"github.com/pipelit/pipelit/tokens"
	"github.com/pipelit/pipelit/workflow"
)

// Sentinel outcomes of a walk.
var (
	errInterrupted = errors.New("execution interrupted for sub-workflow")
	errCancelled   = errors.New("execution cancelled")
)

// resumption carries the child result injected into a re-invoked node.
type resumption struct {
	nodeID      string
	childResult map[string]any
}

// walker performs one orchestrator invocation: a deterministic walk over the
// plan, single-threaded within the execution.
type walker struct {
	r    *Runner
	exec *workflow.Execution
	wf   *workflow.Workflow
	plan *plan.Plan
	st   *state.ExecutionState

	epicID string

	// done dedupes diamond fan-in; loop re-entry clears body entries.
	done map[string]bool

	// skipCode, once set, turns the rest of the walk into skip marking.
	skipCode string

	// First failure wins; downstream nodes are skipped, not failed.
	failNode string
	failErr  string
	failCode string

	budgetSkipped bool
	ranCount      int

	finalOutput map[string]any
	tokensUsed  int64
	costUSD     float64
}

// walk processes nodes breadth-first from the start set. It returns
// errInterrupted when a sub-workflow parks the execution, errCancelled when
// a cancel request was observed at a node boundary, and a plain error only
// for infrastructure failures.
func (w *walker) walk(ctx context.Context, start []string, resume *resumption) error {
	queue := append([]string(nil), start...)
	queued := make(map[string]bool, len(start))
	for _, n := range start {
		queued[n] = true
	}

	// Hard ceiling against unbounded loop graphs; the loop component's own
	// max_iterations should always end things long before this.
	maxSteps := (len(w.plan.Nodes) + 1) * 1000

	steps := 0
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		queued[nodeID] = false

		if steps++; steps > maxSteps {
			return fmt.Errorf("walk exceeded %d steps, aborting runaway loop", maxSteps)
		}
		if w.done[nodeID] {
			continue
		}

		cancelled, err := w.checkCancelled(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			return errCancelled
		}

		spec, ok := w.plan.Nodes[nodeID]
		if !ok {
			continue
		}

		var next []string
		if w.skipCode != "" {
			next, err = w.skipNode(ctx, spec)
		} else {
			next, err = w.runNode(ctx, spec, resume)
		}
		if err != nil {
			return err
		}
		resume = nil // only the first node of a resume walk gets the child result

		w.done[nodeID] = true
		for _, n := range next {
			if !queued[n] && !w.done[n] {
				queue = append(queue, n)
				queued[n] = true
			}
		}
	}

	if w.budgetSkipped && w.ranCount == 0 && w.failErr == "" {
		w.failErr = "budget exhausted before any node ran"
		w.failCode = workflow.CodeBudgetExceeded
	}
	return nil
}

// checkCancelled observes the execution row at a node boundary.
func (w *walker) checkCancelled(ctx context.Context) (bool, error) {
	exec, err := w.r.store.GetExecution(ctx, w.exec.ID)
	if err != nil {
		return false, err
	}
	return exec.Status == workflow.ExecutionCancelled, nil
}

// runNode executes one node end to end: budget gate, expression resolution,
// component call, output convention, persistence, events.
func (w *walker) runNode(ctx context.Context, spec *plan.NodeSpec, resume *resumption) ([]string, error) {
	nodeID := spec.NodeID

	env := w.st.ExpressionContext()
	cfg := nodes.ResolvedConfig{
		NodeID:          nodeID,
		ComponentType:   spec.ComponentType,
		SystemPrompt:    expression.Resolve(spec.Config.SystemPrompt, env),
		ExtraConfig:     expression.ResolveMap(spec.Config.ExtraConfig, env),
		Provider:        spec.Provider,
		ModelName:       spec.ModelName,
		ToolRefs:        spec.ToolRefs,
		OutputParserRef: spec.OutputParserRef,
	}

	estimate := int64(tokens.CountMessages(w.st.Messages) + tokens.Count(cfg.SystemPrompt))
	if err := w.r.gate.Check(ctx, w.epicID, estimate); err != nil {
		if errors.Is(err, budget.ErrExceeded) {
			w.budgetSkipped = true
			w.skipCode = workflow.CodeBudgetExceeded
			w.recordSkip(ctx, nodeID, workflow.CodeBudgetExceeded)
			return w.successors(spec, ""), nil
		}
		return nil, err
	}

	w.r.emitNodeStatus(w.exec, nodeID, workflow.NodeRunning, nil)

	view := &nodeView{st: w.st, nodeID: nodeID}
	if resume != nil && resume.nodeID == nodeID {
		view.childResult = resume.childResult
		view.resumed = true
	}

	started := time.Now()
	output, runErr := spec.Type.Run(ctx, cfg, view)
	duration := time.Since(started).Milliseconds()

	if runErr == nil && output != nil {
		if msg, ok := output[nodes.KeyError].(string); ok && msg != "" {
			runErr = errors.New(msg)
		}
	}
	if runErr != nil {
		return w.recordFailure(ctx, nodeID, runErr, duration), nil
	}

	if req, err := nodes.ParseSubworkflowRequest(output); err != nil {
		return w.recordFailure(ctx, nodeID, err, duration), nil
	} else if req != nil {
		return nil, w.interrupt(ctx, spec, output, req, duration)
	}

	route := w.applyOutput(ctx, nodeID, output)
	w.ranCount++

	plain := plainOutput(output)
	w.st.SetNodeResult(nodeID, state.NodeResult{Status: workflow.NodeSuccess, DurationMS: duration})
	w.finalOutput = plain

	w.appendLog(ctx, nodeID, workflow.NodeSuccess, output, "", "", duration)
	w.r.emitNodeStatus(w.exec, nodeID, workflow.NodeSuccess, map[string]any{
		"output":      plain,
		"duration_ms": duration,
	})
	w.saveSnapshot(ctx)

	return w.successors(spec, route), nil
}

// applyOutput enforces the output convention and returns the chosen route.
func (w *walker) applyOutput(ctx context.Context, nodeID string, output map[string]any) string {
	route := ""
	if output == nil {
		w.st.SetNodeOutput(nodeID, map[string]any{})
		return route
	}

	w.st.SetNodeOutput(nodeID, plainOutput(output))

	if r, ok := output[nodes.KeyRoute].(string); ok {
		route = r
		w.st.SetRoute(r)
	}
	if msgs := nodes.ExtractMessages(output); len(msgs) > 0 {
		w.st.AppendMessages(msgs...)
	}
	if patch, ok := output[nodes.KeyStatePatch].(map[string]any); ok {
		w.st.MergePatch(patch)
	}
	if usage, ok := output[nodes.KeyTokenUsage].(map[string]any); ok {
		tok := asInt64(usage["total_tokens"])
		usd := asFloat64(usage["cost_usd"])
		w.tokensUsed += tok
		w.costUSD += usd
		if err := w.r.store.AddExecutionUsage(ctx, w.exec.ID, tok, usd); err != nil {
			w.r.logger.Warn("Failed to record token usage", "execution_id", w.exec.ID, "error", err)
		}
	}
	return route
}

// interrupt parks the execution for a sub-workflow: checkpoint, child
// creation, enqueue, status flip.
func (w *walker) interrupt(ctx context.Context, spec *plan.NodeSpec, output map[string]any, req *nodes.SubworkflowRequest, duration int64) error {
	nodeID := spec.NodeID

	childWf, err := w.r.store.GetWorkflowBySlug(ctx, req.WorkflowSlug)
	if err != nil {
		w.recordFailure(ctx, nodeID, fmt.Errorf("sub-workflow %q: %w", req.WorkflowSlug, err), duration)
		return nil
	}
	triggerNode := findTrigger(childWf)
	if triggerNode == "" {
		w.recordFailure(ctx, nodeID, fmt.Errorf("sub-workflow %q has no trigger node", req.WorkflowSlug), duration)
		return nil
	}

	child := &workflow.Execution{
		ID:                uuid.NewString(),
		WorkflowID:        childWf.ID,
		WorkflowSlug:      childWf.Slug,
		TriggerNodeID:     triggerNode,
		Status:            workflow.ExecutionPending,
		ParentExecutionID: w.exec.ID,
		ParentNodeID:      nodeID,
		EpicID:            w.epicID,
		TaskID:            req.TaskID,
		TriggerData: workflow.TriggerPayload{
			Text:              req.InputText,
			Payload:           req.InputData,
			ParentExecutionID: w.exec.ID,
			UserContext:       w.st.UserContext,
		},
	}
	if err := w.r.store.CreateExecution(ctx, child); err != nil {
		return fmt.Errorf("create child execution: %w", err)
	}

	w.st.SetNodeResult(nodeID, state.NodeResult{Status: workflow.NodeWaiting, DurationMS: duration})
	if err := w.r.states.SaveCheckpoint(ctx, w.exec.ID, &state.Checkpoint{
		NodeID:         nodeID,
		State:          w.st,
		PendingChildID: child.ID,
		PartialOutput:  plainOutput(output),
	}); err != nil {
		return fmt.Errorf("save resumption checkpoint: %w", err)
	}

	if err := w.r.store.TransitionExecution(ctx, w.exec.ID,
		[]workflow.ExecutionStatus{workflow.ExecutionRunning}, workflow.ExecutionInterrupted); err != nil {
		return err
	}
	w.exec.Status = workflow.ExecutionInterrupted

	w.appendLog(ctx, nodeID, workflow.NodeWaiting, map[string]any{
		"pending_child_id": child.ID,
		"workflow_slug":    req.WorkflowSlug,
	}, "", "", duration)
	w.r.emitNodeStatus(w.exec, nodeID, workflow.NodeWaiting, map[string]any{
		"pending_child_id": child.ID,
	})
	w.r.emitExecution(w.exec, EventExecutionInterrupted, map[string]any{
		"node_id":  nodeID,
		"child_id": child.ID,
	})

	if err := w.r.Enqueue(ctx, child.ID); err != nil {
		return fmt.Errorf("enqueue child execution: %w", err)
	}
	return errInterrupted
}

// recordFailure marks a node failed and flips the walk into skip mode.
func (w *walker) recordFailure(ctx context.Context, nodeID string, cause error, duration int64) []string {
	code := workflow.CodeComponentError
	if errors.Is(cause, context.DeadlineExceeded) {
		code = workflow.CodeTimeout
	}

	w.st.SetNodeResult(nodeID, state.NodeResult{
		Status:     workflow.NodeFailed,
		Error:      cause.Error(),
		ErrorCode:  code,
		DurationMS: duration,
	})
	if w.failErr == "" {
		w.failNode = nodeID
		w.failErr = cause.Error()
		w.failCode = code
	}
	w.skipCode = workflow.CodeUpstreamFailed

	w.appendLog(ctx, nodeID, workflow.NodeFailed, nil, cause.Error(), code, duration)
	w.r.emitNodeStatus(w.exec, nodeID, workflow.NodeFailed, map[string]any{
		"error":       cause.Error(),
		"error_code":  code,
		"duration_ms": duration,
	})
	w.saveSnapshot(ctx)

	spec := w.plan.Nodes[nodeID]
	return w.successors(spec, "")
}

// skipNode marks a node skipped during downstream propagation.
func (w *walker) skipNode(ctx context.Context, spec *plan.NodeSpec) ([]string, error) {
	w.recordSkip(ctx, spec.NodeID, w.skipCode)
	return w.successors(spec, ""), nil
}

func (w *walker) recordSkip(ctx context.Context, nodeID, code string) {
	w.st.SetNodeResult(nodeID, state.NodeResult{Status: workflow.NodeSkipped, ErrorCode: code})
	w.appendLog(ctx, nodeID, workflow.NodeSkipped, nil, "", code, 0)
	w.r.emitNodeStatus(w.exec, nodeID, workflow.NodeSkipped, map[string]any{"error_code": code})
}

// successors picks the next nodes per the walk rules. Switch nodes take
// exactly one matching conditional branch; loop nodes follow the body on
// "continue" and plain edges on "done"; everything else fans out over every
// direct edge in (priority, id) order.
func (w *walker) successors(spec *plan.NodeSpec, route string) []string {
	out := w.plan.Adjacency[spec.NodeID]

	if spec.ComponentType == workflow.ComponentSwitch && w.skipCode == "" {
		if target, ok := w.matchRoute(spec.NodeID, route); ok {
			return []string{target}
		}
		return nil
	}

	if spec.ComponentType == workflow.ComponentLoop && w.skipCode == "" {
		var next []string
		for _, e := range out {
			switch {
			case route == nodes.RouteContinue && e.EdgeLabel == workflow.LabelLoopBody:
				w.clearLoopBody(spec.NodeID)
				next = append(next, e.TargetNodeID)
			case route != nodes.RouteContinue && e.EdgeLabel == workflow.LabelNone:
				next = append(next, e.TargetNodeID)
			}
		}
		return next
	}

	var next []string
	for _, e := range out {
		if e.EdgeType == workflow.EdgeConditional && w.skipCode == "" {
			continue
		}
		if e.EdgeLabel == workflow.LabelLoopReturn {
			if w.skipCode != "" {
				continue // no loop re-entry while skipping
			}
			delete(w.done, e.TargetNodeID) // the loop header runs again
		}
		next = append(next, e.TargetNodeID)
	}
	return next
}

// matchRoute applies switch exhaustiveness: the edge matching the route,
// else the default edge, else nothing.
func (w *walker) matchRoute(switchNode, route string) (string, bool) {
	for _, r := range w.plan.SwitchRoutes[switchNode] {
		if r.Condition == route {
			return r.Target, true
		}
	}
	return w.plan.DefaultTarget(switchNode)
}

// clearLoopBody forgets completed body nodes so the next iteration re-runs
// them. Body nodes are everything reachable from loop_body edges without
// crossing the loop header.
func (w *walker) clearLoopBody(loopNode string) {
	queue := []string{}
	for _, e := range w.plan.Adjacency[loopNode] {
		if e.EdgeLabel == workflow.LabelLoopBody {
			queue = append(queue, e.TargetNodeID)
		}
	}
	seen := map[string]bool{loopNode: true}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		delete(w.done, n)
		for _, e := range w.plan.Adjacency[n] {
			queue = append(queue, e.TargetNodeID)
		}
	}
}

func (w *walker) appendLog(ctx context.Context, nodeID string, status workflow.NodeStatus, output map[string]any, errMsg, errCode string, duration int64) {
	if err := w.r.store.AppendLog(ctx, &workflow.ExecutionLog{
		ExecutionID: w.exec.ID,
		NodeID:      nodeID,
		Status:      status,
		Output:      output,
		Error:       errMsg,
		ErrorCode:   errCode,
		DurationMS:  duration,
	}); err != nil {
		w.r.logger.Warn("Failed to append execution log", "execution_id", w.exec.ID, "node_id", nodeID, "error", err)
	}
}

func (w *walker) saveSnapshot(ctx context.Context) {
	if err := w.r.states.SaveSnapshot(ctx, w.st); err != nil {
		w.r.logger.Warn("Failed to save state snapshot", "execution_id", w.exec.ID, "error", err)
	}
}

// plainOutput strips the reserved underscore keys.
func plainOutput(output map[string]any) map[string]any {
	plain := make(map[string]any, len(output))
	for k, v := range output {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		plain[k] = v
	}
	return plain
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func asFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

// nodeView adapts ExecutionState to the read-only component contract.
type nodeView struct {
	st          *state.ExecutionState
	nodeID      string
	childResult map[string]any
	resumed     bool
}

func (v *nodeView) ExecutionID() string { return v.st.ExecutionID }
func (v *nodeView) ThreadID() string    { return v.st.ThreadID }
func (v *nodeView) NodeID() string      { return v.nodeID }

func (v *nodeView) Messages() []state.Message               { return v.st.Messages }
func (v *nodeView) NodeOutputs() map[string]map[string]any  { return v.st.NodeOutputs }
func (v *nodeView) Route() string                           { return v.st.Route }
func (v *nodeView) Trigger() workflow.TriggerPayload        { return v.st.Trigger }
func (v *nodeView) UserContext() map[string]any             { return v.st.UserContext }
func (v *nodeView) ExpressionContext() map[string]any       { return v.st.ExpressionContext() }
func (v *nodeView) ChildResult() (map[string]any, bool)     { return v.childResult, v.resumed }
func (v *nodeView) NodeResult(id string) (state.NodeResult, bool) {
	res, ok := v.st.NodeResults[id]
	return res, ok
}

var _ nodes.StateView = (*nodeView)(nil)
