package orchestrator

import (
	"github.com/pipelit/pipelit/broadcast"
	"github.com/pipelit/pipelit/workflow"
)

// Event types emitted during execution.
const (
	EventExecutionStarted     = "execution_started"
	EventExecutionCompleted   = "execution_completed"
	EventExecutionFailed      = "execution_failed"
	EventExecutionCancelled   = "execution_cancelled"
	EventExecutionInterrupted = "execution_interrupted"
	EventNodeStatus           = "node_status"
)

// Publisher is the broadcast surface. *broadcast.Bus satisfies it.
type Publisher interface {
	Publish(ev broadcast.Event)
}

// emitExecution publishes an execution lifecycle event on both the
// execution channel and the owning workflow channel.
func (r *Runner) emitExecution(exec *workflow.Execution, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["execution_id"] = exec.ID
	data["workflow_slug"] = exec.WorkflowSlug
	r.bus.Publish(broadcast.NewEvent(eventType, broadcast.ExecutionChannel(exec.ID), data))
	r.bus.Publish(broadcast.NewEvent(eventType, broadcast.WorkflowChannel(exec.WorkflowSlug), data))
}

// emitNodeStatus publishes a per-node status change.
func (r *Runner) emitNodeStatus(exec *workflow.Execution, nodeID string, status workflow.NodeStatus, extra map[string]any) {
	data := map[string]any{
		"execution_id": exec.ID,
		"node_id":      nodeID,
		"status":       string(status),
	}
	for k, v := range extra {
		data[k] = v
	}
	r.bus.Publish(broadcast.NewEvent(EventNodeStatus, broadcast.ExecutionChannel(exec.ID), data))
	r.bus.Publish(broadcast.NewEvent(EventNodeStatus, broadcast.WorkflowChannel(exec.WorkflowSlug), data))
}
