package workflow

import (
	"time"

	"github.com/uptrace/bun"
)

// ExecutionStatus is the lifecycle state of a single workflow firing.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "pending"
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionInterrupted ExecutionStatus = "interrupted"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// NodeStatus is the per-node outcome recorded in logs and broadcast events.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
	NodeWaiting NodeStatus = "waiting"
)

// TriggerPayload is the input that fired an execution.
type TriggerPayload struct {
	Text    string         `json:"text,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	// ParentExecutionID and UserContext are carried on child executions
	// spawned through sub-workflow delegation.
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	UserContext       map[string]any `json:"user_context,omitempty"`
}

// Execution is one firing of a workflow graph.
type Execution struct {
	bun.BaseModel `bun:"table:executions"`

	ID                string          `bun:"id,pk" json:"id"`
	WorkflowID        string          `bun:"workflow_id,notnull" json:"workflow_id"`
	WorkflowSlug      string          `bun:"workflow_slug,notnull" json:"workflow_slug"`
	TriggerNodeID     string          `bun:"trigger_node_id,notnull" json:"trigger_node_id"`
	Status            ExecutionStatus `bun:"status,notnull" json:"status"`
	ParentExecutionID string          `bun:"parent_execution_id" json:"parent_execution_id,omitempty"`
	ParentNodeID      string          `bun:"parent_node_id" json:"parent_node_id,omitempty"`
	ThreadID          string          `bun:"thread_id" json:"thread_id,omitempty"`
	// EpicID and TaskID link the execution into budget accounting; spend
	// settles into them on the terminal path.
	EpicID      string         `bun:"epic_id" json:"epic_id,omitempty"`
	TaskID      string         `bun:"task_id" json:"task_id,omitempty"`
	TriggerData TriggerPayload `bun:"trigger_payload,type:jsonb" json:"trigger_payload"`
	FinalOutput map[string]any `bun:"final_output,type:jsonb" json:"final_output,omitempty"`
	Error       string         `bun:"error" json:"error,omitempty"`
	ErrorCode   string         `bun:"error_code" json:"error_code,omitempty"`
	TokensUsed  int64          `bun:"tokens_used" json:"tokens_used"`
	CostUSD     float64        `bun:"cost_usd" json:"cost_usd"`
	StartedAt   *time.Time     `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `bun:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// ExecutionLog is one append-only record of a node run within an execution.
type ExecutionLog struct {
	bun.BaseModel `bun:"table:execution_logs"`

	ID          int64          `bun:"id,pk,autoincrement" json:"id"`
	ExecutionID string         `bun:"execution_id,notnull" json:"execution_id"`
	NodeID      string         `bun:"node_id,notnull" json:"node_id"`
	Status      NodeStatus     `bun:"status,notnull" json:"status"`
	Input       map[string]any `bun:"input,type:jsonb" json:"input,omitempty"`
	Output      map[string]any `bun:"output,type:jsonb" json:"output,omitempty"`
	Error       string         `bun:"error" json:"error,omitempty"`
	ErrorCode   string         `bun:"error_code" json:"error_code,omitempty"`
	Metadata    map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	DurationMS  int64          `bun:"duration_ms" json:"duration_ms"`
	Timestamp   time.Time      `bun:"timestamp,notnull,default:current_timestamp" json:"timestamp"`
}
