// Package orchestrator executes compiled workflow plans: the deterministic
// node walk, the component output convention, sub-workflow interrupt/resume,
// failure and skip propagation, budget gating, and cooperative cancellation.
package orchestrator

import (
	"context"

	"github.com/pipelit/pipelit/plan"
	"github.com/pipelit/pipelit/state"
	"github.com/pipelit/pipelit/workflow"
)

// Store is the persistence surface the runner needs. *workflow.Store
// satisfies it; tests use an in-memory fake.
type Store interface {
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	CreateExecution(ctx context.Context, exec *workflow.Execution) error
	TransitionExecution(ctx context.Context, id string, from []workflow.ExecutionStatus, to workflow.ExecutionStatus) error
	FinishExecution(ctx context.Context, id string, status workflow.ExecutionStatus, errMsg, errCode string, finalOutput map[string]any) error
	AddExecutionUsage(ctx context.Context, id string, tokens int64, usd float64) error
	ListNonTerminalChildren(ctx context.Context, parentID string) ([]*workflow.Execution, error)
	AppendLog(ctx context.Context, log *workflow.ExecutionLog) error

	GetWorkflowBySlug(ctx context.Context, slug string) (*workflow.Workflow, error)
}

// StateStore is the ephemeral state surface. *state.Store satisfies it.
type StateStore interface {
	SaveSnapshot(ctx context.Context, st *state.ExecutionState) error
	LoadSnapshot(ctx context.Context, executionID string) (*state.ExecutionState, error)
	DeleteSnapshot(ctx context.Context, executionID string) error

	SaveCheckpoint(ctx context.Context, executionID string, cp *state.Checkpoint) error
	LoadCheckpoint(ctx context.Context, executionID, nodeID string) (*state.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, executionID, nodeID string) error

	SaveThreadHistory(ctx context.Context, threadID string, msgs []state.Message) error
	LoadThreadHistory(ctx context.Context, threadID string) ([]state.Message, error)
}

// PlanSource compiles workflows into plans. *plan.Cache satisfies it.
type PlanSource interface {
	GetOrBuild(wf *workflow.Workflow, triggerNodeID string) (*plan.Plan, error)
}

// Gate is the budget gate. *budget.Gate satisfies it.
type Gate interface {
	Check(ctx context.Context, epicID string, estimatedTokens int64) error
	Settle(ctx context.Context, epicID, taskID string, tokens int64, usd float64) error
}
