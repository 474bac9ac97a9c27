// Package budget gates node execution against epic budgets and rolls actual
// spend up into tasks and epics.
package budget

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pipelit/pipelit/workflow"
)

// ErrExceeded marks a budget gate rejection; callers map it to the
// BUDGET_EXCEEDED error code.
var ErrExceeded = errors.New("budget exceeded")

// DefaultNodeEstimate is charged against the token gate for a node whose
// cost cannot be estimated upfront.
const DefaultNodeEstimate = 1000

// Store is the narrow persistence surface the gate needs.
type Store interface {
	GetEpic(ctx context.Context, id string) (*workflow.Epic, error)
	ApplySpend(ctx context.Context, epicID, taskID string, tokens int64, usd float64) error
}

// Gate checks epic budgets before node execution and applies spend after
// execution completion.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates a budget gate.
func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger}
}

// Check returns ErrExceeded when running a node estimated at estimatedTokens
// would overrun the epic's budget. An empty epicID or a missing epic means
// no gate; the engine never blocks on budget bookkeeping defects.
func (g *Gate) Check(ctx context.Context, epicID string, estimatedTokens int64) error {
	if epicID == "" {
		return nil
	}
	epic, err := g.store.GetEpic(ctx, epicID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			g.logger.Warn("Budget gate skipped, epic not found", "epic_id", epicID)
			return nil
		}
		return err
	}

	if estimatedTokens <= 0 {
		estimatedTokens = DefaultNodeEstimate
	}
	if epic.BudgetTokens != nil && epic.SpentTokens+estimatedTokens > *epic.BudgetTokens {
		g.logger.Info("Budget gate rejected node",
			"epic_id", epicID,
			"spent_tokens", epic.SpentTokens,
			"estimated_tokens", estimatedTokens,
			"budget_tokens", *epic.BudgetTokens)
		return ErrExceeded
	}
	if epic.BudgetUSD != nil && epic.SpentUSD > *epic.BudgetUSD {
		g.logger.Info("Budget gate rejected node",
			"epic_id", epicID,
			"spent_usd", epic.SpentUSD,
			"budget_usd", *epic.BudgetUSD)
		return ErrExceeded
	}
	return nil
}

// Settle rolls an execution's final spend into the linked task and epic.
// Called once from the execution's terminal path.
func (g *Gate) Settle(ctx context.Context, epicID, taskID string, tokens int64, usd float64) error {
	if epicID == "" || (tokens == 0 && usd == 0) {
		return nil
	}
	return g.store.ApplySpend(ctx, epicID, taskID, tokens, usd)
}
