package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelit/pipelit/workflow"
)

type fakeStore struct {
	epics  map[string]*workflow.Epic
	spends []spend
}

type spend struct {
	epicID, taskID string
	tokens         int64
	usd            float64
}

func (f *fakeStore) GetEpic(_ context.Context, id string) (*workflow.Epic, error) {
	epic, ok := f.epics[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return epic, nil
}

func (f *fakeStore) ApplySpend(_ context.Context, epicID, taskID string, tokens int64, usd float64) error {
	f.spends = append(f.spends, spend{epicID, taskID, tokens, usd})
	epic := f.epics[epicID]
	epic.SpentTokens += tokens
	epic.SpentUSD += usd
	return nil
}

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }

func TestCheck_TokenBudget(t *testing.T) {
	store := &fakeStore{epics: map[string]*workflow.Epic{
		"epic-1": {ID: "epic-1", BudgetTokens: int64p(5000), SpentTokens: 4500},
	}}
	gate := NewGate(store, nil)
	ctx := context.Background()

	assert.NoError(t, gate.Check(ctx, "epic-1", 400))
	assert.ErrorIs(t, gate.Check(ctx, "epic-1", 600), ErrExceeded)

	// Unknown estimate charges the default.
	assert.ErrorIs(t, gate.Check(ctx, "epic-1", 0), ErrExceeded)
}

func TestCheck_USDBudget(t *testing.T) {
	store := &fakeStore{epics: map[string]*workflow.Epic{
		"epic-1": {ID: "epic-1", BudgetUSD: float64p(1.0), SpentUSD: 1.5},
	}}
	gate := NewGate(store, nil)

	assert.ErrorIs(t, gate.Check(context.Background(), "epic-1", 100), ErrExceeded)
}

func TestCheck_NoGateCases(t *testing.T) {
	store := &fakeStore{epics: map[string]*workflow.Epic{
		"unlimited": {ID: "unlimited", SpentTokens: 1 << 40},
	}}
	gate := NewGate(store, nil)
	ctx := context.Background()

	assert.NoError(t, gate.Check(ctx, "", 100), "no epic, no gate")
	assert.NoError(t, gate.Check(ctx, "missing", 100), "missing epic never blocks")
	assert.NoError(t, gate.Check(ctx, "unlimited", 100), "nil budgets disable the gate")
}

func TestSettle(t *testing.T) {
	store := &fakeStore{epics: map[string]*workflow.Epic{
		"epic-1": {ID: "epic-1", BudgetTokens: int64p(5000)},
	}}
	gate := NewGate(store, nil)
	ctx := context.Background()

	require.NoError(t, gate.Settle(ctx, "epic-1", "task-1", 1200, 0.05))
	require.Len(t, store.spends, 1)
	assert.Equal(t, spend{"epic-1", "task-1", 1200, 0.05}, store.spends[0])

	// Zero spend and missing epic are no-ops.
	require.NoError(t, gate.Settle(ctx, "epic-1", "", 0, 0))
	require.NoError(t, gate.Settle(ctx, "", "", 500, 0.01))
	assert.Len(t, store.spends, 1)
}
