package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelit/pipelit/workflow"
)

func newTestState() *ExecutionState {
	return New(&workflow.Execution{
		ID:       "exec-1",
		ThreadID: "thread-1",
		TriggerData: workflow.TriggerPayload{
			Text:        "hello",
			Payload:     map[string]any{"k": "v"},
			UserContext: map[string]any{"tenant": "acme"},
		},
	})
}

func TestAppendMessages_DeduplicatesByID(t *testing.T) {
	s := newTestState()

	m1 := NewMessage("user", "first")
	m2 := NewMessage("assistant", "second")

	assert.Equal(t, 2, s.AppendMessages(m1, m2))
	assert.Len(t, s.Messages, 2)

	// Re-appending the same IDs is a no-op.
	assert.Equal(t, 0, s.AppendMessages(m1, m2))
	assert.Len(t, s.Messages, 2)

	// A message without an ID gets one and is appended.
	assert.Equal(t, 1, s.AppendMessages(Message{Role: "user", Content: "third"}))
	assert.Len(t, s.Messages, 3)
	assert.NotEmpty(t, s.Messages[2].ID)
}

func TestMergePatch_ShallowAndProtected(t *testing.T) {
	s := newTestState()

	s.MergePatch(map[string]any{
		"messages":     "nope",
		"node_outputs": "nope",
		"node_results": "nope",
		"locale":       "de",
		"nested":       map[string]any{"a": 1},
	})

	assert.Equal(t, "de", s.UserContext["locale"])
	assert.Equal(t, map[string]any{"a": 1}, s.UserContext["nested"])
	_, hasMessages := s.UserContext["messages"]
	assert.False(t, hasMessages, "protected key must be dropped")

	// Shallow merge: patching "nested" again replaces the whole value.
	s.MergePatch(map[string]any{"nested": map[string]any{"b": 2}})
	assert.Equal(t, map[string]any{"b": 2}, s.UserContext["nested"])
}

func TestExpressionContext(t *testing.T) {
	s := newTestState()
	s.SetNodeOutput("n1", map[string]any{"result": 42})

	ctx := s.ExpressionContext()

	assert.Equal(t, "acme", ctx["tenant"])
	trigger, ok := ctx["trigger"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", trigger["text"])

	n1, ok := ctx["n1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42, n1["result"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemStore())

	s := newTestState()
	s.AppendMessages(NewMessage("user", "hello"))
	s.SetRoute("yes")
	s.SetNodeOutput("n1", map[string]any{"x": "y"})
	s.SetNodeResult("n1", NodeResult{Status: workflow.NodeSuccess, DurationMS: 12})

	require.NoError(t, store.SaveSnapshot(ctx, s))

	restored, err := store.LoadSnapshot(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "yes", restored.Route)
	assert.Equal(t, s.Messages[0].ID, restored.Messages[0].ID)
	assert.Equal(t, workflow.NodeSuccess, restored.NodeResults["n1"].Status)

	// Dedupe index survives the round trip.
	assert.Equal(t, 0, restored.AppendMessages(s.Messages[0]))
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemStore())

	s := newTestState()
	cp := &Checkpoint{
		NodeID:         "agent",
		State:          s,
		PendingChildID: "child-9",
		PartialOutput:  map[string]any{"tool_call_id": "tc-1"},
	}
	require.NoError(t, store.SaveCheckpoint(ctx, "exec-1", cp))

	got, err := store.LoadCheckpoint(ctx, "exec-1", "agent")
	require.NoError(t, err)
	assert.Equal(t, "child-9", got.PendingChildID)
	assert.Equal(t, "tc-1", got.PartialOutput["tool_call_id"])
	assert.False(t, got.CreatedAt.IsZero())

	// Missing checkpoints surface as ErrNotFound (CHECKPOINT_LOST upstream).
	_, err = store.LoadCheckpoint(ctx, "exec-1", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreadHistory(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemStore())

	// Absent history is nil, not an error.
	msgs, err := store.LoadThreadHistory(ctx, "t-1")
	require.NoError(t, err)
	assert.Nil(t, msgs)

	history := []Message{NewMessage("user", "hi"), NewMessage("assistant", "hello")}
	require.NoError(t, store.SaveThreadHistory(ctx, "t-1", history))

	msgs, err = store.LoadThreadHistory(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, history[0].ID, msgs[0].ID)
}
