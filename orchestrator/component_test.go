package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelit/pipelit/workflow"
)

func newTestComponent(t *testing.T, rawConfig json.RawMessage) (*Component, *harness) {
	t.Helper()
	wf := &workflow.Workflow{
		ID: "wf1", Slug: "linear",
		Nodes: []*workflow.Node{
			mkNode("in", workflow.ComponentTriggerChat),
		},
	}
	reg := testRegistry(t, nil)
	h := newHarness(t, reg, wf)

	c, err := NewComponent(rawConfig, testDeps(), h.runner, h.queue)
	require.NoError(t, err)
	return c, h
}

func testDeps() component.Dependencies {
	return component.Dependencies{Logger: slog.Default()}
}

func TestNewComponent_ConfigValidation(t *testing.T) {
	_, h := newTestComponent(t, nil)

	tests := []struct {
		name      string
		rawConfig json.RawMessage
		wantErr   bool
	}{
		{name: "nil config uses defaults"},
		{name: "explicit concurrency", rawConfig: json.RawMessage(`{"concurrency": 2}`)},
		{name: "negative concurrency", rawConfig: json.RawMessage(`{"concurrency": -1}`), wantErr: true},
		{name: "malformed json", rawConfig: json.RawMessage(`{`), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewComponent(tt.rawConfig, testDeps(), h.runner, h.queue)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := NewComponent(nil, testDeps(), nil, h.queue)
	assert.Error(t, err, "runner is required")
	_, err = NewComponent(nil, testDeps(), h.runner, nil)
	assert.Error(t, err, "queue is required")
}

func TestComponent_Lifecycle(t *testing.T) {
	c, h := newTestComponent(t, json.RawMessage(`{"concurrency": 1}`))

	require.NoError(t, c.Initialize())
	assert.Equal(t, "stopped", c.Health().Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, "running", c.Health().Status)
	assert.Error(t, c.Start(ctx), "double start rejected")

	// A job enqueued while running is picked up by the consumer pool.
	wf, err := h.store.GetWorkflowBySlug(ctx, "linear")
	require.NoError(t, err)
	execID := h.start(t, wf, workflow.TriggerPayload{Text: "hi"})
	require.NoError(t, h.runner.Enqueue(ctx, execID))

	require.Eventually(t, func() bool {
		exec, err := h.store.GetExecution(ctx, execID)
		return err == nil && exec.Status == workflow.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop(time.Second))
	assert.Equal(t, "stopped", c.Health().Status)
	require.NoError(t, c.Stop(time.Second), "stop is idempotent")
}

func TestComponent_MetaAndPorts(t *testing.T) {
	c, _ := newTestComponent(t, nil)

	meta := c.Meta()
	assert.Equal(t, "execution-worker", meta.Name)
	assert.Equal(t, "processor", meta.Type)

	require.Len(t, c.InputPorts(), 1)
	assert.Equal(t, "execution-jobs", c.InputPorts()[0].Name)
	require.Len(t, c.OutputPorts(), 1)
}
