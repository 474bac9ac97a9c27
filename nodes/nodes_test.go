package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelit/pipelit/state"
	"github.com/pipelit/pipelit/workflow"
)

// testView is a minimal StateView for component tests.
type testView struct {
	nodeID      string
	messages    []state.Message
	outputs     map[string]map[string]any
	trigger     workflow.TriggerPayload
	userContext map[string]any
	route       string
	childResult map[string]any
	resumed     bool
}

func (v *testView) ExecutionID() string { return "exec-1" }
func (v *testView) ThreadID() string    { return "thread-1" }
func (v *testView) NodeID() string      { return v.nodeID }

func (v *testView) Messages() []state.Message               { return v.messages }
func (v *testView) NodeOutputs() map[string]map[string]any { return v.outputs }
func (v *testView) NodeResult(string) (state.NodeResult, bool) {
	return state.NodeResult{}, false
}
func (v *testView) Route() string                     { return v.route }
func (v *testView) Trigger() workflow.TriggerPayload  { return v.trigger }
func (v *testView) UserContext() map[string]any       { return v.userContext }
func (v *testView) ChildResult() (map[string]any, bool) {
	return v.childResult, v.resumed
}

func (v *testView) ExpressionContext() map[string]any {
	ctx := make(map[string]any)
	for k, val := range v.userContext {
		ctx[k] = val
	}
	for nodeID, out := range v.outputs {
		ctx[nodeID] = out
	}
	ctx["trigger"] = map[string]any{"text": v.trigger.Text, "payload": v.trigger.Payload}
	return ctx
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(TypeString, TypeString))
	assert.True(t, Compatible(TypeAny, TypeNumber))
	assert.True(t, Compatible(TypeObject, TypeAny))
	assert.False(t, Compatible(TypeString, TypeNumber))
	assert.False(t, Compatible(TypeMessages, TypeArray))
}

func TestRegistry_FreezeSemantics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TypeSpec{
		ComponentType: workflow.ComponentTemplate,
		Executable:    true,
		Run:           runTemplate,
	}))

	// Duplicate registration fails.
	err := r.Register(&TypeSpec{
		ComponentType: workflow.ComponentTemplate,
		Executable:    true,
		Run:           runTemplate,
	})
	assert.Error(t, err)

	// First lookup freezes; registration afterwards panics.
	_, ok := r.Lookup(workflow.ComponentTemplate)
	assert.True(t, ok)
	assert.Panics(t, func() {
		_ = r.Register(&TypeSpec{ComponentType: workflow.ComponentSwitch, Executable: true, Run: runSwitch})
	})
}

func TestBuiltin_CoversAllComponentTypes(t *testing.T) {
	r := Builtin()
	for _, ct := range []workflow.ComponentType{
		workflow.ComponentTriggerChat,
		workflow.ComponentTriggerWebhook,
		workflow.ComponentAgent,
		workflow.ComponentSwitch,
		workflow.ComponentLoop,
		workflow.ComponentSubworkflow,
		workflow.ComponentTemplate,
		workflow.ComponentHTTPRequest,
	} {
		spec, ok := r.Lookup(ct)
		require.True(t, ok, "missing spec for %s", ct)
		assert.True(t, spec.Executable)
		require.NotNil(t, spec.Run)
	}

	agent, _ := r.Lookup(workflow.ComponentAgent)
	assert.True(t, agent.RequiresModel())
	trigger, _ := r.Lookup(workflow.ComponentTriggerChat)
	assert.False(t, trigger.RequiresModel())
}

func TestRunTrigger(t *testing.T) {
	view := &testView{trigger: workflow.TriggerPayload{Text: "hi"}}
	out, err := runTrigger(context.Background(), ResolvedConfig{}, view)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi"}, out)

	view.trigger.Payload = map[string]any{"k": "v"}
	out, err = runTrigger(context.Background(), ResolvedConfig{}, view)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out["payload"])
}

func TestRunSwitch_Cases(t *testing.T) {
	view := &testView{
		outputs: map[string]map[string]any{"agent": {"score": 0.9}},
	}
	cfg := ResolvedConfig{
		NodeID: "sw",
		ExtraConfig: map[string]any{
			"cases": []any{
				map[string]any{"when": "agent.score > 0.95", "route": "high"},
				map[string]any{"when": "agent.score > 0.5", "route": "medium"},
			},
		},
	}

	out, err := runSwitch(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, "medium", out[KeyRoute])
}

func TestRunSwitch_NoMatchFallsBackToDefault(t *testing.T) {
	view := &testView{outputs: map[string]map[string]any{"agent": {"score": 0.1}}}
	cfg := ResolvedConfig{
		NodeID: "sw",
		ExtraConfig: map[string]any{
			"cases": []any{
				map[string]any{"when": "agent.score > 0.5", "route": "high"},
			},
		},
	}

	out, err := runSwitch(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, "default", out[KeyRoute])
}

func TestRunSwitch_Expression(t *testing.T) {
	view := &testView{userContext: map[string]any{"tier": "gold"}}
	cfg := ResolvedConfig{
		NodeID:      "sw",
		ExtraConfig: map[string]any{"expression": `tier == "gold" ? "vip" : "standard"`},
	}

	out, err := runSwitch(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, "vip", out[KeyRoute])
}

func TestRunSwitch_Unconfigured(t *testing.T) {
	_, err := runSwitch(context.Background(), ResolvedConfig{NodeID: "sw", ExtraConfig: map[string]any{}}, &testView{})
	assert.Error(t, err)
}

func TestRunLoop_IterationAndCeiling(t *testing.T) {
	view := &testView{nodeID: "loop", outputs: map[string]map[string]any{}}
	cfg := ResolvedConfig{NodeID: "loop", ExtraConfig: map[string]any{"max_iterations": 2}}

	out, err := runLoop(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, 1, out["iteration"])
	assert.Equal(t, RouteContinue, out[KeyRoute])

	// The orchestrator records the output; the next pass reads it back.
	view.outputs["loop"] = out
	out, err = runLoop(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, 2, out["iteration"])
	assert.Equal(t, RouteContinue, out[KeyRoute])

	view.outputs["loop"] = out
	out, err = runLoop(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, 3, out["iteration"])
	assert.Equal(t, RouteDone, out[KeyRoute])
}

func TestRunLoop_WhileCondition(t *testing.T) {
	view := &testView{
		nodeID:      "loop",
		outputs:     map[string]map[string]any{},
		userContext: map[string]any{"pending": false},
	}
	cfg := ResolvedConfig{NodeID: "loop", ExtraConfig: map[string]any{"while": "pending"}}

	out, err := runLoop(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, RouteDone, out[KeyRoute])
}

func TestRunTemplate(t *testing.T) {
	cfg := ResolvedConfig{NodeID: "tpl", ExtraConfig: map[string]any{"template": "Hello, world"}}
	out, err := runTemplate(context.Background(), cfg, &testView{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", out["output"])

	// append_message adds a _messages entry.
	cfg.ExtraConfig["append_message"] = true
	out, err = runTemplate(context.Background(), cfg, &testView{})
	require.NoError(t, err)
	msgs := ExtractMessages(out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)

	_, err = runTemplate(context.Background(), ResolvedConfig{NodeID: "tpl", ExtraConfig: map[string]any{}}, &testView{})
	assert.Error(t, err)
}

func TestRunSubworkflowCall_RequestAndResume(t *testing.T) {
	cfg := ResolvedConfig{
		NodeID: "sub",
		ExtraConfig: map[string]any{
			"workflow_slug": "child-flow",
			"input_data":    map[string]any{"k": 1},
		},
	}
	view := &testView{trigger: workflow.TriggerPayload{Text: "parent input"}}

	out, err := runSubworkflowCall(context.Background(), cfg, view)
	require.NoError(t, err)
	req, err := ParseSubworkflowRequest(out)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "child-flow", req.WorkflowSlug)
	assert.Equal(t, "parent input", req.InputText)
	assert.Equal(t, map[string]any{"k": 1}, req.InputData)

	// Resume: the child's final output becomes this node's output.
	view.resumed = true
	view.childResult = map[string]any{"summary": "done"}
	out, err = runSubworkflowCall(context.Background(), cfg, view)
	require.NoError(t, err)
	assert.Equal(t, "done", out["summary"])
	_, hasRequest := out[KeySubworkflow]
	assert.False(t, hasRequest)
}

func TestRunAgent_DelegationWithoutModelCall(t *testing.T) {
	cfg := ResolvedConfig{
		NodeID:      "agent",
		ModelName:   "gpt-4o",
		ExtraConfig: map[string]any{"delegate_to": "research-flow"},
	}
	view := &testView{trigger: workflow.TriggerPayload{Text: "investigate"}}

	out, err := runAgent(context.Background(), cfg, view)
	require.NoError(t, err)
	req, err := ParseSubworkflowRequest(out)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "research-flow", req.WorkflowSlug)
	assert.Equal(t, "investigate", req.InputText)
}

func TestRunAgent_RequiresModel(t *testing.T) {
	_, err := runAgent(context.Background(), ResolvedConfig{NodeID: "agent"}, &testView{})
	assert.Error(t, err)
}

func TestParseSubworkflowRequest(t *testing.T) {
	req, err := ParseSubworkflowRequest(map[string]any{"output": "plain"})
	require.NoError(t, err)
	assert.Nil(t, req, "absent key is not a request")

	_, err = ParseSubworkflowRequest(map[string]any{KeySubworkflow: "not-an-object"})
	assert.Error(t, err)

	_, err = ParseSubworkflowRequest(map[string]any{KeySubworkflow: map[string]any{"input_text": "x"}})
	assert.Error(t, err, "workflow_slug is required")
}
