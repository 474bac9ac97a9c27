package nodes

import (
	"context"
	"fmt"

	"github.com/pipelit/pipelit/llm"
	"github.com/pipelit/pipelit/state"
	"github.com/pipelit/pipelit/workflow"
)

// Reserved output keys. Components signal control effects by returning these
// underscore-prefixed keys; everything else is plain node output.
const (
	KeyRoute       = "_route"
	KeyMessages    = "_messages"
	KeyStatePatch  = "_state_patch"
	KeySubworkflow = "_subworkflow"
	KeyTokenUsage  = "_token_usage"
	KeyError       = "_error"
)

// StateView is the read-only window a component gets onto execution state.
// Components never mutate state directly; effects travel through the output
// map.
type StateView interface {
	ExecutionID() string
	ThreadID() string
	NodeID() string

	Messages() []state.Message
	NodeOutputs() map[string]map[string]any
	NodeResult(nodeID string) (state.NodeResult, bool)
	Route() string
	Trigger() workflow.TriggerPayload
	UserContext() map[string]any

	// ExpressionContext is the binding map condition and path expressions
	// evaluate against.
	ExpressionContext() map[string]any

	// ChildResult returns the final output of a delegated sub-workflow when
	// this invocation is a resume after a checkpoint, and false otherwise.
	ChildResult() (map[string]any, bool)
}

// ResolvedConfig is a node's configuration after build-time reference
// resolution and run-time expression resolution.
type ResolvedConfig struct {
	NodeID        string
	ComponentType workflow.ComponentType

	SystemPrompt string
	ExtraConfig  map[string]any

	// Model settings come from the llm-labelled edge target, overridable by
	// the node's own config.
	Provider  string
	ModelName string

	// ToolRefs and OutputParserRef name sub-component nodes by node id.
	ToolRefs        []string
	OutputParserRef string
}

// String returns the string value of an extra_config key, or fallback.
func (c *ResolvedConfig) String(key, fallback string) string {
	if v, ok := c.ExtraConfig[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the integer value of an extra_config key, or fallback. JSON
// decoding hands numbers over as float64.
func (c *ResolvedConfig) Int(key string, fallback int) int {
	switch v := c.ExtraConfig[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// Func is the component contract: resolved configuration and a state view in,
// an output map out. A non-nil error fails the node; control effects ride on
// reserved keys of the output map.
type Func func(ctx context.Context, cfg ResolvedConfig, view StateView) (map[string]any, error)

// Runtime carries the shared dependencies built-in components draw on.
type Runtime struct {
	LLM *llm.Client
}

var runtime Runtime

// SetRuntime installs the shared component runtime. Call once during startup
// before the first execution.
func SetRuntime(rt Runtime) {
	runtime = rt
}

// SubworkflowRequest is the payload of the _subworkflow output key.
type SubworkflowRequest struct {
	WorkflowSlug string         `json:"workflow_slug"`
	InputText    string         `json:"input_text,omitempty"`
	InputData    map[string]any `json:"input_data,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
}

// ParseSubworkflowRequest extracts a delegation request from an output map.
// Returns (nil, nil) when the key is absent.
func ParseSubworkflowRequest(output map[string]any) (*SubworkflowRequest, error) {
	raw, ok := output[KeySubworkflow]
	if !ok {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected object, got %T", KeySubworkflow, raw)
	}
	req := &SubworkflowRequest{}
	if v, ok := m["workflow_slug"].(string); ok {
		req.WorkflowSlug = v
	}
	if req.WorkflowSlug == "" {
		return nil, fmt.Errorf("%s: workflow_slug is required", KeySubworkflow)
	}
	if v, ok := m["input_text"].(string); ok {
		req.InputText = v
	}
	if v, ok := m["input_data"].(map[string]any); ok {
		req.InputData = v
	}
	if v, ok := m["task_id"].(string); ok {
		req.TaskID = v
	}
	return req, nil
}

// ExtractMessages converts a _messages output value into state messages.
// Accepts []state.Message (from components in this package) and []any of
// role/content maps (from resolved JSON).
func ExtractMessages(output map[string]any) []state.Message {
	raw, ok := output[KeyMessages]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []state.Message:
		return v
	case []any:
		msgs := make([]state.Message, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			msg := state.Message{}
			if s, ok := m["id"].(string); ok {
				msg.ID = s
			}
			if s, ok := m["role"].(string); ok {
				msg.Role = s
			}
			if s, ok := m["content"].(string); ok {
				msg.Content = s
			}
			msgs = append(msgs, msg)
		}
		return msgs
	}
	return nil
}
