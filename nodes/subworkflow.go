package nodes

import (
	"context"
	"fmt"
)

// runSubworkflowCall delegates to another workflow. On the first invocation
// it emits a _subworkflow request; the orchestrator checkpoints here and
// parks the execution. On resume the child's final output becomes this
// node's output.
func runSubworkflowCall(_ context.Context, cfg ResolvedConfig, view StateView) (map[string]any, error) {
	if result, ok := view.ChildResult(); ok {
		out := make(map[string]any, len(result)+1)
		for k, v := range result {
			out[k] = v
		}
		if _, ok := out["output"]; !ok {
			out["output"] = result
		}
		return out, nil
	}

	slug := cfg.String("workflow_slug", "")
	if slug == "" {
		return nil, fmt.Errorf("subworkflow_call %s: workflow_slug is required", cfg.NodeID)
	}

	inputText := cfg.String("input_text", "")
	if inputText == "" {
		inputText = view.Trigger().Text
	}
	req := map[string]any{
		"workflow_slug": slug,
		"input_text":    inputText,
	}
	if data, ok := cfg.ExtraConfig["input_data"].(map[string]any); ok {
		req["input_data"] = data
	}
	if taskID := cfg.String("task_id", ""); taskID != "" {
		req["task_id"] = taskID
	}
	return map[string]any{KeySubworkflow: req}, nil
}
