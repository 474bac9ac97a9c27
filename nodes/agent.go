package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pipelit/pipelit/llm"
	"github.com/pipelit/pipelit/state"
	"github.com/pipelit/pipelit/tokens"
)

// runAgent performs one LLM turn. The agent works on a private copy of the
// conversation; only its final assistant message travels back to shared
// state via _messages, so intermediate scaffolding never leaks between
// agents.
//
// With "delegate_to" configured the first invocation emits a _subworkflow
// request instead of calling the model; the resumed invocation folds the
// child's result into the prompt.
func runAgent(ctx context.Context, cfg ResolvedConfig, view StateView) (map[string]any, error) {
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("agent %s: no model resolved", cfg.NodeID)
	}
	if runtime.LLM == nil {
		return nil, fmt.Errorf("agent %s: llm runtime not configured", cfg.NodeID)
	}

	childResult, resumed := view.ChildResult()
	if slug := cfg.String("delegate_to", ""); slug != "" && !resumed {
		inputText := cfg.String("delegate_input", view.Trigger().Text)
		return map[string]any{
			KeySubworkflow: map[string]any{
				"workflow_slug": slug,
				"input_text":    inputText,
			},
		}, nil
	}

	// Private working copy of the conversation.
	working := make([]state.Message, 0, len(view.Messages())+2)
	if cfg.SystemPrompt != "" {
		working = append(working, state.Message{Role: "system", Content: cfg.SystemPrompt})
	}
	working = append(working, view.Messages()...)
	if resumed {
		encoded, err := json.Marshal(childResult)
		if err != nil {
			return nil, fmt.Errorf("agent %s: encode child result: %w", cfg.NodeID, err)
		}
		working = append(working, state.Message{
			Role:    "user",
			Content: fmt.Sprintf("Sub-workflow result: %s", encoded),
		})
	}

	budget := tokens.Budget(cfg.ModelName, cfg.Int("context_window", 0))
	working = tokens.Trim(working, budget)

	req := llm.Request{
		Provider:  cfg.Provider,
		Model:     cfg.ModelName,
		MaxTokens: cfg.Int("max_tokens", 0),
	}
	if raw, ok := cfg.ExtraConfig["temperature"].(float64); ok {
		req.Temperature = &raw
	}
	for _, m := range working {
		req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := runtime.LLM.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.NodeID, err)
	}

	usage := resp.Usage
	if usage.CostUSD == 0 {
		usage.CostUSD = tokens.EstimateCost(resp.Model, usage.PromptTokens, usage.CompletionTokens)
	}

	assistant := state.NewMessage("assistant", resp.Content)
	return map[string]any{
		"output":    resp.Content,
		KeyMessages: []state.Message{assistant},
		KeyTokenUsage: map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
			"cost_usd":          usage.CostUSD,
		},
	}, nil
}
