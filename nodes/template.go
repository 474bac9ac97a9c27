package nodes

import (
	"context"
	"fmt"
)

// runTemplate emits its "template" string, whose embedded expressions were
// already resolved against live state before this call. The system prompt
// serves as the template when extra_config carries none.
func runTemplate(_ context.Context, cfg ResolvedConfig, _ StateView) (map[string]any, error) {
	text := cfg.String("template", cfg.SystemPrompt)
	if text == "" {
		return nil, fmt.Errorf("template %s: no template configured", cfg.NodeID)
	}
	out := map[string]any{"output": text}
	if cfg.ExtraConfig["append_message"] == true {
		out[KeyMessages] = []any{map[string]any{"role": "assistant", "content": text}}
	}
	return out, nil
}
