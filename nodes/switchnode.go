package nodes

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
)

// defaultRoute is emitted when no case matches.
const defaultRoute = "default"

// runSwitch evaluates routing conditions against the execution state and
// emits the chosen route. Two configuration shapes are supported:
//
//   - "cases": ordered list of {"when": <expression>, "route": <string>};
//     the first truthy condition wins.
//   - "expression": a single expression whose string result is the route.
//
// No match falls back to "default_route" or "default".
func runSwitch(_ context.Context, cfg ResolvedConfig, view StateView) (map[string]any, error) {
	env := view.ExpressionContext()

	if rawCases, ok := cfg.ExtraConfig["cases"].([]any); ok {
		for i, rawCase := range rawCases {
			c, ok := rawCase.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("switch %s: case %d is not an object", cfg.NodeID, i)
			}
			when, _ := c["when"].(string)
			route, _ := c["route"].(string)
			if when == "" || route == "" {
				return nil, fmt.Errorf("switch %s: case %d needs when and route", cfg.NodeID, i)
			}
			result, err := expr.Eval(when, env)
			if err != nil {
				return nil, fmt.Errorf("switch %s: case %d: %w", cfg.NodeID, i, err)
			}
			if truthy(result) {
				return map[string]any{KeyRoute: route}, nil
			}
		}
		return map[string]any{KeyRoute: cfg.String("default_route", defaultRoute)}, nil
	}

	if expression := cfg.String("expression", ""); expression != "" {
		result, err := expr.Eval(expression, env)
		if err != nil {
			return nil, fmt.Errorf("switch %s: %w", cfg.NodeID, err)
		}
		route := fmt.Sprintf("%v", result)
		if route == "" || result == nil {
			route = cfg.String("default_route", defaultRoute)
		}
		return map[string]any{KeyRoute: route}, nil
	}

	return nil, fmt.Errorf("switch %s: neither cases nor expression configured", cfg.NodeID)
}

// truthy follows expression semantics: false, nil, zero, and empty string
// are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
