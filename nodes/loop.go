package nodes

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
)

// Loop routes.
const (
	RouteContinue = "continue"
	RouteDone     = "done"
)

// runLoop counts its own iterations through its previous output and routes
// "continue" into the loop body or "done" out of it. An optional "while"
// expression ends the loop early when it turns falsy; "max_iterations"
// (default 10) is the hard ceiling.
func runLoop(_ context.Context, cfg ResolvedConfig, view StateView) (map[string]any, error) {
	iteration := 0
	if prev, ok := view.NodeOutputs()[view.NodeID()]; ok {
		if n, ok := prev["iteration"].(int); ok {
			iteration = n
		} else if f, ok := prev["iteration"].(float64); ok {
			iteration = int(f)
		}
	}
	iteration++

	maxIterations := cfg.Int("max_iterations", 10)
	route := RouteContinue
	if iteration > maxIterations {
		route = RouteDone
	} else if while := cfg.String("while", ""); while != "" {
		result, err := expr.Eval(while, view.ExpressionContext())
		if err != nil {
			return nil, fmt.Errorf("loop %s: while: %w", cfg.NodeID, err)
		}
		if !truthy(result) {
			route = RouteDone
		}
	}

	return map[string]any{
		"iteration": iteration,
		KeyRoute:    route,
	}, nil
}
