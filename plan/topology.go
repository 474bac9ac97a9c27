// Package plan compiles workflow graphs into executable plans: trigger-scoped
// reachability, sub-component reference resolution, port-type validation, and
// a per-process TTL'd cache keyed by structural hash.
package plan

import (
	"github.com/pipelit/pipelit/workflow"
)

// Reachable walks breadth-first from start over dataflow edges and returns
// the set of reachable node ids plus the edge list restricted to that set.
//
// Sub-component edges (llm, tool, output_parser) wire capabilities, not
// dataflow, and are never traversed. Loop edges are ordinary dataflow here;
// bounding loop re-entry is the engine's job, not topology's.
//
// Reachable never fails: unreachable nodes are silently excluded.
func Reachable(edges []*workflow.Edge, start string) (map[string]bool, []*workflow.Edge) {
	outgoing := make(map[string][]*workflow.Edge)
	for _, e := range edges {
		if e.EdgeLabel.IsSubComponent() {
			continue
		}
		outgoing[e.SourceNodeID] = append(outgoing[e.SourceNodeID], e)
	}

	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range outgoing[current] {
			if !reached[e.TargetNodeID] {
				reached[e.TargetNodeID] = true
				queue = append(queue, e.TargetNodeID)
			}
		}
	}

	filtered := make([]*workflow.Edge, 0, len(edges))
	for _, e := range edges {
		if e.EdgeLabel.IsSubComponent() {
			continue
		}
		if reached[e.SourceNodeID] && reached[e.TargetNodeID] {
			filtered = append(filtered, e)
		}
	}
	return reached, filtered
}
