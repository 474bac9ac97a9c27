package plan

import (
	"fmt"
	"sort"

	"github.com/pipelit/pipelit/nodes"
	"github.com/pipelit/pipelit/workflow"
)

// ValidationError reports a build-time graph defect. Executions hitting one
// fail immediately without starting.
type ValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s: %s", e.WorkflowID, e.Reason)
}

// NodeSpec is one compiled node: its static configuration plus sub-component
// references resolved by following labelled edges once at build time.
type NodeSpec struct {
	NodeID        string
	ComponentType workflow.ComponentType
	Config        workflow.NodeConfig
	Type          *nodes.TypeSpec

	// ModelRef names the node wired in by an llm-labelled edge; Provider and
	// ModelName are the settings pulled from it (the node's own config wins).
	ModelRef  string
	Provider  string
	ModelName string

	ToolRefs        []string
	OutputParserRef string
}

// Route is one conditional branch out of a switch node.
type Route struct {
	Condition string
	Target    string
}

// Plan is a compiled, trigger-scoped workflow graph. Plans hold registry
// pointers and are never serialized; caching is strictly per-process.
type Plan struct {
	WorkflowID   string
	WorkflowSlug string
	TriggerNode  string
	Hash         string

	Nodes     map[string]*NodeSpec
	Adjacency map[string][]*workflow.Edge

	// SwitchRoutes maps a switch node to its ordered conditional branches.
	// A Condition of "default" marks the fallback target.
	SwitchRoutes map[string][]Route
}

// DefaultTarget returns the default branch of a switch node, if declared.
func (p *Plan) DefaultTarget(switchNode string) (string, bool) {
	for _, r := range p.SwitchRoutes[switchNode] {
		if r.Condition == "default" {
			return r.Target, true
		}
	}
	return "", false
}

// Build compiles a workflow into a plan scoped to one trigger node.
func Build(wf *workflow.Workflow, triggerNodeID string, registry *nodes.Registry) (*Plan, error) {
	byID := make(map[string]*workflow.Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		byID[n.NodeID] = n
	}

	trigger, ok := byID[triggerNodeID]
	if !ok {
		return nil, &ValidationError{wf.ID, fmt.Sprintf("trigger node %q not found", triggerNodeID)}
	}
	if !trigger.ComponentType.IsTrigger() {
		return nil, &ValidationError{wf.ID, fmt.Sprintf("node %q is not a trigger (%s)", triggerNodeID, trigger.ComponentType)}
	}

	for _, e := range wf.Edges {
		if err := e.Validate(); err != nil {
			return nil, &ValidationError{wf.ID, err.Error()}
		}
	}

	reached, edges := Reachable(wf.Edges, triggerNodeID)

	p := &Plan{
		WorkflowID:   wf.ID,
		WorkflowSlug: wf.Slug,
		TriggerNode:  triggerNodeID,
		Hash:         StructuralHash(wf),
		Nodes:        make(map[string]*NodeSpec, len(reached)),
		Adjacency:    make(map[string][]*workflow.Edge),
		SwitchRoutes: make(map[string][]Route),
	}

	for nodeID := range reached {
		n, ok := byID[nodeID]
		if !ok {
			return nil, &ValidationError{wf.ID, fmt.Sprintf("edge references unknown node %q", nodeID)}
		}
		typeSpec, ok := registry.Lookup(n.ComponentType)
		if !ok {
			return nil, &ValidationError{wf.ID, fmt.Sprintf("node %q: unknown component type %q", nodeID, n.ComponentType)}
		}
		spec := &NodeSpec{
			NodeID:        nodeID,
			ComponentType: n.ComponentType,
			Config:        n.Config,
			Type:          typeSpec,
			ModelName:     n.Config.ModelName,
		}
		resolveRefs(spec, wf.Edges, byID)
		p.Nodes[nodeID] = spec
	}

	for _, e := range edges {
		p.Adjacency[e.SourceNodeID] = append(p.Adjacency[e.SourceNodeID], e)
	}
	for _, out := range p.Adjacency {
		sortEdges(out)
	}

	if err := validate(p); err != nil {
		return nil, err
	}

	for nodeID, spec := range p.Nodes {
		if spec.ComponentType != workflow.ComponentSwitch {
			continue
		}
		for _, e := range p.Adjacency[nodeID] {
			if e.EdgeType == workflow.EdgeConditional {
				p.SwitchRoutes[nodeID] = append(p.SwitchRoutes[nodeID], Route{
					Condition: e.ConditionValue,
					Target:    e.TargetNodeID,
				})
			}
		}
	}

	return p, nil
}

// resolveRefs follows incoming sub-component edges. The capability node is
// the edge source; it never executes, it only carries configuration.
func resolveRefs(spec *NodeSpec, edges []*workflow.Edge, byID map[string]*workflow.Node) {
	incoming := make([]*workflow.Edge, 0, 2)
	for _, e := range edges {
		if e.TargetNodeID == spec.NodeID && e.EdgeLabel.IsSubComponent() {
			incoming = append(incoming, e)
		}
	}
	sortEdges(incoming)

	for _, e := range incoming {
		switch e.EdgeLabel {
		case workflow.LabelLLM:
			if spec.ModelRef != "" {
				continue
			}
			spec.ModelRef = e.SourceNodeID
			if carrier, ok := byID[e.SourceNodeID]; ok {
				if spec.ModelName == "" {
					spec.ModelName = carrier.Config.ModelName
				}
				if provider, ok := carrier.Config.ExtraConfig["provider"].(string); ok {
					spec.Provider = provider
				}
			}
		case workflow.LabelTool:
			spec.ToolRefs = append(spec.ToolRefs, e.SourceNodeID)
		case workflow.LabelOutputParser:
			if spec.OutputParserRef == "" {
				spec.OutputParserRef = e.SourceNodeID
			}
		}
	}
}

func validate(p *Plan) error {
	for nodeID, out := range p.Adjacency {
		source := p.Nodes[nodeID]
		for _, e := range out {
			if e.EdgeType == workflow.EdgeConditional && source.ComponentType != workflow.ComponentSwitch {
				return &ValidationError{p.WorkflowID, fmt.Sprintf(
					"conditional edge %s originates from %s node %q", e.ID, source.ComponentType, nodeID)}
			}
			if e.EdgeLabel.BypassesPortCheck() {
				continue
			}
			target := p.Nodes[e.TargetNodeID]
			if !portsCompatible(source.Type, target.Type) {
				return &ValidationError{p.WorkflowID, fmt.Sprintf(
					"edge %s: no compatible port between %s and %s", e.ID, source.ComponentType, target.ComponentType)}
			}
		}
	}

	for nodeID, spec := range p.Nodes {
		if spec.Type.RequiresModel() && spec.ModelRef == "" && spec.ModelName == "" {
			return &ValidationError{p.WorkflowID, fmt.Sprintf(
				"node %q (%s) has no model: wire an llm-labelled edge or set model_name", nodeID, spec.ComponentType)}
		}
	}
	return nil
}

// portsCompatible reports whether any source output can feed any target
// input. Undeclared port lists accept everything.
func portsCompatible(source, target *nodes.TypeSpec) bool {
	if len(source.Outputs) == 0 || len(target.Inputs) == 0 {
		return true
	}
	for _, out := range source.Outputs {
		for _, in := range target.Inputs {
			if nodes.Compatible(out.Type, in.Type) {
				return true
			}
		}
	}
	return false
}

// sortEdges orders edges by (priority asc, edge id asc). This tie-break is
// the frozen fan-out order everywhere.
func sortEdges(edges []*workflow.Edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority < edges[j].Priority
		}
		return edges[i].ID < edges[j].ID
	})
}
