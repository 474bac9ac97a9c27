// Package workflow defines the persistent entities of the Pipelit platform:
// workflows and their graphs (nodes, edges), executions and their logs,
// scheduled jobs, and epic/task budget containers.
package workflow

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ComponentType identifies the behavior of a node. The set is closed; the
// nodes package holds the spec registry keyed by these values.
type ComponentType string

const (
	ComponentTriggerChat    ComponentType = "trigger_chat"
	ComponentTriggerWebhook ComponentType = "trigger_webhook"
	ComponentAgent          ComponentType = "agent"
	ComponentSwitch         ComponentType = "switch"
	ComponentLoop           ComponentType = "loop"
	ComponentSubworkflow    ComponentType = "subworkflow_call"
	ComponentTemplate       ComponentType = "template"
	ComponentHTTPRequest    ComponentType = "http_request"
)

// IsTrigger reports whether the component type can act as an execution entry
// point.
func (t ComponentType) IsTrigger() bool {
	return t == ComponentTriggerChat || t == ComponentTriggerWebhook
}

// EdgeType distinguishes unconditional dataflow edges from switch-routed ones.
type EdgeType string

const (
	EdgeDirect      EdgeType = "direct"
	EdgeConditional EdgeType = "conditional"
)

// EdgeLabel classifies an edge beyond its type. Sub-component labels wire a
// capability (model, tool, parser) into a node and never carry dataflow.
// Loop labels carry dataflow but bypass port-type checks.
type EdgeLabel string

const (
	LabelNone         EdgeLabel = ""
	LabelLLM          EdgeLabel = "llm"
	LabelTool         EdgeLabel = "tool"
	LabelOutputParser EdgeLabel = "output_parser"
	LabelLoopBody     EdgeLabel = "loop_body"
	LabelLoopReturn   EdgeLabel = "loop_return"
)

// IsSubComponent reports whether the label wires a capability rather than
// dataflow. Sub-component edges are invisible to topology traversal.
func (l EdgeLabel) IsSubComponent() bool {
	return l == LabelLLM || l == LabelTool || l == LabelOutputParser
}

// IsLoop reports whether the label is part of a loop construct.
func (l EdgeLabel) IsLoop() bool {
	return l == LabelLoopBody || l == LabelLoopReturn
}

// BypassesPortCheck reports whether edges with this label skip port-type
// compatibility validation at build time.
func (l EdgeLabel) BypassesPortCheck() bool {
	return l.IsSubComponent() || l.IsLoop()
}

// Workflow is a stored graph of nodes and edges. It exclusively owns its
// nodes and edges; deleting it deletes them.
type Workflow struct {
	bun.BaseModel `bun:"table:workflows"`

	ID   string `bun:"id,pk" json:"id"`
	Slug string `bun:"slug,unique,notnull" json:"slug"`
	Name string `bun:"name" json:"name"`
	// ErrorHandlerSlug, when set, names a workflow to enqueue with failure
	// details whenever an execution of this workflow fails.
	ErrorHandlerSlug string     `bun:"error_handler_slug" json:"error_handler_slug,omitempty"`
	EpicID           string     `bun:"epic_id" json:"epic_id,omitempty"`
	CreatedAt        time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt        time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt        *time.Time `bun:"deleted_at,soft_delete" json:"deleted_at,omitempty"`

	Nodes []*Node `bun:"rel:has-many,join:id=workflow_id" json:"nodes,omitempty"`
	Edges []*Edge `bun:"rel:has-many,join:id=workflow_id" json:"edges,omitempty"`
}

// NodeConfig is the static configuration of a node. Template expressions in
// SystemPrompt and in string leaves of ExtraConfig are resolved immediately
// before the component runs.
type NodeConfig struct {
	SystemPrompt string         `json:"system_prompt,omitempty"`
	ExtraConfig  map[string]any `json:"extra_config,omitempty"`
	ModelName    string         `json:"model_name,omitempty"`
	CredentialID string         `json:"credential_id,omitempty"`
}

// Node is a single vertex of a workflow graph. Nodes are polymorphic only in
// configuration, never in control flow.
type Node struct {
	bun.BaseModel `bun:"table:nodes"`

	ID         string `bun:"id,pk" json:"id"`
	WorkflowID string `bun:"workflow_id,notnull" json:"workflow_id"`
	// NodeID is the user-facing identifier, unique within a workflow and
	// stable across edits. Expressions and edges reference it.
	NodeID        string        `bun:"node_id,notnull" json:"node_id"`
	ComponentType ComponentType `bun:"component_type,notnull" json:"component_type"`
	Config        NodeConfig    `bun:"config,type:jsonb" json:"config"`
	PositionX     float64       `bun:"position_x" json:"position_x"`
	PositionY     float64       `bun:"position_y" json:"position_y"`
	CreatedAt     time.Time     `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time     `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// Edge is a directed connection between two nodes of the same workflow.
type Edge struct {
	bun.BaseModel `bun:"table:edges"`

	ID           string    `bun:"id,pk" json:"id"`
	WorkflowID   string    `bun:"workflow_id,notnull" json:"workflow_id"`
	SourceNodeID string    `bun:"source_node_id,notnull" json:"source_node_id"`
	TargetNodeID string    `bun:"target_node_id,notnull" json:"target_node_id"`
	EdgeType     EdgeType  `bun:"edge_type,notnull" json:"edge_type"`
	EdgeLabel    EdgeLabel `bun:"edge_label" json:"edge_label"`
	// ConditionValue is consulted only on conditional edges: the route value
	// that selects this edge, or "default".
	ConditionValue string    `bun:"condition_value" json:"condition_value,omitempty"`
	Priority       int       `bun:"priority" json:"priority"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// Validate checks edge-level invariants that do not require the full graph.
func (e *Edge) Validate() error {
	switch e.EdgeType {
	case EdgeDirect, EdgeConditional:
	default:
		return fmt.Errorf("edge %s: unknown edge_type %q", e.ID, e.EdgeType)
	}
	switch e.EdgeLabel {
	case LabelNone, LabelLLM, LabelTool, LabelOutputParser, LabelLoopBody, LabelLoopReturn:
	default:
		return fmt.Errorf("edge %s: unknown edge_label %q", e.ID, e.EdgeLabel)
	}
	if e.EdgeType == EdgeConditional && e.EdgeLabel != LabelNone {
		return fmt.Errorf("edge %s: conditional edges cannot carry label %q", e.ID, e.EdgeLabel)
	}
	if e.SourceNodeID == "" || e.TargetNodeID == "" {
		return fmt.Errorf("edge %s: source and target are required", e.ID)
	}
	return nil
}
