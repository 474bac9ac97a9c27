package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pipelit/pipelit/workflow"
)

// hashNode and hashEdge pin the exact fields that participate in the
// structural hash. Canvas positions and timestamps are cosmetic and
// excluded.
type hashNode struct {
	NodeID        string                 `json:"node_id"`
	ComponentType workflow.ComponentType `json:"component_type"`
	Config        workflow.NodeConfig    `json:"config"`
}

type hashEdge struct {
	ID             string             `json:"id"`
	Source         string             `json:"source"`
	Target         string             `json:"target"`
	EdgeType       workflow.EdgeType  `json:"edge_type"`
	EdgeLabel      workflow.EdgeLabel `json:"edge_label"`
	ConditionValue string             `json:"condition_value"`
	Priority       int                `json:"priority"`
}

// StructuralHash digests a workflow's nodes and edges. Any mutation that
// changes execution behavior changes the hash; reordering the slices does
// not.
func StructuralHash(wf *workflow.Workflow) string {
	nodes := make([]hashNode, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodes = append(nodes, hashNode{n.NodeID, n.ComponentType, n.Config})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	edges := make([]hashEdge, 0, len(wf.Edges))
	for _, e := range wf.Edges {
		edges = append(edges, hashEdge{e.ID, e.SourceNodeID, e.TargetNodeID, e.EdgeType, e.EdgeLabel, e.ConditionValue, e.Priority})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	data, err := json.Marshal(struct {
		Nodes []hashNode `json:"nodes"`
		Edges []hashEdge `json:"edges"`
	}{nodes, edges})
	if err != nil {
		// Marshal of plain structs cannot fail; keep the signature simple.
		panic("plan: structural hash marshal: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
