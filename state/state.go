// Package state holds the ephemeral per-execution state: the message
// history, per-node outputs and results, routing, and user context. The live
// object is worker-local; cross-worker resume goes through serialized
// snapshots in a JetStream KV blob store.
package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/pipelit/pipelit/workflow"
)

// Message is one entry of the conversation history. Messages carry stable
// IDs; appending a duplicate ID is a no-op.
type Message struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"` // "system", "user", "assistant", "tool"
	Content    string    `json:"content"`
	Name       string    `json:"name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh stable ID.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NodeResult is the recorded outcome of one node run.
type NodeResult struct {
	Status     workflow.NodeStatus `json:"status"`
	Error      string              `json:"error,omitempty"`
	ErrorCode  string              `json:"error_code,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	DurationMS int64               `json:"duration_ms"`
}

// protectedKeys are top-level state entries that _state_patch may never
// touch; patches naming them are silently dropped.
var protectedKeys = map[string]bool{
	"messages":     true,
	"node_outputs": true,
	"node_results": true,
}

// ExecutionState is the per-execution map. Mutation goes through the narrow
// writer methods below so the invariants (stable-ID append, shallow patch,
// protected keys) hold everywhere.
//
// The struct is not safe for concurrent use; the status CAS on the execution
// row guarantees a single writer.
type ExecutionState struct {
	ExecutionID       string                    `json:"execution_id"`
	ThreadID          string                    `json:"thread_id,omitempty"`
	ParentExecutionID string                    `json:"parent_execution_id,omitempty"`
	ParentNodeID      string                    `json:"parent_node_id,omitempty"`
	Messages          []Message                 `json:"messages"`
	NodeOutputs       map[string]map[string]any `json:"node_outputs"`
	NodeResults       map[string]NodeResult     `json:"node_results"`
	Route             string                    `json:"route"`
	Trigger           workflow.TriggerPayload   `json:"trigger"`
	UserContext       map[string]any            `json:"user_context"`

	seen map[string]bool // message IDs already appended
}

// New creates the initial state for an execution.
func New(exec *workflow.Execution) *ExecutionState {
	s := &ExecutionState{
		ExecutionID:       exec.ID,
		ThreadID:          exec.ThreadID,
		ParentExecutionID: exec.ParentExecutionID,
		ParentNodeID:      exec.ParentNodeID,
		NodeOutputs:       make(map[string]map[string]any),
		NodeResults:       make(map[string]NodeResult),
		Trigger:           exec.TriggerData,
		UserContext:       make(map[string]any),
		seen:              make(map[string]bool),
	}
	for k, v := range exec.TriggerData.UserContext {
		s.UserContext[k] = v
	}
	return s
}

// AppendMessages appends messages, skipping any whose ID was seen before.
// Messages without an ID are assigned one.
func (s *ExecutionState) AppendMessages(msgs ...Message) int {
	if s.seen == nil {
		s.rebuildSeen()
	}
	appended := 0
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if s.seen[m.ID] {
			continue
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		s.Messages = append(s.Messages, m)
		s.seen[m.ID] = true
		appended++
	}
	return appended
}

// SetRoute records the route chosen by the most recent switch or _route key.
func (s *ExecutionState) SetRoute(route string) {
	s.Route = route
}

// SetNodeOutput replaces the whole output map of a node.
func (s *ExecutionState) SetNodeOutput(nodeID string, output map[string]any) {
	if s.NodeOutputs == nil {
		s.NodeOutputs = make(map[string]map[string]any)
	}
	s.NodeOutputs[nodeID] = output
}

// SetNodeResult records the outcome of a node run.
func (s *ExecutionState) SetNodeResult(nodeID string, result NodeResult) {
	if s.NodeResults == nil {
		s.NodeResults = make(map[string]NodeResult)
	}
	s.NodeResults[nodeID] = result
}

// MergePatch applies a _state_patch map: a shallow merge into user context
// with protected keys silently dropped.
func (s *ExecutionState) MergePatch(patch map[string]any) {
	if s.UserContext == nil {
		s.UserContext = make(map[string]any)
	}
	for k, v := range patch {
		if protectedKeys[k] {
			continue
		}
		s.UserContext[k] = v
	}
}

// ExpressionContext builds the binding map the expression resolver evaluates
// against: node outputs by node id, the trigger shorthand, and every user
// context key at top level.
func (s *ExecutionState) ExpressionContext() map[string]any {
	ctx := make(map[string]any, len(s.NodeOutputs)+len(s.UserContext)+1)
	for k, v := range s.UserContext {
		ctx[k] = v
	}
	for nodeID, out := range s.NodeOutputs {
		m := make(map[string]any, len(out))
		for k, v := range out {
			m[k] = v
		}
		ctx[nodeID] = m
	}
	ctx["trigger"] = map[string]any{
		"text":    s.Trigger.Text,
		"payload": s.Trigger.Payload,
	}
	return ctx
}

// rebuildSeen reconstructs the dedupe index, needed after a snapshot restore
// where only exported fields round-trip.
func (s *ExecutionState) rebuildSeen() {
	s.seen = make(map[string]bool, len(s.Messages))
	for _, m := range s.Messages {
		s.seen[m.ID] = true
	}
}
