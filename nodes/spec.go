// Package nodes defines the component contract of the execution engine: the
// immutable registry of node type specifications, the port type system, and
// the built-in component implementations.
package nodes

import (
	"fmt"
	"sync"

	"github.com/pipelit/pipelit/workflow"
)

// PortType is the declared type of a component input or output. The set is
// closed; ANY accepts everything.
type PortType string

const (
	TypeString   PortType = "STRING"
	TypeNumber   PortType = "NUMBER"
	TypeBoolean  PortType = "BOOLEAN"
	TypeObject   PortType = "OBJECT"
	TypeArray    PortType = "ARRAY"
	TypeMessages PortType = "MESSAGES"
	TypeAny      PortType = "ANY"
)

// Compatible reports whether a value of type `out` may feed a port of type
// `in`. ANY matches on either side.
func Compatible(out, in PortType) bool {
	if out == TypeAny || in == TypeAny {
		return true
	}
	return out == in
}

// PortSpec declares one input or output of a component type.
type PortSpec struct {
	Name     string   `json:"name"`
	Type     PortType `json:"type"`
	Required bool     `json:"required,omitempty"`
}

// Subcomponent names a capability wired into a node via a labelled edge.
type Subcomponent string

const (
	SubModel        Subcomponent = "model"
	SubTools        Subcomponent = "tools"
	SubOutputParser Subcomponent = "output_parser"
)

// TypeSpec is the immutable description of a component type.
type TypeSpec struct {
	ComponentType workflow.ComponentType `json:"component_type"`
	Inputs        []PortSpec             `json:"inputs,omitempty"`
	Outputs       []PortSpec             `json:"outputs,omitempty"`
	// Executable marks types the orchestrator dispatches. Non-executable
	// types (pure capability carriers) only feed configuration resolution.
	Executable bool `json:"executable"`
	// RequiredSubcomponents must all be wired by labelled edges before the
	// builder accepts a node of this type.
	RequiredSubcomponents []Subcomponent `json:"required_subcomponents,omitempty"`

	// Run is the component function. nil for non-executable types.
	Run Func `json:"-"`
}

// RequiresModel reports whether the type needs an llm-labelled edge.
func (s *TypeSpec) RequiresModel() bool {
	for _, sub := range s.RequiredSubcomponents {
		if sub == SubModel {
			return true
		}
	}
	return false
}

// Registry maps component types to their specs. It follows construct-then-
// freeze: registration happens during initialization, the first lookup
// freezes it, and later registration panics.
type Registry struct {
	mu     sync.Mutex
	specs  map[workflow.ComponentType]*TypeSpec
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[workflow.ComponentType]*TypeSpec)}
}

// Register adds a type spec. Duplicate or post-freeze registration is a
// programming error.
func (r *Registry) Register(spec *TypeSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("nodes: Register called after registry was frozen")
	}
	if spec.ComponentType == "" {
		return fmt.Errorf("register type spec: component_type is required")
	}
	if _, exists := r.specs[spec.ComponentType]; exists {
		return fmt.Errorf("register type spec: %s already registered", spec.ComponentType)
	}
	if spec.Executable && spec.Run == nil {
		return fmt.Errorf("register type spec: executable %s has no Run", spec.ComponentType)
	}
	r.specs[spec.ComponentType] = spec
	return nil
}

// Lookup returns the spec for a component type, freezing the registry.
func (r *Registry) Lookup(t workflow.ComponentType) (*TypeSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	spec, ok := r.specs[t]
	return spec, ok
}

// Types returns all registered component types.
func (r *Registry) Types() []workflow.ComponentType {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	types := make([]workflow.ComponentType, 0, len(r.specs))
	for t := range r.specs {
		types = append(types, t)
	}
	return types
}

var (
	builtinOnce sync.Once
	builtin     *Registry
)

// Builtin returns the process-wide registry of built-in component types.
func Builtin() *Registry {
	builtinOnce.Do(func() {
		builtin = NewRegistry()
		registerBuiltins(builtin)
	})
	return builtin
}
