package nodes

import "github.com/pipelit/pipelit/workflow"

// registerBuiltins wires the built-in component types into a registry.
// Registration errors here are programming errors; panic loudly.
func registerBuiltins(r *Registry) {
	specs := []*TypeSpec{
		{
			ComponentType: workflow.ComponentTriggerChat,
			Outputs: []PortSpec{
				{Name: "text", Type: TypeString},
				{Name: "payload", Type: TypeObject},
			},
			Executable: true,
			Run:        runTrigger,
		},
		{
			ComponentType: workflow.ComponentTriggerWebhook,
			Outputs: []PortSpec{
				{Name: "text", Type: TypeString},
				{Name: "payload", Type: TypeObject},
			},
			Executable: true,
			Run:        runTrigger,
		},
		{
			ComponentType: workflow.ComponentAgent,
			Inputs: []PortSpec{
				{Name: "input", Type: TypeAny},
			},
			Outputs: []PortSpec{
				{Name: "output", Type: TypeString},
			},
			Executable:            true,
			RequiredSubcomponents: []Subcomponent{SubModel},
			Run:                   runAgent,
		},
		{
			ComponentType: workflow.ComponentSwitch,
			Inputs: []PortSpec{
				{Name: "value", Type: TypeAny},
			},
			Outputs: []PortSpec{
				{Name: "route", Type: TypeString},
			},
			Executable: true,
			Run:        runSwitch,
		},
		{
			ComponentType: workflow.ComponentLoop,
			Inputs: []PortSpec{
				{Name: "input", Type: TypeAny},
			},
			Outputs: []PortSpec{
				{Name: "iteration", Type: TypeNumber},
			},
			Executable: true,
			Run:        runLoop,
		},
		{
			ComponentType: workflow.ComponentSubworkflow,
			Inputs: []PortSpec{
				{Name: "input", Type: TypeAny},
			},
			Outputs: []PortSpec{
				{Name: "output", Type: TypeAny},
			},
			Executable: true,
			Run:        runSubworkflowCall,
		},
		{
			ComponentType: workflow.ComponentTemplate,
			Inputs: []PortSpec{
				{Name: "input", Type: TypeAny},
			},
			Outputs: []PortSpec{
				{Name: "output", Type: TypeString},
			},
			Executable: true,
			Run:        runTemplate,
		},
		{
			ComponentType: workflow.ComponentHTTPRequest,
			Inputs: []PortSpec{
				{Name: "input", Type: TypeAny},
			},
			Outputs: []PortSpec{
				{Name: "status_code", Type: TypeNumber},
				{Name: "body", Type: TypeString},
			},
			Executable: true,
			Run:        runHTTPRequest,
		},
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic("nodes: " + err.Error())
		}
	}
}
