package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// Well-known exec port names. Control nodes route on these; plain nodes
// usually expose a single exec_in/exec_out pair.
const (
	PortExecIn    = "exec_in"
	PortExecOut   = "exec_out"
	PortTrue      = "exec_true"
	PortFalse     = "exec_false"
	PortTryBody   = "exec_try_body"
	PortCatch     = "exec_catch"
	PortSuccess   = "exec_success"
	PortRetryBody = "exec_retry_body"
	PortFailed    = "exec_failed"
	PortLoopBody  = "exec_loop_body"
	PortLoopDone  = "exec_done"
)

// PortSpec describes one data port.
type PortSpec struct {
	Name string
	// Type is advisory ("string", "number", "boolean", "object", "array",
	// "any"). Values are not coerced on the wire; nodes coerce on read.
	Type string
}

// NodeDefinition declares a node type's ports. ExecOutputs order matters:
// it is the successor enqueue order, and the first entry is the default
// route when Execute does not pick one.
type NodeDefinition struct {
	Type        string
	ExecInputs  []string
	ExecOutputs []string
	Inputs      []PortSpec
	Outputs     []PortSpec
}

// OutputNamed reports whether the definition declares the output port.
func (d NodeDefinition) OutputNamed(name string) bool {
	for _, p := range d.Outputs {
		if p.Name == name {
			return true
		}
	}
	return false
}

// NodeResult is what a successful Execute returns. Outputs are cached on
// the execution for downstream data edges. NextPorts selects which exec
// outputs fire: nil means the first declared output, an empty slice means
// none.
type NodeResult struct {
	Outputs   map[string]any
	NextPorts []string
}

// Node is the plugin contract. Validate runs once at dispatch, before any
// node executes. Execute must honor ctx; the engine abandons calls that
// outlive the node timeout.
type Node interface {
	Definition() NodeDefinition
	Validate() error
	Execute(ctx context.Context, nc *NodeContext) (*NodeResult, error)
}

// Factory builds a node instance from its workflow declaration.
type Factory func(n domain.WorkflowNode) (Node, error)

// Registry maps node_type keys to factories. Unknown types are rejected
// at dispatch time, not at workflow load.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory, replacing any previous one for the same key.
func (r *Registry) Register(nodeType string, f Factory) {
	r.factories[nodeType] = f
}

// Has reports whether the node type is registered.
func (r *Registry) Has(nodeType string) bool {
	_, ok := r.factories[nodeType]
	return ok
}

// Types returns the registered node type keys, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build instantiates the node, or fails with kind VALIDATION when the
// type is unknown or the factory rejects the declaration.
func (r *Registry) Build(n domain.WorkflowNode) (Node, error) {
	f, ok := r.factories[n.NodeType]
	if !ok {
		return nil, domain.NewExecError(domain.KindValidation, n.NodeID, "unknown node type %q", n.NodeType)
	}
	inst, err := f(n)
	if err != nil {
		return nil, domain.WrapExecError(domain.KindValidation, n.NodeID, fmt.Errorf("build %s: %w", n.NodeType, err))
	}
	return inst, nil
}
