package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine"
)

// Control-flow nodes are routed by the engine's stepper, which keys on
// their node_type; Execute never runs. The registry still carries them so
// dispatch validation and port declarations work like any other node.
type controlNode struct {
	def engine.NodeDefinition
}

func (c *controlNode) Definition() engine.NodeDefinition { return c.def }

func (*controlNode) Validate() error { return nil }

func (c *controlNode) Execute(context.Context, *engine.NodeContext) (*engine.NodeResult, error) {
	return nil, fmt.Errorf("%s is engine-managed", c.def.Type)
}

func newTryNode(domain.WorkflowNode) (engine.Node, error) {
	return &controlNode{def: engine.NodeDefinition{
		Type:        domain.NodeTypeTry,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortTryBody, engine.PortSuccess, engine.PortCatch},
		Outputs: []engine.PortSpec{
			{Name: "error_message", Type: "string"},
			{Name: "error_type", Type: "string"},
		},
	}}, nil
}

// retryNode declares the attempt loop; the backoff policy is read from
// config (max_attempts, initial_delay, backoff_factor, max_delay).
type retryNode struct {
	controlNode
	n domain.WorkflowNode
}

func newRetryNode(n domain.WorkflowNode) (engine.Node, error) {
	return &retryNode{
		n: n,
		controlNode: controlNode{def: engine.NodeDefinition{
			Type:        domain.NodeTypeRetry,
			ExecInputs:  []string{engine.PortExecIn},
			ExecOutputs: []string{engine.PortRetryBody, engine.PortSuccess, engine.PortFailed},
			Outputs: []engine.PortSpec{
				{Name: "attempt", Type: "number"},
				{Name: "error_message", Type: "string"},
				{Name: "error_type", Type: "string"},
			},
		}},
	}, nil
}

func (r *retryNode) Validate() error {
	if raw, ok := r.n.Config["max_attempts"]; ok {
		if f, isNum := toFloat(raw); !isNum || f < 1 {
			return errors.New("max_attempts must be a number >= 1")
		}
	}
	for _, key := range []string{"initial_delay", "max_delay"} {
		if raw, ok := r.n.Config[key]; ok {
			if f, isNum := toFloat(raw); !isNum || f < 0 {
				return fmt.Errorf("%s must be a non-negative number", key)
			}
		}
	}
	if raw, ok := r.n.Config["backoff_factor"]; ok {
		if f, isNum := toFloat(raw); !isNum || f <= 0 {
			return errors.New("backoff_factor must be a positive number")
		}
	}
	return nil
}

func newRetrySuccessNode(domain.WorkflowNode) (engine.Node, error) {
	return &controlNode{def: engine.NodeDefinition{
		Type:       domain.NodeTypeRetrySuccess,
		ExecInputs: []string{engine.PortExecIn},
	}}, nil
}

func newRetryFailNode(domain.WorkflowNode) (engine.Node, error) {
	return &controlNode{def: engine.NodeDefinition{
		Type:       domain.NodeTypeRetryFail,
		ExecInputs: []string{engine.PortExecIn},
	}}, nil
}

// loopNode runs its body count times; the count may arrive by data edge.
type loopNode struct {
	controlNode
	n domain.WorkflowNode
}

func newLoopNode(n domain.WorkflowNode) (engine.Node, error) {
	return &loopNode{
		n: n,
		controlNode: controlNode{def: engine.NodeDefinition{
			Type:        domain.NodeTypeLoop,
			ExecInputs:  []string{engine.PortExecIn},
			ExecOutputs: []string{engine.PortLoopBody, engine.PortLoopDone},
			Inputs:      []engine.PortSpec{{Name: "count", Type: "number"}},
			Outputs:     []engine.PortSpec{{Name: "index", Type: "number"}},
		}},
	}, nil
}

func (l *loopNode) Validate() error {
	if raw, ok := l.n.Config["count"]; ok {
		if f, isNum := toFloat(raw); !isNum || f < 0 {
			return errors.New("count must be a non-negative number")
		}
	}
	return nil
}

func newForEachNode(domain.WorkflowNode) (engine.Node, error) {
	return &controlNode{def: engine.NodeDefinition{
		Type:        domain.NodeTypeForEach,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortLoopBody, engine.PortLoopDone},
		Inputs:      []engine.PortSpec{{Name: "items", Type: "array"}},
		Outputs: []engine.PortSpec{
			{Name: "item", Type: "any"},
			{Name: "index", Type: "number"},
		},
	}}, nil
}
