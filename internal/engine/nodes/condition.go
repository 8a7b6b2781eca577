package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine"
)

// conditionNode evaluates an expression over the execution variables
// (plus this node's resolved inputs) and routes exec_true or exec_false.
// Expressions use expr-lang syntax, e.g. `x > 5 && status == "ok"`.
type conditionNode struct {
	n    domain.WorkflowNode
	prog *vm.Program
}

func newConditionNode(n domain.WorkflowNode) (engine.Node, error) {
	return &conditionNode{n: n}, nil
}

func (*conditionNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        TypeCondition,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortTrue, engine.PortFalse},
		Inputs:      []engine.PortSpec{{Name: "value", Type: "any"}},
		Outputs:     []engine.PortSpec{{Name: "result", Type: "boolean"}},
	}
}

func (c *conditionNode) Validate() error {
	src, _ := c.n.Config["expression"].(string)
	if src == "" {
		return errors.New("expression is required")
	}
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("compile expression: %w", err)
	}
	c.prog = prog
	return nil
}

func (c *conditionNode) Execute(_ context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	if c.prog == nil {
		if err := c.Validate(); err != nil {
			return nil, domain.WrapExecError(domain.KindValidation, nc.Node.NodeID, err)
		}
	}
	env := nc.Vars()
	for k, v := range nc.Inputs {
		env[k] = v
	}
	out, err := expr.Run(c.prog, env)
	if err != nil {
		return nil, domain.WrapExecError(domain.KindNodeExecution, nc.Node.NodeID,
			fmt.Errorf("evaluate expression: %w", err))
	}
	truthy := engine.Truthy(out)
	port := engine.PortFalse
	if truthy {
		port = engine.PortTrue
	}
	return &engine.NodeResult{
		Outputs:   map[string]any{"result": truthy},
		NextPorts: []string{port},
	}, nil
}
