package nodes

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine"
)

type startNode struct{}

func newStartNode(domain.WorkflowNode) (engine.Node, error) { return &startNode{}, nil }

func (*startNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        domain.NodeTypeStart,
		ExecOutputs: []string{engine.PortExecOut},
	}
}

func (*startNode) Validate() error { return nil }

func (*startNode) Execute(context.Context, *engine.NodeContext) (*engine.NodeResult, error) {
	return &engine.NodeResult{}, nil
}

type endNode struct{}

func newEndNode(domain.WorkflowNode) (engine.Node, error) { return &endNode{}, nil }

func (*endNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:       domain.NodeTypeEnd,
		ExecInputs: []string{engine.PortExecIn},
	}
}

func (*endNode) Validate() error { return nil }

func (*endNode) Execute(context.Context, *engine.NodeContext) (*engine.NodeResult, error) {
	return &engine.NodeResult{}, nil
}

// setVariableNode writes one execution variable. The value comes from the
// value input port or the config literal; {{templates}} expand against
// current variables.
type setVariableNode struct {
	n domain.WorkflowNode
}

func newSetVariableNode(n domain.WorkflowNode) (engine.Node, error) {
	return &setVariableNode{n: n}, nil
}

func (*setVariableNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        TypeSetVariable,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortExecOut},
		Inputs:      []engine.PortSpec{{Name: "value", Type: "any"}},
		Outputs:     []engine.PortSpec{{Name: "value", Type: "any"}},
	}
}

func (s *setVariableNode) Validate() error {
	if name, _ := s.n.Config["name"].(string); name == "" {
		return errors.New("name is required")
	}
	return nil
}

func (s *setVariableNode) Execute(_ context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	name := nc.ConfigString("name")
	v := nc.Param("value")
	nc.SetVar(name, v)
	return &engine.NodeResult{Outputs: map[string]any{"value": v}}, nil
}

// incrementNode adds a step (default 1) to a numeric variable, treating a
// missing variable as 0.
type incrementNode struct {
	n domain.WorkflowNode
}

func newIncrementNode(n domain.WorkflowNode) (engine.Node, error) {
	return &incrementNode{n: n}, nil
}

func (*incrementNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        TypeIncrement,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortExecOut},
		Inputs:      []engine.PortSpec{{Name: "by", Type: "number"}},
		Outputs:     []engine.PortSpec{{Name: "value", Type: "number"}},
	}
}

func (i *incrementNode) Validate() error {
	if name, _ := i.n.Config["name"].(string); name == "" {
		return errors.New("name is required")
	}
	return nil
}

func (i *incrementNode) Execute(_ context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	name := nc.ConfigString("name")
	by := 1.0
	if v, ok := nc.ParamNumber("by"); ok {
		by = v
	}
	cur := 0.0
	if v, ok := nc.Var(name); ok {
		if f, numeric := toFloat(v); numeric {
			cur = f
		} else {
			return nil, domain.NewExecError(domain.KindValidation, nc.Node.NodeID, "variable %q is not numeric", name)
		}
	}
	next := cur + by
	nc.SetVar(name, next)
	return &engine.NodeResult{Outputs: map[string]any{"value": next}}, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// logMessageNode writes a line through the execution's structured logger.
type logMessageNode struct {
	n domain.WorkflowNode
}

func newLogMessageNode(n domain.WorkflowNode) (engine.Node, error) {
	return &logMessageNode{n: n}, nil
}

func (*logMessageNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        TypeLogMessage,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortExecOut},
		Inputs:      []engine.PortSpec{{Name: "message", Type: "any"}},
		Outputs:     []engine.PortSpec{{Name: "message", Type: "string"}},
	}
}

func (*logMessageNode) Validate() error { return nil }

func (l *logMessageNode) Execute(_ context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	msg := nc.ParamString("message")
	switch strings.ToLower(nc.ConfigString("level")) {
	case "debug":
		nc.Logger().Debug(msg)
	case "warn", "warning":
		nc.Logger().Warn(msg)
	case "error":
		nc.Logger().Error(msg)
	default:
		nc.Logger().Info(msg)
	}
	return &engine.NodeResult{Outputs: map[string]any{"message": msg}}, nil
}

// throwErrorNode raises a workflow error, typically inside a try body.
type throwErrorNode struct {
	n domain.WorkflowNode
}

func newThrowErrorNode(n domain.WorkflowNode) (engine.Node, error) {
	return &throwErrorNode{n: n}, nil
}

func (*throwErrorNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:       TypeThrowError,
		ExecInputs: []string{engine.PortExecIn},
		Inputs:     []engine.PortSpec{{Name: "message", Type: "string"}},
	}
}

func (*throwErrorNode) Validate() error { return nil }

func (t *throwErrorNode) Execute(_ context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	msg := nc.ParamString("message")
	if msg == "" {
		msg = "error raised by workflow"
	}
	return nil, domain.NewExecError(domain.KindNodeExecution, nc.Node.NodeID, "%s", msg)
}

// delayNode sleeps for a number of seconds, honoring cancellation.
type delayNode struct {
	n domain.WorkflowNode
}

func newDelayNode(n domain.WorkflowNode) (engine.Node, error) {
	return &delayNode{n: n}, nil
}

func (*delayNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        TypeDelay,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortExecOut},
		Inputs:      []engine.PortSpec{{Name: "seconds", Type: "number"}},
	}
}

func (d *delayNode) Validate() error {
	if raw, ok := d.n.Config["seconds"]; ok {
		if f, isNum := toFloat(raw); !isNum || f < 0 {
			return errors.New("seconds must be a non-negative number")
		}
	}
	return nil
}

func (d *delayNode) Execute(ctx context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	secs, ok := nc.ParamNumber("seconds")
	if !ok || secs < 0 {
		return nil, domain.NewExecError(domain.KindValidation, nc.Node.NodeID, "seconds must be a non-negative number")
	}
	dur := time.Duration(secs * float64(time.Second))
	nc.Logger().Debug("delaying", slog.Duration("duration", dur))
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &engine.NodeResult{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
