// Package nodes carries the built-in node set: flow markers (start, end),
// variable and logging primitives, expression branching, error raising,
// delays, HTTP calls, subprocess execution and the control-flow node
// declarations the engine routes itself.
package nodes

import (
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine"
)

// Node type keys for the non-control builtins. Control keys live in
// domain because the engine routes on them.
const (
	TypeSetVariable = "SetVariableNode"
	TypeIncrement   = "IncrementNode"
	TypeCondition   = "ConditionNode"
	TypeLogMessage  = "LogMessageNode"
	TypeThrowError  = "ThrowErrorNode"
	TypeDelay       = "DelayNode"
	TypeHTTPRequest = "HttpRequestNode"
	TypeRunCommand  = "RunCommandNode"
)

// Register adds every builtin to the registry.
func Register(r *engine.Registry) {
	r.Register(domain.NodeTypeStart, newStartNode)
	r.Register(domain.NodeTypeEnd, newEndNode)
	r.Register(TypeSetVariable, newSetVariableNode)
	r.Register(TypeIncrement, newIncrementNode)
	r.Register(TypeCondition, newConditionNode)
	r.Register(TypeLogMessage, newLogMessageNode)
	r.Register(TypeThrowError, newThrowErrorNode)
	r.Register(TypeDelay, newDelayNode)
	r.Register(TypeHTTPRequest, newHTTPRequestNode)
	r.Register(TypeRunCommand, newRunCommandNode)
	r.Register(domain.NodeTypeTry, newTryNode)
	r.Register(domain.NodeTypeRetry, newRetryNode)
	r.Register(domain.NodeTypeRetrySuccess, newRetrySuccessNode)
	r.Register(domain.NodeTypeRetryFail, newRetryFailNode)
	r.Register(domain.NodeTypeLoop, newLoopNode)
	r.Register(domain.NodeTypeForEach, newForEachNode)
}

// DefaultRegistry returns a registry with all builtins installed.
func DefaultRegistry() *engine.Registry {
	r := engine.NewRegistry()
	Register(r)
	return r
}
