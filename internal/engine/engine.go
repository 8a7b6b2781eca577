// Package engine interprets workflow graphs. A single goroutine per
// execution walks the exec subgraph from the StartNode with a FIFO work
// queue, resolves data edges from cached node outputs, and drives each
// node through its lifecycle within a timeout. Try/catch, retry with
// backoff and loops are frames on a control stack; pause and cancel are
// cooperative and take effect at node boundaries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/credential"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/pkg/redact"
)

const (
	DefaultNodeTimeout   = 2 * time.Minute
	DefaultCleanupBudget = 30 * time.Second
)

// Status is the terminal outcome of one execution.
type Status string

const (
	StatusSucceeded Status = "SUCCESS"
	StatusFailed    Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Result carries the terminal status, the classified error for ERROR and
// TIMED_OUT, and the final variables snapshot.
type Result struct {
	Status    Status
	Error     *domain.ExecError
	Variables map[string]any
	Executed  int
}

// ExecConfig wires one execution. Registry is required; everything else
// has a working zero value.
type ExecConfig struct {
	JobID    string
	Workflow domain.Workflow
	// Inputs overlay the workflow's seed variables at start.
	Inputs   map[string]any
	Registry *Registry
	// Sink receives lifecycle events; nil drops them.
	Sink domain.EventSink
	// Credentials is the process-wide resolver; it is bound to this
	// execution's variables. Nil falls back to direct/variable/env tiers.
	Credentials *credential.Resolver
	// PIDs records child processes for orphan cleanup.
	PIDs          PIDTracker
	Logger        *slog.Logger
	Vocab         *redact.Vocabulary
	NodeTimeout   time.Duration
	CleanupBudget time.Duration
}

type frameKind int

const (
	frameTry frameKind = iota
	frameRetry
	frameLoop
	frameForEach
)

// frame is one entry on the control stack. The owner node is re-queued
// when its body branch drains or a node in it fails.
type frame struct {
	kind  frameKind
	owner string

	// try
	caught bool
	err    *domain.ExecError

	// retry
	attempt   int
	policy    domain.RetryPolicy
	failed    bool
	succeeded bool

	// loop / foreach
	index int
	count int
	items []any
}

// Execution runs one workflow. Pause, Resume, Cancel, Progress and
// CurrentNode are safe to call from other goroutines while Run is active.
type Execution struct {
	cfg           ExecConfig
	wf            domain.Workflow
	log           *slog.Logger
	vocab         *redact.Vocabulary
	nodeTimeout   time.Duration
	cleanupBudget time.Duration

	varsMu sync.Mutex
	vars   map[string]any

	queue     []string
	frames    []*frame
	outputs   map[string]map[string]any
	instances map[string]Node
	seen      map[string]struct{}

	resources *ResourceTable
	secrets   credential.Source

	gate      *pauseGate
	stop      chan struct{}
	stopOnce  sync.Once
	cancelled atomic.Bool

	executed atomic.Int64
	total    atomic.Int64
	current  atomic.Value

	emitCtx context.Context
}

func NewExecution(cfg ExecConfig) *Execution {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("job_id", cfg.JobID))
	vocab := cfg.Vocab
	if vocab == nil {
		vocab = redact.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	nodeTimeout := cfg.NodeTimeout
	if nodeTimeout <= 0 {
		nodeTimeout = DefaultNodeTimeout
	}
	cleanup := cfg.CleanupBudget
	if cleanup <= 0 {
		cleanup = DefaultCleanupBudget
	}

	vars := make(map[string]any, len(cfg.Workflow.Variables)+len(cfg.Inputs))
	for k, v := range cfg.Workflow.Variables {
		vars[k] = v
	}
	for k, v := range cfg.Inputs {
		vars[k] = v
	}

	x := &Execution{
		cfg:           cfg,
		wf:            cfg.Workflow,
		log:           log,
		vocab:         vocab,
		nodeTimeout:   nodeTimeout,
		cleanupBudget: cleanup,
		vars:          vars,
		outputs:       make(map[string]map[string]any),
		instances:     make(map[string]Node),
		seen:          make(map[string]struct{}),
		resources:     NewResourceTable(),
		gate:          newPauseGate(),
		stop:          make(chan struct{}),
		emitCtx:       context.Background(),
	}
	x.current.Store("")

	resolver := cfg.Credentials
	if resolver == nil {
		resolver = credential.NewResolver(log)
	}
	x.secrets = resolver.WithVariables(func(name string) (any, bool) { return x.readVar(name) })
	return x
}

// Pause parks the stepper at the next node boundary. The in-flight node
// finishes first.
func (x *Execution) Pause() {
	if x.gate.Pause() {
		x.emit(domain.EventWorkflowPaused, "", nil)
	}
}

// Resume releases a paused stepper.
func (x *Execution) Resume() {
	if x.gate.Resume() {
		x.emit(domain.EventWorkflowResumed, "", nil)
	}
}

// Cancel stops the execution at the next boundary; the in-flight node's
// context is cancelled immediately.
func (x *Execution) Cancel() {
	x.stopOnce.Do(func() {
		x.cancelled.Store(true)
		close(x.stop)
	})
}

func (x *Execution) Paused() bool { return x.gate.Paused() }

// Progress reports executed-over-reachable in [0, 1].
func (x *Execution) Progress() float64 {
	total := x.total.Load()
	if total == 0 {
		return 0
	}
	p := float64(x.executed.Load()) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

// CurrentNode names the node being processed, "" between nodes.
func (x *Execution) CurrentNode() string {
	s, _ := x.current.Load().(string)
	return s
}

// Run executes the workflow to a terminal status. It blocks; drive it
// from its own goroutine and use the control methods concurrently.
func (x *Execution) Run(parent context.Context) Result {
	started := time.Now()
	var cancel context.CancelFunc
	var ctx context.Context
	if t := x.wf.Settings.TimeoutSeconds; t > 0 {
		ctx, cancel = context.WithTimeout(parent, time.Duration(t)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()
	go func() {
		select {
		case <-x.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer x.resources.ReleaseAll(x.cleanupBudget, x.log)

	if ee := x.prepare(); ee != nil {
		x.log.Error("workflow rejected", slog.String("kind", string(ee.Kind)), slog.String("error", ee.Message))
		x.emit(domain.EventWorkflowFailed, ee.NodeID, map[string]any{"error": ee.Message, "kind": string(ee.Kind)})
		return Result{Status: StatusFailed, Error: ee, Variables: x.snapshotVars()}
	}

	x.emit(domain.EventWorkflowStarted, "", map[string]any{
		"workflow":    x.wf.Metadata.Name,
		"version":     x.wf.Metadata.Version,
		"total_nodes": int(x.total.Load()),
	})
	x.queue = append(x.queue, x.wf.StartNodeID())

	ee, done := x.loop(ctx)
	dur := time.Since(started)
	executed := int(x.executed.Load())

	switch {
	case ee != nil:
		x.log.Warn("workflow failed",
			slog.String("node_id", ee.NodeID), slog.String("kind", string(ee.Kind)), slog.String("error", ee.Message))
		x.emit(domain.EventWorkflowFailed, ee.NodeID, map[string]any{
			"error": ee.Message, "kind": string(ee.Kind), "duration_ms": dur.Milliseconds(),
		})
		return Result{Status: StatusFailed, Error: ee, Variables: x.snapshotVars(), Executed: executed}
	case done:
		x.log.Info("workflow completed", slog.Duration("duration", dur), slog.Int("executed", executed))
		x.emit(domain.EventWorkflowCompleted, "", map[string]any{
			"duration_ms": dur.Milliseconds(), "executed": executed,
		})
		return Result{Status: StatusSucceeded, Variables: x.snapshotVars(), Executed: executed}
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && !x.cancelled.Load():
		msg := "workflow deadline exceeded"
		if t := x.wf.Settings.TimeoutSeconds; t > 0 {
			msg = fmt.Sprintf("workflow timeout after %s", time.Duration(t)*time.Second)
		}
		te := domain.NewExecError(domain.KindTimeout, "", "%s", msg)
		x.log.Warn("workflow timed out", slog.Duration("duration", dur))
		x.emit(domain.EventWorkflowFailed, "", map[string]any{
			"error": te.Message, "kind": string(te.Kind), "duration_ms": dur.Milliseconds(),
		})
		return Result{Status: StatusTimedOut, Error: te, Variables: x.snapshotVars(), Executed: executed}
	default:
		x.log.Info("workflow cancelled", slog.Duration("duration", dur), slog.Int("executed", executed))
		x.emit(domain.EventWorkflowCancelled, "", map[string]any{"duration_ms": dur.Milliseconds()})
		return Result{Status: StatusCancelled, Variables: x.snapshotVars(), Executed: executed}
	}
}

// prepare validates the graph, instantiates every node through the
// registry and precomputes reachability for progress reporting.
func (x *Execution) prepare() *domain.ExecError {
	if err := x.wf.Validate(); err != nil {
		return domain.WrapExecError(domain.KindValidation, "", err)
	}
	for id, n := range x.wf.Nodes {
		inst, err := x.cfg.Registry.Build(n)
		if err != nil {
			return domain.WrapExecError(domain.KindValidation, id, err)
		}
		if !n.Disabled() {
			if err := inst.Validate(); err != nil {
				return domain.WrapExecError(domain.KindValidation, id,
					fmt.Errorf("node %s (%s): %w", id, n.NodeType, err))
			}
		}
		x.instances[id] = inst
	}
	x.total.Store(int64(len(x.wf.ReachableFromStart())))
	return nil
}

// loop drains the work queue. done is true only when the graph completed;
// a nil error with done=false means the run was aborted and the caller
// classifies cancel vs timeout.
func (x *Execution) loop(ctx context.Context) (*domain.ExecError, bool) {
	for {
		if len(x.queue) == 0 && len(x.frames) == 0 {
			return nil, true
		}
		if err := x.gate.Wait(ctx); err != nil {
			return nil, false
		}
		if x.cancelled.Load() || ctx.Err() != nil {
			return nil, false
		}
		if len(x.queue) == 0 {
			// a control body drained; return to the innermost owner
			x.queue = append(x.queue, x.topFrame().owner)
		}
		id := x.queue[0]
		x.queue = x.queue[1:]
		node, ok := x.wf.Nodes[id]
		if !ok {
			continue
		}
		if ee := x.step(ctx, node); ee != nil {
			// a run abort surfaces through the failing node; classify it
			// as cancel/timeout, not as a node failure
			if x.cancelled.Load() || ctx.Err() != nil {
				return nil, false
			}
			return ee, false
		}
	}
}

func (x *Execution) step(ctx context.Context, node domain.WorkflowNode) *domain.ExecError {
	if node.Disabled() {
		x.bypass(node)
		return nil
	}
	switch node.NodeType {
	case domain.NodeTypeTry:
		x.stepTry(node)
		return nil
	case domain.NodeTypeRetry:
		return x.stepRetry(ctx, node)
	case domain.NodeTypeRetrySuccess, domain.NodeTypeRetryFail:
		return x.stepRetrySignal(ctx, node)
	case domain.NodeTypeLoop:
		return x.stepLoop(ctx, node)
	case domain.NodeTypeForEach:
		return x.stepForEach(ctx, node)
	default:
		return x.runNode(ctx, node)
	}
}

// bypass skips a _disabled node: input values pass through to the output
// ports of the same name (or name_in -> name_out), and flow continues on
// the first declared exec output.
func (x *Execution) bypass(node domain.WorkflowNode) {
	inputs := x.resolveInputs(node)
	def := x.instances[node.NodeID].Definition()
	out := make(map[string]any)
	for port, v := range inputs {
		switch {
		case def.OutputNamed(port):
			out[port] = v
		case strings.HasSuffix(port, "_in"):
			out[strings.TrimSuffix(port, "_in")+"_out"] = v
		}
	}
	if len(out) > 0 {
		x.outputs[node.NodeID] = out
	}
	x.emit(domain.EventNodeBypassed, node.NodeID, map[string]any{"node_type": node.NodeType})
	x.markExecuted(node.NodeID)
	if len(def.ExecOutputs) > 0 {
		x.enqueueSuccessors(node.NodeID, def.ExecOutputs[0])
	}
}

func (x *Execution) runNode(ctx context.Context, node domain.WorkflowNode) *domain.ExecError {
	inst := x.instances[node.NodeID]
	inputs := x.resolveInputs(node)
	x.current.Store(node.NodeID)
	x.emit(domain.EventNodeStarted, node.NodeID, map[string]any{"node_type": node.NodeType, "name": node.Name})

	nc := &NodeContext{
		JobID:  x.cfg.JobID,
		Node:   node,
		Inputs: inputs,
		x:      x,
		log:    x.log.With(slog.String("node_id", node.NodeID), slog.String("node_type", node.NodeType)),
	}
	start := time.Now()
	res, err := x.callNode(ctx, inst, nc)
	dur := time.Since(start)
	nc.seal()

	if err != nil {
		kind := domain.KindNodeExecution
		if ctx.Err() != nil {
			kind = domain.KindCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = domain.KindTimeout
			}
		}
		return x.handleNodeError(ctx, node, domain.WrapExecError(kind, node.NodeID, err), dur)
	}

	def := inst.Definition()
	var ports []string
	if res != nil && res.Outputs != nil {
		x.outputs[node.NodeID] = res.Outputs
	}
	if res != nil && res.NextPorts != nil {
		ports = res.NextPorts
	} else if len(def.ExecOutputs) > 0 {
		ports = def.ExecOutputs[:1]
	}

	x.markExecuted(node.NodeID)
	observability.ObserveNodeExecution(node.NodeType, "success", dur)
	x.emit(domain.EventNodeCompleted, node.NodeID, map[string]any{
		"node_type": node.NodeType, "duration_ms": dur.Milliseconds(),
	})
	for _, p := range ports {
		x.enqueueSuccessors(node.NodeID, p)
	}
	return nil
}

// callNode runs the plugin on a worker goroutine so the stepper can
// enforce the node timeout. An overrun call is abandoned, never killed;
// its sealed context keeps it from mutating shared state.
func (x *Execution) callNode(ctx context.Context, inst Node, nc *NodeContext) (*NodeResult, error) {
	timeout := x.timeoutFor(nc.Node)
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *NodeResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("node panic: %v", r)}
			}
		}()
		res, err := inst.Execute(nodeCtx, nc)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-nodeCtx.Done():
		if ctx.Err() != nil {
			kind := domain.KindCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = domain.KindTimeout
			}
			return nil, domain.WrapExecError(kind, nc.Node.NodeID, ctx.Err())
		}
		return nil, domain.NewExecError(domain.KindTimeout, nc.Node.NodeID, "node timeout after %s", timeout)
	}
}

// handleNodeError walks the control stack innermost-first. A try frame
// captures the error and the node counts as succeeded; a retry frame
// stashes it for the next attempt; otherwise the workflow fails. Frames
// above the handler are discarded. Run aborts (cancel, workflow timeout)
// are never captured.
func (x *Execution) handleNodeError(ctx context.Context, node domain.WorkflowNode, ee *domain.ExecError, dur time.Duration) *domain.ExecError {
	if ctx.Err() != nil {
		observability.ObserveNodeExecution(node.NodeType, "cancelled", dur)
		x.emit(domain.EventNodeError, node.NodeID, map[string]any{
			"node_type": node.NodeType, "duration_ms": dur.Milliseconds(),
			"error": ee.Message, "kind": string(ee.Kind),
		})
		return ee
	}
	for i := len(x.frames) - 1; i >= 0; i-- {
		f := x.frames[i]
		switch f.kind {
		case frameTry:
			x.frames = x.frames[:i+1]
			f.caught = true
			f.err = ee
			x.queue = x.queue[:0]
			x.queue = append(x.queue, f.owner)
			x.markExecuted(node.NodeID)
			observability.ObserveNodeExecution(node.NodeType, "captured", dur)
			x.emit(domain.EventNodeCompleted, node.NodeID, map[string]any{
				"node_type": node.NodeType, "duration_ms": dur.Milliseconds(),
				"captured": true, "error": ee.Message,
			})
			return nil
		case frameRetry:
			x.frames = x.frames[:i+1]
			f.failed = true
			f.err = ee
			x.queue = x.queue[:0]
			x.queue = append(x.queue, f.owner)
			observability.ObserveNodeExecution(node.NodeType, outcomeLabel(ee.Kind), dur)
			x.emit(domain.EventNodeError, node.NodeID, map[string]any{
				"node_type": node.NodeType, "duration_ms": dur.Milliseconds(),
				"error": ee.Message, "kind": string(ee.Kind), "retrying": true,
			})
			return nil
		}
	}
	observability.ObserveNodeExecution(node.NodeType, outcomeLabel(ee.Kind), dur)
	x.emit(domain.EventNodeError, node.NodeID, map[string]any{
		"node_type": node.NodeType, "duration_ms": dur.Milliseconds(),
		"error": ee.Message, "kind": string(ee.Kind),
	})
	return ee
}

// stepTry pushes a frame on first entry and routes into the body. The
// second visit (body drained or error captured) pops and routes to
// exec_success or exec_catch, binding error outputs on capture.
func (x *Execution) stepTry(node domain.WorkflowNode) {
	x.startControl(node)
	var port string
	payload := map[string]any{}
	if f := x.topFrame(); f != nil && f.kind == frameTry && f.owner == node.NodeID {
		x.popFrame()
		if f.caught {
			x.outputs[node.NodeID] = map[string]any{
				"error_message": f.err.Message,
				"error_type":    string(f.err.Kind),
			}
			x.setVar(node.NodeID, "error_message", f.err.Message)
			x.setVar(node.NodeID, "error_type", string(f.err.Kind))
			port = PortCatch
			payload["error"] = f.err.Message
		} else {
			port = PortSuccess
		}
	} else {
		x.pushFrame(&frame{kind: frameTry, owner: node.NodeID})
		port = PortTryBody
	}
	x.finishControl(node, port, payload)
}

// stepRetry manages the attempt loop. Re-entry happens when the body
// signals RetrySuccess/RetryFail, a body node fails, or the body drains.
func (x *Execution) stepRetry(ctx context.Context, node domain.WorkflowNode) *domain.ExecError {
	x.startControl(node)
	f := x.topFrame()
	if f == nil || f.kind != frameRetry || f.owner != node.NodeID {
		f = &frame{kind: frameRetry, owner: node.NodeID, attempt: 1, policy: retryPolicyFor(node, x.snapshotVars())}
		x.pushFrame(f)
		x.outputs[node.NodeID] = map[string]any{"attempt": f.attempt}
		x.finishControl(node, PortRetryBody, map[string]any{"attempt": f.attempt})
		return nil
	}
	switch {
	case f.failed:
		f.failed = false
		f.attempt++
		if f.policy.Exhausted(f.attempt) {
			x.popFrame()
			out := map[string]any{"attempt": f.attempt - 1}
			if f.err != nil {
				out["error_message"] = f.err.Message
				out["error_type"] = string(f.err.Kind)
			}
			x.outputs[node.NodeID] = out
			x.finishControl(node, PortFailed, map[string]any{"attempt": f.attempt - 1})
			return nil
		}
		if err := x.sleep(ctx, f.policy.DelayFor(f.attempt)); err != nil {
			return nil // aborted during backoff; the main loop classifies
		}
		x.outputs[node.NodeID] = map[string]any{"attempt": f.attempt}
		x.finishControl(node, PortRetryBody, map[string]any{"attempt": f.attempt})
	case f.succeeded:
		x.popFrame()
		x.outputs[node.NodeID] = map[string]any{"attempt": f.attempt}
		x.finishControl(node, PortSuccess, map[string]any{"attempt": f.attempt})
	default:
		x.popFrame()
		x.outputs[node.NodeID] = map[string]any{"attempt": f.attempt}
		x.finishControl(node, PortSuccess, map[string]any{"attempt": f.attempt})
	}
	return nil
}

// stepRetrySignal unwinds to the innermost retry frame and records the
// verdict. Frames between the signal and its retry are discarded.
func (x *Execution) stepRetrySignal(ctx context.Context, node domain.WorkflowNode) *domain.ExecError {
	x.startControl(node)
	idx := -1
	for i := len(x.frames) - 1; i >= 0; i-- {
		if x.frames[i].kind == frameRetry {
			idx = i
			break
		}
	}
	if idx < 0 {
		ee := domain.NewExecError(domain.KindValidation, node.NodeID, "%s outside a RetryNode body", node.NodeType)
		return x.handleNodeError(ctx, node, ee, 0)
	}
	x.frames = x.frames[:idx+1]
	f := x.frames[idx]
	if node.NodeType == domain.NodeTypeRetrySuccess {
		f.succeeded = true
	} else {
		msg := stringify(x.configValue(node, "message"))
		if msg == "" {
			msg = "retry attempt failed"
		}
		f.failed = true
		f.err = domain.NewExecError(domain.KindNodeExecution, node.NodeID, "%s", msg)
	}
	x.queue = x.queue[:0]
	x.markExecuted(node.NodeID)
	x.emit(domain.EventNodeCompleted, node.NodeID, map[string]any{"node_type": node.NodeType})
	x.queue = append(x.queue, f.owner)
	return nil
}

func (x *Execution) stepLoop(ctx context.Context, node domain.WorkflowNode) *domain.ExecError {
	x.startControl(node)
	f := x.topFrame()
	if f == nil || f.kind != frameLoop || f.owner != node.NodeID {
		count, ok := toInt(x.paramValue(node, "count"))
		if !ok || count < 0 {
			ee := domain.NewExecError(domain.KindValidation, node.NodeID, "LoopNode requires a non-negative count")
			return x.handleNodeError(ctx, node, ee, 0)
		}
		f = &frame{kind: frameLoop, owner: node.NodeID, count: count}
		x.pushFrame(f)
	}
	if f.index < f.count {
		i := f.index
		f.index++
		x.outputs[node.NodeID] = map[string]any{"index": i}
		x.finishControl(node, PortLoopBody, map[string]any{"index": i})
	} else {
		x.popFrame()
		x.outputs[node.NodeID] = map[string]any{"index": f.count}
		x.finishControl(node, PortLoopDone, nil)
	}
	return nil
}

func (x *Execution) stepForEach(ctx context.Context, node domain.WorkflowNode) *domain.ExecError {
	x.startControl(node)
	f := x.topFrame()
	if f == nil || f.kind != frameForEach || f.owner != node.NodeID {
		items, ok := x.paramValue(node, "items").([]any)
		if !ok {
			ee := domain.NewExecError(domain.KindValidation, node.NodeID, "ForEachNode requires an items array")
			return x.handleNodeError(ctx, node, ee, 0)
		}
		f = &frame{kind: frameForEach, owner: node.NodeID, items: items}
		x.pushFrame(f)
	}
	if f.index < len(f.items) {
		i := f.index
		item := f.items[i]
		f.index++
		x.outputs[node.NodeID] = map[string]any{"item": item, "index": i}
		x.finishControl(node, PortLoopBody, map[string]any{"index": i})
	} else {
		x.popFrame()
		x.outputs[node.NodeID] = map[string]any{"index": len(f.items)}
		x.finishControl(node, PortLoopDone, nil)
	}
	return nil
}

func (x *Execution) startControl(node domain.WorkflowNode) {
	x.current.Store(node.NodeID)
	x.emit(domain.EventNodeStarted, node.NodeID, map[string]any{"node_type": node.NodeType, "name": node.Name})
}

func (x *Execution) finishControl(node domain.WorkflowNode, port string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["node_type"] = node.NodeType
	payload["port"] = port
	x.markExecuted(node.NodeID)
	x.emit(domain.EventNodeCompleted, node.NodeID, payload)
	x.enqueueSuccessors(node.NodeID, port)
}

func (x *Execution) enqueueSuccessors(nodeID, port string) {
	x.queue = append(x.queue, x.wf.ExecSuccessors(nodeID, port)...)
}

// resolveInputs binds each input port: data edges read the cached output
// of their source node, unbound ports fall back to the node's literal
// defaults. String values get {{variable}} templates expanded.
func (x *Execution) resolveInputs(node domain.WorkflowNode) map[string]any {
	in := make(map[string]any, len(node.Inputs))
	for port, v := range node.Inputs {
		in[port] = v
	}
	for _, c := range x.wf.DataEdgesInto(node.NodeID) {
		if vals, ok := x.outputs[c.SourceNode]; ok {
			if v, ok := vals[c.SourcePort]; ok {
				in[c.TargetPort] = v
			}
		}
	}
	if len(in) == 0 {
		return in
	}
	vars := x.snapshotVars()
	for port, v := range in {
		in[port] = expandValue(v, vars)
	}
	return in
}

func (x *Execution) paramValue(node domain.WorkflowNode, name string) any {
	if v, ok := x.resolveInputs(node)[name]; ok {
		return v
	}
	return x.configValue(node, name)
}

func (x *Execution) configValue(node domain.WorkflowNode, key string) any {
	v, ok := node.Config[key]
	if !ok {
		return nil
	}
	return expandValue(v, x.snapshotVars())
}

func (x *Execution) timeoutFor(node domain.WorkflowNode) time.Duration {
	if v, ok := toNumber(node.Config["timeout"]); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return x.nodeTimeout
}

func (x *Execution) readVar(name string) (any, bool) {
	x.varsMu.Lock()
	defer x.varsMu.Unlock()
	v, ok := x.vars[name]
	return v, ok
}

func (x *Execution) setVar(nodeID, name string, v any) {
	x.varsMu.Lock()
	x.vars[name] = v
	x.varsMu.Unlock()
	val := v
	if x.vocab.Sensitive(name) {
		val = redact.Placeholder
	}
	x.emit(domain.EventVariableSet, nodeID, map[string]any{"name": name, "value": val})
}

func (x *Execution) snapshotVars() map[string]any {
	x.varsMu.Lock()
	defer x.varsMu.Unlock()
	out := make(map[string]any, len(x.vars))
	for k, v := range x.vars {
		out[k] = v
	}
	return out
}

func (x *Execution) secret(ctx context.Context, spec credential.Spec) (string, error) {
	return x.secrets.Resolve(ctx, spec)
}

func (x *Execution) markExecuted(id string) {
	if _, ok := x.seen[id]; ok {
		return
	}
	x.seen[id] = struct{}{}
	x.executed.Add(1)
}

func (x *Execution) emit(t domain.EventType, nodeID string, payload map[string]any) {
	if x.cfg.Sink == nil {
		return
	}
	x.cfg.Sink.Publish(x.emitCtx, domain.Event{
		JobID:   x.cfg.JobID,
		Type:    t,
		NodeID:  nodeID,
		Payload: x.vocab.MaskMap(payload),
		TS:      time.Now().UTC(),
	})
}

func (x *Execution) topFrame() *frame {
	if len(x.frames) == 0 {
		return nil
	}
	return x.frames[len(x.frames)-1]
}

func (x *Execution) pushFrame(f *frame) { x.frames = append(x.frames, f) }

func (x *Execution) popFrame() {
	if len(x.frames) > 0 {
		x.frames = x.frames[:len(x.frames)-1]
	}
}

func (x *Execution) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcomeLabel(kind domain.ErrorKind) string {
	switch kind {
	case domain.KindTimeout:
		return "timeout"
	case domain.KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// retryPolicyFor reads max_attempts, initial_delay (seconds),
// backoff_factor and max_delay (seconds) from the node config, falling
// back to the defaults per field.
func retryPolicyFor(node domain.WorkflowNode, vars map[string]any) domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	cfg := func(key string) (float64, bool) {
		return toNumber(expandValue(node.Config[key], vars))
	}
	if v, ok := cfg("max_attempts"); ok && v > 0 {
		p.MaxAttempts = int(v)
	}
	if v, ok := cfg("initial_delay"); ok && v >= 0 {
		p.InitialDelay = time.Duration(v * float64(time.Second))
	}
	if v, ok := cfg("backoff_factor"); ok && v > 0 {
		p.BackoffFactor = v
	}
	if v, ok := cfg("max_delay"); ok && v > 0 {
		p.MaxDelay = time.Duration(v * float64(time.Second))
	}
	return p
}

// pauseGate is the node-boundary pause point. Wait blocks while paused,
// aborts on ctx.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{resume: make(chan struct{})}
}

// Pause reports whether the state changed.
func (g *pauseGate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.resume = make(chan struct{})
	return true
}

// Resume reports whether the state changed.
func (g *pauseGate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resume)
	return true
}

func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *pauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.resume
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
