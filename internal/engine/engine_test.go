package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

type stubNode struct {
	def      NodeDefinition
	validate error
	run      func(ctx context.Context, nc *NodeContext) (*NodeResult, error)
}

func (s *stubNode) Definition() NodeDefinition { return s.def }
func (s *stubNode) Validate() error            { return s.validate }
func (s *stubNode) Execute(ctx context.Context, nc *NodeContext) (*NodeResult, error) {
	if s.run == nil {
		return &NodeResult{}, nil
	}
	return s.run(ctx, nc)
}

func asFactory(s *stubNode) Factory {
	return func(domain.WorkflowNode) (Node, error) { return s, nil }
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *captureSink) Publish(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *captureSink) count(t domain.EventType, nodeID string) int {
	n := 0
	for _, ev := range s.all() {
		if ev.Type == t && (nodeID == "" || ev.NodeID == nodeID) {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execEdge(src, srcPort, dst string) domain.Connection {
	return domain.Connection{SourceNode: src, SourcePort: srcPort, TargetNode: dst, TargetPort: PortExecIn}
}

func dataEdge(src, srcPort, dst, dstPort string) domain.Connection {
	return domain.Connection{SourceNode: src, SourcePort: srcPort, TargetNode: dst, TargetPort: dstPort}
}

// passRegistry registers "Task" stubs plus the start marker used by the
// traversal tests.
func passRegistry(extra map[string]*stubNode) *Registry {
	r := NewRegistry()
	r.Register(domain.NodeTypeStart, asFactory(&stubNode{def: NodeDefinition{
		Type: domain.NodeTypeStart, ExecOutputs: []string{PortExecOut},
	}}))
	for typ, s := range extra {
		r.Register(typ, asFactory(s))
	}
	return r
}

func TestExecution_UnknownNodeTypeFailsValidation(t *testing.T) {
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"x":     {NodeID: "x", NodeType: "BrowserClickNode"},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "x")},
	}
	sink := &captureSink{}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(nil), Sink: sink, Logger: testLogger(),
	})
	res := x.Run(context.Background())

	require.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindValidation, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "unknown node type")
	assert.Equal(t, 1, sink.count(domain.EventWorkflowFailed, ""))
	assert.Equal(t, 0, sink.count(domain.EventWorkflowStarted, ""))
}

func TestExecution_NodeValidateFailure(t *testing.T) {
	bad := &stubNode{
		def:      NodeDefinition{Type: "Task", ExecInputs: []string{PortExecIn}},
		validate: assert.AnError,
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"t1":    {NodeID: "t1", NodeType: "Task"},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "t1")},
	}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Task": bad}), Logger: testLogger(),
	})
	res := x.Run(context.Background())

	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, domain.KindValidation, res.Error.Kind)
	assert.Equal(t, "t1", res.Error.NodeID)
}

func TestExecution_NextPortsRouting(t *testing.T) {
	var ranA, ranB bool
	chooser := &stubNode{
		def: NodeDefinition{Type: "Chooser", ExecInputs: []string{PortExecIn}, ExecOutputs: []string{"exec_a", "exec_b"}},
		run: func(context.Context, *NodeContext) (*NodeResult, error) {
			return &NodeResult{NextPorts: []string{"exec_b"}}, nil
		},
	}
	taskA := &stubNode{
		def: NodeDefinition{Type: "TaskA", ExecInputs: []string{PortExecIn}},
		run: func(context.Context, *NodeContext) (*NodeResult, error) { ranA = true; return nil, nil },
	}
	taskB := &stubNode{
		def: NodeDefinition{Type: "TaskB", ExecInputs: []string{PortExecIn}},
		run: func(context.Context, *NodeContext) (*NodeResult, error) { ranB = true; return nil, nil },
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"ch":    {NodeID: "ch", NodeType: "Chooser"},
			"a":     {NodeID: "a", NodeType: "TaskA"},
			"b":     {NodeID: "b", NodeType: "TaskB"},
		},
		Connections: []domain.Connection{
			execEdge("start", PortExecOut, "ch"),
			execEdge("ch", "exec_a", "a"),
			execEdge("ch", "exec_b", "b"),
		},
	}
	x := NewExecution(ExecConfig{
		JobID:    "job-1",
		Workflow: wf,
		Registry: passRegistry(map[string]*stubNode{"Chooser": chooser, "TaskA": taskA, "TaskB": taskB}),
		Logger:   testLogger(),
	})
	res := x.Run(context.Background())

	require.Equal(t, StatusSucceeded, res.Status)
	assert.False(t, ranA)
	assert.True(t, ranB)
}

func TestExecution_BypassCopiesInputsToOutputs(t *testing.T) {
	var got map[string]any
	skipped := &stubNode{
		def: NodeDefinition{
			Type:        "Transform",
			ExecInputs:  []string{PortExecIn},
			ExecOutputs: []string{PortExecOut},
			Outputs:     []PortSpec{{Name: "shared", Type: "any"}},
		},
		run: func(context.Context, *NodeContext) (*NodeResult, error) {
			t.Fatal("disabled node must not execute")
			return nil, nil
		},
	}
	check := &stubNode{
		def: NodeDefinition{Type: "Check", ExecInputs: []string{PortExecIn}},
		run: func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			got = nc.Inputs
			return nil, nil
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"tr": {
				NodeID: "tr", NodeType: "Transform",
				Config: map[string]any{domain.ConfigDisabledKey: true},
				Inputs: map[string]any{"value_in": 7.0, "shared": "keep"},
			},
			"chk": {NodeID: "chk", NodeType: "Check"},
		},
		Connections: []domain.Connection{
			execEdge("start", PortExecOut, "tr"),
			execEdge("tr", PortExecOut, "chk"),
			dataEdge("tr", "value_out", "chk", "v"),
			dataEdge("tr", "shared", "chk", "s"),
		},
	}
	sink := &captureSink{}
	x := NewExecution(ExecConfig{
		JobID:    "job-1",
		Workflow: wf,
		Registry: passRegistry(map[string]*stubNode{"Transform": skipped, "Check": check}),
		Sink:     sink,
		Logger:   testLogger(),
	})
	res := x.Run(context.Background())

	require.Equal(t, StatusSucceeded, res.Status)
	require.NotNil(t, got)
	assert.Equal(t, 7.0, got["v"])
	assert.Equal(t, "keep", got["s"])
	assert.Equal(t, 1, sink.count(domain.EventNodeBypassed, "tr"))
	assert.Equal(t, 0, sink.count(domain.EventNodeStarted, "tr"))
}

func TestExecution_NodeTimeout(t *testing.T) {
	slow := &stubNode{
		def: NodeDefinition{Type: "Slow", ExecInputs: []string{PortExecIn}},
		run: func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"slow":  {NodeID: "slow", NodeType: "Slow", Config: map[string]any{"timeout": 0.05}},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "slow")},
	}
	sink := &captureSink{}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Slow": slow}),
		Sink: sink, Logger: testLogger(),
	})
	res := x.Run(context.Background())

	require.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindTimeout, res.Error.Kind)
	assert.Equal(t, "slow", res.Error.NodeID)
	assert.Equal(t, 1, sink.count(domain.EventNodeError, "slow"))
}

func TestExecution_CancelMidNode(t *testing.T) {
	started := make(chan struct{})
	slow := &stubNode{
		def: NodeDefinition{Type: "Slow", ExecInputs: []string{PortExecIn}},
		run: func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"slow":  {NodeID: "slow", NodeType: "Slow"},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "slow")},
	}
	sink := &captureSink{}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Slow": slow}),
		Sink: sink, Logger: testLogger(),
	})
	go func() {
		<-started
		x.Cancel()
	}()
	res := x.Run(context.Background())

	require.Equal(t, StatusCancelled, res.Status)
	assert.Nil(t, res.Error)
	assert.Equal(t, 1, sink.count(domain.EventWorkflowCancelled, ""))
}

func TestExecution_WorkflowTimeoutFromSettings(t *testing.T) {
	slow := &stubNode{
		def: NodeDefinition{Type: "Slow", ExecInputs: []string{PortExecIn}},
		run: func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"slow":  {NodeID: "slow", NodeType: "Slow"},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "slow")},
		Settings:    domain.WorkflowSettings{TimeoutSeconds: 1},
	}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Slow": slow}),
		Logger: testLogger(),
	})
	res := x.Run(context.Background())

	require.Equal(t, StatusTimedOut, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindTimeout, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "workflow timeout")
}

func TestExecution_ParentDeadlineCancels(t *testing.T) {
	slow := &stubNode{
		def: NodeDefinition{Type: "Slow", ExecInputs: []string{PortExecIn}},
		run: func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"slow":  {NodeID: "slow", NodeType: "Slow"},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "slow")},
	}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Slow": slow}),
		Logger: testLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := x.Run(ctx)

	require.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, domain.KindTimeout, res.Error.Kind)
}

func TestExecution_PanicBecomesNodeError(t *testing.T) {
	boom := &stubNode{
		def: NodeDefinition{Type: "Boom", ExecInputs: []string{PortExecIn}},
		run: func(context.Context, *NodeContext) (*NodeResult, error) {
			panic("kaboom")
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"boom":  {NodeID: "boom", NodeType: "Boom"},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "boom")},
	}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Boom": boom}),
		Logger: testLogger(),
	})
	res := x.Run(context.Background())

	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, domain.KindNodeExecution, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "kaboom")
}

func TestExecution_ProgressAndExecutedCount(t *testing.T) {
	task := &stubNode{def: NodeDefinition{
		Type: "Task", ExecInputs: []string{PortExecIn}, ExecOutputs: []string{PortExecOut},
	}}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"t1":    {NodeID: "t1", NodeType: "Task"},
			"t2":    {NodeID: "t2", NodeType: "Task"},
		},
		Connections: []domain.Connection{
			execEdge("start", PortExecOut, "t1"),
			execEdge("t1", PortExecOut, "t2"),
		},
	}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Task": task}),
		Logger: testLogger(),
	})
	require.Equal(t, 0.0, x.Progress())
	res := x.Run(context.Background())

	require.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.Executed)
	assert.Equal(t, 1.0, x.Progress())
}

func TestExecution_VariableSetEventsAreMasked(t *testing.T) {
	setter := &stubNode{
		def: NodeDefinition{Type: "Setter", ExecInputs: []string{PortExecIn}},
		run: func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			nc.SetVar("api_key", "hunter2")
			nc.SetVar("plain", "visible")
			return nil, nil
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"set":   {NodeID: "set", NodeType: "Setter"},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "set")},
	}
	sink := &captureSink{}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Setter": setter}),
		Sink: sink, Logger: testLogger(),
	})
	res := x.Run(context.Background())
	require.Equal(t, StatusSucceeded, res.Status)

	var masked, plain any
	for _, ev := range sink.all() {
		if ev.Type != domain.EventVariableSet {
			continue
		}
		switch ev.Payload["name"] {
		case "api_key":
			masked = ev.Payload["value"]
		case "plain":
			plain = ev.Payload["value"]
		}
	}
	assert.Equal(t, "[REDACTED]", masked)
	assert.Equal(t, "visible", plain)
	// the variable itself is stored unmasked
	assert.Equal(t, "hunter2", res.Variables["api_key"])
}

func TestExecution_SealedContextDropsLateWrites(t *testing.T) {
	release := make(chan struct{})
	var captured *NodeContext
	var mu sync.Mutex
	slow := &stubNode{
		def: NodeDefinition{Type: "Slow", ExecInputs: []string{PortExecIn}},
		run: func(ctx context.Context, nc *NodeContext) (*NodeResult, error) {
			mu.Lock()
			captured = nc
			mu.Unlock()
			<-release
			return &NodeResult{}, nil
		},
	}
	wf := domain.Workflow{
		Nodes: map[string]domain.WorkflowNode{
			"start": {NodeID: "start", NodeType: domain.NodeTypeStart},
			"slow":  {NodeID: "slow", NodeType: "Slow", Config: map[string]any{"timeout": 0.03}},
		},
		Connections: []domain.Connection{execEdge("start", PortExecOut, "slow")},
	}
	x := NewExecution(ExecConfig{
		JobID: "job-1", Workflow: wf, Registry: passRegistry(map[string]*stubNode{"Slow": slow}),
		Logger: testLogger(),
	})
	res := x.Run(context.Background())
	require.Equal(t, StatusFailed, res.Status)

	mu.Lock()
	nc := captured
	mu.Unlock()
	require.NotNil(t, nc)
	nc.SetVar("late", true)
	close(release)

	_, ok := x.readVar("late")
	assert.False(t, ok, "write after seal must be dropped")
}
