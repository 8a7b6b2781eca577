package domain

import (
	"errors"
	"testing"
)

func linearWorkflow() Workflow {
	return Workflow{
		Metadata: WorkflowMetadata{Name: "linear", Version: "1", SchemaVersion: "1.0"},
		Nodes: map[string]WorkflowNode{
			"start": {NodeID: "start", NodeType: NodeTypeStart},
			"set":   {NodeID: "set", NodeType: "SetVariableNode", Config: map[string]any{"name": "x", "value": 10}},
			"end":   {NodeID: "end", NodeType: NodeTypeEnd},
		},
		Connections: []Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "set", TargetPort: "exec_in"},
			{SourceNode: "set", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in"},
		},
	}
}

func TestParseWorkflow_Valid(t *testing.T) {
	raw := []byte(`{
		"metadata": {"name":"wf","version":"1","schema_version":"1.0"},
		"nodes": {
			"n1": {"node_type":"StartNode","name":"Start"},
			"n2": {"node_type":"EndNode","name":"End"}
		},
		"connections": [
			{"source_node":"n1","source_port":"exec_out","target_node":"n2","target_port":"exec_in"}
		],
		"variables": {"x": 1},
		"settings": {"stop_on_error":true,"timeout":300,"retry_count":0},
		"gui_state": {"zoom": 1.5}
	}`)
	wf, err := ParseWorkflow(raw)
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	if wf.Nodes["n1"].NodeID != "n1" {
		t.Fatalf("node_id not backfilled from map key: %q", wf.Nodes["n1"].NodeID)
	}
	if wf.StartNodeID() != "n1" {
		t.Fatalf("StartNodeID = %q, want n1", wf.StartNodeID())
	}
	if wf.Settings.TimeoutSeconds != 300 {
		t.Fatalf("timeout = %d, want 300", wf.Settings.TimeoutSeconds)
	}
}

func TestParseWorkflow_NodeIDMismatch(t *testing.T) {
	raw := []byte(`{
		"metadata": {"name":"wf","version":"1","schema_version":"1.0"},
		"nodes": {"n1": {"node_id":"other","node_type":"StartNode"}},
		"connections": []
	}`)
	if _, err := ParseWorkflow(raw); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestValidate_ExactlyOneStart(t *testing.T) {
	wf := linearWorkflow()
	n := wf.Nodes["end"]
	n.NodeType = NodeTypeStart
	wf.Nodes["end"] = n
	if err := wf.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("two StartNodes accepted: %v", err)
	}

	delete(wf.Nodes, "start")
	delete(wf.Nodes, "end")
	if err := wf.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero StartNodes accepted: %v", err)
	}
}

func TestValidate_UnknownEndpoint(t *testing.T) {
	wf := linearWorkflow()
	wf.Connections = append(wf.Connections, Connection{
		SourceNode: "set", SourcePort: "exec_out", TargetNode: "ghost", TargetPort: "exec_in",
	})
	if err := wf.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("dangling endpoint accepted: %v", err)
	}
}

func TestValidate_MixedExecDataEdge(t *testing.T) {
	wf := linearWorkflow()
	wf.Connections = append(wf.Connections, Connection{
		SourceNode: "start", SourcePort: "exec_out", TargetNode: "set", TargetPort: "value",
	})
	if err := wf.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("mixed exec/data edge accepted: %v", err)
	}
}

func TestValidate_DuplicateDataEdge(t *testing.T) {
	wf := linearWorkflow()
	wf.Connections = append(wf.Connections,
		Connection{SourceNode: "start", SourcePort: "out_a", TargetNode: "set", TargetPort: "value"},
		Connection{SourceNode: "end", SourcePort: "out_b", TargetNode: "set", TargetPort: "value"},
	)
	if err := wf.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("double-bound input port accepted: %v", err)
	}
}

func TestValidate_CycleThroughLoopNodeAllowed(t *testing.T) {
	wf := Workflow{
		Metadata: WorkflowMetadata{Name: "loop", Version: "1", SchemaVersion: "1.0"},
		Nodes: map[string]WorkflowNode{
			"start": {NodeID: "start", NodeType: NodeTypeStart},
			"loop":  {NodeID: "loop", NodeType: NodeTypeLoop},
			"body":  {NodeID: "body", NodeType: "LogNode"},
			"end":   {NodeID: "end", NodeType: NodeTypeEnd},
		},
		Connections: []Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "loop", TargetPort: "exec_in"},
			{SourceNode: "loop", SourcePort: "exec_loop_body", TargetNode: "body", TargetPort: "exec_in"},
			{SourceNode: "body", SourcePort: "exec_out", TargetNode: "loop", TargetPort: "exec_in"},
			{SourceNode: "loop", SourcePort: "exec_done", TargetNode: "end", TargetPort: "exec_in"},
		},
	}
	if err := wf.Validate(); err != nil {
		t.Fatalf("loop-node back-edge rejected: %v", err)
	}
}

func TestValidate_CycleThroughPlainNodeRejected(t *testing.T) {
	wf := Workflow{
		Metadata: WorkflowMetadata{Name: "cycle", Version: "1", SchemaVersion: "1.0"},
		Nodes: map[string]WorkflowNode{
			"start": {NodeID: "start", NodeType: NodeTypeStart},
			"a":     {NodeID: "a", NodeType: "LogNode"},
			"b":     {NodeID: "b", NodeType: "LogNode"},
		},
		Connections: []Connection{
			{SourceNode: "start", SourcePort: "exec_out", TargetNode: "a", TargetPort: "exec_in"},
			{SourceNode: "a", SourcePort: "exec_out", TargetNode: "b", TargetPort: "exec_in"},
			{SourceNode: "b", SourcePort: "exec_out", TargetNode: "a", TargetPort: "exec_in"},
		},
	}
	if err := wf.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("plain cycle accepted: %v", err)
	}
}

func TestExecSuccessors_DeclarationOrder(t *testing.T) {
	wf := linearWorkflow()
	wf.Nodes["b1"] = WorkflowNode{NodeID: "b1", NodeType: "LogNode"}
	wf.Nodes["b2"] = WorkflowNode{NodeID: "b2", NodeType: "LogNode"}
	wf.Connections = append(wf.Connections,
		Connection{SourceNode: "set", SourcePort: "exec_out", TargetNode: "b1", TargetPort: "exec_in"},
		Connection{SourceNode: "set", SourcePort: "exec_out", TargetNode: "b2", TargetPort: "exec_in"},
	)
	got := wf.ExecSuccessors("set", "exec_out")
	want := []string{"end", "b1", "b2"}
	if len(got) != len(want) {
		t.Fatalf("successors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("successors[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReachableFromStart(t *testing.T) {
	wf := linearWorkflow()
	wf.Nodes["island"] = WorkflowNode{NodeID: "island", NodeType: "LogNode"}
	seen := wf.ReachableFromStart()
	if len(seen) != 3 {
		t.Fatalf("reachable = %d, want 3", len(seen))
	}
	if _, ok := seen["island"]; ok {
		t.Fatalf("disconnected node counted as reachable")
	}
}

func TestWorkflowNode_Disabled(t *testing.T) {
	n := WorkflowNode{Config: map[string]any{ConfigDisabledKey: true}}
	if !n.Disabled() {
		t.Fatalf("Disabled() = false for _disabled=true")
	}
	n.Config[ConfigDisabledKey] = "yes"
	if n.Disabled() {
		t.Fatalf("non-bool _disabled treated as true")
	}
	if (WorkflowNode{}).Disabled() {
		t.Fatalf("missing _disabled treated as true")
	}
}

func TestDataEdgeInto(t *testing.T) {
	wf := linearWorkflow()
	wf.Connections = append(wf.Connections, Connection{
		SourceNode: "start", SourcePort: "result", TargetNode: "set", TargetPort: "value",
	})
	c, ok := wf.DataEdgeInto("set", "value")
	if !ok || c.SourceNode != "start" || c.SourcePort != "result" {
		t.Fatalf("DataEdgeInto = %+v ok=%v", c, ok)
	}
	if _, ok := wf.DataEdgeInto("set", "missing"); ok {
		t.Fatalf("DataEdgeInto found edge for unbound port")
	}
}
