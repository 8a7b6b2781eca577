package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ExecPortPrefix marks control-flow ports; everything else carries data.
const ExecPortPrefix = "exec_"

// ConfigDisabledKey bypasses a node when truthy in its config.
const ConfigDisabledKey = "_disabled"

// Node type keys with engine-level semantics. All other types are opaque
// plugins behind the registry.
const (
	NodeTypeStart        = "StartNode"
	NodeTypeEnd          = "EndNode"
	NodeTypeTry          = "TryNode"
	NodeTypeRetry        = "RetryNode"
	NodeTypeRetrySuccess = "RetrySuccessNode"
	NodeTypeRetryFail    = "RetryFailNode"
	NodeTypeLoop         = "LoopNode"
	NodeTypeForEach      = "ForEachNode"
)

// LoopNodeType reports whether nodes of this type may be the target of an
// exec back-edge. Cycles anywhere else are rejected at validation.
func LoopNodeType(nodeType string) bool {
	switch nodeType {
	case NodeTypeLoop, NodeTypeRetry, NodeTypeForEach:
		return true
	}
	return false
}

type WorkflowMetadata struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description,omitempty"`
	Author        string   `json:"author,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
	UpdatedAt     string   `json:"updated_at,omitempty"`
	SchemaVersion string   `json:"schema_version"`
	Tags          []string `json:"tags,omitempty"`
}

// WorkflowNode is one vertex of the graph. Position is GUI state and opaque
// here. Inputs carries literal port defaults used when no data edge binds
// the port; Config carries static parameters.
type WorkflowNode struct {
	NodeID   string         `json:"node_id"`
	NodeType string         `json:"node_type"`
	Name     string         `json:"name"`
	Position []float64      `json:"position,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}

// Disabled reports the _disabled config flag.
func (n WorkflowNode) Disabled() bool {
	v, ok := n.Config[ConfigDisabledKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

type Connection struct {
	SourceNode string `json:"source_node"`
	SourcePort string `json:"source_port"`
	TargetNode string `json:"target_node"`
	TargetPort string `json:"target_port"`
}

// IsExec reports whether the connection carries control flow.
func (c Connection) IsExec() bool {
	return strings.HasPrefix(c.SourcePort, ExecPortPrefix)
}

type WorkflowSettings struct {
	StopOnError    bool `json:"stop_on_error"`
	TimeoutSeconds int  `json:"timeout"`
	RetryCount     int  `json:"retry_count"`
}

// Workflow is the parsed, validated graph. Immutable after submission.
type Workflow struct {
	Metadata    WorkflowMetadata        `json:"metadata"`
	Nodes       map[string]WorkflowNode `json:"nodes"`
	Connections []Connection            `json:"connections"`
	Variables   map[string]any          `json:"variables,omitempty"`
	Settings    WorkflowSettings        `json:"settings"`
}

// ParseWorkflow decodes and structurally validates a workflow document.
// Unknown top-level keys are dropped; unknown node types are accepted here
// and rejected at dispatch, where the registry is known.
func ParseWorkflow(raw []byte) (Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return Workflow{}, fmt.Errorf("workflow decode: %w: %v", ErrInvalidArgument, err)
	}
	for id, n := range wf.Nodes {
		if n.NodeID == "" {
			n.NodeID = id
			wf.Nodes[id] = n
		} else if n.NodeID != id {
			return Workflow{}, fmt.Errorf("workflow node %q: node_id mismatch %q: %w", id, n.NodeID, ErrInvalidArgument)
		}
	}
	if err := wf.Validate(); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// Validate enforces the structural invariants: a single StartNode, all
// connection endpoints resolve, exec and data prefixes are consistent, each
// input port has at most one incoming data edge, and exec cycles pass only
// through loop nodes.
func (w Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow has no nodes: %w", ErrInvalidArgument)
	}
	starts := 0
	for _, n := range w.Nodes {
		if n.NodeType == "" {
			return fmt.Errorf("node %q: empty node_type: %w", n.NodeID, ErrInvalidArgument)
		}
		if n.NodeType == NodeTypeStart {
			starts++
		}
	}
	if starts != 1 {
		return fmt.Errorf("workflow must contain exactly one StartNode, found %d: %w", starts, ErrInvalidArgument)
	}

	dataTargets := make(map[string]struct{}, len(w.Connections))
	for i, c := range w.Connections {
		if _, ok := w.Nodes[c.SourceNode]; !ok {
			return fmt.Errorf("connection %d: unknown source node %q: %w", i, c.SourceNode, ErrInvalidArgument)
		}
		if _, ok := w.Nodes[c.TargetNode]; !ok {
			return fmt.Errorf("connection %d: unknown target node %q: %w", i, c.TargetNode, ErrInvalidArgument)
		}
		srcExec := strings.HasPrefix(c.SourcePort, ExecPortPrefix)
		dstExec := strings.HasPrefix(c.TargetPort, ExecPortPrefix)
		if srcExec != dstExec {
			return fmt.Errorf("connection %d: mixed exec/data ports %s->%s: %w", i, c.SourcePort, c.TargetPort, ErrInvalidArgument)
		}
		if !srcExec {
			key := c.TargetNode + "\x00" + c.TargetPort
			if _, dup := dataTargets[key]; dup {
				return fmt.Errorf("connection %d: input port %s.%s already bound: %w", i, c.TargetNode, c.TargetPort, ErrInvalidArgument)
			}
			dataTargets[key] = struct{}{}
		}
	}

	return w.checkExecCycles()
}

// checkExecCycles runs a DFS over the exec subgraph. A back-edge is legal
// only when its target is a loop node.
func (w Workflow) checkExecCycles() error {
	adj := make(map[string][]string)
	for _, c := range w.Connections {
		if c.IsExec() {
			adj[c.SourceNode] = append(adj[c.SourceNode], c.TargetNode)
		}
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				if !LoopNodeType(w.Nodes[next].NodeType) {
					return fmt.Errorf("exec cycle through %q (type %s): %w", next, w.Nodes[next].NodeType, ErrInvalidArgument)
				}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	ids := make([]string, 0, len(w.Nodes))
	for id := range w.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartNodeID returns the single StartNode's id. Valid workflows always
// have one.
func (w Workflow) StartNodeID() string {
	for id, n := range w.Nodes {
		if n.NodeType == NodeTypeStart {
			return id
		}
	}
	return ""
}

// ExecSuccessors returns exec-edge targets of the given node and out port,
// in connection declaration order.
func (w Workflow) ExecSuccessors(nodeID, port string) []string {
	var out []string
	for _, c := range w.Connections {
		if c.SourceNode == nodeID && c.SourcePort == port && c.IsExec() {
			out = append(out, c.TargetNode)
		}
	}
	return out
}

// DataEdgeInto returns the data connection feeding the given input port,
// if any.
func (w Workflow) DataEdgeInto(nodeID, port string) (Connection, bool) {
	for _, c := range w.Connections {
		if c.TargetNode == nodeID && c.TargetPort == port && !c.IsExec() {
			return c, true
		}
	}
	return Connection{}, false
}

// DataEdgesInto lists all data connections targeting the node.
func (w Workflow) DataEdgesInto(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.TargetNode == nodeID && !c.IsExec() {
			out = append(out, c)
		}
	}
	return out
}

// ReachableFromStart counts nodes reachable over exec edges from the
// StartNode, the denominator for progress reporting.
func (w Workflow) ReachableFromStart() map[string]struct{} {
	adj := make(map[string][]string)
	for _, c := range w.Connections {
		if c.IsExec() {
			adj[c.SourceNode] = append(adj[c.SourceNode], c.TargetNode)
		}
	}
	seen := make(map[string]struct{})
	stack := []string{w.StartNodeID()}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, adj[id]...)
	}
	return seen
}
