package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/credential"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// Resource is an opaque handle owned by the execution. Handles registered
// during node execution are closed on teardown in reverse order.
type Resource interface {
	Close() error
}

// CloseFunc adapts a function to the Resource interface.
type CloseFunc func() error

func (f CloseFunc) Close() error { return f() }

// PIDTracker records OS processes spawned by nodes so a janitor can kill
// survivors after a crash. Implementations must be safe for concurrent
// use; a nil tracker disables tracking.
type PIDTracker interface {
	Track(pid int)
	Untrack(pid int)
}

// ResourceTable holds named handles for one execution. Put after teardown
// closes the handle immediately instead of leaking it.
type ResourceTable struct {
	mu     sync.Mutex
	names  []string
	byName map[string]Resource
	closed bool
}

func NewResourceTable() *ResourceTable {
	return &ResourceTable{byName: make(map[string]Resource)}
}

// Put registers a handle under name. Re-registering a name closes the
// previous handle first.
func (rt *ResourceTable) Put(name string, r Resource) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		_ = r.Close()
		return
	}
	if old, ok := rt.byName[name]; ok {
		rt.byName[name] = r
		rt.mu.Unlock()
		_ = old.Close()
		return
	}
	rt.byName[name] = r
	rt.names = append(rt.names, name)
	rt.mu.Unlock()
}

func (rt *ResourceTable) Get(name string) (Resource, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.byName[name]
	return r, ok
}

// Len returns the number of live handles.
func (rt *ResourceTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.byName)
}

// ReleaseAll closes every handle in reverse registration order within the
// budget. Failures are logged and do not affect the terminal state; a
// close that outlives the remaining budget is abandoned.
func (rt *ResourceTable) ReleaseAll(budget time.Duration, log *slog.Logger) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	names := rt.names
	handles := rt.byName
	rt.names = nil
	rt.byName = make(map[string]Resource)
	rt.mu.Unlock()

	deadline := time.Now().Add(budget)
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		r := handles[name]
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Warn("resource cleanup budget exhausted", slog.String("resource", name), slog.Int("abandoned", i+1))
			return
		}
		done := make(chan error, 1)
		go func() { done <- r.Close() }()
		select {
		case err := <-done:
			if err != nil {
				log.Warn("resource close failed", slog.String("resource", name), slog.Any("error", err))
			}
		case <-time.After(remaining):
			log.Warn("resource close timed out", slog.String("resource", name))
			return
		}
	}
}

// NodeContext is the per-node view handed to plugins: resolved inputs,
// template-expanded config, shared variables, secrets, resources and the
// PID tracker. After the engine gives up on a call (node timeout) the
// context is sealed and writes become no-ops.
type NodeContext struct {
	JobID  string
	Node   domain.WorkflowNode
	Inputs map[string]any

	x      *Execution
	log    *slog.Logger
	sealed atomic.Bool
}

// seal detaches an abandoned context so a stray plugin goroutine cannot
// mutate shared state after the engine moved on.
func (nc *NodeContext) seal() { nc.sealed.Store(true) }

func (nc *NodeContext) Logger() *slog.Logger { return nc.log }

// Var reads one execution variable.
func (nc *NodeContext) Var(name string) (any, bool) {
	return nc.x.readVar(name)
}

// Vars returns a snapshot copy of the variable map.
func (nc *NodeContext) Vars() map[string]any {
	return nc.x.snapshotVars()
}

// SetVar writes one execution variable and publishes VARIABLE_SET.
func (nc *NodeContext) SetVar(name string, v any) {
	if nc.sealed.Load() {
		return
	}
	nc.x.setVar(nc.Node.NodeID, name, v)
}

// Input returns the resolved value of an input port, nil when unbound.
func (nc *NodeContext) Input(port string) any { return nc.Inputs[port] }

// InputString stringifies an input port value; unbound ports yield "".
func (nc *NodeContext) InputString(port string) string {
	v, ok := nc.Inputs[port]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// InputNumber coerces an input port value to float64.
func (nc *NodeContext) InputNumber(port string) (float64, bool) {
	return toNumber(nc.Inputs[port])
}

// Param returns a node parameter: the input port when bound, otherwise
// the config key of the same name, template-expanded.
func (nc *NodeContext) Param(name string) any {
	if v, ok := nc.Inputs[name]; ok {
		return v
	}
	return nc.Config(name)
}

// ParamString stringifies a parameter; missing yields "".
func (nc *NodeContext) ParamString(name string) string {
	v := nc.Param(name)
	if v == nil {
		return ""
	}
	return stringify(v)
}

// ParamNumber coerces a parameter to float64.
func (nc *NodeContext) ParamNumber(name string) (float64, bool) {
	return toNumber(nc.Param(name))
}

// ParamBool coerces a parameter to bool; missing yields false.
func (nc *NodeContext) ParamBool(name string) bool {
	return toBool(nc.Param(name))
}

// Config returns a config value with {{variable}} templates expanded.
func (nc *NodeContext) Config(key string) any {
	v, ok := nc.Node.Config[key]
	if !ok {
		return nil
	}
	return expandValue(v, nc.x.snapshotVars())
}

// ConfigString stringifies a config value; missing keys yield "".
func (nc *NodeContext) ConfigString(key string) string {
	v := nc.Config(key)
	if v == nil {
		return ""
	}
	return stringify(v)
}

// ConfigNumber coerces a config value to float64.
func (nc *NodeContext) ConfigNumber(key string) (float64, bool) {
	return toNumber(nc.Config(key))
}

// ConfigBool coerces a config value to bool; missing keys yield false.
func (nc *NodeContext) ConfigBool(key string) bool {
	return toBool(nc.Config(key))
}

// Secret resolves a credential spec through the execution's chain. With
// no chain configured only the direct and variable tiers apply.
func (nc *NodeContext) Secret(ctx context.Context, spec credential.Spec) (string, error) {
	return nc.x.secret(ctx, spec)
}

// PutResource binds a handle to the execution lifetime.
func (nc *NodeContext) PutResource(name string, r Resource) {
	if nc.sealed.Load() {
		_ = r.Close()
		return
	}
	nc.x.resources.Put(name, r)
}

// Resource looks up a previously registered handle.
func (nc *NodeContext) Resource(name string) (Resource, bool) {
	return nc.x.resources.Get(name)
}

// TrackPID records a spawned child process for orphan cleanup.
func (nc *NodeContext) TrackPID(pid int) {
	if nc.x.cfg.PIDs != nil {
		nc.x.cfg.PIDs.Track(pid)
	}
}

// UntrackPID drops a process that exited normally.
func (nc *NodeContext) UntrackPID(pid int) {
	if nc.x.cfg.PIDs != nil {
		nc.x.cfg.PIDs.Untrack(pid)
	}
}
