package nodes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine"
)

// Grace between SIGTERM and SIGKILL when the node context ends while the
// child is still running.
const commandKillDelay = 5 * time.Second

// runCommandNode executes a subprocess. With shell=true the command runs
// through `sh -c`; otherwise config args supply the argv. The child PID
// is registered with the orphan janitor for the duration of the call.
// A non-zero exit fails the node unless fail_on_error is set to false.
type runCommandNode struct {
	n domain.WorkflowNode
}

func newRunCommandNode(n domain.WorkflowNode) (engine.Node, error) {
	return &runCommandNode{n: n}, nil
}

func (*runCommandNode) Definition() engine.NodeDefinition {
	return engine.NodeDefinition{
		Type:        TypeRunCommand,
		ExecInputs:  []string{engine.PortExecIn},
		ExecOutputs: []string{engine.PortExecOut},
		Inputs:      []engine.PortSpec{{Name: "command", Type: "string"}},
		Outputs: []engine.PortSpec{
			{Name: "exit_code", Type: "number"},
			{Name: "stdout", Type: "string"},
			{Name: "stderr", Type: "string"},
		},
	}
}

func (r *runCommandNode) Validate() error {
	if raw, ok := r.n.Config["command"]; ok {
		if s, isStr := raw.(string); !isStr || strings.TrimSpace(s) == "" {
			return errors.New("command must be a non-empty string")
		}
	}
	if raw, ok := r.n.Config["args"]; ok {
		if _, isList := raw.([]any); !isList {
			return errors.New("args must be an array")
		}
	}
	return nil
}

func (r *runCommandNode) Execute(ctx context.Context, nc *engine.NodeContext) (*engine.NodeResult, error) {
	command := nc.ParamString("command")
	if command == "" {
		return nil, domain.NewExecError(domain.KindValidation, nc.Node.NodeID, "command is required")
	}

	var cmd *exec.Cmd
	if nc.ConfigBool("shell") {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	} else {
		var args []string
		if raw, ok := nc.Config("args").([]any); ok {
			args = make([]string, len(raw))
			for i, a := range raw {
				args[i] = headerValue(a)
			}
		}
		cmd = exec.CommandContext(ctx, command, args...)
	}
	cmd.Dir = nc.ConfigString("dir")
	if envMap, ok := nc.Config("env").(map[string]any); ok && len(envMap) > 0 {
		env := os.Environ()
		for k, v := range envMap {
			env = append(env, k+"="+headerValue(v))
		}
		cmd.Env = env
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = commandKillDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, domain.WrapExecError(domain.KindResourceUnavailable, nc.Node.NodeID,
			fmt.Errorf("start command: %w", err))
	}
	pid := cmd.Process.Pid
	nc.TrackPID(pid)
	waitErr := cmd.Wait()
	nc.UntrackPID(pid)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	exit := cmd.ProcessState.ExitCode()
	outputs := map[string]any{
		"exit_code": float64(exit),
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
	failOnError := true
	if _, ok := r.n.Config["fail_on_error"]; ok {
		failOnError = nc.ConfigBool("fail_on_error")
	}
	if waitErr != nil && exit < 0 {
		return nil, domain.WrapExecError(domain.KindNodeExecution, nc.Node.NodeID, waitErr)
	}
	if failOnError && exit != 0 {
		return nil, domain.NewExecError(domain.KindNodeExecution, nc.Node.NodeID,
			"command exited %d: %s", exit, firstLine(stderr.String()))
	}
	return &engine.NodeResult{Outputs: outputs}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
