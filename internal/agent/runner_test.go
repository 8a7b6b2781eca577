package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/casare-rpa/internal/agent"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine/nodes"
	"github.com/fairyhunter13/casare-rpa/internal/scheduler"
)

const setVarWorkflow = `{
	"metadata": {"name": "t", "version": "1.0.0", "schema_version": "1.0"},
	"nodes": {
		"start": {"node_id": "start", "node_type": "StartNode", "name": "start"},
		"set":   {"node_id": "set", "node_type": "SetVariableNode", "name": "set",
		          "config": {"name": "greeting", "value": "hello"}}
	},
	"connections": [
		{"source_node": "start", "source_port": "exec_out", "target_node": "set", "target_port": "exec_in"}
	]
}`

const delayWorkflow = `{
	"metadata": {"name": "t", "version": "1.0.0", "schema_version": "1.0"},
	"nodes": {
		"start": {"node_id": "start", "node_type": "StartNode", "name": "start"},
		"wait":  {"node_id": "wait", "node_type": "DelayNode", "name": "wait",
		          "config": {"seconds": 30}}
	},
	"connections": [
		{"source_node": "start", "source_port": "exec_out", "target_node": "wait", "target_port": "exec_in"}
	]
}`

// runnerRepo records terminal writes; unimplemented methods panic via the
// embedded nil interface, which keeps the fake honest.
type runnerRepo struct {
	domain.JobRepository

	mu             sync.Mutex
	released       []string
	running        []string
	completed      map[string]json.RawMessage
	failedKinds    map[string]domain.ErrorKind
	failedMsgs     map[string]string
	cancelled      []string
	timedOut       []string
	paused         map[string]bool
	markRunningErr error
	requeue        bool
}

func newRunnerRepo() *runnerRepo {
	return &runnerRepo{
		completed:   make(map[string]json.RawMessage),
		failedKinds: make(map[string]domain.ErrorKind),
		failedMsgs:  make(map[string]string),
		paused:      make(map[string]bool),
	}
}

func (r *runnerRepo) Release(_ domain.Context, jobID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, jobID)
	return nil
}

func (r *runnerRepo) MarkRunning(_ domain.Context, jobID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markRunningErr != nil {
		return r.markRunningErr
	}
	r.running = append(r.running, jobID)
	return nil
}

func (r *runnerRepo) MarkPaused(_ domain.Context, jobID, _ string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[jobID] = paused
	return nil
}

func (r *runnerRepo) Complete(_ domain.Context, jobID, _ string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[jobID] = result
	return nil
}

func (r *runnerRepo) Fail(_ domain.Context, jobID, _ string, kind domain.ErrorKind, msg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedKinds[jobID] = kind
	r.failedMsgs[jobID] = msg
	return r.requeue, nil
}

func (r *runnerRepo) MarkCancelled(_ domain.Context, jobID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, jobID)
	return nil
}

func (r *runnerRepo) MarkTimedOut(_ domain.Context, jobID, _ string, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timedOut = append(r.timedOut, jobID)
	return nil
}

func (r *runnerRepo) completedResult(jobID string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.completed[jobID]
	return res, ok
}

func (r *runnerRepo) cancelledIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}

func (r *runnerRepo) runningIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.running...)
}

type sinkFake struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sinkFake) Publish(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sinkFake) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

// denyAdmission rejects every tenant and records releases.
type denyAdmission struct {
	scheduler.NoopAdmission
	mu       sync.Mutex
	releases []string
}

func (d *denyAdmission) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (d *denyAdmission) Release(_ context.Context, _ string, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases = append(d.releases, jobID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(repo *runnerRepo, sink domain.EventSink) *agent.Runner {
	return agent.NewRunner("robot-1", repo, nodes.DefaultRegistry(), sink, discardLogger())
}

func TestRunnerCompletesJob(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	sink := &sinkFake{}
	r := newTestRunner(repo, sink)

	r.Run(context.Background(), domain.Job{ID: "j1", Workflow: json.RawMessage(setVarWorkflow)})

	res, ok := repo.completedResult("j1")
	require.True(t, ok, "job should be completed")
	var out struct {
		Variables map[string]any `json:"variables"`
		Executed  int            `json:"executed"`
	}
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Equal(t, "hello", out.Variables["greeting"])
	assert.Equal(t, 2, out.Executed)
	assert.Equal(t, []string{"j1"}, repo.running)
	assert.Zero(t, r.RunningCount())
}

func TestRunnerFailsInvalidWorkflow(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	r := newTestRunner(repo, &sinkFake{})

	r.Run(context.Background(), domain.Job{ID: "j2", Workflow: json.RawMessage(`{"nodes": {}}`)})

	assert.Equal(t, domain.KindValidation, repo.failedKinds["j2"])
	assert.Empty(t, repo.running, "invalid workflow must not reach RUNNING")
}

func TestRunnerCancelBeforeStart(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	r := newTestRunner(repo, &sinkFake{})

	now := time.Now()
	r.Run(context.Background(), domain.Job{
		ID:                "j3",
		Workflow:          json.RawMessage(setVarWorkflow),
		CancelRequestedAt: &now,
	})

	assert.Equal(t, []string{"j3"}, repo.cancelledIDs())
	assert.Empty(t, repo.running)
}

func TestRunnerAbandonsJobWhenLeaseLost(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	repo.markRunningErr = domain.ErrConflict
	r := newTestRunner(repo, &sinkFake{})

	r.Run(context.Background(), domain.Job{ID: "j4", Workflow: json.RawMessage(setVarWorkflow)})

	_, completed := repo.completedResult("j4")
	assert.False(t, completed, "a lost lease means no terminal write")
	assert.Empty(t, repo.failedKinds)
}

func TestRunnerReleasesOnAdmissionDenied(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	sink := &sinkFake{}
	r := newTestRunner(repo, sink)
	r.Admission = &denyAdmission{}
	tenant := "acme"

	r.Run(context.Background(), domain.Job{
		ID:       "j5",
		TenantID: &tenant,
		Workflow: json.RawMessage(setVarWorkflow),
	})

	assert.Equal(t, []string{"j5"}, repo.released)
	assert.Contains(t, sink.types(), domain.EventJobReleased)
	assert.Empty(t, repo.running)
}

func TestRunnerControlCancelStopsJob(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	r := newTestRunner(repo, &sinkFake{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), domain.Job{ID: "j6", Workflow: json.RawMessage(delayWorkflow)})
	}()

	require.Eventually(t, func() bool { return r.RunningCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, r.Control(context.Background(), "j6", "cancel"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled job did not finish")
	}
	assert.Equal(t, []string{"j6"}, repo.cancelledIDs())
}

func TestRunnerControlPauseResume(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	r := newTestRunner(repo, &sinkFake{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), domain.Job{ID: "j7", Workflow: json.RawMessage(delayWorkflow)})
	}()
	require.Eventually(t, func() bool { return r.RunningCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, r.Control(context.Background(), "j7", domain.ControlPause))
	repo.mu.Lock()
	paused := repo.paused["j7"]
	repo.mu.Unlock()
	assert.True(t, paused)

	require.True(t, r.Control(context.Background(), "j7", domain.ControlResume))
	repo.mu.Lock()
	paused = repo.paused["j7"]
	repo.mu.Unlock()
	assert.False(t, paused)

	r.Control(context.Background(), "j7", "cancel")
	<-done
}

func TestRunnerControlUnknownJob(t *testing.T) {
	t.Parallel()
	r := newTestRunner(newRunnerRepo(), &sinkFake{})
	assert.False(t, r.Control(context.Background(), "ghost", domain.ControlPause))
}

func TestRunnerReportsProgress(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	r := newTestRunner(repo, &sinkFake{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), domain.Job{ID: "j8", Workflow: json.RawMessage(delayWorkflow)})
	}()
	require.Eventually(t, func() bool { return r.RunningCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	reports := r.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "j8", reports[0].JobID)
	assert.GreaterOrEqual(t, reports[0].Progress, 0.0)

	r.Control(context.Background(), "j8", "cancel")
	<-done
}

func TestRunnerAbandonSkipsTerminalWrite(t *testing.T) {
	t.Parallel()
	repo := newRunnerRepo()
	r := newTestRunner(repo, &sinkFake{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), domain.Job{ID: "j9", Workflow: json.RawMessage(delayWorkflow)})
	}()
	require.Eventually(t, func() bool { return r.RunningCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.False(t, r.Wait(50*time.Millisecond), "delay job cannot drain in 50ms")
	r.AbandonAll()
	assert.True(t, r.Wait(5*time.Second))
	<-done

	// Abandoned jobs keep their RUNNING row; lease expiry requeues them.
	assert.Empty(t, repo.cancelledIDs())
	_, completed := repo.completedResult("j9")
	assert.False(t, completed)
}
