package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/credential"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/engine"
	"github.com/fairyhunter13/casare-rpa/internal/scheduler"
)

// finalizeTimeout bounds the terminal job-row write. It uses a fresh
// context because the run context is usually already cancelled by then.
const finalizeTimeout = 10 * time.Second

// runningJob pairs a claimed job with its live execution. abandoned marks
// a shutdown stop: the terminal write is skipped so the lease expires and
// another robot picks the job up.
type runningJob struct {
	job       domain.Job
	exec      *engine.Execution
	done      chan struct{}
	abandoned atomic.Bool
}

// Runner executes claimed jobs one goroutine each and routes control
// directives to the right execution. All terminal row writes are gated by
// the lease; a lost lease turns the write into a logged no-op and the
// reaper re-dispatches the job.
type Runner struct {
	RobotID     string
	Jobs        domain.JobRepository
	Registry    *engine.Registry
	Sink        domain.EventSink
	Credentials *credential.Resolver
	PIDs        engine.PIDTracker
	Admission   scheduler.Admission
	Log         *slog.Logger

	LeaseTTL      time.Duration
	NodeTimeout   time.Duration
	CleanupBudget time.Duration

	mu      sync.Mutex
	running map[string]*runningJob
	idle    chan struct{}
}

// NewRunner wires a runner. Admission may be nil for quota-free fleets.
func NewRunner(robotID string, jobs domain.JobRepository, reg *engine.Registry, sink domain.EventSink, log *slog.Logger) *Runner {
	return &Runner{
		RobotID:   robotID,
		Jobs:      jobs,
		Registry:  reg,
		Sink:      sink,
		Admission: scheduler.NoopAdmission{},
		Log:       log,
		LeaseTTL:  60 * time.Second,
		running:   make(map[string]*runningJob),
		idle:      make(chan struct{}),
	}
}

// RunningCount reports the number of in-flight jobs.
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Reports builds the heartbeat's running-jobs list.
func (r *Runner) Reports() []domain.RunningJobReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RunningJobReport, 0, len(r.running))
	for id, rj := range r.running {
		out = append(out, domain.RunningJobReport{
			JobID:         id,
			Progress:      rj.exec.Progress(),
			CurrentNodeID: rj.exec.CurrentNode(),
		})
	}
	return out
}

// Run executes one claimed job to its terminal row write. It blocks;
// the agent spawns it on its own goroutine.
func (r *Runner) Run(ctx context.Context, job domain.Job) {
	log := r.Log.With(slog.String("job_id", job.ID))

	tenant := ""
	if job.TenantID != nil {
		tenant = *job.TenantID
	}
	admitted, err := r.Admission.Acquire(ctx, tenant, job.ID, r.LeaseTTL)
	if err != nil {
		log.Warn("admission check failed, admitting", slog.Any("error", err))
	}
	if !admitted {
		log.Info("tenant at quota, releasing job", slog.String("tenant", tenant))
		if err := r.Jobs.Release(ctx, job.ID, r.RobotID); err != nil {
			log.Error("job release failed", slog.Any("error", err))
		}
		r.emit(job.ID, domain.EventJobReleased, map[string]any{"reason": "tenant_quota", "tenant": tenant})
		return
	}
	defer func() {
		if err := r.Admission.Release(context.Background(), tenant, job.ID); err != nil {
			log.Warn("admission release failed", slog.Any("error", err))
		}
	}()

	// A cancel that landed between enqueue and claim terminates the job
	// without starting the engine.
	if job.CancelRequestedAt != nil {
		r.finalize(log, job, engine.Result{Status: engine.StatusCancelled}, false)
		return
	}

	wf, err := domain.ParseWorkflow(job.Workflow)
	if err != nil {
		ee := domain.WrapExecError(domain.KindValidation, "", err)
		r.finalize(log, job, engine.Result{Status: engine.StatusFailed, Error: ee}, false)
		return
	}

	if err := r.Jobs.MarkRunning(ctx, job.ID, r.RobotID); err != nil {
		// Lease already lost; another agent will pick the job up.
		log.Warn("job start write failed, abandoning", slog.Any("error", err))
		return
	}

	exec := engine.NewExecution(engine.ExecConfig{
		JobID:         job.ID,
		Workflow:      wf,
		Inputs:        job.Inputs,
		Registry:      r.Registry,
		Sink:          r.Sink,
		Credentials:   r.Credentials,
		PIDs:          r.PIDs,
		Logger:        r.Log,
		NodeTimeout:   r.NodeTimeout,
		CleanupBudget: r.CleanupBudget,
	})
	rj := &runningJob{job: job, exec: exec, done: make(chan struct{})}
	r.track(job.ID, rj)
	defer r.untrack(job.ID, rj)

	if job.PendingControl != nil && *job.PendingControl == domain.ControlPause {
		exec.Pause()
	}

	observability.JobStarted()
	res := exec.Run(ctx)
	observability.JobFinished(string(res.Status))
	r.finalize(log, job, res, rj.abandoned.Load())
}

// Control applies a pause/resume/cancel directive to an in-flight job.
// It reports false when the job is not running here, which callers treat
// as stale information rather than an error.
func (r *Runner) Control(ctx context.Context, jobID, directive string) bool {
	r.mu.Lock()
	rj, ok := r.running[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	log := r.Log.With(slog.String("job_id", jobID), slog.String("directive", directive))
	switch directive {
	case domain.ControlPause:
		rj.exec.Pause()
		if err := r.Jobs.MarkPaused(ctx, jobID, r.RobotID, true); err != nil {
			log.Warn("pause state write failed", slog.Any("error", err))
		}
	case domain.ControlResume:
		rj.exec.Resume()
		if err := r.Jobs.MarkPaused(ctx, jobID, r.RobotID, false); err != nil {
			log.Warn("resume state write failed", slog.Any("error", err))
		}
	case "cancel":
		rj.exec.Cancel()
	default:
		log.Warn("unknown control directive")
		return false
	}
	log.Info("control directive applied")
	return true
}

// AbandonAll stops every in-flight execution without a terminal write,
// used when the drain timeout expires. The rows stay RUNNING until their
// leases expire and the reaper re-dispatches them to another robot.
func (r *Runner) AbandonAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rj := range r.running {
		rj.abandoned.Store(true)
		rj.exec.Cancel()
	}
}

// Wait blocks until all running jobs finished or the timeout expired,
// reporting whether the runner drained completely.
func (r *Runner) Wait(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if len(r.running) == 0 {
			r.mu.Unlock()
			return true
		}
		idle := r.idle
		r.mu.Unlock()
		select {
		case <-idle:
		case <-deadline.C:
			return r.RunningCount() == 0
		}
	}
}

// TouchAdmission extends the admission slots of held tenant jobs, called
// alongside each heartbeat so slots expire with the lease.
func (r *Runner) TouchAdmission(ctx context.Context) {
	r.mu.Lock()
	jobs := make([]domain.Job, 0, len(r.running))
	for _, rj := range r.running {
		jobs = append(jobs, rj.job)
	}
	r.mu.Unlock()
	for _, j := range jobs {
		if j.TenantID == nil {
			continue
		}
		if err := r.Admission.Touch(ctx, *j.TenantID, j.ID, r.LeaseTTL); err != nil {
			r.Log.Warn("admission touch failed",
				slog.String("job_id", j.ID),
				slog.Any("error", err))
		}
	}
}

// finalize writes the terminal row with a fresh bounded context. An
// abandoned cancellation skips the write so the job survives this robot.
func (r *Runner) finalize(log *slog.Logger, job domain.Job, res engine.Result, abandoned bool) {
	if abandoned && res.Status == engine.StatusCancelled {
		log.Info("job abandoned for shutdown, lease expiry will requeue it")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var err error
	switch res.Status {
	case engine.StatusSucceeded:
		var result json.RawMessage
		result, err = json.Marshal(map[string]any{
			"variables": res.Variables,
			"executed":  res.Executed,
		})
		if err == nil {
			err = r.Jobs.Complete(ctx, job.ID, r.RobotID, result)
		}
	case engine.StatusFailed:
		kind, msg := domain.KindInternal, "workflow failed"
		if res.Error != nil {
			kind, msg = res.Error.Kind, res.Error.Message
		}
		var requeued bool
		requeued, err = r.Jobs.Fail(ctx, job.ID, r.RobotID, kind, msg)
		if err == nil && requeued {
			log.Info("failed job re-enqueued",
				slog.Int("attempt", job.AttemptCount+1),
				slog.Int("max_attempts", job.MaxAttempts))
		}
	case engine.StatusCancelled:
		err = r.Jobs.MarkCancelled(ctx, job.ID, r.RobotID)
	case engine.StatusTimedOut:
		msg := "workflow timed out"
		if res.Error != nil {
			msg = res.Error.Message
		}
		err = r.Jobs.MarkTimedOut(ctx, job.ID, r.RobotID, msg)
	}
	if err != nil {
		log.Error("job finalize failed, lease reaper will recover",
			slog.String("status", string(res.Status)),
			slog.Any("error", err))
		return
	}
	log.Info("job finished", slog.String("status", string(res.Status)))
}

func (r *Runner) track(id string, rj *runningJob) {
	r.mu.Lock()
	r.running[id] = rj
	r.mu.Unlock()
}

func (r *Runner) untrack(id string, rj *runningJob) {
	close(rj.done)
	r.mu.Lock()
	delete(r.running, id)
	if len(r.running) == 0 {
		close(r.idle)
		r.idle = make(chan struct{})
	}
	r.mu.Unlock()
}

func (r *Runner) emit(jobID string, t domain.EventType, payload map[string]any) {
	if r.Sink == nil {
		return
	}
	r.Sink.Publish(context.Background(), domain.Event{
		JobID:   jobID,
		Type:    t,
		Payload: payload,
		TS:      time.Now().UTC(),
	})
}
