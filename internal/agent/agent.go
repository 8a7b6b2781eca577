package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/scheduler"
)

// Options configures one robot agent.
type Options struct {
	RobotID       string
	RobotName     string
	Capabilities  []string
	Tags          []string
	Environment   string
	TenantScope   *string
	MaxConcurrent int

	LeaseTTL          time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// Agent is the claim-and-execute loop of one robot. It pulls work with
// capability-filtered claims, wakes early on queue notifications, and
// reports liveness through heartbeats that double as lease renewals.
type Agent struct {
	opts      Options
	jobs      domain.JobRepository
	runner    *Runner
	sink      domain.EventSink
	heartbeat HeartbeatSender
	fallback  HeartbeatSender
	admission scheduler.Admission
	log       *slog.Logger

	capSet map[string]struct{}

	// wake coalesces queue notifications; slotFreed coalesces runner
	// goroutine completions. Both carry at most one pending signal.
	wake      chan struct{}
	slotFreed chan struct{}

	// runCtx outlives the claim loop so in-flight jobs survive the drain
	// window instead of dying with the shutdown signal.
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// New assembles an agent around a runner. fallback may be nil; it is
// tried when the primary heartbeat sender fails, letting an HTTP agent
// degrade to direct database heartbeats during orchestrator outages.
func New(opts Options, jobs domain.JobRepository, runner *Runner, sink domain.EventSink, hb, fallback HeartbeatSender, log *slog.Logger) *Agent {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	capSet := make(map[string]struct{}, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		capSet[c] = struct{}{}
	}
	a := &Agent{
		opts:      opts,
		jobs:      jobs,
		runner:    runner,
		sink:      sink,
		heartbeat: hb,
		fallback:  fallback,
		admission: runner.Admission,
		log:       log,
		capSet:    capSet,
		wake:      make(chan struct{}, 1),
		slotFreed: make(chan struct{}, 1),
	}
	if a.admission == nil {
		a.admission = scheduler.NoopAdmission{}
	}
	return a
}

// Run drives the claim loop until ctx is cancelled, then drains: claiming
// stops, running jobs get DrainTimeout to finish, stragglers are abandoned
// to lease expiry. A final OFFLINE heartbeat is sent on the way out.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx, a.cancelRuns = context.WithCancel(context.Background())
	defer a.cancelRuns()

	hbCtx, stopHB := context.WithCancel(context.Background())
	defer stopHB()
	go a.heartbeatLoop(hbCtx, ctx.Done())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.opts.BackoffInitial
	bo.MaxInterval = a.opts.BackoffMax
	bo.Multiplier = a.opts.BackoffMultiplier
	bo.MaxElapsedTime = 0
	bo.Reset()

	poll := time.NewTicker(a.opts.PollInterval)
	defer poll.Stop()

	a.log.Info("agent started",
		slog.String("robot_id", a.opts.RobotID),
		slog.Int("max_concurrent", a.opts.MaxConcurrent),
		slog.Any("capabilities", a.opts.Capabilities))

loop:
	for {
		if ctx.Err() != nil {
			break
		}
		if a.runner.RunningCount() < a.opts.MaxConcurrent {
			switch claimed, err := a.claimOne(ctx); {
			case err == nil && claimed:
				bo.Reset()
				continue // drain the queue while slots remain
			case err == nil:
				bo.Reset()
			case errors.Is(err, context.Canceled):
				break loop
			default:
				wait := bo.NextBackOff()
				a.log.Warn("claim failed, backing off",
					slog.Duration("retry_in", wait),
					slog.Any("error", err))
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					break loop
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			break loop
		case <-a.wake:
		case <-a.slotFreed:
		case <-poll.C:
		}
	}

	a.drain()
	stopHB()
	a.sendOffline()
	return ctx.Err()
}

// HandleNotification is the postgres LISTEN callback. Queue announcements
// wake the claim loop when this robot can serve the advertised
// capabilities; control announcements are applied immediately.
func (a *Agent) HandleNotification(channel, payload string) {
	switch channel {
	case postgres.ChannelJobsQueued:
		if !a.canServe(payload) {
			return
		}
		select {
		case a.wake <- struct{}{}:
		default:
		}
	case postgres.ChannelJobsControl:
		jobID, directive, ok := strings.Cut(payload, ":")
		if !ok || jobID == "" {
			a.log.Warn("malformed control notification", slog.String("payload", payload))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.runner.Control(ctx, jobID, directive)
	}
}

// canServe reports whether a queued-job announcement matches this robot's
// capability set. An empty payload means "any robot".
func (a *Agent) canServe(payload string) bool {
	if payload == "" {
		return true
	}
	for _, c := range strings.Split(payload, ",") {
		if _, ok := a.capSet[c]; !ok {
			return false
		}
	}
	return true
}

// claimOne attempts a single claim, reporting whether a job was taken.
func (a *Agent) claimOne(ctx context.Context) (bool, error) {
	excluded, err := a.admission.Excluded(ctx)
	if err != nil {
		a.log.Warn("tenant exclusion lookup failed", slog.Any("error", err))
	}
	job, err := a.jobs.Claim(ctx, domain.ClaimRequest{
		RobotID:         a.opts.RobotID,
		Capabilities:    a.opts.Capabilities,
		TenantScope:     a.opts.TenantScope,
		ExcludedTenants: excluded,
		LeaseTTL:        a.opts.LeaseTTL,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	observability.JobsClaimedTotal.Inc()
	a.emit(job.ID, domain.EventJobClaimed, map[string]any{"robot_id": a.opts.RobotID})
	a.log.Info("job claimed",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptCount),
		slog.Int("priority", job.Priority))

	go func() {
		a.runner.Run(a.runCtx, job)
		select {
		case a.slotFreed <- struct{}{}:
		default:
		}
	}()
	return true, nil
}

// heartbeatLoop beats immediately and then on the interval. It keeps its
// own context so the final beats still go out while the claim loop drains;
// stop closes it.
func (a *Agent) heartbeatLoop(ctx context.Context, draining <-chan struct{}) {
	t := time.NewTicker(a.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		a.beat(ctx, draining)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// beat sends one heartbeat, applies returned control directives, and
// extends tenant admission slots alongside the lease renewals.
func (a *Agent) beat(ctx context.Context, draining <-chan struct{}) {
	status := domain.RobotOnline
	if a.runner.RunningCount() >= a.opts.MaxConcurrent {
		status = domain.RobotBusy
	}
	select {
	case <-draining:
		status = domain.RobotOffline
	default:
	}

	hb := a.buildHeartbeat(status)
	directives, err := a.send(ctx, hb)
	if err != nil {
		a.log.Warn("heartbeat failed", slog.Any("error", err))
		return
	}
	observability.HeartbeatsTotal.Inc()
	for jobID, directive := range directives {
		if !a.runner.Control(ctx, jobID, directive) {
			a.log.Warn("directive for job not running here",
				slog.String("job_id", jobID),
				slog.String("directive", directive))
		}
	}
	a.runner.TouchAdmission(ctx)
}

func (a *Agent) send(ctx context.Context, hb domain.Heartbeat) (map[string]string, error) {
	directives, err := a.heartbeat.Send(ctx, hb)
	if err != nil && a.fallback != nil {
		a.log.Warn("primary heartbeat failed, using fallback", slog.Any("error", err))
		return a.fallback.Send(ctx, hb)
	}
	return directives, err
}

func (a *Agent) buildHeartbeat(status domain.RobotStatus) domain.Heartbeat {
	return domain.Heartbeat{
		RobotID:         a.opts.RobotID,
		Name:            a.opts.RobotName,
		Status:          status,
		Capabilities:    a.opts.Capabilities,
		Tags:            a.opts.Tags,
		MaxConcurrent:   a.opts.MaxConcurrent,
		Environment:     a.opts.Environment,
		CurrentJobCount: a.runner.RunningCount(),
		RunningJobs:     a.runner.Reports(),
		TenantScope:     a.opts.TenantScope,
	}
}

// drain lets running jobs finish within DrainTimeout, then abandons the
// rest: their executions stop, their rows keep the dying lease, and the
// reaper re-dispatches them to another robot.
func (a *Agent) drain() {
	n := a.runner.RunningCount()
	if n == 0 {
		return
	}
	a.log.Info("draining", slog.Int("running", n), slog.Duration("timeout", a.opts.DrainTimeout))
	if a.runner.Wait(a.opts.DrainTimeout) {
		a.log.Info("drained cleanly")
		return
	}
	a.log.Warn("drain timeout, abandoning remaining jobs",
		slog.Int("remaining", a.runner.RunningCount()))
	a.runner.AbandonAll()
	if !a.runner.Wait(10 * time.Second) {
		a.log.Error("executions still stopping, leases will expire",
			slog.Int("remaining", a.runner.RunningCount()))
	}
}

// sendOffline is the parting heartbeat so the fleet page flips to OFFLINE
// immediately instead of waiting for the staleness sweep.
func (a *Agent) sendOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.send(ctx, a.buildHeartbeat(domain.RobotOffline)); err != nil {
		a.log.Warn("offline heartbeat failed", slog.Any("error", err))
	}
}

func (a *Agent) emit(jobID string, t domain.EventType, payload map[string]any) {
	if a.sink == nil {
		return
	}
	a.sink.Publish(context.Background(), domain.Event{
		JobID:   jobID,
		Type:    t,
		Payload: payload,
		TS:      time.Now().UTC(),
	})
}
