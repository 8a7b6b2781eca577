package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias so ports stay readable without importing std context
// at every call site. Adapters and usecases pass context.Context through.
type Context = context.Context

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobClaimed   JobStatus = "CLAIMED"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
	JobTimedOut  JobStatus = "TIMED_OUT"
)

// Terminal reports whether s permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

// Assigned reports whether s implies a non-null assigned robot and lease.
func (s JobStatus) Assigned() bool {
	switch s {
	case JobClaimed, JobRunning, JobPaused:
		return true
	}
	return false
}

// Job is one queued workflow execution. The row is the only cross-process
// shared state; every mutation by an agent is gated on
// assigned_robot_id = $me AND lease_expires_at > now().
type Job struct {
	ID                   string
	WorkflowID           *string
	Workflow             json.RawMessage
	Inputs               map[string]any
	Priority             int
	Status               JobStatus
	AssignedRobotID      *string
	LeaseExpiresAt       *time.Time
	ClaimedAt            *time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
	AttemptCount         int
	MaxAttempts          int
	RequiredCapabilities []string
	TenantID             *string
	Result               json.RawMessage
	ErrorKind            *ErrorKind
	ErrorMessage         *string
	PendingControl       *string
	CancelRequestedAt    *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Control directives delivered to the lease holder out of band.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
)

// ClaimRequest describes one claim attempt by a robot. ExcludedTenants
// lists tenants currently over their concurrency quota; jobs tagged with
// one stay QUEUED and are skipped.
type ClaimRequest struct {
	RobotID         string
	Capabilities    []string
	TenantScope     *string
	ExcludedTenants []string
	LeaseTTL        time.Duration
}

// ReapResult summarizes one reaper sweep.
type ReapResult struct {
	Requeued  int
	Failed    int
	Cancelled int
}

// JobFilter narrows listings for the admin surface.
type JobFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// QueueStats backs GET /stats.
type QueueStats struct {
	ByStatus     map[JobStatus]int64
	AvgWaitSecs  float64
	OldestQueued *time.Time
}

// JobRepository is the durable queue port.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, f JobFilter) ([]Job, error)

	// Claim atomically assigns the best QUEUED job matching the request
	// to the robot, or returns ErrNotFound when nothing is claimable.
	Claim(ctx Context, req ClaimRequest) (Job, error)
	// RenewLease extends the lease; ErrConflict when the caller no longer
	// holds it.
	RenewLease(ctx Context, jobID, robotID string, ttl time.Duration) error
	// Release hands a claimed job back to the queue without an attempt
	// penalty (admission denial, drain).
	Release(ctx Context, jobID, robotID string) error
	MarkRunning(ctx Context, jobID, robotID string) error
	MarkPaused(ctx Context, jobID, robotID string, paused bool) error

	// Complete and Fail finalize a held job. Fail re-enqueues while
	// attempts remain and reports whether it did.
	Complete(ctx Context, jobID, robotID string, result json.RawMessage) error
	Fail(ctx Context, jobID, robotID string, kind ErrorKind, msg string) (requeued bool, err error)
	MarkCancelled(ctx Context, jobID, robotID string) error
	MarkTimedOut(ctx Context, jobID, robotID string, msg string) error

	// Orchestrator-side control. RequestCancel cancels a QUEUED job
	// immediately and flags an assigned one; RequestControl stores a
	// pause/resume directive for the lease holder.
	RequestCancel(ctx Context, jobID string) (Job, error)
	RequestControl(ctx Context, jobID, directive string) (Job, error)
	// TakePendingControls returns and clears directives for jobs held by
	// the robot, keyed by job id. Cancel requests are reported under the
	// "cancel" directive and stay set until the job reaches a terminal
	// state.
	TakePendingControls(ctx Context, robotID string) (map[string]string, error)

	// ReapExpired requeues or terminally fails jobs whose lease lapsed.
	ReapExpired(ctx Context, now time.Time, limit int) (ReapResult, error)

	CountByStatus(ctx Context) (map[JobStatus]int64, error)
	Stats(ctx Context) (QueueStats, error)
}
