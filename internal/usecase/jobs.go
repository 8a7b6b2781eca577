// Package usecase contains the orchestrator's application services: job
// submission and control, and fleet registration/heartbeat handling.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/scheduler"
)

// QueueNotifier wakes idle claim loops and fans control directives out.
// Notifications are advisory; agents poll as a fallback, so failures are
// logged and swallowed.
type QueueNotifier interface {
	NotifyQueued(ctx domain.Context, capabilities []string) error
	NotifyControl(ctx domain.Context, jobID, directive string) error
}

// ProgressSource reports the last heartbeat-carried progress for a job.
type ProgressSource interface {
	Progress(jobID string) (float64, string, bool)
}

// AuditFunc mirrors orchestrator-side queue transitions onto the audit
// stream. Transitions that happen on an agent reach the stream through
// the event pump instead; this hook covers the ones that never produce
// an engine frame (submission, cancel-before-claim).
type AuditFunc func(ctx domain.Context, transition string, job domain.Job)

// SubmitJobInput is the POST /jobs payload after JSON decoding.
type SubmitJobInput struct {
	Workflow             json.RawMessage `json:"workflow" validate:"required"`
	WorkflowID           *string         `json:"workflow_id,omitempty"`
	Inputs               map[string]any  `json:"inputs,omitempty"`
	Priority             int             `json:"priority" validate:"gte=-100,lte=100"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	TenantID             *string         `json:"tenant_id,omitempty"`
	MaxAttempts          int             `json:"max_attempts" validate:"gte=0,lte=25"`
}

// JobStatusView merges the job row with heartbeat-reported progress.
type JobStatusView struct {
	Job           domain.Job
	Progress      float64
	CurrentNodeID string
}

// WorkflowVerdict is the dry-run validation result for a workflow
// document.
type WorkflowVerdict struct {
	Valid     bool   `json:"valid"`
	NodeCount int    `json:"node_count"`
	Error     string `json:"error,omitempty"`
}

// JobService submits and controls jobs. Progress and Audit are optional.
type JobService struct {
	Jobs      domain.JobRepository
	Overrides domain.OverrideRepository
	Events    domain.EventRepository
	Notifier  QueueNotifier
	Progress  ProgressSource
	Audit     AuditFunc

	DefaultMaxAttempts int
}

// NewJobService constructs a JobService with its required dependencies.
func NewJobService(jobs domain.JobRepository, overrides domain.OverrideRepository, events domain.EventRepository, notifier QueueNotifier) JobService {
	return JobService{Jobs: jobs, Overrides: overrides, Events: events, Notifier: notifier, DefaultMaxAttempts: 3}
}

// Submit validates the workflow document, expands node overrides into the
// job's effective capability requirements, inserts the QUEUED row and
// wakes claim loops.
func (s JobService) Submit(ctx domain.Context, in SubmitJobInput) (string, error) {
	if len(in.Workflow) == 0 {
		return "", fmt.Errorf("%w: workflow document required", domain.ErrInvalidArgument)
	}
	wf, err := domain.ParseWorkflow(in.Workflow)
	if err != nil {
		return "", err
	}
	for _, c := range in.RequiredCapabilities {
		if !domain.ValidCapability(c) {
			return "", fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidArgument, c)
		}
	}

	caps := in.RequiredCapabilities
	workflowID := normalizePtr(in.WorkflowID)
	if workflowID != nil {
		ovs, err := s.Overrides.ListByWorkflow(ctx, *workflowID)
		if err != nil {
			return "", fmt.Errorf("expand overrides: %w", err)
		}
		// Only overrides whose node exists in this document revision apply.
		matched := ovs[:0]
		for _, o := range ovs {
			if _, ok := wf.Nodes[o.NodeID]; ok {
				matched = append(matched, o)
			}
		}
		caps = scheduler.ExpandOverrides(caps, matched)
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.DefaultMaxAttempts
	}

	job := domain.Job{
		WorkflowID:           workflowID,
		Workflow:             in.Workflow,
		Inputs:               in.Inputs,
		Priority:             in.Priority,
		Status:               domain.JobQueued,
		MaxAttempts:          maxAttempts,
		RequiredCapabilities: caps,
		TenantID:             normalizePtr(in.TenantID),
	}
	id, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return "", err
	}
	observability.JobsSubmittedTotal.Inc()

	if err := s.Notifier.NotifyQueued(ctx, caps); err != nil {
		slog.Warn("queue wakeup notify failed",
			slog.String("job_id", id),
			slog.Any("error", err))
	}
	if s.Audit != nil {
		job.ID = id
		s.Audit(ctx, "ENQUEUED", job)
	}
	return id, nil
}

// Status returns the job row plus the latest reported progress.
func (s JobService) Status(ctx domain.Context, id string) (JobStatusView, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobStatusView{}, err
	}
	view := JobStatusView{Job: j}
	if s.Progress != nil {
		if p, node, ok := s.Progress.Progress(id); ok {
			view.Progress, view.CurrentNodeID = p, node
		}
	}
	if j.Status == domain.JobSucceeded {
		view.Progress = 1
	}
	return view, nil
}

// List returns jobs matching the filter, newest first.
func (s JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	return s.Jobs.List(ctx, f)
}

// Cancel requests cancellation. A QUEUED job goes terminal immediately;
// an assigned one gets the directive delivered to its lease holder.
func (s JobService) Cancel(ctx domain.Context, id string) (domain.Job, error) {
	j, err := s.Jobs.RequestCancel(ctx, id)
	if err != nil {
		return j, err
	}
	if j.Status == domain.JobCancelled {
		observability.JobsFinishedTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
		if s.Audit != nil {
			s.Audit(ctx, "CANCELLED", j)
		}
		return j, nil
	}
	if err := s.Notifier.NotifyControl(ctx, id, "cancel"); err != nil {
		slog.Warn("cancel notify failed",
			slog.String("job_id", id),
			slog.Any("error", err))
	}
	return j, nil
}

// Pause stores a pause directive for the lease holder.
func (s JobService) Pause(ctx domain.Context, id string) (domain.Job, error) {
	return s.control(ctx, id, domain.ControlPause)
}

// Resume stores a resume directive for the lease holder.
func (s JobService) Resume(ctx domain.Context, id string) (domain.Job, error) {
	return s.control(ctx, id, domain.ControlResume)
}

func (s JobService) control(ctx domain.Context, id, directive string) (domain.Job, error) {
	j, err := s.Jobs.RequestControl(ctx, id, directive)
	if err != nil {
		return j, err
	}
	if err := s.Notifier.NotifyControl(ctx, id, directive); err != nil {
		slog.Warn("control notify failed",
			slog.String("job_id", id),
			slog.String("directive", directive),
			slog.Any("error", err))
	}
	return j, nil
}

// JobEvents replays journaled frames for one job, oldest first.
func (s JobService) JobEvents(ctx domain.Context, jobID string, afterSeq int64, limit int) ([]domain.Event, error) {
	if _, err := s.Jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	if limit > 2000 {
		limit = 2000
	}
	return s.Events.ListByJob(ctx, jobID, afterSeq, limit)
}

// Stats returns queue depth and wait statistics and refreshes the depth
// gauges.
func (s JobService) Stats(ctx domain.Context) (domain.QueueStats, error) {
	st, err := s.Jobs.Stats(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	for _, status := range []domain.JobStatus{
		domain.JobQueued, domain.JobClaimed, domain.JobRunning, domain.JobPaused,
		domain.JobSucceeded, domain.JobFailed, domain.JobCancelled, domain.JobTimedOut,
	} {
		observability.QueueDepth.WithLabelValues(string(status)).Set(float64(st.ByStatus[status]))
	}
	return st, nil
}

// ValidateWorkflow structurally validates a document without running it.
func (s JobService) ValidateWorkflow(raw json.RawMessage) WorkflowVerdict {
	wf, err := domain.ParseWorkflow(raw)
	if err != nil {
		return WorkflowVerdict{Valid: false, Error: err.Error()}
	}
	return WorkflowVerdict{Valid: true, NodeCount: len(wf.Nodes)}
}

// SetOverride stores or replaces the routing override for one node.
func (s JobService) SetOverride(ctx domain.Context, o domain.NodeOverride) error {
	if o.WorkflowID == "" || o.NodeID == "" {
		return fmt.Errorf("%w: workflow_id and node_id required", domain.ErrInvalidArgument)
	}
	for _, c := range o.RequiredCapabilities {
		if !domain.ValidCapability(c) {
			return fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidArgument, c)
		}
	}
	if o.RobotID != nil && *o.RobotID == "" {
		o.RobotID = nil
	}
	return s.Overrides.Upsert(ctx, o)
}

// WorkflowOverrides lists the overrides declared for a workflow.
func (s JobService) WorkflowOverrides(ctx domain.Context, workflowID string) ([]domain.NodeOverride, error) {
	return s.Overrides.ListByWorkflow(ctx, workflowID)
}

// RemoveOverride deletes one node's override.
func (s JobService) RemoveOverride(ctx domain.Context, workflowID, nodeID string) error {
	return s.Overrides.Delete(ctx, workflowID, nodeID)
}

func normalizePtr(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}
