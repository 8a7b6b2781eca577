package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/events"
	"github.com/fairyhunter13/casare-rpa/internal/config"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Jobs       usecase.JobService
	Fleet      *usecase.FleetService
	Hub        *events.Hub
	DBCheck    func(ctx context.Context) error
	VaultCheck func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, jobs usecase.JobService, fleet *usecase.FleetService, hub *events.Hub, dbCheck func(context.Context) error, vaultCheck func(context.Context) error, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Fleet: fleet, Hub: hub, DBCheck: dbCheck, VaultCheck: vaultCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptJSON enforces Accept negotiation: only JSON responses are
// supported. It writes the 406 itself and reports whether the request
// may proceed.
func acceptJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotAcceptable)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": a}}})
	return false
}

func validatorDetails(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

func resultDetails(res ValidationResult) map[string]string {
	d := make(map[string]string, len(res.Errors))
	for _, e := range res.Errors {
		d[e.Field] = e.Message
	}
	return d
}

// jobView is the wire rendering of a job row.
type jobView struct {
	ID                   string            `json:"id"`
	WorkflowID           *string           `json:"workflow_id,omitempty"`
	Status               domain.JobStatus  `json:"status"`
	Priority             int               `json:"priority"`
	AssignedRobotID      *string           `json:"assigned_robot_id,omitempty"`
	AttemptCount         int               `json:"attempt_count"`
	MaxAttempts          int               `json:"max_attempts"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	TenantID             *string           `json:"tenant_id,omitempty"`
	Result               json.RawMessage   `json:"result,omitempty"`
	ErrorKind            *domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage         *string           `json:"error_message,omitempty"`
	PendingControl       *string           `json:"pending_control,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	ClaimedAt            *time.Time        `json:"claimed_at,omitempty"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	FinishedAt           *time.Time        `json:"finished_at,omitempty"`
	LeaseExpiresAt       *time.Time        `json:"lease_expires_at,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:                   j.ID,
		WorkflowID:           j.WorkflowID,
		Status:               j.Status,
		Priority:             j.Priority,
		AssignedRobotID:      j.AssignedRobotID,
		AttemptCount:         j.AttemptCount,
		MaxAttempts:          j.MaxAttempts,
		RequiredCapabilities: j.RequiredCapabilities,
		TenantID:             j.TenantID,
		Result:               j.Result,
		ErrorKind:            j.ErrorKind,
		ErrorMessage:         j.ErrorMessage,
		PendingControl:       j.PendingControl,
		CreatedAt:            j.CreatedAt,
		ClaimedAt:            j.ClaimedAt,
		StartedAt:            j.StartedAt,
		FinishedAt:           j.FinishedAt,
		LeaseExpiresAt:       j.LeaseExpiresAt,
	}
}

// robotView is the wire rendering of a robot row. The API key hash never
// leaves the orchestrator.
type robotView struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Status            domain.RobotStatus `json:"status"`
	Capabilities      []string           `json:"capabilities"`
	Tags              []string           `json:"tags,omitempty"`
	MaxConcurrentJobs int                `json:"max_concurrent_jobs"`
	Environment       string             `json:"environment,omitempty"`
	CurrentJobCount   int                `json:"current_job_count"`
	TenantScope       *string            `json:"tenant_scope,omitempty"`
	LastHeartbeatAt   time.Time          `json:"last_heartbeat_at"`
	APIKeyExpiresAt   *time.Time         `json:"api_key_expires_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

func toRobotView(rb domain.Robot) robotView {
	return robotView{
		ID:                rb.ID,
		Name:              rb.Name,
		Status:            rb.Status,
		Capabilities:      rb.Capabilities,
		Tags:              rb.Tags,
		MaxConcurrentJobs: rb.MaxConcurrentJobs,
		Environment:       rb.Environment,
		CurrentJobCount:   rb.CurrentJobCount,
		TenantScope:       rb.TenantScope,
		LastHeartbeatAt:   rb.LastHeartbeatAt,
		APIKeyExpiresAt:   rb.APIKeyExpiresAt,
		CreatedAt:         rb.CreatedAt,
	}
}

type overrideView struct {
	WorkflowID           string     `json:"workflow_id"`
	NodeID               string     `json:"node_id"`
	RobotID              *string    `json:"robot_id,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	UpdatedAt            *time.Time `json:"updated_at,omitempty"`
}

func toOverrideView(o domain.NodeOverride) overrideView {
	v := overrideView{
		WorkflowID:           o.WorkflowID,
		NodeID:               o.NodeID,
		RobotID:              o.RobotID,
		RequiredCapabilities: o.RequiredCapabilities,
	}
	if !o.UpdatedAt.IsZero() {
		t := o.UpdatedAt
		v.UpdatedAt = &t
	}
	return v
}

// SubmitJobHandler enqueues a workflow execution job.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		// Cap body size; workflow documents are small.
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req usecase.SubmitJobInput
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validatorDetails(err))
			return
		}
		id, err := s.Jobs.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(domain.JobQueued)})
	}
}

// ListJobsHandler lists jobs filtered by status and free-text search.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		q := r.URL.Query()
		if res := ValidateStatus(q.Get("status")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid status filter", domain.ErrInvalidArgument), resultDetails(res))
			return
		}
		if res := ValidateSearchQuery(q.Get("search")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid search filter", domain.ErrInvalidArgument), resultDetails(res))
			return
		}
		if res := ValidatePagination(q.Get("limit"), q.Get("offset")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid pagination", domain.ErrInvalidArgument), resultDetails(res))
			return
		}
		f := domain.JobFilter{
			Status: strings.ToUpper(q.Get("status")),
			Search: SanitizeString(q.Get("search")),
			Limit:  50,
		}
		if v := q.Get("limit"); v != "" {
			f.Limit, _ = strconv.Atoi(v)
		}
		if v := q.Get("offset"); v != "" {
			f.Offset, _ = strconv.Atoi(v)
		}
		jobs, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, fmt.Errorf("list jobs: %w", err), nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
	}
}

// JobStatusHandler returns the job row plus heartbeat-reported progress.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	type statusBody struct {
		jobView
		Progress      float64 `json:"progress"`
		CurrentNodeID string  `json:"current_node_id,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), resultDetails(res))
			return
		}
		view, err := s.Jobs.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusBody{
			jobView:       toJobView(view.Job),
			Progress:      view.Progress,
			CurrentNodeID: view.CurrentNodeID,
		})
	}
}

func (s *Server) jobControlHandler(action string, do func(domain.Context, string) (domain.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), resultDetails(res))
			return
		}
		job, err := do(r.Context(), id)
		if err != nil {
			writeError(w, r, fmt.Errorf("%s: %w", action, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// CancelJobHandler requests cancellation. Terminal jobs reject it with a
// conflict; queued jobs cancel immediately.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return s.jobControlHandler("cancel", s.Jobs.Cancel)
}

// PauseJobHandler requests a pause of a running job.
func (s *Server) PauseJobHandler() http.HandlerFunc {
	return s.jobControlHandler("pause", s.Jobs.Pause)
}

// ResumeJobHandler resumes a paused job.
func (s *Server) ResumeJobHandler() http.HandlerFunc {
	return s.jobControlHandler("resume", s.Jobs.Resume)
}

// JobEventsHandler returns the persisted event frames for a job, for
// polling clients and websocket catch-up.
func (s *Server) JobEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), resultDetails(res))
			return
		}
		var afterSeq int64
		if v := r.URL.Query().Get("after_seq"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: after_seq must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			afterSeq = n
		}
		limit := 200
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 1000", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		evs, err := s.Jobs.JobEvents(r.Context(), id, afterSeq, limit)
		if err != nil {
			writeError(w, r, fmt.Errorf("job events: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": evs})
	}
}

// ValidateWorkflowHandler dry-runs workflow validation without enqueueing
// anything. The body is either the workflow document itself or
// {"workflow": {...}}.
func (s *Server) ValidateWorkflowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body", domain.ErrInvalidArgument), nil)
			return
		}
		var wrapper struct {
			Workflow json.RawMessage `json:"workflow"`
		}
		if json.Unmarshal(body, &wrapper) == nil && len(wrapper.Workflow) > 0 {
			body = wrapper.Workflow
		}
		writeJSON(w, http.StatusOK, s.Jobs.ValidateWorkflow(body))
	}
}

// SetOverrideHandler pins a workflow node to a specific robot or
// capability set for future submissions of that workflow.
func (s *Server) SetOverrideHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		workflowID := chi.URLParam(r, "workflowID")
		nodeID := chi.URLParam(r, "nodeID")
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req struct {
			RobotID              *string  `json:"robot_id,omitempty"`
			RequiredCapabilities []string `json:"required_capabilities,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		o := domain.NodeOverride{
			WorkflowID:           workflowID,
			NodeID:               nodeID,
			RobotID:              req.RobotID,
			RequiredCapabilities: req.RequiredCapabilities,
		}
		if err := s.Jobs.SetOverride(r.Context(), o); err != nil {
			writeError(w, r, fmt.Errorf("set override: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, toOverrideView(o))
	}
}

// ListOverridesHandler lists node overrides for a workflow.
func (s *Server) ListOverridesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		workflowID := chi.URLParam(r, "workflowID")
		overrides, err := s.Jobs.WorkflowOverrides(r.Context(), workflowID)
		if err != nil {
			writeError(w, r, fmt.Errorf("list overrides: %w", err), nil)
			return
		}
		views := make([]overrideView, 0, len(overrides))
		for _, o := range overrides {
			views = append(views, toOverrideView(o))
		}
		writeJSON(w, http.StatusOK, map[string]any{"overrides": views})
	}
}

// RemoveOverrideHandler deletes a node override.
func (s *Server) RemoveOverrideHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowID")
		nodeID := chi.URLParam(r, "nodeID")
		if err := s.Jobs.RemoveOverride(r.Context(), workflowID, nodeID); err != nil {
			writeError(w, r, fmt.Errorf("remove override: %w", err), nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RegisterRobotHandler creates a robot and returns its API key. The key
// is shown exactly once; only a digest is stored.
func (s *Server) RegisterRobotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req struct {
			usecase.RegisterRobotInput
			KeyTTLSeconds int64 `json:"key_ttl_seconds,omitempty" validate:"gte=0"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validatorDetails(err))
			return
		}
		in := req.RegisterRobotInput
		if req.KeyTTLSeconds > 0 {
			in.KeyTTL = time.Duration(req.KeyTTLSeconds) * time.Second
		}
		robot, key, err := s.Fleet.Register(r.Context(), in)
		if err != nil {
			writeError(w, r, fmt.Errorf("register robot: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"robot": toRobotView(robot), "api_key": key})
	}
}

// ListRobotsHandler lists the fleet.
func (s *Server) ListRobotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		robots, err := s.Fleet.List(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("list robots: %w", err), nil)
			return
		}
		views := make([]robotView, 0, len(robots))
		for _, rb := range robots {
			views = append(views, toRobotView(rb))
		}
		writeJSON(w, http.StatusOK, map[string]any{"robots": views})
	}
}

// GetRobotHandler returns one robot.
func (s *Server) GetRobotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		robot, err := s.Fleet.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toRobotView(robot))
	}
}

// SetRobotStatusHandler lets operators take a robot in or out of
// rotation (MAINTENANCE stops it from being offered jobs).
func (s *Server) SetRobotStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
		var req struct {
			Status string `json:"status" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		status := domain.RobotStatus(strings.ToUpper(req.Status))
		switch status {
		case domain.RobotOnline, domain.RobotOffline, domain.RobotMaintenance:
		default:
			writeError(w, r, fmt.Errorf("%w: status must be one of ONLINE, OFFLINE, MAINTENANCE", domain.ErrInvalidArgument), nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Fleet.SetStatus(r.Context(), id, status); err != nil {
			writeError(w, r, fmt.Errorf("set robot status: %w", err), nil)
			return
		}
		robot, err := s.Fleet.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toRobotView(robot))
	}
}

// HeartbeatHandler ingests an agent heartbeat and returns pending
// control directives for the jobs that agent is running. The robot
// identity comes from the API key, not the body.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		robot, ok := RobotFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 256<<10)
		var req struct {
			RobotID         string                    `json:"robot_id"`
			Name            string                    `json:"name,omitempty"`
			Status          string                    `json:"status"`
			Capabilities    []string                  `json:"capabilities"`
			Tags            []string                  `json:"tags,omitempty"`
			MaxConcurrent   int                       `json:"max_concurrent_jobs"`
			Environment     string                    `json:"environment,omitempty"`
			CurrentJobCount int                       `json:"current_job_count"`
			RunningJobs     []domain.RunningJobReport `json:"running_jobs,omitempty"`
			TenantScope     *string                   `json:"tenant_scope,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if req.RobotID != "" && req.RobotID != robot.ID {
			writeError(w, r, fmt.Errorf("%w: robot_id does not match API key", domain.ErrUnauthorized), nil)
			return
		}
		directives, err := s.Fleet.Heartbeat(r.Context(), domain.Heartbeat{
			RobotID:         robot.ID,
			Name:            req.Name,
			Status:          domain.RobotStatus(strings.ToUpper(req.Status)),
			Capabilities:    req.Capabilities,
			Tags:            req.Tags,
			MaxConcurrent:   req.MaxConcurrent,
			Environment:     req.Environment,
			CurrentJobCount: req.CurrentJobCount,
			RunningJobs:     req.RunningJobs,
			TenantScope:     req.TenantScope,
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("heartbeat: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"directives": directives})
	}
}

// StatsHandler reports queue depth per status and fleet counts.
func (s *Server) StatsHandler() http.HandlerFunc {
	type statsBody struct {
		Queue        map[string]int64 `json:"queue"`
		AvgWaitSecs  float64          `json:"avg_wait_secs"`
		OldestQueued *time.Time       `json:"oldest_queued,omitempty"`
		Robots       map[string]int64 `json:"robots"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptJSON(w, r) {
			return
		}
		stats, err := s.Jobs.Stats(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("queue stats: %w", err), nil)
			return
		}
		robots, err := s.Fleet.CountByStatus(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("fleet stats: %w", err), nil)
			return
		}
		body := statsBody{
			Queue:        make(map[string]int64, len(stats.ByStatus)),
			AvgWaitSecs:  stats.AvgWaitSecs,
			OldestQueued: stats.OldestQueued,
			Robots:       make(map[string]int64, len(robots)),
		}
		for st, n := range stats.ByStatus {
			body.Queue[string(st)] = n
		}
		for st, n := range robots {
			body.Robots[string(st)] = n
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler returns a readiness handler that probes Postgres, Vault
// and Redis. Checks left nil are skipped.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.VaultCheck != nil {
			if err := s.VaultCheck(ctx); err != nil {
				checks = append(checks, check{Name: "vault", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "vault", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// OpenAPIServe serves api/openapi.yaml if present.
func (s *Server) OpenAPIServe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := os.ReadFile("api/openapi.yaml")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}
