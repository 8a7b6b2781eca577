// Package postgres provides PostgreSQL database adapters.
//
// It implements the repository ports for the durable job queue, the robot
// registry, node overrides and the event journal. The jobs table is the
// single source of truth for queue state; every agent-side mutation is
// gated on holding a live lease.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, workflow_id, workflow, inputs, priority, status, assigned_robot_id,
	lease_expires_at, claimed_at, started_at, finished_at, attempt_count, max_attempts,
	required_capabilities, tenant_id, result, error_kind, error_message, pending_control,
	cancel_requested_at, created_at, updated_at`

// leaseGuard is appended to every agent-side mutation so a stale holder can
// never touch a row that was reaped or reassigned.
const leaseGuard = ` WHERE id=$1 AND assigned_robot_id=$2 AND lease_expires_at > now()`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j         domain.Job
		workflow  []byte
		inputs    []byte
		result    []byte
		errorKind *string
	)
	err := row.Scan(&j.ID, &j.WorkflowID, &workflow, &inputs, &j.Priority, &j.Status,
		&j.AssignedRobotID, &j.LeaseExpiresAt, &j.ClaimedAt, &j.StartedAt, &j.FinishedAt,
		&j.AttemptCount, &j.MaxAttempts, &j.RequiredCapabilities, &j.TenantID, &result,
		&errorKind, &j.ErrorMessage, &j.PendingControl, &j.CancelRequestedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Workflow = workflow
	j.Result = result
	if errorKind != nil {
		k := domain.ErrorKind(*errorKind)
		j.ErrorKind = &k
	}
	if len(inputs) > 0 && string(inputs) != "null" {
		if err := json.Unmarshal(inputs, &j.Inputs); err != nil {
			return domain.Job{}, fmt.Errorf("decode inputs: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job in QUEUED state and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	inputs, err := json.Marshal(j.Inputs)
	if err != nil {
		return "", fmt.Errorf("op=job.create: encode inputs: %w", err)
	}
	caps := j.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	q := `INSERT INTO jobs (id, workflow_id, workflow, inputs, priority, status, max_attempts, required_capabilities, tenant_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())`
	_, err = r.Pool.Exec(ctx, q, id, j.WorkflowID, []byte(j.Workflow), inputs, j.Priority,
		domain.JobQueued, j.MaxAttempts, caps, j.TenantID)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(id ILIKE $%d OR workflow_id ILIKE $%d)", len(args), len(args)))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// Claim atomically assigns the best matching QUEUED job to the robot.
// SKIP LOCKED keeps concurrent claimers from blocking on the same row;
// capability containment and the tenant predicates decide eligibility.
func (r *JobRepo) Claim(ctx domain.Context, req domain.ClaimRequest) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("robot.id", req.RobotID),
	)
	caps := req.Capabilities
	if caps == nil {
		caps = []string{}
	}
	excluded := req.ExcludedTenants
	if excluded == nil {
		excluded = []string{}
	}
	q := `UPDATE jobs SET status=$6, assigned_robot_id=$1,
			lease_expires_at=now() + make_interval(secs => $5),
			claimed_at=now(), updated_at=now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status='QUEUED'
			  AND required_capabilities <@ $2::text[]
			  AND (tenant_id IS NULL OR tenant_id = $3::text)
			  AND (tenant_id IS NULL OR NOT (tenant_id = ANY($4::text[])))
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, req.RobotID, caps, req.TenantScope, excluded,
		req.LeaseTTL.Seconds(), domain.JobClaimed)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

// RenewLease extends the holder's lease by ttl from now.
func (r *JobRepo) RenewLease(ctx domain.Context, jobID, robotID string, ttl time.Duration) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RenewLease")
	defer span.End()
	q := `UPDATE jobs SET lease_expires_at=now() + make_interval(secs => $3), updated_at=now()` + leaseGuard
	tag, err := r.Pool.Exec(ctx, q, jobID, robotID, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("op=job.renew_lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.renew_lease: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// Release returns a held job to the queue without an attempt penalty. A job
// with a pending cancel request is cancelled instead of requeued.
func (r *JobRepo) Release(ctx domain.Context, jobID, robotID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Release")
	defer span.End()
	q := `UPDATE jobs SET
			status = CASE WHEN cancel_requested_at IS NOT NULL THEN 'CANCELLED' ELSE 'QUEUED' END,
			finished_at = CASE WHEN cancel_requested_at IS NOT NULL THEN now() ELSE NULL END,
			assigned_robot_id=NULL, lease_expires_at=NULL, claimed_at=NULL, started_at=NULL,
			pending_control=NULL, updated_at=now()
		WHERE id=$1 AND assigned_robot_id=$2 AND status IN ('CLAIMED','RUNNING','PAUSED')`
	tag, err := r.Pool.Exec(ctx, q, jobID, robotID)
	if err != nil {
		return fmt.Errorf("op=job.release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.release: not held: %w", domain.ErrConflict)
	}
	return nil
}

// MarkRunning transitions a claimed job to RUNNING.
func (r *JobRepo) MarkRunning(ctx domain.Context, jobID, robotID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE jobs SET status=$3, started_at=COALESCE(started_at, now()), updated_at=now()` +
		leaseGuard + ` AND status='CLAIMED'`
	tag, err := r.Pool.Exec(ctx, q, jobID, robotID, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=job.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_running: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// MarkPaused acknowledges a pause (paused=true) or resume (paused=false)
// applied by the lease holder at a node boundary.
func (r *JobRepo) MarkPaused(ctx domain.Context, jobID, robotID string, paused bool) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkPaused")
	defer span.End()
	from, to := domain.JobRunning, domain.JobPaused
	if !paused {
		from, to = domain.JobPaused, domain.JobRunning
	}
	q := `UPDATE jobs SET status=$3, pending_control=NULL, updated_at=now()` + leaseGuard + ` AND status=$4`
	tag, err := r.Pool.Exec(ctx, q, jobID, robotID, to, from)
	if err != nil {
		return fmt.Errorf("op=job.mark_paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_paused: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// Complete finalizes a held job as SUCCEEDED with its result document.
func (r *JobRepo) Complete(ctx domain.Context, jobID, robotID string, result json.RawMessage) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `UPDATE jobs SET status=$4, result=$3, finished_at=now(),
			assigned_robot_id=NULL, lease_expires_at=NULL, pending_control=NULL, updated_at=now()` +
		leaseGuard + ` AND status IN ('RUNNING','PAUSED')`
	tag, err := r.Pool.Exec(ctx, q, jobID, robotID, []byte(result), domain.JobSucceeded)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// Fail records an execution failure. While attempts remain the job is
// requeued for another robot; otherwise it lands in FAILED. A pending
// cancel request wins over both.
func (r *JobRepo) Fail(ctx domain.Context, jobID, robotID string, kind domain.ErrorKind, msg string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("error.kind", string(kind)),
	)
	q := `UPDATE jobs SET
			attempt_count = attempt_count + 1,
			status = CASE
				WHEN cancel_requested_at IS NOT NULL THEN 'CANCELLED'
				WHEN attempt_count + 1 < max_attempts THEN 'QUEUED'
				ELSE 'FAILED' END,
			error_kind=$3, error_message=$4,
			assigned_robot_id=NULL, lease_expires_at=NULL, pending_control=NULL,
			finished_at = CASE
				WHEN cancel_requested_at IS NOT NULL OR attempt_count + 1 >= max_attempts THEN now()
				ELSE NULL END,
			started_at = CASE
				WHEN cancel_requested_at IS NULL AND attempt_count + 1 < max_attempts THEN NULL
				ELSE started_at END,
			updated_at=now()` +
		leaseGuard + ` AND status IN ('RUNNING','PAUSED','CLAIMED')
		RETURNING status`
	var status domain.JobStatus
	if err := r.Pool.QueryRow(ctx, q, jobID, robotID, string(kind), msg).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("op=job.fail: lease not held: %w", domain.ErrConflict)
		}
		return false, fmt.Errorf("op=job.fail: %w", err)
	}
	return status == domain.JobQueued, nil
}

// MarkCancelled acknowledges a cancel request from the lease holder.
func (r *JobRepo) MarkCancelled(ctx domain.Context, jobID, robotID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE jobs SET status=$3, finished_at=now(),
			assigned_robot_id=NULL, lease_expires_at=NULL, pending_control=NULL, updated_at=now()` +
		leaseGuard + ` AND status IN ('CLAIMED','RUNNING','PAUSED')`
	tag, err := r.Pool.Exec(ctx, q, jobID, robotID, domain.JobCancelled)
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_cancelled: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// MarkTimedOut finalizes a held job whose workflow timeout elapsed.
func (r *JobRepo) MarkTimedOut(ctx domain.Context, jobID, robotID string, msg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkTimedOut")
	defer span.End()
	q := `UPDATE jobs SET status=$3, error_kind=$4, error_message=$5, finished_at=now(),
			assigned_robot_id=NULL, lease_expires_at=NULL, pending_control=NULL, updated_at=now()` +
		leaseGuard + ` AND status IN ('RUNNING','PAUSED')`
	tag, err := r.Pool.Exec(ctx, q, jobID, robotID, domain.JobTimedOut, string(domain.KindTimeout), msg)
	if err != nil {
		return fmt.Errorf("op=job.mark_timed_out: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_timed_out: lease not held: %w", domain.ErrConflict)
	}
	return nil
}

// RequestCancel cancels a QUEUED job immediately. Assigned jobs are flagged
// and cancelled cooperatively by the holder at the next node boundary.
func (r *JobRepo) RequestCancel(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	q := `UPDATE jobs SET
			status = CASE WHEN status='QUEUED' THEN 'CANCELLED' ELSE status END,
			finished_at = CASE WHEN status='QUEUED' THEN now() ELSE finished_at END,
			cancel_requested_at = COALESCE(cancel_requested_at, now()),
			updated_at=now()
		WHERE id=$1 AND status IN ('QUEUED','CLAIMED','RUNNING','PAUSED')
		RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, jobID))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.request_cancel: %w", err)
	}
	cur, gerr := r.Get(ctx, jobID)
	if gerr != nil {
		return domain.Job{}, fmt.Errorf("op=job.request_cancel: %w", domain.ErrNotFound)
	}
	return cur, fmt.Errorf("op=job.request_cancel: job is %s: %w", cur.Status, domain.ErrConflict)
}

// RequestControl stores a pause/resume directive for the lease holder.
func (r *JobRepo) RequestControl(ctx domain.Context, jobID, directive string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestControl")
	defer span.End()
	q := `UPDATE jobs SET pending_control=$2, updated_at=now()
		WHERE id=$1 AND status IN ('CLAIMED','RUNNING','PAUSED')
		RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, jobID, directive))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.request_control: %w", err)
	}
	cur, gerr := r.Get(ctx, jobID)
	if gerr != nil {
		return domain.Job{}, fmt.Errorf("op=job.request_control: %w", domain.ErrNotFound)
	}
	return cur, fmt.Errorf("op=job.request_control: job is %s: %w", cur.Status, domain.ErrConflict)
}

// TakePendingControls drains pause/resume directives for jobs held by the
// robot and reports outstanding cancel requests. Cancels stay visible until
// the job reaches a terminal state so redelivery survives agent restarts.
func (r *JobRepo) TakePendingControls(ctx domain.Context, robotID string) (map[string]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.TakePendingControls")
	defer span.End()
	out := map[string]string{}
	q := `UPDATE jobs SET pending_control=NULL, updated_at=now()
		WHERE assigned_robot_id=$1 AND lease_expires_at > now() AND pending_control IS NOT NULL
		RETURNING id, pending_control`
	rows, err := r.Pool.Query(ctx, q, robotID)
	if err != nil {
		return nil, fmt.Errorf("op=job.take_controls: %w", err)
	}
	for rows.Next() {
		var id string
		var directive *string
		if err := rows.Scan(&id, &directive); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=job.take_controls: %w", err)
		}
		if directive != nil {
			out[id] = *directive
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.take_controls: %w", err)
	}
	cq := `SELECT id FROM jobs
		WHERE assigned_robot_id=$1 AND cancel_requested_at IS NOT NULL
		  AND status IN ('CLAIMED','RUNNING','PAUSED')`
	crows, err := r.Pool.Query(ctx, cq, robotID)
	if err != nil {
		return nil, fmt.Errorf("op=job.take_controls: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var id string
		if err := crows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.take_controls: %w", err)
		}
		out[id] = "cancel"
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.take_controls: %w", err)
	}
	return out, nil
}

// ReapExpired sweeps jobs whose lease lapsed before now. Each lapsed job is
// requeued while attempts remain, failed with LEASE_EXPIRED otherwise, or
// cancelled when a cancel request was already pending.
func (r *JobRepo) ReapExpired(ctx domain.Context, now time.Time, limit int) (domain.ReapResult, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReapExpired")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)
	if limit <= 0 {
		limit = 100
	}
	q := `UPDATE jobs SET
			attempt_count = attempt_count + 1,
			status = CASE
				WHEN cancel_requested_at IS NOT NULL THEN 'CANCELLED'
				WHEN attempt_count + 1 >= max_attempts THEN 'FAILED'
				ELSE 'QUEUED' END,
			error_kind = CASE
				WHEN cancel_requested_at IS NULL AND attempt_count + 1 >= max_attempts THEN $3
				ELSE error_kind END,
			error_message = CASE
				WHEN cancel_requested_at IS NULL AND attempt_count + 1 >= max_attempts THEN 'lease expired without renewal'
				ELSE error_message END,
			assigned_robot_id=NULL, lease_expires_at=NULL, pending_control=NULL,
			finished_at = CASE
				WHEN cancel_requested_at IS NOT NULL OR attempt_count + 1 >= max_attempts THEN now()
				ELSE NULL END,
			started_at = CASE
				WHEN cancel_requested_at IS NULL AND attempt_count + 1 < max_attempts THEN NULL
				ELSE started_at END,
			updated_at=now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN ('CLAIMED','RUNNING','PAUSED') AND lease_expires_at <= $1
			ORDER BY lease_expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING status`
	rows, err := r.Pool.Query(ctx, q, now, limit, string(domain.KindLeaseExpired))
	if err != nil {
		return domain.ReapResult{}, fmt.Errorf("op=job.reap: %w", err)
	}
	defer rows.Close()
	var res domain.ReapResult
	for rows.Next() {
		var status domain.JobStatus
		if err := rows.Scan(&status); err != nil {
			return domain.ReapResult{}, fmt.Errorf("op=job.reap: %w", err)
		}
		switch status {
		case domain.JobQueued:
			res.Requeued++
		case domain.JobFailed:
			res.Failed++
		case domain.JobCancelled:
			res.Cancelled++
		}
	}
	if err := rows.Err(); err != nil {
		return domain.ReapResult{}, fmt.Errorf("op=job.reap: %w", err)
	}
	return res, nil
}

// CountByStatus returns a status histogram over all jobs.
func (r *JobRepo) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()
	out := map[domain.JobStatus]int64{}
	for rows.Next() {
		var s domain.JobStatus
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status: %w", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return out, nil
}

// Stats aggregates queue depth, the trailing-day average wait between
// enqueue and claim, and the age of the oldest queued job.
func (r *JobRepo) Stats(ctx domain.Context) (domain.QueueStats, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Stats")
	defer span.End()
	byStatus, err := r.CountByStatus(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	q := `SELECT
			COALESCE(EXTRACT(EPOCH FROM AVG(claimed_at - created_at) FILTER (WHERE claimed_at > now() - interval '24 hours')), 0)::float8,
			MIN(created_at) FILTER (WHERE status='QUEUED')
		FROM jobs`
	var st domain.QueueStats
	st.ByStatus = byStatus
	if err := r.Pool.QueryRow(ctx, q).Scan(&st.AvgWaitSecs, &st.OldestQueued); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=job.stats: %w", err)
	}
	return st, nil
}
