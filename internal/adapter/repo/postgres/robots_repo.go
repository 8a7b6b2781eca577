package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// RobotRepo persists the fleet registry.
type RobotRepo struct{ Pool PgxPool }

// NewRobotRepo constructs a RobotRepo with the given pool.
func NewRobotRepo(p PgxPool) *RobotRepo { return &RobotRepo{Pool: p} }

const robotColumns = `id, name, capabilities, tags, max_concurrent_jobs, environment,
	last_heartbeat_at, status, current_job_count, tenant_scope, api_key_hash,
	api_key_expires_at, created_at, updated_at`

func scanRobot(row pgx.Row) (domain.Robot, error) {
	var rb domain.Robot
	err := row.Scan(&rb.ID, &rb.Name, &rb.Capabilities, &rb.Tags, &rb.MaxConcurrentJobs,
		&rb.Environment, &rb.LastHeartbeatAt, &rb.Status, &rb.CurrentJobCount,
		&rb.TenantScope, &rb.APIKeyHash, &rb.APIKeyExpiresAt, &rb.CreatedAt, &rb.UpdatedAt)
	if err != nil {
		return domain.Robot{}, err
	}
	return rb, nil
}

// Upsert registers a robot or refreshes its registration. The API key hash
// is only overwritten when the caller supplies a new one, so plain
// heartbeats never clear credentials.
func (r *RobotRepo) Upsert(ctx domain.Context, rb domain.Robot) error {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "robots"),
	)
	id := rb.ID
	if id == "" {
		id = uuid.New().String()
	}
	caps := rb.Capabilities
	if caps == nil {
		caps = []string{}
	}
	tags := rb.Tags
	if tags == nil {
		tags = []string{}
	}
	hb := rb.LastHeartbeatAt
	if hb.IsZero() {
		hb = time.Now().UTC()
	}
	q := `INSERT INTO robots (id, name, capabilities, tags, max_concurrent_jobs, environment,
			last_heartbeat_at, status, current_job_count, tenant_scope, api_key_hash,
			api_key_expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			capabilities=EXCLUDED.capabilities,
			tags=EXCLUDED.tags,
			max_concurrent_jobs=EXCLUDED.max_concurrent_jobs,
			environment=EXCLUDED.environment,
			last_heartbeat_at=EXCLUDED.last_heartbeat_at,
			status=EXCLUDED.status,
			current_job_count=EXCLUDED.current_job_count,
			tenant_scope=EXCLUDED.tenant_scope,
			api_key_hash=CASE WHEN EXCLUDED.api_key_hash <> '' THEN EXCLUDED.api_key_hash ELSE robots.api_key_hash END,
			api_key_expires_at=COALESCE(EXCLUDED.api_key_expires_at, robots.api_key_expires_at),
			updated_at=now()`
	_, err := r.Pool.Exec(ctx, q, id, rb.Name, caps, tags, rb.MaxConcurrentJobs, rb.Environment,
		hb, rb.Status, rb.CurrentJobCount, rb.TenantScope, rb.APIKeyHash, rb.APIKeyExpiresAt)
	if err != nil {
		return fmt.Errorf("op=robot.upsert: %w", err)
	}
	return nil
}

// Get loads a robot by id.
func (r *RobotRepo) Get(ctx domain.Context, id string) (domain.Robot, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+robotColumns+` FROM robots WHERE id=$1`, id)
	rb, err := scanRobot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Robot{}, fmt.Errorf("op=robot.get: %w", domain.ErrNotFound)
		}
		return domain.Robot{}, fmt.Errorf("op=robot.get: %w", err)
	}
	return rb, nil
}

// List returns all registered robots ordered by name.
func (r *RobotRepo) List(ctx domain.Context) ([]domain.Robot, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+robotColumns+` FROM robots ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=robot.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Robot
	for rows.Next() {
		rb, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("op=robot.list: %w", err)
		}
		out = append(out, rb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=robot.list: %w", err)
	}
	return out, nil
}

// SetStatus updates a robot's status.
func (r *RobotRepo) SetStatus(ctx domain.Context, id string, status domain.RobotStatus) error {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.SetStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE robots SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=robot.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=robot.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkStale flips robots whose heartbeat predates cutoff to OFFLINE.
// Robots parked in MAINTENANCE are left alone.
func (r *RobotRepo) MarkStale(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.MarkStale")
	defer span.End()
	q := `UPDATE robots SET status=$2, updated_at=now()
		WHERE last_heartbeat_at < $1 AND status NOT IN ('OFFLINE','MAINTENANCE')`
	tag, err := r.Pool.Exec(ctx, q, cutoff, domain.RobotOffline)
	if err != nil {
		return 0, fmt.Errorf("op=robot.mark_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FindByAPIKeyHash resolves a robot from its API key digest. Expired keys
// behave like a miss.
func (r *RobotRepo) FindByAPIKeyHash(ctx domain.Context, hash string) (domain.Robot, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.FindByAPIKeyHash")
	defer span.End()
	q := `SELECT ` + robotColumns + ` FROM robots
		WHERE api_key_hash=$1 AND (api_key_expires_at IS NULL OR api_key_expires_at > now())
		LIMIT 1`
	rb, err := scanRobot(r.Pool.QueryRow(ctx, q, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Robot{}, fmt.Errorf("op=robot.find_by_key: %w", domain.ErrNotFound)
		}
		return domain.Robot{}, fmt.Errorf("op=robot.find_by_key: %w", err)
	}
	return rb, nil
}

// CountByStatus returns a status histogram over the fleet.
func (r *RobotRepo) CountByStatus(ctx domain.Context) (map[domain.RobotStatus]int64, error) {
	tracer := otel.Tracer("repo.robots")
	ctx, span := tracer.Start(ctx, "robots.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM robots GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=robot.count_by_status: %w", err)
	}
	defer rows.Close()
	out := map[domain.RobotStatus]int64{}
	for rows.Next() {
		var s domain.RobotStatus
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=robot.count_by_status: %w", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=robot.count_by_status: %w", err)
	}
	return out, nil
}
