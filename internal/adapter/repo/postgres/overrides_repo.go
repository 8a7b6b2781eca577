package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// OverrideRepo persists per-node routing overrides, unique per
// (workflow id, node id).
type OverrideRepo struct{ Pool PgxPool }

// NewOverrideRepo constructs an OverrideRepo with the given pool.
func NewOverrideRepo(p PgxPool) *OverrideRepo { return &OverrideRepo{Pool: p} }

// Upsert stores or replaces the override for one node of one workflow.
func (r *OverrideRepo) Upsert(ctx domain.Context, o domain.NodeOverride) error {
	tracer := otel.Tracer("repo.overrides")
	ctx, span := tracer.Start(ctx, "overrides.Upsert")
	defer span.End()
	id := o.ID
	if id == "" {
		id = uuid.New().String()
	}
	caps := o.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	q := `INSERT INTO node_overrides (id, workflow_id, node_id, robot_id, required_capabilities, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (workflow_id, node_id) DO UPDATE SET
			robot_id=EXCLUDED.robot_id,
			required_capabilities=EXCLUDED.required_capabilities,
			updated_at=now()`
	_, err := r.Pool.Exec(ctx, q, id, o.WorkflowID, o.NodeID, o.RobotID, caps)
	if err != nil {
		return fmt.Errorf("op=override.upsert: %w", err)
	}
	return nil
}

// ListByWorkflow returns all overrides declared for a workflow.
func (r *OverrideRepo) ListByWorkflow(ctx domain.Context, workflowID string) ([]domain.NodeOverride, error) {
	tracer := otel.Tracer("repo.overrides")
	ctx, span := tracer.Start(ctx, "overrides.ListByWorkflow")
	defer span.End()
	q := `SELECT id, workflow_id, node_id, robot_id, required_capabilities, created_at, updated_at
		FROM node_overrides WHERE workflow_id=$1 ORDER BY node_id ASC`
	rows, err := r.Pool.Query(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("op=override.list: %w", err)
	}
	defer rows.Close()
	var out []domain.NodeOverride
	for rows.Next() {
		var o domain.NodeOverride
		if err := rows.Scan(&o.ID, &o.WorkflowID, &o.NodeID, &o.RobotID, &o.RequiredCapabilities, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=override.list: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=override.list: %w", err)
	}
	return out, nil
}

// Delete removes the override for one node, if any.
func (r *OverrideRepo) Delete(ctx domain.Context, workflowID, nodeID string) error {
	tracer := otel.Tracer("repo.overrides")
	ctx, span := tracer.Start(ctx, "overrides.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM node_overrides WHERE workflow_id=$1 AND node_id=$2`, workflowID, nodeID)
	if err != nil {
		return fmt.Errorf("op=override.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=override.delete: %w", domain.ErrNotFound)
	}
	return nil
}
