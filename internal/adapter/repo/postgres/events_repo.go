package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// EventRepo journals execution events for replay to late subscribers.
// Seq is assigned by the table; ordering within a job follows append order.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append journals one frame and returns its assigned seq.
func (r *EventRepo) Append(ctx domain.Context, ev domain.Event) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	var payload []byte
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return 0, fmt.Errorf("op=event.append: encode payload: %w", err)
		}
		payload = b
	}
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO events (job_id, type, node_id, payload, ts) VALUES ($1,$2,$3,$4,$5) RETURNING seq`
	var seq int64
	var nodeID *string
	if ev.NodeID != "" {
		nodeID = &ev.NodeID
	}
	if err := r.Pool.QueryRow(ctx, q, ev.JobID, ev.Type, nodeID, payload, ts).Scan(&seq); err != nil {
		return 0, fmt.Errorf("op=event.append: %w", err)
	}
	return seq, nil
}

// ListByJob replays frames for a job with seq greater than afterSeq, oldest
// first.
func (r *EventRepo) ListByJob(ctx domain.Context, jobID string, afterSeq int64, limit int) ([]domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListByJob")
	defer span.End()
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	q := `SELECT seq, job_id, type, node_id, payload, ts FROM events
		WHERE job_id=$1 AND seq > $2 ORDER BY seq ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=event.list: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	return out, nil
}

// Prune drops frames older than cutoff and returns how many went.
func (r *EventRepo) Prune(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Prune")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=event.prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		ev      domain.Event
		nodeID  *string
		payload []byte
	)
	if err := row.Scan(&ev.Seq, &ev.JobID, &ev.Type, &nodeID, &payload, &ev.TS); err != nil {
		return domain.Event{}, err
	}
	if nodeID != nil {
		ev.NodeID = *nodeID
	}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return domain.Event{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return ev, nil
}
