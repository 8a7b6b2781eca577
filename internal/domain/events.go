package domain

import "time"

// EventType enumerates the frames carried over the event bus, the events
// table and the websocket surface.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowPaused    EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed   EventType = "WORKFLOW_RESUMED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
	EventNodeStarted       EventType = "NODE_STARTED"
	EventNodeCompleted     EventType = "NODE_COMPLETED"
	EventNodeError         EventType = "NODE_ERROR"
	EventNodeBypassed      EventType = "NODE_BYPASSED"
	EventVariableSet       EventType = "VARIABLE_SET"
	EventRobotHeartbeat    EventType = "ROBOT_HEARTBEAT"
	EventJobClaimed        EventType = "JOB_CLAIMED"
	EventJobReleased       EventType = "JOB_RELEASED"
	EventLeaseExpired      EventType = "LEASE_EXPIRED"
	// EventOverflow is injected once per subscriber when frames were
	// dropped because the subscriber fell behind.
	EventOverflow EventType = "OVERFLOW"
)

// Event is one frame. Seq orders frames within a job; it is assigned by
// the events table on append.
type Event struct {
	Seq     int64          `json:"seq,omitempty"`
	JobID   string         `json:"job_id"`
	Type    EventType      `json:"type"`
	NodeID  string         `json:"node_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      time.Time      `json:"ts"`
}

// EventSink receives engine events. Implementations must not block the
// engine; slow consumers drop frames and account for them.
type EventSink interface {
	Publish(ctx Context, ev Event)
}

// EventRepository persists frames for replay to late subscribers.
type EventRepository interface {
	Append(ctx Context, ev Event) (int64, error)
	ListByJob(ctx Context, jobID string, afterSeq int64, limit int) ([]Event, error)
	// Prune drops frames older than cutoff, returning how many went.
	Prune(ctx Context, cutoff time.Time) (int64, error)
}
