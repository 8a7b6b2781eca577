package domain

import "time"

type RobotStatus string

const (
	RobotOnline      RobotStatus = "ONLINE"
	RobotBusy        RobotStatus = "BUSY"
	RobotOffline     RobotStatus = "OFFLINE"
	RobotError       RobotStatus = "ERROR"
	RobotMaintenance RobotStatus = "MAINTENANCE"
)

// Capability vocabulary is closed; claims and overrides validate against it.
const (
	CapBrowser    = "browser"
	CapDesktop    = "desktop"
	CapGPU        = "gpu"
	CapHighMemory = "high_memory"
	CapSecure     = "secure"
	CapCloud      = "cloud"
	CapOnPremise  = "on_premise"
)

// KnownCapabilities returns the closed vocabulary in declaration order.
func KnownCapabilities() []string {
	return []string{CapBrowser, CapDesktop, CapGPU, CapHighMemory, CapSecure, CapCloud, CapOnPremise}
}

// ValidCapability reports membership in the closed vocabulary.
func ValidCapability(c string) bool {
	for _, k := range KnownCapabilities() {
		if c == k {
			return true
		}
	}
	return false
}

// Robot is a registered agent. Rows are created on first heartbeat and
// upserted on every one after.
type Robot struct {
	ID                string
	Name              string
	Capabilities      []string
	Tags              []string
	MaxConcurrentJobs int
	Environment       string
	LastHeartbeatAt   time.Time
	Status            RobotStatus
	CurrentJobCount   int
	TenantScope       *string
	APIKeyHash        string
	APIKeyExpiresAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RunningJobReport is one entry of a heartbeat's running-jobs list.
type RunningJobReport struct {
	JobID         string  `json:"job_id"`
	Progress      float64 `json:"progress"`
	CurrentNodeID string  `json:"current_node_id"`
}

// Heartbeat is the periodic agent report. Leases of every listed job are
// renewed in the same request.
type Heartbeat struct {
	RobotID         string
	Name            string
	Status          RobotStatus
	Capabilities    []string
	Tags            []string
	MaxConcurrent   int
	Environment     string
	CurrentJobCount int
	RunningJobs     []RunningJobReport
	TenantScope     *string
}

// RobotRepository is the fleet registry port.
type RobotRepository interface {
	Upsert(ctx Context, r Robot) error
	Get(ctx Context, id string) (Robot, error)
	List(ctx Context) ([]Robot, error)
	SetStatus(ctx Context, id string, status RobotStatus) error
	// MarkStale flips robots whose last heartbeat predates cutoff to
	// OFFLINE and returns how many changed.
	MarkStale(ctx Context, cutoff time.Time) (int64, error)
	// FindByAPIKeyHash authenticates robot calls; ErrNotFound on miss.
	FindByAPIKeyHash(ctx Context, hash string) (Robot, error)
	CountByStatus(ctx Context) (map[RobotStatus]int64, error)
}

// NodeOverride pins or refines routing for one node of one workflow.
// Unique on (workflow id, node id).
type NodeOverride struct {
	ID                   string
	WorkflowID           string
	NodeID               string
	RobotID              *string
	RequiredCapabilities []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// OverrideRepository is the node-override port.
type OverrideRepository interface {
	Upsert(ctx Context, o NodeOverride) error
	ListByWorkflow(ctx Context, workflowID string) ([]NodeOverride, error)
	Delete(ctx Context, workflowID, nodeID string) error
}
