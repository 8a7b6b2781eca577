package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// RegisterRobotInput describes a new robot registration.
type RegisterRobotInput struct {
	Name              string        `json:"name" validate:"required,max=200"`
	Capabilities      []string      `json:"capabilities"`
	Tags              []string      `json:"tags,omitempty"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs" validate:"gte=0,lte=64"`
	Environment       string        `json:"environment,omitempty"`
	TenantScope       *string       `json:"tenant_scope,omitempty"`
	KeyTTL            time.Duration `json:"-"`
}

type progressEntry struct {
	robotID  string
	progress float64
	nodeID   string
	at       time.Time
}

// FleetService registers robots, ingests heartbeats and tracks the
// advisory per-job progress those heartbeats carry. Progress lives only
// in orchestrator memory; it is rebuilt from the next heartbeat after a
// restart.
type FleetService struct {
	Robots domain.RobotRepository
	Jobs   domain.JobRepository
	Sink   domain.EventSink

	// LeaseTTL is applied when heartbeats renew running jobs' leases.
	LeaseTTL time.Duration
	// OfflineAfter is how long after the last heartbeat a robot is
	// considered gone.
	OfflineAfter time.Duration

	mu       sync.Mutex
	progress map[string]progressEntry
}

// NewFleetService constructs a FleetService with default timings.
func NewFleetService(robots domain.RobotRepository, jobs domain.JobRepository) *FleetService {
	return &FleetService{
		Robots:       robots,
		Jobs:         jobs,
		LeaseTTL:     60 * time.Second,
		OfflineAfter: 90 * time.Second,
		progress:     make(map[string]progressEntry),
	}
}

// Register creates a robot row with a fresh API key and returns the key
// in plaintext exactly once. Only its SHA-256 digest is stored.
func (s *FleetService) Register(ctx domain.Context, in RegisterRobotInput) (domain.Robot, string, error) {
	if in.Name == "" {
		return domain.Robot{}, "", fmt.Errorf("%w: robot name required", domain.ErrInvalidArgument)
	}
	for _, c := range in.Capabilities {
		if !domain.ValidCapability(c) {
			return domain.Robot{}, "", fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidArgument, c)
		}
	}
	key, err := newAPIKey()
	if err != nil {
		return domain.Robot{}, "", fmt.Errorf("op=fleet.register: %w", err)
	}
	maxJobs := in.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	env := in.Environment
	if env == "" {
		env = "default"
	}
	rb := domain.Robot{
		ID:                uuid.New().String(),
		Name:              in.Name,
		Capabilities:      in.Capabilities,
		Tags:              in.Tags,
		MaxConcurrentJobs: maxJobs,
		Environment:       env,
		Status:            domain.RobotOffline,
		TenantScope:       normalizePtr(in.TenantScope),
		APIKeyHash:        HashAPIKey(key),
		LastHeartbeatAt:   time.Now().UTC(),
	}
	if in.KeyTTL > 0 {
		exp := time.Now().UTC().Add(in.KeyTTL)
		rb.APIKeyExpiresAt = &exp
	}
	if err := s.Robots.Upsert(ctx, rb); err != nil {
		return domain.Robot{}, "", err
	}
	return rb, key, nil
}

// Authenticate resolves a robot from its plaintext API key. Expired or
// unknown keys return ErrUnauthorized.
func (s *FleetService) Authenticate(ctx domain.Context, apiKey string) (domain.Robot, error) {
	if apiKey == "" {
		return domain.Robot{}, fmt.Errorf("%w: missing robot api key", domain.ErrUnauthorized)
	}
	rb, err := s.Robots.FindByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		return domain.Robot{}, fmt.Errorf("%w: unknown robot api key", domain.ErrUnauthorized)
	}
	if rb.APIKeyExpiresAt != nil && time.Now().After(*rb.APIKeyExpiresAt) {
		return domain.Robot{}, fmt.Errorf("%w: robot api key expired", domain.ErrUnauthorized)
	}
	return rb, nil
}

// Heartbeat upserts the robot row, renews the leases of every reported
// running job, records their progress and returns pending control
// directives keyed by job id.
func (s *FleetService) Heartbeat(ctx domain.Context, hb domain.Heartbeat) (map[string]string, error) {
	if hb.RobotID == "" {
		return nil, fmt.Errorf("%w: robot_id required", domain.ErrInvalidArgument)
	}
	observability.HeartbeatsTotal.Inc()
	status := hb.Status
	if status == "" {
		status = domain.RobotOnline
	}
	rb := domain.Robot{
		ID:                hb.RobotID,
		Name:              hb.Name,
		Capabilities:      hb.Capabilities,
		Tags:              hb.Tags,
		MaxConcurrentJobs: hb.MaxConcurrent,
		Environment:       hb.Environment,
		LastHeartbeatAt:   time.Now().UTC(),
		Status:            status,
		CurrentJobCount:   hb.CurrentJobCount,
		TenantScope:       hb.TenantScope,
	}
	if err := s.Robots.Upsert(ctx, rb); err != nil {
		return nil, err
	}

	ttl := s.LeaseTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	for _, rj := range hb.RunningJobs {
		if err := s.Jobs.RenewLease(ctx, rj.JobID, hb.RobotID, ttl); err != nil {
			// Lost leases surface to the agent when its next gated write
			// fails; the heartbeat itself stays usable.
			slog.Warn("heartbeat lease renewal failed",
				slog.String("job_id", rj.JobID),
				slog.String("robot_id", hb.RobotID),
				slog.Any("error", err))
		}
	}
	s.recordProgress(hb)

	if s.Sink != nil {
		s.Sink.Publish(ctx, domain.Event{
			Type: domain.EventRobotHeartbeat,
			TS:   time.Now().UTC(),
			Payload: map[string]any{
				"robot_id":          hb.RobotID,
				"status":            string(status),
				"current_job_count": hb.CurrentJobCount,
			},
		})
	}

	return s.Jobs.TakePendingControls(ctx, hb.RobotID)
}

func (s *FleetService) recordProgress(hb domain.Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.progress {
		if e.robotID == hb.RobotID {
			delete(s.progress, id)
		}
	}
	now := time.Now()
	for _, rj := range hb.RunningJobs {
		s.progress[rj.JobID] = progressEntry{
			robotID:  hb.RobotID,
			progress: rj.Progress,
			nodeID:   rj.CurrentNodeID,
			at:       now,
		}
	}
}

// Progress implements ProgressSource for the job status view.
func (s *FleetService) Progress(jobID string) (float64, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.progress[jobID]
	if !ok {
		return 0, "", false
	}
	return e.progress, e.nodeID, true
}

// List returns the registered fleet.
func (s *FleetService) List(ctx domain.Context) ([]domain.Robot, error) {
	return s.Robots.List(ctx)
}

// Get loads one robot.
func (s *FleetService) Get(ctx domain.Context, id string) (domain.Robot, error) {
	return s.Robots.Get(ctx, id)
}

// SetStatus moves a robot between operator-controlled states, typically
// in and out of MAINTENANCE.
func (s *FleetService) SetStatus(ctx domain.Context, id string, status domain.RobotStatus) error {
	switch status {
	case domain.RobotOnline, domain.RobotBusy, domain.RobotOffline, domain.RobotError, domain.RobotMaintenance:
	default:
		return fmt.Errorf("%w: unknown robot status %q", domain.ErrInvalidArgument, status)
	}
	return s.Robots.SetStatus(ctx, id, status)
}

// CountByStatus returns the fleet status histogram.
func (s *FleetService) CountByStatus(ctx domain.Context) (map[domain.RobotStatus]int64, error) {
	return s.Robots.CountByStatus(ctx)
}

// MarkStaleOnce flips robots whose heartbeat lapsed to OFFLINE, drops
// their stale progress entries and refreshes the fleet gauges.
func (s *FleetService) MarkStaleOnce(ctx domain.Context) (int64, error) {
	offlineAfter := s.OfflineAfter
	if offlineAfter <= 0 {
		offlineAfter = 90 * time.Second
	}
	cutoff := time.Now().UTC().Add(-offlineAfter)
	n, err := s.Robots.MarkStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("robots marked offline", slog.Int64("count", n))
	}

	s.mu.Lock()
	for id, e := range s.progress {
		if e.at.Before(cutoff) {
			delete(s.progress, id)
		}
	}
	s.mu.Unlock()

	counts, err := s.Robots.CountByStatus(ctx)
	if err != nil {
		return n, err
	}
	for _, st := range []domain.RobotStatus{
		domain.RobotOnline, domain.RobotBusy, domain.RobotOffline,
		domain.RobotError, domain.RobotMaintenance,
	} {
		observability.RobotsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return n, nil
}

// RunStaleSweeper marks stale robots on a fixed interval until ctx is
// done. The first sweep happens immediately.
func (s *FleetService) RunStaleSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := s.MarkStaleOnce(ctx); err != nil {
		slog.Error("initial fleet sweep failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("fleet sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.MarkStaleOnce(ctx); err != nil {
				slog.Error("fleet sweep failed", slog.Any("error", err))
			}
		}
	}
}

// HashAPIKey digests a robot API key for storage and lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "rk_" + hex.EncodeToString(buf), nil
}
