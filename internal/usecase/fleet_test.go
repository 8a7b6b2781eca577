package usecase_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/usecase"
)

type memRobots struct {
	domain.RobotRepository

	mu          sync.Mutex
	rows        map[string]domain.Robot
	statusCalls []string
	staleCutoff time.Time
	staleCount  int64
}

func newMemRobots() *memRobots {
	return &memRobots{rows: map[string]domain.Robot{}}
}

func (m *memRobots) Upsert(_ domain.Context, r domain.Robot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Heartbeat upserts never carry the key hash; keep the registered one.
	if prev, ok := m.rows[r.ID]; ok && r.APIKeyHash == "" {
		r.APIKeyHash = prev.APIKeyHash
		r.APIKeyExpiresAt = prev.APIKeyExpiresAt
	}
	m.rows[r.ID] = r
	return nil
}

func (m *memRobots) Get(_ domain.Context, id string) (domain.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return domain.Robot{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memRobots) SetStatus(_ domain.Context, id string, status domain.RobotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls = append(m.statusCalls, id+":"+string(status))
	if r, ok := m.rows[id]; ok {
		r.Status = status
		m.rows[id] = r
	}
	return nil
}

func (m *memRobots) MarkStale(_ domain.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleCutoff = cutoff
	return m.staleCount, nil
}

func (m *memRobots) FindByAPIKeyHash(_ domain.Context, hash string) (domain.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.APIKeyHash == hash {
			return r, nil
		}
	}
	return domain.Robot{}, domain.ErrNotFound
}

func (m *memRobots) CountByStatus(_ domain.Context) (map[domain.RobotStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.RobotStatus]int64{}
	for _, r := range m.rows {
		out[r.Status]++
	}
	return out, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Publish(_ domain.Context, ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestFleet_Register_StoresDigestNotKey(t *testing.T) {
	t.Parallel()
	robots := newMemRobots()
	svc := usecase.NewFleetService(robots, newMemJobs())

	rb, key, err := svc.Register(context.Background(), usecase.RegisterRobotInput{
		Name:         "scraper-1",
		Capabilities: []string{"browser"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "rk_"), "key %q", key)

	stored, err := robots.Get(context.Background(), rb.ID)
	require.NoError(t, err)
	assert.Equal(t, usecase.HashAPIKey(key), stored.APIKeyHash)
	assert.NotContains(t, stored.APIKeyHash, key)
	assert.Equal(t, domain.RobotOffline, stored.Status, "registration does not imply liveness")
	assert.Equal(t, 1, stored.MaxConcurrentJobs)
	assert.Equal(t, "default", stored.Environment)
	assert.Nil(t, stored.APIKeyExpiresAt)
}

func TestFleet_Register_KeyTTLSetsExpiry(t *testing.T) {
	t.Parallel()
	robots := newMemRobots()
	svc := usecase.NewFleetService(robots, newMemJobs())

	rb, _, err := svc.Register(context.Background(), usecase.RegisterRobotInput{
		Name:   "scraper-1",
		KeyTTL: time.Hour,
	})
	require.NoError(t, err)
	require.NotNil(t, rb.APIKeyExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *rb.APIKeyExpiresAt, 5*time.Second)
}

func TestFleet_Register_Validation(t *testing.T) {
	t.Parallel()
	svc := usecase.NewFleetService(newMemRobots(), newMemJobs())

	_, _, err := svc.Register(context.Background(), usecase.RegisterRobotInput{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = svc.Register(context.Background(), usecase.RegisterRobotInput{
		Name:         "scraper-1",
		Capabilities: []string{"teleport"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFleet_Authenticate_KeyLifecycle(t *testing.T) {
	t.Parallel()
	robots := newMemRobots()
	svc := usecase.NewFleetService(robots, newMemJobs())

	rb, key, err := svc.Register(context.Background(), usecase.RegisterRobotInput{Name: "scraper-1"})
	require.NoError(t, err)

	got, err := svc.Authenticate(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, rb.ID, got.ID)

	_, err = svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.Authenticate(context.Background(), "rk_bogus")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// Expire the key in place; the next lookup must refuse it.
	robots.mu.Lock()
	row := robots.rows[rb.ID]
	past := time.Now().Add(-time.Minute)
	row.APIKeyExpiresAt = &past
	robots.rows[rb.ID] = row
	robots.mu.Unlock()

	_, err = svc.Authenticate(context.Background(), key)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestFleet_Heartbeat_UpsertsRenewsAndDrainsDirectives(t *testing.T) {
	t.Parallel()
	robots := newMemRobots()
	jobs := newMemJobs()
	jobs.pending["r1"] = map[string]string{"job-7": "cancel"}
	svc := usecase.NewFleetService(robots, jobs)
	svc.LeaseTTL = 45 * time.Second

	dirs, err := svc.Heartbeat(context.Background(), domain.Heartbeat{
		RobotID:         "r1",
		Name:            "scraper-1",
		Status:          domain.RobotBusy,
		CurrentJobCount: 1,
		RunningJobs: []domain.RunningJobReport{
			{JobID: "job-7", Progress: 0.5, CurrentNodeID: "set"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job-7": "cancel"}, dirs)

	stored, err := robots.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RobotBusy, stored.Status)
	assert.Equal(t, "scraper-1", stored.Name)

	assert.Equal(t, []string{"job-7/r1"}, jobs.renewals)

	p, node, ok := svc.Progress("job-7")
	require.True(t, ok)
	assert.InDelta(t, 0.5, p, 1e-9)
	assert.Equal(t, "set", node)
}

func TestFleet_Heartbeat_DefaultsStatusToOnline(t *testing.T) {
	t.Parallel()
	robots := newMemRobots()
	svc := usecase.NewFleetService(robots, newMemJobs())

	_, err := svc.Heartbeat(context.Background(), domain.Heartbeat{RobotID: "r1"})
	require.NoError(t, err)

	stored, err := robots.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RobotOnline, stored.Status)
}

func TestFleet_Heartbeat_RequiresRobotID(t *testing.T) {
	t.Parallel()
	svc := usecase.NewFleetService(newMemRobots(), newMemJobs())

	_, err := svc.Heartbeat(context.Background(), domain.Heartbeat{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFleet_Heartbeat_ToleratesLostLease(t *testing.T) {
	t.Parallel()
	jobs := newMemJobs()
	jobs.renewErr = domain.ErrConflict
	svc := usecase.NewFleetService(newMemRobots(), jobs)

	dirs, err := svc.Heartbeat(context.Background(), domain.Heartbeat{
		RobotID:     "r1",
		RunningJobs: []domain.RunningJobReport{{JobID: "job-7", Progress: 0.2}},
	})
	require.NoError(t, err, "the agent learns about the lost lease from its next gated write")
	assert.Empty(t, dirs)
}

func TestFleet_Heartbeat_PublishesFleetEvent(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	svc := usecase.NewFleetService(newMemRobots(), newMemJobs())
	svc.Sink = sink

	_, err := svc.Heartbeat(context.Background(), domain.Heartbeat{RobotID: "r1", CurrentJobCount: 2})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, domain.EventRobotHeartbeat, ev.Type)
	assert.Equal(t, "r1", ev.Payload["robot_id"])
	assert.Equal(t, 2, ev.Payload["current_job_count"])
}

func TestFleet_Progress_FollowsHeartbeats(t *testing.T) {
	t.Parallel()
	svc := usecase.NewFleetService(newMemRobots(), newMemJobs())

	_, err := svc.Heartbeat(context.Background(), domain.Heartbeat{
		RobotID:     "r1",
		RunningJobs: []domain.RunningJobReport{{JobID: "job-7", Progress: 0.3, CurrentNodeID: "a"}},
	})
	require.NoError(t, err)
	_, _, ok := svc.Progress("job-7")
	require.True(t, ok)

	// The next beat without the job means it finished or was handed back;
	// its progress entry goes with it.
	_, err = svc.Heartbeat(context.Background(), domain.Heartbeat{RobotID: "r1"})
	require.NoError(t, err)
	_, _, ok = svc.Progress("job-7")
	assert.False(t, ok)
}

func TestFleet_SetStatus_RejectsUnknown(t *testing.T) {
	t.Parallel()
	robots := newMemRobots()
	svc := usecase.NewFleetService(robots, newMemJobs())

	err := svc.SetStatus(context.Background(), "r1", domain.RobotStatus("PARTY"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, robots.statusCalls)

	err = svc.SetStatus(context.Background(), "r1", domain.RobotMaintenance)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1:MAINTENANCE"}, robots.statusCalls)
}

func TestFleet_MarkStaleOnce_SweepsWithCutoff(t *testing.T) {
	t.Parallel()
	robots := newMemRobots()
	robots.staleCount = 2
	svc := usecase.NewFleetService(robots, newMemJobs())
	svc.OfflineAfter = time.Minute

	// A live progress entry from a current heartbeat must survive the sweep.
	_, err := svc.Heartbeat(context.Background(), domain.Heartbeat{
		RobotID:     "r1",
		RunningJobs: []domain.RunningJobReport{{JobID: "job-7", Progress: 0.9}},
	})
	require.NoError(t, err)

	n, err := svc.MarkStaleOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.WithinDuration(t, time.Now().Add(-time.Minute), robots.staleCutoff, 5*time.Second)

	_, _, ok := svc.Progress("job-7")
	assert.True(t, ok)
}
