package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Admission caps concurrently held jobs per tenant. Agents Acquire a
// slot right after a claim and Release it on terminal state; Excluded
// feeds the claim query so saturated tenants' jobs stay QUEUED instead
// of bouncing through claim/release cycles.
type Admission interface {
	// Acquire takes a slot for jobID; false means the tenant is at quota.
	Acquire(ctx context.Context, tenant, jobID string, ttl time.Duration) (bool, error)
	// Touch extends a held slot alongside a lease renewal.
	Touch(ctx context.Context, tenant, jobID string, ttl time.Duration) error
	Release(ctx context.Context, tenant, jobID string) error
	// Excluded lists tenants currently at quota.
	Excluded(ctx context.Context) ([]string, error)
}

// NoopAdmission admits everything. Wired when no Redis is configured or
// the tenant quota is unlimited.
type NoopAdmission struct{}

func (NoopAdmission) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (NoopAdmission) Touch(context.Context, string, string, time.Duration) error { return nil }
func (NoopAdmission) Release(context.Context, string, string) error              { return nil }
func (NoopAdmission) Excluded(context.Context) ([]string, error)                 { return nil, nil }

const admissionKeyPrefix = "rpa:tenant:"

// Slots are members of a per-tenant sorted set scored by hold expiry,
// so a crashed agent's slot lapses together with its job lease.
const luaAcquireSlot = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local job = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now)
if redis.call("ZCARD", key) >= limit then
  return 0
end
redis.call("ZADD", key, now + ttl, job)
redis.call("PEXPIRE", key, ttl)
return 1
`

// RedisAdmission enforces a uniform per-tenant concurrency limit.
// Redis failures admit: queue progress outranks quota precision.
type RedisAdmission struct {
	rdb     *redis.Client
	limit   int
	log     *slog.Logger
	acquire *redis.Script
}

var _ Admission = (*RedisAdmission)(nil)

func NewRedisAdmission(rdb *redis.Client, limit int, log *slog.Logger) *RedisAdmission {
	return &RedisAdmission{
		rdb:     rdb,
		limit:   limit,
		log:     log,
		acquire: redis.NewScript(luaAcquireSlot),
	}
}

func (a *RedisAdmission) key(tenant string) string { return admissionKeyPrefix + tenant }

func (a *RedisAdmission) Acquire(ctx context.Context, tenant, jobID string, ttl time.Duration) (bool, error) {
	if tenant == "" || a.limit <= 0 {
		return true, nil
	}
	now := time.Now().UnixMilli()
	res, err := a.acquire.Run(ctx, a.rdb, []string{a.key(tenant)},
		now, ttl.Milliseconds(), a.limit, jobID).Result()
	if err != nil {
		a.log.Error("admission script failed, admitting",
			slog.String("tenant", tenant),
			slog.Any("error", err))
		return true, err
	}
	granted, ok := res.(int64)
	if !ok {
		a.log.Error("admission script returned unexpected result",
			slog.String("tenant", tenant),
			slog.Any("result", res))
		return true, nil
	}
	return granted == 1, nil
}

func (a *RedisAdmission) Touch(ctx context.Context, tenant, jobID string, ttl time.Duration) error {
	if tenant == "" || a.limit <= 0 {
		return nil
	}
	deadline := float64(time.Now().Add(ttl).UnixMilli())
	if err := a.rdb.ZAddXX(ctx, a.key(tenant), redis.Z{Score: deadline, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("admission touch: %w", err)
	}
	return a.rdb.PExpire(ctx, a.key(tenant), ttl).Err()
}

func (a *RedisAdmission) Release(ctx context.Context, tenant, jobID string) error {
	if tenant == "" || a.limit <= 0 {
		return nil
	}
	if err := a.rdb.ZRem(ctx, a.key(tenant), jobID).Err(); err != nil {
		return fmt.Errorf("admission release: %w", err)
	}
	return nil
}

// Excluded scans the tenant slot sets and reports saturated tenants.
// Failures report none so claims proceed unfiltered.
func (a *RedisAdmission) Excluded(ctx context.Context) ([]string, error) {
	if a.limit <= 0 {
		return nil, nil
	}
	now := time.Now().UnixMilli()
	var (
		excluded []string
		cursor   uint64
	)
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, admissionKeyPrefix+"*", 100).Result()
		if err != nil {
			a.log.Error("admission scan failed", slog.Any("error", err))
			return nil, err
		}
		for _, key := range keys {
			held, err := a.rdb.ZCount(ctx, key, fmt.Sprintf("(%d", now), "+inf").Result()
			if err != nil {
				a.log.Error("admission count failed", slog.String("key", key), slog.Any("error", err))
				continue
			}
			if held >= int64(a.limit) {
				excluded = append(excluded, strings.TrimPrefix(key, admissionKeyPrefix))
			}
		}
		cursor = next
		if cursor == 0 {
			return excluded, nil
		}
	}
}
