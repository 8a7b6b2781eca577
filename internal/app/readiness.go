package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// VaultProbe is the minimal interface of the vault credential store
// needed for readiness.
type VaultProbe interface{ IsConnected(ctx context.Context) bool }

// BuildReadinessChecks returns the db, vault and redis readiness
// probes. A nil dependency yields a nil check, which the readyz
// handler skips; only configured backends gate readiness.
func BuildReadinessChecks(pool Pinger, vault VaultProbe, rdb RedisClient) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	var vaultCheck func(ctx context.Context) error
	if vault != nil {
		vaultCheck = func(ctx context.Context) error {
			if !vault.IsConnected(ctx) {
				return fmt.Errorf("vault unreachable or sealed")
			}
			return nil
		}
	}
	var redisCheck func(ctx context.Context) error
	if rdb != nil {
		redisCheck = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return dbCheck, vaultCheck, redisCheck
}
