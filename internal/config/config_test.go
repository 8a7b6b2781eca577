package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	if cfg.AppEnv != "dev" || !cfg.IsDev() {
		t.Fatalf("expected dev defaults, got %q", cfg.AppEnv)
	}
	if cfg.LeaseTTL != 60*time.Second {
		t.Fatalf("LeaseTTL = %v, want 60s", cfg.LeaseTTL)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Fatalf("HeartbeatTimeout = %v, want 90s", cfg.HeartbeatTimeout)
	}
	if cfg.NodeTimeout != 120*time.Second {
		t.Fatalf("NodeTimeout = %v, want 120s", cfg.NodeTimeout)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("PollInterval = %v, want 1s", cfg.PollInterval)
	}
	if cfg.MaxConcurrentJobs != 1 {
		t.Fatalf("MaxConcurrentJobs = %d, want 1", cfg.MaxConcurrentJobs)
	}
	if cfg.VaultEnabled() {
		t.Fatalf("vault should be disabled without VAULT_ADDR")
	}
	if cfg.AuditEnabled() {
		t.Fatalf("audit should be disabled without KAFKA_BROKERS")
	}
}

func Test_Load_SpecVars(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("POSTGRES_URL", "postgres://u:p@db:5432/rpa")
	t.Setenv("ROBOT_ID", "robot-9")
	t.Setenv("ROBOT_CAPABILITIES", "browser,gpu")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("LEASE_TTL", "20s")
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("VAULT_ADDR", "http://vault:8200")
	t.Setenv("API_SECRET", "s3cr3t")
	t.Setenv("KAFKA_BROKERS", "rp1:9092,rp2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	if !cfg.IsProd() || cfg.IsDev() || cfg.IsTest() {
		t.Fatalf("env helpers wrong for %q", cfg.AppEnv)
	}
	if cfg.PostgresURL != "postgres://u:p@db:5432/rpa" {
		t.Fatalf("PostgresURL = %q", cfg.PostgresURL)
	}
	if cfg.RobotID != "robot-9" {
		t.Fatalf("RobotID = %q", cfg.RobotID)
	}
	require.Equal(t, []string{"browser", "gpu"}, cfg.RobotCapabilities)
	if cfg.HeartbeatInterval != 10*time.Second || cfg.LeaseTTL != 20*time.Second {
		t.Fatalf("durations not parsed: hb=%v lease=%v", cfg.HeartbeatInterval, cfg.LeaseTTL)
	}
	if cfg.MaxConcurrentJobs != 4 {
		t.Fatalf("MaxConcurrentJobs = %d", cfg.MaxConcurrentJobs)
	}
	if !cfg.VaultEnabled() || !cfg.AuditEnabled() {
		t.Fatalf("feature toggles wrong: vault=%v audit=%v", cfg.VaultEnabled(), cfg.AuditEnabled())
	}
	require.Equal(t, []string{"rp1:9092", "rp2:9092"}, cfg.KafkaBrokers)
}

func Test_GetClaimBackoff_TestShortcut(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	require.NoError(t, err)

	initial, max, mult := cfg.GetClaimBackoff()
	if initial != 10*time.Millisecond || max != 100*time.Millisecond || mult != 2.0 {
		t.Fatalf("test backoff = %v %v %v", initial, max, mult)
	}

	t.Setenv("APP_ENV", "prod")
	t.Setenv("CLAIM_BACKOFF_INITIAL_INTERVAL", "1s")
	cfg, err = Load()
	require.NoError(t, err)
	initial, _, _ = cfg.GetClaimBackoff()
	if initial != time.Second {
		t.Fatalf("configured backoff ignored: %v", initial)
	}
}
