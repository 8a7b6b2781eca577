// Command agent runs one CasareRPA robot: it claims queued jobs matching
// its capabilities, executes their workflows and reports liveness through
// heartbeats that double as lease renewals.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/events"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/vault"
	"github.com/fairyhunter13/casare-rpa/internal/agent"
	"github.com/fairyhunter13/casare-rpa/internal/config"
	"github.com/fairyhunter13/casare-rpa/internal/credential"
	"github.com/fairyhunter13/casare-rpa/internal/engine/nodes"
	"github.com/fairyhunter13/casare-rpa/internal/scheduler"
	"github.com/fairyhunter13/casare-rpa/internal/usecase"
)

// Exit codes: 0 normal, 1 config error, 2 vault unreachable while
// required, 3 database unreachable, 130 interrupted.
const (
	exitConfig = 1
	exitVault  = 2
	exitDB     = 3
	exitSigint = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return exitConfig
	}

	logger := observability.SetupLogger(cfg)

	// An explicit ROBOT_ID keeps a stable queue identity across restarts;
	// otherwise every start registers as a fresh robot.
	robotID := cfg.RobotID
	if robotID == "" {
		robotID = uuid.New().String()
	}
	robotName := cfg.RobotName
	if robotName == "" {
		if hn, herr := os.Hostname(); herr == nil {
			robotName = hn
		} else {
			robotName = robotID
		}
	}
	logger = logger.With(slog.String("robot_id", robotID))
	slog.SetDefault(logger)

	// Expose claim, execution and heartbeat metrics on a dedicated port.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("agent metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Kill children a crashed previous run left behind, then take over
	// the PID file.
	pidPath := cfg.PIDFilePath
	if pidPath == "" {
		pidPath = filepath.Join(os.TempDir(), "casare-agent.pids")
	}
	agent.KillOrphans(pidPath, logger)
	tracker, err := agent.NewFileTracker(pidPath, logger)
	if err != nil {
		slog.Error("pid tracker init failed", slog.Any("error", err))
		return exitConfig
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Credential chain: vault first when configured, then the node's
	// direct value, the context variable, the process environment.
	var resolverOpts []credential.Option
	if cfg.VaultEnabled() {
		vb, verr := vault.New(ctx, vault.Config{
			Address:    cfg.VaultAddr,
			Token:      cfg.VaultToken,
			Mount:      cfg.VaultMount,
			PathPrefix: cfg.VaultPathPrefix,
			Timeout:    cfg.VaultTimeout,
		}, logger)
		switch {
		case verr == nil:
			resolverOpts = append(resolverOpts, credential.WithVault(vb))
		case cfg.VaultRequired:
			slog.Error("vault unreachable and required", slog.Any("error", verr))
			return exitVault
		default:
			slog.Warn("vault unreachable, resolver falls through to other tiers", slog.Any("error", verr))
		}
	}
	resolver := credential.NewResolver(logger, resolverOpts...)

	pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("db config invalid", slog.Any("error", err))
		return exitDB
	}
	defer pool.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	err = pool.Ping(pingCtx)
	cancelPing()
	if err != nil {
		slog.Error("database unreachable", slog.Any("error", err))
		return exitDB
	}

	jobRepo := postgres.NewJobRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	notifier := postgres.NewNotifier(pool)

	// Execution frames go to the journal; the orchestrator mirrors them
	// to live subscribers through NOTIFY.
	journal := events.NewJournalSink(eventRepo, notifier, 1024, logger)
	defer journal.Close()

	var admission scheduler.Admission = scheduler.NoopAdmission{}
	if cfg.RedisURL != "" && cfg.TenantMaxConcurrent > 0 {
		ropts, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			slog.Error("redis url invalid", slog.Any("error", rerr))
			return exitConfig
		}
		admission = scheduler.NewRedisAdmission(redis.NewClient(ropts), cfg.TenantMaxConcurrent, logger)
	}

	runner := agent.NewRunner(robotID, jobRepo, nodes.DefaultRegistry(), journal, logger)
	runner.Credentials = resolver
	runner.PIDs = tracker
	runner.Admission = admission
	runner.LeaseTTL = cfg.LeaseTTL
	runner.NodeTimeout = cfg.NodeTimeout
	runner.CleanupBudget = cfg.CleanupTimeout

	// Heartbeats go to the orchestrator API when a robot key is set and
	// degrade to direct database writes during orchestrator outages.
	fleet := usecase.NewFleetService(postgres.NewRobotRepo(pool), jobRepo)
	fleet.LeaseTTL = cfg.LeaseTTL
	direct := agent.HeartbeatFunc(fleet.Heartbeat)
	var primary, fallback agent.HeartbeatSender = direct, nil
	if cfg.RobotAPIKey != "" {
		primary = agent.NewHTTPHeartbeat(cfg.OrchestratorURL, cfg.RobotAPIKey)
		fallback = direct
	}

	var tenantScope *string
	if cfg.RobotTenant != "" {
		tenantScope = &cfg.RobotTenant
	}
	boInitial, boMax, boMult := cfg.GetClaimBackoff()
	ag := agent.New(agent.Options{
		RobotID:           robotID,
		RobotName:         robotName,
		Capabilities:      cfg.RobotCapabilities,
		Tags:              cfg.RobotTags,
		Environment:       cfg.RobotEnvironment,
		TenantScope:       tenantScope,
		MaxConcurrent:     cfg.MaxConcurrentJobs,
		LeaseTTL:          cfg.LeaseTTL,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DrainTimeout:      cfg.DrainTimeout,
		BackoffInitial:    boInitial,
		BackoffMax:        boMax,
		BackoffMultiplier: boMult,
	}, jobRepo, runner, journal, primary, fallback, logger)

	// Queue and control wakeups; the poll ticker covers notification gaps.
	listener := postgres.NewListener(pool, ag.HandleNotification,
		postgres.ChannelJobsQueued, postgres.ChannelJobsControl)
	go func() { _ = listener.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	seen := make(chan os.Signal, 1)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		seen <- sig
		stop()
	}()

	if err := ag.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent stopped", slog.Any("error", err))
	}

	select {
	case sig := <-seen:
		if sig == syscall.SIGINT {
			return exitSigint
		}
	default:
	}
	return 0
}
