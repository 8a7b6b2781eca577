// Command orchestrator starts the CasareRPA control plane: the operator
// and robot HTTP APIs, the lease reaper, the fleet staleness sweeper and
// the live event fan-out.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/events"
	httpserver "github.com/fairyhunter13/casare-rpa/internal/adapter/httpserver"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/casare-rpa/internal/adapter/vault"
	"github.com/fairyhunter13/casare-rpa/internal/app"
	"github.com/fairyhunter13/casare-rpa/internal/config"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
	"github.com/fairyhunter13/casare-rpa/internal/scheduler"
	"github.com/fairyhunter13/casare-rpa/internal/usecase"
)

// redisAdapter adapts *redis.Client to app.RedisClient for readiness.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, queue and fleet instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Background loops stop together once shutdown begins.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	robotRepo := postgres.NewRobotRepo(pool)
	overrideRepo := postgres.NewOverrideRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	notifier := postgres.NewNotifier(pool)

	// Agents append execution frames to the journal and NOTIFY; the
	// listener mirrors them into the hub for websocket subscribers.
	hub := events.NewHub(logger)
	listener := postgres.NewListener(pool, func(_, payload string) {
		var ev domain.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Warn("event frame decode failed", slog.Any("error", err))
			return
		}
		hub.Publish(ctx, ev)
	}, postgres.ChannelEvents)
	go func() { _ = listener.Run(ctx) }()

	// Lease recovery and journal retention
	reaper := scheduler.NewReaper(jobRepo)
	reaper.Interval = cfg.ReaperInterval
	reaper.BatchSize = cfg.ReaperBatchSize
	go reaper.RunPeriodic(ctx)

	retention := postgres.NewRetentionService(eventRepo, cfg.EventRetention)
	go retention.RunPeriodic(ctx, cfg.EventPruneInterval)

	// Fleet service and staleness sweeper
	fleet := usecase.NewFleetService(robotRepo, jobRepo)
	fleet.LeaseTTL = cfg.LeaseTTL
	fleet.OfflineAfter = cfg.HeartbeatTimeout
	fleet.Sink = hub
	go fleet.RunStaleSweeper(ctx, cfg.FleetSweepInterval)

	jobs := usecase.NewJobService(jobRepo, overrideRepo, eventRepo, notifier)
	jobs.Progress = fleet
	jobs.DefaultMaxAttempts = cfg.DefaultMaxAttempts

	// Optional Kafka audit stream for job lifecycle transitions. The pump
	// mirrors hub frames; the service hook covers transitions that never
	// produce one (submission, cancel before claim).
	if cfg.AuditEnabled() {
		audit, err := events.NewAuditProducer(ctx, cfg.KafkaBrokers, cfg.KafkaAuditTopic, logger)
		if err != nil {
			slog.Error("audit producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer audit.Close()
		go events.ForwardLifecycle(ctx, hub, audit)
		jobs.Audit = func(ctx domain.Context, transition string, j domain.Job) {
			rec := events.AuditRecord{JobID: j.ID, Transition: transition}
			if j.WorkflowID != nil {
				rec.WorkflowID = *j.WorkflowID
			}
			if j.TenantID != nil {
				rec.TenantID = *j.TenantID
			}
			if j.AssignedRobotID != nil {
				rec.RobotID = *j.AssignedRobotID
			}
			audit.Record(ctx, rec)
		}
	}

	// Redis backs per-tenant admission on the agents; here it only feeds
	// the readiness probe.
	var rdb app.RedisClient
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redisAdapter{redis.NewClient(ropts)}
	}

	// The credential store is an agent concern, but its health gates the
	// fleet, so readiness tracks it when configured.
	var vaultProbe app.VaultProbe
	if cfg.VaultEnabled() {
		vb, err := vault.New(ctx, vault.Config{
			Address:    cfg.VaultAddr,
			Token:      cfg.VaultToken,
			Mount:      cfg.VaultMount,
			PathPrefix: cfg.VaultPathPrefix,
			Timeout:    cfg.VaultTimeout,
		}, logger)
		if err != nil {
			slog.Warn("vault unreachable, readiness will not track it", slog.Any("error", err))
		} else {
			vaultProbe = vb
		}
	}

	dbCheck, vaultCheck, redisCheck := app.BuildReadinessChecks(pool, vaultProbe, rdb)

	srv := httpserver.NewServer(cfg, jobs, fleet, hub, dbCheck, vaultCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
