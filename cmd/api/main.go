package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/956zs/discord-embed-app-sub001/internal/app/migrate"
	httpx "github.com/956zs/discord-embed-app-sub001/internal/http"
	"github.com/956zs/discord-embed-app-sub001/internal/repository/postgres"
	"github.com/956zs/discord-embed-app-sub001/internal/service/alert"
	"github.com/956zs/discord-embed-app-sub001/internal/service/events"
	"github.com/956zs/discord-embed-app-sub001/internal/service/metrics"
	"github.com/956zs/discord-embed-app-sub001/internal/service/process"
	"github.com/956zs/discord-embed-app-sub001/internal/service/rollup"
	"github.com/956zs/discord-embed-app-sub001/internal/service/system"
	"github.com/956zs/discord-embed-app-sub001/internal/ws"
	"github.com/956zs/discord-embed-app-sub001/pkg/config"
	"github.com/956zs/discord-embed-app-sub001/pkg/logger"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Close()

	collector := metrics.NewCollector(metrics.Config{
		Window:          cfg.MetricsWindow,
		FineRetention:   cfg.MetricsFineRetention,
		CoarseRetention: cfg.MetricsCoarseRetention,
		MaxSamples:      cfg.MetricsMaxSamples,
	}, repo, log)
	if err := collector.Restore(ctx); err != nil {
		log.Warn("metrics history not restored", "error", err)
	}
	prometheus.MustRegister(collector)

	alerts := alert.NewManager(alert.Config{
		SlowRequest: alert.SlowRequestConfig{
			Enabled:          cfg.SlowRequestEnabled,
			WarnThresholdMS:  cfg.SlowRequestWarnMS,
			ErrorThresholdMS: cfg.SlowRequestErrorMS,
		},
		ErrorRate: alert.ErrorRateConfig{
			Enabled:     cfg.ErrorRateEnabled,
			Threshold:   cfg.ErrorRateThreshold,
			MinRequests: cfg.ErrorRateMinRequests,
		},
		AutoResolveAfter: cfg.AlertAutoResolveAfter,
		SweepInterval:    cfg.AlertSweepInterval,
	}, repo, hub, log)
	if err := alerts.Load(ctx); err != nil {
		log.Warn("active alerts not restored", "error", err)
	}

	procs, closePoller := buildProcessCollector(cfg, alerts, collector, log)
	defer closePoller()

	job, err := rollup.NewJob(rollup.Config{
		TriggerAt:    cfg.RollupTriggerAt,
		Location:     cfg.RollupLocation(),
		Guilds:       cfg.RollupGuilds,
		TopN:         cfg.RollupTopN,
		Concurrency:  cfg.RollupConcurrency,
		GuildTimeout: cfg.RollupGuildTimeout,
	}, repo, repo, alerts, log)
	if err != nil {
		log.Error("failed to configure rollup job", "error", err)
		os.Exit(1)
	}

	recorder := events.NewRecorder(repo, collector, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory limiter", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	deps := httpx.Deps{
		Logger:      log,
		Metrics:     collector,
		Alerts:      alerts,
		Host:        system.NewSampler("/"),
		Stats:       repo,
		Rollups:     job,
		Events:      recorder,
		Hub:         hub,
		Limiter:     limiter,
		Auth:        httpx.AuthMode{Mode: cfg.AuthMode, Token: cfg.OperatorToken},
		IngestToken: cfg.IngestToken,
		SessionTTL:  cfg.SessionTTL,
		RateLimit:   httpx.RateLimit{Requests: cfg.RateLimitRequests, Window: cfg.RateLimitWindow},
		DBHealth:    pool.Ping,
	}
	if procs != nil {
		deps.Processes = procs
	}
	router := httpx.NewRouter(deps)
	defer router.Close()

	var workers errgroup.Group
	workers.Go(func() error {
		collector.Run(ctx)
		return nil
	})
	workers.Go(func() error {
		alerts.Run(ctx, collector)
		return nil
	})
	if procs != nil {
		workers.Go(func() error {
			procs.Run(ctx)
			return nil
		})
	}
	if cfg.RollupEnabled {
		workers.Go(func() error {
			job.Run(ctx)
			return nil
		})
	} else {
		log.Info("scheduled rollup disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "process_manager", cfg.ProcessManager)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
			_ = workers.Wait()
			os.Exit(1)
		}
	}
	stop()
	// background workers flush metrics history on exit, so wait before the
	// pool closes
	_ = workers.Wait()
	log.Info("api server stopped")
}

// buildProcessCollector selects the process manager backend. It returns a
// nil collector when none is configured.
func buildProcessCollector(cfg config.APIConfig, alerts process.AlertTrigger, gauges process.GaugeSetter, log *slog.Logger) (*process.Collector, func()) {
	var poller process.Poller
	closer := func() {}
	names := append([]string{cfg.ProcessPrimary}, cfg.ProcessSecondary...)

	switch cfg.ProcessManager {
	case config.ProcessManagerPM2:
		poller = process.NewPM2Poller(cfg.PM2Binary)
	case config.ProcessManagerDocker:
		docker, err := process.NewDockerPoller(names)
		if err != nil {
			log.Warn("docker process poller unavailable", "error", err)
			return nil, closer
		}
		poller = docker
		closer = func() { _ = docker.Close() }
	default:
		log.Info("process manager disabled")
		return nil, closer
	}
	return process.NewCollector(poller, process.Config{
		Primary:   cfg.ProcessPrimary,
		Secondary: cfg.ProcessSecondary,
		Timeout:   cfg.ProcessPollTimeout,
		Interval:  cfg.ProcessPollInterval,
	}, alerts, gauges, log), closer
}
