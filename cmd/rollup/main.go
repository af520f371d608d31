package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository/postgres"
	"github.com/956zs/discord-embed-app-sub001/internal/service/alert"
	"github.com/956zs/discord-embed-app-sub001/internal/service/rollup"
	"github.com/956zs/discord-embed-app-sub001/pkg/config"
	"github.com/956zs/discord-embed-app-sub001/pkg/logger"
)

func main() {
	date := flag.String("date", "", "calendar date to aggregate (YYYY-MM-DD, default yesterday)")
	guilds := flag.String("guilds", "", "comma separated guild ids (default: configured allow-list)")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall command timeout")
	flag.Parse()

	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("rollup", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	repo := postgres.New(pool)

	// failures are persisted as alerts so the dashboard sees them after the
	// API reloads its active set
	alerts := alert.NewManager(alert.Config{}, repo, nil, log)
	if err := alerts.Load(ctx); err != nil {
		log.Warn("active alerts not loaded", "error", err)
	}

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

	target := job.TargetDate(time.Now())
	if *date != "" {
		target, err = job.ParseDate(*date)
		if err != nil {
			log.Error("invalid date", "date", *date, "error", err)
			os.Exit(2)
		}
	}

	var explicit []string
	for _, g := range strings.Split(*guilds, ",") {
		if g = strings.TrimSpace(g); g != "" {
			explicit = append(explicit, g)
		}
	}

	report, err := job.RunForDate(ctx, target, explicit)
	if err != nil {
		log.Error("rollup failed", "date", target.Format(domain.DateLayout), "error", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if report.Failed > 0 {
		os.Exit(1)
	}
}
