package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

const (
	defaultTopN         = 10
	defaultConcurrency  = 4
	defaultGuildTimeout = 2 * time.Minute
	alertTimeout        = 5 * time.Second
	resolvedBy          = "rollup"
)

// ErrNoGuilds is returned when neither an explicit list, the allow-list nor
// the event table yields any guild to aggregate.
var ErrNoGuilds = errors.New("rollup: no guilds to aggregate")

// GuildLister discovers guilds that recorded events in a time range.
type GuildLister interface {
	ListGuildsWithEvents(ctx context.Context, start, end time.Time) ([]string, error)
}

// AlertSink raises and clears per-guild failure alerts.
type AlertSink interface {
	TriggerAlert(ctx context.Context, level domain.AlertSeverity, message string, details map[string]any, key string) (domain.Alert, error)
	ResolveByKey(ctx context.Context, key, resolvedBy string) (bool, error)
}

// Config controls scheduling, tenancy and ranking.
type Config struct {
	TriggerAt    string
	Location     *time.Location
	Guilds       []string
	TopN         int
	Concurrency  int
	GuildTimeout time.Duration
}

// GuildResult is the outcome of one guild's aggregation.
type GuildResult struct {
	GuildID string            `json:"guild_id"`
	Stat    *domain.DailyStat `json:"stat,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Report summarises one run over a date.
type Report struct {
	Date       string        `json:"date"`
	Guilds     []GuildResult `json:"guilds"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Job computes daily per-guild statistics. Each guild is aggregated in its
// own transaction; a failing guild is rolled back without affecting others.
type Job struct {
	beginner repository.StatsTxBeginner
	lister   GuildLister
	alerts   AlertSink
	cfg      Config
	hour     int
	minute   int
	logger   *slog.Logger
	now      func() time.Time

	// runs are serialised so a backfill never races the scheduled run
	runMu sync.Mutex
}

// NewJob validates cfg and constructs a Job. lister and alerts may be nil.
func NewJob(cfg Config, beginner repository.StatsTxBeginner, lister GuildLister, alerts AlertSink, logger *slog.Logger) (*Job, error) {
	if beginner == nil {
		return nil, errors.New("rollup: nil transaction beginner")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TopN <= 0 {
		cfg.TopN = defaultTopN
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.GuildTimeout <= 0 {
		cfg.GuildTimeout = defaultGuildTimeout
	}
	if strings.TrimSpace(cfg.TriggerAt) == "" {
		cfg.TriggerAt = "00:05"
	}
	at, err := time.Parse("15:04", strings.TrimSpace(cfg.TriggerAt))
	if err != nil {
		return nil, fmt.Errorf("rollup: invalid trigger time %q: %w", cfg.TriggerAt, err)
	}
	cfg.Guilds = normalizeGuilds(cfg.Guilds)
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		beginner: beginner,
		lister:   lister,
		alerts:   alerts,
		cfg:      cfg,
		hour:     at.Hour(),
		minute:   at.Minute(),
		logger:   logger.With("component", "rollup_job"),
		now:      time.Now,
	}, nil
}

// Location returns the time zone calendar dates are evaluated in.
func (j *Job) Location() *time.Location {
	return j.cfg.Location
}

// ParseDate parses a YYYY-MM-DD calendar date in the job's time zone.
func (j *Job) ParseDate(value string) (time.Time, error) {
	date, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(value), j.cfg.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", repository.ErrInvalidArgument, value)
	}
	return date, nil
}

// RunForDate aggregates every requested guild for the calendar date. An
// empty guilds slice falls back to the configured allow-list. The returned
// error is non-nil only when the run could not start; per-guild failures
// are reported in the Report.
func (j *Job) RunForDate(ctx context.Context, date time.Time, guilds []string) (Report, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	start, end := domain.DayBounds(date, j.cfg.Location)
	report := Report{Date: start.Format(domain.DateLayout), StartedAt: j.now().UTC()}

	targets, err := j.resolveGuilds(ctx, guilds, start, end)
	if err != nil {
		return report, err
	}

	log := j.logger.With("date", report.Date)
	log.Info("rollup started", "guilds", len(targets), "top_n", j.cfg.TopN)

	results := make([]GuildResult, len(targets))
	var g errgroup.Group
	g.SetLimit(j.cfg.Concurrency)
	for i, guild := range targets {
		g.Go(func() error {
			results[i] = j.aggregateGuild(ctx, guild, start, end)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.Error != "" {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	report.Guilds = results
	report.FinishedAt = j.now().UTC()
	log.Info("rollup finished", "succeeded", report.Succeeded, "failed", report.Failed, "duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (j *Job) resolveGuilds(ctx context.Context, explicit []string, start, end time.Time) ([]string, error) {
	if guilds := normalizeGuilds(explicit); len(guilds) > 0 {
		return guilds, nil
	}
	if len(j.cfg.Guilds) > 0 {
		return j.cfg.Guilds, nil
	}
	if j.lister == nil {
		return nil, ErrNoGuilds
	}
	j.logger.Warn("ROLLUP_GUILDS is empty: aggregating every guild with events; set an allow-list in production")
	guilds, err := j.lister.ListGuildsWithEvents(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list guilds with events: %w", err)
	}
	guilds = normalizeGuilds(guilds)
	if len(guilds) == 0 {
		return nil, ErrNoGuilds
	}
	return guilds, nil
}

// aggregateGuild runs one guild to commit or rollback. It detaches from the
// caller's cancellation so shutdown cannot abandon an open transaction.
func (j *Job) aggregateGuild(parent context.Context, guildID string, start, end time.Time) GuildResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), j.cfg.GuildTimeout)
	defer cancel()

	log := j.logger.With("guild_id", guildID, "date", start.Format(domain.DateLayout))
	began := time.Now()
	stat, err := j.computeGuild(ctx, guildID, start, end)
	key := "rollup:" + guildID
	if err != nil {
		log.Error("guild rollup failed", "error", err, "duration", time.Since(began))
		j.raiseFailure(key, guildID, start, err)
		return GuildResult{GuildID: guildID, Error: err.Error()}
	}
	log.Info("guild rollup committed", "total_events", stat.TotalEvents, "active_users", stat.ActiveUsers, "duration", time.Since(began))
	j.clearFailure(key)
	return GuildResult{GuildID: guildID, Stat: &stat}
}

func (j *Job) computeGuild(ctx context.Context, guildID string, start, end time.Time) (stat domain.DailyStat, err error) {
	tx, err := j.beginner.BeginStatsTx(ctx)
	if err != nil {
		return stat, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				j.logger.Warn("rollback failed", "guild_id", guildID, "error", rbErr)
			}
		}
	}()

	total, active, err := tx.CountEvents(ctx, guildID, start, end)
	if err != nil {
		return stat, fmt.Errorf("count events: %w", err)
	}
	channels, err := tx.TopChannels(ctx, guildID, start, end, j.cfg.TopN)
	if err != nil {
		return stat, fmt.Errorf("top channels: %w", err)
	}
	users, err := tx.TopUsers(ctx, guildID, start, end, j.cfg.TopN)
	if err != nil {
		return stat, fmt.Errorf("top users: %w", err)
	}

	stat = domain.DailyStat{
		GuildID:     guildID,
		Date:        start,
		TotalEvents: total,
		ActiveUsers: active,
		TopChannels: channels,
		TopUsers:    users,
		ComputedAt:  j.now().UTC(),
	}
	if err = tx.UpsertDailyStat(ctx, stat); err != nil {
		return stat, fmt.Errorf("upsert daily stat: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return stat, fmt.Errorf("commit: %w", err)
	}
	return stat, nil
}

func (j *Job) raiseFailure(key, guildID string, date time.Time, cause error) {
	if j.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	details := map[string]any{
		"category": domain.AlertCategoryRollupFailure,
		"guild_id": guildID,
		"date":     date.Format(domain.DateLayout),
		"error":    cause.Error(),
	}
	msg := fmt.Sprintf("daily rollup failed for guild %s on %s", guildID, date.Format(domain.DateLayout))
	if _, err := j.alerts.TriggerAlert(ctx, domain.SeverityWarn, msg, details, key); err != nil {
		j.logger.Warn("failed to raise rollup alert", "key", key, "error", err)
	}
}

func (j *Job) clearFailure(key string) {
	if j.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if _, err := j.alerts.ResolveByKey(ctx, key, resolvedBy); err != nil {
		j.logger.Warn("failed to resolve rollup alert", "key", key, "error", err)
	}
}

func normalizeGuilds(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, g := range in {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
