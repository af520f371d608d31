package repository

import (
	"context"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

// EventRepository persists raw guild events.
type EventRepository interface {
	InsertEvent(ctx context.Context, event *domain.GuildEvent) error
	ListGuildsWithEvents(ctx context.Context, start, end time.Time) ([]string, error)
}

// AlertRepository persists alerts for audit and history.
type AlertRepository interface {
	UpsertActiveAlert(ctx context.Context, alert *domain.Alert) error
	ResolveAlert(ctx context.Context, id string, resolvedBy string, resolvedAt time.Time) (*domain.Alert, error)
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]domain.Alert, error)
}

// StatsRepository exposes read access to daily stat records.
type StatsRepository interface {
	ListDailyStats(ctx context.Context, guildID string, from, to time.Time) ([]domain.DailyStat, error)
}

// StatsTx is a single guild's aggregation transaction. Implementations
// must execute every call on the same underlying transaction.
type StatsTx interface {
	CountEvents(ctx context.Context, guildID string, start, end time.Time) (total int64, activeUsers int64, err error)
	TopChannels(ctx context.Context, guildID string, start, end time.Time, limit int) ([]domain.Breakdown, error)
	TopUsers(ctx context.Context, guildID string, start, end time.Time, limit int) ([]domain.Breakdown, error)
	UpsertDailyStat(ctx context.Context, stat domain.DailyStat) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// StatsTxBeginner opens aggregation transactions.
type StatsTxBeginner interface {
	BeginStatsTx(ctx context.Context) (StatsTx, error)
}

// MetricsHistoryRepository stores compacted collector buckets so coarse
// history survives restarts.
type MetricsHistoryRepository interface {
	UpsertMetricsBuckets(ctx context.Context, buckets []domain.MetricsBucket) error
	ListMetricsBuckets(ctx context.Context, span time.Duration, since time.Time) ([]domain.MetricsBucket, error)
}
