package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EventRepository          = (*Repository)(nil)
	_ repository.AlertRepository          = (*Repository)(nil)
	_ repository.StatsRepository          = (*Repository)(nil)
	_ repository.StatsTxBeginner          = (*Repository)(nil)
	_ repository.MetricsHistoryRepository = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InsertEvent stores a raw guild event.
func (r *Repository) InsertEvent(ctx context.Context, event *domain.GuildEvent) error {
	if event == nil {
		return repository.ErrInvalidArgument
	}
	attrs, err := marshalJSON(event.Attrs)
	if err != nil {
		return fmt.Errorf("encode event attrs: %w", err)
	}
	const query = `INSERT INTO guild_events (guild_id, channel_id, user_id, kind, attrs, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := r.pool.QueryRow(ctx, query,
		event.GuildID,
		event.ChannelID,
		event.UserID,
		event.Kind,
		attrs,
		event.OccurredAt.UTC(),
	).Scan(&event.ID); err != nil {
		return mapPgError(err)
	}
	return nil
}

// ListGuildsWithEvents returns guilds that recorded at least one event in [start, end).
func (r *Repository) ListGuildsWithEvents(ctx context.Context, start, end time.Time) ([]string, error) {
	const query = `SELECT DISTINCT guild_id FROM guild_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY guild_id`
	rows, err := r.pool.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	guilds := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		guilds = append(guilds, id)
	}
	return guilds, rows.Err()
}

// ListDailyStats returns stat records for a guild in the inclusive date range.
func (r *Repository) ListDailyStats(ctx context.Context, guildID string, from, to time.Time) ([]domain.DailyStat, error) {
	const query = `SELECT guild_id, stat_date, total_events, active_users, top_channels, top_users, computed_at
		FROM daily_stats
		WHERE guild_id = $1 AND stat_date >= $2 AND stat_date <= $3
		ORDER BY stat_date ASC`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(guildID), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]domain.DailyStat, 0)
	for rows.Next() {
		var (
			stat            domain.DailyStat
			channels, users []byte
		)
		if err := rows.Scan(&stat.GuildID, &stat.Date, &stat.TotalEvents, &stat.ActiveUsers, &channels, &users, &stat.ComputedAt); err != nil {
			return nil, err
		}
		if err := unmarshalBreakdown(channels, &stat.TopChannels); err != nil {
			return nil, err
		}
		if err := unmarshalBreakdown(users, &stat.TopUsers); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

func marshalJSON(v any) ([]byte, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(typed) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalBreakdown(raw []byte, dst *[]domain.Breakdown) error {
	*dst = []domain.Breakdown{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode breakdown: %w", err)
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02", "23505", "23502":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
