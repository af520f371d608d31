package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

// statsTx runs every aggregation statement for one guild on a single pgx.Tx.
type statsTx struct {
	tx pgx.Tx
}

var _ repository.StatsTx = (*statsTx)(nil)

// Top-N rankings: count desc, ties broken by the earliest event id so the
// first channel or user seen that day wins. Empty ids are not ranked.
const (
	topChannelsQuery = `SELECT channel_id, COUNT(*) AS events, MIN(id) AS first_id
		FROM guild_events
		WHERE guild_id = $1 AND occurred_at >= $2 AND occurred_at < $3 AND channel_id <> ''
		GROUP BY channel_id
		ORDER BY events DESC, first_id ASC
		LIMIT $4`

	topUsersQuery = `SELECT user_id, COUNT(*) AS events, MIN(id) AS first_id
		FROM guild_events
		WHERE guild_id = $1 AND occurred_at >= $2 AND occurred_at < $3 AND user_id <> ''
		GROUP BY user_id
		ORDER BY events DESC, first_id ASC
		LIMIT $4`
)

// BeginStatsTx opens a repeatable-read transaction so the count and top-N
// queries see the same snapshot of guild_events.
func (r *Repository) BeginStatsTx(ctx context.Context) (repository.StatsTx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin stats tx: %w", err)
	}
	return &statsTx{tx: tx}, nil
}

func (s *statsTx) CountEvents(ctx context.Context, guildID string, start, end time.Time) (int64, int64, error) {
	const query = `SELECT COUNT(*), COUNT(DISTINCT user_id) FILTER (WHERE user_id <> '')
		FROM guild_events
		WHERE guild_id = $1 AND occurred_at >= $2 AND occurred_at < $3`
	var total, users int64
	if err := s.tx.QueryRow(ctx, query, guildID, start.UTC(), end.UTC()).Scan(&total, &users); err != nil {
		return 0, 0, err
	}
	return total, users, nil
}

// TopChannels ranks channels by event count; ties keep first-seen order.
func (s *statsTx) TopChannels(ctx context.Context, guildID string, start, end time.Time, limit int) ([]domain.Breakdown, error) {
	return s.topN(ctx, topChannelsQuery, guildID, start, end, limit)
}

// TopUsers ranks users by event count; ties keep first-seen order.
func (s *statsTx) TopUsers(ctx context.Context, guildID string, start, end time.Time, limit int) ([]domain.Breakdown, error) {
	return s.topN(ctx, topUsersQuery, guildID, start, end, limit)
}

func (s *statsTx) topN(ctx context.Context, query, guildID string, start, end time.Time, limit int) ([]domain.Breakdown, error) {
	if limit <= 0 {
		return []domain.Breakdown{}, nil
	}
	rows, err := s.tx.Query(ctx, query, guildID, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Breakdown, 0, limit)
	for rows.Next() {
		var (
			entry   domain.Breakdown
			firstID int64
		)
		if err := rows.Scan(&entry.ID, &entry.Count, &firstID); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// UpsertDailyStat overwrites every field of the (guild, date) record.
func (s *statsTx) UpsertDailyStat(ctx context.Context, stat domain.DailyStat) error {
	channels, err := json.Marshal(nonNilBreakdown(stat.TopChannels))
	if err != nil {
		return fmt.Errorf("encode top channels: %w", err)
	}
	users, err := json.Marshal(nonNilBreakdown(stat.TopUsers))
	if err != nil {
		return fmt.Errorf("encode top users: %w", err)
	}
	const query = `INSERT INTO daily_stats (
		guild_id,
		stat_date,
		total_events,
		active_users,
		top_channels,
		top_users,
		computed_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7
	) ON CONFLICT (guild_id, stat_date)
	DO UPDATE SET
		total_events = EXCLUDED.total_events,
		active_users = EXCLUDED.active_users,
		top_channels = EXCLUDED.top_channels,
		top_users = EXCLUDED.top_users,
		computed_at = EXCLUDED.computed_at`
	date := time.Date(stat.Date.Year(), stat.Date.Month(), stat.Date.Day(), 0, 0, 0, 0, time.UTC)
	if _, err := s.tx.Exec(ctx, query,
		stat.GuildID,
		date,
		stat.TotalEvents,
		stat.ActiveUsers,
		channels,
		users,
		stat.ComputedAt.UTC(),
	); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (s *statsTx) Commit(ctx context.Context) error {
	return s.tx.Commit(ctx)
}

func (s *statsTx) Rollback(ctx context.Context) error {
	return s.tx.Rollback(ctx)
}

func nonNilBreakdown(in []domain.Breakdown) []domain.Breakdown {
	if in == nil {
		return []domain.Breakdown{}
	}
	return in
}
