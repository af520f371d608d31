package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
)

const alertColumns = `id, dedup_key, category, severity, message, details, status, occurrences,
	first_triggered_at, last_triggered_at, resolved_at, resolved_by`

// UpsertActiveAlert inserts an active alert or updates the active row that
// already holds the same dedup key. The partial unique index on
// (dedup_key) WHERE status = 'active' keeps a single active row per key.
func (r *Repository) UpsertActiveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil || strings.TrimSpace(alert.DedupKey) == "" {
		return repository.ErrInvalidArgument
	}
	details, err := marshalJSON(alert.Details)
	if err != nil {
		return fmt.Errorf("encode alert details: %w", err)
	}
	const query = `INSERT INTO alerts (
		id,
		dedup_key,
		category,
		severity,
		message,
		details,
		status,
		occurrences,
		first_triggered_at,
		last_triggered_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,'active',$7,$8,$9
	) ON CONFLICT (dedup_key) WHERE status = 'active'
	DO UPDATE SET
		severity = EXCLUDED.severity,
		message = EXCLUDED.message,
		details = EXCLUDED.details,
		occurrences = EXCLUDED.occurrences,
		last_triggered_at = EXCLUDED.last_triggered_at
	RETURNING id, first_triggered_at`
	occurrences := alert.Occurrences
	if occurrences <= 0 {
		occurrences = 1
	}
	var (
		id    string
		first time.Time
	)
	if err := r.pool.QueryRow(ctx, query,
		alert.ID,
		alert.DedupKey,
		alert.Category,
		string(alert.Severity),
		alert.Message,
		details,
		occurrences,
		alert.FirstTriggeredAt.UTC(),
		alert.LastTriggeredAt.UTC(),
	).Scan(&id, &first); err != nil {
		return mapPgError(err)
	}
	alert.ID = id
	alert.FirstTriggeredAt = first
	alert.Status = domain.AlertStatusActive
	return nil
}

// ResolveAlert marks an active alert resolved.
func (r *Repository) ResolveAlert(ctx context.Context, id string, resolvedBy string, resolvedAt time.Time) (*domain.Alert, error) {
	query := `UPDATE alerts
		SET status = 'resolved', resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND status = 'active'
		RETURNING ` + alertColumns
	row := r.pool.QueryRow(ctx, query, strings.TrimSpace(id), resolvedAt.UTC(), nilIfEmpty(resolvedBy))
	alert, err := scanAlert(row)
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts returns alerts newest first.
func (r *Repository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR category = $2)
		ORDER BY last_triggered_at DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(filter.Status), strings.TrimSpace(filter.Category), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ListActiveAlerts returns every active alert.
func (r *Repository) ListActiveAlerts(ctx context.Context) ([]domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE status = 'active' ORDER BY first_triggered_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func collectAlerts(rows pgx.Rows) ([]domain.Alert, error) {
	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var (
		alert      domain.Alert
		severity   string
		details    []byte
		resolvedAt *time.Time
		resolvedBy *string
	)
	if err := row.Scan(
		&alert.ID,
		&alert.DedupKey,
		&alert.Category,
		&severity,
		&alert.Message,
		&details,
		&alert.Status,
		&alert.Occurrences,
		&alert.FirstTriggeredAt,
		&alert.LastTriggeredAt,
		&resolvedAt,
		&resolvedBy,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	alert.Severity = domain.AlertSeverity(severity)
	alert.ResolvedAt = resolvedAt
	if resolvedBy != nil {
		alert.ResolvedBy = *resolvedBy
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &alert.Details); err != nil {
			return nil, fmt.Errorf("decode alert details: %w", err)
		}
	}
	return &alert, nil
}
