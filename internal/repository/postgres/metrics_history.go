package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
)

// UpsertMetricsBuckets writes compacted collector buckets.
func (r *Repository) UpsertMetricsBuckets(ctx context.Context, buckets []domain.MetricsBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	const query = `INSERT INTO metrics_history (
		bucket_start,
		bucket_span_seconds,
		counters,
		timings,
		samples,
		updated_at
	) VALUES (
		$1,$2,$3,$4,$5,NOW()
	) ON CONFLICT (bucket_start, bucket_span_seconds)
	DO UPDATE SET
		counters = EXCLUDED.counters,
		timings = EXCLUDED.timings,
		samples = EXCLUDED.samples,
		updated_at = NOW()`
	batch := &pgx.Batch{}
	for _, bucket := range buckets {
		counters, err := json.Marshal(bucket.Counters)
		if err != nil {
			return fmt.Errorf("encode bucket counters: %w", err)
		}
		timings, err := json.Marshal(bucket.Timings)
		if err != nil {
			return fmt.Errorf("encode bucket timings: %w", err)
		}
		samples, err := json.Marshal(bucket.Samples)
		if err != nil {
			return fmt.Errorf("encode bucket samples: %w", err)
		}
		spanSeconds := int(bucket.Span.Seconds())
		if spanSeconds <= 0 {
			spanSeconds = 3600
		}
		batch.Queue(query, bucket.Start.UTC(), spanSeconds, counters, timings, samples)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range buckets {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListMetricsBuckets returns buckets of the given span starting at or after since.
func (r *Repository) ListMetricsBuckets(ctx context.Context, span time.Duration, since time.Time) ([]domain.MetricsBucket, error) {
	spanSeconds := int(span.Seconds())
	if spanSeconds <= 0 {
		spanSeconds = 3600
	}
	const query = `SELECT bucket_start, bucket_span_seconds, counters, timings, samples
		FROM metrics_history
		WHERE bucket_span_seconds = $1 AND bucket_start >= $2
		ORDER BY bucket_start ASC`
	rows, err := r.pool.Query(ctx, query, spanSeconds, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.MetricsBucket, 0)
	for rows.Next() {
		var (
			bucket                     domain.MetricsBucket
			seconds                    int
			counters, timings, samples []byte
		)
		if err := rows.Scan(&bucket.Start, &seconds, &counters, &timings, &samples); err != nil {
			return nil, err
		}
		bucket.Span = time.Duration(seconds) * time.Second
		bucket.Counters = map[string]int64{}
		bucket.Timings = map[string]domain.TimingSummary{}
		bucket.Samples = map[string][]float64{}
		if err := json.Unmarshal(counters, &bucket.Counters); err != nil {
			return nil, fmt.Errorf("decode bucket counters: %w", err)
		}
		if err := json.Unmarshal(timings, &bucket.Timings); err != nil {
			return nil, fmt.Errorf("decode bucket timings: %w", err)
		}
		if len(samples) > 0 {
			if err := json.Unmarshal(samples, &bucket.Samples); err != nil {
				return nil, fmt.Errorf("decode bucket samples: %w", err)
			}
		}
		buckets = append(buckets, bucket)
	}
	return buckets, rows.Err()
}
