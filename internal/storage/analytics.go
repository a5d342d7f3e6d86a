package storage

import (
	"context"
	"fmt"
	"time"
)

// The aggregations below run on the storage engine rather than in-process.
// All detectors share the same ordering discipline to define "consecutive":
// PARTITION BY encoded_asset_id ORDER BY block_number, log_index.

const (
	computeHourlyMetricsSQL = `INSERT INTO hourly_metrics (
        encoded_asset_id, hour,
        update_count, avg_delay_ms, p50_delay_ms, p95_delay_ms, p99_delay_ms,
        min_delay_ms, max_delay_ms, avg_price, price_stddev
    )
    SELECT
        encoded_asset_id,
        date_trunc('hour', to_timestamp(block_timestamp)) AS hour,
        COUNT(*)::int AS update_count,
        AVG(time_delay_ms) AS avg_delay_ms,
        PERCENTILE_CONT(0.50) WITHIN GROUP (ORDER BY time_delay_ms) AS p50_delay_ms,
        PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY time_delay_ms) AS p95_delay_ms,
        PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY time_delay_ms) AS p99_delay_ms,
        MIN(time_delay_ms) AS min_delay_ms,
        MAX(time_delay_ms) AS max_delay_ms,
        AVG(price::numeric) AS avg_price,
        STDDEV(price::numeric) AS price_stddev
    FROM price_updates
    WHERE block_timestamp >= EXTRACT(EPOCH FROM NOW())::bigint - $1
      AND time_delay_ms IS NOT NULL
    GROUP BY encoded_asset_id, date_trunc('hour', to_timestamp(block_timestamp))
    ON CONFLICT (encoded_asset_id, hour) DO UPDATE SET
        update_count = EXCLUDED.update_count,
        avg_delay_ms = EXCLUDED.avg_delay_ms,
        p50_delay_ms = EXCLUDED.p50_delay_ms,
        p95_delay_ms = EXCLUDED.p95_delay_ms,
        p99_delay_ms = EXCLUDED.p99_delay_ms,
        min_delay_ms = EXCLUDED.min_delay_ms,
        max_delay_ms = EXCLUDED.max_delay_ms,
        avg_price    = EXCLUDED.avg_price,
        price_stddev = EXCLUDED.price_stddev;`

	detectHighLatencySQL = `INSERT INTO detected_issues (encoded_asset_id, issue_type, severity, block_number, details)
    SELECT
        encoded_asset_id,
        'high_latency',
        CASE WHEN time_delay_ms > $3 THEN 'critical' ELSE 'warning' END,
        block_number,
        jsonb_build_object(
            'time_delay_ms', time_delay_ms,
            'tx_hash', tx_hash,
            'price', price
        )
    FROM price_updates
    WHERE time_delay_ms > $2
      AND block_timestamp >= EXTRACT(EPOCH FROM NOW())::bigint - $1
      AND NOT EXISTS (
          SELECT 1 FROM detected_issues di
          WHERE di.encoded_asset_id = price_updates.encoded_asset_id
            AND di.issue_type = 'high_latency'
            AND di.block_number = price_updates.block_number
      )
    ON CONFLICT (encoded_asset_id, issue_type, block_number) DO NOTHING
    RETURNING id, encoded_asset_id, issue_type, severity, detected_at, block_number, details;`

	detectPriceJumpsSQL = `INSERT INTO detected_issues (encoded_asset_id, issue_type, severity, block_number, details)
    SELECT
        encoded_asset_id,
        'price_jump',
        CASE WHEN pct_change > $3 THEN 'critical' ELSE 'warning' END,
        block_number,
        jsonb_build_object(
            'pct_change', ROUND(pct_change::numeric, 2),
            'prev_price', prev_price,
            'curr_price', price,
            'tx_hash', tx_hash
        )
    FROM (
        SELECT
            encoded_asset_id, block_number, tx_hash, price,
            LAG(price) OVER w AS prev_price,
            CASE
                WHEN LAG(price::numeric) OVER w = 0 THEN 0
                ELSE ABS(
                    (price::numeric - LAG(price::numeric) OVER w)
                    / LAG(price::numeric) OVER w
                    * 100
                )
            END AS pct_change
        FROM price_updates
        WHERE block_timestamp >= EXTRACT(EPOCH FROM NOW())::bigint - $1
        WINDOW w AS (PARTITION BY encoded_asset_id ORDER BY block_number, log_index)
    ) sub
    WHERE pct_change > $2
      AND prev_price IS NOT NULL
      AND NOT EXISTS (
          SELECT 1 FROM detected_issues di
          WHERE di.encoded_asset_id = sub.encoded_asset_id
            AND di.issue_type = 'price_jump'
            AND di.block_number = sub.block_number
      )
    ON CONFLICT (encoded_asset_id, issue_type, block_number) DO NOTHING
    RETURNING id, encoded_asset_id, issue_type, severity, detected_at, block_number, details;`

	detectStalePricesSQL = `INSERT INTO detected_issues (encoded_asset_id, issue_type, severity, block_number, details)
    SELECT
        encoded_asset_id,
        'stale_price',
        CASE WHEN consecutive_count >= $3 THEN 'critical' ELSE 'warning' END,
        max_block,
        jsonb_build_object(
            'consecutive_count', consecutive_count,
            'stale_value', stale_value
        )
    FROM (
        SELECT
            encoded_asset_id,
            quantized_value::text AS stale_value,
            COUNT(*) AS consecutive_count,
            MAX(block_number) AS max_block
        FROM (
            SELECT
                encoded_asset_id, quantized_value, block_number,
                block_number - ROW_NUMBER() OVER (
                    PARTITION BY encoded_asset_id, quantized_value
                    ORDER BY block_number
                ) AS grp
            FROM price_updates
            WHERE block_timestamp >= EXTRACT(EPOCH FROM NOW())::bigint - $1
        ) grouped
        GROUP BY encoded_asset_id, quantized_value, grp
        HAVING COUNT(*) >= $2
    ) stale
    WHERE NOT EXISTS (
        SELECT 1 FROM detected_issues di
        WHERE di.encoded_asset_id = stale.encoded_asset_id
          AND di.issue_type = 'stale_price'
          AND di.block_number = stale.max_block
    )
    ON CONFLICT (encoded_asset_id, issue_type, block_number) DO NOTHING
    RETURNING id, encoded_asset_id, issue_type, severity, detected_at, block_number, details;`

	detectGapsSQL = `INSERT INTO detected_issues (encoded_asset_id, issue_type, severity, block_number, details)
    SELECT
        encoded_asset_id,
        'gap',
        CASE WHEN gap_seconds > $3 THEN 'critical' ELSE 'warning' END,
        block_number,
        jsonb_build_object(
            'gap_seconds', gap_seconds,
            'prev_block', prev_block,
            'curr_block', block_number
        )
    FROM (
        SELECT
            encoded_asset_id, block_number,
            LAG(block_number) OVER w AS prev_block,
            block_timestamp - LAG(block_timestamp) OVER w AS gap_seconds
        FROM price_updates
        WHERE block_timestamp >= EXTRACT(EPOCH FROM NOW())::bigint - $1
        WINDOW w AS (PARTITION BY encoded_asset_id ORDER BY block_number, log_index)
    ) sub
    WHERE gap_seconds > $2
      AND NOT EXISTS (
          SELECT 1 FROM detected_issues di
          WHERE di.encoded_asset_id = sub.encoded_asset_id
            AND di.issue_type = 'gap'
            AND di.block_number = sub.block_number
      )
    ON CONFLICT (encoded_asset_id, issue_type, block_number) DO NOTHING
    RETURNING id, encoded_asset_id, issue_type, severity, detected_at, block_number, details;`
)

// AnalyticsStore is the surface the analytics loop drives each cycle.
type AnalyticsStore interface {
	ComputeHourlyMetrics(ctx context.Context, window time.Duration) error
	DetectHighLatency(ctx context.Context, window time.Duration, warnMs, critMs int64) ([]DetectedIssue, error)
	DetectPriceJumps(ctx context.Context, window time.Duration, warnPct, critPct float64) ([]DetectedIssue, error)
	DetectStalePrices(ctx context.Context, window time.Duration, warnRun, critRun int) ([]DetectedIssue, error)
	DetectGaps(ctx context.Context, window time.Duration, warnSec, critSec int64) ([]DetectedIssue, error)
}

// ComputeHourlyMetrics recomputes the per-(asset, hour) rollups over the
// trailing window. Buckets outside the window are left untouched.
func (s *Store) ComputeHourlyMetrics(ctx context.Context, window time.Duration) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, computeHourlyMetricsSQL, int64(window.Seconds())); err != nil {
		return fmt.Errorf("compute hourly metrics: %w", err)
	}
	return nil
}

// DetectHighLatency records updates whose publish-to-block delay exceeds
// warnMs, returning only newly inserted issues.
func (s *Store) DetectHighLatency(ctx context.Context, window time.Duration, warnMs, critMs int64) ([]DetectedIssue, error) {
	return s.runDetector(ctx, detectHighLatencySQL, int64(window.Seconds()), warnMs, critMs)
}

// DetectPriceJumps records adjacent-update price moves above warnPct percent.
// A zero previous price counts as a 0% change.
func (s *Store) DetectPriceJumps(ctx context.Context, window time.Duration, warnPct, critPct float64) ([]DetectedIssue, error) {
	return s.runDetector(ctx, detectPriceJumpsSQL, int64(window.Seconds()), warnPct, critPct)
}

// DetectStalePrices records runs of at least warnRun consecutive identical
// quantized values, keyed by the run's final block.
func (s *Store) DetectStalePrices(ctx context.Context, window time.Duration, warnRun, critRun int) ([]DetectedIssue, error) {
	return s.runDetector(ctx, detectStalePricesSQL, int64(window.Seconds()), warnRun, critRun)
}

// DetectGaps records adjacent-update block-timestamp deltas above warnSec.
func (s *Store) DetectGaps(ctx context.Context, window time.Duration, warnSec, critSec int64) ([]DetectedIssue, error) {
	return s.runDetector(ctx, detectGapsSQL, int64(window.Seconds()), warnSec, critSec)
}

func (s *Store) runDetector(ctx context.Context, sql string, args ...interface{}) ([]DetectedIssue, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("run detector: %w", err)
	}
	defer rows.Close()

	return scanIssues(rows)
}

var _ AnalyticsStore = (*Store)(nil)
var _ EventWriter = (*Store)(nil)
var _ CheckpointStore = (*Store)(nil)
