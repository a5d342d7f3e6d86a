package storage

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// insertChunkSize bounds rows per INSERT so the statement stays well under
// the postgres parameter limit (9 params per row).
const insertChunkSize = 500

const (
	upsertDiscoveredAssetSQL = `INSERT INTO discovered_assets (
        encoded_asset_id, first_seen_block, last_seen_block, update_count
    ) VALUES ($1, $2, $2, 1)
    ON CONFLICT (encoded_asset_id) DO UPDATE SET
        last_seen_block = GREATEST(discovered_assets.last_seen_block, EXCLUDED.last_seen_block),
        update_count    = discovered_assets.update_count + 1;`

	readCheckpointSQL = `SELECT last_block, chain_tip, is_backfill_complete, updated_at
    FROM indexer_state WHERE id = 1;`

	advanceCheckpointSQL = `UPDATE indexer_state
    SET last_block = $1, updated_at = NOW() WHERE id = 1;`

	completeBackfillSQL = `UPDATE indexer_state
    SET last_block = $1, is_backfill_complete = TRUE, updated_at = NOW() WHERE id = 1;`

	recordChainTipSQL = `UPDATE indexer_state
    SET chain_tip = $1, updated_at = NOW() WHERE id = 1;`

	countPriceUpdatesSQL = `SELECT COUNT(*) FROM price_updates;`

	listAssetsSQL = `SELECT encoded_asset_id, first_seen_block, last_seen_block, update_count
    FROM discovered_assets
    ORDER BY last_seen_block DESC
    LIMIT $1;`

	listRecentIssuesSQL = `SELECT id, encoded_asset_id, issue_type, severity, detected_at, block_number, details
    FROM detected_issues
    ORDER BY detected_at DESC, id DESC
    LIMIT $1;`

	listUpdatesForAssetSQL = `SELECT tx_hash, log_index, block_number, block_timestamp,
        encoded_asset_id, timestamp_ns::text, quantized_value::text, price, time_delay_ms
    FROM price_updates
    WHERE encoded_asset_id = $1
      AND block_timestamp >= $2
      AND block_timestamp < $3
    ORDER BY block_number, log_index;`
)

// EventWriter defines the ingestion sink's persistence surface.
type EventWriter interface {
	InsertPriceUpdates(ctx context.Context, updates []PriceUpdate) error
	UpsertDiscoveredAssets(ctx context.Context, assetIDs []string, maxBlock uint64) error
}

// CheckpointStore defines operations on the singleton resume cursor.
// Monotonicity of last_block is the caller's responsibility: backfill and
// live tail only ever advance it.
type CheckpointStore interface {
	ReadCheckpoint(ctx context.Context) (Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, block uint64) error
	CompleteBackfill(ctx context.Context, block uint64) error
	RecordChainTip(ctx context.Context, tip uint64) error
}

// InsertPriceUpdates bulk-inserts decoded events. Conflicts on the natural
// key are no-ops, so replaying a batch is safe.
func (s *Store) InsertPriceUpdates(ctx context.Context, updates []PriceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for start := 0; start < len(updates); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]

		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*9)
		for i, u := range chunk {
			offset := i * 9
			placeholders = append(placeholders, fmt.Sprintf(
				"($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				offset+1, offset+2, offset+3, offset+4, offset+5,
				offset+6, offset+7, offset+8, offset+9,
			))

			var delay interface{}
			if u.TimeDelayMs != nil {
				delay = *u.TimeDelayMs
			}
			args = append(args,
				u.TxHash,
				int64(u.LogIndex),
				int64(u.BlockNumber),
				u.BlockTimestamp,
				u.EncodedAssetID,
				strconv.FormatUint(u.TimestampNs, 10),
				u.QuantizedValue.String(),
				u.Price.String(),
				delay,
			)
		}

		sql := `INSERT INTO price_updates (
            tx_hash, log_index, block_number, block_timestamp,
            encoded_asset_id, timestamp_ns, quantized_value, price, time_delay_ms
        ) VALUES ` + strings.Join(placeholders, ",") + `
        ON CONFLICT (tx_hash, log_index) DO NOTHING;`

		if _, err := pool.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert price updates: %w", err)
		}
	}
	return nil
}

// UpsertDiscoveredAssets records every asset touched by a batch. Note the
// counter moves by one per batch per asset, not per event.
func (s *Store) UpsertDiscoveredAssets(ctx context.Context, assetIDs []string, maxBlock uint64) error {
	if len(assetIDs) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, id := range assetIDs {
		if _, err := pool.Exec(ctx, upsertDiscoveredAssetSQL, id, int64(maxBlock)); err != nil {
			return fmt.Errorf("upsert discovered asset %s: %w", id, err)
		}
	}
	return nil
}

// ReadCheckpoint loads the resume cursor. A missing singleton row reads as
// the zero checkpoint.
func (s *Store) ReadCheckpoint(ctx context.Context) (Checkpoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return Checkpoint{}, err
	}

	var (
		lastBlock int64
		chainTip  int64
		cp        Checkpoint
	)
	row := pool.QueryRow(ctx, readCheckpointSQL)
	if err := row.Scan(&lastBlock, &chainTip, &cp.IsBackfillComplete, &cp.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	cp.LastBlock = uint64(lastBlock)
	cp.ChainTip = uint64(chainTip)
	return cp, nil
}

// checkStateRow guards the singleton UPDATEs: the schema seeds the
// indexer_state row, so touching zero rows means migrate never ran and the
// cursor write was silently lost.
func checkStateRow(tag pgconn.CommandTag, op string) error {
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%s: indexer_state row missing, apply the schema first", op)
	}
	return nil
}

// AdvanceCheckpoint moves last_block forward.
func (s *Store) AdvanceCheckpoint(ctx context.Context, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, advanceCheckpointSQL, int64(block))
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return checkStateRow(tag, "advance checkpoint")
}

// CompleteBackfill moves last_block forward and latches the completion flag.
func (s *Store) CompleteBackfill(ctx context.Context, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, completeBackfillSQL, int64(block))
	if err != nil {
		return fmt.Errorf("complete backfill: %w", err)
	}
	return checkStateRow(tag, "complete backfill")
}

// RecordChainTip stores the latest observed chain height. Informational,
// independent of last_block.
func (s *Store) RecordChainTip(ctx context.Context, tip uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, recordChainTipSQL, int64(tip))
	if err != nil {
		return fmt.Errorf("record chain tip: %w", err)
	}
	return checkStateRow(tag, "record chain tip")
}

// CountPriceUpdates counts stored events.
func (s *Store) CountPriceUpdates(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countPriceUpdatesSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count price updates: %w", err)
	}
	return count, nil
}

// ListAssets lists discovered assets ordered by recency.
func (s *Store) ListAssets(ctx context.Context, limit int) ([]DiscoveredAsset, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listAssetsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := make([]DiscoveredAsset, 0, limit)
	for rows.Next() {
		var (
			a         DiscoveredAsset
			firstSeen int64
			lastSeen  int64
		)
		if err := rows.Scan(&a.EncodedAssetID, &firstSeen, &lastSeen, &a.UpdateCount); err != nil {
			return nil, err
		}
		a.FirstSeenBlock = uint64(firstSeen)
		a.LastSeenBlock = uint64(lastSeen)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// ListRecentIssues lists the most recently detected issues.
func (s *Store) ListRecentIssues(ctx context.Context, limit int) ([]DetectedIssue, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentIssuesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent issues: %w", err)
	}
	defer rows.Close()

	return scanIssues(rows)
}

// ListUpdatesForAsset returns one asset's updates inside [from, to), ordered
// by (block_number, log_index).
func (s *Store) ListUpdatesForAsset(ctx context.Context, assetID string, from, to time.Time) ([]PriceUpdate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listUpdatesForAssetSQL, assetID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("list updates for asset: %w", err)
	}
	defer rows.Close()

	updates := make([]PriceUpdate, 0)
	for rows.Next() {
		u, err := scanPriceUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func scanPriceUpdate(rows pgx.Rows) (PriceUpdate, error) {
	var (
		u           PriceUpdate
		logIndex    int64
		blockNumber int64
		timestampNs string
		quantized   string
		priceStr    string
		timeDelayMs *int64
	)

	if err := rows.Scan(
		&u.TxHash,
		&logIndex,
		&blockNumber,
		&u.BlockTimestamp,
		&u.EncodedAssetID,
		&timestampNs,
		&quantized,
		&priceStr,
		&timeDelayMs,
	); err != nil {
		return PriceUpdate{}, err
	}

	u.LogIndex = uint32(logIndex)
	u.BlockNumber = uint64(blockNumber)
	u.TimeDelayMs = timeDelayMs

	ns, err := strconv.ParseUint(timestampNs, 10, 64)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse timestamp_ns: %w", err)
	}
	u.TimestampNs = ns

	qv, ok := new(big.Int).SetString(quantized, 10)
	if !ok {
		return PriceUpdate{}, fmt.Errorf("parse quantized_value %q", quantized)
	}
	u.QuantizedValue = qv

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price: %w", err)
	}
	u.Price = price

	return u, nil
}

func scanIssues(rows pgx.Rows) ([]DetectedIssue, error) {
	issues := make([]DetectedIssue, 0)
	for rows.Next() {
		var (
			issue DetectedIssue
			block int64
		)
		if err := rows.Scan(
			&issue.ID,
			&issue.EncodedAssetID,
			&issue.IssueType,
			&issue.Severity,
			&issue.DetectedAt,
			&block,
			&issue.Details,
		); err != nil {
			return nil, err
		}
		issue.BlockNumber = uint64(block)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}
