package ingest

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"oracle-index/internal/decode"
	"oracle-index/internal/storage"
)

// TimestampSource resolves block numbers to chain timestamps.
type TimestampSource interface {
	BlockTimestamps(ctx context.Context, blocks []uint64) (map[uint64]int64, error)
}

// Sink decodes raw log batches and persists them idempotently. It is shared
// by the backfill engine and the live tail.
type Sink struct {
	source  TimestampSource
	store   storage.EventWriter
	decoder *decode.Decoder
	cache   *timestampCache
	logger  zerolog.Logger
}

// NewSink constructs the ingestion sink. cacheSize bounds the process-local
// block-timestamp cache.
func NewSink(source TimestampSource, store storage.EventWriter, cacheSize int, logger zerolog.Logger) *Sink {
	return &Sink{
		source:  source,
		store:   store,
		decoder: decode.NewDecoder(logger),
		cache:   newTimestampCache(cacheSize),
		logger:  logger.With().Str("component", "ingest_sink").Logger(),
	}
}

// Process decodes and persists one raw log batch. Returns the number of
// events written and the highest block number in the batch. Re-processing
// the same batch is a no-op at the storage layer, except that the per-asset
// update counter moves once per call.
func (s *Sink) Process(ctx context.Context, logs []types.Log) (int, uint64, error) {
	if len(logs) == 0 {
		return 0, 0, nil
	}

	var maxBlock uint64
	blockSet := make(map[uint64]struct{})
	for _, log := range logs {
		blockSet[log.BlockNumber] = struct{}{}
		if log.BlockNumber > maxBlock {
			maxBlock = log.BlockNumber
		}
	}

	timestamps, err := s.resolveTimestamps(ctx, blockSet)
	if err != nil {
		return 0, 0, err
	}

	updates, assetIDs := s.decoder.Decode(logs, timestamps)
	if len(updates) == 0 {
		return 0, maxBlock, nil
	}

	if err := s.store.InsertPriceUpdates(ctx, updates); err != nil {
		return 0, 0, fmt.Errorf("persist price updates: %w", err)
	}
	if err := s.store.UpsertDiscoveredAssets(ctx, assetIDs, maxBlock); err != nil {
		return 0, 0, fmt.Errorf("persist discovered assets: %w", err)
	}

	s.logger.Debug().
		Int("events", len(updates)).
		Int("assets", len(assetIDs)).
		Uint64("max_block", maxBlock).
		Msg("batch persisted")

	return len(updates), maxBlock, nil
}

func (s *Sink) resolveTimestamps(ctx context.Context, blockSet map[uint64]struct{}) (map[uint64]int64, error) {
	result := make(map[uint64]int64, len(blockSet))
	missing := make([]uint64, 0)

	for bn := range blockSet {
		if ts, ok := s.cache.get(bn); ok {
			result[bn] = ts
		} else {
			missing = append(missing, bn)
		}
	}

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := s.source.BlockTimestamps(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("resolve block timestamps: %w", err)
	}
	for bn, ts := range fetched {
		result[bn] = ts
		s.cache.put(bn, ts)
	}

	return result, nil
}
