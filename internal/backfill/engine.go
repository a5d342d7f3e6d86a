package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-index/internal/chain"
	"oracle-index/internal/storage"
)

// LogSource is the chain surface the engine drains from.
type LogSource interface {
	LatestHeight(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// BatchSink persists one fetched log batch.
type BatchSink interface {
	Process(ctx context.Context, logs []types.Log) (int, uint64, error)
}

// Options tune the engine.
type Options struct {
	StartBlock    uint64
	BatchSize     uint64
	Concurrency   int
	RetryAttempts int
}

// window is one fixed-size block range within a round.
type window struct {
	from uint64
	to   uint64
}

// Engine drains [checkpoint+1, chain tip] into the sink, then latches the
// backfill-complete flag. The checkpoint only ever advances at round
// boundaries, so after a crash the resume point has no gaps behind it.
type Engine struct {
	source      LogSource
	sink        BatchSink
	checkpoints storage.CheckpointStore
	opts        Options
	logger      zerolog.Logger
}

// New constructs a backfill engine.
func New(source LogSource, sink BatchSink, checkpoints storage.CheckpointStore, opts Options, logger zerolog.Logger) *Engine {
	if opts.BatchSize == 0 {
		opts.BatchSize = 1000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Engine{
		source:      source,
		sink:        sink,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      logger.With().Str("component", "backfill").Logger(),
	}
}

// Run executes the backfill to the chain tip observed at start and returns
// the final checkpointed block. A window that exhausts its retry budget
// aborts the whole run; the last checkpointed round is the resume point.
func (e *Engine) Run(ctx context.Context) (uint64, error) {
	cp, err := e.checkpoints.ReadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	if cp.IsBackfillComplete {
		e.logger.Info().Uint64("last_block", cp.LastBlock).Msg("backfill already complete")
		return cp.LastBlock, nil
	}

	tip, err := e.source.LatestHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("read chain tip: %w", err)
	}
	if err := e.checkpoints.RecordChainTip(ctx, tip); err != nil {
		return 0, err
	}

	from := e.opts.StartBlock
	if cp.LastBlock >= e.opts.StartBlock {
		from = cp.LastBlock + 1
	}

	if from > tip {
		if err := e.checkpoints.CompleteBackfill(ctx, tip); err != nil {
			return 0, err
		}
		return tip, nil
	}

	e.logger.Info().
		Uint64("from_block", from).
		Uint64("to_block", tip).
		Uint64("total_blocks", tip-from+1).
		Int("concurrency", e.opts.Concurrency).
		Msg("starting backfill")

	totalEvents := 0
	for from <= tip {
		windows := buildRound(from, tip, e.opts.BatchSize, e.opts.Concurrency)

		g, gctx := errgroup.WithContext(ctx)
		events := make([]int, len(windows))
		for i, w := range windows {
			g.Go(func() error {
				logs, err := e.fetchRange(gctx, w.from, w.to)
				if err != nil {
					return err
				}
				if len(logs) == 0 {
					return nil
				}
				n, _, err := e.sink.Process(gctx, logs)
				events[i] = n
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return 0, fmt.Errorf("backfill round [%d,%d]: %w", windows[0].from, windows[len(windows)-1].to, err)
		}

		// Windows are built in ascending order, so the last window's end is
		// the round's highest block regardless of completion order.
		roundEnd := windows[len(windows)-1].to
		if err := e.checkpoints.AdvanceCheckpoint(ctx, roundEnd); err != nil {
			return 0, err
		}
		from = roundEnd + 1

		roundEvents := 0
		for _, n := range events {
			roundEvents += n
		}
		totalEvents += roundEvents
		e.logger.Info().
			Uint64("from_block", windows[0].from).
			Uint64("to_block", roundEnd).
			Int("windows", len(windows)).
			Int("events", roundEvents).
			Int("total_events", totalEvents).
			Msg("backfill round complete")
	}

	if err := e.checkpoints.CompleteBackfill(ctx, tip); err != nil {
		return 0, err
	}
	e.logger.Info().Int("total_events", totalEvents).Msg("backfill complete")
	return tip, nil
}

// buildRound slices [from, tip] into up to `concurrency` windows of
// `batchSize` blocks each, in ascending order.
func buildRound(from, tip, batchSize uint64, concurrency int) []window {
	windows := make([]window, 0, concurrency)
	cursor := from
	for i := 0; i < concurrency && cursor <= tip; i++ {
		to := cursor + batchSize - 1
		if to > tip {
			to = tip
		}
		windows = append(windows, window{from: cursor, to: to})
		cursor = to + 1
	}
	return windows
}

// fetchRange fetches logs for [from, to] with adaptive splitting. A range
// the provider refuses is bisected; a single block that still overflows is
// abandoned with a warning rather than retried forever. Transient failures
// retry with exponential backoff until the budget runs out.
func (e *Engine) fetchRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	for attempt := 0; ; attempt++ {
		logs, err := e.source.FilterLogs(ctx, from, to)
		if err == nil {
			return logs, nil
		}

		if errors.Is(err, chain.ErrRangeTooLarge) {
			if to > from {
				mid := from + (to-from)/2
				e.logger.Info().
					Uint64("from_block", from).
					Uint64("to_block", to).
					Uint64("mid", mid).
					Msg("result limit exceeded, halving range")
				first, err := e.fetchRange(ctx, from, mid)
				if err != nil {
					return nil, err
				}
				second, err := e.fetchRange(ctx, mid+1, to)
				if err != nil {
					return nil, err
				}
				return append(first, second...), nil
			}
			e.logger.Warn().Uint64("block", from).Msg("single block exceeds provider result limit")
			return nil, nil
		}

		if attempt >= e.opts.RetryAttempts {
			return nil, fmt.Errorf("fetch logs [%d,%d]: %w", from, to, err)
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		e.logger.Warn().
			Err(err).
			Uint64("from_block", from).
			Uint64("to_block", to).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("log fetch failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
