package live

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"oracle-index/internal/chain"
	"oracle-index/internal/storage"
)

// ChainSource is the chain surface the tailer needs.
type ChainSource interface {
	LatestHeight(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, sink chan<- types.Log) (chain.Subscription, error)
}

// BatchSink persists one log batch.
type BatchSink interface {
	Process(ctx context.Context, logs []types.Log) (int, uint64, error)
}

// Tailer ingests events from the chain tip onward. It prefers the push
// subscription; once that fails it degrades to interval polling for the
// remainder of the run.
type Tailer struct {
	source       ChainSource
	sink         BatchSink
	checkpoints  storage.CheckpointStore
	pollInterval time.Duration
	logger       zerolog.Logger
}

// New constructs a live tailer.
func New(source ChainSource, sink BatchSink, checkpoints storage.CheckpointStore, pollInterval time.Duration, logger zerolog.Logger) *Tailer {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Tailer{
		source:       source,
		sink:         sink,
		checkpoints:  checkpoints,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "live_tail").Logger(),
	}
}

// Run blocks until ctx is cancelled, ingesting new events from fromBlock
// onward. Returns ctx.Err() on cancellation; ingestion failures inside the
// loop are logged, never fatal.
func (t *Tailer) Run(ctx context.Context, fromBlock uint64) error {
	ch := make(chan types.Log, 512)
	sub, err := t.source.SubscribeLogs(ctx, ch)
	if err != nil {
		t.logger.Warn().Err(err).Msg("subscription unavailable, using polling")
		return t.poll(ctx, fromBlock)
	}

	t.logger.Info().Uint64("from_block", fromBlock).Msg("live tail subscribed")

	lastSeen := fromBlock
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return ctx.Err()

		case err := <-sub.Err():
			// One-way transition: no resubscribe attempt within this run.
			t.logger.Error().Err(err).Msg("subscription died, falling back to polling")
			sub.Unsubscribe()
			return t.poll(ctx, lastSeen)

		case first := <-ch:
			batch := drainLogs(ch, first)
			n, maxBlock, err := t.sink.Process(ctx, batch)
			if err != nil {
				t.logger.Error().Err(err).Msg("failed to process live batch")
				continue
			}
			// last_block only moves forward. A late batch below the cursor is
			// still persisted above, but must not drag the checkpoint back.
			if maxBlock > lastSeen {
				lastSeen = maxBlock
				if err := t.checkpoints.AdvanceCheckpoint(ctx, maxBlock); err != nil {
					t.logger.Error().Err(err).Msg("failed to advance checkpoint")
					continue
				}
			}
			t.logger.Debug().Int("events", n).Uint64("block", maxBlock).Msg("live batch processed")
		}
	}
}

// drainLogs gathers whatever else the subscription already delivered so the
// batch is persisted in one round trip.
func drainLogs(ch <-chan types.Log, first types.Log) []types.Log {
	batch := []types.Log{first}
	for {
		select {
		case log := <-ch:
			batch = append(batch, log)
		default:
			return batch
		}
	}
}

func (t *Tailer) poll(ctx context.Context, lastPolled uint64) error {
	t.logger.Info().Uint64("from_block", lastPolled).Dur("interval", t.pollInterval).Msg("starting polling")

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lastPolled = t.pollOnce(ctx, lastPolled)
		}
	}
}

// pollOnce runs a single poll cycle and returns the new cursor. A failed
// cycle keeps the old cursor so the next tick retries the same range.
func (t *Tailer) pollOnce(ctx context.Context, lastPolled uint64) uint64 {
	latest, err := t.source.LatestHeight(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("poll: failed to read chain height")
		return lastPolled
	}
	if err := t.checkpoints.RecordChainTip(ctx, latest); err != nil {
		t.logger.Error().Err(err).Msg("poll: failed to record chain tip")
	}

	if latest <= lastPolled {
		return lastPolled
	}

	logs, err := t.source.FilterLogs(ctx, lastPolled+1, latest)
	if err != nil {
		t.logger.Error().Err(err).Uint64("from_block", lastPolled+1).Uint64("to_block", latest).Msg("poll: log fetch failed")
		return lastPolled
	}

	if len(logs) > 0 {
		if _, _, err := t.sink.Process(ctx, logs); err != nil {
			t.logger.Error().Err(err).Msg("poll: failed to process batch")
			return lastPolled
		}
	}

	if err := t.checkpoints.AdvanceCheckpoint(ctx, latest); err != nil {
		t.logger.Error().Err(err).Msg("poll: failed to advance checkpoint")
		return lastPolled
	}

	if len(logs) > 0 {
		t.logger.Debug().Int("events", len(logs)).Uint64("block", latest).Msg("poll: events processed")
	}
	return latest
}
