package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"oracle-index/internal/chain"
	"oracle-index/internal/storage"
)

// fakeSource serves one synthetic log per block and lets tests inject
// per-call failures. FilterLogs runs from concurrent windows.
type fakeSource struct {
	mu     sync.Mutex
	tip    uint64
	ranges [][2]uint64
	// filterErr, when set, decides the error for each call before any logs
	// are served.
	filterErr func(from, to uint64) error
}

func (f *fakeSource) LatestHeight(context.Context) (uint64, error) {
	return f.tip, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, [2]uint64{from, to})
	f.mu.Unlock()

	if f.filterErr != nil {
		if err := f.filterErr(from, to); err != nil {
			return nil, err
		}
	}

	logs := make([]types.Log, 0, to-from+1)
	for bn := from; bn <= to; bn++ {
		logs = append(logs, types.Log{BlockNumber: bn})
	}
	return logs, nil
}

type fakeSink struct {
	mu     sync.Mutex
	blocks map[uint64]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{blocks: make(map[uint64]int)}
}

func (f *fakeSink) Process(_ context.Context, logs []types.Log) (int, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var maxBlock uint64
	for _, log := range logs {
		f.blocks[log.BlockNumber]++
		if log.BlockNumber > maxBlock {
			maxBlock = log.BlockNumber
		}
	}
	return len(logs), maxBlock, nil
}

type fakeCheckpoints struct {
	cp       storage.Checkpoint
	advances []uint64
}

func (f *fakeCheckpoints) ReadCheckpoint(context.Context) (storage.Checkpoint, error) {
	return f.cp, nil
}

func (f *fakeCheckpoints) AdvanceCheckpoint(_ context.Context, block uint64) error {
	f.advances = append(f.advances, block)
	f.cp.LastBlock = block
	return nil
}

func (f *fakeCheckpoints) CompleteBackfill(_ context.Context, block uint64) error {
	f.cp.LastBlock = block
	f.cp.IsBackfillComplete = true
	return nil
}

func (f *fakeCheckpoints) RecordChainTip(_ context.Context, tip uint64) error {
	f.cp.ChainTip = tip
	return nil
}

func (f *fakeSink) assertEachBlockOnce(t *testing.T, from, to uint64) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for bn := from; bn <= to; bn++ {
		if f.blocks[bn] != 1 {
			t.Fatalf("block %d ingested %d times, want 1", bn, f.blocks[bn])
		}
	}
	if len(f.blocks) != int(to-from+1) {
		t.Fatalf("ingested %d distinct blocks, want %d", len(f.blocks), to-from+1)
	}
}

func TestRunDrainsToTip(t *testing.T) {
	source := &fakeSource{tip: 25}
	sink := newFakeSink()
	cps := &fakeCheckpoints{}

	engine := New(source, sink, cps, Options{StartBlock: 1, BatchSize: 10, Concurrency: 2}, zerolog.Nop())
	last, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != 25 {
		t.Fatalf("Run returned %d, want 25", last)
	}

	sink.assertEachBlockOnce(t, 1, 25)

	// Two windows per round: [1,10][11,20], then [21,25].
	wantAdvances := []uint64{20, 25}
	if len(cps.advances) != len(wantAdvances) {
		t.Fatalf("checkpoint advances = %v, want %v", cps.advances, wantAdvances)
	}
	for i, want := range wantAdvances {
		if cps.advances[i] != want {
			t.Fatalf("checkpoint advances = %v, want %v", cps.advances, wantAdvances)
		}
	}

	if !cps.cp.IsBackfillComplete || cps.cp.LastBlock != 25 {
		t.Fatalf("final checkpoint = %+v, want complete at 25", cps.cp)
	}
	if cps.cp.ChainTip != 25 {
		t.Fatalf("chain tip = %d, want 25", cps.cp.ChainTip)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	source := &fakeSource{tip: 30}
	sink := newFakeSink()
	cps := &fakeCheckpoints{cp: storage.Checkpoint{LastBlock: 10}}

	engine := New(source, sink, cps, Options{StartBlock: 1, BatchSize: 10, Concurrency: 2}, zerolog.Nop())
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sink.assertEachBlockOnce(t, 11, 30)
	source.mu.Lock()
	defer source.mu.Unlock()
	for _, r := range source.ranges {
		if r[0] <= 10 {
			t.Fatalf("fetched range %v below the checkpoint", r)
		}
	}
}

func TestRunAlreadyComplete(t *testing.T) {
	source := &fakeSource{tip: 100}
	cps := &fakeCheckpoints{cp: storage.Checkpoint{LastBlock: 42, IsBackfillComplete: true}}

	engine := New(source, newFakeSink(), cps, Options{StartBlock: 1, BatchSize: 10, Concurrency: 2}, zerolog.Nop())
	last, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != 42 {
		t.Fatalf("Run returned %d, want the checkpointed 42", last)
	}
	if len(source.ranges) != 0 {
		t.Fatalf("completed backfill still fetched ranges: %v", source.ranges)
	}
}

func TestRunAlreadyCaughtUp(t *testing.T) {
	source := &fakeSource{tip: 25}
	cps := &fakeCheckpoints{cp: storage.Checkpoint{LastBlock: 30}}

	engine := New(source, newFakeSink(), cps, Options{StartBlock: 1, BatchSize: 10, Concurrency: 2}, zerolog.Nop())
	last, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != 25 {
		t.Fatalf("Run returned %d, want tip 25", last)
	}
	if !cps.cp.IsBackfillComplete {
		t.Fatal("caught-up run must latch the complete flag")
	}
}

func TestRunSplitsOversizedRanges(t *testing.T) {
	// The client surfaces provider refusals as ErrRangeTooLarge; the engine
	// only ever sees the classified form.
	source := &fakeSource{
		tip: 40,
		filterErr: func(from, to uint64) error {
			if to-from+1 > 4 {
				return fmt.Errorf("%w: query exceeds max results 20000", chain.ErrRangeTooLarge)
			}
			return nil
		},
	}
	sink := newFakeSink()
	cps := &fakeCheckpoints{}

	engine := New(source, sink, cps, Options{StartBlock: 1, BatchSize: 20, Concurrency: 2}, zerolog.Nop())
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Bisection must cover every block exactly once despite the splits.
	sink.assertEachBlockOnce(t, 1, 40)
}

func TestRunSingleBlockOverflow(t *testing.T) {
	source := &fakeSource{
		tip: 3,
		filterErr: func(from, to uint64) error {
			return fmt.Errorf("%w: response size exceeded", chain.ErrRangeTooLarge)
		},
	}
	sink := newFakeSink()
	cps := &fakeCheckpoints{}

	engine := New(source, sink, cps, Options{StartBlock: 1, BatchSize: 10, Concurrency: 1}, zerolog.Nop())
	last, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != 3 {
		t.Fatalf("Run returned %d, want 3", last)
	}

	// Every block overflowed even alone, so nothing is ingested but the
	// backfill still completes.
	sink.mu.Lock()
	ingested := len(sink.blocks)
	sink.mu.Unlock()
	if ingested != 0 {
		t.Fatalf("ingested %d blocks, want 0", ingested)
	}
	if !cps.cp.IsBackfillComplete {
		t.Fatal("backfill should complete past abandoned blocks")
	}
}

func TestRunRetryExhaustionAborts(t *testing.T) {
	transient := errors.New("connection refused")
	source := &fakeSource{
		tip: 20,
		filterErr: func(from, to uint64) error {
			return transient
		},
	}
	cps := &fakeCheckpoints{}

	engine := New(source, newFakeSink(), cps, Options{StartBlock: 1, BatchSize: 10, Concurrency: 2, RetryAttempts: 0}, zerolog.Nop())
	if _, err := engine.Run(context.Background()); !errors.Is(err, transient) {
		t.Fatalf("expected the transient error to surface, got %v", err)
	}
	if len(cps.advances) != 0 {
		t.Fatalf("failed round advanced the checkpoint: %v", cps.advances)
	}
	if cps.cp.IsBackfillComplete {
		t.Fatal("failed run must not latch the complete flag")
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	failures := map[[2]uint64]int{}
	source := &fakeSource{
		tip: 10,
		filterErr: func(from, to uint64) error {
			mu.Lock()
			defer mu.Unlock()
			if failures[[2]uint64{from, to}] == 0 {
				failures[[2]uint64{from, to}]++
				return errors.New("i/o timeout")
			}
			return nil
		},
	}
	sink := newFakeSink()
	cps := &fakeCheckpoints{}

	engine := New(source, sink, cps, Options{StartBlock: 1, BatchSize: 10, Concurrency: 1, RetryAttempts: 2}, zerolog.Nop())
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sink.assertEachBlockOnce(t, 1, 10)
}

func TestBuildRound(t *testing.T) {
	windows := buildRound(1, 25, 10, 3)
	want := []window{{1, 10}, {11, 20}, {21, 25}}
	if len(windows) != len(want) {
		t.Fatalf("windows = %v, want %v", windows, want)
	}
	for i := range want {
		if windows[i] != want[i] {
			t.Fatalf("windows = %v, want %v", windows, want)
		}
	}

	// Fewer remaining blocks than slots: the round shrinks.
	windows = buildRound(21, 25, 10, 3)
	if len(windows) != 1 || windows[0] != (window{21, 25}) {
		t.Fatalf("windows = %v, want [{21 25}]", windows)
	}
}

func TestFetchRangeHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &fakeSource{
		tip: 10,
		filterErr: func(from, to uint64) error {
			return errors.New("connection refused")
		},
	}
	engine := New(source, newFakeSink(), &fakeCheckpoints{}, Options{StartBlock: 1, BatchSize: 10, Concurrency: 1, RetryAttempts: 3}, zerolog.Nop())

	if _, err := engine.fetchRange(ctx, 1, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
