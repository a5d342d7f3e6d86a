package app

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"oracle-index/internal/storage"
)

func makeUpdates(n int) []storage.PriceUpdate {
	updates := make([]storage.PriceUpdate, n)
	for i := range updates {
		delay := int64(100 + i)
		updates[i] = storage.PriceUpdate{
			TxHash:         "0xabc",
			LogIndex:       uint32(i),
			BlockNumber:    uint64(1000 + i),
			BlockTimestamp: int64(1700000000 + i),
			Price:          decimal.NewFromInt(int64(i)),
			TimeDelayMs:    &delay,
		}
	}
	return updates
}

func TestDownsampleUpdates(t *testing.T) {
	updates := makeUpdates(1000)

	got := downsampleUpdates(updates, 100)
	if len(got) != 100 {
		t.Fatalf("len = %d, want 100", len(got))
	}
	// First and last points always survive.
	if got[0].BlockNumber != updates[0].BlockNumber {
		t.Fatalf("first point = %d, want %d", got[0].BlockNumber, updates[0].BlockNumber)
	}
	if got[len(got)-1].BlockNumber != updates[len(updates)-1].BlockNumber {
		t.Fatalf("last point = %d, want %d", got[len(got)-1].BlockNumber, updates[len(updates)-1].BlockNumber)
	}
	// Order is preserved.
	for i := 1; i < len(got); i++ {
		if got[i].BlockNumber <= got[i-1].BlockNumber {
			t.Fatalf("downsample broke ordering at %d: %d <= %d", i, got[i].BlockNumber, got[i-1].BlockNumber)
		}
	}
}

func TestDownsampleUpdatesNoop(t *testing.T) {
	updates := makeUpdates(10)

	if got := downsampleUpdates(updates, 100); len(got) != 10 {
		t.Fatalf("len = %d, want all 10", len(got))
	}
	if got := downsampleUpdates(updates, 0); len(got) != 10 {
		t.Fatalf("max 0 should disable downsampling, got %d", len(got))
	}
}

func TestWriteUpdatesCSV(t *testing.T) {
	updates := makeUpdates(3)
	updates[1].TimeDelayMs = nil

	path := filepath.Join(t.TempDir(), "out", "updates.csv")
	if err := writeUpdatesCSV(path, updates); err != nil {
		t.Fatalf("writeUpdatesCSV: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if rows[0][0] != "tx_hash" || rows[0][5] != "time_delay_ms" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][5] != "100" {
		t.Fatalf("first delay = %q, want 100", rows[1][5])
	}
	if rows[2][5] != "" {
		t.Fatalf("nil delay should serialize empty, got %q", rows[2][5])
	}
	if rows[3][2] != "1002" {
		t.Fatalf("third block number = %q, want 1002", rows[3][2])
	}
}

func TestWriteUpdatesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	if err := writeUpdatesPNG(path, makeUpdates(50)); err != nil {
		t.Fatalf("writeUpdatesPNG: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat png: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("png is empty")
	}
}

func TestWriteUpdatesPNGTooFewPoints(t *testing.T) {
	updates := makeUpdates(5)
	for i := range updates {
		updates[i].BlockTimestamp = 0
	}

	path := filepath.Join(t.TempDir(), "chart.png")
	if err := writeUpdatesPNG(path, updates); err == nil {
		t.Fatal("expected error for updates without timestamps")
	}
}
