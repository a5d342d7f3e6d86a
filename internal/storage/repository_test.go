package storage

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestCheckStateRow(t *testing.T) {
	if err := checkStateRow(pgconn.NewCommandTag("UPDATE 1"), "advance checkpoint"); err != nil {
		t.Fatalf("one updated row should pass: %v", err)
	}

	err := checkStateRow(pgconn.NewCommandTag("UPDATE 0"), "advance checkpoint")
	if err == nil {
		t.Fatal("zero updated rows must error, not silently drop the cursor write")
	}
	if !strings.Contains(err.Error(), "indexer_state row missing") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "advance checkpoint") {
		t.Fatalf("error should carry the operation name: %v", err)
	}
}
