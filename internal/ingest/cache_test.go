package ingest

import "testing"

func TestTimestampCacheHitAndMiss(t *testing.T) {
	c := newTimestampCache(10)

	c.put(100, 1700000000)
	if ts, ok := c.get(100); !ok || ts != 1700000000 {
		t.Fatalf("get(100) = %d, %v; want 1700000000, true", ts, ok)
	}
	if _, ok := c.get(101); ok {
		t.Fatal("get(101) should miss")
	}
}

func TestTimestampCacheEvictsOldestHalf(t *testing.T) {
	c := newTimestampCache(4)

	for bn := uint64(1); bn <= 5; bn++ {
		c.put(bn, int64(1700000000+bn))
	}

	// Inserting the 5th entry trips the bound; blocks 1 and 2 go.
	if got := c.len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}
	for _, bn := range []uint64{1, 2} {
		if _, ok := c.get(bn); ok {
			t.Fatalf("block %d should have been evicted", bn)
		}
	}
	for _, bn := range []uint64{3, 4, 5} {
		if _, ok := c.get(bn); !ok {
			t.Fatalf("block %d should have survived eviction", bn)
		}
	}
}

func TestTimestampCacheOverwrite(t *testing.T) {
	c := newTimestampCache(10)

	c.put(7, 1)
	c.put(7, 2)
	if ts, _ := c.get(7); ts != 2 {
		t.Fatalf("get(7) = %d, want 2", ts)
	}
	if c.len() != 1 {
		t.Fatalf("len = %d, want 1", c.len())
	}
}
