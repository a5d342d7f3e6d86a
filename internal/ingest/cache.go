package ingest

import (
	"sort"
	"sync"
)

// timestampCache is a bounded block-number → timestamp map. Once it grows
// past maxEntries the oldest half (by block number) is dropped; backfill and
// live tail both walk forward, so low block numbers are the cold ones.
type timestampCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[uint64]int64
}

func newTimestampCache(maxEntries int) *timestampCache {
	return &timestampCache{
		maxEntries: maxEntries,
		entries:    make(map[uint64]int64),
	}
}

func (c *timestampCache) get(block uint64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.entries[block]
	return ts, ok
}

func (c *timestampCache) put(block uint64, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[block] = ts
	if len(c.entries) <= c.maxEntries {
		return
	}

	blocks := make([]uint64, 0, len(c.entries))
	for bn := range c.entries {
		blocks = append(blocks, bn)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	for _, bn := range blocks[:len(blocks)/2] {
		delete(c.entries, bn)
	}
}

func (c *timestampCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
