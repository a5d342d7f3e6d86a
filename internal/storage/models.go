package storage

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PriceUpdate is one decoded on-chain oracle event. Rows are immutable;
// (tx_hash, log_index) is the natural key and duplicate inserts are no-ops.
type PriceUpdate struct {
	TxHash         string
	LogIndex       uint32
	BlockNumber    uint64
	BlockTimestamp int64
	EncodedAssetID string
	TimestampNs    uint64
	QuantizedValue *big.Int
	Price          decimal.Decimal
	// TimeDelayMs is nil when the owning block's timestamp was unknown at
	// decode time (BlockTimestamp carries the 0 sentinel in that case).
	TimeDelayMs *int64
}

// DiscoveredAsset is the per-asset rollup maintained by the ingestion sink.
type DiscoveredAsset struct {
	EncodedAssetID string
	FirstSeenBlock uint64
	LastSeenBlock  uint64
	UpdateCount    int64
}

// Checkpoint is the singleton resume cursor for the indexer.
type Checkpoint struct {
	LastBlock          uint64
	ChainTip           uint64
	IsBackfillComplete bool
	UpdatedAt          time.Time
}

// Issue types emitted by the detectors.
const (
	IssueHighLatency = "high_latency"
	IssueGap         = "gap"
	IssuePriceJump   = "price_jump"
	IssueStalePrice  = "stale_price"
)

// Issue severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DetectedIssue is one appended anomaly record. At most one row exists per
// (encoded_asset_id, issue_type, block_number).
type DetectedIssue struct {
	ID             int64
	EncodedAssetID string
	IssueType      string
	Severity       string
	DetectedAt     time.Time
	BlockNumber    uint64
	Details        json.RawMessage
}
