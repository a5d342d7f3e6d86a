package decode

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

func packValueUpdate(t *testing.T, assetID common.Hash, timestampNs uint64, quantized *big.Int) types.Log {
	t.Helper()

	data, err := valueUpdateABI.Events["ValueUpdate"].Inputs.NonIndexed().Pack(timestampNs, quantized)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	return types.Log{
		Address:     common.HexToAddress("0xacC0a0cF13571d30B4b8637996F5D6D774d4fd62"),
		Topics:      []common.Hash{valueUpdateID, assetID},
		Data:        data,
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xabc1"),
		Index:       0,
	}
}

func TestDecodeDerivedFields(t *testing.T) {
	// -123456789000000000000 at 18 decimals is -123.456789; a publisher
	// timestamp 1.5s behind block time must yield a 1500ms delay.
	quantized, ok := new(big.Int).SetString("-123456789000000000000", 10)
	if !ok {
		t.Fatal("parse quantized value")
	}
	const blockTs = int64(1700000001)
	const timestampNs = uint64(1699999999500000000)

	assetID := common.HexToHash("0x7404e3d104ea7841c3d9e6fd20adfe99b4ad586bc08d8f3bd3afef894cf184de")
	log := packValueUpdate(t, assetID, timestampNs, quantized)

	decoder := NewDecoder(zerolog.Nop())
	updates, assetIDs := decoder.Decode([]types.Log{log}, map[uint64]int64{100: blockTs})

	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	u := updates[0]

	if u.Price.String() != "-123.456789" {
		t.Fatalf("price = %q, want -123.456789", u.Price.String())
	}
	if u.TimeDelayMs == nil || *u.TimeDelayMs != 1500 {
		t.Fatalf("time_delay_ms = %v, want 1500", u.TimeDelayMs)
	}
	if u.BlockTimestamp != blockTs {
		t.Fatalf("block_timestamp = %d, want %d", u.BlockTimestamp, blockTs)
	}
	if u.TimestampNs != timestampNs {
		t.Fatalf("timestamp_ns = %d, want %d", u.TimestampNs, timestampNs)
	}
	if u.EncodedAssetID != assetID.Hex() {
		t.Fatalf("encoded_asset_id = %s, want %s", u.EncodedAssetID, assetID.Hex())
	}
	if len(assetIDs) != 1 || assetIDs[0] != assetID.Hex() {
		t.Fatalf("asset ids = %v", assetIDs)
	}
}

func TestDecodeNegativeDelay(t *testing.T) {
	// Publisher clock ahead of block time: delay goes negative, not nil.
	log := packValueUpdate(t, common.HexToHash("0x01"), uint64(1700000002_000000000), big.NewInt(1e18))

	decoder := NewDecoder(zerolog.Nop())
	updates, _ := decoder.Decode([]types.Log{log}, map[uint64]int64{100: 1700000001})

	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].TimeDelayMs == nil || *updates[0].TimeDelayMs != -1000 {
		t.Fatalf("time_delay_ms = %v, want -1000", updates[0].TimeDelayMs)
	}
}

func TestDecodeUnknownBlockTimestamp(t *testing.T) {
	log := packValueUpdate(t, common.HexToHash("0x01"), uint64(1700000000_000000000), big.NewInt(1e18))

	decoder := NewDecoder(zerolog.Nop())
	updates, _ := decoder.Decode([]types.Log{log}, map[uint64]int64{})

	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].TimeDelayMs != nil {
		t.Fatalf("time_delay_ms should be nil for unknown block timestamp, got %d", *updates[0].TimeDelayMs)
	}
	if updates[0].BlockTimestamp != 0 {
		t.Fatalf("block_timestamp sentinel should be 0, got %d", updates[0].BlockTimestamp)
	}
}

func TestDecodeSkipsForeignAndMalformedLogs(t *testing.T) {
	good := packValueUpdate(t, common.HexToHash("0x02"), uint64(1700000000_000000000), big.NewInt(2e18))

	foreign := good
	foreign.Topics = []common.Hash{common.HexToHash("0xdead"), common.HexToHash("0x02")}

	malformed := good
	malformed.Data = []byte{0x01, 0x02}

	decoder := NewDecoder(zerolog.Nop())
	updates, assetIDs := decoder.Decode([]types.Log{foreign, malformed, good}, map[uint64]int64{100: 1700000000})

	if len(updates) != 1 {
		t.Fatalf("expected only the well-formed log to decode, got %d updates", len(updates))
	}
	if len(assetIDs) != 1 {
		t.Fatalf("expected 1 asset id, got %d", len(assetIDs))
	}
}

func TestDecodeDeduplicatesAssetIDs(t *testing.T) {
	a := packValueUpdate(t, common.HexToHash("0x03"), uint64(1700000000_000000000), big.NewInt(1e18))
	b := packValueUpdate(t, common.HexToHash("0x03"), uint64(1700000001_000000000), big.NewInt(2e18))
	b.Index = 1

	decoder := NewDecoder(zerolog.Nop())
	updates, assetIDs := decoder.Decode([]types.Log{a, b}, map[uint64]int64{100: 1700000000})

	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if len(assetIDs) != 1 {
		t.Fatalf("expected deduplicated asset ids, got %v", assetIDs)
	}
}
