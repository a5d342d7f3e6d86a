package decode

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-index/internal/storage"
)

// The oracle contract emits one ValueUpdate per published price. The asset id
// is the indexed topic; timestamp and quantized value travel in the data.
const valueUpdateABIJSON = `[{"type":"event","name":"ValueUpdate","inputs":[
  {"name":"id","type":"bytes32","indexed":true},
  {"name":"timestampNs","type":"uint64","indexed":false},
  {"name":"quantizedValue","type":"int192","indexed":false}
]}]`

// quantizedDecimals is the implicit fixed-point scale of quantizedValue.
const quantizedDecimals = 18

var (
	valueUpdateABI abi.ABI
	valueUpdateID  common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(valueUpdateABIJSON))
	if err != nil {
		panic("failed to parse ValueUpdate ABI: " + err.Error())
	}
	valueUpdateABI = parsed
	valueUpdateID = parsed.Events["ValueUpdate"].ID
}

// EventTopics returns the topic filter matching ValueUpdate events.
func EventTopics() []common.Hash {
	return []common.Hash{valueUpdateID}
}

// Decoder turns raw logs into typed price updates.
type Decoder struct {
	logger zerolog.Logger
}

// NewDecoder constructs a Decoder.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{logger: logger.With().Str("component", "decoder").Logger()}
}

// Decode converts raw logs into PriceUpdate values using the supplied block
// timestamps. Logs that do not match the event shape, or whose payload fails
// to decode, are dropped with a warning; they never fail the batch. Returns
// the decoded updates and the distinct asset ids they touch.
func (d *Decoder) Decode(logs []types.Log, blockTimestamps map[uint64]int64) ([]storage.PriceUpdate, []string) {
	updates := make([]storage.PriceUpdate, 0, len(logs))
	assetIDs := make([]string, 0)
	seen := make(map[string]struct{})

	for _, log := range logs {
		if len(log.Topics) < 2 || log.Topics[0] != valueUpdateID {
			continue
		}

		values, err := valueUpdateABI.Unpack("ValueUpdate", log.Data)
		if err != nil || len(values) != 2 {
			d.logger.Warn().
				Err(err).
				Str("tx_hash", log.TxHash.Hex()).
				Uint("log_index", log.Index).
				Msg("failed to decode log, skipping")
			continue
		}

		timestampNs, tsOK := values[0].(uint64)
		quantized, qvOK := values[1].(*big.Int)
		if !tsOK || !qvOK {
			d.logger.Warn().
				Str("tx_hash", log.TxHash.Hex()).
				Uint("log_index", log.Index).
				Msg("unexpected field types in log, skipping")
			continue
		}

		// Block timestamp 0 is the explicit "unknown" sentinel; the delay
		// stays nil rather than pretending the publisher clock matched.
		blockTs := blockTimestamps[log.BlockNumber]
		var timeDelayMs *int64
		if blockTs > 0 {
			delay := delayMillis(blockTs, timestampNs)
			timeDelayMs = &delay
		}

		assetID := log.Topics[1].Hex()
		updates = append(updates, storage.PriceUpdate{
			TxHash:         log.TxHash.Hex(),
			LogIndex:       uint32(log.Index),
			BlockNumber:    log.BlockNumber,
			BlockTimestamp: blockTs,
			EncodedAssetID: assetID,
			TimestampNs:    timestampNs,
			QuantizedValue: quantized,
			Price:          decimal.NewFromBigInt(quantized, -quantizedDecimals),
			TimeDelayMs:    timeDelayMs,
		})

		if _, ok := seen[assetID]; !ok {
			seen[assetID] = struct{}{}
			assetIDs = append(assetIDs, assetID)
		}
	}

	return updates, assetIDs
}

// delayMillis computes round((blockTs - timestampNs/1e9) * 1000) in integer
// arithmetic; float64 cannot hold a nanosecond timestamp exactly. Negative
// results mean the publisher clock led block time.
func delayMillis(blockTs int64, timestampNs uint64) int64 {
	publisherMs := int64((timestampNs + 500_000) / 1_000_000)
	return blockTs*1000 - publisherMs
}
