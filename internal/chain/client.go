package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// timestampBatchSize caps how many eth_getBlockByNumber calls travel in one
// JSON-RPC batch request.
const timestampBatchSize = 100

// Subscription is the live log feed handle returned by SubscribeLogs.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Client is the request/response and push surface the indexer needs from the
// chain. Retry policy lives with the callers, not here.
type Client interface {
	// LatestHeight returns the current chain tip.
	LatestHeight(ctx context.Context) (uint64, error)
	// FilterLogs fetches oracle logs in the inclusive block range [from, to].
	// Returns ErrRangeTooLarge when the provider rejects the range.
	FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
	// BlockTimestamps resolves block numbers to their chain-assigned
	// timestamps (seconds), batching the underlying RPC calls.
	BlockTimestamps(ctx context.Context, blocks []uint64) (map[uint64]int64, error)
	// SubscribeLogs opens a push subscription delivering new oracle logs.
	SubscribeLogs(ctx context.Context, sink chan<- types.Log) (Subscription, error)
	Close()
}

// Options parameterise the RPC client.
type Options struct {
	HTTPURL         string
	WSURL           string
	ContractAddress common.Address
	EventTopics     []common.Hash
	RequestTimeout  time.Duration
}

// RPCClient talks to an EVM node over HTTP, plus WebSocket for subscriptions.
type RPCClient struct {
	opts   Options
	logger zerolog.Logger

	eth *ethclient.Client
	raw *rpc.Client

	wsMux sync.Mutex
	ws    *ethclient.Client
}

// Dial connects the HTTP transport. The WebSocket transport is dialed lazily
// on the first SubscribeLogs call so a missing WS endpoint only degrades the
// live tail to polling.
func Dial(ctx context.Context, opts Options, logger zerolog.Logger) (*RPCClient, error) {
	if opts.HTTPURL == "" {
		return nil, fmt.Errorf("chain http url not configured")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	raw, err := rpc.DialContext(ctx, opts.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", opts.HTTPURL, err)
	}

	return &RPCClient{
		opts:   opts,
		logger: logger.With().Str("component", "chain_client").Logger(),
		eth:    ethclient.NewClient(raw),
		raw:    raw,
	}, nil
}

// LatestHeight returns the current block number.
func (c *RPCClient) LatestHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("get latest height: %w", err)
	}
	return height, nil
}

// FilterLogs fetches oracle contract logs for [from, to].
func (c *RPCClient) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	logs, err := c.eth.FilterLogs(ctx, c.filterQuery(from, to))
	if err != nil {
		return nil, classifyFilterError(err)
	}
	return logs, nil
}

// BlockTimestamps resolves timestamps for the given block numbers via
// batched eth_getBlockByNumber calls.
func (c *RPCClient) BlockTimestamps(ctx context.Context, blocks []uint64) (map[uint64]int64, error) {
	result := make(map[uint64]int64, len(blocks))

	for start := 0; start < len(blocks); start += timestampBatchSize {
		end := start + timestampBatchSize
		if end > len(blocks) {
			end = len(blocks)
		}
		chunk := blocks[start:end]

		batch := make([]rpc.BatchElem, len(chunk))
		headers := make([]*types.Header, len(chunk))
		for i, bn := range chunk {
			headers[i] = new(types.Header)
			batch[i] = rpc.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []interface{}{hexutil.EncodeUint64(bn), false},
				Result: headers[i],
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		err := c.raw.BatchCallContext(callCtx, batch)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("batch block fetch: %w", err)
		}

		for i, elem := range batch {
			if elem.Error != nil {
				return nil, fmt.Errorf("get block %d: %w", chunk[i], elem.Error)
			}
			result[chunk[i]] = int64(headers[i].Time)
		}
	}

	return result, nil
}

// SubscribeLogs opens a WebSocket log subscription for the oracle contract.
func (c *RPCClient) SubscribeLogs(ctx context.Context, sink chan<- types.Log) (Subscription, error) {
	if c.opts.WSURL == "" {
		return nil, fmt.Errorf("chain ws url not configured")
	}

	ws, err := c.wsClient(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := ws.SubscribeFilterLogs(ctx, c.filterQuery(0, 0), sink)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return sub, nil
}

// Close releases both transports.
func (c *RPCClient) Close() {
	c.raw.Close()
	c.wsMux.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsMux.Unlock()
}

func (c *RPCClient) filterQuery(from, to uint64) ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.opts.ContractAddress},
	}
	if len(c.opts.EventTopics) > 0 {
		q.Topics = [][]common.Hash{c.opts.EventTopics}
	}
	if to > 0 {
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(to)
	}
	return q
}

func (c *RPCClient) wsClient(ctx context.Context) (*ethclient.Client, error) {
	c.wsMux.Lock()
	defer c.wsMux.Unlock()

	if c.ws != nil {
		return c.ws, nil
	}

	ws, err := ethclient.DialContext(ctx, c.opts.WSURL)
	if err != nil {
		return nil, fmt.Errorf("dial ws %s: %w", c.opts.WSURL, err)
	}
	c.ws = ws
	return ws, nil
}

var _ Client = (*RPCClient)(nil)
