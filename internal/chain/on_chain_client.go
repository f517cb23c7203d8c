// Package chain implements the Chain Source contract (spec §4.4) over
// an Ethereum-style JSON-RPC endpoint using go-ethereum's ethclient.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/intuition-systems/chain-indexer/pkg/models"
)

// Source is the interface the Batch Fetcher drives (spec §4.4): head
// height, one block by number, and an optional new-heads subscription.
// Implementations must be safe for concurrent use, since the Batch
// Fetcher issues up to BATCH_SIZE concurrent Block calls.
type Source interface {
	Head(ctx context.Context) (uint64, error)
	Block(ctx context.Context, number uint64) (models.BlockData, error)
	SubscribeHeads(ctx context.Context) (<-chan uint64, ethereum.Subscription, error)
}

// OnChainClient is the ethclient-backed Source implementation.
//
// Transaction hashes are rendered via common.Hash.Hex(), which for a
// plain 32-byte hash (no EIP-55 checksum applies, unlike addresses)
// produces the canonical lowercase "0x"-prefixed hex form the spec
// asks for (SPEC_FULL.md §C.3).
type OnChainClient struct {
	rpcClient *ethclient.Client
	wsClient  *ethclient.Client
	logger    zerolog.Logger
}

// NewClient dials the HTTP RPC endpoint (required) and, if wsURL is
// non-empty, the WebSocket endpoint (optional; failures there are
// logged and otherwise ignored, matching the teacher's
// "failed to connect to WebSocket endpoint, will use HTTP only").
func NewClient(httpURL, wsURL string, logger zerolog.Logger) (*OnChainClient, error) {
	rpcClient, err := ethclient.Dial(httpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	var wsClient *ethclient.Client
	if wsURL != "" {
		wsClient, err = ethclient.Dial(wsURL)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("ws_url", wsURL).
				Msg("failed to connect to websocket endpoint, will use HTTP polling only")
			wsClient = nil
		}
	}

	logger.Info().
		Str("http_url", httpURL).
		Bool("has_websocket", wsClient != nil).
		Msg("chain source initialized")

	return &OnChainClient{
		rpcClient: rpcClient,
		wsClient:  wsClient,
		logger:    logger,
	}, nil
}

// Head returns the current chain head height.
func (c *OnChainClient) Head(ctx context.Context) (uint64, error) {
	number, err := c.rpcClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return number, nil
}

// Block fetches one block by number, with its transaction hashes in
// chain order. Fails if the block is not yet available or not found.
func (c *OnChainClient) Block(ctx context.Context, number uint64) (models.BlockData, error) {
	block, err := c.rpcClient.BlockByNumber(ctx, big.NewInt(int64(number)))
	if err != nil {
		return models.BlockData{}, fmt.Errorf("failed to fetch block %d: %w", number, err)
	}

	txs := block.Transactions()
	hashes := make([]string, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash().Hex()
	}

	return models.BlockData{
		Number:       block.NumberU64(),
		Timestamp:    block.Time(),
		Transactions: hashes,
	}, nil
}

// SubscribeHeads subscribes to new block headers via WebSocket. This
// is the optional path spec.md §4.4 and §9 describe: implemented for
// future use, but the Controller's Live mode never calls it — polling
// is the sole authoritative driver.
func (c *OnChainClient) SubscribeHeads(ctx context.Context) (<-chan uint64, ethereum.Subscription, error) {
	if c.wsClient == nil {
		return nil, nil, fmt.Errorf("websocket client not available")
	}

	headers := make(chan *types.Header)
	sub, err := c.wsClient.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}

	numbers := make(chan uint64)
	go func() {
		defer close(numbers)
		for {
			select {
			case <-ctx.Done():
				return
			case h, ok := <-headers:
				if !ok {
					return
				}
				select {
				case numbers <- h.Number.Uint64():
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return numbers, sub, nil
}

// Close closes the client connections.
func (c *OnChainClient) Close() {
	c.rpcClient.Close()
	if c.wsClient != nil {
		c.wsClient.Close()
	}
	c.logger.Info().Msg("chain source closed")
}
