package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"affiliateScope/internal/model"
)

const defaultCallTimeout = 30 * time.Second

// Client wraps go-ethereum RPC for one chain and tags every error with an ErrorKind.
type Client struct {
	chain     model.ChainConfig
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	timeout   time.Duration

	mu      sync.RWMutex
	tsCache map[uint64]uint64
}

// NewClient dials the chain's RPC endpoint.
func NewClient(ctx context.Context, chainCfg model.ChainConfig, timeout time.Duration) (*Client, error) {
	if chainCfg.RPCURL == "" {
		return nil, fmt.Errorf("chain %s: rpc url is required", chainCfg.ID)
	}
	rpcClient, err := rpc.DialContext(ctx, chainCfg.RPCURL)
	if err != nil {
		return nil, wrap("dial", err)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	return &Client{
		chain:     chainCfg,
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		timeout:   timeout,
		tsCache:   make(map[uint64]uint64),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Chain returns the configuration the client was built for.
func (c *Client) Chain() model.ChainConfig {
	return c.chain
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	id, err := c.ethClient.ChainID(ctx)
	return id, wrap("eth_chainId", err)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.ethClient.BlockNumber(ctx)
	return n, wrap("eth_blockNumber", err)
}

// GetBlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) GetBlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	header, err := c.ethClient.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, wrap("eth_getBlockByNumber", err)
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()

	return ts, nil
}

// GetLogs returns logs in [fromBlock, toBlock]. An empty address matches any
// emitter; topics are positional OR-lists where an empty position matches anything.
func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64, address string, topics [][]string) ([]model.LogRecord, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
	}
	if address != "" {
		if !common.IsHexAddress(address) {
			return nil, &Error{Kind: Permanent, Op: "eth_getLogs", Err: fmt.Errorf("invalid address: %s", address)}
		}
		query.Addresses = []common.Address{common.HexToAddress(address)}
	}
	filterTopics, err := parseTopicFilter(topics)
	if err != nil {
		return nil, &Error{Kind: Permanent, Op: "eth_getLogs", Err: err}
	}
	query.Topics = filterTopics

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	logs, err := c.ethClient.FilterLogs(callCtx, query)
	if err != nil {
		return nil, wrap("eth_getLogs", err)
	}

	records := make([]model.LogRecord, 0, len(logs))
	for _, log := range logs {
		records = append(records, buildLogRecord(c.chain, log))
	}
	return records, nil
}

// GetTransactionReceipt returns every log emitted by a transaction.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) ([]model.LogRecord, error) {
	hash, err := hexutil.Decode(txHash)
	if err != nil || len(hash) != common.HashLength {
		return nil, &Error{Kind: Permanent, Op: "eth_getTransactionReceipt", Err: fmt.Errorf("invalid tx hash: %s", txHash)}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := c.ethClient.TransactionReceipt(callCtx, common.BytesToHash(hash))
	if err != nil {
		return nil, wrap("eth_getTransactionReceipt", err)
	}

	records := make([]model.LogRecord, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log == nil {
			continue
		}
		records = append(records, buildLogRecord(c.chain, *log))
	}
	return records, nil
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.ethClient.CallContract(ctx, msg, blockNumber)
	return out, wrap("eth_call", err)
}

func parseTopicFilter(topics [][]string) ([][]common.Hash, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	out := make([][]common.Hash, 0, len(topics))
	for i, position := range topics {
		hashes := make([]common.Hash, 0, len(position))
		for _, topic := range position {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			data, err := hexutil.Decode(topic)
			if err != nil || len(data) > common.HashLength {
				return nil, fmt.Errorf("invalid topic %d: %s", i, topic)
			}
			hashes = append(hashes, common.BytesToHash(data))
		}
		out = append(out, hashes)
	}
	return out, nil
}

func buildLogRecord(chainCfg model.ChainConfig, log types.Log) model.LogRecord {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	return model.LogRecord{
		Chain:       chainCfg.ID,
		ChainID:     chainCfg.ChainID,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      strings.ToLower(log.TxHash.Hex()),
		TxIndex:     uint64(log.TxIndex),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(log.Data),
		Removed:     log.Removed,
	}
}
