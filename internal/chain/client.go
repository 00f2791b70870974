package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// LogClient is the slice of the RPC client the relay depends on.
// *ethclient.Client satisfies it.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a LogClient for an endpoint URL.
type Dialer func(ctx context.Context, url string) (LogClient, error)

// DialEthereum dials an HTTP or websocket JSON-RPC endpoint.
func DialEthereum(ctx context.Context, url string) (LogClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

var _ LogClient = (*ethclient.Client)(nil)

// Options parameterise access to the guardian contract logs.
type Options struct {
	URL            string
	Contract       common.Address
	RequestTimeout time.Duration
	// MaxBlockRange bounds a single FilterLogs call.
	MaxBlockRange uint64
}

// Client lazily dials the endpoint and re-dials after Reset.
type Client struct {
	opts   Options
	dial   Dialer
	logger zerolog.Logger

	clientMux sync.Mutex
	client    LogClient
}

// NewClient builds a client. dial defaults to DialEthereum.
func NewClient(opts Options, dial Dialer, logger zerolog.Logger) *Client {
	if dial == nil {
		dial = DialEthereum
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = 5000
	}
	return &Client{opts: opts, dial: dial, logger: logger.With().Str("component", "chain_client").Logger()}
}

func (c *Client) getClient(ctx context.Context) (LogClient, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.opts.URL == "" {
		return nil, errors.New("chain rpc url not configured")
	}

	client, err := c.dial(ctx, c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.client = client
	return client, nil
}

// Reset drops the current connection so the next call re-dials.
func (c *Client) Reset() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// Close releases the connection.
func (c *Client) Close() { c.Reset() }

// Handshake dials and reads the head block. Startup treats failure as fatal.
func (c *Client) Handshake(ctx context.Context) (uint64, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain handshake: %w", err)
	}
	c.logger.Info().Str("url", c.opts.URL).Uint64("head", head).Str("contract", c.opts.Contract.Hex()).Msg("chain handshake ok")
	return head, nil
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// ScanRange visits every guardian log in [from, to] in block order, issuing
// FilterLogs in chunks of at most MaxBlockRange blocks. Removed logs are
// skipped. fn errors abort the scan.
func (c *Client) ScanRange(ctx context.Context, from, to uint64, fn func(context.Context, types.Log) error) error {
	if from > to {
		return fmt.Errorf("scan range: from block %d after to block %d", from, to)
	}

	for start := from; start <= to; {
		end := start + c.opts.MaxBlockRange - 1
		if end > to || end < start {
			end = to
		}

		logs, err := c.filter(ctx, start, end)
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		c.logger.Debug().Uint64("from", start).Uint64("to", end).Int("logs", len(logs)).Msg("scanned block range")

		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			if err := fn(ctx, lg); err != nil {
				return err
			}
		}

		if end == to {
			break
		}
		start = end + 1
	}
	return nil
}

func (c *Client) filter(ctx context.Context, from, to uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	q := c.query()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	return client.FilterLogs(ctx, q)
}

func (c *Client) subscribe(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.SubscribeFilterLogs(ctx, c.query(), ch)
}

func (c *Client) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{Addresses: []common.Address{c.opts.Contract}}
}
