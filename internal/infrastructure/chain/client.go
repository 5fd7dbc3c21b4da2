package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/domain/repository"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const packageName = "chain"

// Backend is the subset of *ethclient.Client used here.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// DialFunc opens a Backend for an RPC URL.
type DialFunc func(ctx context.Context, rawURL string) (Backend, error)

func dialEthclient(ctx context.Context, rawURL string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type Option func(*Client)

func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithRPCURLs overrides the environment lookup of per-chain RPC URLs.
func WithRPCURLs(urls map[string]string) Option {
	return func(c *Client) {
		c.rpcURL = func(chain string) string {
			return urls[strings.ToLower(chain)]
		}
	}
}

// Client broadcasts signed transactions and reads nonce and gas price, one
// lazily dialed RPC connection per chain.
type Client struct {
	mu       sync.Mutex
	backends map[string]Backend
	dial     DialFunc
	rpcURL   func(chain string) string
	timeout  time.Duration
}

var (
	_ repository.Broadcaster = (*Client)(nil)
	_ repository.ChainReader = (*Client)(nil)
)

func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = config.DefaultHTTPTimeout
	}
	c := &Client{
		backends: make(map[string]Backend),
		dial:     dialEthclient,
		rpcURL:   config.GetRPCURL,
		timeout:  timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) backend(ctx context.Context, chain string) (Backend, error) {
	funcName := util.FuncName()

	key := strings.ToLower(strings.TrimSpace(chain))
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[key]; ok {
		return b, nil
	}
	url := c.rpcURL(key)
	if url == "" {
		return nil, errs.Configuration("missing_rpc_url",
			fmt.Sprintf("no RPC URL configured for chain %q (EVM_RPC_URL_%s)", key, strings.ToUpper(key)))
	}
	b, err := c.dial(ctx, url)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName,
			errs.Network("rpc_unreachable", "failed to connect to chain RPC", err))
	}
	c.backends[key] = b
	return b, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, chain string, account common.Address) (uint64, error) {
	funcName := util.FuncName()

	b, err := c.backend(ctx, chain)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	nonce, err := b.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, util.WrapErrorForLog(packageName, funcName,
			errs.Network("rpc_nonce_failed", "failed to get nonce", err))
	}
	return nonce, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context, chain string) (*big.Int, error) {
	funcName := util.FuncName()

	b, err := c.backend(ctx, chain)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	price, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName,
			errs.Network("rpc_gas_price_failed", "failed to get gas price", err))
	}
	return price, nil
}

// SendRawTransaction decodes raw as a signed transaction, submits it and
// returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, chain string, raw []byte) (string, error) {
	funcName := util.FuncName()

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", errs.Validation("invalid_raw_transaction", "raw transaction could not be decoded", map[string]any{
			"error": err.Error(),
		})
	}
	b, err := c.backend(ctx, chain)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := b.SendTransaction(ctx, tx); err != nil {
		return "", util.WrapErrorForLog(packageName, funcName,
			errs.Network("broadcast_failed", "failed to broadcast transaction", err))
	}
	log.Info().Str("chain", chain).Str("tx_hash", tx.Hash().Hex()).
		Msg(util.WrapLogMessage(packageName, funcName, "broadcast transaction"))
	return tx.Hash().Hex(), nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, b := range c.backends {
		b.Close()
		delete(c.backends, key)
	}
}
