package ethrpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/nerdDan/braavos/internal/chain"
	"github.com/nerdDan/braavos/internal/chain/ratelimit"
	"github.com/nerdDan/braavos/internal/circuitbreaker"
	"github.com/shopspring/decimal"
)

// transferGasLimit is the fixed cost of a native-value transfer.
const transferGasLimit = 21000

// weiDigits shifts between wei and whole-coin decimals.
const weiDigits = 18

// Client wraps an Ethereum-compatible node for the account-chain agent.
type Client struct {
	cli     *ethclient.Client
	chainID *big.Int
	signer  types.Signer
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
}

// NewClient dials the node and verifies it serves the expected chain.
// A mismatch is a deployment error: signing against the wrong chain id
// would produce transactions for another network.
func NewClient(ctx context.Context, rpcURL string, expectedChainID int64, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth node: %w", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if expectedChainID > 0 && chainID.Int64() != expectedChainID {
		return nil, fmt.Errorf("node serves chain id %s, configured for %d", chainID, expectedChainID)
	}

	return &Client{
		cli:     cli,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		logger:  logger.With("component", "ethrpc"),
	}, nil
}

// SetRateLimiter sets the RPC rate limiter for this client.
func (c *Client) SetRateLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

// SetBreaker sets a circuit breaker tripped by consecutive node failures.
func (c *Client) SetBreaker(b *circuitbreaker.Breaker) {
	c.breaker = b
}

func (c *Client) wait(ctx context.Context) error {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// observe feeds a node call outcome to the breaker. Lookup misses are a
// healthy transport, not a failure.
func (c *Client) observe(err error) {
	if c.breaker == nil {
		return
	}
	if errors.Is(err, ethereum.NotFound) {
		err = nil
	}
	c.breaker.Observe(err)
}

var _ chain.AccountClient = (*Client)(nil)

func (c *Client) HeadNumber(ctx context.Context) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.cli.BlockNumber(ctx)
	c.observe(err)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return int64(n), nil
}

// BlockTransfers extracts every native-value transfer in the block.
// Contract calls carrying value are included; the address match against
// issued deposit addresses happens in the agent.
func (c *Client) BlockTransfers(ctx context.Context, number int64) ([]chain.Transfer, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	block, err := c.cli.BlockByNumber(ctx, big.NewInt(number))
	c.observe(err)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}

	var transfers []chain.Transfer
	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value().Sign() == 0 {
			continue
		}
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			// Unrecoverable sender means a tx signed for another chain;
			// skip rather than fail the whole block.
			c.logger.Warn("skipping tx with unrecoverable sender", "tx", tx.Hash().Hex(), "error", err)
			continue
		}
		transfers = append(transfers, chain.Transfer{
			TxHash: tx.Hash().Hex(),
			From:   from.Hex(),
			To:     tx.To().Hex(),
			Amount: WeiToCoin(tx.Value()),
		})
	}
	return transfers, nil
}

func (c *Client) TxConfirmations(ctx context.Context, txHash string) (int64, bool, bool, error) {
	if err := c.wait(ctx); err != nil {
		return 0, false, false, err
	}
	receipt, err := c.cli.TransactionReceipt(ctx, common.HexToHash(txHash))
	c.observe(err)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, false, false, nil
		}
		return 0, false, false, fmt.Errorf("receipt %s: %w", txHash, err)
	}

	head, err := c.cli.BlockNumber(ctx)
	c.observe(err)
	if err != nil {
		return 0, false, true, fmt.Errorf("block number: %w", err)
	}
	txBlock := receipt.BlockNumber.Uint64()
	var confirmations int64
	if head >= txBlock {
		confirmations = int64(head - txBlock + 1)
	}
	reverted := receipt.Status == types.ReceiptStatusFailed
	return confirmations, reverted, true, nil
}

func (c *Client) NextNonce(ctx context.Context, addr string) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	nonce, err := c.cli.PendingNonceAt(ctx, common.HexToAddress(addr))
	c.observe(err)
	if err != nil {
		return 0, fmt.Errorf("pending nonce %s: %w", addr, err)
	}
	return nonce, nil
}

func (c *Client) Balance(ctx context.Context, addr string) (decimal.Decimal, error) {
	if err := c.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	wei, err := c.cli.BalanceAt(ctx, common.HexToAddress(addr), nil)
	c.observe(err)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", addr, err)
	}
	return WeiToCoin(wei), nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	price, err := c.cli.SuggestGasPrice(ctx)
	c.observe(err)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

func (c *Client) SignAndSend(ctx context.Context, key *ecdsa.PrivateKey, to string, amount decimal.Decimal, gasPrice *big.Int, nonce uint64) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    CoinToWei(amount),
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := c.cli.SendTransaction(ctx, signed); err != nil {
		c.observe(err)
		return "", fmt.Errorf("send tx: %w", err)
	}
	c.observe(nil)
	return signed.Hash().Hex(), nil
}

// WeiToCoin converts a wei quantity to whole coins.
func WeiToCoin(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -weiDigits)
}

// CoinToWei converts a whole-coin amount to wei, truncating sub-wei dust.
func CoinToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(weiDigits).BigInt()
}
