package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/shopspring/decimal"
)

// TxCategory classifies a wallet-history entry as seen by the node.
type TxCategory string

const (
	CategoryReceive TxCategory = "receive"
	CategorySend    TxCategory = "send"
)

// TxRecord is one entry of a node wallet's transaction history.
type TxRecord struct {
	TxID          string
	Category      TxCategory
	Address       string
	Amount        decimal.Decimal
	Confirmations int64
	Comment       string
}

// UTXOClient is the node RPC surface the engine needs for UTXO-family
// chains. All calls are blocking I/O; callers bound them with a context
// deadline and treat expiry as a transient failure.
type UTXOClient interface {
	// ListTransactions returns up to count wallet-history entries for the
	// tag, skipping the first skip entries counted from the OLDEST, oldest
	// first. A forward scan cursor maps directly onto skip; entries that
	// arrive after the cursor caught up appear on the next call.
	ListTransactions(ctx context.Context, walletTag string, count, skip int64) ([]TxRecord, error)

	// GetTransactionConfirmations looks up a wallet transaction's current
	// confirmation count.
	GetTransactionConfirmations(ctx context.Context, txID string) (int64, error)

	// EstimateFeeRate asks the node for a fee rate (per kvB) targeting
	// confirmation within confTarget blocks.
	EstimateFeeRate(ctx context.Context, confTarget int64) (decimal.Decimal, error)

	// SetFeeRate pushes the ambient wallet fee rate used for node-built
	// transactions.
	SetFeeRate(ctx context.Context, rate decimal.Decimal) error

	// SendMany broadcasts one transaction paying every output, annotated
	// with comment so the broadcast can be recognized when re-scanning the
	// wallet's outgoing history.
	SendMany(ctx context.Context, walletTag string, outputs map[string]decimal.Decimal, minConf int64, comment string) (string, error)

	// ImportWatchKey registers a derived key with the node wallet so the
	// history scan surfaces payments to its address. Idempotent.
	ImportWatchKey(ctx context.Context, wif, walletTag string) error
}

// Transfer is a native-value movement extracted from an account-chain block.
type Transfer struct {
	TxHash string
	From   string
	To     string
	Amount decimal.Decimal
}

// AccountClient is the node RPC surface for account/nonce-family chains.
type AccountClient interface {
	// HeadNumber returns the latest block number.
	HeadNumber(ctx context.Context) (int64, error)

	// BlockTransfers returns the native-value transfers in a block.
	BlockTransfers(ctx context.Context, number int64) ([]Transfer, error)

	// TxConfirmations reports how deep a transaction is, and whether it
	// executed successfully. found=false means the node does not know the
	// hash yet.
	TxConfirmations(ctx context.Context, txHash string) (confirmations int64, reverted bool, found bool, err error)

	// NextNonce returns the chain-observed next sequence number for addr,
	// including pending transactions.
	NextNonce(ctx context.Context, addr string) (uint64, error)

	// Balance returns addr's spendable balance in whole coins.
	Balance(ctx context.Context, addr string) (decimal.Decimal, error)

	// SuggestGasPrice returns the node's current gas price estimate in wei.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// SignAndSend signs a payment with key and broadcasts it, returning the
	// transaction hash the node accepted.
	SignAndSend(ctx context.Context, key *ecdsa.PrivateKey, to string, amount decimal.Decimal, gasPrice *big.Int, nonce uint64) (string, error)
}
