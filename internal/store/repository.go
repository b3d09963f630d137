package store

import (
	"context"
	"database/sql"

	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/shopspring/decimal"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// CoinRepository owns the per-currency row and its scan cursors.
type CoinRepository interface {
	Get(ctx context.Context, symbol model.CoinSymbol) (*model.Coin, error)
	// GetForUpdateTx acquires the coin row under a pessimistic write lock.
	// The lock is the reconciliation mutex for the coin: it is held until
	// the surrounding transaction commits or rolls back, serializing
	// concurrent routine invocations across all process instances.
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol) (*model.Coin, error)
	Ensure(ctx context.Context, coin *model.Coin) error
	UpdateCursorsTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol, depositCursor, withdrawalCursor int64) error
	UpdateWithdrawalFee(ctx context.Context, symbol model.CoinSymbol, fee decimal.Decimal) error
}

// AddressRepository provides access to issued deposit addresses.
type AddressRepository interface {
	Find(ctx context.Context, chain model.Chain, clientID int64, path string) (*model.Address, error)
	FindByAddress(ctx context.Context, chain model.Chain, address string) (*model.Address, error)
	ListByChain(ctx context.Context, chain model.Chain) ([]model.Address, error)
	// Insert is idempotent on (chain, client_id, path); re-inserting an
	// existing address is a no-op.
	Insert(ctx context.Context, addr *model.Address) error
}

// DepositRepository provides access to deposit rows.
type DepositRepository interface {
	// InsertTx records a sighting of an incoming transaction. Dedup relies
	// on the (coin_symbol, tx_hash) uniqueness constraint, not a preceding
	// existence check; inserted reports whether this call created the row.
	InsertTx(ctx context.Context, tx *sql.Tx, d *model.Deposit) (inserted bool, err error)
	ListUnconfirmed(ctx context.Context, symbol model.CoinSymbol) ([]model.Deposit, error)
	// ConfirmTx re-locks the deposit row, and if still unconfirmed flips it
	// to confirmed. It reports false when another invocation got there first.
	ConfirmTx(ctx context.Context, tx *sql.Tx, id int64) (bool, error)
}

// WithdrawalRepository provides access to payout requests. Request intake
// happens outside the engine; the engine only settles rows that already
// exist.
type WithdrawalRepository interface {
	// ListCreatedTx returns up to limit withdrawals in created state for the
	// coin, oldest first. limit <= 0 means no limit.
	ListCreatedTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol, limit int) ([]model.Withdrawal, error)
	// FinishTx marks every listed withdrawal finished with the given tx
	// hash in one atomic update.
	FinishTx(ctx context.Context, tx *sql.Tx, ids []int64, txHash string) error
	// FinishUpToTx settles every created withdrawal for the coin whose id
	// does not exceed watermark. Used when a prior batch is recognized in
	// the node's outgoing history after a crash.
	FinishUpToTx(ctx context.Context, tx *sql.Tx, symbol model.CoinSymbol, watermark int64, txHash string) (int64, error)
	AssignNonceTx(ctx context.Context, tx *sql.Tx, id int64, nonce int64) error
	// RecordBroadcast durably notes the node-accepted hash on a row that is
	// still in created state, committing immediately. Written between
	// broadcast and settlement, it lets a crash in that window be settled
	// by nonce comparison instead of halting the coin.
	RecordBroadcast(ctx context.Context, id int64, txHash string) error
}

// AccountRepository maintains per-client running balances.
type AccountRepository interface {
	Get(ctx context.Context, clientID int64, symbol model.CoinSymbol) (*model.Account, error)
	// CreditTx opens the account row if absent and atomically adds amount.
	CreditTx(ctx context.Context, tx *sql.Tx, clientID int64, symbol model.CoinSymbol, amount decimal.Decimal) error
}

// CounterRepository is a durable, serialized sequence allocator.
type CounterRepository interface {
	EnsureExists(ctx context.Context, name string, start int64) error
	// NextTx locks the counter row, increments it, and returns the
	// pre-increment value. Serialized by the row lock; crash-safe because
	// the caller persists the allocation in the same transaction.
	NextTx(ctx context.Context, tx *sql.Tx, name string) (int64, error)
}
