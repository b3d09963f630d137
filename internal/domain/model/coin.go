package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coin is the per-currency bookkeeping row. The two cursors are the sole
// bookmarks for resuming node-history scans after a restart; they only ever
// grow and are mutated under the coin row lock.
type Coin struct {
	Symbol           CoinSymbol      `db:"symbol"`
	Chain            Chain           `db:"chain"`
	DepositFee       decimal.Decimal `db:"deposit_fee"`
	WithdrawalFee    decimal.Decimal `db:"withdrawal_fee"`
	FeeSymbol        CoinSymbol      `db:"fee_symbol"`
	DepositCursor    int64           `db:"deposit_cursor"`
	WithdrawalCursor int64           `db:"withdrawal_cursor"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// Address is a derived deposit address issued to a client. Rows are created
// lazily on first request and never mutated or deleted afterward; the key
// behind an issued address must stay spendable for its lifetime.
type Address struct {
	ID        int64     `db:"id"`
	Chain     Chain     `db:"chain"`
	ClientID  int64     `db:"client_id"`
	Path      string    `db:"path"`
	Address   string    `db:"address"`
	CreatedAt time.Time `db:"created_at"`
}

// Deposit records one recognized incoming chain transaction.
// (CoinSymbol, TxHash) is unique; a transaction is never credited twice.
type Deposit struct {
	ID          int64           `db:"id"`
	CoinSymbol  CoinSymbol      `db:"coin_symbol"`
	TxHash      string          `db:"tx_hash"`
	AddrPath    string          `db:"addr_path"`
	ClientID    int64           `db:"client_id"`
	Amount      decimal.Decimal `db:"amount"`
	Status      DepositStatus   `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
	ConfirmedAt *time.Time      `db:"confirmed_at"`
}

// Withdrawal is one client payout request. (ClientID, IdemKey) is unique so
// duplicate client submissions never produce duplicate payouts. Nonce is the
// allocated account-chain sequence; NULL until the withdrawal routine
// assigns one, and never reassigned afterward.
type Withdrawal struct {
	ID         int64            `db:"id"`
	ClientID   int64            `db:"client_id"`
	IdemKey    string           `db:"idem_key"`
	CoinSymbol CoinSymbol       `db:"coin_symbol"`
	Recipient  string           `db:"recipient"`
	Memo       string           `db:"memo"`
	Amount     decimal.Decimal  `db:"amount"`
	Fee        decimal.Decimal  `db:"fee"`
	Status     WithdrawalStatus `db:"status"`
	TxHash     *string          `db:"tx_hash"`
	Nonce      *int64           `db:"nonce"`
	CreatedAt  time.Time        `db:"created_at"`
	FinishedAt *time.Time       `db:"finished_at"`
}

// Account holds a client's running balance for one coin. Credited only when
// a deposit crosses the confirmation threshold.
type Account struct {
	ClientID   int64           `db:"client_id"`
	CoinSymbol CoinSymbol      `db:"coin_symbol"`
	Balance    decimal.Decimal `db:"balance"`
	UpdatedAt  time.Time       `db:"updated_at"`
}
