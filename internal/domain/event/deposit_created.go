package event

import (
	"time"

	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/shopspring/decimal"
)

// DepositCreated signals that a deposit row was inserted for the first time.
// Delivery is at-least-once; consumers dedup on (CoinSymbol, TxHash).
type DepositCreated struct {
	EventID    string           `json:"event_id"`
	CoinSymbol model.CoinSymbol `json:"coin_symbol"`
	TxHash     string           `json:"tx_hash"`
	ClientID   int64            `json:"client_id"`
	AddrPath   string           `json:"addr_path"`
	Amount     decimal.Decimal  `json:"amount"`
	SeenAt     time.Time        `json:"seen_at"`
}
