package btcrpc

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// ListTransactionsEntry mirrors one element of a listtransactions result.
type ListTransactionsEntry struct {
	Address       string          `json:"address"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Label         string          `json:"label"`
	Confirmations int64           `json:"confirmations"`
	TxID          string          `json:"txid"`
	Comment       string          `json:"comment"`
	Time          int64           `json:"time"`
}

// WalletTransaction mirrors the gettransaction result fields we consume.
type WalletTransaction struct {
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
	BlockHash     string          `json:"blockhash"`
	Time          int64           `json:"time"`
}

// SmartFeeEstimate mirrors the estimatesmartfee result.
type SmartFeeEstimate struct {
	FeeRate decimal.Decimal `json:"feerate"`
	Errors  []string        `json:"errors"`
	Blocks  int64           `json:"blocks"`
}

// jsonAmount renders a decimal as a bare JSON number; bitcoind rejects
// quoted amounts.
func jsonAmount(d decimal.Decimal) json.RawMessage {
	return json.RawMessage(d.String())
}
