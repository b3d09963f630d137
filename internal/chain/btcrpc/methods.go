package btcrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerdDan/braavos/internal/chain"
	"github.com/shopspring/decimal"
)

var _ chain.UTXOClient = (*Client)(nil)

// historyRetries bounds how often a paged read is re-attempted when new
// wallet transactions land between the length measurement and the page fetch.
const historyRetries = 3

// ListTransactions returns up to count wallet-history entries for
// walletTag starting skip entries after the OLDEST entry, oldest first.
//
// bitcoind's listtransactions counts skip back from the newest entry, so a
// forward cursor mapped onto it raw would never see transactions that
// arrive after the cursor catches up with the history. The offset is
// translated against the current history length instead; the length is
// re-checked after the fetch and the page re-read if it moved mid-call.
func (c *Client) ListTransactions(ctx context.Context, walletTag string, count, skip int64) ([]chain.TxRecord, error) {
	for attempt := 0; attempt < historyRetries; attempt++ {
		total, err := c.historyLength(ctx, walletTag)
		if err != nil {
			return nil, err
		}
		if skip >= total {
			return nil, nil
		}
		n := count
		if remaining := total - skip; remaining < n {
			n = remaining
		}
		back := total - skip - n

		entries, err := c.listTransactionsPage(ctx, walletTag, n, back)
		if err != nil {
			return nil, err
		}

		moved, err := c.historyMoved(ctx, walletTag, total)
		if err != nil {
			return nil, err
		}
		if moved {
			continue
		}

		records := make([]chain.TxRecord, 0, len(entries))
		for _, e := range entries {
			comment := e.Comment
			if comment == "" {
				// Older nodes surface sendmany comments through the label field.
				comment = e.Label
			}
			records = append(records, chain.TxRecord{
				TxID:          e.TxID,
				Category:      chain.TxCategory(e.Category),
				Address:       e.Address,
				Amount:        e.Amount,
				Confirmations: e.Confirmations,
				Comment:       comment,
			})
		}
		return records, nil
	}
	return nil, fmt.Errorf("listtransactions: wallet history kept moving")
}

// listTransactionsPage is the raw RPC: up to count entries after skipping
// the newest back entries, oldest first within the page.
func (c *Client) listTransactionsPage(ctx context.Context, walletTag string, count, back int64) ([]ListTransactionsEntry, error) {
	result, err := c.call(ctx, "listtransactions", []interface{}{walletTag, count, back})
	if err != nil {
		return nil, fmt.Errorf("listtransactions: %w", err)
	}
	var entries []ListTransactionsEntry
	if err := json.Unmarshal(result, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal listtransactions: %w", err)
	}
	return entries, nil
}

// historyLength finds the number of wallet-history entries for the tag.
// bitcoind has no per-label count RPC; a skip of n or more yields an empty
// page, so the boundary is found by doubling then binary search.
func (c *Client) historyLength(ctx context.Context, walletTag string) (int64, error) {
	var lo, hi int64 = 0, 64
	for {
		page, err := c.listTransactionsPage(ctx, walletTag, 1, hi)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		lo, hi = hi+1, hi*2
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		page, err := c.listTransactionsPage(ctx, walletTag, 1, mid)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// historyMoved reports whether entries were appended since total was
// measured: a non-empty page at skip=total means the history grew.
func (c *Client) historyMoved(ctx context.Context, walletTag string, total int64) (bool, error) {
	page, err := c.listTransactionsPage(ctx, walletTag, 1, total)
	if err != nil {
		return false, err
	}
	return len(page) > 0, nil
}

func (c *Client) GetTransactionConfirmations(ctx context.Context, txID string) (int64, error) {
	result, err := c.call(ctx, "gettransaction", []interface{}{txID})
	if err != nil {
		return 0, fmt.Errorf("gettransaction(%s): %w", txID, err)
	}

	var tx WalletTransaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return 0, fmt.Errorf("unmarshal gettransaction: %w", err)
	}
	return tx.Confirmations, nil
}

func (c *Client) EstimateFeeRate(ctx context.Context, confTarget int64) (decimal.Decimal, error) {
	result, err := c.call(ctx, "estimatesmartfee", []interface{}{confTarget})
	if err != nil {
		return decimal.Zero, fmt.Errorf("estimatesmartfee: %w", err)
	}

	var est SmartFeeEstimate
	if err := json.Unmarshal(result, &est); err != nil {
		return decimal.Zero, fmt.Errorf("unmarshal estimatesmartfee: %w", err)
	}
	if len(est.Errors) > 0 {
		return decimal.Zero, fmt.Errorf("estimatesmartfee: %s", est.Errors[0])
	}
	if est.FeeRate.IsZero() || est.FeeRate.IsNegative() {
		return decimal.Zero, fmt.Errorf("estimatesmartfee returned no usable rate")
	}
	return est.FeeRate, nil
}

func (c *Client) SetFeeRate(ctx context.Context, rate decimal.Decimal) error {
	result, err := c.call(ctx, "settxfee", []interface{}{jsonAmount(rate)})
	if err != nil {
		return fmt.Errorf("settxfee: %w", err)
	}

	var accepted bool
	if err := json.Unmarshal(result, &accepted); err != nil {
		return fmt.Errorf("unmarshal settxfee: %w", err)
	}
	if !accepted {
		return fmt.Errorf("settxfee rejected rate %s", rate)
	}
	return nil
}

// SendMany broadcasts one transaction paying every output. The comment is
// the batch watermark recognized by later outgoing-history scans.
func (c *Client) SendMany(ctx context.Context, walletTag string, outputs map[string]decimal.Decimal, minConf int64, comment string) (string, error) {
	if len(outputs) == 0 {
		return "", fmt.Errorf("sendmany: empty output set")
	}

	amounts := make(map[string]json.RawMessage, len(outputs))
	for addr, amt := range outputs {
		amounts[addr] = jsonAmount(amt)
	}

	result, err := c.call(ctx, "sendmany", []interface{}{walletTag, amounts, minConf, comment})
	if err != nil {
		return "", fmt.Errorf("sendmany: %w", err)
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("unmarshal sendmany: %w", err)
	}
	return txid, nil
}

func (c *Client) ImportWatchKey(ctx context.Context, wif, walletTag string) error {
	// rescan=false: the key has never received funds when first imported,
	// and a re-import after crash recovery must not stall the node.
	if _, err := c.call(ctx, "importprivkey", []interface{}{wif, walletTag, false}); err != nil {
		return fmt.Errorf("importprivkey: %w", err)
	}
	return nil
}
