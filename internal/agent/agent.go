package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nerdDan/braavos/internal/domain/model"
)

// CoinAgent orchestrates key derivation, the chain node, and the ledger for
// one currency. The three reconciliation routines (ScanDeposits,
// ConfirmDeposits, RunWithdrawals) are invoked periodically by the runner;
// each serializes itself through the coin row lock, so overlapping
// invocations across processes are safe.
type CoinAgent interface {
	Symbol() model.CoinSymbol

	// GetOrCreateAddress returns the deposit address for (clientID,
	// subPath), deriving, registering, and persisting it on first request.
	GetOrCreateAddress(ctx context.Context, clientID int64, subPath string) (string, error)

	// IsValidAddress reports whether addr is syntactically valid for the
	// agent's chain.
	IsValidAddress(addr string) bool

	// RefreshFee re-quotes the coin's withdrawal fee from the node.
	RefreshFee(ctx context.Context) error

	// ScanDeposits pages the node's incoming history forward from the
	// persisted cursor and records new deposits.
	ScanDeposits(ctx context.Context) error

	// ConfirmDeposits promotes unconfirmed deposits whose confirmation
	// count has reached the threshold, crediting client balances.
	ConfirmDeposits(ctx context.Context) error

	// RunWithdrawals drains pending payout requests to the chain.
	RunWithdrawals(ctx context.Context) error
}

// AddressReloader is implemented by address lookups that sit behind an
// in-memory layer which can go stale relative to addresses issued by other
// process instances. Deposit scans refresh it before paging so a payment to
// a freshly issued address is recognized in the same tick that covers it.
type AddressReloader interface {
	Reload(ctx context.Context) error
}

// RefreshAddresses reloads lookup when it carries a stale-able layer. A
// failed reload is logged and scanning continues on the previous snapshot,
// which stays correct for every address it already covers.
func RefreshAddresses(ctx context.Context, lookup any, logger *slog.Logger) {
	r, ok := lookup.(AddressReloader)
	if !ok {
		return
	}
	if err := r.Reload(ctx); err != nil {
		logger.Warn("address lookup refresh failed", "error", err)
	}
}

// ErrInsufficientFunds halts withdrawal broadcasting for a coin until the
// hot wallet is topped up. Not a bug: the routine resumes once funds cover
// the pending payout.
var ErrInsufficientFunds = errors.New("hot wallet balance insufficient")

// HaltError marks an invariant violation that must stop further progress
// for the coin. Proceeding would risk double payment or stuck funds, so the
// runner parks the routine until an operator intervenes.
type HaltError struct {
	Coin   model.CoinSymbol
	Reason string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("%s reconciliation halted: %s", e.Coin, e.Reason)
}

// Haltf builds a HaltError with a formatted reason.
func Haltf(coin model.CoinSymbol, format string, args ...any) *HaltError {
	return &HaltError{Coin: coin, Reason: fmt.Sprintf(format, args...)}
}

// IsHalt reports whether err demands an operator-level stop, either an
// invariant violation or an insufficient-funds condition.
func IsHalt(err error) bool {
	var halt *HaltError
	return errors.As(err, &halt) || errors.Is(err, ErrInsufficientFunds)
}
