package account

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/alert"
	"github.com/nerdDan/braavos/internal/chain"
	"github.com/nerdDan/braavos/internal/chain/ethrpc"
	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/event"
	"github.com/nerdDan/braavos/internal/keys"
	"github.com/nerdDan/braavos/internal/metrics"
	"github.com/nerdDan/braavos/internal/store"
	"github.com/shopspring/decimal"
)

// Config carries the per-coin tuning for an account-chain agent.
type Config struct {
	Symbol        model.CoinSymbol
	Chain         model.Chain
	DepositStep   int64 // blocks scanned per deposit tick
	ConfThreshold int64 // confirmations before a deposit is credited
	StartBlock    int64 // first block ever scanned for a fresh ledger
	NonceCounter  string
	// The hot wallet signs every outgoing payment; derived at a fixed path.
	HotClientID int64
	HotSubPath  string
}

func (c *Config) applyDefaults() {
	if c.DepositStep <= 0 {
		c.DepositStep = 32
	}
	if c.ConfThreshold <= 0 {
		c.ConfThreshold = 12
	}
	if c.NonceCounter == "" {
		c.NonceCounter = "eth_withdrawal_nonce"
	}
	if c.HotSubPath == "" {
		c.HotSubPath = "0"
	}
}

// Agent reconciles one account/nonce-family coin.
type Agent struct {
	cfg     Config
	keyring *keys.AccountKeyring
	client  chain.AccountClient
	pricer  ethrpc.GasPricer

	db          store.TxBeginner
	coins       store.CoinRepository
	addresses   store.AddressRepository
	deposits    store.DepositRepository
	withdrawals store.WithdrawalRepository
	accounts    store.AccountRepository
	counters    store.CounterRepository

	publisher event.Publisher
	alerter   alert.Alerter
	logger    *slog.Logger

	hotAddr string
}

type Deps struct {
	Keyring     *keys.AccountKeyring
	Client      chain.AccountClient
	Pricer      ethrpc.GasPricer
	DB          store.TxBeginner
	Coins       store.CoinRepository
	Addresses   store.AddressRepository
	Deposits    store.DepositRepository
	Withdrawals store.WithdrawalRepository
	Accounts    store.AccountRepository
	Counters    store.CounterRepository
	Publisher   event.Publisher
	Alerter     alert.Alerter
	Logger      *slog.Logger
}

func New(cfg Config, deps Deps) (*Agent, error) {
	cfg.applyDefaults()
	if cfg.Symbol == "" || cfg.Chain == "" {
		return nil, fmt.Errorf("account agent: symbol and chain are required")
	}
	if deps.Keyring == nil || deps.Client == nil || deps.DB == nil {
		return nil, fmt.Errorf("account agent: keyring, client, and db are required")
	}
	if deps.Pricer == nil {
		return nil, fmt.Errorf("account agent: gas pricer is required")
	}

	hotAddr, err := deps.Keyring.Address(cfg.HotClientID, cfg.HotSubPath)
	if err != nil {
		return nil, fmt.Errorf("derive hot wallet address: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = event.NoopPublisher{}
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}

	return &Agent{
		cfg:         cfg,
		keyring:     deps.Keyring,
		client:      deps.Client,
		pricer:      deps.Pricer,
		db:          deps.DB,
		coins:       deps.Coins,
		addresses:   deps.Addresses,
		deposits:    deps.Deposits,
		withdrawals: deps.Withdrawals,
		accounts:    deps.Accounts,
		counters:    deps.Counters,
		publisher:   publisher,
		alerter:     alerter,
		logger:      logger.With("coin", cfg.Symbol),
		hotAddr:     hotAddr,
	}, nil
}

var _ agent.CoinAgent = (*Agent)(nil)

func (a *Agent) Symbol() model.CoinSymbol {
	return a.cfg.Symbol
}

// HotAddress exposes the hot wallet address for provisioning and treasury
// top-up tooling.
func (a *Agent) HotAddress() string {
	return a.hotAddr
}

// GetOrCreateAddress derives and persists the deposit address for
// (clientID, subPath). Account chains need no node-side registration; the
// block scan matches on the address string itself.
func (a *Agent) GetOrCreateAddress(ctx context.Context, clientID int64, subPath string) (string, error) {
	path := keys.DerivationPath(clientID, subPath)

	existing, err := a.addresses.Find(ctx, a.cfg.Chain, clientID, path)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.Address, nil
	}

	addr, err := a.keyring.Address(clientID, subPath)
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	if err := a.addresses.Insert(ctx, &model.Address{
		Chain:    a.cfg.Chain,
		ClientID: clientID,
		Path:     path,
		Address:  addr,
	}); err != nil {
		return "", err
	}

	a.logger.Info("deposit address issued", "client", clientID, "path", path, "address", addr)
	return addr, nil
}

func (a *Agent) IsValidAddress(addr string) bool {
	return a.keyring.ValidAddress(addr)
}

// RefreshFee re-quotes the withdrawal fee as the cost of one transfer at
// the pricer's current rate.
func (a *Agent) RefreshFee(ctx context.Context) error {
	gasPrice, err := a.pricer.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("quote gas price: %w", err)
	}
	fee := transferFee(gasPrice)
	if err := a.coins.UpdateWithdrawalFee(ctx, a.cfg.Symbol, fee); err != nil {
		return err
	}
	metrics.FeeRefreshes.WithLabelValues(a.cfg.Symbol.String()).Inc()
	a.logger.Debug("fee refreshed", "gas_price", gasPrice, "fee", fee)
	return nil
}

func (a *Agent) begin(ctx context.Context) (*sql.Tx, *model.Coin, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	coin, err := a.coins.GetForUpdateTx(ctx, tx, a.cfg.Symbol)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	return tx, coin, nil
}

// transferFee converts a gas price into the whole-coin cost of one
// native-value transfer.
func transferFee(gasPrice *big.Int) decimal.Decimal {
	wei := new(big.Int).Mul(gasPrice, big.NewInt(21000))
	return ethrpc.WeiToCoin(wei)
}
