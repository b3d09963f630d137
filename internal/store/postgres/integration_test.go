//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerdDan/braavos/internal/domain/model"
	"github.com/nerdDan/braavos/internal/store/postgres"
)

// testDB checks the TEST_DB_URL environment variable first; if unset it
// falls back to a Docker-based ephemeral PostgreSQL via testcontainers.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url != "" {
		db, err := postgres.New(postgres.Config{
			URL:             url,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}
	return setupTestContainer(t)
}

func ensureCoin(t *testing.T, db *postgres.DB, symbol model.CoinSymbol, chain model.Chain) {
	t.Helper()
	err := postgres.NewCoinRepo(db).Ensure(context.Background(), &model.Coin{
		Symbol:    symbol,
		Chain:     chain,
		FeeSymbol: symbol,
	})
	require.NoError(t, err)
}

// ---------- CoinRepo ----------

func TestCoinRepo_CursorsNeverMoveBackward(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewCoinRepo(db)
	ctx := context.Background()
	ensureCoin(t, db, model.SymbolBTC, model.ChainBitcoin)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	coin, err := repo.GetForUpdateTx(ctx, tx, model.SymbolBTC)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateCursorsTx(ctx, tx, model.SymbolBTC, coin.DepositCursor+100, coin.WithdrawalCursor+50))
	require.NoError(t, tx.Commit())

	// A stale writer trying to rewind loses against GREATEST.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.GetForUpdateTx(ctx, tx2, model.SymbolBTC)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateCursorsTx(ctx, tx2, model.SymbolBTC, 10, 5))
	require.NoError(t, tx2.Commit())

	got, err := repo.Get(ctx, model.SymbolBTC)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.DepositCursor)
	assert.Equal(t, int64(50), got.WithdrawalCursor)
}

func TestCoinRepo_EnsureIsIdempotent(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewCoinRepo(db)
	ctx := context.Background()
	ensureCoin(t, db, model.SymbolETH, model.ChainEthereum)

	require.NoError(t, repo.UpdateWithdrawalFee(ctx, model.SymbolETH, decimal.RequireFromString("0.002")))
	ensureCoin(t, db, model.SymbolETH, model.ChainEthereum)

	got, err := repo.Get(ctx, model.SymbolETH)
	require.NoError(t, err)
	assert.Equal(t, "0.002", got.WithdrawalFee.String())
}

// ---------- AddressRepo ----------

func TestAddressRepo_InsertAndLookups(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewAddressRepo(db)
	ctx := context.Background()

	addr := "bc1q" + uuid.NewString()[:12]
	require.NoError(t, repo.Insert(ctx, &model.Address{
		Chain:    model.ChainBitcoin,
		ClientID: 7,
		Path:     "7/0",
		Address:  addr,
	}))
	// Idempotent on (chain, client_id, path).
	require.NoError(t, repo.Insert(ctx, &model.Address{
		Chain:    model.ChainBitcoin,
		ClientID: 7,
		Path:     "7/0",
		Address:  addr,
	}))

	found, err := repo.FindByAddress(ctx, model.ChainBitcoin, addr)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(7), found.ClientID)

	byPath, err := repo.Find(ctx, model.ChainBitcoin, 7, "7/0")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, addr, byPath.Address)

	all, err := repo.ListByChain(ctx, model.ChainBitcoin)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	missing, err := repo.FindByAddress(ctx, model.ChainBitcoin, "bc1qunknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// ---------- DepositRepo ----------

func TestDepositRepo_DedupAndConfirm(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewDepositRepo(db)
	ctx := context.Background()
	ensureCoin(t, db, model.SymbolBTC, model.ChainBitcoin)

	txHash := "tx-" + uuid.NewString()[:8]
	dep := &model.Deposit{
		CoinSymbol: model.SymbolBTC,
		TxHash:     txHash,
		AddrPath:   "1/0",
		ClientID:   1,
		Amount:     decimal.RequireFromString("0.5"),
		Status:     model.DepositUnconfirmed,
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err := repo.InsertTx(ctx, tx, dep)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.True(t, inserted)
	assert.NotZero(t, dep.ID)

	// Same tx hash seen again on a rescan.
	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	again := *dep
	again.ID = 0
	inserted, err = repo.InsertTx(ctx, tx2, &again)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	assert.False(t, inserted)

	pending, err := repo.ListUnconfirmed(ctx, model.SymbolBTC)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	tx3, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	flipped, err := repo.ConfirmTx(ctx, tx3, dep.ID)
	require.NoError(t, err)
	require.NoError(t, tx3.Commit())
	assert.True(t, flipped)

	// A concurrent confirmer that lost the race sees false.
	tx4, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	flipped, err = repo.ConfirmTx(ctx, tx4, dep.ID)
	require.NoError(t, err)
	require.NoError(t, tx4.Commit())
	assert.False(t, flipped)

	pending, err = repo.ListUnconfirmed(ctx, model.SymbolBTC)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// ---------- WithdrawalRepo ----------

func TestWithdrawalRepo_Lifecycle(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewWithdrawalRepo(db)
	ctx := context.Background()
	ensureCoin(t, db, model.SymbolETH, model.ChainEthereum)

	w := &model.Withdrawal{
		ClientID:   3,
		IdemKey:    "idem-" + uuid.NewString()[:8],
		CoinSymbol: model.SymbolETH,
		Recipient:  "0xabc",
		Amount:     decimal.RequireFromString("1.25"),
		Fee:        decimal.RequireFromString("0.01"),
		Status:     model.WithdrawalCreated,
	}
	require.NoError(t, repo.Insert(ctx, w))
	assert.NotZero(t, w.ID)

	dup := *w
	dup.ID = 0
	err := repo.Insert(ctx, &dup)
	assert.ErrorIs(t, err, postgres.ErrDuplicateRequest)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	created, err := repo.ListCreatedTx(ctx, tx, model.SymbolETH, 10)
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.NoError(t, repo.AssignNonceTx(ctx, tx, w.ID, 42))
	require.NoError(t, tx.Commit())

	// The broadcast hash lands on the created row before settlement, in its
	// own committed statement.
	require.NoError(t, repo.RecordBroadcast(ctx, w.ID, "0xdeadbeef"))

	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	created, err = repo.ListCreatedTx(ctx, tx2, model.SymbolETH, 10)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NotNil(t, created[0].TxHash)
	assert.Equal(t, "0xdeadbeef", *created[0].TxHash)
	require.NoError(t, repo.FinishTx(ctx, tx2, []int64{w.ID}, "0xdeadbeef"))
	require.NoError(t, tx2.Commit())

	tx3, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	created, err = repo.ListCreatedTx(ctx, tx3, model.SymbolETH, 10)
	require.NoError(t, err)
	require.NoError(t, tx3.Commit())
	assert.Empty(t, created)
}

func TestWithdrawalRepo_FinishUpToWatermark(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewWithdrawalRepo(db)
	ctx := context.Background()
	ensureCoin(t, db, model.SymbolBTC, model.ChainBitcoin)

	var ids []int64
	for i := 0; i < 3; i++ {
		w := &model.Withdrawal{
			ClientID:   int64(i + 1),
			IdemKey:    uuid.NewString(),
			CoinSymbol: model.SymbolBTC,
			Recipient:  "bc1qrecipient",
			Amount:     decimal.RequireFromString("0.1"),
			Status:     model.WithdrawalCreated,
		}
		require.NoError(t, repo.Insert(ctx, w))
		ids = append(ids, w.ID)
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	settled, err := repo.FinishUpToTx(ctx, tx, model.SymbolBTC, ids[1], "recovered-batch")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, int64(2), settled)

	tx2, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	remaining, err := repo.ListCreatedTx(ctx, tx2, model.SymbolBTC, 0)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	require.Len(t, remaining, 1)
	assert.Equal(t, ids[2], remaining[0].ID)
}

// ---------- AccountRepo ----------

func TestAccountRepo_CreditAccumulates(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewAccountRepo(db)
	ctx := context.Background()
	ensureCoin(t, db, model.SymbolETH, model.ChainEthereum)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreditTx(ctx, tx, 9, model.SymbolETH, decimal.RequireFromString("1.5")))
	require.NoError(t, repo.CreditTx(ctx, tx, 9, model.SymbolETH, decimal.RequireFromString("0.25")))
	require.NoError(t, tx.Commit())

	acct, err := repo.Get(ctx, 9, model.SymbolETH)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "1.75", acct.Balance.String())
}

// ---------- CounterRepo ----------

func TestCounterRepo_PreIncrementSequence(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewCounterRepo(db)
	ctx := context.Background()

	name := "seq-" + uuid.NewString()[:8]
	require.NoError(t, repo.EnsureExists(ctx, name, 100))
	// A second provision never resets an existing counter.
	require.NoError(t, repo.EnsureExists(ctx, name, 0))

	for want := int64(100); want < 103; want++ {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		got, err := repo.NextTx(ctx, tx, name)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, want, got)
	}
}
