package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lendcore/custody-workers/chain"
	"github.com/lendcore/custody-workers/chain/chaintest"
	"github.com/lendcore/custody-workers/exchange"
	"github.com/lendcore/custody-workers/records"
	"github.com/lendcore/custody-workers/wallet"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func testStore(t *testing.T) *records.Store {
	t.Helper()
	store, err := records.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEngine(t *testing.T) *wallet.Engine {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	engine, err := wallet.NewEngine(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return engine
}

// fakeExchange implements exchange.Client in memory.
type fakeExchange struct {
	mu          sync.Mutex
	balance     decimal.Decimal
	deposits    []exchange.Deposit
	statusDelay time.Duration // applied to the first status poll only
}

func (f *fakeExchange) GetDepositAddress(ctx context.Context, asset, network string) (*exchange.DepositAddress, error) {
	return &exchange.DepositAddress{Address: "exchange-deposit"}, nil
}

func (f *fakeExchange) GetDepositStatus(ctx context.Context, asset, address string, since time.Time) ([]exchange.Deposit, error) {
	f.mu.Lock()
	delay := f.statusDelay
	f.statusDelay = 0
	deposits := append([]exchange.Deposit(nil), f.deposits...)
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return deposits, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeExchange) setDeposits(deposits ...exchange.Deposit) {
	f.mu.Lock()
	f.deposits = deposits
	f.mu.Unlock()
}

func newTestExecutor(t *testing.T, fake *chaintest.FakeAdapter, exch *fakeExchange, store *records.Store, ratio string) (*Executor, string) {
	t.Helper()
	engine := testEngine(t)
	executor := NewExecutor(Config{
		Asset:           "ETH",
		ChainKey:        "eth",
		Network:         "ERC20",
		Family:          wallet.FamilyEVM,
		TargetRatio:     decimal.RequireFromString(ratio),
		Decimals:        0,
		PollInterval:    10 * time.Millisecond,
		ExchangeTimeout: 100 * time.Millisecond,
		ConfirmTimeout:  time.Second,
		FeeReserve:      fake.FeeReserve,
	}, fake, exch, engine, store, testLogger())

	hotAddress, err := engine.HotWalletAddress(wallet.FamilyEVM)
	require.NoError(t, err)
	return executor, hotAddress
}

func TestRunCycleToCredited(t *testing.T) {
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(10))
	exch := &fakeExchange{balance: decimal.NewFromInt(500)}
	exch.setDeposits(exchange.Deposit{Amount: decimal.NewFromInt(100000), Status: exchange.StatusSuccess})
	store := testStore(t)
	executor, hotAddress := newTestExecutor(t, fake, exch, store, "0.5")

	fake.SetBalance(hotAddress, big.NewInt(1000))

	rec, err := executor.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, records.SettlementExchangeCredited, rec.Status)
	require.NotNil(t, rec.ConfirmedAt)
	// 0.5 * (1000 + 500) - 500
	require.True(t, decimal.NewFromInt(250).Equal(rec.ComputedTransferAmount), "got %s", rec.ComputedTransferAmount)
	require.Equal(t, 1, fake.SignCalls)
	require.Equal(t, 1, fake.BroadcastCalls)

	// Transfer amount plus fee left the hot wallet, the deposit address got
	// the amount.
	require.Equal(t, big.NewInt(740), fake.Balance(hotAddress))
	require.Equal(t, big.NewInt(250), fake.Balance("exchange-deposit"))

	// Terminal: slot released, payload dropped.
	_, held, err := store.SettlementInFlight("ETH")
	require.NoError(t, err)
	require.False(t, held)
	pending, err := store.GetPendingTransfer("settle-" + rec.ID)
	require.NoError(t, err)
	require.Nil(t, pending)

	saved, err := store.GetSettlement(rec.ID)
	require.NoError(t, err)
	require.Equal(t, records.SettlementExchangeCredited, saved.Status)
}

func TestRunCycleNoActionNeeded(t *testing.T) {
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(10))
	exch := &fakeExchange{balance: decimal.NewFromInt(5000)}
	store := testStore(t)
	executor, hotAddress := newTestExecutor(t, fake, exch, store, "0.5")

	fake.SetBalance(hotAddress, big.NewInt(1000))

	rec, err := executor.RunCycle(context.Background())
	require.NoError(t, err)
	require.Nil(t, rec, "overfunded exchange must not trigger a transfer")
	require.Equal(t, 0, fake.BroadcastCalls)

	_, held, err := store.SettlementInFlight("ETH")
	require.NoError(t, err)
	require.False(t, held)
}

func TestRunCycleInvalidRatio(t *testing.T) {
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(10))
	exch := &fakeExchange{balance: decimal.NewFromInt(100)}
	store := testStore(t)
	executor, hotAddress := newTestExecutor(t, fake, exch, store, "1.5")

	fake.SetBalance(hotAddress, big.NewInt(1000))

	_, err := executor.RunCycle(context.Background())
	var ratioErr *InvalidRatioError
	require.True(t, errors.As(err, &ratioErr))
	require.Equal(t, 0, fake.BroadcastCalls)
}

func TestRunCycleCapsTransferAtFeeReserve(t *testing.T) {
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(10))
	exch := &fakeExchange{balance: decimal.Zero}
	exch.setDeposits(exchange.Deposit{Amount: decimal.NewFromInt(100000), Status: exchange.StatusSuccess})
	store := testStore(t)
	executor, hotAddress := newTestExecutor(t, fake, exch, store, "1")

	fake.SetBalance(hotAddress, big.NewInt(100))

	rec, err := executor.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, records.SettlementExchangeCredited, rec.Status)
	// Ratio 1 wants the full 100; the fee stays behind.
	require.True(t, decimal.NewFromInt(90).Equal(rec.ComputedTransferAmount), "got %s", rec.ComputedTransferAmount)
	require.Equal(t, big.NewInt(0), fake.Balance(hotAddress))
}

func TestRunCycleExchangeTimedOut(t *testing.T) {
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(10))
	exch := &fakeExchange{balance: decimal.NewFromInt(500)}
	// Deposit visible but never fully available.
	exch.setDeposits(exchange.Deposit{Amount: decimal.NewFromInt(100000), Status: exchange.StatusCredited})
	store := testStore(t)
	executor, hotAddress := newTestExecutor(t, fake, exch, store, "0.5")

	fake.SetBalance(hotAddress, big.NewInt(1000))

	rec, err := executor.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, records.SettlementExchangeTimedOut, rec.Status)
	require.NotEmpty(t, rec.Reason)

	// Terminal for the worker; operator follow-up, slot released.
	_, held, err := store.SettlementInFlight("ETH")
	require.NoError(t, err)
	require.False(t, held)
}

func TestRunCycleResumesAfterChainTimeout(t *testing.T) {
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(10))
	fake.ConfirmResult = chain.TimedOut
	exch := &fakeExchange{balance: decimal.NewFromInt(500)}
	exch.setDeposits(exchange.Deposit{Amount: decimal.NewFromInt(100000), Status: exchange.StatusSuccess})
	store := testStore(t)
	executor, hotAddress := newTestExecutor(t, fake, exch, store, "0.5")

	fake.SetBalance(hotAddress, big.NewInt(1000))

	rec, err := executor.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, records.SettlementSubmitted, rec.Status)
	require.Equal(t, 1, fake.SignCalls)
	require.Equal(t, 1, fake.BroadcastCalls)

	// Slot stays held, payload stays persisted.
	holder, held, err := store.SettlementInFlight("ETH")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, rec.ID, holder)

	// Next trigger re-broadcasts the identical payload and completes the
	// cycle without a second signature.
	fake.ConfirmResult = chain.Confirmed
	resumed, err := executor.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resumed)
	require.Equal(t, rec.ID, resumed.ID)
	require.Equal(t, records.SettlementExchangeCredited, resumed.Status)
	require.Equal(t, rec.ExecutedTxHash, resumed.ExecutedTxHash)
	require.Equal(t, 1, fake.SignCalls, "resume must not re-sign")
	require.Equal(t, 2, fake.BroadcastCalls)
}

func TestRunCycleRejectsConcurrentTrigger(t *testing.T) {
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(10))
	exch := &fakeExchange{balance: decimal.NewFromInt(500), statusDelay: 300 * time.Millisecond}
	exch.setDeposits(exchange.Deposit{Amount: decimal.NewFromInt(100000), Status: exchange.StatusSuccess})
	store := testStore(t)
	executor, hotAddress := newTestExecutor(t, fake, exch, store, "0.5")

	fake.SetBalance(hotAddress, big.NewInt(1000))

	done := make(chan struct{})
	var firstRec *records.SettlementRecord
	var firstErr error
	go func() {
		defer close(done)
		firstRec, firstErr = executor.RunCycle(context.Background())
	}()

	// Let the first cycle reach the slow exchange poll, then trigger again.
	time.Sleep(100 * time.Millisecond)
	_, err := executor.RunCycle(context.Background())
	require.ErrorIs(t, err, records.ErrSettlementInFlight)

	<-done
	require.NoError(t, firstErr)
	require.NotNil(t, firstRec)
	require.Equal(t, records.SettlementExchangeCredited, firstRec.Status)
	require.Equal(t, 1, fake.BroadcastCalls, "only one transfer may ever be submitted")
}
