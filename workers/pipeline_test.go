package workers

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lendcore/custody-workers/chain/chaintest"
	"github.com/lendcore/custody-workers/collector"
	"github.com/lendcore/custody-workers/exchange"
	"github.com/lendcore/custody-workers/records"
	"github.com/lendcore/custody-workers/settlement"
	"github.com/lendcore/custody-workers/wallet"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
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

type stubExchange struct {
	mu      sync.Mutex
	balance decimal.Decimal
}

func (s *stubExchange) GetDepositAddress(ctx context.Context, asset, network string) (*exchange.DepositAddress, error) {
	return &exchange.DepositAddress{Address: "exchange-deposit"}, nil
}

func (s *stubExchange) GetDepositStatus(ctx context.Context, asset, address string, since time.Time) ([]exchange.Deposit, error) {
	return []exchange.Deposit{{Amount: decimal.NewFromInt(1_000_000), Status: exchange.StatusSuccess}}, nil
}

func (s *stubExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *stubExchange) setBalance(v int64) {
	s.mu.Lock()
	s.balance = decimal.NewFromInt(v)
	s.mu.Unlock()
}

// A payment lands on invoice 555's wallet, the collection worker sweeps it
// into the hot wallet, and a settlement cycle moves half of the combined
// liquidity to the exchange with a single transfer.
func TestInvoicePaymentThroughSettlement(t *testing.T) {
	engine := testEngine(t)
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(500))
	store, err := records.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	locks := NewWalletLock()

	ew, err := engine.InvoiceWallet(wallet.FamilyEVM, 555)
	require.NoError(t, err)
	hotAddress, err := engine.HotWalletAddress(wallet.FamilyEVM)
	require.NoError(t, err)

	// Payment arrives; the invoice is on the watch list.
	fake.SetBalance(ew.Address, big.NewInt(10_000))
	require.NoError(t, store.WatchInvoice("eth", 555))

	col := collector.New(fake, collector.Config{
		FeeReserve:     fake.FeeReserve,
		DustThreshold:  big.NewInt(100),
		ConfirmTimeout: time.Second,
	}, store, testLogger())

	colWorker := NewCollectionWorker(engine, wallet.FamilyEVM, "eth", col, store, locks)
	require.NoError(t, colWorker.Init(1, "ETH Balance Collector", 300, "mainnet"))
	colWorker.Execute()

	// Balance minus the fee reserve reached the hot wallet, exactly one
	// collection record exists, and the invoice left the watch list.
	require.Equal(t, big.NewInt(9_500), fake.Balance(hotAddress))
	require.Equal(t, big.NewInt(0), fake.Balance(ew.Address))
	recs, err := store.ListCollections("eth")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, records.CollectionCollected, recs[0].Status)
	watched, err := store.WatchedInvoices("eth")
	require.NoError(t, err)
	require.Empty(t, watched)

	// Settlement: ratio 0.5 against 9500 on-chain and 500 on the exchange
	// moves 4500 out.
	exch := &stubExchange{balance: decimal.NewFromInt(500)}
	executor := settlement.NewExecutor(settlement.Config{
		Asset:           "ETH",
		ChainKey:        "eth",
		Network:         "ERC20",
		Family:          wallet.FamilyEVM,
		TargetRatio:     decimal.RequireFromString("0.5"),
		Decimals:        0,
		PollInterval:    10 * time.Millisecond,
		ExchangeTimeout: time.Second,
		ConfirmTimeout:  time.Second,
		FeeReserve:      fake.FeeReserve,
	}, fake, exch, engine, store, testLogger())

	setWorker := NewSettlementWorker("ETH", "eth", hotAddress, executor, locks)
	require.NoError(t, setWorker.Init(2, "ETH Settlement", 300, "mainnet"))
	setWorker.Execute()

	require.Equal(t, big.NewInt(4_500), fake.Balance("exchange-deposit"))
	require.Equal(t, big.NewInt(4_500), fake.Balance(hotAddress))
	require.Equal(t, 2, fake.BroadcastCalls, "one sweep plus one settlement transfer")
	_, held, err := store.SettlementInFlight("ETH")
	require.NoError(t, err)
	require.False(t, held)

	// With the exchange side now ahead of target, another trigger does
	// nothing.
	exch.setBalance(5_000)
	setWorker.Execute()
	require.Equal(t, 2, fake.BroadcastCalls)
}

// An empty invoice wallet stays watched and produces no record.
func TestEmptyInvoiceWalletStaysWatched(t *testing.T) {
	engine := testEngine(t)
	fake := chaintest.NewFakeAdapter("eth", big.NewInt(500))
	store, err := records.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WatchInvoice("eth", 777))

	col := collector.New(fake, collector.Config{
		FeeReserve:     fake.FeeReserve,
		DustThreshold:  big.NewInt(100),
		ConfirmTimeout: time.Second,
	}, store, testLogger())

	worker := NewCollectionWorker(engine, wallet.FamilyEVM, "eth", col, store, NewWalletLock())
	require.NoError(t, worker.Init(1, "ETH Balance Collector", 300, "mainnet"))
	worker.Execute()

	watched, err := store.WatchedInvoices("eth")
	require.NoError(t, err)
	require.Equal(t, []int64{777}, watched)
	require.Equal(t, 0, fake.BroadcastCalls)
}
