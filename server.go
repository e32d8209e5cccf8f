package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/lendcore/custody-workers/chain"
	"github.com/lendcore/custody-workers/collector"
	"github.com/lendcore/custody-workers/evmrpc"
	"github.com/lendcore/custody-workers/exchange"
	"github.com/lendcore/custody-workers/records"
	"github.com/lendcore/custody-workers/settlement"
	"github.com/lendcore/custody-workers/utils"
	"github.com/lendcore/custody-workers/wallet"
	"github.com/lendcore/custody-workers/workers"
)

type Server struct {
	quit    chan os.Signal
	finish  chan bool
	workers []workers.Worker
	store   *records.Store
}

type chainSetup struct {
	chainKey string
	family   wallet.Family
	asset    string
	network  string // exchange network identifier
	adapter  chain.Adapter
	dust     *big.Int
	reserve  func(ctx context.Context) (*big.Int, error)
	decimals int32
}

// NewServer builds the adapter registry and the worker set from the
// environment. The registry is an explicit map constructed once at startup;
// every chain a worker touches is listed here.
func NewServer(workerIDs []int) (*Server, error) {
	seed, err := wallet.LoadMasterSeed()
	if err != nil {
		return nil, err
	}
	netParams := &chaincfg.MainNetParams
	network := os.Getenv("NETWORK")
	if network == "" {
		network = "mainnet"
	}
	if network != "mainnet" {
		netParams = &chaincfg.TestNet3Params
	}

	engine, err := wallet.NewEngine(seed, netParams)
	if err != nil {
		return nil, err
	}
	for i := range seed {
		seed[i] = 0
	}

	store, err := records.Open(envOr("DB_PATH", "db"))
	if err != nil {
		return nil, err
	}

	baseLogger, err := utils.NewLogger()
	if err != nil {
		return nil, err
	}

	exchangeClient := exchange.NewRESTClient(
		os.Getenv("EXCHANGE_API_URL"),
		os.Getenv("EXCHANGE_API_KEY"),
		baseLogger.WithField("component", "exchange"),
	)

	setups, err := buildChainSetups(netParams, baseLogger)
	if err != nil {
		return nil, err
	}

	targetRatio, err := decimal.NewFromString(envOr("TARGET_SETTLEMENT_RATIO", "0.5"))
	if err != nil {
		return nil, fmt.Errorf("bad TARGET_SETTLEMENT_RATIO: %w", err)
	}
	collectFreq := envInt("COLLECT_FREQUENCY", 300)
	settleFreq := envInt("SETTLE_FREQUENCY", 300)

	locks := workers.NewWalletLock()
	listWorkers := []workers.Worker{}
	nextID := 1

	for _, setup := range setups {
		if contain(workerIDs, nextID) {
			col := collector.New(setup.adapter, collector.Config{
				FeeReserve:     setup.reserve,
				DustThreshold:  setup.dust,
				ConfirmTimeout: 60 * time.Second,
			}, store, baseLogger.WithField("component", "collector-"+setup.chainKey))

			worker := workers.NewCollectionWorker(engine, setup.family, setup.chainKey, col, store, locks)
			name := fmt.Sprintf("%s Balance Collector", strings.ToUpper(setup.chainKey))
			if err := worker.Init(nextID, name, collectFreq, network); err != nil {
				return nil, fmt.Errorf("can't init %s: %w", name, err)
			}
			listWorkers = append(listWorkers, worker)
		}
		nextID++

		if contain(workerIDs, nextID) {
			executor := settlement.NewExecutor(settlement.Config{
				Asset:       setup.asset,
				ChainKey:    setup.chainKey,
				Network:     setup.network,
				Family:      setup.family,
				TargetRatio: targetRatio,
				Decimals:    setup.decimals,
				FeeReserve:  setup.reserve,
			}, setup.adapter, exchangeClient, engine, store,
				baseLogger.WithField("component", "settlement-"+setup.asset))

			hotAddress, err := engine.HotWalletAddress(setup.family)
			if err != nil {
				return nil, err
			}
			worker := workers.NewSettlementWorker(setup.asset, setup.chainKey, hotAddress, executor, locks)
			name := fmt.Sprintf("%s Settlement", setup.asset)
			if err := worker.Init(nextID, name, settleFreq, network); err != nil {
				return nil, fmt.Errorf("can't init %s: %w", name, err)
			}
			listWorkers = append(listWorkers, worker)
		}
		nextID++
	}

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGINT, syscall.SIGTERM)
	return &Server{
		quit:    quitChan,
		finish:  make(chan bool, len(listWorkers)),
		workers: listWorkers,
		store:   store,
	}, nil
}

// buildChainSetups assembles the per-chain adapter registry from the env.
// A chain with no configuration is left out of the registry.
func buildChainSetups(netParams *chaincfg.Params, baseLogger *logrus.Logger) ([]chainSetup, error) {
	var setups []chainSetup

	if endpoints := os.Getenv("EVM_RPC_ENDPOINTS"); endpoints != "" {
		chainKey := envOr("EVM_CHAIN_KEY", "eth")
		chainID, ok := new(big.Int).SetString(envOr("EVM_CHAIN_ID", "1"), 10)
		if !ok {
			return nil, fmt.Errorf("bad EVM_CHAIN_ID")
		}
		dispatcher, err := evmrpc.NewDispatcher(chainKey, strings.Split(endpoints, ","),
			baseLogger.WithField("component", "evmrpc-"+chainKey))
		if err != nil {
			return nil, err
		}
		adapter := chain.NewEVMAdapter(chainKey, chainID, dispatcher,
			baseLogger.WithField("component", "evm-"+chainKey))
		setups = append(setups, chainSetup{
			chainKey: chainKey,
			family:   wallet.FamilyEVM,
			asset:    envOr("EVM_ASSET", "ETH"),
			network:  envOr("EVM_EXCHANGE_NETWORK", "ERC20"),
			adapter:  adapter,
			dust:     envBig("EVM_DUST_WEI", "100000000000000"), // 0.0001 ETH
			reserve:  adapter.FeeReserve,
			decimals: 18,
		})
	}

	if token := os.Getenv("BLOCKCYPHER_TOKEN"); token != "" {
		node, err := utils.BuildBTCNodeClient()
		if err != nil {
			return nil, err
		}
		adapter := chain.NewBitcoinAdapter("btc", token, envOr("BTC_NETWORK", "main"),
			node, netParams, envInt64("BTC_FIXED_FEE", 10000),
			baseLogger.WithField("component", "btc"))
		setups = append(setups, chainSetup{
			chainKey: "btc",
			family:   wallet.FamilyBitcoin,
			asset:    "BTC",
			network:  envOr("BTC_EXCHANGE_NETWORK", "BTC"),
			adapter:  adapter,
			dust:     envBig("BTC_DUST_SATS", "1000"),
			reserve:  adapter.FeeReserve,
			decimals: 8,
		})
	}

	if endpoint := os.Getenv("SOL_RPC_ENDPOINT"); endpoint != "" {
		adapter := chain.NewSolanaAdapter("sol", endpoint,
			baseLogger.WithField("component", "sol"))
		setups = append(setups, chainSetup{
			chainKey: "sol",
			family:   wallet.FamilySolana,
			asset:    "SOL",
			network:  envOr("SOL_EXCHANGE_NETWORK", "SOL"),
			adapter:  adapter,
			dust:     envBig("SOL_DUST_LAMPORTS", "10000"),
			reserve:  adapter.FeeReserve,
			decimals: 9,
		})
	}

	return setups, nil
}

func (s *Server) NotifyQuitSignal(workers []workers.Worker) {
	sig := <-s.quit
	fmt.Printf("Caught sig: %+v \n", sig)
	// notify all workers about quit signal
	for _, a := range workers {
		a.GetQuitChan() <- true
	}
}

func (s *Server) Run() {
	workers := s.workers
	go s.NotifyQuitSignal(workers)
	for _, a := range workers {
		go executeWorker(s.finish, a)
	}
}

func executeWorker(finish chan bool, worker workers.Worker) {
	worker.Execute() // execute as soon as starting up
	for {
		select {
		case <-worker.GetQuitChan():
			fmt.Printf("Finishing task for %s ...\n", worker.GetName())
			time.Sleep(time.Second * 1)
			fmt.Printf("Task for %s done! \n", worker.GetName())
			finish <- true
			return
		case <-time.After(time.Duration(worker.GetFrequency()) * time.Second):
			worker.Execute()
		}
	}
}

func contain(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBig(key, fallback string) *big.Int {
	raw := envOr(key, fallback)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		n, _ = new(big.Int).SetString(fallback, 10)
	}
	return n
}
