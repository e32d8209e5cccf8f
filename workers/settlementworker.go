package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lendcore/custody-workers/records"
	"github.com/lendcore/custody-workers/settlement"
	"github.com/lendcore/custody-workers/utils"
)

const settlementCycleTimeout = 15 * time.Minute

// SettlementWorker triggers settlement cycles for one asset on a fixed
// schedule.
type SettlementWorker struct {
	WorkerAbs
	asset      string
	chainKey   string
	hotAddress string
	executor   *settlement.Executor
	locks      *WalletLock
}

func NewSettlementWorker(asset, chainKey, hotAddress string, executor *settlement.Executor, locks *WalletLock) *SettlementWorker {
	return &SettlementWorker{
		asset:      asset,
		chainKey:   chainKey,
		hotAddress: hotAddress,
		executor:   executor,
		locks:      locks,
	}
}

func (w *SettlementWorker) Init(id int, name string, freq int, network string) error {
	return w.WorkerAbs.Init(id, name, freq, network)
}

func (w *SettlementWorker) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), settlementCycleTimeout)
	defer cancel()

	unlock := w.locks.Lock(w.chainKey, w.hotAddress)
	defer unlock()

	rec, err := w.executor.RunCycle(ctx)
	if errors.Is(err, records.ErrSettlementInFlight) {
		w.Logger.Infof("Settlement for %s already in flight, skipping trigger", w.asset)
		return
	}
	if err != nil {
		w.Logger.Errorf("Settlement cycle for %s errored: %v", w.asset, err)
		return
	}
	if rec == nil {
		return
	}

	switch rec.Status {
	case records.SettlementExchangeCredited:
		w.Logger.Infof("Settlement %s for %s complete: %s moved (tx %s)", rec.ID, w.asset, rec.ComputedTransferAmount, rec.ExecutedTxHash)
	case records.SettlementChainFailed, records.SettlementExchangeTimedOut:
		// failChain/pollExchange already alerted; log for the worker trail.
		w.Logger.Errorf("Settlement %s for %s terminal failure: %s", rec.ID, w.asset, rec.Reason)
	default:
		msg := fmt.Sprintf("Settlement %s for %s left in status %s, will resume next cycle", rec.ID, w.asset, rec.Status)
		w.Logger.Warn(msg)
		utils.SendSlackNotification(msg, utils.InfoNotification)
	}
}
