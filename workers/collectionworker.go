package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/lendcore/custody-workers/collector"
	"github.com/lendcore/custody-workers/records"
	"github.com/lendcore/custody-workers/utils"
	"github.com/lendcore/custody-workers/wallet"
)

// How long one collection cycle may spend on network waits before the job is
// cut off and retried on the next schedule.
const collectionCycleTimeout = 4 * time.Minute

// CollectionWorker sweeps every watched invoice wallet of one chain into the
// chain's hot wallet on a fixed schedule.
type CollectionWorker struct {
	WorkerAbs
	engine     *wallet.Engine
	family     wallet.Family
	chainKey   string
	hotAddress string
	collector  *collector.Collector
	store      *records.Store
	locks      *WalletLock
}

func NewCollectionWorker(engine *wallet.Engine, family wallet.Family, chainKey string, col *collector.Collector, store *records.Store, locks *WalletLock) *CollectionWorker {
	return &CollectionWorker{
		engine:    engine,
		family:    family,
		chainKey:  chainKey,
		collector: col,
		store:     store,
		locks:     locks,
	}
}

func (w *CollectionWorker) Init(id int, name string, freq int, network string) error {
	if err := w.WorkerAbs.Init(id, name, freq, network); err != nil {
		return err
	}
	hotAddress, err := w.engine.HotWalletAddress(w.family)
	if err != nil {
		return fmt.Errorf("derive %s hot wallet: %w", w.chainKey, err)
	}
	w.hotAddress = hotAddress
	w.Logger.Infof("Hot wallet for %s: %s", w.chainKey, hotAddress)
	return nil
}

func (w *CollectionWorker) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), collectionCycleTimeout)
	defer cancel()

	invoiceIDs, err := w.store.WatchedInvoices(w.chainKey)
	if err != nil {
		w.Logger.Errorf("Could not load watch list for %s: %v", w.chainKey, err)
		return
	}
	if len(invoiceIDs) == 0 {
		return
	}
	w.Logger.Infof("Collection cycle for %s: %d watched wallets", w.chainKey, len(invoiceIDs))

	for _, invoiceID := range invoiceIDs {
		if ctx.Err() != nil {
			return
		}
		w.collectOne(ctx, invoiceID)
	}
}

func (w *CollectionWorker) collectOne(ctx context.Context, invoiceID int64) {
	ew, err := w.engine.InvoiceWallet(w.family, invoiceID)
	if err != nil {
		w.Logger.Errorf("Could not derive wallet for invoice %d on %s: %v", invoiceID, w.chainKey, err)
		return
	}
	defer ew.Keypair.Zero()

	unlock := w.locks.Lock(w.chainKey, w.hotAddress)
	result, err := w.collector.Collect(ctx, ew, w.hotAddress)
	unlock()

	if err != nil {
		// Transient infrastructure trouble; the wallet stays watched and the
		// next cycle retries.
		w.Logger.Warnf("Collection for invoice %d on %s errored: %v", invoiceID, w.chainKey, err)
		return
	}

	switch result.Outcome {
	case collector.Collected:
		if err := w.store.UnwatchInvoice(w.chainKey, invoiceID); err != nil {
			w.Logger.Errorf("Could not unwatch invoice %d: %v", invoiceID, err)
		}
	case collector.Failed:
		msg := fmt.Sprintf("Sweep for invoice %d on %s failed: %s (address %s)", invoiceID, w.chainKey, result.Reason, ew.Address)
		w.Logger.Error(msg)
		utils.SendSlackNotification(msg, utils.AlertNotification)
	case collector.Pending:
		w.Logger.Infof("Sweep for invoice %d on %s still pending (tx %s)", invoiceID, w.chainKey, result.TxHash)
	}
}
