package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/lendcore/custody-workers/chain"
	"github.com/lendcore/custody-workers/exchange"
	"github.com/lendcore/custody-workers/records"
	"github.com/lendcore/custody-workers/utils"
	"github.com/lendcore/custody-workers/wallet"
)

// Config for one asset's settlement executor.
type Config struct {
	Asset    string
	ChainKey string
	Network  string // exchange network identifier for the asset
	Family   wallet.Family

	TargetRatio decimal.Decimal
	// Decimals converts between base units (chain) and asset units
	// (calculator, exchange API).
	Decimals int32

	PollInterval    time.Duration // exchange deposit poll, default 15s
	ExchangeTimeout time.Duration // overall deposit wait, default 10min
	ConfirmTimeout  time.Duration // on-chain confirmation wait, default 2min

	// FeeReserve keeps enough in the hot wallet to pay for the settlement
	// transfer itself.
	FeeReserve func(ctx context.Context) (*big.Int, error)
}

// Executor runs settlement cycles for one asset. At most one cycle per asset
// is ever submitted at a time: an in-process mutex rejects concurrent
// triggers, and a persisted in-flight marker protects against a second
// process. A cycle interrupted mid-flight is resumed, never re-signed.
type Executor struct {
	cfg      Config
	adapter  chain.Adapter
	exchange exchange.Client
	engine   *wallet.Engine
	store    *records.Store
	logger   *logrus.Entry

	mu sync.Mutex
}

func NewExecutor(cfg Config, adapter chain.Adapter, exch exchange.Client, engine *wallet.Engine, store *records.Store, logger *logrus.Entry) *Executor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = 10 * time.Minute
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Executor{
		cfg:      cfg,
		adapter:  adapter,
		exchange: exch,
		engine:   engine,
		store:    store,
		logger:   logger,
	}
}

func settleTransferID(recordID string) string {
	return "settle-" + recordID
}

// RunCycle computes and, when needed, executes one settlement transfer. A nil
// record with nil error means no action was required.
func (e *Executor) RunCycle(ctx context.Context) (*records.SettlementRecord, error) {
	if !e.mu.TryLock() {
		return nil, records.ErrSettlementInFlight
	}
	defer e.mu.Unlock()

	// A previous cycle may still hold the in-flight slot (e.g. confirmation
	// timed out, or the process restarted mid-cycle). Resume it instead of
	// starting a second transfer.
	if holderID, held, err := e.store.SettlementInFlight(e.cfg.Asset); err != nil {
		return nil, err
	} else if held {
		return e.resume(ctx, holderID)
	}

	hotAddress, err := e.engine.HotWalletAddress(e.cfg.Family)
	if err != nil {
		return nil, err
	}
	hotBalance, err := e.adapter.GetBalance(ctx, hotAddress)
	if err != nil {
		return nil, fmt.Errorf("hot wallet balance for %s: %w", e.cfg.Asset, err)
	}
	hotTotal := decimal.NewFromBigInt(hotBalance, -e.cfg.Decimals)

	exchangeBalance, err := e.exchange.GetBalance(ctx, e.cfg.Asset)
	if err != nil {
		return nil, fmt.Errorf("exchange balance for %s: %w", e.cfg.Asset, err)
	}

	transfer, err := ComputeSettlement(hotTotal, exchangeBalance, e.cfg.TargetRatio)
	if err != nil {
		return nil, err
	}
	if transfer.Sign() <= 0 {
		e.logger.Infof("Settlement for %s: no action (computed %s)", e.cfg.Asset, transfer)
		return nil, nil
	}

	// Leave the transfer fee behind in the hot wallet.
	if e.cfg.FeeReserve != nil {
		reserve, err := e.cfg.FeeReserve(ctx)
		if err != nil {
			return nil, err
		}
		available := hotTotal.Sub(decimal.NewFromBigInt(reserve, -e.cfg.Decimals))
		if transfer.GreaterThan(available) {
			transfer = available
		}
		if transfer.Sign() <= 0 {
			e.logger.Infof("Settlement for %s: hot wallet cannot cover transfer plus fee", e.cfg.Asset)
			return nil, nil
		}
	}

	rec := &records.SettlementRecord{
		ID:                     uuid.NewString(),
		Asset:                  e.cfg.Asset,
		HotWalletTotal:         hotTotal,
		ExchangeBalance:        exchangeBalance,
		TargetRatio:            e.cfg.TargetRatio,
		ComputedTransferAmount: transfer,
		Status:                 records.SettlementComputed,
		CreatedAt:              time.Now(),
	}
	if err := e.store.SaveSettlement(rec); err != nil {
		return nil, err
	}
	if _, err := e.store.MarkSettlementInFlight(e.cfg.Asset, rec.ID); err != nil {
		return nil, err
	}

	return e.submit(ctx, rec, hotAddress)
}

func (e *Executor) submit(ctx context.Context, rec *records.SettlementRecord, hotAddress string) (*records.SettlementRecord, error) {
	depositAddr, err := e.exchange.GetDepositAddress(ctx, e.cfg.Asset, e.cfg.Network)
	if err != nil {
		return e.failChain(rec, fmt.Sprintf("deposit address lookup: %v", err))
	}

	amountBase := rec.ComputedTransferAmount.Shift(e.cfg.Decimals).BigInt()
	unsigned, err := e.adapter.BuildTransfer(ctx, hotAddress, depositAddr.Address, amountBase)
	if err != nil {
		return e.failChain(rec, fmt.Sprintf("build transfer: %v", err))
	}

	hotKey, err := e.engine.HotWalletKeypair(e.cfg.Family)
	if err != nil {
		return e.failChain(rec, fmt.Sprintf("hot wallet key: %v", err))
	}
	signed, err := e.adapter.Sign(unsigned, hotKey)
	hotKey.Zero()
	if err != nil {
		return e.failChain(rec, fmt.Sprintf("sign transfer: %v", err))
	}
	if err := e.store.SavePendingTransfer(settleTransferID(rec.ID), signed); err != nil {
		return nil, err
	}

	rec.Status = records.SettlementSubmitted
	rec.ExecutedTxHash = signed.Hash
	if err := e.store.SaveSettlement(rec); err != nil {
		return nil, err
	}

	return e.broadcastAndConfirm(ctx, rec, signed, depositAddr.Address)
}

func (e *Executor) broadcastAndConfirm(ctx context.Context, rec *records.SettlementRecord, signed *chain.SignedTx, depositAddress string) (*records.SettlementRecord, error) {
	handle, err := e.adapter.Broadcast(ctx, signed)
	if err != nil {
		e.store.DeletePendingTransfer(settleTransferID(rec.ID))
		return e.failChain(rec, fmt.Sprintf("broadcast rejected: %v", err))
	}

	status, err := e.adapter.WaitForConfirmation(ctx, handle, e.cfg.ConfirmTimeout)
	if err != nil && ctx.Err() != nil {
		status = chain.TimedOut
	}

	switch status {
	case chain.Reverted:
		e.store.DeletePendingTransfer(settleTransferID(rec.ID))
		return e.failChain(rec, "transaction reverted")

	case chain.TimedOut:
		// Not terminal: the signed payload and the in-flight marker stay,
		// the next cycle re-polls without re-signing.
		e.logger.Warnf("Settlement %s for %s not confirmed yet (tx %s)", rec.ID, e.cfg.Asset, signed.Hash)
		return rec, nil

	default:
		rec.Status = records.SettlementChainConfirmed
		if err := e.store.SaveSettlement(rec); err != nil {
			return nil, err
		}
		e.store.DeletePendingTransfer(settleTransferID(rec.ID))
		return e.pollExchange(ctx, rec, depositAddress)
	}
}

// pollExchange waits until the exchange reports the deposit fully available.
// "credited" (seen but not withdrawable) keeps polling.
func (e *Executor) pollExchange(ctx context.Context, rec *records.SettlementRecord, depositAddress string) (*records.SettlementRecord, error) {
	deadline := time.Now().Add(e.cfg.ExchangeTimeout)

	for {
		deposits, err := e.exchange.GetDepositStatus(ctx, e.cfg.Asset, depositAddress, rec.CreatedAt)
		if err != nil {
			e.logger.Warnf("Deposit status poll for %s failed: %v", e.cfg.Asset, err)
		} else {
			for _, dep := range deposits {
				if dep.Status == exchange.StatusSuccess && dep.Amount.Cmp(rec.ComputedTransferAmount) >= 0 {
					now := time.Now()
					rec.Status = records.SettlementExchangeCredited
					rec.ConfirmedAt = &now
					if err := e.store.SaveSettlement(rec); err != nil {
						return nil, err
					}
					e.store.ClearSettlementInFlight(e.cfg.Asset)
					e.logger.Infof("Settlement %s for %s credited: %s (tx %s)", rec.ID, e.cfg.Asset, rec.ComputedTransferAmount, rec.ExecutedTxHash)
					return rec, nil
				}
			}
		}

		if time.Now().After(deadline) {
			rec.Status = records.SettlementExchangeTimedOut
			rec.Reason = "exchange never reported the deposit fully available"
			if err := e.store.SaveSettlement(rec); err != nil {
				return nil, err
			}
			e.store.ClearSettlementInFlight(e.cfg.Asset)
			msg := fmt.Sprintf("Settlement %s for %s chain-confirmed but exchange credit timed out (amount %s, tx %s)",
				rec.ID, e.cfg.Asset, rec.ComputedTransferAmount, rec.ExecutedTxHash)
			e.logger.Error(msg)
			utils.SendSlackNotification(msg, utils.AlertNotification)
			return rec, nil
		}
		select {
		case <-ctx.Done():
			// Caller deadline, not the exchange's: leave the cycle in flight
			// for the next trigger to resume polling.
			return rec, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// resume continues a cycle that holds the in-flight slot.
func (e *Executor) resume(ctx context.Context, recordID string) (*records.SettlementRecord, error) {
	rec, err := e.store.GetSettlement(recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Stale marker with no record behind it.
		e.store.ClearSettlementInFlight(e.cfg.Asset)
		return nil, nil
	}
	e.logger.Infof("Resuming settlement %s for %s in status %s", rec.ID, e.cfg.Asset, rec.Status)

	depositAddr, err := e.exchange.GetDepositAddress(ctx, e.cfg.Asset, e.cfg.Network)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case records.SettlementSubmitted:
		signed, err := e.store.GetPendingTransfer(settleTransferID(rec.ID))
		if err != nil {
			return nil, err
		}
		if signed == nil {
			return e.failChain(rec, "pending transfer lost before confirmation")
		}
		// Re-broadcasting the identical payload is safe: account chains see
		// the same nonce, UTXO chains the same inputs.
		return e.broadcastAndConfirm(ctx, rec, signed, depositAddr.Address)

	case records.SettlementChainConfirmed:
		return e.pollExchange(ctx, rec, depositAddr.Address)

	default:
		// Never submitted; nothing is on chain, safe to fail and release.
		return e.failChain(rec, fmt.Sprintf("cycle interrupted in status %s before submission", rec.Status))
	}
}

func (e *Executor) failChain(rec *records.SettlementRecord, reason string) (*records.SettlementRecord, error) {
	rec.Status = records.SettlementChainFailed
	rec.Reason = reason
	if err := e.store.SaveSettlement(rec); err != nil {
		return nil, err
	}
	e.store.ClearSettlementInFlight(e.cfg.Asset)
	msg := fmt.Sprintf("Settlement %s for %s failed: %s (amount %s)", rec.ID, e.cfg.Asset, reason, rec.ComputedTransferAmount)
	e.logger.Error(msg)
	utils.SendSlackNotification(msg, utils.AlertNotification)
	return rec, nil
}
