// Package collector sweeps ephemeral invoice wallets into the pooled hot
// wallet for one chain.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/lendcore/custody-workers/chain"
	"github.com/lendcore/custody-workers/records"
	"github.com/lendcore/custody-workers/wallet"
)

// Outcome of one collection attempt.
type Outcome int

const (
	Collected Outcome = iota
	Skipped
	Pending
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Collected:
		return "collected"
	case Skipped:
		return "skipped"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result of a collection attempt. Amount and TxHash are set once a transfer
// was actually broadcast.
type Result struct {
	Outcome Outcome
	Amount  *big.Int
	TxHash  string
	Reason  string
}

// Config carries the chain-specific sweep constants. FeeReserve must cover
// one fee-paying transaction at current network conditions; balances at or
// below FeeReserve + DustThreshold are skipped.
type Config struct {
	FeeReserve     func(ctx context.Context) (*big.Int, error)
	DustThreshold  *big.Int
	ConfirmTimeout time.Duration
}

type Collector struct {
	adapter chain.Adapter
	cfg     Config
	store   *records.Store
	logger  *logrus.Entry
}

func New(adapter chain.Adapter, cfg Config, store *records.Store, logger *logrus.Entry) *Collector {
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.DustThreshold == nil {
		cfg.DustThreshold = big.NewInt(0)
	}
	return &Collector{adapter: adapter, cfg: cfg, store: store, logger: logger}
}

func transferID(chainKey, address string) string {
	return fmt.Sprintf("sweep-%s-%s", chainKey, address)
}

// Collect inspects the ephemeral wallet's balance and, if collectible, sweeps
// it to the hot wallet. Each broadcast attempt emits exactly one
// CollectionRecord. A wallet whose previous sweep timed out is resumed with
// the previously signed payload; the transfer is never re-signed.
func (c *Collector) Collect(ctx context.Context, ew *wallet.EphemeralWallet, hotWalletAddress string) (*Result, error) {
	chainKey := c.adapter.ChainKey()
	pendingID := transferID(chainKey, ew.Address)

	// Resume a sweep whose confirmation timed out earlier. The persisted
	// payload carries the amount, so the terminal record stays reconcilable.
	if signed, err := c.store.GetPendingTransfer(pendingID); err != nil {
		return nil, err
	} else if signed != nil {
		return c.finish(ctx, ew, signed, signed.Amount)
	}

	balance, err := c.adapter.GetBalance(ctx, ew.Address)
	if err != nil {
		return nil, fmt.Errorf("balance query for %s on %s: %w", ew.Address, chainKey, err)
	}
	reserve, err := c.cfg.FeeReserve(ctx)
	if err != nil {
		return nil, fmt.Errorf("fee reserve for %s: %w", chainKey, err)
	}

	collectible := new(big.Int).Sub(balance, reserve)
	if collectible.Cmp(c.cfg.DustThreshold) <= 0 {
		c.logger.Debugf("Skipping %s on %s: balance %s below reserve %s + dust", ew.Address, chainKey, balance, reserve)
		return &Result{Outcome: Skipped}, nil
	}

	unsigned, err := c.adapter.BuildTransfer(ctx, ew.Address, hotWalletAddress, collectible)
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientBalance) || errors.Is(err, chain.ErrBelowRentReserve) {
			return &Result{Outcome: Skipped, Reason: err.Error()}, nil
		}
		return nil, err
	}
	signed, err := c.adapter.Sign(unsigned, ew.Keypair)
	if err != nil {
		return nil, fmt.Errorf("sign sweep from %s: %w", ew.Address, err)
	}
	if err := c.store.SavePendingTransfer(pendingID, signed); err != nil {
		return nil, err
	}

	return c.finish(ctx, ew, signed, unsigned.Amount)
}

// finish broadcasts (or re-broadcasts) a signed sweep and waits for
// confirmation.
func (c *Collector) finish(ctx context.Context, ew *wallet.EphemeralWallet, signed *chain.SignedTx, amount *big.Int) (*Result, error) {
	chainKey := c.adapter.ChainKey()
	pendingID := transferID(chainKey, ew.Address)

	rec := &records.CollectionRecord{
		ID:            uuid.NewString(),
		SourceAddress: ew.Address,
		ChainKey:      chainKey,
		TxHash:        signed.Hash,
		CreatedAt:     time.Now(),
	}
	if amount != nil {
		rec.CollectedAmount = decimal.NewFromBigInt(amount, 0)
	}

	handle, err := c.adapter.Broadcast(ctx, signed)
	if err != nil {
		// Chain-level rejection: record for operator review, drop the
		// pending payload so the next cycle can rebuild.
		rec.Status = records.CollectionFailed
		rec.Reason = err.Error()
		if serr := c.store.SaveCollection(rec); serr != nil {
			return nil, serr
		}
		c.store.DeletePendingTransfer(pendingID)
		c.logger.Errorf("Sweep broadcast from %s on %s rejected: %v", ew.Address, chainKey, err)
		return &Result{Outcome: Failed, Reason: err.Error()}, nil
	}

	status, err := c.adapter.WaitForConfirmation(ctx, handle, c.cfg.ConfirmTimeout)
	if err != nil && ctx.Err() != nil {
		status = chain.TimedOut
	}

	switch status {
	case chain.Confirmed:
		rec.Status = records.CollectionCollected
		if err := c.store.SaveCollection(rec); err != nil {
			return nil, err
		}
		c.store.DeletePendingTransfer(pendingID)
		c.logger.Infof("Collected %s from %s on %s (tx %s)", rec.CollectedAmount, ew.Address, chainKey, signed.Hash)
		return &Result{Outcome: Collected, Amount: amount, TxHash: signed.Hash}, nil

	case chain.Reverted:
		rec.Status = records.CollectionFailed
		rec.Reason = "transaction reverted"
		if err := c.store.SaveCollection(rec); err != nil {
			return nil, err
		}
		c.store.DeletePendingTransfer(pendingID)
		c.logger.Errorf("Sweep %s from %s on %s reverted", signed.Hash, ew.Address, chainKey)
		return &Result{Outcome: Failed, Reason: "transaction reverted"}, nil

	default:
		// Timed out: keep the signed payload so the next cycle re-polls and,
		// if needed, re-broadcasts exactly the same transfer.
		rec.Status = records.CollectionPending
		if err := c.store.SaveCollection(rec); err != nil {
			return nil, err
		}
		c.logger.Warnf("Sweep %s from %s on %s not confirmed yet", signed.Hash, ew.Address, chainKey)
		return &Result{Outcome: Pending, TxHash: signed.Hash}, nil
	}
}
