package records

import (
	"time"

	"github.com/shopspring/decimal"
)

// Collection record statuses.
const (
	CollectionCollected = "collected"
	CollectionPending   = "pending"
	CollectionFailed    = "failed"
)

// Settlement record statuses, in state-machine order.
const (
	SettlementComputed         = "computed"
	SettlementSubmitted        = "submitted"
	SettlementChainConfirmed   = "chain_confirmed"
	SettlementExchangeCredited = "exchange_credited"
	SettlementChainFailed      = "chain_failed"
	SettlementExchangeTimedOut = "exchange_timed_out"
)

// CollectionRecord is the audit trail of one sweep attempt. Every broadcast
// sweep produces exactly one record; the external repository collaborator
// consumes them from here.
type CollectionRecord struct {
	ID              string          `json:"id"`
	SourceAddress   string          `json:"sourceAddress"`
	ChainKey        string          `json:"chainKey"`
	CollectedAmount decimal.Decimal `json:"collectedAmount"`
	TxHash          string          `json:"txHash"`
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// SettlementRecord tracks one settlement cycle through its state machine.
// Terminal once status is exchange_credited, chain_failed or
// exchange_timed_out.
type SettlementRecord struct {
	ID                     string          `json:"id"`
	Asset                  string          `json:"asset"`
	HotWalletTotal         decimal.Decimal `json:"hotWalletTotal"`
	ExchangeBalance        decimal.Decimal `json:"exchangeBalance"`
	TargetRatio            decimal.Decimal `json:"targetRatio"`
	ComputedTransferAmount decimal.Decimal `json:"computedTransferAmount"`
	Status                 string          `json:"status"`
	ExecutedTxHash         string          `json:"executedTxHash,omitempty"`
	Reason                 string          `json:"reason,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	ConfirmedAt            *time.Time      `json:"confirmedAt,omitempty"`
}
