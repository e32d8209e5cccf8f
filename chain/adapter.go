package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/lendcore/custody-workers/wallet"
)

// ConfirmationStatus is the terminal outcome of waiting on one broadcast
// transfer.
type ConfirmationStatus int

const (
	Confirmed ConfirmationStatus = iota
	TimedOut
	Reverted
)

func (s ConfirmationStatus) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case TimedOut:
		return "timed_out"
	case Reverted:
		return "reverted"
	}
	return "unknown"
}

var (
	// ErrInsufficientBalance means the balance cannot cover amount plus fee.
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")
	// ErrEmptyAcceptSet means no endpoint accepted a broadcast payload.
	ErrEmptyAcceptSet = errors.New("no endpoint accepted the transaction")
	// ErrBelowRentReserve means a transfer would strand a ledger account
	// below its rent-exempt minimum without closing it.
	ErrBelowRentReserve = errors.New("transfer would leave account below rent-exempt reserve")
)

// UTXO is one unspent output pinned into a UTXO-chain transfer.
type UTXO struct {
	TxHash string `json:"txHash"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
}

// UnsignedTx pins everything needed for a deterministic signature: the nonce
// for account chains, the unspent-output set for UTXO chains, the recent
// blockhash for ledger chains. Re-signing the same UnsignedTx always yields
// the same wire payload, which is what makes resubmission after a
// confirmation timeout safe.
type UnsignedTx struct {
	ChainKey string   `json:"chainKey"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Amount   *big.Int `json:"amount"`
	Fee      *big.Int `json:"fee"`

	// EVM fields.
	Nonce    uint64   `json:"nonce,omitempty"`
	GasPrice *big.Int `json:"gasPrice,omitempty"`
	GasLimit uint64   `json:"gasLimit,omitempty"`

	// UTXO fields.
	Inputs []UTXO `json:"inputs,omitempty"`
	Change int64  `json:"change,omitempty"`

	// Ledger fields.
	RecentBlockhash string `json:"recentBlockhash,omitempty"`
}

// SignedTx carries the serialized wire payload plus the idempotency anchors
// needed to recognise a resubmission. Amount is kept alongside the payload so
// a resumed transfer still produces a fully reconcilable record.
type SignedTx struct {
	ChainKey string   `json:"chainKey"`
	Raw      []byte   `json:"raw"`
	Hash     string   `json:"hash"`
	Amount   *big.Int `json:"amount,omitempty"`
	Nonce    uint64   `json:"nonce,omitempty"`
	Inputs   []UTXO   `json:"inputs,omitempty"`
}

// TxHandle references one broadcast transfer for confirmation polling.
type TxHandle struct {
	ChainKey string `json:"chainKey"`
	Hash     string `json:"hash"`
}

// Adapter wraps one chain family behind uniform balance, transfer
// construction, signing, broadcast and confirmation operations. Transfer
// state advances Built -> Signed -> Broadcast -> {Confirmed, Reverted,
// TimedOut}; a retry after TimedOut must reuse the previously signed payload,
// never build and sign a second one.
type Adapter interface {
	ChainKey() string
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	BuildTransfer(ctx context.Context, from, to string, amount *big.Int) (*UnsignedTx, error)
	Sign(tx *UnsignedTx, key *wallet.Keypair) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) (*TxHandle, error)
	WaitForConfirmation(ctx context.Context, handle *TxHandle, timeout time.Duration) (ConfirmationStatus, error)
}
