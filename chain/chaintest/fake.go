// Package chaintest provides an in-memory chain.Adapter for tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/lendcore/custody-workers/chain"
	"github.com/lendcore/custody-workers/wallet"
)

// FakeAdapter implements chain.Adapter against an in-memory balance map with
// controllable confirmation outcomes.
type FakeAdapter struct {
	Key string
	Fee *big.Int

	mu       sync.Mutex
	balances map[string]*big.Int
	nonces   map[string]uint64

	// ConfirmResult is returned by WaitForConfirmation. When it is
	// chain.Confirmed the transfer is applied to the balance map.
	ConfirmResult chain.ConfirmationStatus
	// BroadcastErr, when set, fails every Broadcast call.
	BroadcastErr error

	SignCalls      int
	BroadcastCalls int
	Broadcasted    []*chain.SignedTx

	pending map[string]*chain.UnsignedTx // signed-tx hash -> transfer
}

func NewFakeAdapter(key string, fee *big.Int) *FakeAdapter {
	return &FakeAdapter{
		Key:           key,
		Fee:           fee,
		balances:      map[string]*big.Int{},
		nonces:        map[string]uint64{},
		pending:       map[string]*chain.UnsignedTx{},
		ConfirmResult: chain.Confirmed,
	}
}

func (f *FakeAdapter) SetBalance(address string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = new(big.Int).Set(amount)
}

func (f *FakeAdapter) Balance(address string) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (f *FakeAdapter) ChainKey() string { return f.Key }

func (f *FakeAdapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	return f.Balance(address), nil
}

func (f *FakeAdapter) FeeReserve(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.Fee), nil
}

func (f *FakeAdapter) BuildTransfer(ctx context.Context, from, to string, amount *big.Int) (*chain.UnsignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	balance, ok := f.balances[from]
	if !ok || balance.Cmp(new(big.Int).Add(amount, f.Fee)) < 0 {
		return nil, chain.ErrInsufficientBalance
	}
	return &chain.UnsignedTx{
		ChainKey: f.Key,
		From:     from,
		To:       to,
		Amount:   new(big.Int).Set(amount),
		Fee:      new(big.Int).Set(f.Fee),
		Nonce:    f.nonces[from],
	}, nil
}

func (f *FakeAdapter) Sign(tx *chain.UnsignedTx, key *wallet.Keypair) (*chain.SignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignCalls++

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", tx.From, tx.To, tx.Amount, tx.Nonce)))
	signed := &chain.SignedTx{
		ChainKey: f.Key,
		Raw:      append([]byte(nil), sum[:]...),
		Hash:     hex.EncodeToString(sum[:]),
		Amount:   new(big.Int).Set(tx.Amount),
		Nonce:    tx.Nonce,
	}
	f.pending[signed.Hash] = tx
	return signed, nil
}

func (f *FakeAdapter) Broadcast(ctx context.Context, tx *chain.SignedTx) (*chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BroadcastCalls++

	if f.BroadcastErr != nil {
		return nil, f.BroadcastErr
	}
	f.Broadcasted = append(f.Broadcasted, tx)
	return &chain.TxHandle{ChainKey: f.Key, Hash: tx.Hash}, nil
}

func (f *FakeAdapter) WaitForConfirmation(ctx context.Context, handle *chain.TxHandle, timeout time.Duration) (chain.ConfirmationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ConfirmResult != chain.Confirmed {
		return f.ConfirmResult, nil
	}

	// Apply the transfer once; a re-poll of the same handle stays confirmed.
	if transfer, ok := f.pending[handle.Hash]; ok {
		delete(f.pending, handle.Hash)
		total := new(big.Int).Add(transfer.Amount, transfer.Fee)
		from := f.balances[transfer.From]
		if from == nil || from.Cmp(total) < 0 {
			return chain.Reverted, nil
		}
		f.balances[transfer.From] = new(big.Int).Sub(from, total)
		toBal := f.balances[transfer.To]
		if toBal == nil {
			toBal = big.NewInt(0)
		}
		f.balances[transfer.To] = new(big.Int).Add(toBal, transfer.Amount)
		f.nonces[transfer.From]++
	}
	return chain.Confirmed, nil
}
