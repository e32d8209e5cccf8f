package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/lendcore/custody-workers/evmrpc"
	"github.com/lendcore/custody-workers/wallet"
)

const (
	evmTransferGasLimit = 21000
	evmReceiptPollEvery = 5 * time.Second
)

// EVMAdapter drives any account/nonce chain speaking the eth_* JSON-RPC
// surface through a Dispatcher.
type EVMAdapter struct {
	chainKey   string
	chainID    *big.Int
	dispatcher *evmrpc.Dispatcher
	logger     *logrus.Entry
}

func NewEVMAdapter(chainKey string, chainID *big.Int, dispatcher *evmrpc.Dispatcher, logger *logrus.Entry) *EVMAdapter {
	return &EVMAdapter{
		chainKey:   chainKey,
		chainID:    chainID,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (a *EVMAdapter) ChainKey() string { return a.chainKey }

func (a *EVMAdapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid EVM address: %s", address)
	}
	return a.dispatcher.GetBalance(ctx, common.HexToAddress(address))
}

// FeeReserve estimates the cost of one transfer at current gas prices. The
// collector subtracts it from an ephemeral balance before sweeping.
func (a *EVMAdapter) FeeReserve(ctx context.Context) (*big.Int, error) {
	gasPrice, err := a.dispatcher.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(gasPrice, big.NewInt(evmTransferGasLimit)), nil
}

// BuildTransfer pins the pending nonce and current gas price. The nonce stays
// fixed for the life of the transfer attempt so a resubmission can never
// double-spend.
func (a *EVMAdapter) BuildTransfer(ctx context.Context, from, to string, amount *big.Int) (*UnsignedTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInsufficientBalance
	}
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid EVM address pair %s -> %s", from, to)
	}

	nonce, err := a.dispatcher.GetTransactionCount(ctx, common.HexToAddress(from))
	if err != nil {
		return nil, err
	}
	gasPrice, err := a.dispatcher.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	fee := new(big.Int).Mul(gasPrice, big.NewInt(evmTransferGasLimit))

	balance, err := a.GetBalance(ctx, from)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(new(big.Int).Add(amount, fee)) < 0 {
		return nil, ErrInsufficientBalance
	}

	return &UnsignedTx{
		ChainKey: a.chainKey,
		From:     from,
		To:       to,
		Amount:   new(big.Int).Set(amount),
		Fee:      fee,
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: evmTransferGasLimit,
	}, nil
}

func (a *EVMAdapter) Sign(tx *UnsignedTx, key *wallet.Keypair) (*SignedTx, error) {
	priv, err := key.ECDSA()
	if err != nil {
		return nil, err
	}

	to := common.HexToAddress(tx.To)
	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.GasLimit,
		To:       &to,
		Value:    tx.Amount,
	})
	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(a.chainID), priv)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &SignedTx{
		ChainKey: a.chainKey,
		Raw:      raw,
		Hash:     signed.Hash().Hex(),
		Amount:   new(big.Int).Set(tx.Amount),
		Nonce:    tx.Nonce,
	}, nil
}

// Broadcast fires the same signed payload at every configured endpoint
// concurrently and succeeds if any endpoint accepts it. An endpoint that
// already knows the transaction counts as an accept, which keeps
// resubmission after a timeout idempotent.
func (a *EVMAdapter) Broadcast(ctx context.Context, tx *SignedTx) (*TxHandle, error) {
	endpoints := a.dispatcher.Endpoints()

	var wg sync.WaitGroup
	errs := make(chan error, len(endpoints))
	for _, ep := range endpoints {
		endpoint := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.dispatcher.SendRawTransactionTo(ctx, endpoint, tx.Raw)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	var lastErr error
	for err := range errs {
		if err == nil || isAlreadyKnown(err) {
			accepted++
			continue
		}
		lastErr = err
	}
	if accepted == 0 {
		a.logger.Errorf("Broadcast of %s rejected by all %d endpoints: %v", tx.Hash, len(endpoints), lastErr)
		return nil, fmt.Errorf("%w: %v", ErrEmptyAcceptSet, lastErr)
	}

	a.logger.Infof("Broadcast %s accepted by %d/%d endpoints", tx.Hash, accepted, len(endpoints))
	return &TxHandle{ChainKey: a.chainKey, Hash: tx.Hash}, nil
}

// An endpoint that has already seen this exact payload reports it as known
// or as a nonce conflict with itself.
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (a *EVMAdapter) WaitForConfirmation(ctx context.Context, handle *TxHandle, timeout time.Duration) (ConfirmationStatus, error) {
	deadline := time.Now().Add(timeout)
	hash := common.HexToHash(handle.Hash)

	for {
		receipt, err := a.dispatcher.GetTransactionReceipt(ctx, hash)
		if err == nil && receipt.BlockNumber != nil {
			if receipt.Status == 1 {
				return Confirmed, nil
			}
			return Reverted, nil
		}
		if err != nil && !errors.Is(err, evmrpc.ErrNotFound) {
			if ctx.Err() != nil {
				return TimedOut, ctx.Err()
			}
			a.logger.Warnf("Receipt lookup for %s failed: %v", handle.Hash, err)
		}

		if time.Now().After(deadline) {
			return TimedOut, nil
		}
		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-time.After(evmReceiptPollEvery):
		}
	}
}
