package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/lendcore/custody-workers/wallet"
)

const (
	// Lamports per signature; the network base fee for a simple transfer.
	solanaBaseFee = 5000
	// Fallback rent-exempt minimum for a zero-data account when the RPC
	// lookup is unavailable.
	solanaDefaultRentReserve = 890880
	solanaSigPollEvery       = 5 * time.Second
)

// SolanaAdapter moves lamports on a rent-based ledger chain. Any account it
// leaves funded keeps at least the rent-exempt reserve; only a full sweep may
// drain an account to zero, which closes it.
type SolanaAdapter struct {
	chainKey string
	client   *rpc.Client
	logger   *logrus.Entry

	rentOnce    sync.Once
	rentReserve uint64
}

func NewSolanaAdapter(chainKey, endpoint string, logger *logrus.Entry) *SolanaAdapter {
	return &SolanaAdapter{
		chainKey: chainKey,
		client:   rpc.New(endpoint),
		logger:   logger,
	}
}

func (a *SolanaAdapter) ChainKey() string { return a.chainKey }

// RentReserve is the minimum lamport balance a zero-data account must keep to
// stay rent exempt. Queried once, with a fixed fallback.
func (a *SolanaAdapter) RentReserve(ctx context.Context) uint64 {
	a.rentOnce.Do(func() {
		reserve, err := a.client.GetMinimumBalanceForRentExemption(ctx, 0, rpc.CommitmentFinalized)
		if err != nil {
			a.logger.Warnf("Rent-exemption lookup failed, using default %d lamports: %v", solanaDefaultRentReserve, err)
			reserve = solanaDefaultRentReserve
		}
		a.rentReserve = reserve
	})
	return a.rentReserve
}

// FeeReserve covers one transfer fee. Sweeps close the ephemeral account, so
// the rent reserve does not need to stay behind.
func (a *SolanaAdapter) FeeReserve(ctx context.Context) (*big.Int, error) {
	return big.NewInt(solanaBaseFee), nil
}

func (a *SolanaAdapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid solana address %s: %w", address, err)
	}
	out, err := a.client.GetBalance(ctx, pub, rpc.CommitmentFinalized)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(out.Value), nil
}

// BuildTransfer pins the recent blockhash. A transfer that would leave the
// source below the rent-exempt reserve is rejected unless it drains the
// account completely (closing it).
func (a *SolanaAdapter) BuildTransfer(ctx context.Context, from, to string, amount *big.Int) (*UnsignedTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInsufficientBalance
	}

	balance, err := a.GetBalance(ctx, from)
	if err != nil {
		return nil, err
	}
	lamports := amount.Uint64()
	total := balance.Uint64()
	if total < lamports+solanaBaseFee {
		return nil, ErrInsufficientBalance
	}

	remainder := total - lamports - solanaBaseFee
	if remainder != 0 && remainder < a.RentReserve(ctx) {
		return nil, ErrBelowRentReserve
	}

	recent, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, err
	}

	return &UnsignedTx{
		ChainKey:        a.chainKey,
		From:            from,
		To:              to,
		Amount:          new(big.Int).Set(amount),
		Fee:             big.NewInt(solanaBaseFee),
		RecentBlockhash: recent.Value.Blockhash.String(),
	}, nil
}

func (a *SolanaAdapter) Sign(tx *UnsignedTx, key *wallet.Keypair) (*SignedTx, error) {
	priv, err := key.Solana()
	if err != nil {
		return nil, err
	}
	fromPub, err := solana.PublicKeyFromBase58(tx.From)
	if err != nil {
		return nil, err
	}
	toPub, err := solana.PublicKeyFromBase58(tx.To)
	if err != nil {
		return nil, err
	}
	blockhash, err := solana.HashFromBase58(tx.RecentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("bad pinned blockhash: %w", err)
	}

	transfer := system.NewTransferInstruction(tx.Amount.Uint64(), fromPub, toPub).Build()
	unsigned, err := solana.NewTransaction(
		[]solana.Instruction{transfer},
		blockhash,
		solana.TransactionPayer(fromPub),
	)
	if err != nil {
		return nil, err
	}

	sigs, err := unsigned.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(fromPub) {
			return &priv
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	raw, err := unsigned.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &SignedTx{
		ChainKey: a.chainKey,
		Raw:      raw,
		Hash:     sigs[0].String(),
		Amount:   new(big.Int).Set(tx.Amount),
	}, nil
}

func (a *SolanaAdapter) Broadcast(ctx context.Context, tx *SignedTx) (*TxHandle, error) {
	sig, err := a.client.SendRawTransactionWithOpts(ctx, tx.Raw, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		if isSolanaAlreadyProcessed(err) {
			return &TxHandle{ChainKey: a.chainKey, Hash: tx.Hash}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrEmptyAcceptSet, err)
	}
	return &TxHandle{ChainKey: a.chainKey, Hash: sig.String()}, nil
}

func isSolanaAlreadyProcessed(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already been processed")
}

func (a *SolanaAdapter) WaitForConfirmation(ctx context.Context, handle *TxHandle, timeout time.Duration) (ConfirmationStatus, error) {
	sig, err := solana.SignatureFromBase58(handle.Hash)
	if err != nil {
		return Reverted, fmt.Errorf("bad signature %s: %w", handle.Hash, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		out, err := a.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return Reverted, nil
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return Confirmed, nil
			}
		}
		if err != nil {
			a.logger.Debugf("Signature status lookup for %s: %v", handle.Hash, err)
		}

		if time.Now().After(deadline) {
			return TimedOut, nil
		}
		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-time.After(solanaSigPollEvery):
		}
	}
}
