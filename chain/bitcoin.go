package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/blockcypher/gobcy/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/lendcore/custody-workers/utils"
	"github.com/lendcore/custody-workers/wallet"
)

const (
	btcDustOutput    = 546 // sats, below this a change output is folded into the fee
	btcConfirmations = 1
	btcTxPollEvery   = 15 * time.Second
)

// BitcoinAdapter moves funds on a UTXO chain. UTXO listing, broadcast and
// confirmation lookups go through the BlockCypher API; when a full node is
// configured it serves as broadcast fallback.
type BitcoinAdapter struct {
	chainKey    string
	bcy         gobcy.API
	node        *rpcclient.Client // optional
	params      *chaincfg.Params
	fixedFee    int64 // sats, used when the fee API is unreachable
	feeEstimate func() (uint64, error)
	logger      *logrus.Entry
}

func NewBitcoinAdapter(chainKey, bcyToken, bcyChain string, node *rpcclient.Client, params *chaincfg.Params, fixedFee int64, logger *logrus.Entry) *BitcoinAdapter {
	return &BitcoinAdapter{
		chainKey:    chainKey,
		bcy:         gobcy.API{Token: bcyToken, Coin: "btc", Chain: bcyChain},
		node:        node,
		params:      params,
		fixedFee:    fixedFee,
		feeEstimate: utils.GetBTCFeeRate,
		logger:      logger,
	}
}

func (a *BitcoinAdapter) ChainKey() string { return a.chainKey }

func (a *BitcoinAdapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := a.bcy.GetAddrBal(address, nil)
	if err != nil {
		return nil, fmt.Errorf("blockcypher balance lookup for %s: %w", address, err)
	}
	return new(big.Int).Set(&addr.Balance), nil
}

// FeeReserve is the fee of one sweep-shaped transaction (one input, one
// output) at the current fee rate, or the fixed fallback.
func (a *BitcoinAdapter) FeeReserve(ctx context.Context) (*big.Int, error) {
	return big.NewInt(a.feeFor(1, 1)), nil
}

func (a *BitcoinAdapter) feeFor(numIn, numOut int) int64 {
	rate, err := a.feeEstimate()
	if err != nil {
		a.logger.Warnf("Fee rate lookup failed, using fixed fee %d sats: %v", a.fixedFee, err)
		return a.fixedFee
	}
	return int64(rate) * estimateVSize(numIn, numOut)
}

// estimateVSize approximates the virtual size of a P2WPKH spend.
func estimateVSize(numIn, numOut int) int64 {
	return 11 + int64(numIn)*68 + int64(numOut)*31
}

// BuildTransfer selects confirmed unspent outputs covering amount plus fee.
// The selected set is pinned into the UnsignedTx, so a later resubmission
// spends exactly the same coins. A transfer whose balance minus fee would be
// zero or negative is rejected.
func (a *BitcoinAdapter) BuildTransfer(ctx context.Context, from, to string, amount *big.Int) (*UnsignedTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInsufficientBalance
	}
	want := amount.Int64()

	addr, err := a.bcy.GetAddr(from, map[string]string{"unspentOnly": "true"})
	if err != nil {
		return nil, fmt.Errorf("blockcypher utxo listing for %s: %w", from, err)
	}

	var inputs []UTXO
	var selected int64
	fee := a.feeFor(1, 1)
	for _, ref := range addr.TXRefs {
		if ref.Spent || ref.Confirmations < btcConfirmations || ref.TXOutputN < 0 {
			continue
		}
		value := ref.Value.Int64()
		inputs = append(inputs, UTXO{TxHash: ref.TXHash, Vout: uint32(ref.TXOutputN), Value: value})
		selected += value
		fee = a.feeFor(len(inputs), 2)
		if selected >= want+fee {
			break
		}
	}

	if selected-fee <= 0 || selected < want+fee {
		// A full sweep passes amount = balance - reserve; cover the case
		// where the reserve estimate and the real fee disagree slightly.
		if selected-fee > 0 && want >= selected-fee {
			want = selected - fee
		} else {
			return nil, ErrInsufficientBalance
		}
	}

	change := selected - want - fee
	if change < btcDustOutput {
		fee += change
		change = 0
	}

	return &UnsignedTx{
		ChainKey: a.chainKey,
		From:     from,
		To:       to,
		Amount:   big.NewInt(want),
		Fee:      big.NewInt(fee),
		Inputs:   inputs,
		Change:   change,
	}, nil
}

func (a *BitcoinAdapter) Sign(tx *UnsignedTx, key *wallet.Keypair) (*SignedTx, error) {
	priv, err := key.BTCEC()
	if err != nil {
		return nil, err
	}

	fromAddr, err := btcutil.DecodeAddress(tx.From, a.params)
	if err != nil {
		return nil, fmt.Errorf("decode source address %s: %w", tx.From, err)
	}
	fromScript, err := txscript.PayToAddrScript(fromAddr)
	if err != nil {
		return nil, err
	}
	toAddr, err := btcutil.DecodeAddress(tx.To, a.params)
	if err != nil {
		return nil, fmt.Errorf("decode destination address %s: %w", tx.To, err)
	}
	toScript, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return nil, err
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.Inputs))
	for _, in := range tx.Inputs {
		hash, err := chainhash.NewHashFromStr(in.TxHash)
		if err != nil {
			return nil, fmt.Errorf("bad input hash %s: %w", in.TxHash, err)
		}
		outPoint := wire.NewOutPoint(hash, in.Vout)
		msgTx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
		prevOuts[*outPoint] = wire.NewTxOut(in.Value, fromScript)
	}
	msgTx.AddTxOut(wire.NewTxOut(tx.Amount.Int64(), toScript))
	if tx.Change > 0 {
		msgTx.AddTxOut(wire.NewTxOut(tx.Change, fromScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(msgTx, fetcher)
	for i, in := range tx.Inputs {
		witness, err := txscript.WitnessSignature(
			msgTx, sigHashes, i, in.Value, fromScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		msgTx.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return nil, err
	}

	return &SignedTx{
		ChainKey: a.chainKey,
		Raw:      buf.Bytes(),
		Hash:     msgTx.TxHash().String(),
		Amount:   new(big.Int).Set(tx.Amount),
		Inputs:   tx.Inputs,
	}, nil
}

func (a *BitcoinAdapter) Broadcast(ctx context.Context, tx *SignedTx) (*TxHandle, error) {
	_, err := a.bcy.PushTX(hex.EncodeToString(tx.Raw))
	if err == nil || isBTCAlreadyKnown(err) {
		return &TxHandle{ChainKey: a.chainKey, Hash: tx.Hash}, nil
	}
	a.logger.Warnf("BlockCypher rejected tx %s: %v", tx.Hash, err)

	if a.node != nil {
		msgTx := wire.NewMsgTx(wire.TxVersion)
		if derr := msgTx.Deserialize(bytes.NewReader(tx.Raw)); derr == nil {
			if _, nerr := a.node.SendRawTransaction(msgTx, false); nerr == nil || isBTCAlreadyKnown(nerr) {
				return &TxHandle{ChainKey: a.chainKey, Hash: tx.Hash}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrEmptyAcceptSet, err)
}

func isBTCAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") || strings.Contains(msg, "txn-mempool-conflict")
}

// WaitForConfirmation polls until the transaction reaches the confirmation
// threshold. Bitcoin transfers cannot revert; the only non-success outcome
// is a timeout.
func (a *BitcoinAdapter) WaitForConfirmation(ctx context.Context, handle *TxHandle, timeout time.Duration) (ConfirmationStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		tx, err := a.bcy.GetTX(handle.Hash, nil)
		if err == nil && tx.Confirmations >= btcConfirmations {
			return Confirmed, nil
		}
		if err != nil {
			a.logger.Debugf("Tx lookup for %s: %v", handle.Hash, err)
		}

		if time.Now().After(deadline) {
			return TimedOut, nil
		}
		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-time.After(btcTxPollEvery):
		}
	}
}
