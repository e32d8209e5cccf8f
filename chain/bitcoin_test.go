package chain

import (
	"bytes"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lendcore/custody-workers/wallet"
)

func TestEstimateVSize(t *testing.T) {
	require.Equal(t, int64(110), estimateVSize(1, 1))
	require.Equal(t, int64(141), estimateVSize(1, 2))
	require.Equal(t, int64(209), estimateVSize(2, 2))
}

func TestBTCFeeForFallback(t *testing.T) {
	adapter := NewBitcoinAdapter("btc", "", "main", nil, &chaincfg.MainNetParams, 10000, testLogger())

	adapter.feeEstimate = func() (uint64, error) { return 0, errors.New("fee api down") }
	require.Equal(t, int64(10000), adapter.feeFor(1, 1))

	adapter.feeEstimate = func() (uint64, error) { return 10, nil }
	require.Equal(t, int64(1100), adapter.feeFor(1, 1))
	require.Equal(t, int64(1410), adapter.feeFor(1, 2))
}

func TestBitcoinSignSweep(t *testing.T) {
	adapter := NewBitcoinAdapter("btc", "", "main", nil, &chaincfg.MainNetParams, 10000, testLogger())
	engine := testWalletEngine(t)

	from, err := engine.Derive(wallet.PurposeInvoiceWallet, wallet.InvoiceWalletAccount, 3, wallet.FamilyBitcoin)
	require.NoError(t, err)
	hot, err := engine.HotWalletAddress(wallet.FamilyBitcoin)
	require.NoError(t, err)

	unsigned := &UnsignedTx{
		ChainKey: "btc",
		From:     from.Address,
		To:       hot,
		Amount:   big.NewInt(90_000),
		Fee:      big.NewInt(10_000),
		Inputs: []UTXO{
			{TxHash: strings.Repeat("ab", 32), Vout: 1, Value: 100_000},
		},
	}

	signed, err := adapter.Sign(unsigned, from)
	require.NoError(t, err)
	require.NotEmpty(t, signed.Raw)
	require.Len(t, signed.Hash, 64)
	require.Equal(t, unsigned.Inputs, signed.Inputs)

	var msgTx wire.MsgTx
	require.NoError(t, msgTx.Deserialize(bytes.NewReader(signed.Raw)))
	require.Len(t, msgTx.TxIn, 1)
	require.Len(t, msgTx.TxOut, 1)
	require.NotEmpty(t, msgTx.TxIn[0].Witness, "P2WPKH spend must carry a witness")
	require.Equal(t, int64(90_000), msgTx.TxOut[0].Value)

	// RFC 6979 nonces make re-signing byte-identical, so a resumed sweep can
	// never produce a second distinct transaction.
	again, err := adapter.Sign(unsigned, from)
	require.NoError(t, err)
	require.Equal(t, signed.Raw, again.Raw)
	require.Equal(t, signed.Hash, again.Hash)
}

func TestBitcoinSignWithChange(t *testing.T) {
	adapter := NewBitcoinAdapter("btc", "", "main", nil, &chaincfg.MainNetParams, 10000, testLogger())
	engine := testWalletEngine(t)

	from, err := engine.Derive(wallet.PurposeInvoiceWallet, wallet.InvoiceWalletAccount, 3, wallet.FamilyBitcoin)
	require.NoError(t, err)
	hot, err := engine.HotWalletAddress(wallet.FamilyBitcoin)
	require.NoError(t, err)

	unsigned := &UnsignedTx{
		ChainKey: "btc",
		From:     from.Address,
		To:       hot,
		Amount:   big.NewInt(50_000),
		Fee:      big.NewInt(10_000),
		Change:   40_000,
		Inputs: []UTXO{
			{TxHash: strings.Repeat("cd", 32), Vout: 0, Value: 60_000},
			{TxHash: strings.Repeat("ef", 32), Vout: 2, Value: 40_000},
		},
	}

	signed, err := adapter.Sign(unsigned, from)
	require.NoError(t, err)

	var msgTx wire.MsgTx
	require.NoError(t, msgTx.Deserialize(bytes.NewReader(signed.Raw)))
	require.Len(t, msgTx.TxIn, 2)
	require.Len(t, msgTx.TxOut, 2)
	require.Equal(t, int64(40_000), msgTx.TxOut[1].Value)
	for i := range msgTx.TxIn {
		require.NotEmpty(t, msgTx.TxIn[i].Witness, "input %d", i)
	}
}

func TestIsBTCAlreadyKnown(t *testing.T) {
	require.True(t, isBTCAlreadyKnown(errors.New("Transaction already exists")))
	require.True(t, isBTCAlreadyKnown(errors.New("txn-mempool-conflict")))
	require.False(t, isBTCAlreadyKnown(errors.New("min relay fee not met")))
}
