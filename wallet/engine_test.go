package wallet

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	engine, err := NewEngine(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return engine
}

func TestDeriveDeterministicSuccessive(t *testing.T) {
	engine := testEngine(t)

	for _, family := range []Family{FamilyEVM, FamilyBitcoin, FamilySolana} {
		first, err := engine.Derive(PurposeInvoiceWallet, InvoiceWalletAccount, 42, family)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			kp, err := engine.Derive(PurposeInvoiceWallet, InvoiceWalletAccount, 42, family)
			require.NoError(t, err)
			require.Equal(t, first.Address, kp.Address, "family %s iteration %d", family, i)
			require.Equal(t, first.priv, kp.priv, "family %s iteration %d", family, i)
		}
	}
}

func TestDeriveDeterministicConcurrent(t *testing.T) {
	engine := testEngine(t)

	for _, family := range []Family{FamilyEVM, FamilyBitcoin, FamilySolana} {
		expected, err := engine.Derive(PurposeInvoiceWallet, InvoiceWalletAccount, 7, family)
		require.NoError(t, err)

		const goroutines = 20
		addresses := make([]string, goroutines)
		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			idx := g
			wg.Add(1)
			go func() {
				defer wg.Done()
				kp, err := engine.Derive(PurposeInvoiceWallet, InvoiceWalletAccount, 7, family)
				if err == nil {
					addresses[idx] = kp.Address
				}
			}()
		}
		wg.Wait()

		for g := 0; g < goroutines; g++ {
			require.Equal(t, expected.Address, addresses[g], "family %s goroutine %d", family, g)
		}
	}
}

func TestInvoiceWalletUniqueness(t *testing.T) {
	engine := testEngine(t)

	ids := make([]int64, 0, 2005)
	for id := int64(0); id < 2000; id++ {
		ids = append(ids, id)
	}
	// Edge of the hardened-derivation ceiling.
	ids = append(ids, MaxHardenedIndex, MaxHardenedIndex-1, MaxHardenedIndex-2, 1<<30, 555)

	for _, family := range []Family{FamilyEVM, FamilyBitcoin, FamilySolana} {
		seen := make(map[string]int64, len(ids))
		for _, id := range ids {
			ew, err := engine.InvoiceWallet(family, id)
			require.NoError(t, err, "family %s id %d", family, id)
			if prev, dup := seen[ew.Address]; dup && prev != id {
				t.Fatalf("family %s: invoice %d and %d derived the same address %s", family, prev, id, ew.Address)
			}
			seen[ew.Address] = id
		}
	}
}

func TestDeriveInvalidPath(t *testing.T) {
	engine := testEngine(t)

	cases := []struct {
		name    string
		account int64
		index   int64
	}{
		{"negative account", -1, 0},
		{"negative index", 0, -5},
		{"index above ceiling", 0, MaxHardenedIndex + 1},
		{"account above ceiling", MaxHardenedIndex + 1, 0},
	}
	for _, tc := range cases {
		_, err := engine.Derive(PurposeInvoiceWallet, tc.account, tc.index, FamilyEVM)
		var pathErr *InvalidPathError
		require.True(t, errors.As(err, &pathErr), "%s: expected InvalidPathError, got %v", tc.name, err)
	}

	_, err := engine.InvoiceWallet(FamilyBitcoin, MaxHardenedIndex+1)
	var pathErr *InvalidPathError
	require.True(t, errors.As(err, &pathErr))
}

func TestDeriveRejectsMismatchedPurposeAccount(t *testing.T) {
	engine := testEngine(t)

	// A hot-wallet derivation must not be able to reach the invoice account
	// namespace, and vice versa.
	_, err := engine.Derive(PurposeHotWallet, InvoiceWalletAccount, 0, FamilyEVM)
	require.Error(t, err)
	_, err = engine.Derive(PurposeInvoiceWallet, HotWalletAccount, 0, FamilyEVM)
	require.Error(t, err)

	_, err = engine.Derive(Purpose(99), HotWalletAccount, 0, FamilyEVM)
	require.Error(t, err)
}

func TestAddressFormats(t *testing.T) {
	engine := testEngine(t)

	evm, err := engine.Derive(PurposeHotWallet, HotWalletAccount, 0, FamilyEVM)
	require.NoError(t, err)
	require.True(t, common.IsHexAddress(evm.Address), "bad EVM address %s", evm.Address)

	btc, err := engine.Derive(PurposeHotWallet, HotWalletAccount, 0, FamilyBitcoin)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(btc.Address, "bc1"), "bad bech32 address %s", btc.Address)

	sol, err := engine.Derive(PurposeHotWallet, HotWalletAccount, 0, FamilySolana)
	require.NoError(t, err)
	_, err = solana.PublicKeyFromBase58(sol.Address)
	require.NoError(t, err, "bad solana address %s", sol.Address)
}

func TestHotAndInvoiceAccountsDistinct(t *testing.T) {
	engine := testEngine(t)

	for _, family := range []Family{FamilyEVM, FamilyBitcoin, FamilySolana} {
		hot, err := engine.HotWalletAddress(family)
		require.NoError(t, err)
		// Even invoice id 0 at the same address index must land elsewhere.
		ew, err := engine.InvoiceWallet(family, 0)
		require.NoError(t, err)
		require.NotEqual(t, hot, ew.Address, "family %s", family)
	}
}

func TestPathString(t *testing.T) {
	path, err := newPath(PurposeInvoiceWallet, FamilyEVM, InvoiceWalletAccount, 555)
	require.NoError(t, err)
	require.Equal(t, "m/44'/60'/1'/0/555", path.String())

	path, err = newPath(PurposeInvoiceWallet, FamilySolana, InvoiceWalletAccount, 555)
	require.NoError(t, err)
	require.Equal(t, "m/44'/501'/1'/555'", path.String())

	path, err = newPath(PurposeHotWallet, FamilyBitcoin, HotWalletAccount, 0)
	require.NoError(t, err)
	require.Equal(t, "m/44'/0'/0'/0'/0'", path.String())
}

func TestDifferentSeedsDiverge(t *testing.T) {
	engine := testEngine(t)

	other := make([]byte, 32)
	for i := range other {
		other[i] = byte(200 - i)
	}
	engine2, err := NewEngine(other, &chaincfg.MainNetParams)
	require.NoError(t, err)

	for _, family := range []Family{FamilyEVM, FamilyBitcoin, FamilySolana} {
		a, err := engine.Derive(PurposeHotWallet, HotWalletAccount, 0, family)
		require.NoError(t, err)
		b, err := engine2.Derive(PurposeHotWallet, HotWalletAccount, 0, family)
		require.NoError(t, err)
		require.NotEqual(t, a.Address, b.Address, fmt.Sprintf("family %s", family))
	}
}
