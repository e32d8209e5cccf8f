package wallet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

// Engine derives chain-specific keypairs from the master seed. It performs no
// I/O and holds no state beyond the seed, so Derive is safe for concurrent
// use.
type Engine struct {
	seed      []byte
	netParams *chaincfg.Params
}

// NewEngine copies the seed into the engine. The caller may zero its own copy
// afterwards. Seed length follows BIP-32 (16 to 64 bytes).
func NewEngine(seed []byte, netParams *chaincfg.Params) (*Engine, error) {
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, fmt.Errorf("master seed must be between %d and %d bytes", hdkeychain.MinSeedBytes, hdkeychain.MaxSeedBytes)
	}
	if netParams == nil {
		netParams = &chaincfg.MainNetParams
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &Engine{seed: s, netParams: netParams}, nil
}

// Derive resolves (purpose, accountIndex, addressIndex, family) to a keypair.
// It is deterministic: identical inputs always yield byte-identical keys and
// addresses.
func (e *Engine) Derive(purpose Purpose, accountIndex, addressIndex int64, family Family) (*Keypair, error) {
	path, err := newPath(purpose, family, accountIndex, addressIndex)
	if err != nil {
		return nil, err
	}

	switch family {
	case FamilyEVM:
		return e.deriveSecp(path, false)
	case FamilyBitcoin:
		return e.deriveSecp(path, true)
	case FamilySolana:
		return e.deriveSolana(path)
	default:
		return nil, fmt.Errorf("unsupported chain family: %v", family)
	}
}

// deriveSecp walks m/44'/coin'/account'/change/index on the secp256k1 curve.
// UTXO chains harden the final segments, EVM chains leave them non-hardened
// for account-0/index-N compatibility with common wallet software.
func (e *Engine) deriveSecp(path Path, hardenLeaf bool) (*Keypair, error) {
	master, err := hdkeychain.NewMaster(e.seed, e.netParams)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	segments := []uint32{
		hdkeychain.HardenedKeyStart + bip44Purpose,
		hdkeychain.HardenedKeyStart + path.CoinType,
		hdkeychain.HardenedKeyStart + path.AccountIndex,
	}
	if hardenLeaf {
		segments = append(segments, hdkeychain.HardenedKeyStart, hdkeychain.HardenedKeyStart+path.AddressIndex)
	} else {
		segments = append(segments, 0, path.AddressIndex)
	}

	key := master
	for _, seg := range segments {
		child, err := key.Derive(seg)
		if key != master {
			key.Zero()
		}
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", path, err)
		}
		key = child
	}
	defer key.Zero()

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	var address string
	if path.Family == FamilyEVM {
		address = ethcrypto.PubkeyToAddress(priv.ToECDSA().PublicKey).Hex()
	} else {
		witness, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(priv.PubKey().SerializeCompressed()), e.netParams)
		if err != nil {
			return nil, err
		}
		address = witness.EncodeAddress()
	}

	return &Keypair{
		Family:  path.Family,
		Address: address,
		priv:    priv.Serialize(),
	}, nil
}

// deriveSolana walks m/44'/501'/account'/index' with SLIP-0010 ed25519.
func (e *Engine) deriveSolana(path Path) (*Keypair, error) {
	seed32, err := deriveEd25519Seed(e.seed, []uint32{
		bip44Purpose, path.CoinType, path.AccountIndex, path.AddressIndex,
	})
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed32)
	for i := range seed32 {
		seed32[i] = 0
	}

	return &Keypair{
		Family:  FamilySolana,
		Address: solana.PrivateKey(priv).PublicKey().String(),
		priv:    priv,
	}, nil
}

// InvoiceWallet derives the ephemeral wallet for one invoice identifier. The
// address index is the invoice id itself, so two distinct invoices can never
// resolve to the same path.
func (e *Engine) InvoiceWallet(family Family, invoiceID int64) (*EphemeralWallet, error) {
	kp, err := e.Derive(PurposeInvoiceWallet, InvoiceWalletAccount, invoiceID, family)
	if err != nil {
		return nil, err
	}
	path, _ := newPath(PurposeInvoiceWallet, family, InvoiceWalletAccount, invoiceID)
	return &EphemeralWallet{Path: path, Address: kp.Address, Keypair: kp}, nil
}

// HotWalletKeypair derives the fixed well-known hot wallet key for a family.
func (e *Engine) HotWalletKeypair(family Family) (*Keypair, error) {
	return e.Derive(PurposeHotWallet, HotWalletAccount, 0, family)
}

// HotWalletAddress derives only the hot wallet address, discarding the key.
func (e *Engine) HotWalletAddress(family Family) (string, error) {
	kp, err := e.HotWalletKeypair(family)
	if err != nil {
		return "", err
	}
	defer kp.Zero()
	return kp.Address, nil
}
