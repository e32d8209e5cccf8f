package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gagliardetto/solana-go"
)

// Keypair holds the derived key material for one address. Instances derived
// for ephemeral wallets live only for the duration of a sweep; call Zero once
// signing is done.
type Keypair struct {
	Family  Family
	Address string
	priv    []byte // 32-byte secp256k1 scalar or 64-byte ed25519 key
}

// ECDSA returns the key as a go-ethereum compatible ecdsa private key.
func (k *Keypair) ECDSA() (*ecdsa.PrivateKey, error) {
	if k.Family != FamilyEVM {
		return nil, fmt.Errorf("keypair family %v is not secp256k1/EVM", k.Family)
	}
	priv, _ := btcec.PrivKeyFromBytes(k.priv)
	return priv.ToECDSA(), nil
}

// BTCEC returns the key as a btcec private key for txscript signing.
func (k *Keypair) BTCEC() (*btcec.PrivateKey, error) {
	if k.Family != FamilyBitcoin {
		return nil, fmt.Errorf("keypair family %v is not secp256k1/UTXO", k.Family)
	}
	priv, _ := btcec.PrivKeyFromBytes(k.priv)
	return priv, nil
}

// Solana returns the 64-byte ed25519 key in solana-go form.
func (k *Keypair) Solana() (solana.PrivateKey, error) {
	if k.Family != FamilySolana {
		return nil, fmt.Errorf("keypair family %v is not ed25519", k.Family)
	}
	out := make([]byte, len(k.priv))
	copy(out, k.priv)
	return solana.PrivateKey(out), nil
}

// Zero wipes the private key material in place.
func (k *Keypair) Zero() {
	for i := range k.priv {
		k.priv[i] = 0
	}
}

// EphemeralWallet is a per-event wallet derived on demand for one collection
// operation. It is never written to durable storage.
type EphemeralWallet struct {
	Path    Path
	Address string
	Keypair *Keypair
}

// HotWallet is the long-lived pooled wallet for one chain, derived at a fixed
// well-known path. Balance is always queried live from the chain.
type HotWallet struct {
	ChainKey string
	Address  string
}
