package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// The master seed reaches the process either as a plaintext hex env var
// (development) or as AES-256-GCM ciphertext plus a separately provisioned
// key (production). It is never logged and never written back out.

// LoadMasterSeed reads the seed from MASTER_SEED, or decrypts
// MASTER_SEED_CIPHERTEXT with MASTER_SEED_KEY when the plaintext var is
// absent.
func LoadMasterSeed() ([]byte, error) {
	if raw := os.Getenv("MASTER_SEED"); raw != "" {
		seed, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("MASTER_SEED is not valid hex: %w", err)
		}
		return seed, nil
	}

	cipherHex := os.Getenv("MASTER_SEED_CIPHERTEXT")
	keyHex := os.Getenv("MASTER_SEED_KEY")
	if cipherHex == "" || keyHex == "" {
		return nil, errors.New("no master seed configured: set MASTER_SEED or MASTER_SEED_CIPHERTEXT + MASTER_SEED_KEY")
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("MASTER_SEED_CIPHERTEXT is not valid hex: %w", err)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("MASTER_SEED_KEY is not valid hex: %w", err)
	}
	return DecryptSeed(ciphertext, key)
}

// DecryptSeed opens nonce||ciphertext with AES-256-GCM.
func DecryptSeed(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("seed ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

// EncryptSeed seals a seed for storage, returning nonce||ciphertext. Used by
// provisioning tooling and tests.
func EncryptSeed(seed, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, seed, nil), nil
}
