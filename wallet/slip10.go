package wallet

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
)

// SLIP-0010 ed25519 derivation. hdkeychain only speaks secp256k1, so the
// HMAC-SHA512 chain walk for the ed25519 curve is implemented here. Every
// segment must be hardened; the curve has no normal child derivation.

const slip10Ed25519Seed = "ed25519 seed"

const hardenedOffset = uint32(0x80000000)

func slip10MasterKey(seed []byte) (key, chainCode []byte) {
	mac := hmac.New(sha512.New, []byte(slip10Ed25519Seed))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

func slip10ChildKey(key, chainCode []byte, index uint32) (childKey, childChain []byte) {
	data := make([]byte, 0, 1+32+4)
	data = append(data, 0x00)
	data = append(data, key...)
	var ser [4]byte
	binary.BigEndian.PutUint32(ser[:], index|hardenedOffset)
	data = append(data, ser[:]...)

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

// deriveEd25519Seed walks the given path (indices without the hardened bit,
// hardening applied to every segment) and returns the 32-byte ed25519 seed.
func deriveEd25519Seed(seed []byte, path []uint32) ([]byte, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty ed25519 derivation path")
	}
	key, chainCode := slip10MasterKey(seed)
	for _, idx := range path {
		key, chainCode = slip10ChildKey(key, chainCode, idx)
	}
	return key, nil
}
