package wallet

import "fmt"

// Purpose selects the reserved account a wallet is derived under. Hot wallets
// and invoice wallets must never share an account index.
type Purpose int

const (
	PurposeHotWallet Purpose = iota
	PurposeInvoiceWallet
)

// Family identifies the protocol model a chain follows, which fixes both the
// curve and the derivation convention.
type Family string

const (
	FamilyEVM     Family = "evm"
	FamilyBitcoin Family = "bitcoin"
	FamilySolana  Family = "solana"
)

const (
	// BIP-44 purpose segment.
	bip44Purpose = 44

	// Reserved account indices per Purpose.
	HotWalletAccount     = 0
	InvoiceWalletAccount = 1

	// MaxHardenedIndex is the largest usable child index (2^31 - 1). Invoice
	// identifiers map directly onto address indices and must stay below it.
	MaxHardenedIndex = int64(1<<31 - 1)
)

var coinTypes = map[Family]uint32{
	FamilyEVM:     60,
	FamilyBitcoin: 0,
	FamilySolana:  501,
}

// Path is the resolved derivation path for one wallet.
type Path struct {
	Purpose      Purpose
	CoinType     uint32
	AccountIndex uint32
	AddressIndex uint32
	Family       Family
}

// String renders the path in the m/44'/coin'/account'/... notation. EVM chains
// keep the final two segments non-hardened for compatibility with common
// wallet software; UTXO and ed25519 chains harden every segment.
func (p Path) String() string {
	switch p.Family {
	case FamilySolana:
		return fmt.Sprintf("m/%d'/%d'/%d'/%d'", bip44Purpose, p.CoinType, p.AccountIndex, p.AddressIndex)
	case FamilyBitcoin:
		return fmt.Sprintf("m/%d'/%d'/%d'/0'/%d'", bip44Purpose, p.CoinType, p.AccountIndex, p.AddressIndex)
	default:
		return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", bip44Purpose, p.CoinType, p.AccountIndex, p.AddressIndex)
	}
}

// InvalidPathError reports a derivation index outside [0, 2^31 - 1].
type InvalidPathError struct {
	Segment string
	Value   int64
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid derivation path: %s index %d out of range [0, %d]", e.Segment, e.Value, MaxHardenedIndex)
}

func checkIndex(segment string, v int64) error {
	if v < 0 || v > MaxHardenedIndex {
		return &InvalidPathError{Segment: segment, Value: v}
	}
	return nil
}

// reservedAccount maps a purpose onto its fixed account index.
func reservedAccount(purpose Purpose) (int64, error) {
	switch purpose {
	case PurposeHotWallet:
		return HotWalletAccount, nil
	case PurposeInvoiceWallet:
		return InvoiceWalletAccount, nil
	}
	return 0, fmt.Errorf("unsupported wallet purpose: %v", purpose)
}

func newPath(purpose Purpose, family Family, accountIndex, addressIndex int64) (Path, error) {
	if err := checkIndex("account", accountIndex); err != nil {
		return Path{}, err
	}
	if err := checkIndex("address", addressIndex); err != nil {
		return Path{}, err
	}
	// Purposes own their account namespace; a mismatched pair would silently
	// derive into the other purpose's key space.
	reserved, err := reservedAccount(purpose)
	if err != nil {
		return Path{}, err
	}
	if accountIndex != reserved {
		return Path{}, fmt.Errorf("purpose %v derives under account %d, not %d", purpose, reserved, accountIndex)
	}
	coin, ok := coinTypes[family]
	if !ok {
		return Path{}, fmt.Errorf("unsupported chain family: %v", family)
	}
	return Path{
		Purpose:      purpose,
		CoinType:     coin,
		AccountIndex: uint32(accountIndex),
		AddressIndex: uint32(addressIndex),
		Family:       family,
	}, nil
}
