package workers

import "sync"

// WalletLock serializes jobs touching the same (chain, hot wallet) pair so a
// collection sweep and a settlement transfer can never race each other's
// nonce or unspent-output set. Different wallets proceed independently.
type WalletLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewWalletLock() *WalletLock {
	return &WalletLock{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the token for (chainKey, address) and returns the release
// function.
func (l *WalletLock) Lock(chainKey, address string) func() {
	key := chainKey + "|" + address

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
