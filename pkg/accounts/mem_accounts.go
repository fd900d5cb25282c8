package accounts

import "sync"

type MemAccounts struct {
	mu  *sync.RWMutex
	Map map[[32]byte]*Account
}

func NewMemAccounts() MemAccounts {
	return MemAccounts{
		mu:  new(sync.RWMutex),
		Map: make(map[[32]byte]*Account),
	}
}

func (m MemAccounts) GetAccount(pubkey *[32]byte) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.Map[*pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (m MemAccounts) SetAccount(pubkey *[32]byte, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := acc.Clone()
	stored.Key = *pubkey
	m.Map[*pubkey] = stored
	return nil
}

func (m MemAccounts) DeleteAccount(pubkey *[32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Map, *pubkey)
	return nil
}
