package accounts

import (
	"errors"

	"github.com/gagliardetto/solana-go"
)

// Store is the address keyed view of an Accounts backend used by the banks.
// Empty accounts are not kept: storing one deletes it. Creation,
// reallocation and owner checked writes happen in the runtime, on the copies
// a transaction works with, and reach the Store only when the transaction
// succeeds.
type Store struct {
	backend Accounts
}

func NewStore(backend Accounts) *Store {
	return &Store{backend: backend}
}

func (s *Store) Backend() Accounts {
	return s.backend
}

func (s *Store) Get(address solana.PublicKey) (*Account, error) {
	pk := [32]byte(address)
	return s.backend.GetAccount(&pk)
}

// GetOrEmpty returns the stored account, or a zero-lamport system account
// when nothing is stored at the address.
func (s *Store) GetOrEmpty(address solana.PublicKey, systemProgram solana.PublicKey) (*Account, error) {
	acct, err := s.Get(address)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{Key: address, Owner: systemProgram, Data: []byte{}}, nil
	}
	return acct, err
}

func (s *Store) Put(acct *Account) error {
	pk := [32]byte(acct.Key)
	if acct.IsZero() {
		return s.backend.DeleteAccount(&pk)
	}
	return s.backend.SetAccount(&pk, acct)
}
