package accounts

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/cockroachdb/pebble"
	"github.com/gagliardetto/solana-go"
)

type PersistentAccountsDb struct {
	db *pebble.DB
}

func CreateNewAccountsDb(dir string) (*PersistentAccountsDb, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}

	return &PersistentAccountsDb{db: db}, nil
}

func (m *PersistentAccountsDb) GetAccount(pubkey *[32]byte) (*Account, error) {
	acctBytes, closer, err := m.db.Get(pubkey[:])
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrAccountNotFound
	} else if err != nil {
		return nil, fmt.Errorf("error whilst retrieving account %s: %w", base58.Encode(pubkey[:]), err)
	}
	buf := bytes.Clone(acctBytes)
	closer.Close()

	acct, err := UnmarshalAccount(solana.PublicKeyFromBytes(pubkey[:]), buf)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize account %s from pebble accountsdb: %w", base58.Encode(pubkey[:]), err)
	}

	return acct, nil
}

func (m *PersistentAccountsDb) SetAccount(pubkey *[32]byte, acct *Account) error {
	acctBytes, err := acct.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize account for storage in pebble accountsdb: %w", err)
	}

	err = m.db.Set(pubkey[:], acctBytes, pebble.Sync)
	if err != nil {
		return fmt.Errorf("error setting account for %s: %w", base58.Encode(pubkey[:]), err)
	}

	return nil
}

func (m *PersistentAccountsDb) DeleteAccount(pubkey *[32]byte) error {
	err := m.db.Delete(pubkey[:], pebble.Sync)
	if err != nil {
		return fmt.Errorf("error deleting account %s: %w", base58.Encode(pubkey[:]), err)
	}
	return nil
}

func (m *PersistentAccountsDb) Close() error {
	return m.db.Close()
}
