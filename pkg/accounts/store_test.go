package accounts

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetOrEmpty(t *testing.T) {
	store := NewStore(NewMemAccounts())
	addr := solana.NewWallet().PublicKey()
	system := solana.NewWallet().PublicKey()

	_, err := store.Get(addr)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	acct, err := store.GetOrEmpty(addr, system)
	require.NoError(t, err)
	assert.Equal(t, addr, acct.Key)
	assert.Equal(t, system, solana.PublicKey(acct.Owner))
	assert.Zero(t, acct.Lamports)
	assert.Empty(t, acct.Data)
}

func TestStore_PutEmptyAccountDeletes(t *testing.T) {
	store := NewStore(NewMemAccounts())
	addr := solana.NewWallet().PublicKey()

	require.NoError(t, store.Put(&Account{Key: addr, Lamports: 10, Data: []byte{1}}))
	acct, err := store.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), acct.Lamports)

	acct.Lamports, acct.Data = 0, nil
	require.NoError(t, store.Put(acct))
	_, err = store.Get(addr)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccount_MarshalRoundTrip(t *testing.T) {
	key := solana.NewWallet().PublicKey()
	acct := &Account{Key: key, Lamports: 42, Data: []byte{1, 2, 3}, Owner: [32]byte{9}, Executable: true, RentEpoch: 7}

	raw, err := acct.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalAccount(key, raw)
	require.NoError(t, err)
	assert.Equal(t, acct, decoded)
}

func TestPersistentAccountsDb(t *testing.T) {
	db, err := CreateNewAccountsDb(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	key := solana.NewWallet().PublicKey()
	pk := [32]byte(key)

	_, err = db.GetAccount(&pk)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	acct := &Account{Key: key, Lamports: 5, Data: []byte{4, 5}, Owner: [32]byte{1}}
	require.NoError(t, db.SetAccount(&pk, acct))

	got, err := db.GetAccount(&pk)
	require.NoError(t, err)
	assert.Equal(t, acct, got)

	require.NoError(t, db.DeleteAccount(&pk))
	_, err = db.GetAccount(&pk)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
