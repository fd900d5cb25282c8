package util

import (
	"bytes"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBorshSeeds(t *testing.T) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	seeds := [][]byte{[]byte("counter"), {1, 2, 3}}
	require.NoError(t, WriteBorshSeeds(enc, seeds))

	assert.Equal(t, []byte{2, 0, 0, 0, 7, 0, 0, 0}, buf.Bytes()[:8])

	got, err := ReadBorshSeeds(bin.NewBinDecoder(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, seeds, got)
}

func TestReadBorshBytes_RejectsOversizedPrefix(t *testing.T) {
	_, err := ReadBorshBytes(bin.NewBinDecoder([]byte{0xff, 0xff, 0, 0, 1}))
	assert.ErrorIs(t, err, ErrBorshLength)
}

func TestOptionPubkey(t *testing.T) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	pk := [32]byte(solana.NewWallet().PublicKey())
	require.NoError(t, WriteOptionPubkey(enc, nil))
	require.NoError(t, WriteOptionPubkey(enc, &pk))

	dec := bin.NewBinDecoder(buf.Bytes())
	none, err := ReadOptionPubkey(dec)
	require.NoError(t, err)
	assert.Nil(t, none)
	some, err := ReadOptionPubkey(dec)
	require.NoError(t, err)
	assert.Equal(t, pk, *some)
}

func TestDedupePubkeys(t *testing.T) {
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	assert.Equal(t, []solana.PublicKey{a, b}, DedupePubkeys([]solana.PublicKey{a, b, a, b}))
}
