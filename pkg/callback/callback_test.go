package callback

import (
	"bytes"
	"testing"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationCodec(t *testing.T) {
	reg := Registration{
		ProgramID:     solana.NewWallet().PublicKey(),
		Discriminator: sealevel.Discriminator{9, 8, 7, 6, 5, 4, 3, 2},
		Accounts: []sealevel.AccountMeta{
			sealevel.ReadOnly(solana.NewWallet().PublicKey()),
			sealevel.Writable(solana.NewWallet().PublicKey()),
		},
	}
	buf := new(bytes.Buffer)
	require.NoError(t, reg.MarshalWithEncoder(bin.NewBinEncoder(buf)))
	assert.Equal(t, int(reg.Size()), buf.Len())

	var decoded Registration
	require.NoError(t, decoded.UnmarshalWithDecoder(bin.NewBinDecoder(buf.Bytes())))
	assert.Equal(t, reg, decoded)

	// a length prefix larger than the data is rejected before allocating
	data := buf.Bytes()
	data[40] = 0xff
	assert.Error(t, decoded.UnmarshalWithDecoder(bin.NewBinDecoder(data)))
}

func TestCheckCallbackAccounts(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	metas := []sealevel.AccountMeta{sealevel.ReadOnly(solana.NewWallet().PublicKey())}
	assert.NoError(t, CheckCallbackAccounts(metas, payer))

	metas = append(metas, sealevel.ReadOnly(payer))
	assert.ErrorIs(t, CheckCallbackAccounts(metas, payer), CallbackErrPayerInCallbackAccounts)
}

func TestNewCallbackInstruction(t *testing.T) {
	identity := IdentityAddress(solana.NewWallet().PublicKey())
	target := solana.NewWallet().PublicKey()
	reg := &Registration{
		ProgramID:     solana.NewWallet().PublicKey(),
		Discriminator: sealevel.HashDiscriminator("global:callback"),
		Accounts:      []sealevel.AccountMeta{sealevel.Writable(target)},
	}

	ix := NewCallbackInstruction(reg, identity, "42")
	assert.Equal(t, reg.ProgramID, ix.ProgramId)
	assert.Equal(t, []sealevel.AccountMeta{sealevel.Signer(identity), sealevel.Writable(target)}, ix.Accounts)

	disc, payload, err := sealevel.SplitDiscriminator(ix.Data)
	require.NoError(t, err)
	assert.Equal(t, reg.Discriminator, disc)
	result, err := DecodeResult(payload)
	require.NoError(t, err)
	assert.Equal(t, "42", result)
}

func TestRegistrationValidate(t *testing.T) {
	reg := &Registration{}
	assert.ErrorIs(t, reg.Validate(), sealevel.InstrErrIncorrectProgramId)

	reg.ProgramID = solana.NewWallet().PublicKey()
	reg.Accounts = make([]sealevel.AccountMeta, MaxCallbackAccounts+1)
	assert.ErrorIs(t, reg.Validate(), CallbackErrTooManyAccounts)
}

func TestIdentityAddress(t *testing.T) {
	programID := solana.NewWallet().PublicKey()
	signer, err := IdentitySigner(programID)
	require.NoError(t, err)
	assert.Equal(t, IdentityAddress(programID), signer.Address())
	assert.Equal(t, programID, signer.ProgramId())

	addr, _, err := sealevel.FindProgramAddress([][]byte{[]byte(IdentitySeed)}, programID)
	require.NoError(t, err)
	assert.Equal(t, addr, signer.Address())
}
