package sealevel

import (
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/minio/sha256-simd"
)

type Instruction struct {
	Accounts  []AccountMeta
	Data      []byte
	ProgramId solana.PublicKey
}

const AccountMetaSize = 34

type AccountMeta struct {
	Pubkey     solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

type InstructionAccount struct {
	IndexInTransaction uint64
	IndexInCallee      uint64
	IsSigner           bool
	IsWritable         bool
}

func (accountMeta *AccountMeta) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	pk, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	copy(accountMeta.Pubkey[:], pk)

	accountMeta.IsSigner, err = decoder.ReadBool()
	if err != nil {
		return err
	}

	accountMeta.IsWritable, err = decoder.ReadBool()
	return err
}

func (accountMeta *AccountMeta) MarshalWithEncoder(encoder *bin.Encoder) error {
	err := encoder.WriteBytes(accountMeta.Pubkey[:], false)
	if err != nil {
		return err
	}

	err = encoder.WriteBool(accountMeta.IsSigner)
	if err != nil {
		return err
	}

	return encoder.WriteBool(accountMeta.IsWritable)
}

func ReadOnly(pubkey solana.PublicKey) AccountMeta {
	return AccountMeta{Pubkey: pubkey}
}

func Writable(pubkey solana.PublicKey) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsWritable: true}
}

func Signer(pubkey solana.PublicKey) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: true}
}

func WritableSigner(pubkey solana.PublicKey) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: true, IsWritable: true}
}

// Discriminator is the 8-byte tag that prefixes every program instruction.
type Discriminator [8]byte

// IndexDiscriminator returns the tag used by programs that number their
// instructions with a little-endian u64.
func IndexDiscriminator(index uint64) Discriminator {
	var d Discriminator
	for i := 0; i < 8; i++ {
		d[i] = byte(index >> (8 * i))
	}
	return d
}

// HashDiscriminator returns the first 8 bytes of sha256(preimage), the tag
// scheme of programs that name their instructions and accounts
// ("global:<instruction>", "account:<Type>").
func HashDiscriminator(preimage string) Discriminator {
	var d Discriminator
	sum := sha256.Sum256([]byte(preimage))
	copy(d[:], sum[:8])
	return d
}

// SplitDiscriminator separates the tag from the payload.
func SplitDiscriminator(data []byte) (Discriminator, []byte, error) {
	var d Discriminator
	if len(data) < len(d) {
		return d, nil, InstrErrInvalidInstructionData
	}
	copy(d[:], data[:8])
	return d, data[8:], nil
}
