package sealevel

import (
	"errors"

	sol "github.com/Overclock-Validator/ephemeral/pkg/solana"
	"github.com/gagliardetto/solana-go"
)

func CreateProgramAddress(seeds [][]byte, programId solana.PublicKey) (solana.PublicKey, error) {
	addr, err := sol.CreateProgramAddressBytes(seeds, programId[:])
	if errors.Is(err, sol.ErrSeedLength) {
		return solana.PublicKey{}, InstrErrMaxSeedLengthExceeded
	} else if err != nil {
		return solana.PublicKey{}, InstrErrInvalidSeeds
	}
	return solana.PublicKeyFromBytes(addr), nil
}

func FindProgramAddress(seeds [][]byte, programId solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := sol.FindProgramAddressBytes(seeds, programId[:])
	if errors.Is(err, sol.ErrSeedLength) {
		return solana.PublicKey{}, 0, InstrErrMaxSeedLengthExceeded
	} else if err != nil {
		return solana.PublicKey{}, 0, InstrErrInvalidSeeds
	}
	return solana.PublicKeyFromBytes(addr), bump, nil
}

// SignerSeeds is a proof that a program derived an address from its seeds.
// Only the program that created it can use it to sign an invocation.
type SignerSeeds struct {
	programId solana.PublicKey
	address   solana.PublicKey
	seeds     [][]byte
}

// NewSignerSeeds re-derives the address from seeds, which must include the
// bump seed.
func NewSignerSeeds(programId solana.PublicKey, seeds ...[]byte) (SignerSeeds, error) {
	addr, err := CreateProgramAddress(seeds, programId)
	if err != nil {
		return SignerSeeds{}, err
	}
	return SignerSeeds{programId: programId, address: addr, seeds: seeds}, nil
}

// FindSignerSeeds searches the bump for seeds and returns the signing proof.
func FindSignerSeeds(programId solana.PublicKey, seeds ...[]byte) (SignerSeeds, uint8, error) {
	_, bump, err := FindProgramAddress(seeds, programId)
	if err != nil {
		return SignerSeeds{}, 0, err
	}
	withBump := append(append([][]byte{}, seeds...), []byte{bump})
	signer, err := NewSignerSeeds(programId, withBump...)
	return signer, bump, err
}

func (s SignerSeeds) Address() solana.PublicKey {
	return s.address
}

func (s SignerSeeds) ProgramId() solana.PublicKey {
	return s.programId
}

func (s SignerSeeds) Seeds() [][]byte {
	return s.seeds
}
