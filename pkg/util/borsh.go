package util

import (
	"errors"

	bin "github.com/gagliardetto/binary"
)

// MaxBorshLen bounds any single length-prefixed field read from instruction
// or account data.
const MaxBorshLen = 10 * 1024 * 1024

var ErrBorshLength = errors.New("borsh length prefix exceeds remaining data")

func WriteBorshBytes(encoder *bin.Encoder, b []byte) error {
	if err := encoder.WriteUint32(uint32(len(b)), bin.LE); err != nil {
		return err
	}
	return encoder.WriteBytes(b, false)
}

func ReadBorshBytes(decoder *bin.Decoder) ([]byte, error) {
	l, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return nil, err
	}
	if l > MaxBorshLen || int(l) > decoder.Remaining() {
		return nil, ErrBorshLength
	}
	b, err := decoder.ReadBytes(int(l))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func WriteBorshString(encoder *bin.Encoder, s string) error {
	return WriteBorshBytes(encoder, []byte(s))
}

func ReadBorshString(decoder *bin.Decoder) (string, error) {
	b, err := ReadBorshBytes(decoder)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func WriteBorshSeeds(encoder *bin.Encoder, seeds [][]byte) error {
	if err := encoder.WriteUint32(uint32(len(seeds)), bin.LE); err != nil {
		return err
	}
	for _, seed := range seeds {
		if err := WriteBorshBytes(encoder, seed); err != nil {
			return err
		}
	}
	return nil
}

func ReadBorshSeeds(decoder *bin.Decoder) ([][]byte, error) {
	n, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return nil, err
	}
	// every seed carries at least its 4-byte length prefix
	if uint64(n)*4 > uint64(decoder.Remaining()) {
		return nil, ErrBorshLength
	}
	seeds := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		seed, err := ReadBorshBytes(decoder)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// WriteOptionPubkey encodes a borsh Option<Pubkey>.
func WriteOptionPubkey(encoder *bin.Encoder, pk *[32]byte) error {
	if pk == nil {
		return encoder.WriteUint8(0)
	}
	if err := encoder.WriteUint8(1); err != nil {
		return err
	}
	return encoder.WriteBytes(pk[:], false)
}

func ReadOptionPubkey(decoder *bin.Decoder) (*[32]byte, error) {
	tag, err := decoder.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		b, err := decoder.ReadBytes(32)
		if err != nil {
			return nil, err
		}
		var pk [32]byte
		copy(pk[:], b)
		return &pk, nil
	default:
		return nil, errors.New("invalid option tag")
	}
}
