package pricefeed

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// SolanaFormatMagicLE prefixes every Pyth Lazer update encoded for Solana.
const SolanaFormatMagicLE uint32 = 2182742457

var ErrMagicMismatch = errors.New("solana envelope magic mismatch")

// SolanaMessage is a signed Pyth Lazer payload.
type SolanaMessage struct {
	Payload   []byte
	Signature [64]byte
	PublicKey [32]byte
}

func DecodeSolanaMessage(data []byte) (*SolanaMessage, error) {
	decoder := bin.NewBinDecoder(data)
	magic, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if magic != SolanaFormatMagicLE {
		return nil, fmt.Errorf("%w: %d", ErrMagicMismatch, magic)
	}

	var msg SolanaMessage
	sig, err := decoder.ReadBytes(len(msg.Signature))
	if err != nil {
		return nil, fmt.Errorf("reading signature: %w", err)
	}
	copy(msg.Signature[:], sig)
	pubkey, err := decoder.ReadBytes(len(msg.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	copy(msg.PublicKey[:], pubkey)

	payloadLen, err := decoder.ReadUint16(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("reading payload length: %w", err)
	}
	payload, err := decoder.ReadBytes(int(payloadLen))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	msg.Payload = append([]byte(nil), payload...)
	return &msg, nil
}

// Encode is the inverse of DecodeSolanaMessage.
func (m *SolanaMessage) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+64+32+2+len(m.Payload)))
	encoder := bin.NewBinEncoder(buf)
	_ = encoder.WriteUint32(SolanaFormatMagicLE, bin.LE)
	_ = encoder.WriteBytes(m.Signature[:], false)
	_ = encoder.WriteBytes(m.PublicKey[:], false)
	_ = encoder.WriteUint16(uint16(len(m.Payload)), bin.LE)
	_ = encoder.WriteBytes(m.Payload, false)
	return buf.Bytes()
}
