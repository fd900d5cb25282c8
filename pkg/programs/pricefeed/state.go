package pricefeed

import (
	"bytes"
	"math/big"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Int128 is a two's complement i128 as two little-endian words.
type Int128 struct {
	Lo uint64
	Hi uint64
}

func NewInt128(v int64) Int128 {
	i := Int128{Lo: uint64(v)}
	if v < 0 {
		i.Hi = ^uint64(0)
	}
	return i
}

var (
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// Int128FromBig converts v, reporting false when it does not fit.
func Int128FromBig(v *big.Int) (Int128, bool) {
	if v.Cmp(maxInt128) > 0 || v.Cmp(minInt128) < 0 {
		return Int128{}, false
	}
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, two128)
	}
	mask := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(u, mask).Uint64()
	hi := new(big.Int).Rsh(u, 64).Uint64()
	return Int128{Lo: lo, Hi: hi}, true
}

func (i Int128) Big() *big.Int {
	u := new(big.Int).Lsh(new(big.Int).SetUint64(i.Hi), 64)
	u.Or(u, new(big.Int).SetUint64(i.Lo))
	if i.Hi>>63 == 1 {
		u.Sub(u, two128)
	}
	return u
}

// Int64 truncates to the low 64 bits.
func (i Int128) Int64() int64 {
	return int64(i.Lo)
}

type TemporalNumericValue struct {
	TimestampNs    uint64
	QuantizedValue Int128
}

// UpdateData is one signed price observation as pushed by the relayer.
type UpdateData struct {
	Symbol               string
	ID                   [32]byte
	TemporalNumericValue TemporalNumericValue
	PublisherMerkleRoot  [32]byte
	ValueComputeAlgHash  [32]byte
	R                    [32]byte
	S                    [32]byte
	V                    uint8
}

func (u *UpdateData) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := util.WriteBorshString(encoder, u.Symbol); err != nil {
		return err
	}
	if err := encoder.WriteBytes(u.ID[:], false); err != nil {
		return err
	}
	if err := encoder.WriteUint64(u.TemporalNumericValue.TimestampNs, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteUint64(u.TemporalNumericValue.QuantizedValue.Lo, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteUint64(u.TemporalNumericValue.QuantizedValue.Hi, bin.LE); err != nil {
		return err
	}
	for _, b := range [][32]byte{u.PublisherMerkleRoot, u.ValueComputeAlgHash, u.R, u.S} {
		if err := encoder.WriteBytes(b[:], false); err != nil {
			return err
		}
	}
	return encoder.WriteUint8(u.V)
}

func readArray(decoder *bin.Decoder, out *[32]byte) error {
	b, err := decoder.ReadBytes(len(out))
	if err != nil {
		return err
	}
	copy(out[:], b)
	return nil
}

func (u *UpdateData) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if u.Symbol, err = util.ReadBorshString(decoder); err != nil {
		return err
	}
	if err = readArray(decoder, &u.ID); err != nil {
		return err
	}
	if u.TemporalNumericValue.TimestampNs, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if u.TemporalNumericValue.QuantizedValue.Lo, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if u.TemporalNumericValue.QuantizedValue.Hi, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	for _, out := range []*[32]byte{&u.PublisherMerkleRoot, &u.ValueComputeAlgHash, &u.R, &u.S} {
		if err = readArray(decoder, out); err != nil {
			return err
		}
	}
	u.V, err = decoder.ReadUint8()
	return err
}

var PriceUpdateV2Discriminator = sealevel.HashDiscriminator("account:PriceUpdateV2")

// PriceUpdateV2Size is the encoded length of a price feed account.
const PriceUpdateV2Size = 8 + 32 + 2 + 32 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 8

// VerificationLevel is Full, or Partial with the signature count that was
// checked.
type VerificationLevel struct {
	Full          bool
	NumSignatures uint8
}

type PriceFeedMessage struct {
	FeedID          [32]byte
	Price           int64
	Conf            uint64
	Exponent        int32
	PublishTime     int64
	PrevPublishTime int64
	EmaPrice        int64
	EmaConf         uint64
}

// PriceUpdate is the price feed account.
type PriceUpdate struct {
	WriteAuthority    solana.PublicKey
	VerificationLevel VerificationLevel
	PriceMessage      PriceFeedMessage
	PostedSlot        uint64
}

func (p *PriceUpdate) Marshal() []byte {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)
	buf.Write(PriceUpdateV2Discriminator[:])
	buf.Write(p.WriteAuthority[:])
	// enum tag 0 is Partial{num_signatures}, 1 is Full; both take two bytes
	if p.VerificationLevel.Full {
		buf.Write([]byte{1, 0})
	} else {
		buf.Write([]byte{0, p.VerificationLevel.NumSignatures})
	}
	msg := &p.PriceMessage
	buf.Write(msg.FeedID[:])
	_ = encoder.WriteInt64(msg.Price, bin.LE)
	_ = encoder.WriteUint64(msg.Conf, bin.LE)
	_ = encoder.WriteInt32(msg.Exponent, bin.LE)
	_ = encoder.WriteInt64(msg.PublishTime, bin.LE)
	_ = encoder.WriteInt64(msg.PrevPublishTime, bin.LE)
	_ = encoder.WriteInt64(msg.EmaPrice, bin.LE)
	_ = encoder.WriteUint64(msg.EmaConf, bin.LE)
	_ = encoder.WriteUint64(p.PostedSlot, bin.LE)
	return buf.Bytes()
}

func UnmarshalPriceUpdate(data []byte) (*PriceUpdate, error) {
	if len(data) < PriceUpdateV2Size || !bytes.Equal(data[:8], PriceUpdateV2Discriminator[:]) {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	decoder := bin.NewBinDecoder(data[8:])
	var p PriceUpdate
	var err error
	read := func(fn func() error) {
		if err == nil {
			err = fn()
		}
	}

	read(func() error {
		b, err := decoder.ReadBytes(32)
		copy(p.WriteAuthority[:], b)
		return err
	})
	read(func() error {
		tag, err := decoder.ReadUint8()
		if err != nil {
			return err
		}
		n, err := decoder.ReadUint8()
		p.VerificationLevel = VerificationLevel{Full: tag == 1}
		if tag == 0 {
			p.VerificationLevel.NumSignatures = n
		}
		return err
	})
	msg := &p.PriceMessage
	read(func() error { return readArray(decoder, &msg.FeedID) })
	read(func() (err error) { msg.Price, err = decoder.ReadInt64(bin.LE); return })
	read(func() (err error) { msg.Conf, err = decoder.ReadUint64(bin.LE); return })
	read(func() (err error) { msg.Exponent, err = decoder.ReadInt32(bin.LE); return })
	read(func() (err error) { msg.PublishTime, err = decoder.ReadInt64(bin.LE); return })
	read(func() (err error) { msg.PrevPublishTime, err = decoder.ReadInt64(bin.LE); return })
	read(func() (err error) { msg.EmaPrice, err = decoder.ReadInt64(bin.LE); return })
	read(func() (err error) { msg.EmaConf, err = decoder.ReadUint64(bin.LE); return })
	read(func() (err error) { p.PostedSlot, err = decoder.ReadUint64(bin.LE); return })
	if err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	return &p, nil
}
