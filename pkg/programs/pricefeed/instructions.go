package pricefeed

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/ersdk"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	InitializePriceFeedDiscriminator = sealevel.HashDiscriminator("global:initialize_price_feed")
	UpdatePriceFeedDiscriminator     = sealevel.HashDiscriminator("global:update_price_feed")
	DelegatePriceFeedDiscriminator   = sealevel.HashDiscriminator("global:delegate_price_feed")
	SampleDiscriminator              = sealevel.HashDiscriminator("global:sample")
)

type Instruction interface {
	isPriceFeedInstruction()
}

type InitializePriceFeed struct {
	Provider string
	Symbol   string
	FeedID   [32]byte
	Exponent int32
}

type UpdatePriceFeed struct {
	Provider string
	Update   UpdateData
}

type DelegatePriceFeed struct {
	Provider string
	Symbol   string
}

type Sample struct{}

type UndelegateCallback struct {
	Data []byte
}

func (InitializePriceFeed) isPriceFeedInstruction() {}
func (UpdatePriceFeed) isPriceFeedInstruction()     {}
func (DelegatePriceFeed) isPriceFeedInstruction()   {}
func (Sample) isPriceFeedInstruction()              {}
func (UndelegateCallback) isPriceFeedInstruction()  {}

func DecodeInstruction(data []byte) (Instruction, error) {
	disc, payload, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}
	decoder := bin.NewBinDecoder(payload)

	switch disc {
	case InitializePriceFeedDiscriminator:
		var ix InitializePriceFeed
		if ix.Provider, err = util.ReadBorshString(decoder); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		if ix.Symbol, err = util.ReadBorshString(decoder); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		if err = readArray(decoder, &ix.FeedID); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		if ix.Exponent, err = decoder.ReadInt32(bin.LE); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		return ix, nil
	case UpdatePriceFeedDiscriminator:
		var ix UpdatePriceFeed
		if ix.Provider, err = util.ReadBorshString(decoder); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		if err = ix.Update.UnmarshalWithDecoder(decoder); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		return ix, nil
	case DelegatePriceFeedDiscriminator:
		var ix DelegatePriceFeed
		if ix.Provider, err = util.ReadBorshString(decoder); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		if ix.Symbol, err = util.ReadBorshString(decoder); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		return ix, nil
	case SampleDiscriminator:
		return Sample{}, nil
	case delegation.UndelegateCallbackDiscriminator:
		return UndelegateCallback{Data: data}, nil
	default:
		return nil, sealevel.InstrErrInvalidInstructionData
	}
}

func NewInitializePriceFeedInstruction(cfg Config, payer solana.PublicKey, ix *InitializePriceFeed) sealevel.Instruction {
	buf := new(bytes.Buffer)
	buf.Write(InitializePriceFeedDiscriminator[:])
	encoder := bin.NewBinEncoder(buf)
	_ = util.WriteBorshString(encoder, ix.Provider)
	_ = util.WriteBorshString(encoder, ix.Symbol)
	buf.Write(ix.FeedID[:])
	_ = encoder.WriteInt32(ix.Exponent, bin.LE)

	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.PriceFeedAddress(ix.Provider, ix.Symbol)),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: buf.Bytes(),
	}
}

// EncodeUpdatePriceFeed is the wire form of update_price_feed as pushed by
// the relayer.
func EncodeUpdatePriceFeed(provider string, update *UpdateData) []byte {
	buf := new(bytes.Buffer)
	buf.Write(UpdatePriceFeedDiscriminator[:])
	encoder := bin.NewBinEncoder(buf)
	_ = util.WriteBorshString(encoder, provider)
	_ = update.MarshalWithEncoder(encoder)
	return buf.Bytes()
}

func NewUpdatePriceFeedInstruction(cfg Config, payer solana.PublicKey, provider string, update *UpdateData) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.PriceFeedAddress(provider, update.Symbol)),
		},
		Data: EncodeUpdatePriceFeed(provider, update),
	}
}

func NewDelegatePriceFeedInstruction(cfg Config, payer solana.PublicKey, provider, symbol string) sealevel.Instruction {
	buf := new(bytes.Buffer)
	buf.Write(DelegatePriceFeedDiscriminator[:])
	encoder := bin.NewBinEncoder(buf)
	_ = util.WriteBorshString(encoder, provider)
	_ = util.WriteBorshString(encoder, symbol)

	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts:  ersdk.DelegateAccountMetas(cfg.SDK, payer, cfg.PriceFeedAddress(provider, symbol), cfg.ProgramID),
		Data:      buf.Bytes(),
	}
}

func NewSampleInstruction(cfg Config, payer, priceFeed solana.PublicKey) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.ReadOnly(priceFeed),
		},
		Data: SampleDiscriminator[:],
	}
}
