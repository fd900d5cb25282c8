package llmoracle

import (
	"bytes"
	"encoding/binary"

	"github.com/Overclock-Validator/ephemeral/pkg/callback"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	IdentityAccountDiscriminator    = sealevel.HashDiscriminator("account:Identity")
	CounterAccountDiscriminator     = sealevel.HashDiscriminator("account:Counter")
	ContextAccountDiscriminator     = sealevel.HashDiscriminator("account:ContextAccount")
	InteractionAccountDiscriminator = sealevel.HashDiscriminator("account:Interaction")
)

const (
	IdentitySize = 8
	CounterSize  = 8 + 4

	// interactionFixedSize covers everything but the text and the metas:
	// discriminator, context, user, text length, callback program,
	// callback discriminator, metas length and the processed flag.
	interactionFixedSize = 8 + 32 + 32 + 4 + 32 + 8 + 4 + 1
)

func checkDiscriminator(decoder *bin.Decoder, want sealevel.Discriminator) error {
	got, err := decoder.ReadBytes(len(want))
	if err != nil || !bytes.Equal(got, want[:]) {
		return sealevel.InstrErrInvalidAccountData
	}
	return nil
}

// ReadContextCount decodes the context counter.
func ReadContextCount(data []byte) (uint32, error) {
	decoder := bin.NewBinDecoder(data)
	if err := checkDiscriminator(decoder, CounterAccountDiscriminator); err != nil {
		return 0, err
	}
	count, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return 0, sealevel.InstrErrInvalidAccountData
	}
	return count, nil
}

func encodeContextCount(count uint32) []byte {
	var data [CounterSize]byte
	copy(data[:8], CounterAccountDiscriminator[:])
	binary.LittleEndian.PutUint32(data[8:], count)
	return data[:]
}

// ContextAccount holds the system prompt interactions are answered with.
type ContextAccount struct {
	Text string
}

func contextSize(text string) uint64 {
	return 8 + 4 + uint64(len(text))
}

func (c *ContextAccount) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(ContextAccountDiscriminator[:])
	_ = util.WriteBorshString(bin.NewBinEncoder(buf), c.Text)
	return buf.Bytes()
}

func UnmarshalContextAccount(data []byte) (*ContextAccount, error) {
	decoder := bin.NewBinDecoder(data)
	if err := checkDiscriminator(decoder, ContextAccountDiscriminator); err != nil {
		return nil, err
	}
	text, err := util.ReadBorshString(decoder)
	if err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	return &ContextAccount{Text: text}, nil
}

// Interaction is a pending prompt and the callback that answers it.
type Interaction struct {
	Context     solana.PublicKey
	User        solana.PublicKey
	Text        string
	Callback    callback.Registration
	IsProcessed bool
}

func interactionSize(text string, numMetas int) uint64 {
	return interactionFixedSize + uint64(len(text)) + uint64(numMetas)*sealevel.AccountMetaSize
}

func (i *Interaction) Size() uint64 {
	return interactionSize(i.Text, len(i.Callback.Accounts))
}

// processedFlagOffset locates is_processed, the last byte of the account.
func (i *Interaction) processedFlagOffset() uint64 {
	return i.Size() - 1
}

func (i *Interaction) Marshal() []byte {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)
	buf.Write(InteractionAccountDiscriminator[:])
	buf.Write(i.Context[:])
	buf.Write(i.User[:])
	_ = util.WriteBorshString(encoder, i.Text)
	_ = i.Callback.MarshalWithEncoder(encoder)
	_ = encoder.WriteBool(i.IsProcessed)
	return buf.Bytes()
}

func UnmarshalInteraction(data []byte) (*Interaction, error) {
	decoder := bin.NewBinDecoder(data)
	if err := checkDiscriminator(decoder, InteractionAccountDiscriminator); err != nil {
		return nil, err
	}

	var i Interaction
	ctx, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	copy(i.Context[:], ctx)
	user, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	copy(i.User[:], user)

	if i.Text, err = util.ReadBorshString(decoder); err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	if err = i.Callback.UnmarshalWithDecoder(decoder); err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	if i.IsProcessed, err = decoder.ReadBool(); err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	return &i, nil
}
