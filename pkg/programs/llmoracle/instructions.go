package llmoracle

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/callback"
	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/ersdk"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	InitializeDiscriminator          = sealevel.HashDiscriminator("global:initialize")
	CreateLlmContextDiscriminator    = sealevel.HashDiscriminator("global:create_llm_context")
	InteractWithLlmDiscriminator     = sealevel.HashDiscriminator("global:interact_with_llm")
	CallbackFromLlmDiscriminator     = sealevel.HashDiscriminator("global:callback_from_llm")
	CallbackFromOracleDiscriminator  = sealevel.HashDiscriminator("global:callback_from_oracle")
	DelegateInteractionDiscriminator = sealevel.HashDiscriminator("global:delegate_interaction")
)

type Instruction interface {
	isOracleInstruction()
}

type Initialize struct{}

type CreateLlmContext struct {
	Text string
}

// InteractWithLlm registers a prompt. A nil AccountMetas registers a
// callback with no accounts besides the identity.
type InteractWithLlm struct {
	Text                  string
	CallbackProgramID     solana.PublicKey
	CallbackDiscriminator sealevel.Discriminator
	AccountMetas          []sealevel.AccountMeta
}

type CallbackFromLlm struct {
	Response string
}

// CallbackFromOracle is the oracle's own callback target, used to smoke test
// the responder.
type CallbackFromOracle struct {
	Response string
}

type DelegateInteraction struct{}

type UndelegateCallback struct {
	Data []byte
}

func (Initialize) isOracleInstruction()          {}
func (CreateLlmContext) isOracleInstruction()    {}
func (InteractWithLlm) isOracleInstruction()     {}
func (CallbackFromLlm) isOracleInstruction()     {}
func (CallbackFromOracle) isOracleInstruction()  {}
func (DelegateInteraction) isOracleInstruction() {}
func (UndelegateCallback) isOracleInstruction()  {}

func decodeString(payload []byte) (string, error) {
	s, err := util.ReadBorshString(bin.NewBinDecoder(payload))
	if err != nil {
		return "", sealevel.InstrErrInvalidInstructionData
	}
	return s, nil
}

func decodeInteract(payload []byte) (InteractWithLlm, error) {
	var ix InteractWithLlm
	decoder := bin.NewBinDecoder(payload)

	text, err := util.ReadBorshString(decoder)
	if err != nil {
		return ix, sealevel.InstrErrInvalidInstructionData
	}
	ix.Text = text

	programID, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return ix, sealevel.InstrErrInvalidInstructionData
	}
	copy(ix.CallbackProgramID[:], programID)

	disc, err := decoder.ReadBytes(len(ix.CallbackDiscriminator))
	if err != nil {
		return ix, sealevel.InstrErrInvalidInstructionData
	}
	copy(ix.CallbackDiscriminator[:], disc)

	tag, err := decoder.ReadUint8()
	if err != nil || tag > 1 {
		return ix, sealevel.InstrErrInvalidInstructionData
	}
	if tag == 0 {
		return ix, nil
	}

	n, err := decoder.ReadUint32(bin.LE)
	if err != nil || n > callback.MaxCallbackAccounts {
		return ix, sealevel.InstrErrInvalidInstructionData
	}
	ix.AccountMetas = make([]sealevel.AccountMeta, n)
	for idx := range ix.AccountMetas {
		if err = ix.AccountMetas[idx].UnmarshalWithDecoder(decoder); err != nil {
			return ix, sealevel.InstrErrInvalidInstructionData
		}
	}
	return ix, nil
}

func DecodeInstruction(data []byte) (Instruction, error) {
	disc, payload, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}

	switch disc {
	case InitializeDiscriminator:
		return Initialize{}, nil
	case CreateLlmContextDiscriminator:
		text, err := decodeString(payload)
		if err != nil {
			return nil, err
		}
		return CreateLlmContext{Text: text}, nil
	case InteractWithLlmDiscriminator:
		return decodeInteract(payload)
	case CallbackFromLlmDiscriminator:
		response, err := decodeString(payload)
		if err != nil {
			return nil, err
		}
		return CallbackFromLlm{Response: response}, nil
	case CallbackFromOracleDiscriminator:
		response, err := callback.DecodeResult(payload)
		if err != nil {
			return nil, err
		}
		return CallbackFromOracle{Response: response}, nil
	case DelegateInteractionDiscriminator:
		return DelegateInteraction{}, nil
	case delegation.UndelegateCallbackDiscriminator:
		return UndelegateCallback{Data: data}, nil
	default:
		return nil, sealevel.InstrErrInvalidInstructionData
	}
}

func encodeInteract(ix *InteractWithLlm) []byte {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)
	buf.Write(InteractWithLlmDiscriminator[:])
	_ = util.WriteBorshString(encoder, ix.Text)
	buf.Write(ix.CallbackProgramID[:])
	buf.Write(ix.CallbackDiscriminator[:])
	if ix.AccountMetas == nil {
		_ = encoder.WriteUint8(0)
		return buf.Bytes()
	}
	_ = encoder.WriteUint8(1)
	_ = encoder.WriteUint32(uint32(len(ix.AccountMetas)), bin.LE)
	for idx := range ix.AccountMetas {
		_ = ix.AccountMetas[idx].MarshalWithEncoder(encoder)
	}
	return buf.Bytes()
}

func NewInitializeInstruction(cfg Config, payer solana.PublicKey) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.IdentityAddress()),
			sealevel.Writable(cfg.CounterAddress()),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: InitializeDiscriminator[:],
	}
}

// NewCreateLlmContextInstruction creates the context at the next counter
// value, read by the caller from the counter account.
func NewCreateLlmContextInstruction(cfg Config, payer solana.PublicKey, count uint32, text string) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.CounterAddress()),
			sealevel.Writable(cfg.ContextAddress(count)),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: callback.EncodeResult(CreateLlmContextDiscriminator, text),
	}
}

func NewInteractWithLlmInstruction(cfg Config, payer, context solana.PublicKey, ix *InteractWithLlm) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.InteractionAddress(payer, context)),
			sealevel.ReadOnly(context),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: encodeInteract(ix),
	}
}

// NewCallbackFromLlmInstruction is built by the responder. The registered
// callback accounts follow the four fixed accounts.
func NewCallbackFromLlmInstruction(cfg Config, interaction solana.PublicKey, reg *callback.Registration, response string) sealevel.Instruction {
	metas := []sealevel.AccountMeta{
		sealevel.WritableSigner(cfg.Responder),
		sealevel.ReadOnly(cfg.IdentityAddress()),
		sealevel.Writable(interaction),
		sealevel.ReadOnly(reg.ProgramID),
	}
	for _, meta := range reg.Accounts {
		metas = append(metas, sealevel.AccountMeta{Pubkey: meta.Pubkey, IsWritable: meta.IsWritable})
	}
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts:  metas,
		Data:      callback.EncodeResult(CallbackFromLlmDiscriminator, response),
	}
}

func NewDelegateInteractionInstruction(cfg Config, payer, context solana.PublicKey) sealevel.Instruction {
	interaction := cfg.InteractionAddress(payer, context)
	metas := ersdk.DelegateAccountMetas(cfg.SDK, payer, interaction, cfg.ProgramID)
	metas = append(metas, sealevel.ReadOnly(context))
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts:  metas,
		Data:      DelegateInteractionDiscriminator[:],
	}
}
