package agent

import (
	"github.com/Overclock-Validator/ephemeral/pkg/callback"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
)

var (
	InitializeDiscriminator        = sealevel.HashDiscriminator("global:initialize")
	InteractAgentDiscriminator     = sealevel.HashDiscriminator("global:interact_agent")
	CallbackFromAgentDiscriminator = sealevel.HashDiscriminator("global:callback_from_agent")
)

type Instruction interface {
	isAgentInstruction()
}

type Initialize struct{}

type InteractAgent struct {
	Text string
}

type CallbackFromAgent struct {
	Response string
}

func (Initialize) isAgentInstruction()        {}
func (InteractAgent) isAgentInstruction()     {}
func (CallbackFromAgent) isAgentInstruction() {}

func DecodeInstruction(data []byte) (Instruction, error) {
	disc, payload, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}

	switch disc {
	case InitializeDiscriminator:
		return Initialize{}, nil
	case InteractAgentDiscriminator:
		text, err := callback.DecodeResult(payload)
		if err != nil {
			return nil, err
		}
		return InteractAgent{Text: text}, nil
	case CallbackFromAgentDiscriminator:
		response, err := callback.DecodeResult(payload)
		if err != nil {
			return nil, err
		}
		return CallbackFromAgent{Response: response}, nil
	default:
		return nil, sealevel.InstrErrInvalidInstructionData
	}
}

// NewInitializeInstruction creates the agent with its oracle context at
// contextIndex, the current value of the oracle's context counter.
func NewInitializeInstruction(cfg Config, payer solana.PublicKey, contextIndex uint32) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.AgentAddress()),
			sealevel.Writable(cfg.MintAddress()),
			sealevel.Writable(cfg.Oracle.CounterAddress()),
			sealevel.Writable(cfg.Oracle.ContextAddress(contextIndex)),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
			sealevel.ReadOnly(cfg.Oracle.ProgramID),
		},
		Data: InitializeDiscriminator[:],
	}
}

func NewInteractAgentInstruction(cfg Config, payer, llmContext solana.PublicKey, text string) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.Oracle.InteractionAddress(payer, llmContext)),
			sealevel.ReadOnly(cfg.AgentAddress()),
			sealevel.ReadOnly(llmContext),
			sealevel.Writable(cfg.BalanceAddress(payer)),
			sealevel.Writable(cfg.MintAddress()),
			sealevel.ReadOnly(cfg.Oracle.ProgramID),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: callback.EncodeResult(InteractAgentDiscriminator, text),
	}
}
