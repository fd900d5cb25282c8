// Package llmoracle is the on-chain half of the LLM oracle. Users register
// prompts as interactions against a context; the off-chain responder answers
// each one through CallbackFromLlm, which re-enters the requesting program
// signed by the oracle identity PDA.
package llmoracle

import (
	"encoding/binary"

	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/Overclock-Validator/ephemeral/pkg/callback"
	"github.com/Overclock-Validator/ephemeral/pkg/ersdk"
	"github.com/Overclock-Validator/ephemeral/pkg/features"
	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

const (
	DefaultProgramIDStr = "LLMrieZMpbJFwN52WgmBNMxYojrpRVYXdC1RCweEbab"
	DefaultResponderStr = "A1ooMmN1fz6LbEFrjh6GukFS2ZeRYFzdyFjeafyyS7Ca"

	CounterSeed     = "counter"
	ContextSeed     = "test-context"
	InteractionSeed = "interaction"

	CUOracleDefaults = sealevel.CUUserProgramComputeUnits
)

var (
	DefaultProgramID solana.PublicKey = base58.MustDecodeFromString(DefaultProgramIDStr)
	DefaultResponder solana.PublicKey = base58.MustDecodeFromString(DefaultResponderStr)
)

// Config fixes the oracle program id and the responder wallet allowed to
// answer interactions.
type Config struct {
	ProgramID solana.PublicKey
	Responder solana.PublicKey
	SDK       ersdk.Config
}

func DefaultConfig() Config {
	return Config{ProgramID: DefaultProgramID, Responder: DefaultResponder, SDK: ersdk.DefaultConfig()}
}

func (cfg Config) IdentityAddress() solana.PublicKey {
	return callback.IdentityAddress(cfg.ProgramID)
}

func (cfg Config) address(seeds ...[]byte) solana.PublicKey {
	addr, _, err := sealevel.FindProgramAddress(seeds, cfg.ProgramID)
	if err != nil {
		klog.Errorf("unable to derive oracle address: %s", err)
	}
	return addr
}

func (cfg Config) CounterAddress() solana.PublicKey {
	return cfg.address([]byte(CounterSeed))
}

func contextSeeds(count uint32) [][]byte {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], count)
	return [][]byte{[]byte(ContextSeed), le[:]}
}

func (cfg Config) ContextAddress(count uint32) solana.PublicKey {
	return cfg.address(contextSeeds(count)...)
}

func interactionSeeds(payer, context solana.PublicKey) [][]byte {
	return [][]byte{[]byte(InteractionSeed), payer.Bytes(), context.Bytes()}
}

func (cfg Config) InteractionAddress(payer, context solana.PublicKey) solana.PublicKey {
	return cfg.address(interactionSeeds(payer, context)...)
}

type Program struct {
	cfg Config
}

func New(cfg Config) *Program {
	return &Program{cfg: cfg}
}

func (p *Program) Config() Config {
	return p.cfg
}

func (p *Program) Execute(execCtx *sealevel.ExecutionCtx) error {
	err := execCtx.ComputeMeter.Consume(CUOracleDefaults)
	if err != nil {
		return sealevel.InstrErrComputationalBudgetExceeded
	}

	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	instr, err := DecodeInstruction(instrCtx.Data)
	if err != nil {
		return err
	}

	switch ix := instr.(type) {
	case Initialize:
		execCtx.Logf("Instruction: Initialize")
		return p.initialize(execCtx)
	case CreateLlmContext:
		execCtx.Logf("Instruction: CreateLlmContext")
		return p.createLlmContext(execCtx, ix.Text)
	case InteractWithLlm:
		execCtx.Logf("Instruction: InteractWithLlm")
		return p.interactWithLlm(execCtx, &ix)
	case CallbackFromLlm:
		execCtx.Logf("Instruction: CallbackFromLlm")
		return p.callbackFromLlm(execCtx, ix.Response)
	case CallbackFromOracle:
		execCtx.Logf("Instruction: CallbackFromOracle")
		if err = callback.RequireIdentitySigner(execCtx, 0, p.cfg.IdentityAddress()); err != nil {
			return err
		}
		execCtx.Logf("Callback response: %q", ix.Response)
		return nil
	case DelegateInteraction:
		execCtx.Logf("Instruction: DelegateInteraction")
		return p.delegateInteraction(execCtx)
	case UndelegateCallback:
		execCtx.Logf("Instruction: Undelegate")
		return ersdk.UndelegateAccount(execCtx, p.cfg.SDK, ix.Data)
	default:
		return sealevel.InstrErrInvalidInstructionData
	}
}

// borrowPda borrows account idx and checks it derives from seeds.
func (p *Program) borrowPda(execCtx *sealevel.ExecutionCtx, idx uint64, seeds [][]byte) (*sealevel.BorrowedAccount, sealevel.SignerSeeds, error) {
	acct, err := execCtx.BorrowAccount(idx)
	if err != nil {
		return nil, sealevel.SignerSeeds{}, err
	}
	signer, _, err := sealevel.FindSignerSeeds(p.cfg.ProgramID, seeds...)
	if err != nil || signer.Address() != acct.Key() {
		execCtx.Logf("Invalid seeds for PDA %s", acct.Key())
		return nil, sealevel.SignerSeeds{}, sealevel.InstrErrInvalidArgument
	}
	return acct, signer, nil
}

func (p *Program) borrowPayer(execCtx *sealevel.ExecutionCtx) (*sealevel.BorrowedAccount, error) {
	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return nil, err
	}
	if !payer.IsSigner() {
		return nil, sealevel.InstrErrMissingRequiredSignature
	}
	return payer, nil
}

func (p *Program) initialize(execCtx *sealevel.ExecutionCtx) error {
	payer, err := p.borrowPayer(execCtx)
	if err != nil {
		return err
	}
	identity, identitySigner, err := p.borrowPda(execCtx, 1, [][]byte{[]byte(callback.IdentitySeed)})
	if err != nil {
		return err
	}
	counter, counterSigner, err := p.borrowPda(execCtx, 2, [][]byte{[]byte(CounterSeed)})
	if err != nil {
		return err
	}
	if identity.Lamports() > 0 || counter.Lamports() > 0 {
		return sealevel.InstrErrAccountAlreadyInitialized
	}

	if err = execCtx.InvokeCreateAccount(payer.Key(), identitySigner, IdentitySize, p.cfg.ProgramID); err != nil {
		return err
	}
	if err = identity.SetDataAt(0, IdentityAccountDiscriminator[:]); err != nil {
		return err
	}
	if err = execCtx.InvokeCreateAccount(payer.Key(), counterSigner, CounterSize, p.cfg.ProgramID); err != nil {
		return err
	}
	return counter.SetDataAt(0, encodeContextCount(0))
}

func (p *Program) createLlmContext(execCtx *sealevel.ExecutionCtx, text string) error {
	payer, err := p.borrowPayer(execCtx)
	if err != nil {
		return err
	}
	counter, _, err := p.borrowPda(execCtx, 1, [][]byte{[]byte(CounterSeed)})
	if err != nil {
		return err
	}
	if counter.Owner() != p.cfg.ProgramID {
		return sealevel.InstrErrInvalidAccountOwner
	}
	count, err := ReadContextCount(counter.Data())
	if err != nil {
		return err
	}

	ctxAcct, ctxSigner, err := p.borrowPda(execCtx, 2, contextSeeds(count))
	if err != nil {
		return err
	}
	context := ContextAccount{Text: text}
	if err = execCtx.InvokeCreateAccount(payer.Key(), ctxSigner, contextSize(text), p.cfg.ProgramID); err != nil {
		return err
	}
	if err = ctxAcct.SetDataAt(0, context.Marshal()); err != nil {
		return err
	}

	next, err := safemath.CheckedAddU64(uint64(count), 1)
	if err != nil || next > uint64(^uint32(0)) {
		return sealevel.InstrErrArithmeticOverflow
	}
	execCtx.Logf("Context %s created with index %d", ctxAcct.Key(), count)
	return counter.SetDataAt(0, encodeContextCount(uint32(next)))
}

// interactWithLlm writes a new request into the interaction PDA of (payer,
// context), creating the account or resizing it and topping up its rent. A
// previous request at the same address is replaced.
func (p *Program) interactWithLlm(execCtx *sealevel.ExecutionCtx, ix *InteractWithLlm) error {
	payer, err := p.borrowPayer(execCtx)
	if err != nil {
		return err
	}
	ctxAcct, err := execCtx.BorrowAccount(2)
	if err != nil {
		return err
	}
	if ctxAcct.Owner() != p.cfg.ProgramID {
		return sealevel.InstrErrInvalidAccountOwner
	}
	if _, err = UnmarshalContextAccount(ctxAcct.Data()); err != nil {
		return err
	}
	interaction, interactionSigner, err := p.borrowPda(execCtx, 1, interactionSeeds(payer.Key(), ctxAcct.Key()))
	if err != nil {
		return err
	}

	request := Interaction{
		Context: ctxAcct.Key(),
		User:    payer.Key(),
		Text:    ix.Text,
		Callback: callback.Registration{
			ProgramID:     ix.CallbackProgramID,
			Discriminator: ix.CallbackDiscriminator,
			Accounts:      ix.AccountMetas,
		},
	}
	if err = request.Callback.Validate(); err != nil {
		return err
	}
	space := request.Size()

	switch interaction.Owner() {
	case sealevel.SystemProgramAddr:
		if err = execCtx.InvokeCreateAccount(payer.Key(), interactionSigner, space, p.cfg.ProgramID); err != nil {
			return err
		}
	case p.cfg.ProgramID:
		required := execCtx.SysvarCache.Rent.MinimumBalance(space)
		topUp := safemath.SaturatingSubU64(required, interaction.Lamports())
		if err = execCtx.InvokeTransfer(payer.Key(), interaction.Key(), topUp); err != nil {
			return err
		}
	default:
		// delegated interactions are only written inside the ephemeral bank
		return sealevel.InstrErrInvalidAccountOwner
	}

	if err = interaction.SetData(request.Marshal()); err != nil {
		return err
	}
	execCtx.Logf("Interaction %s registered for callback program %s", interaction.Key(), ix.CallbackProgramID)
	return nil
}

// callbackFromLlm answers an interaction. Accounts: [responder, identity,
// interaction, callback program, callback accounts...]. With
// MarkProcessedBeforeCallback active the request is marked processed before
// the callback runs, so a nested answer is rejected and the callback reads a
// processed request. Otherwise it is marked once the callback returns.
func (p *Program) callbackFromLlm(execCtx *sealevel.ExecutionCtx, response string) error {
	responder, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if responder.Key() != p.cfg.Responder || !responder.IsSigner() {
		execCtx.Logf("Callback from %s rejected, expected responder %s", responder.Key(), p.cfg.Responder)
		return callback.CallbackErrUnauthorized
	}
	_, identitySigner, err := p.borrowPda(execCtx, 1, [][]byte{[]byte(callback.IdentitySeed)})
	if err != nil {
		return err
	}
	interaction, err := execCtx.BorrowAccount(2)
	if err != nil {
		return err
	}
	if interaction.Owner() != p.cfg.ProgramID {
		return sealevel.InstrErrInvalidAccountOwner
	}
	request, err := UnmarshalInteraction(interaction.Data())
	if err != nil {
		return err
	}
	if request.IsProcessed {
		execCtx.Logf("Interaction %s already processed", interaction.Key())
		return callback.CallbackErrAlreadyProcessed
	}

	program, err := execCtx.BorrowAccount(3)
	if err != nil {
		return err
	}
	if program.Key() != request.Callback.ProgramID {
		return sealevel.InstrErrIncorrectProgramId
	}

	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	remaining := make([]sealevel.AccountMeta, 0, instrCtx.NumberOfInstructionAccounts())
	for idx := uint64(4); idx < instrCtx.NumberOfInstructionAccounts(); idx++ {
		acct, err := execCtx.BorrowAccount(idx)
		if err != nil {
			return err
		}
		remaining = append(remaining, sealevel.AccountMeta{Pubkey: acct.Key()})
	}
	if err = callback.CheckCallbackAccounts(remaining, responder.Key()); err != nil {
		execCtx.Logf("Responder %s found among the callback accounts", responder.Key())
		return err
	}
	if err = callback.CheckCallbackAccounts(request.Callback.Accounts, responder.Key()); err != nil {
		return err
	}

	markFirst := execCtx.IsFeatureActive(features.MarkProcessedBeforeCallback)
	if markFirst {
		if err = interaction.SetDataAt(request.processedFlagOffset(), []byte{1}); err != nil {
			return err
		}
	}
	if err = callback.Dispatch(execCtx, &request.Callback, identitySigner, response); err != nil {
		return err
	}
	if markFirst {
		return nil
	}
	return interaction.SetDataAt(request.processedFlagOffset(), []byte{1})
}

// delegateInteraction hands the (payer, context) interaction to the
// delegation program. The context follows the delegation accounts.
func (p *Program) delegateInteraction(execCtx *sealevel.ExecutionCtx) error {
	payer, err := p.borrowPayer(execCtx)
	if err != nil {
		return err
	}
	interaction, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	ctxAcct, err := execCtx.BorrowAccount(8)
	if err != nil {
		return err
	}
	return ersdk.DelegateAccount(execCtx, p.cfg.SDK, payer.Key(), interaction.Key(),
		interactionSeeds(payer.Key(), ctxAcct.Key()), ersdk.DefaultDelegateConfig())
}
