// Package magic implements the settlement program of the ephemeral bank.
// Owner programs schedule commits of their delegated accounts into the
// magic context; the validator accepts them and settles them on the base
// bank.
package magic

import (
	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/Overclock-Validator/ephemeral/pkg/features"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

const (
	DefaultProgramIDStr = "Magic11111111111111111111111111111111111111"
	DefaultContextIDStr = "MagicContext1111111111111111111111111111111"
)

var (
	DefaultProgramID solana.PublicKey = base58.MustDecodeFromString(DefaultProgramIDStr)
	DefaultContextID solana.PublicKey = base58.MustDecodeFromString(DefaultContextIDStr)
)

var (
	MagicErrNotDelegated       = sealevel.NewCustomErr(0, "MagicErrNotDelegated")
	MagicErrUnauthorized       = sealevel.NewCustomErr(1, "MagicErrUnauthorized")
	MagicErrInvalidContext     = sealevel.NewCustomErr(2, "MagicErrInvalidContext")
	MagicErrNoCommittees       = sealevel.NewCustomErr(3, "MagicErrNoCommittees")
	MagicErrInvalidCallHandler = sealevel.NewCustomErr(4, "MagicErrInvalidCallHandler")
	MagicErrCallHandlersOff    = sealevel.NewCustomErr(5, "MagicErrCallHandlersOff")
)

// Config carries the identities the magic program runs with. IsDelegated
// reports whether the validator holds the write lease for an account.
type Config struct {
	ProgramID   solana.PublicKey
	ContextID   solana.PublicKey
	Validator   solana.PublicKey
	IsDelegated func(pubkey solana.PublicKey) bool
}

func DefaultConfig(validator solana.PublicKey, isDelegated func(solana.PublicKey) bool) Config {
	return Config{
		ProgramID:   DefaultProgramID,
		ContextID:   DefaultContextID,
		Validator:   validator,
		IsDelegated: isDelegated,
	}
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
	err := execCtx.ComputeMeter.Consume(sealevel.CUMagicProgramComputeUnits)
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
	case *ScheduleCommitArgs:
		return p.scheduleCommit(execCtx, false, nil)
	case *ScheduleCommitAndUndelegateArgs:
		return p.scheduleCommit(execCtx, true, nil)
	case *ScheduleCommitWithHandlerArgs:
		return p.scheduleCommit(execCtx, ix.Undelegate, ix.Handlers)
	case *AcceptScheduledCommitsArgs:
		return p.acceptScheduledCommits(execCtx)
	default:
		return sealevel.InstrErrInvalidInstructionData
	}
}

func (p *Program) borrowContext(execCtx *sealevel.ExecutionCtx) (*sealevel.BorrowedAccount, *MagicContext, error) {
	contextAcct, err := execCtx.BorrowAccount(1)
	if err != nil {
		return nil, nil, err
	}
	if contextAcct.Key() != p.cfg.ContextID {
		return nil, nil, MagicErrInvalidContext
	}
	if contextAcct.Owner() != p.cfg.ProgramID {
		return nil, nil, sealevel.InstrErrInvalidAccountOwner
	}
	mc, err := UnmarshalMagicContext(contextAcct.Data())
	if err != nil {
		klog.Errorf("corrupt magic context: %s", err)
		return nil, nil, sealevel.InstrErrInvalidAccountData
	}
	return contextAcct, mc, nil
}

func (p *Program) scheduleCommit(execCtx *sealevel.ExecutionCtx, undelegate bool, handlers []CallHandler) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(2); err != nil {
		return err
	}

	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if !payer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}

	contextAcct, mc, err := p.borrowContext(execCtx)
	if err != nil {
		return err
	}

	// commits are requested through the owner program, never directly
	caller, ok := execCtx.CallerProgramId()
	if !ok {
		return MagicErrUnauthorized
	}

	numAccts := instrCtx.NumberOfInstructionAccounts()
	if numAccts == 2 {
		return MagicErrNoCommittees
	}

	intent := &Intent{
		Id:         mc.NextId,
		Slot:       execCtx.SysvarCache.Clock.Slot,
		Payer:      payer.Key(),
		Undelegate: undelegate,
	}
	for idx := uint64(2); idx < numAccts; idx++ {
		committee, err := execCtx.BorrowAccount(idx)
		if err != nil {
			return err
		}
		if p.cfg.IsDelegated == nil || !p.cfg.IsDelegated(committee.Key()) {
			klog.V(2).Infof("schedule commit: %s is not delegated", committee.Key())
			return MagicErrNotDelegated
		}
		if committee.Owner() != caller {
			klog.V(2).Infof("schedule commit: %s is owned by %s, not caller %s", committee.Key(), committee.Owner(), caller)
			return sealevel.InstrErrInvalidAccountOwner
		}
		intent.Accounts = append(intent.Accounts, CommittedAccount{
			Pubkey:   committee.Key(),
			Owner:    committee.Owner(),
			Lamports: committee.Lamports(),
			Data:     append([]byte(nil), committee.Data()...),
		})
	}

	if len(handlers) > 0 && !execCtx.IsFeatureActive(features.EnableCallHandlers) {
		klog.V(2).Infof("schedule commit: call handlers are not enabled")
		return MagicErrCallHandlersOff
	}
	for _, handler := range handlers {
		if handler.EscrowAuthority != payer.Key() {
			return MagicErrInvalidCallHandler
		}
		if handler.Destination == p.cfg.ProgramID || handler.Destination.IsZero() {
			return MagicErrInvalidCallHandler
		}
	}
	intent.Handlers = handlers

	mc.NextId++
	mc.Intents = append(mc.Intents, intent)
	data := mc.Marshal()
	if len(data) > MagicContextMaxSize {
		return sealevel.InstrErrAccountDataTooSmall
	}
	if err = contextAcct.SetData(data); err != nil {
		return err
	}

	execCtx.Logf("scheduled commit %d of %d accounts (undelegate=%t, handlers=%d)", intent.Id, len(intent.Accounts), undelegate, len(handlers))
	return nil
}

func (p *Program) acceptScheduledCommits(execCtx *sealevel.ExecutionCtx) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(2); err != nil {
		return err
	}

	validator, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if !validator.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}
	if validator.Key() != p.cfg.Validator {
		return MagicErrUnauthorized
	}

	contextAcct, mc, err := p.borrowContext(execCtx)
	if err != nil {
		return err
	}

	accepted := len(mc.Intents)
	mc.Intents = nil
	if err = contextAcct.SetData(mc.Marshal()); err != nil {
		return err
	}

	execCtx.Logf("accepted %d scheduled commits", accepted)
	return nil
}
