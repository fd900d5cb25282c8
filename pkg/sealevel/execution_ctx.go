package sealevel

import (
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/cu"
	"github.com/Overclock-Validator/ephemeral/pkg/features"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

type ExecutionCtx struct {
	Log                Logger
	TransactionContext *TransactionCtx
	ComputeMeter       cu.ComputeMeter
	Programs           *ProgramRegistry
	SysvarCache        SysvarCache
	Features           *features.Features
}

// IsFeatureActive reports whether gate is active in the executing bank.
func (execCtx *ExecutionCtx) IsFeatureActive(gate features.FeatureGate) bool {
	return execCtx.Features != nil && execCtx.Features.IsActive(gate)
}

type SysvarCache struct {
	Rent  SysvarRent
	Clock SysvarClock
}

// ProcessInstruction executes a top-level transaction instruction. Signer
// flags are only honoured for keys that signed the transaction.
func (execCtx *ExecutionCtx) ProcessInstruction(ix Instruction) error {
	txCtx := execCtx.TransactionContext

	instrAccts := make([]InstructionAccount, 0, len(ix.Accounts))
	for idx, accountMeta := range ix.Accounts {
		indexInTx, err := txCtx.IndexOfAccount(accountMeta.Pubkey)
		if err != nil {
			klog.Errorf("instruction references unknown account %s", accountMeta.Pubkey)
			return err
		}
		if accountMeta.IsSigner && !txCtx.IsTransactionSigner(accountMeta.Pubkey) {
			klog.V(2).Infof("account %s flagged as signer but did not sign", accountMeta.Pubkey)
			return InstrErrMissingRequiredSignature
		}
		instrAccts = append(instrAccts, InstructionAccount{
			IndexInTransaction: indexInTx,
			IndexInCallee:      uint64(idx),
			IsSigner:           accountMeta.IsSigner,
			IsWritable:         accountMeta.IsWritable,
		})
	}

	return execCtx.executeInstruction(ix.ProgramId, instrAccts, ix.Data)
}

// PrepareInstruction validates the accounts of a cross-program invocation
// against the caller's privileges.
func (execCtx *ExecutionCtx) PrepareInstruction(ix Instruction, signers []solana.PublicKey) ([]InstructionAccount, error) {
	txCtx := execCtx.TransactionContext

	callerCtx, err := txCtx.CurrentInstructionCtx()
	if err != nil {
		return nil, err
	}

	instructionAccounts := make([]InstructionAccount, 0, len(ix.Accounts))
	for idx, accountMeta := range ix.Accounts {
		indexInCaller, err := callerCtx.IndexOfInstructionAccount(txCtx, accountMeta.Pubkey)
		if err != nil {
			klog.Errorf("instruction references account %s missing from caller", accountMeta.Pubkey)
			return nil, err
		}

		callerAcct, err := callerCtx.BorrowInstructionAccount(txCtx, indexInCaller)
		if err != nil {
			return nil, err
		}

		// "Read-only in caller cannot become writable in callee"
		if accountMeta.IsWritable && !callerAcct.IsWritable() {
			klog.Errorf("%s: writable privilege escalated", accountMeta.Pubkey)
			return nil, InstrErrPrivilegeEscalation
		}

		// "To be signed in the callee,
		// it must be either signed in the caller or by the program"
		presentInSigners := false
		for _, addr := range signers {
			if addr == accountMeta.Pubkey {
				presentInSigners = true
				break
			}
		}
		if accountMeta.IsSigner && !(callerAcct.IsSigner() || presentInSigners) {
			klog.Errorf("%s: signer privilege escalated", accountMeta.Pubkey)
			return nil, InstrErrPrivilegeEscalation
		}

		instructionAccounts = append(instructionAccounts, InstructionAccount{
			IndexInTransaction: callerAcct.IndexInTransaction,
			IndexInCallee:      uint64(idx),
			IsSigner:           accountMeta.IsSigner,
			IsWritable:         accountMeta.IsWritable,
		})
	}

	return instructionAccounts, nil
}

func (execCtx *ExecutionCtx) Invoke(ix Instruction) error {
	return execCtx.InvokeSigned(ix)
}

// InvokeSigned performs a cross-program invocation. Each SignerSeeds value is
// proof that the calling program derived the address it signs for.
func (execCtx *ExecutionCtx) InvokeSigned(ix Instruction, signerSeeds ...SignerSeeds) error {
	err := execCtx.ComputeMeter.Consume(CUInvokeUnits)
	if err != nil {
		return InstrErrComputationalBudgetExceeded
	}

	callerCtx, err := execCtx.TransactionContext.CurrentInstructionCtx()
	if err != nil {
		return err
	}

	signers := make([]solana.PublicKey, 0, len(signerSeeds))
	for _, seeds := range signerSeeds {
		if seeds.programId != callerCtx.ProgramId() {
			klog.Errorf("signer seeds for %s were derived by %s, not the caller %s", seeds.address, seeds.programId, callerCtx.ProgramId())
			return InstrErrPrivilegeEscalation
		}
		signers = append(signers, seeds.address)
	}

	instrAccts, err := execCtx.PrepareInstruction(ix, signers)
	if err != nil {
		return err
	}

	txCtx := execCtx.TransactionContext
	if txCtx.IsProgramOnStack(ix.ProgramId) && callerCtx.ProgramId() != ix.ProgramId {
		return InstrErrReentrancyNotAllowed
	}

	return execCtx.executeInstruction(ix.ProgramId, instrAccts, ix.Data)
}

func (execCtx *ExecutionCtx) executeInstruction(programId solana.PublicKey, instrAccts []InstructionAccount, data []byte) error {
	txCtx := execCtx.TransactionContext

	programFn, err := execCtx.Programs.Resolve(programId)
	if err != nil {
		klog.Errorf("unknown program %s", programId)
		return err
	}

	instrCtx := &InstructionCtx{programId: programId, InstructionAccounts: instrAccts, Data: data}
	if err = txCtx.Push(instrCtx); err != nil {
		return err
	}

	klog.V(3).Infof("executing program %s at depth %d", programId, txCtx.InstructionCtxStackHeight())
	err1 := programFn(execCtx)
	err2 := txCtx.Pop()

	if err1 != nil {
		execCtx.Logf("Program %s failed: %s", programId, err1)
		return err1
	}
	return err2
}

// CallerProgramId returns the program that invoked the currently executing
// one; false means the current instruction is a top-level instruction.
func (execCtx *ExecutionCtx) CallerProgramId() (solana.PublicKey, bool) {
	callerCtx, ok := execCtx.TransactionContext.CallerInstructionCtx()
	if !ok {
		return solana.PublicKey{}, false
	}
	return callerCtx.ProgramId(), true
}

func (execCtx *ExecutionCtx) CurrentInstructionCtx() (*InstructionCtx, error) {
	return execCtx.TransactionContext.CurrentInstructionCtx()
}

// BorrowAccount borrows the idx-th account of the executing instruction.
func (execCtx *ExecutionCtx) BorrowAccount(idx uint64) (*BorrowedAccount, error) {
	instrCtx, err := execCtx.TransactionContext.CurrentInstructionCtx()
	if err != nil {
		return nil, err
	}
	return instrCtx.BorrowInstructionAccount(execCtx.TransactionContext, idx)
}

func (execCtx *ExecutionCtx) Logf(format string, args ...any) {
	if execCtx.Log == nil {
		return
	}
	execCtx.Log.Log(fmt.Sprintf(format, args...))
}
