// Package ersdk holds the helpers owner programs use to take part in the
// delegation lifecycle: handing an account to the delegation program,
// scheduling commits from the ephemeral bank and restoring the account when
// the delegation program hands it back.
package ersdk

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/magic"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

const DefaultCommitFrequencyMs = 30_000

// DelegateConfig is supplied by the caller of a delegate instruction.
type DelegateConfig struct {
	CommitFrequencyMs uint32
	// Validator pins the session to one validator; nil uses default routing.
	Validator *solana.PublicKey
}

func DefaultDelegateConfig() DelegateConfig {
	return DelegateConfig{CommitFrequencyMs: DefaultCommitFrequencyMs}
}

// Config names the delegation and magic programs an owner program talks to.
type Config struct {
	DelegationProgramID solana.PublicKey
	MagicProgramID      solana.PublicKey
	MagicContextID      solana.PublicKey
}

func DefaultConfig() Config {
	return Config{
		DelegationProgramID: delegation.DefaultProgramID,
		MagicProgramID:      magic.DefaultProgramID,
		MagicContextID:      magic.DefaultContextID,
	}
}

func (cfg Config) magicConfig() magic.Config {
	return magic.Config{ProgramID: cfg.MagicProgramID, ContextID: cfg.MagicContextID}
}

func borrowByKey(execCtx *sealevel.ExecutionCtx, pubkey solana.PublicKey) (*sealevel.BorrowedAccount, error) {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return nil, err
	}
	idx, err := instrCtx.IndexOfInstructionAccount(execCtx.TransactionContext, pubkey)
	if err != nil {
		klog.Errorf("account %s missing from instruction", pubkey)
		return nil, sealevel.InstrErrNotEnoughAccountKeys
	}
	return instrCtx.BorrowInstructionAccount(execCtx.TransactionContext, idx)
}

// DelegateAccountMetas lists the accounts an owner program's delegate
// instruction must carry after its own accounts.
func DelegateAccountMetas(cfg Config, payer, pda, ownerProgram solana.PublicKey) []sealevel.AccountMeta {
	buffer, _ := delegation.FindBufferAddress(ownerProgram, pda)
	record, _ := delegation.FindDelegationRecordAddress(cfg.DelegationProgramID, pda)
	metadata, _ := delegation.FindDelegationMetadataAddress(cfg.DelegationProgramID, pda)
	return []sealevel.AccountMeta{
		sealevel.WritableSigner(payer),
		sealevel.Writable(pda),
		sealevel.ReadOnly(ownerProgram),
		sealevel.Writable(buffer),
		sealevel.Writable(record),
		sealevel.Writable(metadata),
		sealevel.ReadOnly(cfg.DelegationProgramID),
		sealevel.ReadOnly(sealevel.SystemProgramAddr),
	}
}

// DelegateAccount hands pda, derived from seeds under the executing
// program, to the delegation program. It stages the account data in the
// owner's buffer PDA, assigns the account and invokes Delegate with the
// account signing through its seeds.
func DelegateAccount(execCtx *sealevel.ExecutionCtx, cfg Config, payer, pda solana.PublicKey, seeds [][]byte, delegateCfg DelegateConfig) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	ownerProgram := instrCtx.ProgramId()

	acct, err := borrowByKey(execCtx, pda)
	if err != nil {
		return err
	}
	if acct.Owner() == cfg.DelegationProgramID {
		return delegation.DelegationErrAlreadyDelegated
	}
	if !acct.IsOwnedByCurrentProgram() {
		return sealevel.InstrErrInvalidAccountOwner
	}

	pdaSigner, _, err := sealevel.FindSignerSeeds(ownerProgram, seeds...)
	if err != nil || pdaSigner.Address() != pda {
		klog.Errorf("delegate: seeds do not derive %s under %s", pda, ownerProgram)
		return sealevel.InstrErrInvalidArgument
	}

	bufferSigner, _, err := sealevel.FindSignerSeeds(ownerProgram, []byte(delegation.SeedBuffer), pda[:])
	if err != nil {
		return err
	}
	buffer, err := borrowByKey(execCtx, bufferSigner.Address())
	if err != nil {
		return err
	}

	data := bytes.Clone(acct.Data())
	if err = execCtx.InvokeCreateAccount(payer, bufferSigner, uint64(len(data)), ownerProgram); err != nil {
		return err
	}
	if err = buffer.SetDataAt(0, data); err != nil {
		return err
	}

	if err = acct.SetDataLength(0); err != nil {
		return err
	}
	if err = acct.SetOwner(cfg.DelegationProgramID); err != nil {
		return err
	}

	ix := delegation.NewDelegateInstruction(cfg.DelegationProgramID, payer, pda, ownerProgram, &delegation.DelegateArgs{
		CommitFrequencyMs: delegateCfg.CommitFrequencyMs,
		Seeds:             seeds,
		Validator:         delegateCfg.Validator,
	})
	if err = execCtx.InvokeSigned(ix, pdaSigner); err != nil {
		return err
	}

	payerAcct, err := borrowByKey(execCtx, payer)
	if err != nil {
		return err
	}
	return sealevel.CloseAccount(buffer, payerAcct)
}

// CommitAccountMetas lists the accounts a commit instruction must carry for
// the magic program.
func CommitAccountMetas(cfg Config, payer solana.PublicKey) []sealevel.AccountMeta {
	return []sealevel.AccountMeta{
		sealevel.WritableSigner(payer),
		sealevel.Writable(cfg.MagicContextID),
		sealevel.ReadOnly(cfg.MagicProgramID),
	}
}

// CommitAccounts schedules a commit of the given delegated accounts.
func CommitAccounts(execCtx *sealevel.ExecutionCtx, cfg Config, payer solana.PublicKey, committees []solana.PublicKey) error {
	return execCtx.Invoke(magic.NewScheduleCommitInstruction(cfg.magicConfig(), payer, committees))
}

// CommitAndUndelegateAccounts schedules a commit that also returns the
// accounts to their owner program on the base bank.
func CommitAndUndelegateAccounts(execCtx *sealevel.ExecutionCtx, cfg Config, payer solana.PublicKey, committees []solana.PublicKey) error {
	return execCtx.Invoke(magic.NewScheduleCommitAndUndelegateInstruction(cfg.magicConfig(), payer, committees))
}

// CommitWithHandlers schedules a commit followed by call handlers.
func CommitWithHandlers(execCtx *sealevel.ExecutionCtx, cfg Config, payer solana.PublicKey, committees []solana.PublicKey, undelegate bool, handlers []magic.CallHandler) error {
	args := &magic.ScheduleCommitWithHandlerArgs{Undelegate: undelegate, Handlers: handlers}
	return execCtx.Invoke(magic.NewScheduleCommitWithHandlerInstruction(cfg.magicConfig(), payer, committees, args))
}

// IsUndelegateCallback reports whether data is the delegation program's
// undelegation callback.
func IsUndelegateCallback(data []byte) bool {
	disc, _, err := sealevel.SplitDiscriminator(data)
	return err == nil && disc == delegation.UndelegateCallbackDiscriminator
}

// UndelegateAccount handles the undelegation callback inside the owner
// program. Accounts: [delegated, undelegate buffer, payer, system program].
// The buffer must have signed, which only the delegation program can do.
func UndelegateAccount(execCtx *sealevel.ExecutionCtx, cfg Config, data []byte) error {
	seeds, err := delegation.DecodeUndelegateCallback(data)
	if err != nil {
		return err
	}

	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(4); err != nil {
		return err
	}
	ownerProgram := instrCtx.ProgramId()

	delegated, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	buffer, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	payer, err := execCtx.BorrowAccount(2)
	if err != nil {
		return err
	}

	caller, ok := execCtx.CallerProgramId()
	if !ok || caller != cfg.DelegationProgramID {
		return sealevel.InstrErrIncorrectProgramId
	}
	bufferAddr, _ := delegation.FindUndelegateBufferAddress(cfg.DelegationProgramID, delegated.Key())
	if buffer.Key() != bufferAddr || buffer.Owner() != cfg.DelegationProgramID {
		return sealevel.InstrErrInvalidArgument
	}
	if !buffer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}

	// seeds are recorded without the bump
	pdaSigner, _, err := sealevel.FindSignerSeeds(ownerProgram, seeds...)
	if err != nil || pdaSigner.Address() != delegated.Key() {
		return sealevel.InstrErrInvalidSeeds
	}

	state := buffer.Data()
	if err = execCtx.InvokeCreateAccount(payer.Key(), pdaSigner, uint64(len(state)), ownerProgram); err != nil {
		return err
	}
	if err = delegated.SetDataAt(0, state); err != nil {
		return err
	}

	klog.V(2).Infof("restored %s under %s", delegated.Key(), ownerProgram)
	return nil
}

// AllowUndelegation lets the delegation program honor an undelegate request
// for delegated. Owner programs call it once their own guard holds. The
// instruction must carry delegated, the record, the metadata, the owner's
// buffer PDA and the delegation program.
func AllowUndelegation(execCtx *sealevel.ExecutionCtx, cfg Config, delegated solana.PublicKey) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	ownerProgram := instrCtx.ProgramId()

	bufferSigner, _, err := sealevel.FindSignerSeeds(ownerProgram, []byte(delegation.SeedBuffer), delegated[:])
	if err != nil {
		return err
	}
	ix := delegation.NewAllowUndelegationInstruction(cfg.DelegationProgramID, delegated, ownerProgram)
	return execCtx.InvokeSigned(ix, bufferSigner)
}

func AllowUndelegationAccountMetas(cfg Config, delegated, ownerProgram solana.PublicKey) []sealevel.AccountMeta {
	record, _ := delegation.FindDelegationRecordAddress(cfg.DelegationProgramID, delegated)
	metadata, _ := delegation.FindDelegationMetadataAddress(cfg.DelegationProgramID, delegated)
	buffer, _ := delegation.FindBufferAddress(ownerProgram, delegated)
	return []sealevel.AccountMeta{
		sealevel.ReadOnly(delegated),
		sealevel.ReadOnly(record),
		sealevel.Writable(metadata),
		sealevel.ReadOnly(buffer),
		sealevel.ReadOnly(cfg.DelegationProgramID),
	}
}

// VerifyCallHandler checks that the executing instruction is a call handler
// relayed by the delegation program and returns its arguments. The first
// two accounts are the escrow, which must have signed, and its authority.
// The delegation program only relays handlers sent by a registered
// validator, after that validator settled the commit carrying them.
func VerifyCallHandler(execCtx *sealevel.ExecutionCtx, cfg Config) (*delegation.ActionArgs, error) {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return nil, err
	}
	args, err := delegation.DecodeActionArgs(instrCtx.Data)
	if err != nil {
		return nil, err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(2); err != nil {
		return nil, err
	}

	caller, ok := execCtx.CallerProgramId()
	if !ok || caller != cfg.DelegationProgramID {
		return nil, sealevel.InstrErrIncorrectProgramId
	}

	escrow, err := execCtx.BorrowAccount(0)
	if err != nil {
		return nil, err
	}
	escrowAuthority, err := execCtx.BorrowAccount(1)
	if err != nil {
		return nil, err
	}
	expected, _ := delegation.FindEscrowAddress(cfg.DelegationProgramID, escrowAuthority.Key(), args.EscrowIndex)
	if escrow.Key() != expected {
		return nil, sealevel.InstrErrInvalidArgument
	}
	if !escrow.IsSigner() {
		return nil, sealevel.InstrErrMissingRequiredSignature
	}
	return args, nil
}
