// Package delegation implements the delegation program: it takes ownership
// of accounts handed over by their owner program, accepts state commits from
// the validator running them and hands them back on undelegation.
package delegation

import (
	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

const DefaultProgramIDStr = "DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh"

var DefaultProgramID solana.PublicKey = base58.MustDecodeFromString(DefaultProgramIDStr)

const (
	SeedDelegation         = "delegation"
	SeedDelegationMetadata = "delegation-metadata"
	SeedBuffer             = "buffer"
	SeedUndelegateBuffer   = "undelegate-buffer"
	SeedCommitState        = "state-diff"
	SeedCommitRecord       = "commit-state-record"
	SeedEscrow             = "balance"
)

// UndelegateCallbackDiscriminator prefixes the instruction the delegation
// program sends to the owner program to recreate an undelegated account.
var UndelegateCallbackDiscriminator = sealevel.Discriminator{196, 28, 41, 206, 48, 37, 51, 167}

// custom program errors
var (
	DelegationErrAlreadyDelegated  = sealevel.NewCustomErr(0, "DelegationErrAlreadyDelegated")
	DelegationErrInvalidSeeds      = sealevel.NewCustomErr(1, "DelegationErrInvalidSeeds")
	DelegationErrNotDelegated      = sealevel.NewCustomErr(2, "DelegationErrNotDelegated")
	DelegationErrCommitPending     = sealevel.NewCustomErr(3, "DelegationErrCommitPending")
	DelegationErrNoPendingCommit   = sealevel.NewCustomErr(4, "DelegationErrNoPendingCommit")
	DelegationErrNotUndelegatable  = sealevel.NewCustomErr(5, "DelegationErrNotUndelegatable")
	DelegationErrInvalidAuthority  = sealevel.NewCustomErr(6, "DelegationErrInvalidAuthority")
	DelegationErrOutdatedState     = sealevel.NewCustomErr(7, "DelegationErrOutdatedState")
	DelegationErrInvalidReturn     = sealevel.NewCustomErr(8, "DelegationErrInvalidReturn")
	DelegationErrDigestMismatch    = sealevel.NewCustomErr(9, "DelegationErrDigestMismatch")
	DelegationErrInvalidPdaAccount = sealevel.NewCustomErr(10, "DelegationErrInvalidPdaAccount")
)

func findAddress(programID solana.PublicKey, seeds ...[]byte) (solana.PublicKey, uint8) {
	addr, bump, err := sealevel.FindProgramAddress(seeds, programID)
	if err != nil {
		klog.Errorf("unable to derive delegation address: %s", err)
	}
	return addr, bump
}

func FindDelegationRecordAddress(programID, delegated solana.PublicKey) (solana.PublicKey, uint8) {
	return findAddress(programID, []byte(SeedDelegation), delegated[:])
}

func FindDelegationMetadataAddress(programID, delegated solana.PublicKey) (solana.PublicKey, uint8) {
	return findAddress(programID, []byte(SeedDelegationMetadata), delegated[:])
}

// FindBufferAddress derives the delegation buffer under the owner program.
func FindBufferAddress(ownerProgram, delegated solana.PublicKey) (solana.PublicKey, uint8) {
	return findAddress(ownerProgram, []byte(SeedBuffer), delegated[:])
}

func FindUndelegateBufferAddress(programID, delegated solana.PublicKey) (solana.PublicKey, uint8) {
	return findAddress(programID, []byte(SeedUndelegateBuffer), delegated[:])
}

func FindCommitStateAddress(programID, delegated solana.PublicKey) (solana.PublicKey, uint8) {
	return findAddress(programID, []byte(SeedCommitState), delegated[:])
}

func FindCommitRecordAddress(programID, delegated solana.PublicKey) (solana.PublicKey, uint8) {
	return findAddress(programID, []byte(SeedCommitRecord), delegated[:])
}

// FindEscrowAddress derives the escrow that signs call handlers on behalf
// of authority.
func FindEscrowAddress(programID, authority solana.PublicKey, index uint8) (solana.PublicKey, uint8) {
	return findAddress(programID, []byte(SeedEscrow), authority[:], []byte{index})
}

type Program struct {
	programID  solana.PublicKey
	validators map[solana.PublicKey]struct{}
}

// New returns the delegation program. validators are the identities
// trusted to commit accounts delegated to the default validator and to
// run call handlers.
func New(programID solana.PublicKey, validators ...solana.PublicKey) *Program {
	p := &Program{programID: programID, validators: make(map[solana.PublicKey]struct{}, len(validators))}
	for _, v := range validators {
		p.validators[v] = struct{}{}
	}
	return p
}

// IsValidator reports whether pk is a registered validator identity.
func (p *Program) IsValidator(pk solana.PublicKey) bool {
	_, ok := p.validators[pk]
	return ok
}

func (p *Program) ProgramID() solana.PublicKey {
	return p.programID
}

// Execute is the program entrypoint registered with a bank.
func (p *Program) Execute(execCtx *sealevel.ExecutionCtx) error {
	err := execCtx.ComputeMeter.Consume(sealevel.CUDelegationProgramComputeUnits)
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
	case *DelegateArgs:
		return p.processDelegate(execCtx, ix)
	case *CommitStateArgs:
		return p.processCommitState(execCtx, ix)
	case *FinalizeArgs:
		return p.processFinalize(execCtx)
	case *UndelegateArgs:
		return p.processUndelegate(execCtx)
	case *AllowUndelegationArgs:
		return p.processAllowUndelegation(execCtx)
	case *CallHandlerArgs:
		return p.processCallHandler(execCtx, ix)
	default:
		return sealevel.InstrErrInvalidInstructionData
	}
}

// signerSeeds rebuilds the signing proof for one of the program's own PDAs.
func (p *Program) signerSeeds(seeds ...[]byte) (sealevel.SignerSeeds, error) {
	signer, _, err := sealevel.FindSignerSeeds(p.programID, seeds...)
	return signer, err
}

func (p *Program) expectAddress(acct *sealevel.BorrowedAccount, expected solana.PublicKey) error {
	if acct.Key() != expected {
		klog.Errorf("delegation: account %s, expected %s", acct.Key(), expected)
		return DelegationErrInvalidPdaAccount
	}
	return nil
}
