package delegation

import (
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

func (p *Program) processDelegate(execCtx *sealevel.ExecutionCtx, args *DelegateArgs) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(7); err != nil {
		return err
	}

	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	delegated, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	ownerProgram, err := execCtx.BorrowAccount(2)
	if err != nil {
		return err
	}
	buffer, err := execCtx.BorrowAccount(3)
	if err != nil {
		return err
	}
	record, err := execCtx.BorrowAccount(4)
	if err != nil {
		return err
	}
	metadata, err := execCtx.BorrowAccount(5)
	if err != nil {
		return err
	}

	if !payer.IsSigner() || !delegated.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}

	// only the owner program can hand over its account
	caller, ok := execCtx.CallerProgramId()
	if !ok || caller != ownerProgram.Key() {
		klog.Errorf("delegate: must be invoked by owner program %s", ownerProgram.Key())
		return DelegationErrInvalidAuthority
	}

	derived, _, err := sealevel.FindProgramAddress(args.Seeds, ownerProgram.Key())
	if err != nil || derived != delegated.Key() {
		klog.Errorf("delegate: seeds derive %s, not %s", derived, delegated.Key())
		return DelegationErrInvalidSeeds
	}

	if delegated.Owner() != p.programID {
		return sealevel.InstrErrInvalidAccountOwner
	}

	bufferAddr, _ := FindBufferAddress(ownerProgram.Key(), delegated.Key())
	if err = p.expectAddress(buffer, bufferAddr); err != nil {
		return err
	}
	recordAddr, _ := FindDelegationRecordAddress(p.programID, delegated.Key())
	if err = p.expectAddress(record, recordAddr); err != nil {
		return err
	}
	metadataAddr, _ := FindDelegationMetadataAddress(p.programID, delegated.Key())
	if err = p.expectAddress(metadata, metadataAddr); err != nil {
		return err
	}

	if record.Lamports() > 0 {
		return DelegationErrAlreadyDelegated
	}

	var authority solana.PublicKey
	if args.Validator != nil {
		authority = *args.Validator
	}
	delegationRecord := &DelegationRecord{
		Authority:         authority,
		Owner:             ownerProgram.Key(),
		DelegationSlot:    execCtx.SysvarCache.Clock.Slot,
		Lamports:          delegated.Lamports(),
		CommitFrequencyMs: uint64(args.CommitFrequencyMs),
	}
	if err = p.createPda(execCtx, payer.Key(), record, marshal(delegationRecord), SeedDelegation, delegated.Key()); err != nil {
		return err
	}

	delegationMetadata := &DelegationMetadata{RentPayer: payer.Key(), Seeds: args.Seeds}
	if err = p.createPda(execCtx, payer.Key(), metadata, marshal(delegationMetadata), SeedDelegationMetadata, delegated.Key()); err != nil {
		return err
	}

	if err = delegated.SetData(buffer.Data()); err != nil {
		return err
	}

	execCtx.Logf("delegated %s from %s to validator %s", delegated.Key(), ownerProgram.Key(), authority)
	klog.V(2).Infof("delegate: %s owner=%s authority=%s", delegated.Key(), ownerProgram.Key(), authority)
	return nil
}

// createPda allocates one of the program's PDAs sized for data and fills it.
func (p *Program) createPda(execCtx *sealevel.ExecutionCtx, payer solana.PublicKey, acct *sealevel.BorrowedAccount, data []byte, seed string, delegated solana.PublicKey) error {
	signer, err := p.signerSeeds([]byte(seed), delegated[:])
	if err != nil {
		return err
	}
	if err = execCtx.InvokeCreateAccount(payer, signer, uint64(len(data)), p.programID); err != nil {
		return err
	}
	return acct.SetDataAt(0, data)
}

func (p *Program) processAllowUndelegation(execCtx *sealevel.ExecutionCtx) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(4); err != nil {
		return err
	}

	delegated, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	record, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	metadata, err := execCtx.BorrowAccount(2)
	if err != nil {
		return err
	}
	buffer, err := execCtx.BorrowAccount(3)
	if err != nil {
		return err
	}

	delegationRecord, err := p.loadRecord(record, delegated.Key())
	if err != nil {
		return err
	}
	delegationMetadata, err := p.loadMetadata(metadata, delegated.Key())
	if err != nil {
		return err
	}

	bufferAddr, _ := FindBufferAddress(delegationRecord.Owner, delegated.Key())
	if err = p.expectAddress(buffer, bufferAddr); err != nil {
		return err
	}
	if !buffer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}

	caller, ok := execCtx.CallerProgramId()
	if !ok || caller != delegationRecord.Owner {
		return DelegationErrInvalidAuthority
	}

	delegationMetadata.IsUndelegatable = true
	if err = metadata.SetData(marshal(delegationMetadata)); err != nil {
		return err
	}

	execCtx.Logf("undelegation allowed for %s", delegated.Key())
	return nil
}

func (p *Program) loadRecord(record *sealevel.BorrowedAccount, delegated solana.PublicKey) (*DelegationRecord, error) {
	recordAddr, _ := FindDelegationRecordAddress(p.programID, delegated)
	if err := p.expectAddress(record, recordAddr); err != nil {
		return nil, err
	}
	if record.Lamports() == 0 || record.Owner() != p.programID {
		return nil, DelegationErrNotDelegated
	}
	return UnmarshalDelegationRecord(record.Data())
}

func (p *Program) loadMetadata(metadata *sealevel.BorrowedAccount, delegated solana.PublicKey) (*DelegationMetadata, error) {
	metadataAddr, _ := FindDelegationMetadataAddress(p.programID, delegated)
	if err := p.expectAddress(metadata, metadataAddr); err != nil {
		return nil, err
	}
	if metadata.Lamports() == 0 || metadata.Owner() != p.programID {
		return nil, DelegationErrNotDelegated
	}
	return UnmarshalDelegationMetadata(metadata.Data())
}

// checkAuthority accepts the recorded validator, or a registered validator
// when the record routes to the default validator.
func (p *Program) checkAuthority(record *DelegationRecord, validator *sealevel.BorrowedAccount) error {
	if !validator.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}
	if record.Authority.IsZero() {
		if !p.IsValidator(validator.Key()) {
			klog.Errorf("%s is not a registered validator", validator.Key())
			return DelegationErrInvalidAuthority
		}
		return nil
	}
	if record.Authority != validator.Key() {
		klog.Errorf("validator %s is not the delegation authority %s", validator.Key(), record.Authority)
		return DelegationErrInvalidAuthority
	}
	return nil
}
