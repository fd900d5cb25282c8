package delegation

import (
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	"k8s.io/klog/v2"
)

// commitAccounts are shared by CommitState and Finalize.
type commitAccounts struct {
	validator    *sealevel.BorrowedAccount
	delegated    *sealevel.BorrowedAccount
	commitState  *sealevel.BorrowedAccount
	commitRecord *sealevel.BorrowedAccount
	record       *sealevel.BorrowedAccount
	metadata     *sealevel.BorrowedAccount
}

func (p *Program) borrowCommitAccounts(execCtx *sealevel.ExecutionCtx) (*commitAccounts, error) {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return nil, err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(7); err != nil {
		return nil, err
	}

	borrowed := make([]*sealevel.BorrowedAccount, 6)
	for idx := range borrowed {
		borrowed[idx], err = execCtx.BorrowAccount(uint64(idx))
		if err != nil {
			return nil, err
		}
	}
	accts := &commitAccounts{
		validator:    borrowed[0],
		delegated:    borrowed[1],
		commitState:  borrowed[2],
		commitRecord: borrowed[3],
		record:       borrowed[4],
		metadata:     borrowed[5],
	}

	delegated := accts.delegated.Key()
	commitStateAddr, _ := FindCommitStateAddress(p.programID, delegated)
	if err = p.expectAddress(accts.commitState, commitStateAddr); err != nil {
		return nil, err
	}
	commitRecordAddr, _ := FindCommitRecordAddress(p.programID, delegated)
	if err = p.expectAddress(accts.commitRecord, commitRecordAddr); err != nil {
		return nil, err
	}
	return accts, nil
}

func (p *Program) processCommitState(execCtx *sealevel.ExecutionCtx, args *CommitStateArgs) error {
	accts, err := p.borrowCommitAccounts(execCtx)
	if err != nil {
		return err
	}

	delegationRecord, err := p.loadRecord(accts.record, accts.delegated.Key())
	if err != nil {
		return err
	}
	if err = p.checkAuthority(delegationRecord, accts.validator); err != nil {
		return err
	}
	if accts.delegated.Owner() != p.programID {
		return DelegationErrNotDelegated
	}

	if accts.commitRecord.Lamports() > 0 {
		return DelegationErrCommitPending
	}

	delegationMetadata, err := p.loadMetadata(accts.metadata, accts.delegated.Key())
	if err != nil {
		return err
	}
	if args.Nonce <= delegationMetadata.LastUpdateNonce {
		klog.Errorf("commit nonce %d for %s is not newer than %d", args.Nonce, accts.delegated.Key(), delegationMetadata.LastUpdateNonce)
		return DelegationErrOutdatedState
	}

	validator := accts.validator.Key()
	delegated := accts.delegated.Key()
	if err = p.createPda(execCtx, validator, accts.commitState, args.Data, SeedCommitState, delegated); err != nil {
		return err
	}

	commitRecord := &CommitRecord{
		Nonce:             args.Nonce,
		Identity:          validator,
		Account:           delegated,
		Lamports:          args.Lamports,
		AllowUndelegation: args.AllowUndelegation,
		Digest:            util.HashData(args.Data),
	}
	if err = p.createPda(execCtx, validator, accts.commitRecord, marshal(commitRecord), SeedCommitRecord, delegated); err != nil {
		return err
	}

	execCtx.Logf("committed %d bytes of %s at nonce %d", len(args.Data), delegated, args.Nonce)
	return nil
}

func (p *Program) processFinalize(execCtx *sealevel.ExecutionCtx) error {
	accts, err := p.borrowCommitAccounts(execCtx)
	if err != nil {
		return err
	}

	delegationRecord, err := p.loadRecord(accts.record, accts.delegated.Key())
	if err != nil {
		return err
	}
	if err = p.checkAuthority(delegationRecord, accts.validator); err != nil {
		return err
	}

	if accts.commitRecord.Lamports() == 0 || accts.commitRecord.Owner() != p.programID {
		return DelegationErrNoPendingCommit
	}
	commitRecord, err := UnmarshalCommitRecord(accts.commitRecord.Data())
	if err != nil {
		return err
	}

	state := accts.commitState.Data()
	if util.HashData(state) != commitRecord.Digest {
		return DelegationErrDigestMismatch
	}

	delegationMetadata, err := p.loadMetadata(accts.metadata, accts.delegated.Key())
	if err != nil {
		return err
	}

	if err = accts.delegated.SetData(state); err != nil {
		return err
	}

	// a grown account must stay rent exempt
	minBalance := execCtx.SysvarCache.Rent.MinimumBalance(uint64(len(state)))
	if accts.delegated.Lamports() < minBalance {
		err = execCtx.InvokeTransfer(accts.validator.Key(), accts.delegated.Key(), minBalance-accts.delegated.Lamports())
		if err != nil {
			return err
		}
	}

	delegationMetadata.LastUpdateNonce = commitRecord.Nonce
	if commitRecord.AllowUndelegation {
		delegationMetadata.IsUndelegatable = true
	}
	if err = accts.metadata.SetData(marshal(delegationMetadata)); err != nil {
		return err
	}

	if err = sealevel.CloseAccount(accts.commitState, accts.validator); err != nil {
		return err
	}
	if err = sealevel.CloseAccount(accts.commitRecord, accts.validator); err != nil {
		return err
	}

	execCtx.Logf("finalized %s at nonce %d", accts.delegated.Key(), commitRecord.Nonce)
	return nil
}
