package delegation

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"k8s.io/klog/v2"
)

// EncodeUndelegateCallback builds the data of the callback instruction the
// owner program receives on undelegation.
func EncodeUndelegateCallback(seeds [][]byte) []byte {
	buf := new(bytes.Buffer)
	buf.Write(UndelegateCallbackDiscriminator[:])
	_ = util.WriteBorshSeeds(bin.NewBinEncoder(buf), seeds)
	return buf.Bytes()
}

// DecodeUndelegateCallback returns the PDA seeds carried by a callback.
func DecodeUndelegateCallback(data []byte) ([][]byte, error) {
	disc, rest, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}
	if disc != UndelegateCallbackDiscriminator {
		return nil, sealevel.InstrErrInvalidInstructionData
	}
	seeds, err := util.ReadBorshSeeds(bin.NewBinDecoder(rest))
	if err != nil {
		return nil, sealevel.InstrErrInvalidInstructionData
	}
	return seeds, nil
}

func (p *Program) processUndelegate(execCtx *sealevel.ExecutionCtx) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(10); err != nil {
		return err
	}

	borrowed := make([]*sealevel.BorrowedAccount, 9)
	for idx := range borrowed {
		borrowed[idx], err = execCtx.BorrowAccount(uint64(idx))
		if err != nil {
			return err
		}
	}
	validator, delegated, ownerProgram, undelegateBuffer := borrowed[0], borrowed[1], borrowed[2], borrowed[3]
	commitState, commitRecord, record, metadata, rentPayer := borrowed[4], borrowed[5], borrowed[6], borrowed[7], borrowed[8]

	delegatedKey := delegated.Key()
	bufferAddr, _ := FindUndelegateBufferAddress(p.programID, delegatedKey)
	if err = p.expectAddress(undelegateBuffer, bufferAddr); err != nil {
		return err
	}
	commitStateAddr, _ := FindCommitStateAddress(p.programID, delegatedKey)
	if err = p.expectAddress(commitState, commitStateAddr); err != nil {
		return err
	}
	commitRecordAddr, _ := FindCommitRecordAddress(p.programID, delegatedKey)
	if err = p.expectAddress(commitRecord, commitRecordAddr); err != nil {
		return err
	}

	delegationRecord, err := p.loadRecord(record, delegatedKey)
	if err != nil {
		return err
	}
	if err = p.checkAuthority(delegationRecord, validator); err != nil {
		return err
	}
	if ownerProgram.Key() != delegationRecord.Owner {
		return sealevel.InstrErrIncorrectProgramId
	}
	if delegated.Owner() != p.programID {
		return DelegationErrNotDelegated
	}
	if commitRecord.Lamports() > 0 {
		return DelegationErrCommitPending
	}

	delegationMetadata, err := p.loadMetadata(metadata, delegatedKey)
	if err != nil {
		return err
	}
	if !delegationMetadata.IsUndelegatable {
		return DelegationErrNotUndelegatable
	}
	if rentPayer.Key() != delegationMetadata.RentPayer {
		klog.Errorf("undelegate: rent payer %s, expected %s", rentPayer.Key(), delegationMetadata.RentPayer)
		return sealevel.InstrErrInvalidArgument
	}

	state := bytes.Clone(delegated.Data())
	lamports := delegated.Lamports()

	// park the state and balance in the undelegate buffer while the
	// owner program recreates the account
	bufferSigner, err := p.signerSeeds([]byte(SeedUndelegateBuffer), delegatedKey[:])
	if err != nil {
		return err
	}
	if err = execCtx.InvokeCreateAccount(validator.Key(), bufferSigner, uint64(len(state)), p.programID); err != nil {
		return err
	}
	if err = undelegateBuffer.SetDataAt(0, state); err != nil {
		return err
	}
	if err = delegated.SetLamports(0); err != nil {
		return err
	}
	if err = undelegateBuffer.CheckedAddLamports(lamports); err != nil {
		return err
	}
	if err = delegated.SetDataLength(0); err != nil {
		return err
	}
	if err = delegated.SetOwner(sealevel.SystemProgramAddr); err != nil {
		return err
	}

	callback := sealevel.Instruction{
		ProgramId: delegationRecord.Owner,
		Accounts: []sealevel.AccountMeta{
			sealevel.Writable(delegatedKey),
			sealevel.Signer(bufferAddr),
			sealevel.WritableSigner(validator.Key()),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: EncodeUndelegateCallback(delegationMetadata.Seeds),
	}
	if err = execCtx.InvokeSigned(callback, bufferSigner); err != nil {
		klog.Errorf("undelegate callback into %s failed: %s", delegationRecord.Owner, err)
		return err
	}

	if delegated.Owner() != delegationRecord.Owner || !bytes.Equal(delegated.Data(), state) {
		klog.Errorf("undelegate: %s was not restored by %s", delegatedKey, delegationRecord.Owner)
		return DelegationErrInvalidReturn
	}

	// return the delegated balance; the rest of the buffer refunds the
	// validator for the recreation
	refund := safemath.SaturatingSubU64(lamports, delegated.Lamports())
	refund = min(refund, undelegateBuffer.Lamports())
	if refund > 0 {
		if err = undelegateBuffer.CheckedSubLamports(refund); err != nil {
			return err
		}
		if err = delegated.CheckedAddLamports(refund); err != nil {
			return err
		}
	}

	if err = sealevel.CloseAccount(undelegateBuffer, validator); err != nil {
		return err
	}
	if err = sealevel.CloseAccount(record, rentPayer); err != nil {
		return err
	}
	if err = sealevel.CloseAccount(metadata, rentPayer); err != nil {
		return err
	}

	execCtx.Logf("undelegated %s back to %s", delegatedKey, delegationRecord.Owner)
	return nil
}
