package sealevel

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/gagliardetto/solana-go"
)

const MaxPermittedDataLength = 10 * 1024 * 1024

type BorrowedAccount struct {
	TxCtx              *TransactionCtx
	InstrCtx           *InstructionCtx
	IndexInTransaction uint64
	IndexInInstruction uint64
	Account            *accounts.Account
}

func (acct *BorrowedAccount) Key() solana.PublicKey {
	return acct.Account.Key
}

func (acct *BorrowedAccount) Owner() solana.PublicKey {
	return acct.Account.Owner
}

func (acct *BorrowedAccount) Lamports() uint64 {
	return acct.Account.Lamports
}

func (acct *BorrowedAccount) Data() []byte {
	return acct.Account.Data
}

func (acct *BorrowedAccount) IsExecutable() bool {
	return acct.Account.Executable
}

func (acct *BorrowedAccount) IsSigner() bool {
	isSigner, err := acct.InstrCtx.IsInstructionAccountSigner(acct.IndexInInstruction)
	if err != nil {
		return false
	}
	return isSigner
}

func (acct *BorrowedAccount) IsWritable() bool {
	writable, err := acct.InstrCtx.IsInstructionAccountWritable(acct.IndexInInstruction)
	if err != nil {
		return false
	}
	return writable
}

func (acct *BorrowedAccount) IsOwnedByCurrentProgram() bool {
	return acct.InstrCtx.ProgramId() == acct.Owner()
}

func (acct *BorrowedAccount) Touch() error {
	return acct.TxCtx.Accounts.Touch(acct.IndexInTransaction)
}

func (acct *BorrowedAccount) DataCanBeChanged() error {
	if acct.IsExecutable() {
		return InstrErrExecutableDataModified
	}
	if !acct.IsWritable() {
		return InstrErrReadonlyDataModified
	}
	if !acct.IsOwnedByCurrentProgram() {
		return InstrErrExternalAccountDataModified
	}
	return nil
}

// SetData replaces the full contents of the account data.
func (acct *BorrowedAccount) SetData(data []byte) error {
	if uint64(len(data)) != uint64(len(acct.Data())) {
		if err := acct.SetDataLength(uint64(len(data))); err != nil {
			return err
		}
	}
	return acct.SetDataAt(0, data)
}

func (acct *BorrowedAccount) SetDataAt(offset uint64, data []byte) error {
	err := acct.DataCanBeChanged()
	if err != nil {
		return err
	}

	end, err := safemath.CheckedAddU64(offset, uint64(len(data)))
	if err != nil || end > uint64(len(acct.Account.Data)) {
		return InstrErrAccountDataTooSmall
	}

	if err = acct.Touch(); err != nil {
		return err
	}
	copy(acct.Account.Data[offset:end], data)
	return nil
}

func (acct *BorrowedAccount) SetDataLength(newLength uint64) error {
	err := acct.DataCanBeChanged()
	if err != nil {
		return err
	}

	if newLength > MaxPermittedDataLength {
		return InstrErrInvalidRealloc
	}

	oldLength := uint64(len(acct.Account.Data))
	if newLength == oldLength {
		return nil
	}

	if err = acct.Touch(); err != nil {
		return err
	}

	if newLength > oldLength {
		acct.Account.Data = append(acct.Account.Data, make([]byte, newLength-oldLength)...)
	} else {
		acct.Account.Data = acct.Account.Data[:newLength]
	}
	return nil
}

// SetOwner reassigns the account. Only the current owner may reassign, and
// only once the data has been zeroed.
func (acct *BorrowedAccount) SetOwner(owner solana.PublicKey) error {
	if acct.Owner() == owner {
		return nil
	}
	if !acct.IsOwnedByCurrentProgram() || !acct.IsWritable() || acct.IsExecutable() {
		return InstrErrModifiedProgramId
	}
	if !isZeroed(acct.Account.Data) {
		return InstrErrModifiedProgramId
	}
	if err := acct.Touch(); err != nil {
		return err
	}
	acct.Account.Owner = owner
	return nil
}

func (acct *BorrowedAccount) SetLamports(lamports uint64) error {
	if !acct.IsOwnedByCurrentProgram() && lamports < acct.Lamports() {
		return InstrErrExternalAccountLamportSpend
	}
	if !acct.IsWritable() {
		return InstrErrReadonlyLamportChange
	}
	if acct.IsExecutable() {
		return InstrErrExecutableLamportChange
	}
	if acct.Lamports() == lamports {
		return nil
	}
	if err := acct.Touch(); err != nil {
		return err
	}
	acct.Account.Lamports = lamports
	return nil
}

func (acct *BorrowedAccount) CheckedAddLamports(lamports uint64) error {
	newLamports, err := safemath.CheckedAddU64(acct.Lamports(), lamports)
	if err != nil {
		return InstrErrArithmeticOverflow
	}
	return acct.SetLamports(newLamports)
}

func (acct *BorrowedAccount) CheckedSubLamports(lamports uint64) error {
	newLamports, err := safemath.CheckedSubU64(acct.Lamports(), lamports)
	if err != nil {
		return InstrErrInsufficientFunds
	}
	return acct.SetLamports(newLamports)
}

func isZeroed(data []byte) bool {
	return len(bytes.Trim(data, "\x00")) == 0
}
