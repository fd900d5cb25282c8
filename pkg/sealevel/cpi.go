package sealevel

import (
	"github.com/gagliardetto/solana-go"
)

// InvokeCreateAccount creates a rent-exempt account at a program derived
// address through the system program, funded by payer.
func (execCtx *ExecutionCtx) InvokeCreateAccount(payer solana.PublicKey, signer SignerSeeds, space uint64, owner solana.PublicKey) error {
	lamports := execCtx.SysvarCache.Rent.MinimumBalance(space)
	ix := NewCreateAccountInstruction(payer, signer.Address(), lamports, space, owner)
	return execCtx.InvokeSigned(ix, signer)
}

// InvokeTransfer moves lamports out of a system account that signed the
// current instruction.
func (execCtx *ExecutionCtx) InvokeTransfer(from solana.PublicKey, to solana.PublicKey, lamports uint64) error {
	if lamports == 0 {
		return nil
	}
	return execCtx.Invoke(NewTransferInstruction(from, to, lamports))
}

// CloseAccount drains an account owned by the executing program into
// destination and hands it back to the system program.
func CloseAccount(acct *BorrowedAccount, destination *BorrowedAccount) error {
	lamports := acct.Lamports()
	if err := acct.SetLamports(0); err != nil {
		return err
	}
	if err := destination.CheckedAddLamports(lamports); err != nil {
		return err
	}
	if err := acct.SetDataLength(0); err != nil {
		return err
	}
	return acct.SetOwner(SystemProgramAddr)
}
