package sealevel

import (
	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/gagliardetto/solana-go"
)

const MaxInstructionStackDepth = 5

type TxReturnData struct {
	programId solana.PublicKey
	data      []byte
}

type TransactionAccounts struct {
	Accounts []*accounts.Account
	Touched  []bool
}

func NewTransactionAccounts(accts []accounts.Account) *TransactionAccounts {
	txAccounts := &TransactionAccounts{
		Accounts: make([]*accounts.Account, 0, len(accts)),
		Touched:  make([]bool, len(accts)),
	}
	for idx := range accts {
		txAccounts.Accounts = append(txAccounts.Accounts, accts[idx].Clone())
	}
	return txAccounts
}

func (txAccounts *TransactionAccounts) GetAccount(idx uint64) (*accounts.Account, error) {
	if idx >= uint64(len(txAccounts.Accounts)) {
		return nil, InstrErrMissingAccount
	}
	return txAccounts.Accounts[idx], nil
}

func (txAccounts *TransactionAccounts) Touch(idx uint64) error {
	if idx >= uint64(len(txAccounts.Touched)) {
		return InstrErrNotEnoughAccountKeys
	}
	txAccounts.Touched[idx] = true
	return nil
}

// TouchedAccounts returns the accounts modified during execution.
func (txAccounts *TransactionAccounts) TouchedAccounts() []*accounts.Account {
	var touched []*accounts.Account
	for idx, acct := range txAccounts.Accounts {
		if txAccounts.Touched[idx] {
			touched = append(touched, acct)
		}
	}
	return touched
}

type TransactionCtx struct {
	Accounts         *TransactionAccounts
	signers          map[solana.PublicKey]bool
	instructionStack []*InstructionCtx
	returnData       TxReturnData
}

func NewTransactionCtx(txAccounts *TransactionAccounts, signers []solana.PublicKey) *TransactionCtx {
	signerSet := make(map[solana.PublicKey]bool, len(signers))
	for _, signer := range signers {
		signerSet[signer] = true
	}
	return &TransactionCtx{Accounts: txAccounts, signers: signerSet}
}

func (txCtx *TransactionCtx) IsTransactionSigner(pubkey solana.PublicKey) bool {
	return txCtx.signers[pubkey]
}

func (txCtx *TransactionCtx) IndexOfAccount(pubkey solana.PublicKey) (uint64, error) {
	for idx, acct := range txCtx.Accounts.Accounts {
		if acct.Key == pubkey {
			return uint64(idx), nil
		}
	}
	return 0, InstrErrMissingAccount
}

func (txCtx *TransactionCtx) KeyOfAccountAtIndex(index uint64) (solana.PublicKey, error) {
	acct, err := txCtx.Accounts.GetAccount(index)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return acct.Key, nil
}

func (txCtx *TransactionCtx) Push(instrCtx *InstructionCtx) error {
	if len(txCtx.instructionStack) >= MaxInstructionStackDepth {
		return InstrErrCallDepth
	}
	txCtx.instructionStack = append(txCtx.instructionStack, instrCtx)
	return nil
}

func (txCtx *TransactionCtx) Pop() error {
	if len(txCtx.instructionStack) == 0 {
		return InstrErrCallDepth
	}
	txCtx.instructionStack = txCtx.instructionStack[:len(txCtx.instructionStack)-1]
	return nil
}

func (txCtx *TransactionCtx) InstructionCtxStackHeight() uint64 {
	return uint64(len(txCtx.instructionStack))
}

func (txCtx *TransactionCtx) CurrentInstructionCtx() (*InstructionCtx, error) {
	if len(txCtx.instructionStack) == 0 {
		return nil, InstrErrCallDepth
	}
	return txCtx.instructionStack[len(txCtx.instructionStack)-1], nil
}

// CallerInstructionCtx returns the instruction that invoked the current one,
// or false at the top level.
func (txCtx *TransactionCtx) CallerInstructionCtx() (*InstructionCtx, bool) {
	if len(txCtx.instructionStack) < 2 {
		return nil, false
	}
	return txCtx.instructionStack[len(txCtx.instructionStack)-2], true
}

func (txCtx *TransactionCtx) IsProgramOnStack(programId solana.PublicKey) bool {
	for _, instrCtx := range txCtx.instructionStack {
		if instrCtx.programId == programId {
			return true
		}
	}
	return false
}

func (txCtx *TransactionCtx) SetReturnData(programId solana.PublicKey, data []byte) {
	txCtx.returnData = TxReturnData{programId: programId, data: data}
}

func (txCtx *TransactionCtx) GetReturnData() (solana.PublicKey, []byte) {
	return txCtx.returnData.programId, txCtx.returnData.data
}
