package sealevel

import (
	"bytes"
	"testing"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/cu"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecCtx(accts []accounts.Account, signers []solana.PublicKey, log *LogRecorder) *ExecutionCtx {
	if log == nil {
		log = &LogRecorder{}
	}
	txCtx := NewTransactionCtx(NewTransactionAccounts(accts), signers)
	return &ExecutionCtx{
		Log:                log,
		TransactionContext: txCtx,
		ComputeMeter:       cu.NewComputeMeter(cu.MaxComputeUnits),
		Programs:           NewProgramRegistry(),
		SysvarCache:        SysvarCache{Rent: DefaultRent()},
	}
}

func findAccount(t *testing.T, execCtx *ExecutionCtx, key solana.PublicKey) *accounts.Account {
	idx, err := execCtx.TransactionContext.IndexOfAccount(key)
	require.NoError(t, err)
	acct, err := execCtx.TransactionContext.Accounts.GetAccount(idx)
	require.NoError(t, err)
	return acct
}

func TestExecute_Tx_System_Program_CreateAccount_Success(t *testing.T) {
	fundingPubkey := solana.NewWallet().PublicKey()
	fundingAcct := accounts.Account{Key: fundingPubkey, Lamports: 10000, Data: make([]byte, 0), Owner: SystemProgramAddr}

	newPubkey := solana.NewWallet().PublicKey()
	newAcct := accounts.Account{Key: newPubkey, Lamports: 0, Data: make([]byte, 0), Owner: SystemProgramAddr}

	owner := solana.NewWallet().PublicKey()
	var log LogRecorder
	execCtx := newTestExecCtx([]accounts.Account{fundingAcct, newAcct}, []solana.PublicKey{fundingPubkey, newPubkey}, &log)

	err := execCtx.ProcessInstruction(NewCreateAccountInstruction(fundingPubkey, newPubkey, 1234, 99, owner))
	require.NoError(t, err)

	newAcctPost := findAccount(t, execCtx, newPubkey)
	assert.Equal(t, uint64(1234), newAcctPost.Lamports)
	assert.Equal(t, 99, len(newAcctPost.Data))
	assert.Equal(t, owner, solana.PublicKeyFromBytes(newAcctPost.Owner[:]))
	assert.Equal(t, uint64(10000-1234), findAccount(t, execCtx, fundingPubkey).Lamports)
	assert.Len(t, execCtx.TransactionContext.Accounts.TouchedAccounts(), 2)
}

func TestExecute_Tx_System_Program_CreateAccount_AlreadyInUse(t *testing.T) {
	fundingPubkey := solana.NewWallet().PublicKey()
	newPubkey := solana.NewWallet().PublicKey()
	accts := []accounts.Account{
		{Key: fundingPubkey, Lamports: 10000, Owner: SystemProgramAddr},
		{Key: newPubkey, Lamports: 1, Owner: SystemProgramAddr},
	}
	execCtx := newTestExecCtx(accts, []solana.PublicKey{fundingPubkey, newPubkey}, nil)

	err := execCtx.ProcessInstruction(NewCreateAccountInstruction(fundingPubkey, newPubkey, 1234, 8, SystemProgramAddr))
	assert.ErrorIs(t, err, SystemProgErrAccountAlreadyInUse)
}

// The TestExecute_Tx_MissingSignature function tests that an account flagged
// as a signer in an instruction must actually have signed the transaction.
func TestExecute_Tx_MissingSignature(t *testing.T) {
	fromPubkey := solana.NewWallet().PublicKey()
	toPubkey := solana.NewWallet().PublicKey()
	accts := []accounts.Account{
		{Key: fromPubkey, Lamports: 10000, Owner: SystemProgramAddr},
		{Key: toPubkey, Owner: SystemProgramAddr},
	}
	execCtx := newTestExecCtx(accts, nil, nil)

	err := execCtx.ProcessInstruction(NewTransferInstruction(fromPubkey, toPubkey, 10))
	assert.ErrorIs(t, err, InstrErrMissingRequiredSignature)
	code, _ := TranslateErrToInstrErrCode(err)
	assert.Equal(t, InstrErrCodeMissingRequiredSignature, code)
}

func TestExecute_Tx_System_Program_Transfer_Insufficient(t *testing.T) {
	fromPubkey := solana.NewWallet().PublicKey()
	toPubkey := solana.NewWallet().PublicKey()
	accts := []accounts.Account{
		{Key: fromPubkey, Lamports: 5, Owner: SystemProgramAddr},
		{Key: toPubkey, Owner: SystemProgramAddr},
	}
	execCtx := newTestExecCtx(accts, []solana.PublicKey{fromPubkey}, nil)

	err := execCtx.ProcessInstruction(NewTransferInstruction(fromPubkey, toPubkey, 10))
	assert.ErrorIs(t, err, SystemProgErrResultWithNegativeLamports)
}

// pdaCreatorProgram creates a PDA ["vault", payer] through the system program.
func pdaCreatorProgram(programId solana.PublicKey, useSeeds bool) ProgramFn {
	return func(execCtx *ExecutionCtx) error {
		payer, err := execCtx.BorrowAccount(0)
		if err != nil {
			return err
		}
		vault, err := execCtx.BorrowAccount(1)
		if err != nil {
			return err
		}
		signer, _, err := FindSignerSeeds(programId, []byte("vault"), payer.Key().Bytes())
		if err != nil {
			return err
		}
		if signer.Address() != vault.Key() {
			return InstrErrInvalidArgument
		}
		ix := NewCreateAccountInstruction(payer.Key(), vault.Key(), 100, 8, programId)
		if useSeeds {
			err = execCtx.InvokeSigned(ix, signer)
		} else {
			err = execCtx.Invoke(ix)
		}
		if err != nil {
			return err
		}
		vault, err = execCtx.BorrowAccount(1)
		if err != nil {
			return err
		}
		return vault.SetDataAt(0, []byte{1, 2, 3})
	}
}

func setupPdaTest(t *testing.T, useSeeds bool) (*ExecutionCtx, Instruction, solana.PublicKey) {
	programId := solana.NewWallet().PublicKey()
	payer := solana.NewWallet().PublicKey()
	vault, _, err := FindProgramAddress([][]byte{[]byte("vault"), payer.Bytes()}, programId)
	require.NoError(t, err)

	accts := []accounts.Account{
		{Key: payer, Lamports: 1000, Owner: SystemProgramAddr},
		{Key: vault, Owner: SystemProgramAddr},
	}
	execCtx := newTestExecCtx(accts, []solana.PublicKey{payer}, nil)
	execCtx.Programs.Register(programId, pdaCreatorProgram(programId, useSeeds))

	ix := Instruction{ProgramId: programId, Accounts: []AccountMeta{WritableSigner(payer), Writable(vault), ReadOnly(SystemProgramAddr)}}
	return execCtx, ix, vault
}

func TestInvokeSigned_PdaCreatesAccount(t *testing.T) {
	execCtx, ix, vault := setupPdaTest(t, true)
	accts := execCtx.TransactionContext.Accounts
	accts.Accounts = append(accts.Accounts, &accounts.Account{Key: SystemProgramAddr, Owner: NativeLoaderAddr, Executable: true})
	accts.Touched = append(accts.Touched, false)

	require.NoError(t, execCtx.ProcessInstruction(ix))

	vaultAcct := findAccount(t, execCtx, vault)
	assert.Equal(t, uint64(100), vaultAcct.Lamports)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, vaultAcct.Data)
	assert.Equal(t, uint64(0), execCtx.TransactionContext.InstructionCtxStackHeight())
}

func TestInvoke_WithoutSignerSeedsEscalates(t *testing.T) {
	execCtx, ix, _ := setupPdaTest(t, false)
	accts := execCtx.TransactionContext.Accounts
	accts.Accounts = append(accts.Accounts, &accounts.Account{Key: SystemProgramAddr, Owner: NativeLoaderAddr, Executable: true})
	accts.Touched = append(accts.Touched, false)

	err := execCtx.ProcessInstruction(ix)
	assert.ErrorIs(t, err, InstrErrPrivilegeEscalation)
}

func TestInvokeSigned_ForeignSeedsRejected(t *testing.T) {
	programId := solana.NewWallet().PublicKey()
	otherProgram := solana.NewWallet().PublicKey()
	payer := solana.NewWallet().PublicKey()
	execCtx := newTestExecCtx([]accounts.Account{{Key: payer, Lamports: 10, Owner: SystemProgramAddr}}, []solana.PublicKey{payer}, nil)

	execCtx.Programs.Register(programId, func(execCtx *ExecutionCtx) error {
		foreign, _, err := FindSignerSeeds(otherProgram, []byte("x"))
		if err != nil {
			return err
		}
		return execCtx.InvokeSigned(Instruction{ProgramId: SystemProgramAddr}, foreign)
	})

	err := execCtx.ProcessInstruction(Instruction{ProgramId: programId, Accounts: []AccountMeta{WritableSigner(payer)}})
	assert.ErrorIs(t, err, InstrErrPrivilegeEscalation)
}

func TestInvoke_Reentrancy(t *testing.T) {
	programA := solana.NewWallet().PublicKey()
	programB := solana.NewWallet().PublicKey()
	execCtx := newTestExecCtx(nil, nil, nil)

	execCtx.Programs.Register(programA, func(execCtx *ExecutionCtx) error {
		return execCtx.Invoke(Instruction{ProgramId: programB})
	})
	execCtx.Programs.Register(programB, func(execCtx *ExecutionCtx) error {
		caller, ok := execCtx.CallerProgramId()
		if !ok || caller != programA {
			return InstrErrIncorrectProgramId
		}
		return execCtx.Invoke(Instruction{ProgramId: programA})
	})

	err := execCtx.ProcessInstruction(Instruction{ProgramId: programA})
	assert.ErrorIs(t, err, InstrErrReentrancyNotAllowed)
}

func TestBorrowedAccount_ExternalDataModified(t *testing.T) {
	programId := solana.NewWallet().PublicKey()
	foreign := solana.NewWallet().PublicKey()
	target := solana.NewWallet().PublicKey()
	execCtx := newTestExecCtx([]accounts.Account{{Key: target, Lamports: 1, Data: make([]byte, 4), Owner: foreign}}, nil, nil)

	execCtx.Programs.Register(programId, func(execCtx *ExecutionCtx) error {
		acct, err := execCtx.BorrowAccount(0)
		if err != nil {
			return err
		}
		return acct.SetDataAt(0, []byte{1})
	})

	err := execCtx.ProcessInstruction(Instruction{ProgramId: programId, Accounts: []AccountMeta{Writable(target)}})
	assert.ErrorIs(t, err, InstrErrExternalAccountDataModified)
}

func TestBorrowedAccount_WriteOutOfBounds(t *testing.T) {
	programId := solana.NewWallet().PublicKey()
	target := solana.NewWallet().PublicKey()
	execCtx := newTestExecCtx([]accounts.Account{{Key: target, Lamports: 1, Data: make([]byte, 8), Owner: programId}}, nil, nil)

	execCtx.Programs.Register(programId, func(execCtx *ExecutionCtx) error {
		acct, err := execCtx.BorrowAccount(0)
		if err != nil {
			return err
		}
		if err = acct.SetDataAt(0, []byte{7, 0, 0, 0}); err != nil {
			return err
		}
		return acct.SetDataAt(4, make([]byte, 5))
	})

	err := execCtx.ProcessInstruction(Instruction{ProgramId: programId, Accounts: []AccountMeta{Writable(target)}})
	assert.ErrorIs(t, err, InstrErrAccountDataTooSmall)
}

func TestBorrowedAccount_SetOwnerRequiresZeroedData(t *testing.T) {
	programId := solana.NewWallet().PublicKey()
	target := solana.NewWallet().PublicKey()
	execCtx := newTestExecCtx([]accounts.Account{{Key: target, Lamports: 1, Data: []byte{0, 1}, Owner: programId}}, nil, nil)

	execCtx.Programs.Register(programId, func(execCtx *ExecutionCtx) error {
		acct, err := execCtx.BorrowAccount(0)
		if err != nil {
			return err
		}
		if err = acct.SetOwner(SystemProgramAddr); err != InstrErrModifiedProgramId {
			return InstrErrGenericError
		}
		if err = acct.SetDataAt(0, []byte{0, 0}); err != nil {
			return err
		}
		return acct.SetOwner(SystemProgramAddr)
	})

	require.NoError(t, execCtx.ProcessInstruction(Instruction{ProgramId: programId, Accounts: []AccountMeta{Writable(target)}}))
	assert.Equal(t, [32]byte(SystemProgramAddr), findAccount(t, execCtx, target).Owner)
}

func TestTranslateErrToInstrErrCode_Custom(t *testing.T) {
	custom := NewCustomErr(7, "TestErr")
	code, customCode := TranslateErrToInstrErrCode(custom)
	assert.Equal(t, InstrErrCodeCustom, code)
	assert.Equal(t, uint32(7), customCode)

	code, _ = TranslateErrToInstrErrCode(InstrErrInvalidArgument)
	assert.Equal(t, InstrErrCodeInvalidArgument, code)
}

func TestSysvarRoundTrip(t *testing.T) {
	rent := DefaultRent()
	var decodedRent SysvarRent
	require.NoError(t, decodedRent.UnmarshalWithDecoder(bin.NewBinDecoder(rent.Marshal())))
	assert.Equal(t, rent, decodedRent)
	assert.Len(t, rent.Marshal(), SysvarRentStructLen)
	assert.Equal(t, uint64((128+8)*3480*2), rent.MinimumBalance(8))

	clock := SysvarClock{Slot: 10, UnixTimestamp: 1700000000}
	var decodedClock SysvarClock
	require.NoError(t, decodedClock.UnmarshalWithDecoder(bin.NewBinDecoder(clock.Marshal())))
	assert.Equal(t, clock, decodedClock)
	assert.Len(t, clock.Marshal(), SysvarClockStructLen)
}

func TestDiscriminator(t *testing.T) {
	assert.Equal(t, Discriminator{5, 0, 0, 0, 0, 0, 0, 0}, IndexDiscriminator(5))

	d, rest, err := SplitDiscriminator(append([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 9))
	require.NoError(t, err)
	assert.Equal(t, Discriminator{1, 2, 3, 4, 5, 6, 7, 8}, d)
	assert.Equal(t, []byte{9}, rest)

	_, _, err = SplitDiscriminator([]byte{1})
	assert.ErrorIs(t, err, InstrErrInvalidInstructionData)

	assert.Equal(t, Discriminator{175, 175, 109, 31, 13, 152, 155, 237}, HashDiscriminator("global:initialize"))
}

func TestAccountMetaMarshal(t *testing.T) {
	meta := AccountMeta{Pubkey: solana.NewWallet().PublicKey(), IsWritable: true}
	buf := new(bytes.Buffer)
	require.NoError(t, meta.MarshalWithEncoder(bin.NewBinEncoder(buf)))
	assert.Len(t, buf.Bytes(), AccountMetaSize)

	var decoded AccountMeta
	require.NoError(t, decoded.UnmarshalWithDecoder(bin.NewBinDecoder(buf.Bytes())))
	assert.Equal(t, meta, decoded)
}
