package delegation_test

import (
	"testing"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/bank"
	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/ersdk"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/counter"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var programID = delegation.DefaultProgramID

type fixture struct {
	bank        *bank.Bank
	cfg         counter.Config
	user        solana.PublicKey
	validator   solana.PublicKey
	counterAddr solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bank.New(accounts.NewMemAccounts(), bank.Config{Name: "base"})
	cfg := counter.DefaultConfig()
	b.RegisterProgram(cfg.ProgramID, counter.New(cfg).Execute)

	f := &fixture{
		bank:      b,
		cfg:       cfg,
		user:      solana.NewWallet().PublicKey(),
		validator: solana.NewWallet().PublicKey(),
	}
	b.RegisterProgram(programID, delegation.New(programID, f.validator).Execute)
	f.counterAddr = cfg.CounterAddress(f.user)
	require.NoError(t, b.Airdrop(f.user, 10*solana.LAMPORTS_PER_SOL))
	require.NoError(t, b.Airdrop(f.validator, 10*solana.LAMPORTS_PER_SOL))
	return f
}

func (f *fixture) run(payer solana.PublicKey, ixs ...sealevel.Instruction) error {
	_, err := f.bank.ProcessTransaction(bank.NewTransaction(payer, ixs...))
	return err
}

func (f *fixture) delegateCounter(t *testing.T, count uint64) {
	t.Helper()
	require.NoError(t, f.run(f.user,
		counter.NewInitializeInstruction(f.cfg, f.user),
		counter.NewIncreaseCounterInstruction(f.cfg, f.user, count)))
	require.NoError(t, f.run(f.user, counter.NewDelegateInstruction(f.cfg, f.user)))
}

func (f *fixture) count(t *testing.T) uint64 {
	t.Helper()
	acct, err := f.bank.GetAccount(f.counterAddr)
	require.NoError(t, err)
	count, err := counter.ReadCount(acct.Data)
	require.NoError(t, err)
	return count
}

func (f *fixture) commit(nonce uint64, data []byte, allowUndelegation bool) error {
	args := &delegation.CommitStateArgs{Nonce: nonce, AllowUndelegation: allowUndelegation, Data: data}
	return f.run(f.validator,
		delegation.NewCommitStateInstruction(programID, f.validator, f.counterAddr, args),
		delegation.NewFinalizeInstruction(programID, f.validator, f.counterAddr))
}

func countData(count uint64) []byte {
	data := make([]byte, 8)
	data[0] = byte(count)
	return data
}

func TestDelegate(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 3)

	acct, err := f.bank.GetAccount(f.counterAddr)
	require.NoError(t, err)
	assert.Equal(t, programID, solana.PublicKey(acct.Owner))
	assert.Equal(t, uint64(3), f.count(t))

	record, err := delegation.GetDelegationRecord(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.ProgramID, record.Owner)
	assert.True(t, record.Authority.IsZero())
	assert.Equal(t, acct.Lamports, record.Lamports)
	assert.Equal(t, uint64(ersdk.DefaultCommitFrequencyMs), record.CommitFrequencyMs)

	metadata, err := delegation.GetDelegationMetadata(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.Equal(t, f.user, metadata.RentPayer)
	assert.Equal(t, f.cfg.CounterSeeds(f.user), metadata.Seeds)
	assert.Zero(t, metadata.LastUpdateNonce)
	assert.False(t, metadata.IsUndelegatable)

	buffer, _ := delegation.FindBufferAddress(f.cfg.ProgramID, f.counterAddr)
	_, err = f.bank.GetAccount(buffer)
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)

	state, err := delegation.GetState(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.Equal(t, delegation.StateDelegated, state)
}

func TestDelegate_Twice(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 1)
	recordAddr, _ := delegation.FindDelegationRecordAddress(programID, f.counterAddr)
	before, err := f.bank.GetAccount(recordAddr)
	require.NoError(t, err)

	err = f.run(f.user, counter.NewDelegateInstruction(f.cfg, f.user))
	assert.ErrorIs(t, err, delegation.DelegationErrAlreadyDelegated)

	after, err := f.bank.GetAccount(recordAddr)
	require.NoError(t, err)
	assert.Equal(t, before.Data, after.Data)
	assert.Equal(t, before.Lamports, after.Lamports)
	assert.Equal(t, programID, solana.PublicKey(after.Owner))
}

func TestDelegate_NotInvokedByOwner(t *testing.T) {
	f := newFixture(t)
	fake := solana.NewWallet().PublicKey()

	ix := delegation.NewDelegateInstruction(programID, f.user, fake, f.cfg.ProgramID, &delegation.DelegateArgs{
		Seeds: [][]byte{[]byte("x")},
	})
	_, err := f.bank.ProcessTransaction(bank.NewTransaction(f.user, ix).WithSigners(fake))
	assert.ErrorIs(t, err, delegation.DelegationErrInvalidAuthority)
}

func TestCommitAndFinalize(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 3)

	require.NoError(t, f.commit(1, countData(7), false))
	assert.Equal(t, uint64(7), f.count(t))

	metadata, err := delegation.GetDelegationMetadata(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), metadata.LastUpdateNonce)

	commitRecord, _ := delegation.FindCommitRecordAddress(programID, f.counterAddr)
	_, err = f.bank.GetAccount(commitRecord)
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)

	// stale nonces are rejected
	assert.ErrorIs(t, f.commit(1, countData(9), false), delegation.DelegationErrOutdatedState)
	assert.Equal(t, uint64(7), f.count(t))
}

func TestCommit_GrowsAccount(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 1)

	data := make([]byte, 64)
	require.NoError(t, f.commit(1, data, false))

	acct, err := f.bank.GetAccount(f.counterAddr)
	require.NoError(t, err)
	assert.Len(t, acct.Data, 64)
	assert.GreaterOrEqual(t, acct.Lamports, f.bank.MinimumBalance(64))
}

func TestCommit_Pending(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 1)

	args := &delegation.CommitStateArgs{Nonce: 1, Data: countData(2)}
	commitIx := delegation.NewCommitStateInstruction(programID, f.validator, f.counterAddr, args)
	require.NoError(t, f.run(f.validator, commitIx))

	state, err := delegation.GetState(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.Equal(t, delegation.StateCommitPending, state)

	next := &delegation.CommitStateArgs{Nonce: 2, Data: countData(3)}
	err = f.run(f.validator, delegation.NewCommitStateInstruction(programID, f.validator, f.counterAddr, next))
	assert.ErrorIs(t, err, delegation.DelegationErrCommitPending)

	require.NoError(t, f.run(f.validator, delegation.NewFinalizeInstruction(programID, f.validator, f.counterAddr)))
	assert.Equal(t, uint64(2), f.count(t))
}

func TestFinalize_NoPendingCommit(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 1)

	err := f.run(f.validator, delegation.NewFinalizeInstruction(programID, f.validator, f.counterAddr))
	assert.ErrorIs(t, err, delegation.DelegationErrNoPendingCommit)
}

func TestCommit_NotDelegated(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(f.user, counter.NewInitializeInstruction(f.cfg, f.user)))

	assert.ErrorIs(t, f.commit(1, countData(1), false), delegation.DelegationErrNotDelegated)
}

func TestUndelegate(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 3)
	undelegateIx := delegation.NewUndelegateInstruction(programID, f.validator, f.counterAddr, f.cfg.ProgramID, f.user)

	assert.ErrorIs(t, f.run(f.validator, undelegateIx), delegation.DelegationErrNotUndelegatable)

	require.NoError(t, f.commit(1, countData(5), true))

	wrongPayer := delegation.NewUndelegateInstruction(programID, f.validator, f.counterAddr, f.cfg.ProgramID, f.validator)
	assert.ErrorIs(t, f.run(f.validator, wrongPayer), sealevel.InstrErrInvalidArgument)

	userBefore, err := f.bank.GetAccount(f.user)
	require.NoError(t, err)
	require.NoError(t, f.run(f.validator, undelegateIx))

	acct, err := f.bank.GetAccount(f.counterAddr)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.ProgramID, solana.PublicKey(acct.Owner))
	assert.Equal(t, uint64(5), f.count(t))
	assert.GreaterOrEqual(t, acct.Lamports, f.bank.MinimumBalance(counter.CounterSize))

	for _, find := range []func(solana.PublicKey, solana.PublicKey) (solana.PublicKey, uint8){
		delegation.FindDelegationRecordAddress,
		delegation.FindDelegationMetadataAddress,
		delegation.FindUndelegateBufferAddress,
	} {
		addr, _ := find(programID, f.counterAddr)
		_, err = f.bank.GetAccount(addr)
		assert.ErrorIs(t, err, accounts.ErrAccountNotFound)
	}

	// record and metadata rent goes back to whoever paid for it
	userAfter, err := f.bank.GetAccount(f.user)
	require.NoError(t, err)
	assert.Greater(t, userAfter.Lamports, userBefore.Lamports)

	// and the counter can be delegated again
	require.NoError(t, f.run(f.user, counter.NewDelegateInstruction(f.cfg, f.user)))
	assert.Equal(t, uint64(5), f.count(t))
}

func TestAllowUndelegation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(f.user, counter.NewInitializeInstruction(f.cfg, f.user)))
	require.NoError(t, f.run(f.user, counter.NewDelegateInstruction(f.cfg, f.user)))

	// a zero counter does not opt in
	require.NoError(t, f.run(f.user, counter.NewAllowUndelegationInstruction(f.cfg, f.user)))
	metadata, err := delegation.GetDelegationMetadata(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.False(t, metadata.IsUndelegatable)

	require.NoError(t, f.commit(1, countData(4), false))
	require.NoError(t, f.run(f.user, counter.NewAllowUndelegationInstruction(f.cfg, f.user)))
	metadata, err = delegation.GetDelegationMetadata(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.True(t, metadata.IsUndelegatable)

	require.NoError(t, f.run(f.validator,
		delegation.NewUndelegateInstruction(programID, f.validator, f.counterAddr, f.cfg.ProgramID, f.user)))
	assert.Equal(t, uint64(4), f.count(t))
}

func TestAllowUndelegation_RequiresOwnerBuffer(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 1)

	// invoked directly the buffer cannot sign
	buffer, _ := delegation.FindBufferAddress(f.cfg.ProgramID, f.counterAddr)
	ix := delegation.NewAllowUndelegationInstruction(programID, f.counterAddr, f.cfg.ProgramID)
	_, err := f.bank.ProcessTransaction(bank.NewTransaction(f.user, ix).WithSigners(buffer))
	assert.Error(t, err)

	metadata, err := delegation.GetDelegationMetadata(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.False(t, metadata.IsUndelegatable)
}

// pinnedOwner is an owner program that delegates ["pinned", payer] to one
// validator. Instruction data 0 creates the account, 1 delegates it.
func pinnedOwner(ownerID, validator solana.PublicKey) sealevel.ProgramFn {
	return func(execCtx *sealevel.ExecutionCtx) error {
		instrCtx, err := execCtx.CurrentInstructionCtx()
		if err != nil {
			return err
		}
		payer, err := execCtx.BorrowAccount(0)
		if err != nil {
			return err
		}
		pda, err := execCtx.BorrowAccount(1)
		if err != nil {
			return err
		}
		payerKey := payer.Key()
		seeds := [][]byte{[]byte("pinned"), payerKey[:]}

		if instrCtx.Data[0] == 0 {
			signer, _, err := sealevel.FindSignerSeeds(ownerID, seeds...)
			if err != nil {
				return err
			}
			return execCtx.InvokeCreateAccount(payerKey, signer, 8, ownerID)
		}
		return ersdk.DelegateAccount(execCtx, ersdk.DefaultConfig(), payerKey, pda.Key(), seeds,
			ersdk.DelegateConfig{CommitFrequencyMs: 1000, Validator: &validator})
	}
}

func TestCommit_PinnedValidator(t *testing.T) {
	f := newFixture(t)
	ownerID := solana.NewWallet().PublicKey()
	f.bank.RegisterProgram(ownerID, pinnedOwner(ownerID, f.validator))

	pda, _, err := sealevel.FindProgramAddress([][]byte{[]byte("pinned"), f.user[:]}, ownerID)
	require.NoError(t, err)
	require.NoError(t, f.run(f.user, sealevel.Instruction{
		ProgramId: ownerID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(f.user),
			sealevel.Writable(pda),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: []byte{0},
	}))
	require.NoError(t, f.run(f.user, sealevel.Instruction{
		ProgramId: ownerID,
		Accounts:  ersdk.DelegateAccountMetas(ersdk.DefaultConfig(), f.user, pda, ownerID),
		Data:      []byte{1},
	}))

	record, err := delegation.GetDelegationRecord(f.bank, programID, pda)
	require.NoError(t, err)
	assert.Equal(t, f.validator, record.Authority)

	other := solana.NewWallet().PublicKey()
	require.NoError(t, f.bank.Airdrop(other, solana.LAMPORTS_PER_SOL))
	args := &delegation.CommitStateArgs{Nonce: 1, Data: make([]byte, 8)}
	err = f.run(other, delegation.NewCommitStateInstruction(programID, other, pda, args))
	assert.ErrorIs(t, err, delegation.DelegationErrInvalidAuthority)

	require.NoError(t, f.run(f.validator, delegation.NewCommitStateInstruction(programID, f.validator, pda, args)))
}

func TestCommit_RejectsUnregisteredValidator(t *testing.T) {
	f := newFixture(t)
	f.delegateCounter(t, 3)

	outsider := solana.NewWallet().PublicKey()
	require.NoError(t, f.bank.Airdrop(outsider, solana.LAMPORTS_PER_SOL))
	args := &delegation.CommitStateArgs{Nonce: 1, AllowUndelegation: true, Data: countData(231)}
	err := f.run(outsider,
		delegation.NewCommitStateInstruction(programID, outsider, f.counterAddr, args),
		delegation.NewFinalizeInstruction(programID, outsider, f.counterAddr))
	assert.ErrorIs(t, err, delegation.DelegationErrInvalidAuthority)

	// a commit left by the registered validator cannot be finalized by others
	require.NoError(t, f.run(f.validator,
		delegation.NewCommitStateInstruction(programID, f.validator, f.counterAddr, &delegation.CommitStateArgs{Nonce: 1, Data: countData(4)})))
	err = f.run(outsider, delegation.NewFinalizeInstruction(programID, outsider, f.counterAddr))
	assert.ErrorIs(t, err, delegation.DelegationErrInvalidAuthority)

	undelegateIx := delegation.NewUndelegateInstruction(programID, outsider, f.counterAddr, f.cfg.ProgramID, f.user)
	assert.ErrorIs(t, f.run(outsider, undelegateIx), delegation.DelegationErrInvalidAuthority)

	assert.Equal(t, uint64(3), f.count(t))
	metadata, err := delegation.GetDelegationMetadata(f.bank, programID, f.counterAddr)
	require.NoError(t, err)
	assert.False(t, metadata.IsUndelegatable)
	assert.Zero(t, metadata.LastUpdateNonce)
}

func TestCommit_NoRegisteredValidators(t *testing.T) {
	f := newFixture(t)
	f.bank.RegisterProgram(programID, delegation.New(programID).Execute)
	f.delegateCounter(t, 3)

	assert.ErrorIs(t, f.commit(1, countData(7), false), delegation.DelegationErrInvalidAuthority)
	assert.Equal(t, uint64(3), f.count(t))
}

func TestCallHandler_RejectsUnregisteredValidator(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(f.user, counter.NewInitializeLeaderboardInstruction(f.cfg, f.user)))

	attacker := solana.NewWallet().PublicKey()
	require.NoError(t, f.bank.Airdrop(attacker, solana.LAMPORTS_PER_SOL))
	require.NoError(t, f.run(attacker,
		counter.NewInitializeInstruction(f.cfg, attacker),
		counter.NewIncreaseCounterInstruction(f.cfg, attacker, 1_000_000)))

	args := &delegation.CallHandlerArgs{EscrowIndex: 1}
	ix := delegation.NewCallHandlerInstruction(programID, attacker, attacker, f.cfg.ProgramID, args, []sealevel.AccountMeta{
		sealevel.Writable(f.cfg.LeaderboardAddress()),
		sealevel.ReadOnly(f.cfg.CounterAddress(attacker)),
	})
	assert.ErrorIs(t, f.run(attacker, ix), delegation.DelegationErrInvalidAuthority)

	leaderboard, err := f.bank.GetAccount(f.cfg.LeaderboardAddress())
	require.NoError(t, err)
	highScore, err := counter.ReadCount(leaderboard.Data)
	require.NoError(t, err)
	assert.Zero(t, highScore)
}

func TestCallHandler_RejectsSystemDestination(t *testing.T) {
	f := newFixture(t)

	args := &delegation.CallHandlerArgs{EscrowIndex: 1}
	ix := delegation.NewCallHandlerInstruction(programID, f.validator, f.user, sealevel.SystemProgramAddr, args, nil)
	assert.ErrorIs(t, f.run(f.validator, ix), sealevel.InstrErrIncorrectProgramId)
}

func TestUndelegateCallbackCodec(t *testing.T) {
	seeds := [][]byte{[]byte("counter"), make([]byte, 32)}
	data := delegation.EncodeUndelegateCallback(seeds)
	assert.Equal(t, delegation.UndelegateCallbackDiscriminator[:], data[:8])

	decoded, err := delegation.DecodeUndelegateCallback(data)
	require.NoError(t, err)
	assert.Equal(t, seeds, decoded)

	_, err = delegation.DecodeUndelegateCallback([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.ErrorIs(t, err, sealevel.InstrErrInvalidInstructionData)
}
