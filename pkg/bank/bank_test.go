package bank

import (
	"testing"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/fees"
	"github.com/Overclock-Validator/ephemeral/pkg/rent"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBank(t *testing.T, lamportsPerSignature uint64) *Bank {
	t.Helper()
	fixed := time.Unix(1700000000, 0)
	return New(accounts.NewMemAccounts(), Config{
		Name:                 "test",
		LamportsPerSignature: lamportsPerSignature,
		FeeCollector:         solana.NewWallet().PublicKey(),
		Now:                  func() time.Time { return fixed },
	})
}

func lamportsOf(t *testing.T, b *Bank, pk solana.PublicKey) uint64 {
	t.Helper()
	acct, err := b.GetAccount(pk)
	if err != nil {
		return 0
	}
	return acct.Lamports
}

func TestBank_Transfer(t *testing.T) {
	b := newTestBank(t, 0)
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()
	require.NoError(t, b.Airdrop(from, 10_000_000))

	amount := b.MinimumBalance(0)
	res, err := b.ProcessTransaction(NewTransaction(from, sealevel.NewTransferInstruction(from, to, amount)))
	require.NoError(t, err)
	assert.ElementsMatch(t, []solana.PublicKey{from, to}, res.ModifiedAccounts)
	assert.Greater(t, res.ComputeUnitsConsumed, uint64(0))

	assert.Equal(t, amount, lamportsOf(t, b, to))
	assert.Equal(t, 10_000_000-amount, lamportsOf(t, b, from))
}

func TestBank_FailedTxIsAtomic(t *testing.T) {
	b := newTestBank(t, fees.DefaultLamportsPerSignature)
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()
	require.NoError(t, b.Airdrop(from, 10_000_000))

	amount := b.MinimumBalance(0)
	tx := NewTransaction(from,
		sealevel.NewTransferInstruction(from, to, amount),
		sealevel.NewTransferInstruction(from, to, 100_000_000),
	)
	res, err := b.ProcessTransaction(tx)
	assert.ErrorIs(t, err, sealevel.SystemProgErrResultWithNegativeLamports)
	assert.Equal(t, uint64(5000), res.Fee)

	// only the fee is charged
	assert.Equal(t, uint64(0), lamportsOf(t, b, to))
	assert.Equal(t, uint64(10_000_000-5000), lamportsOf(t, b, from))
	assert.Equal(t, []solana.PublicKey{from}, res.ModifiedAccounts)
}

func TestBank_RentPayingTransitionRejected(t *testing.T) {
	b := newTestBank(t, 0)
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()
	require.NoError(t, b.Airdrop(from, 10_000_000))

	_, err := b.ProcessTransaction(NewTransaction(from, sealevel.NewTransferInstruction(from, to, 10)))
	assert.ErrorIs(t, err, rent.ErrRentStateTransition)
	assert.Equal(t, uint64(0), lamportsOf(t, b, to))
}

func TestBank_UnbalancedInstruction(t *testing.T) {
	b := newTestBank(t, 0)
	programId := solana.NewWallet().PublicKey()
	target := solana.NewWallet().PublicKey()
	payer := solana.NewWallet().PublicKey()
	require.NoError(t, b.Airdrop(payer, 10_000_000))
	require.NoError(t, b.Airdrop(target, 10_000_000))

	b.RegisterProgram(programId, func(execCtx *sealevel.ExecutionCtx) error {
		acct, err := execCtx.BorrowAccount(0)
		if err != nil {
			return err
		}
		return acct.CheckedAddLamports(1)
	})

	ix := sealevel.Instruction{ProgramId: programId, Accounts: []sealevel.AccountMeta{sealevel.Writable(target)}}
	_, err := b.ProcessTransaction(NewTransaction(payer, ix))
	assert.ErrorIs(t, err, sealevel.InstrErrUnbalancedInstruction)
	assert.Equal(t, uint64(10_000_000), lamportsOf(t, b, target))
}

func TestBank_InsufficientFundsForFee(t *testing.T) {
	b := newTestBank(t, fees.DefaultLamportsPerSignature)
	payer := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()

	_, err := b.ProcessTransaction(NewTransaction(payer, sealevel.NewTransferInstruction(payer, to, 1)))
	assert.ErrorIs(t, err, TxErrInsufficientFundsForFee)

	_, err = b.ProcessTransaction(&Transaction{})
	assert.ErrorIs(t, err, TxErrNoSigners)
}

func TestBank_AdvanceSlot(t *testing.T) {
	b := newTestBank(t, 0)
	before := b.Blockhash()
	require.NoError(t, b.Airdrop(solana.NewWallet().PublicKey(), 1))

	after := b.AdvanceSlot()
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, b.Blockhash())
	assert.Equal(t, uint64(1), b.Slot())
	assert.False(t, b.BankHash().IsZero())

	clockAcct, err := b.GetAccount(sealevel.SysvarClockAddr)
	require.NoError(t, err)
	var clock sealevel.SysvarClock
	require.NoError(t, clock.UnmarshalWithDecoder(bin.NewBinDecoder(clockAcct.Data)))
	assert.Equal(t, uint64(1), clock.Slot)
	assert.Equal(t, int64(1700000000), clock.UnixTimestamp)
}

func TestBank_ProgramAccountsAreProtected(t *testing.T) {
	b := newTestBank(t, 0)
	err := b.SetAccount(&accounts.Account{Key: sealevel.SystemProgramAddr, Lamports: 5})
	assert.ErrorIs(t, err, ErrProgramAccount)

	acct, err := b.GetAccount(sealevel.SystemProgramAddr)
	require.NoError(t, err)
	assert.True(t, acct.Executable)
}
