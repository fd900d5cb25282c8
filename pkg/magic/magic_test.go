package magic

import (
	"testing"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/bank"
	"github.com/Overclock-Validator/ephemeral/pkg/features"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type magicFixture struct {
	bank      *bank.Bank
	cfg       Config
	owner     solana.PublicKey
	payer     solana.PublicKey
	committee solana.PublicKey
	delegated map[solana.PublicKey]bool
}

func newMagicFixture(t *testing.T) *magicFixture {
	t.Helper()
	f := &magicFixture{
		bank:      bank.New(accounts.NewMemAccounts(), bank.Config{Name: "ephemeral"}),
		owner:     solana.NewWallet().PublicKey(),
		payer:     solana.NewWallet().PublicKey(),
		committee: solana.NewWallet().PublicKey(),
		delegated: make(map[solana.PublicKey]bool),
	}
	f.cfg = DefaultConfig(solana.NewWallet().PublicKey(), func(pk solana.PublicKey) bool { return f.delegated[pk] })
	f.bank.RegisterProgram(f.cfg.ProgramID, New(f.cfg).Execute)

	rent := f.bank.Rent()
	ctxAcct := NewContextAccount(f.cfg, &rent)
	require.NoError(t, f.bank.SetAccount(&ctxAcct))

	require.NoError(t, f.bank.SetAccount(&accounts.Account{
		Key:      f.committee,
		Lamports: f.bank.MinimumBalance(3),
		Data:     []byte{1, 2, 3},
		Owner:    f.owner,
	}))
	f.delegated[f.committee] = true
	return f
}

// relay registers the owner program so that it forwards ix to the magic
// program and returns the outer instruction invoking it.
func (f *magicFixture) relay(ix sealevel.Instruction) sealevel.Instruction {
	f.bank.RegisterProgram(f.owner, func(execCtx *sealevel.ExecutionCtx) error {
		return execCtx.Invoke(ix)
	})
	metas := append([]sealevel.AccountMeta{}, ix.Accounts...)
	metas = append(metas, sealevel.ReadOnly(f.cfg.ProgramID))
	return sealevel.Instruction{ProgramId: f.owner, Accounts: metas}
}

func (f *magicFixture) run(ix sealevel.Instruction, payer solana.PublicKey) error {
	_, err := f.bank.ProcessTransaction(bank.NewTransaction(payer, ix))
	return err
}

func (f *magicFixture) intents(t *testing.T) []*Intent {
	t.Helper()
	intents, err := ReadScheduledIntents(f.bank, f.cfg.ContextID)
	require.NoError(t, err)
	return intents
}

func TestScheduleCommit(t *testing.T) {
	f := newMagicFixture(t)

	ix := NewScheduleCommitInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee})
	require.NoError(t, f.run(f.relay(ix), f.payer))

	intents := f.intents(t)
	require.Len(t, intents, 1)
	intent := intents[0]
	assert.Equal(t, uint64(0), intent.Id)
	assert.Equal(t, f.payer, intent.Payer)
	assert.False(t, intent.Undelegate)
	require.Len(t, intent.Accounts, 1)
	assert.Equal(t, f.committee, intent.Accounts[0].Pubkey)
	assert.Equal(t, f.owner, intent.Accounts[0].Owner)
	assert.Equal(t, []byte{1, 2, 3}, intent.Accounts[0].Data)

	undelegateIx := NewScheduleCommitAndUndelegateInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee})
	require.NoError(t, f.run(f.relay(undelegateIx), f.payer))
	intents = f.intents(t)
	require.Len(t, intents, 2)
	assert.Equal(t, uint64(1), intents[1].Id)
	assert.True(t, intents[1].Undelegate)
}

func TestScheduleCommit_Rejections(t *testing.T) {
	f := newMagicFixture(t)
	committees := []solana.PublicKey{f.committee}

	// top level
	err := f.run(NewScheduleCommitInstruction(f.cfg, f.payer, committees), f.payer)
	assert.ErrorIs(t, err, MagicErrUnauthorized)

	err = f.run(f.relay(NewScheduleCommitInstruction(f.cfg, f.payer, nil)), f.payer)
	assert.ErrorIs(t, err, MagicErrNoCommittees)

	f.delegated[f.committee] = false
	err = f.run(f.relay(NewScheduleCommitInstruction(f.cfg, f.payer, committees)), f.payer)
	assert.ErrorIs(t, err, MagicErrNotDelegated)
	f.delegated[f.committee] = true

	foreign := solana.NewWallet().PublicKey()
	require.NoError(t, f.bank.SetAccount(&accounts.Account{Key: foreign, Lamports: 1_000_000, Owner: solana.NewWallet().PublicKey()}))
	f.delegated[foreign] = true
	err = f.run(f.relay(NewScheduleCommitInstruction(f.cfg, f.payer, []solana.PublicKey{foreign})), f.payer)
	assert.ErrorIs(t, err, sealevel.InstrErrInvalidAccountOwner)

	assert.Empty(t, f.intents(t))
}

func TestScheduleCommitWithHandler(t *testing.T) {
	f := newMagicFixture(t)
	destination := solana.NewWallet().PublicKey()
	handler := CallHandler{
		Destination:     destination,
		EscrowAuthority: f.payer,
		EscrowIndex:     1,
		Data:            []byte("hello"),
		Accounts:        []HandlerAccount{{Pubkey: f.committee, IsWritable: true}},
		ComputeUnits:    200_000,
	}

	args := &ScheduleCommitWithHandlerArgs{Handlers: []CallHandler{handler}}
	ix := NewScheduleCommitWithHandlerInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee}, args)
	require.NoError(t, f.run(f.relay(ix), f.payer))

	intents := f.intents(t)
	require.Len(t, intents, 1)
	require.Len(t, intents[0].Handlers, 1)
	assert.Equal(t, handler, intents[0].Handlers[0])

	handler.EscrowAuthority = solana.NewWallet().PublicKey()
	args = &ScheduleCommitWithHandlerArgs{Handlers: []CallHandler{handler}}
	ix = NewScheduleCommitWithHandlerInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee}, args)
	assert.ErrorIs(t, f.run(f.relay(ix), f.payer), MagicErrInvalidCallHandler)

	handler.EscrowAuthority = f.payer
	handler.Destination = f.cfg.ProgramID
	args = &ScheduleCommitWithHandlerArgs{Handlers: []CallHandler{handler}}
	ix = NewScheduleCommitWithHandlerInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee}, args)
	assert.ErrorIs(t, f.run(f.relay(ix), f.payer), MagicErrInvalidCallHandler)
}

func TestScheduleCommitWithHandler_FeatureDisabled(t *testing.T) {
	f := newMagicFixture(t)
	f.bank.Features().DisableFeature(features.EnableCallHandlers)

	handler := CallHandler{Destination: solana.NewWallet().PublicKey(), EscrowAuthority: f.payer, EscrowIndex: 1}
	args := &ScheduleCommitWithHandlerArgs{Handlers: []CallHandler{handler}}
	ix := NewScheduleCommitWithHandlerInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee}, args)
	assert.ErrorIs(t, f.run(f.relay(ix), f.payer), MagicErrCallHandlersOff)
	assert.Empty(t, f.intents(t))

	// plain commits are unaffected
	require.NoError(t, f.run(f.relay(NewScheduleCommitInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee})), f.payer))
	assert.Len(t, f.intents(t), 1)
}

func TestAcceptScheduledCommits(t *testing.T) {
	f := newMagicFixture(t)
	ix := NewScheduleCommitInstruction(f.cfg, f.payer, []solana.PublicKey{f.committee})
	require.NoError(t, f.run(f.relay(ix), f.payer))

	intruder := solana.NewWallet().PublicKey()
	err := f.run(NewAcceptScheduledCommitsInstruction(f.cfg, intruder), intruder)
	assert.ErrorIs(t, err, MagicErrUnauthorized)
	assert.Len(t, f.intents(t), 1)

	require.NoError(t, f.run(NewAcceptScheduledCommitsInstruction(f.cfg, f.cfg.Validator), f.cfg.Validator))
	assert.Empty(t, f.intents(t))

	// ids keep counting after the context is drained
	require.NoError(t, f.run(f.relay(ix), f.payer))
	intents := f.intents(t)
	require.Len(t, intents, 1)
	assert.Equal(t, uint64(1), intents[0].Id)
}

func TestMagicContextCodec(t *testing.T) {
	mc, err := UnmarshalMagicContext(nil)
	require.NoError(t, err)
	assert.Empty(t, mc.Intents)

	mc = &MagicContext{NextId: 9, Intents: []*Intent{{
		Id:       8,
		Slot:     42,
		Payer:    solana.NewWallet().PublicKey(),
		Accounts: []CommittedAccount{{Pubkey: solana.NewWallet().PublicKey(), Lamports: 5, Data: []byte{7}}},
		Handlers: []CallHandler{{Destination: solana.NewWallet().PublicKey(), Data: []byte{}, Accounts: []HandlerAccount{}}},
	}}}
	decoded, err := UnmarshalMagicContext(mc.Marshal())
	require.NoError(t, err)
	assert.Equal(t, mc.NextId, decoded.NextId)
	require.Len(t, decoded.Intents, 1)
	assert.Equal(t, mc.Intents[0].Accounts, decoded.Intents[0].Accounts)
	assert.Equal(t, mc.Intents[0].Slot, decoded.Intents[0].Slot)

	_, err = UnmarshalMagicContext([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeInstruction_Unknown(t *testing.T) {
	_, err := DecodeInstruction([]byte{0xff, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, sealevel.InstrErrInvalidInstructionData)
}
