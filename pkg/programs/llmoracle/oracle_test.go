package llmoracle

import (
	"testing"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/bank"
	"github.com/Overclock-Validator/ephemeral/pkg/callback"
	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/features"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oracleFixture struct {
	bank      *bank.Bank
	cfg       Config
	user      solana.PublicKey
	responder solana.PublicKey
	context   solana.PublicKey
}

func newOracleFixture(t *testing.T) *oracleFixture {
	t.Helper()
	b := bank.New(accounts.NewMemAccounts(), bank.Config{Name: "test"})
	f := &oracleFixture{
		bank:      b,
		cfg:       DefaultConfig(),
		user:      solana.NewWallet().PublicKey(),
		responder: solana.NewWallet().PublicKey(),
	}
	f.cfg.Responder = f.responder
	b.RegisterProgram(f.cfg.ProgramID, New(f.cfg).Execute)
	require.NoError(t, b.Airdrop(f.user, 10*solana.LAMPORTS_PER_SOL))
	require.NoError(t, b.Airdrop(f.responder, solana.LAMPORTS_PER_SOL))

	require.NoError(t, f.run(f.user, NewInitializeInstruction(f.cfg, f.user)))
	require.NoError(t, f.run(f.user, NewCreateLlmContextInstruction(f.cfg, f.user, 0, "You are a helpful assistant.")))
	f.context = f.cfg.ContextAddress(0)
	return f
}

func (f *oracleFixture) run(payer solana.PublicKey, ixs ...sealevel.Instruction) error {
	_, err := f.bank.ProcessTransaction(bank.NewTransaction(payer, ixs...))
	return err
}

func (f *oracleFixture) interact(t *testing.T, ix *InteractWithLlm) {
	t.Helper()
	require.NoError(t, f.run(f.user, NewInteractWithLlmInstruction(f.cfg, f.user, f.context, ix)))
}

func (f *oracleFixture) interaction(t *testing.T) (*accounts.Account, *Interaction) {
	t.Helper()
	acct, err := f.bank.GetAccount(f.cfg.InteractionAddress(f.user, f.context))
	require.NoError(t, err)
	interaction, err := UnmarshalInteraction(acct.Data)
	require.NoError(t, err)
	return acct, interaction
}

func (f *oracleFixture) respond(t *testing.T, response string) (*bank.TransactionResult, error) {
	t.Helper()
	_, interaction := f.interaction(t)
	ix := NewCallbackFromLlmInstruction(f.cfg, f.cfg.InteractionAddress(f.user, f.context), &interaction.Callback, response)
	return f.bank.ProcessTransaction(bank.NewTransaction(f.responder, ix))
}

func (f *oracleFixture) selfCallback() *InteractWithLlm {
	return &InteractWithLlm{
		Text:                  "What is a PDA?",
		CallbackProgramID:     f.cfg.ProgramID,
		CallbackDiscriminator: CallbackFromOracleDiscriminator,
	}
}

func TestOracle_Initialize(t *testing.T) {
	f := newOracleFixture(t)

	identity, err := f.bank.GetAccount(f.cfg.IdentityAddress())
	require.NoError(t, err)
	assert.Equal(t, f.cfg.ProgramID, solana.PublicKey(identity.Owner))
	assert.Equal(t, IdentityAccountDiscriminator[:], identity.Data)

	counter, err := f.bank.GetAccount(f.cfg.CounterAddress())
	require.NoError(t, err)
	count, err := ReadContextCount(counter.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	err = f.run(f.user, NewInitializeInstruction(f.cfg, f.user))
	assert.ErrorIs(t, err, sealevel.InstrErrAccountAlreadyInitialized)
}

func TestOracle_CreateLlmContext(t *testing.T) {
	f := newOracleFixture(t)

	// the next context lives at index 1, index 0 is taken
	err := f.run(f.user, NewCreateLlmContextInstruction(f.cfg, f.user, 0, "again"))
	assert.ErrorIs(t, err, sealevel.InstrErrInvalidArgument)

	require.NoError(t, f.run(f.user, NewCreateLlmContextInstruction(f.cfg, f.user, 1, "second")))
	acct, err := f.bank.GetAccount(f.cfg.ContextAddress(1))
	require.NoError(t, err)
	ctx, err := UnmarshalContextAccount(acct.Data)
	require.NoError(t, err)
	assert.Equal(t, "second", ctx.Text)
}

func TestOracle_InteractCreatesAndReallocates(t *testing.T) {
	f := newOracleFixture(t)
	f.interact(t, f.selfCallback())

	acct, interaction := f.interaction(t)
	assert.Equal(t, f.context, interaction.Context)
	assert.Equal(t, f.user, interaction.User)
	assert.False(t, interaction.IsProcessed)
	assert.Len(t, acct.Data, int(interaction.Size()))
	assert.Equal(t, f.bank.MinimumBalance(interaction.Size()), acct.Lamports)

	longer := f.selfCallback()
	longer.Text = "Explain the delegation lifecycle of an ephemeral rollup in detail."
	longer.AccountMetas = []sealevel.AccountMeta{sealevel.Writable(f.user)}
	f.interact(t, longer)

	acct, interaction = f.interaction(t)
	assert.Equal(t, longer.Text, interaction.Text)
	assert.Equal(t, longer.AccountMetas, interaction.Callback.Accounts)
	assert.Len(t, acct.Data, int(interaction.Size()))
	assert.Equal(t, f.bank.MinimumBalance(interaction.Size()), acct.Lamports)
}

func TestOracle_InteractRequiresContext(t *testing.T) {
	f := newOracleFixture(t)
	err := f.run(f.user, NewInteractWithLlmInstruction(f.cfg, f.user, f.user, f.selfCallback()))
	assert.ErrorIs(t, err, sealevel.InstrErrInvalidAccountOwner)
}

func TestOracle_CallbackMarksProcessedOnce(t *testing.T) {
	f := newOracleFixture(t)
	f.interact(t, f.selfCallback())

	result, err := f.respond(t, "a program derived address")
	require.NoError(t, err)
	assert.Contains(t, result.Logs, `Callback response: "a program derived address"`)

	_, interaction := f.interaction(t)
	assert.True(t, interaction.IsProcessed)

	result, err = f.respond(t, "again")
	assert.ErrorIs(t, err, callback.CallbackErrAlreadyProcessed)
	assert.NotContains(t, result.Logs, `Callback response: "again"`)
}

func TestOracle_CallbackSeesProcessedRequest(t *testing.T) {
	f := newOracleFixture(t)
	consumerID := solana.NewWallet().PublicKey()
	observed := 0
	f.bank.RegisterProgram(consumerID, func(execCtx *sealevel.ExecutionCtx) error {
		if err := callback.RequireIdentitySigner(execCtx, 0, f.cfg.IdentityAddress()); err != nil {
			return err
		}
		acct, err := execCtx.BorrowAccount(1)
		if err != nil {
			return err
		}
		interaction, err := UnmarshalInteraction(acct.Data())
		if err != nil {
			return err
		}
		if !interaction.IsProcessed {
			return sealevel.InstrErrGenericError
		}
		observed++
		return nil
	})

	f.interact(t, &InteractWithLlm{
		Text:              "ping",
		CallbackProgramID: consumerID,
		AccountMetas:      []sealevel.AccountMeta{sealevel.ReadOnly(f.cfg.InteractionAddress(f.user, f.context))},
	})
	_, err := f.respond(t, "pong")
	require.NoError(t, err)
	assert.Equal(t, 1, observed)
}

func TestOracle_CallbackBeforeMarkWithoutFeature(t *testing.T) {
	f := newOracleFixture(t)
	f.bank.Features().DisableFeature(features.MarkProcessedBeforeCallback)
	consumerID := solana.NewWallet().PublicKey()
	var seen []bool
	f.bank.RegisterProgram(consumerID, func(execCtx *sealevel.ExecutionCtx) error {
		acct, err := execCtx.BorrowAccount(1)
		if err != nil {
			return err
		}
		interaction, err := UnmarshalInteraction(acct.Data())
		if err != nil {
			return err
		}
		seen = append(seen, interaction.IsProcessed)
		return nil
	})

	f.interact(t, &InteractWithLlm{
		Text:              "ping",
		CallbackProgramID: consumerID,
		AccountMetas:      []sealevel.AccountMeta{sealevel.ReadOnly(f.cfg.InteractionAddress(f.user, f.context))},
	})
	_, err := f.respond(t, "pong")
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, seen)

	_, interaction := f.interaction(t)
	assert.True(t, interaction.IsProcessed)
	_, err = f.respond(t, "pong")
	assert.ErrorIs(t, err, callback.CallbackErrAlreadyProcessed)
}

func TestOracle_PayerInCallbackAccounts(t *testing.T) {
	f := newOracleFixture(t)
	drain := f.selfCallback()
	drain.AccountMetas = []sealevel.AccountMeta{sealevel.Writable(f.responder)}
	f.interact(t, drain)

	_, err := f.respond(t, "drained")
	assert.ErrorIs(t, err, callback.CallbackErrPayerInCallbackAccounts)

	_, interaction := f.interaction(t)
	assert.False(t, interaction.IsProcessed)
}

func TestOracle_CallbackRejections(t *testing.T) {
	f := newOracleFixture(t)
	f.interact(t, f.selfCallback())
	_, interaction := f.interaction(t)
	addr := f.cfg.InteractionAddress(f.user, f.context)

	impostor := f.cfg
	impostor.Responder = f.user
	ix := NewCallbackFromLlmInstruction(impostor, addr, &interaction.Callback, "x")
	assert.ErrorIs(t, f.run(f.user, ix), callback.CallbackErrUnauthorized)

	wrongProgram := interaction.Callback
	wrongProgram.ProgramID = sealevel.SystemProgramAddr
	ix = NewCallbackFromLlmInstruction(f.cfg, addr, &wrongProgram, "x")
	assert.ErrorIs(t, f.run(f.responder, ix), sealevel.InstrErrIncorrectProgramId)

	// the oracle's own callback only accepts the identity as signer
	direct := sealevel.Instruction{
		ProgramId: f.cfg.ProgramID,
		Accounts:  []sealevel.AccountMeta{sealevel.ReadOnly(f.cfg.IdentityAddress())},
		Data:      callback.EncodeResult(CallbackFromOracleDiscriminator, "forged"),
	}
	assert.ErrorIs(t, f.run(f.user, direct), callback.CallbackErrUnauthorized)
}

func TestOracle_DelegateInteraction(t *testing.T) {
	f := newOracleFixture(t)
	f.bank.RegisterProgram(delegation.DefaultProgramID, delegation.New(delegation.DefaultProgramID).Execute)
	f.interact(t, f.selfCallback())

	require.NoError(t, f.run(f.user, NewDelegateInteractionInstruction(f.cfg, f.user, f.context)))

	addr := f.cfg.InteractionAddress(f.user, f.context)
	acct, err := f.bank.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, delegation.DefaultProgramID, solana.PublicKey(acct.Owner))

	record, err := delegation.GetDelegationRecord(f.bank, delegation.DefaultProgramID, addr)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.ProgramID, record.Owner)

	interaction, err := UnmarshalInteraction(acct.Data)
	require.NoError(t, err)
	assert.Equal(t, "What is a PDA?", interaction.Text)
}

func TestDecodeInstruction(t *testing.T) {
	ix := &InteractWithLlm{
		Text:                  "hi",
		CallbackProgramID:     solana.NewWallet().PublicKey(),
		CallbackDiscriminator: sealevel.Discriminator{1, 2, 3, 4, 5, 6, 7, 8},
		AccountMetas:          []sealevel.AccountMeta{sealevel.Writable(solana.NewWallet().PublicKey())},
	}
	decoded, err := DecodeInstruction(encodeInteract(ix))
	require.NoError(t, err)
	assert.Equal(t, *ix, decoded)

	ix.AccountMetas = nil
	decoded, err = DecodeInstruction(encodeInteract(ix))
	require.NoError(t, err)
	assert.Nil(t, decoded.(InteractWithLlm).AccountMetas)

	_, err = DecodeInstruction(InteractWithLlmDiscriminator[:])
	assert.ErrorIs(t, err, sealevel.InstrErrInvalidInstructionData)
}
