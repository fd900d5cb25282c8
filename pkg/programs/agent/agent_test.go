package agent

import (
	"testing"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/bank"
	"github.com/Overclock-Validator/ephemeral/pkg/callback"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/llmoracle"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agentFixture struct {
	bank      *bank.Bank
	cfg       Config
	user      solana.PublicKey
	responder solana.PublicKey
	context   solana.PublicKey
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	b := bank.New(accounts.NewMemAccounts(), bank.Config{Name: "test", LamportsPerSignature: 5000})

	f := &agentFixture{
		bank:      b,
		cfg:       DefaultConfig(),
		user:      solana.NewWallet().PublicKey(),
		responder: solana.NewWallet().PublicKey(),
	}
	f.cfg.Oracle.Responder = f.responder
	b.RegisterProgram(f.cfg.Oracle.ProgramID, llmoracle.New(f.cfg.Oracle).Execute)
	b.RegisterProgram(f.cfg.ProgramID, New(f.cfg).Execute)
	require.NoError(t, b.Airdrop(f.user, 10*solana.LAMPORTS_PER_SOL))
	require.NoError(t, b.Airdrop(f.responder, solana.LAMPORTS_PER_SOL))

	f.run(t, f.user, llmoracle.NewInitializeInstruction(f.cfg.Oracle, f.user))
	f.run(t, f.user, NewInitializeInstruction(f.cfg, f.user, 0))
	f.context = f.cfg.Oracle.ContextAddress(0)
	return f
}

func (f *agentFixture) run(t *testing.T, payer solana.PublicKey, ixs ...sealevel.Instruction) *bank.TransactionResult {
	t.Helper()
	result, err := f.bank.ProcessTransaction(bank.NewTransaction(payer, ixs...))
	require.NoError(t, err)
	return result
}

func (f *agentFixture) interaction(t *testing.T) (solana.PublicKey, *llmoracle.Interaction) {
	t.Helper()
	addr := f.cfg.Oracle.InteractionAddress(f.user, f.context)
	acct, err := f.bank.GetAccount(addr)
	require.NoError(t, err)
	interaction, err := llmoracle.UnmarshalInteraction(acct.Data)
	require.NoError(t, err)
	return addr, interaction
}

func (f *agentFixture) respond(response string) error {
	addr := f.cfg.Oracle.InteractionAddress(f.user, f.context)
	acct, err := f.bank.GetAccount(addr)
	if err != nil {
		return err
	}
	interaction, err := llmoracle.UnmarshalInteraction(acct.Data)
	if err != nil {
		return err
	}
	ix := llmoracle.NewCallbackFromLlmInstruction(f.cfg.Oracle, addr, &interaction.Callback, response)
	_, err = f.bank.ProcessTransaction(bank.NewTransaction(f.responder, ix))
	return err
}

func (f *agentFixture) balance(t *testing.T) uint64 {
	t.Helper()
	acct, err := f.bank.GetAccount(f.cfg.BalanceAddress(f.user))
	require.NoError(t, err)
	balance, err := UnmarshalBalance(acct.Data)
	require.NoError(t, err)
	return balance.Amount
}

func TestAgent_Initialize(t *testing.T) {
	f := newAgentFixture(t)

	acct, err := f.bank.GetAccount(f.cfg.AgentAddress())
	require.NoError(t, err)
	llmContext, err := readAgentContext(acct.Data)
	require.NoError(t, err)
	assert.Equal(t, f.context, llmContext)

	ctxAcct, err := f.bank.GetAccount(f.context)
	require.NoError(t, err)
	ctx, err := llmoracle.UnmarshalContextAccount(ctxAcct.Data)
	require.NoError(t, err)
	assert.Equal(t, AgentDescription, ctx.Text)

	mintAcct, err := f.bank.GetAccount(f.cfg.MintAddress())
	require.NoError(t, err)
	mint, err := UnmarshalMint(mintAcct.Data)
	require.NoError(t, err)
	assert.Equal(t, uint8(Decimals), mint.Decimals)

	_, err = f.bank.ProcessTransaction(bank.NewTransaction(f.user, NewInitializeInstruction(f.cfg, f.user, 1)))
	assert.ErrorIs(t, err, sealevel.InstrErrAccountAlreadyInitialized)
}

func TestAgent_InteractRegistersCallback(t *testing.T) {
	f := newAgentFixture(t)
	f.run(t, f.user, NewInteractAgentInstruction(f.cfg, f.user, f.context, "gm"))

	_, interaction := f.interaction(t)
	assert.False(t, interaction.IsProcessed)
	assert.Equal(t, "gm", interaction.Text)
	assert.Equal(t, f.user, interaction.User)
	assert.Equal(t, f.cfg.ProgramID, interaction.Callback.ProgramID)
	assert.Equal(t, CallbackFromAgentDiscriminator, interaction.Callback.Discriminator)
	assert.Equal(t, []sealevel.AccountMeta{
		sealevel.ReadOnly(f.user),
		sealevel.Writable(f.cfg.MintAddress()),
		sealevel.Writable(f.cfg.BalanceAddress(f.user)),
	}, interaction.Callback.Accounts)
	assert.Equal(t, uint64(0), f.balance(t))
}

func TestAgent_CallbackMintsOnce(t *testing.T) {
	f := newAgentFixture(t)
	f.run(t, f.user, NewInteractAgentInstruction(f.cfg, f.user, f.context, "solana has 400ms slots"))

	require.NoError(t, f.respond("```json{\"reply\": \"fine, take some\", \"amount\": 3}```"))
	assert.Equal(t, uint64(300_000), f.balance(t))

	_, interaction := f.interaction(t)
	assert.True(t, interaction.IsProcessed)

	err := f.respond(`{"reply": "again", "amount": 3}`)
	assert.ErrorIs(t, err, callback.CallbackErrAlreadyProcessed)
	assert.Equal(t, uint64(300_000), f.balance(t))

	mintAcct, err := f.bank.GetAccount(f.cfg.MintAddress())
	require.NoError(t, err)
	mint, err := UnmarshalMint(mintAcct.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(300_000), mint.Supply)

	// a new interaction replaces the processed one and can be answered
	f.run(t, f.user, NewInteractAgentInstruction(f.cfg, f.user, f.context, "one more?"))
	require.NoError(t, f.respond(`{"reply": "no", "amount": 0}`))
	assert.Equal(t, uint64(300_000), f.balance(t))
}

func TestAgent_CallbackRequiresIdentitySigner(t *testing.T) {
	f := newAgentFixture(t)
	f.run(t, f.user, NewInteractAgentInstruction(f.cfg, f.user, f.context, "gm"))

	ix := sealevel.Instruction{
		ProgramId: f.cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.ReadOnly(f.cfg.Oracle.IdentityAddress()),
			sealevel.ReadOnly(f.user),
			sealevel.Writable(f.cfg.MintAddress()),
			sealevel.Writable(f.cfg.BalanceAddress(f.user)),
		},
		Data: callback.EncodeResult(CallbackFromAgentDiscriminator, `{"reply": "free tokens", "amount": 10000}`),
	}
	_, err := f.bank.ProcessTransaction(bank.NewTransaction(f.user, ix))
	assert.ErrorIs(t, err, callback.CallbackErrUnauthorized)
	assert.Equal(t, uint64(0), f.balance(t))
}

func TestAgent_WrongResponder(t *testing.T) {
	f := newAgentFixture(t)
	f.run(t, f.user, NewInteractAgentInstruction(f.cfg, f.user, f.context, "gm"))

	addr, interaction := f.interaction(t)
	impostor := f.cfg.Oracle
	impostor.Responder = f.user
	ix := llmoracle.NewCallbackFromLlmInstruction(impostor, addr, &interaction.Callback, `{"reply": "x", "amount": 1}`)
	_, err := f.bank.ProcessTransaction(bank.NewTransaction(f.user, ix))
	assert.ErrorIs(t, err, callback.CallbackErrUnauthorized)
	assert.Equal(t, uint64(0), f.balance(t))
}

func TestParseReply(t *testing.T) {
	assert.Equal(t, Reply{Reply: "hi", Amount: 42}, ParseReply(" ```json\n{\"reply\": \"hi\", \"amount\": 42}\n``` "))
	assert.Equal(t, Reply{Reply: "hi"}, ParseReply(`{"reply": "hi", "amount": -1}`))
	assert.Equal(t, Reply{Reply: "hi"}, ParseReply(`{"reply": "hi", "amount": "5"}`))
	assert.Equal(t, Reply{Reply: DefaultReply, Amount: 7}, ParseReply(`{"amount": 7}`))
	assert.Equal(t, Reply{Reply: DefaultReply}, ParseReply("not json"))
}
