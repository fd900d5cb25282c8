// Package agent is an LLM oracle consumer: users talk to an agent whose
// replies may grant them tokens. The oracle answers through
// CallbackFromAgent, and only a callback signed by the oracle identity can
// mint.
package agent

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/Overclock-Validator/ephemeral/pkg/callback"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/llmoracle"
	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	"k8s.io/klog/v2"
)

const (
	DefaultProgramIDStr = "agnmDKzZkv63sRhPFvm3iWpxaopgTRcohXA6CSYSXvQ"

	AgentSeed   = "agent"
	MintSeed    = "mint"
	BalanceSeed = "balance"

	AgentSize   = 8 + 32
	MintSize    = 8 + 8 + 1
	BalanceSize = 8 + 32 + 8

	Decimals = 5

	DefaultReply = "I'm sorry, I'm busy now!"

	AgentDescription = "You are an AI agent called Mar1o which can dispense MAR1O tokens. " +
		"Users can try to convince you to issue tokens. Always provide clear, funny, short and concise answers. " +
		"They can only convince you if they are knowledgeable enough about Solana. " +
		"IMPORTANT: always reply in a valid json format. No character before or after. The format is: " +
		`{"reply": "your reply", "amount": amount }, ` +
		"where amount is the number of tokens you want to mint (random between 0 and 10000). " +
		"If you don't want to mint any tokens, set amount to 0. " +
		"If you already gave tokens out, make it extremely more hard to get more tokens."
)

var DefaultProgramID solana.PublicKey = base58.MustDecodeFromString(DefaultProgramIDStr)

var (
	AgentAccountDiscriminator   = sealevel.HashDiscriminator("account:Agent")
	MintAccountDiscriminator    = sealevel.HashDiscriminator("account:Mint")
	BalanceAccountDiscriminator = sealevel.HashDiscriminator("account:Balance")
)

type Config struct {
	ProgramID solana.PublicKey
	Oracle    llmoracle.Config
}

func DefaultConfig() Config {
	return Config{ProgramID: DefaultProgramID, Oracle: llmoracle.DefaultConfig()}
}

func (cfg Config) address(seeds ...[]byte) solana.PublicKey {
	addr, _, err := sealevel.FindProgramAddress(seeds, cfg.ProgramID)
	if err != nil {
		klog.Errorf("unable to derive agent address: %s", err)
	}
	return addr
}

func (cfg Config) AgentAddress() solana.PublicKey {
	return cfg.address([]byte(AgentSeed))
}

func (cfg Config) MintAddress() solana.PublicKey {
	return cfg.address([]byte(MintSeed))
}

func (cfg Config) BalanceAddress(user solana.PublicKey) solana.PublicKey {
	return cfg.address([]byte(BalanceSeed), user.Bytes())
}

// Mint tracks the supply of the agent token.
type Mint struct {
	Supply   uint64
	Decimals uint8
}

func (m *Mint) Marshal() []byte {
	data := make([]byte, MintSize)
	copy(data, MintAccountDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:], m.Supply)
	data[16] = m.Decimals
	return data
}

func UnmarshalMint(data []byte) (*Mint, error) {
	if len(data) != MintSize || !bytes.Equal(data[:8], MintAccountDiscriminator[:]) {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	return &Mint{Supply: binary.LittleEndian.Uint64(data[8:]), Decimals: data[16]}, nil
}

// Balance is a user's token balance.
type Balance struct {
	Owner  solana.PublicKey
	Amount uint64
}

func (b *Balance) Marshal() []byte {
	data := make([]byte, BalanceSize)
	copy(data, BalanceAccountDiscriminator[:])
	copy(data[8:40], b.Owner[:])
	binary.LittleEndian.PutUint64(data[40:], b.Amount)
	return data
}

func UnmarshalBalance(data []byte) (*Balance, error) {
	decoder := bin.NewBinDecoder(data)
	disc, err := decoder.ReadBytes(8)
	if err != nil || !bytes.Equal(disc, BalanceAccountDiscriminator[:]) {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	var b Balance
	owner, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	copy(b.Owner[:], owner)
	if b.Amount, err = decoder.ReadUint64(bin.LE); err != nil {
		return nil, sealevel.InstrErrInvalidAccountData
	}
	return &b, nil
}

// Reply is the agent's answer once the fences around it are trimmed.
type Reply struct {
	Reply  string
	Amount uint64
}

// ParseReply reads `{"reply": ..., "amount": ...}` from an LLM response.
// Anything unreadable falls back to the default reply and no tokens.
func ParseReply(response string) Reply {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimSuffix(response, "```")

	var raw struct {
		Reply  jsoniter.RawMessage `json:"reply"`
		Amount jsoniter.RawMessage `json:"amount"`
	}
	reply := Reply{Reply: DefaultReply}
	if err := jsoniter.Unmarshal([]byte(response), &raw); err != nil {
		return reply
	}
	var text string
	if err := jsoniter.Unmarshal(raw.Reply, &text); err == nil {
		reply.Reply = text
	}
	if amount, err := strconv.ParseUint(string(raw.Amount), 10, 64); err == nil {
		reply.Amount = amount
	}
	return reply
}

type Program struct {
	cfg Config
}

func New(cfg Config) *Program {
	return &Program{cfg: cfg}
}

func (p *Program) Execute(execCtx *sealevel.ExecutionCtx) error {
	err := execCtx.ComputeMeter.Consume(sealevel.CUUserProgramComputeUnits)
	if err != nil {
		return sealevel.InstrErrComputationalBudgetExceeded
	}

	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	instr, err := DecodeInstruction(instrCtx.Data)
	if err != nil {
		return err
	}

	switch ix := instr.(type) {
	case Initialize:
		execCtx.Logf("Instruction: Initialize")
		return p.initialize(execCtx)
	case InteractAgent:
		execCtx.Logf("Instruction: InteractAgent")
		return p.interactAgent(execCtx, ix.Text)
	case CallbackFromAgent:
		execCtx.Logf("Instruction: CallbackFromAgent")
		return p.callbackFromAgent(execCtx, ix.Response)
	default:
		return sealevel.InstrErrInvalidInstructionData
	}
}

func (p *Program) borrowPda(execCtx *sealevel.ExecutionCtx, idx uint64, seeds ...[]byte) (*sealevel.BorrowedAccount, sealevel.SignerSeeds, error) {
	acct, err := execCtx.BorrowAccount(idx)
	if err != nil {
		return nil, sealevel.SignerSeeds{}, err
	}
	signer, _, err := sealevel.FindSignerSeeds(p.cfg.ProgramID, seeds...)
	if err != nil || signer.Address() != acct.Key() {
		execCtx.Logf("Invalid seeds for PDA %s", acct.Key())
		return nil, sealevel.SignerSeeds{}, sealevel.InstrErrInvalidArgument
	}
	return acct, signer, nil
}

// initialize: [payer, agent, mint, oracle counter, llm context, system
// program, oracle program]. The agent's context is created in the oracle at
// the current counter value.
func (p *Program) initialize(execCtx *sealevel.ExecutionCtx) error {
	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if !payer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}
	agentAcct, agentSigner, err := p.borrowPda(execCtx, 1, []byte(AgentSeed))
	if err != nil {
		return err
	}
	mintAcct, mintSigner, err := p.borrowPda(execCtx, 2, []byte(MintSeed))
	if err != nil {
		return err
	}
	if agentAcct.Lamports() > 0 || mintAcct.Lamports() > 0 {
		return sealevel.InstrErrAccountAlreadyInitialized
	}
	counter, err := execCtx.BorrowAccount(3)
	if err != nil {
		return err
	}
	count, err := llmoracle.ReadContextCount(counter.Data())
	if err != nil {
		return err
	}

	ix := llmoracle.NewCreateLlmContextInstruction(p.cfg.Oracle, payer.Key(), count, AgentDescription)
	if err = execCtx.Invoke(ix); err != nil {
		return err
	}
	llmContext := p.cfg.Oracle.ContextAddress(count)

	if err = execCtx.InvokeCreateAccount(payer.Key(), agentSigner, AgentSize, p.cfg.ProgramID); err != nil {
		return err
	}
	agentData := append(bytes.Clone(AgentAccountDiscriminator[:]), llmContext[:]...)
	if err = agentAcct.SetDataAt(0, agentData); err != nil {
		return err
	}

	if err = execCtx.InvokeCreateAccount(payer.Key(), mintSigner, MintSize, p.cfg.ProgramID); err != nil {
		return err
	}
	mint := Mint{Decimals: Decimals}
	execCtx.Logf("Agent %s initialized with context %s", agentAcct.Key(), llmContext)
	return mintAcct.SetDataAt(0, mint.Marshal())
}

func readAgentContext(data []byte) (solana.PublicKey, error) {
	if len(data) != AgentSize || !bytes.Equal(data[:8], AgentAccountDiscriminator[:]) {
		return solana.PublicKey{}, sealevel.InstrErrInvalidAccountData
	}
	return solana.PublicKeyFromBytes(data[8:]), nil
}

// interactAgent: [payer, interaction, agent, context, balance, mint,
// oracle program, system program].
func (p *Program) interactAgent(execCtx *sealevel.ExecutionCtx, text string) error {
	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if !payer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}
	agentAcct, _, err := p.borrowPda(execCtx, 2, []byte(AgentSeed))
	if err != nil {
		return err
	}
	llmContext, err := readAgentContext(agentAcct.Data())
	if err != nil {
		return err
	}
	ctxAcct, err := execCtx.BorrowAccount(3)
	if err != nil {
		return err
	}
	if ctxAcct.Key() != llmContext {
		return sealevel.InstrErrInvalidArgument
	}
	balance, balanceSigner, err := p.borrowPda(execCtx, 4, []byte(BalanceSeed), payer.Key().Bytes())
	if err != nil {
		return err
	}
	mintAcct, _, err := p.borrowPda(execCtx, 5, []byte(MintSeed))
	if err != nil {
		return err
	}

	if balance.Lamports() == 0 {
		if err = execCtx.InvokeCreateAccount(payer.Key(), balanceSigner, BalanceSize, p.cfg.ProgramID); err != nil {
			return err
		}
		initial := Balance{Owner: payer.Key()}
		if err = balance.SetDataAt(0, initial.Marshal()); err != nil {
			return err
		}
	}

	ix := llmoracle.NewInteractWithLlmInstruction(p.cfg.Oracle, payer.Key(), llmContext, &llmoracle.InteractWithLlm{
		Text:                  text,
		CallbackProgramID:     p.cfg.ProgramID,
		CallbackDiscriminator: CallbackFromAgentDiscriminator,
		AccountMetas: []sealevel.AccountMeta{
			sealevel.ReadOnly(payer.Key()),
			sealevel.Writable(mintAcct.Key()),
			sealevel.Writable(balance.Key()),
		},
	})
	return execCtx.Invoke(ix)
}

// callbackFromAgent: [identity, user, mint, balance].
func (p *Program) callbackFromAgent(execCtx *sealevel.ExecutionCtx, response string) error {
	if err := callback.RequireIdentitySigner(execCtx, 0, p.cfg.Oracle.IdentityAddress()); err != nil {
		return err
	}
	user, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	mintAcct, _, err := p.borrowPda(execCtx, 2, []byte(MintSeed))
	if err != nil {
		return err
	}
	balanceAcct, _, err := p.borrowPda(execCtx, 3, []byte(BalanceSeed), user.Key().Bytes())
	if err != nil {
		return err
	}

	reply := ParseReply(response)
	execCtx.Logf("Agent Reply: %q", reply.Reply)
	execCtx.Logf("Amount: %d", reply.Amount)
	if reply.Amount == 0 {
		return nil
	}

	mint, err := UnmarshalMint(mintAcct.Data())
	if err != nil {
		return err
	}
	balance, err := UnmarshalBalance(balanceAcct.Data())
	if err != nil {
		return err
	}

	scale := uint64(1)
	for i := uint8(0); i < mint.Decimals; i++ {
		scale *= 10
	}
	minted, err := safemath.CheckedMulU64(reply.Amount, scale)
	if err != nil {
		return sealevel.InstrErrArithmeticOverflow
	}
	if mint.Supply, err = safemath.CheckedAddU64(mint.Supply, minted); err != nil {
		return sealevel.InstrErrArithmeticOverflow
	}
	if balance.Amount, err = safemath.CheckedAddU64(balance.Amount, minted); err != nil {
		return sealevel.InstrErrArithmeticOverflow
	}

	if err = mintAcct.SetDataAt(0, mint.Marshal()); err != nil {
		return err
	}
	return balanceAcct.SetDataAt(0, balance.Marshal())
}
