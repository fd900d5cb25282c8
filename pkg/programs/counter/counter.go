// Package counter is the counter example program: a per-initializer u64
// counter that can be delegated to an ephemeral bank, incremented there and
// committed back, plus a global leaderboard updated by a call handler.
package counter

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/Overclock-Validator/ephemeral/pkg/ersdk"
	"github.com/Overclock-Validator/ephemeral/pkg/magic"
	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

const (
	DefaultProgramIDStr = "852a53jomx7dGmkpbFPGXNJymRxywo3WsH1vusNASJRr"
	DefaultSeedTag      = "counter"
	LeaderboardSeed     = "leaderboard"

	CounterSize     = 8
	LeaderboardSize = 8

	LeaderboardEscrowIndex   = 1
	LeaderboardComputeUnits  = 200_000
	CUCounterProgramDefaults = sealevel.CUUserProgramComputeUnits
)

var DefaultProgramID solana.PublicKey = base58.MustDecodeFromString(DefaultProgramIDStr)

type Config struct {
	ProgramID solana.PublicKey
	// SeedTag is the first seed of every counter address.
	SeedTag string
	SDK     ersdk.Config
}

func DefaultConfig() Config {
	return Config{ProgramID: DefaultProgramID, SeedTag: DefaultSeedTag, SDK: ersdk.DefaultConfig()}
}

func (cfg Config) CounterSeeds(initializer solana.PublicKey) [][]byte {
	return [][]byte{[]byte(cfg.SeedTag), initializer.Bytes()}
}

func (cfg Config) CounterAddress(initializer solana.PublicKey) solana.PublicKey {
	addr, _, err := sealevel.FindProgramAddress(cfg.CounterSeeds(initializer), cfg.ProgramID)
	if err != nil {
		klog.Errorf("unable to derive counter address: %s", err)
	}
	return addr
}

func (cfg Config) LeaderboardAddress() solana.PublicKey {
	addr, _, err := sealevel.FindProgramAddress([][]byte{[]byte(LeaderboardSeed)}, cfg.ProgramID)
	if err != nil {
		klog.Errorf("unable to derive leaderboard address: %s", err)
	}
	return addr
}

// ReadCount decodes counter (or leaderboard) account data.
func ReadCount(data []byte) (uint64, error) {
	count, err := bin.NewBinDecoder(data).ReadUint64(bin.LE)
	if err != nil {
		return 0, sealevel.InstrErrInvalidAccountData
	}
	return count, nil
}

func writeCount(acct *sealevel.BorrowedAccount, count uint64) error {
	buf := new(bytes.Buffer)
	if err := bin.NewBinEncoder(buf).WriteUint64(count, bin.LE); err != nil {
		return err
	}
	return acct.SetDataAt(0, buf.Bytes())
}

type Program struct {
	cfg Config
}

func New(cfg Config) *Program {
	return &Program{cfg: cfg}
}

func (p *Program) Config() Config {
	return p.cfg
}

func (p *Program) Execute(execCtx *sealevel.ExecutionCtx) error {
	err := execCtx.ComputeMeter.Consume(CUCounterProgramDefaults)
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
		execCtx.Logf("Instruction: InitializeCounter")
		return p.initialize(execCtx)
	case IncreaseCounter:
		execCtx.Logf("Instruction: IncreaseCounter")
		return p.increase(execCtx, ix.IncreaseBy)
	case Delegate:
		execCtx.Logf("Instruction: Delegate")
		return p.delegate(execCtx)
	case CommitAndUndelegate:
		execCtx.Logf("Instruction: CommitAndUndelegate")
		return p.commit(execCtx, true)
	case Commit:
		execCtx.Logf("Instruction: Commit")
		return p.commit(execCtx, false)
	case IncrementAndCommit:
		execCtx.Logf("Instruction: IncrementAndCommit")
		if err = p.increase(execCtx, ix.IncreaseBy); err != nil {
			return err
		}
		return p.commit(execCtx, false)
	case IncrementAndUndelegate:
		execCtx.Logf("Instruction: IncrementAndUndelegate")
		if err = p.increase(execCtx, ix.IncreaseBy); err != nil {
			return err
		}
		return p.commit(execCtx, true)
	case AllowUndelegation:
		execCtx.Logf("Instruction: AllowUndelegation")
		return p.allowUndelegation(execCtx)
	case CommitAndUpdateLeaderboard:
		execCtx.Logf("Instruction: CommitAndUpdateLeaderboard")
		return p.commitAndUpdateLeaderboard(execCtx)
	case InitializeLeaderboard:
		execCtx.Logf("Instruction: InitializeLeaderboard")
		return p.initializeLeaderboard(execCtx)
	case UpdateLeaderboard:
		execCtx.Logf("Instruction: UpdateLeaderboard")
		return p.updateLeaderboard(execCtx)
	case UndelegateCallback:
		execCtx.Logf("Instruction: Undelegate")
		return ersdk.UndelegateAccount(execCtx, p.cfg.SDK, ix.Data)
	default:
		return sealevel.InstrErrInvalidInstructionData
	}
}

// borrowCounter borrows the initializer (account 0) and its counter
// (account 1), rejecting a counter that does not derive from the
// initializer.
func (p *Program) borrowCounter(execCtx *sealevel.ExecutionCtx) (*sealevel.BorrowedAccount, *sealevel.BorrowedAccount, uint8, error) {
	initializer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return nil, nil, 0, err
	}
	counter, err := execCtx.BorrowAccount(1)
	if err != nil {
		return nil, nil, 0, err
	}

	addr, bump, err := sealevel.FindProgramAddress(p.cfg.CounterSeeds(initializer.Key()), p.cfg.ProgramID)
	if err != nil || addr != counter.Key() {
		execCtx.Logf("Invalid seeds for PDA")
		return nil, nil, 0, sealevel.InstrErrInvalidArgument
	}
	return initializer, counter, bump, nil
}

func (p *Program) initialize(execCtx *sealevel.ExecutionCtx) error {
	initializer, counter, bump, err := p.borrowCounter(execCtx)
	if err != nil {
		return err
	}
	if !initializer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}

	// an existing counter is reset rather than recreated
	if counter.Lamports() == 0 {
		seeds := append(p.cfg.CounterSeeds(initializer.Key()), []byte{bump})
		signer, err := sealevel.NewSignerSeeds(p.cfg.ProgramID, seeds...)
		if err != nil {
			return err
		}
		if err = execCtx.InvokeCreateAccount(initializer.Key(), signer, CounterSize, p.cfg.ProgramID); err != nil {
			return err
		}
		execCtx.Logf("Counter account %s created with its owner %s", counter.Key(), counter.Owner())
	}

	if err = writeCount(counter, 0); err != nil {
		return err
	}
	execCtx.Logf("PDA %s count: 0", counter.Key())
	return nil
}

func (p *Program) increase(execCtx *sealevel.ExecutionCtx, increaseBy uint64) error {
	_, counter, _, err := p.borrowCounter(execCtx)
	if err != nil {
		return err
	}

	count, err := ReadCount(counter.Data())
	if err != nil {
		return err
	}
	count, err = safemath.CheckedAddU64(count, increaseBy)
	if err != nil {
		return sealevel.InstrErrArithmeticOverflow
	}
	if err = writeCount(counter, count); err != nil {
		return err
	}

	execCtx.Logf("PDA %s count: %d", counter.Key(), count)
	return nil
}

func (p *Program) delegate(execCtx *sealevel.ExecutionCtx) error {
	initializer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if !initializer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}
	counter, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}

	return ersdk.DelegateAccount(execCtx, p.cfg.SDK, initializer.Key(), counter.Key(),
		p.cfg.CounterSeeds(initializer.Key()), ersdk.DefaultDelegateConfig())
}

func (p *Program) commit(execCtx *sealevel.ExecutionCtx, undelegate bool) error {
	initializer, counter, _, err := p.borrowCounter(execCtx)
	if err != nil {
		return err
	}
	if !initializer.IsSigner() {
		execCtx.Logf("Initializer %s should be the signer", initializer.Key())
		return sealevel.InstrErrMissingRequiredSignature
	}

	committees := []solana.PublicKey{counter.Key()}
	if undelegate {
		return ersdk.CommitAndUndelegateAccounts(execCtx, p.cfg.SDK, initializer.Key(), committees)
	}
	return ersdk.CommitAccounts(execCtx, p.cfg.SDK, initializer.Key(), committees)
}

// allowUndelegation only lets the counter go once it has been incremented.
func (p *Program) allowUndelegation(execCtx *sealevel.ExecutionCtx) error {
	counter, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	count, err := ReadCount(counter.Data())
	if err != nil {
		return err
	}
	if count == 0 {
		execCtx.Logf("Counter is 0, undelegation is not allowed")
		return nil
	}

	execCtx.Logf("Counter is greater than 0, undelegation is allowed")
	return ersdk.AllowUndelegation(execCtx, p.cfg.SDK, counter.Key())
}

func (p *Program) initializeLeaderboard(execCtx *sealevel.ExecutionCtx) error {
	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	leaderboard, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	if !payer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}

	signer, _, err := sealevel.FindSignerSeeds(p.cfg.ProgramID, []byte(LeaderboardSeed))
	if err != nil {
		return err
	}
	if signer.Address() != leaderboard.Key() {
		return sealevel.InstrErrInvalidArgument
	}
	if leaderboard.Lamports() > 0 {
		return nil
	}
	if err = execCtx.InvokeCreateAccount(payer.Key(), signer, LeaderboardSize, p.cfg.ProgramID); err != nil {
		return err
	}
	return writeCount(leaderboard, 0)
}

func (p *Program) commitAndUpdateLeaderboard(execCtx *sealevel.ExecutionCtx) error {
	initializer, counter, _, err := p.borrowCounter(execCtx)
	if err != nil {
		return err
	}
	if !initializer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}

	handler := magic.CallHandler{
		Destination:     p.cfg.ProgramID,
		EscrowAuthority: initializer.Key(),
		EscrowIndex:     LeaderboardEscrowIndex,
		Accounts: []magic.HandlerAccount{
			{Pubkey: p.cfg.LeaderboardAddress(), IsWritable: true},
			{Pubkey: counter.Key()},
		},
		ComputeUnits: LeaderboardComputeUnits,
	}
	return ersdk.CommitWithHandlers(execCtx, p.cfg.SDK, initializer.Key(), []solana.PublicKey{counter.Key()}, false, []magic.CallHandler{handler})
}

// updateLeaderboard runs as a call handler: [escrow, escrow authority,
// leaderboard, counter].
func (p *Program) updateLeaderboard(execCtx *sealevel.ExecutionCtx) error {
	if _, err := ersdk.VerifyCallHandler(execCtx, p.cfg.SDK); err != nil {
		return err
	}

	escrowAuthority, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	leaderboard, err := execCtx.BorrowAccount(2)
	if err != nil {
		return err
	}
	counter, err := execCtx.BorrowAccount(3)
	if err != nil {
		return err
	}
	if leaderboard.Key() != p.cfg.LeaderboardAddress() {
		return sealevel.InstrErrInvalidArgument
	}
	if counter.Key() != p.cfg.CounterAddress(escrowAuthority.Key()) {
		execCtx.Logf("Invalid seeds for PDA")
		return sealevel.InstrErrInvalidArgument
	}
	// the counter may still be delegated on the base bank
	if counter.Owner() != p.cfg.ProgramID && counter.Owner() != p.cfg.SDK.DelegationProgramID {
		return sealevel.InstrErrInvalidAccountOwner
	}

	count, err := ReadCount(counter.Data())
	if err != nil {
		return err
	}
	highScore, err := ReadCount(leaderboard.Data())
	if err != nil {
		return err
	}
	if count > highScore {
		highScore = count
		if err = writeCount(leaderboard, highScore); err != nil {
			return err
		}
	}

	execCtx.Logf("Leaderboard updated! High score: %d", highScore)
	return nil
}
