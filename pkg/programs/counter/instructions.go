package counter

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/ersdk"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	InitializeDiscriminator                 = sealevel.IndexDiscriminator(0)
	IncreaseCounterDiscriminator            = sealevel.IndexDiscriminator(1)
	DelegateDiscriminator                   = sealevel.IndexDiscriminator(2)
	CommitAndUndelegateDiscriminator        = sealevel.IndexDiscriminator(3)
	CommitDiscriminator                     = sealevel.IndexDiscriminator(4)
	IncrementAndCommitDiscriminator         = sealevel.IndexDiscriminator(5)
	IncrementAndUndelegateDiscriminator     = sealevel.IndexDiscriminator(6)
	AllowUndelegationDiscriminator          = sealevel.IndexDiscriminator(7)
	CommitAndUpdateLeaderboardDiscriminator = sealevel.IndexDiscriminator(8)
	InitializeLeaderboardDiscriminator      = sealevel.IndexDiscriminator(9)
)

// Instruction is a decoded counter instruction.
type Instruction interface {
	isCounterInstruction()
}

type Initialize struct{}

type IncreaseCounter struct {
	IncreaseBy uint64
}

type Delegate struct{}

type CommitAndUndelegate struct{}

type Commit struct{}

type IncrementAndCommit struct {
	IncreaseBy uint64
}

type IncrementAndUndelegate struct {
	IncreaseBy uint64
}

type AllowUndelegation struct{}

type CommitAndUpdateLeaderboard struct{}

type InitializeLeaderboard struct{}

// UpdateLeaderboard is the call handler run on the base bank after a
// CommitAndUpdateLeaderboard commit lands.
type UpdateLeaderboard struct {
	Args *delegation.ActionArgs
}

// UndelegateCallback is sent by the delegation program to restore the
// counter on undelegation.
type UndelegateCallback struct {
	Data []byte
}

func (Initialize) isCounterInstruction()                 {}
func (IncreaseCounter) isCounterInstruction()            {}
func (Delegate) isCounterInstruction()                   {}
func (CommitAndUndelegate) isCounterInstruction()        {}
func (Commit) isCounterInstruction()                     {}
func (IncrementAndCommit) isCounterInstruction()         {}
func (IncrementAndUndelegate) isCounterInstruction()     {}
func (AllowUndelegation) isCounterInstruction()          {}
func (CommitAndUpdateLeaderboard) isCounterInstruction() {}
func (InitializeLeaderboard) isCounterInstruction()      {}
func (UpdateLeaderboard) isCounterInstruction()          {}
func (UndelegateCallback) isCounterInstruction()         {}

func decodeIncreaseBy(payload []byte) (uint64, error) {
	increaseBy, err := bin.NewBinDecoder(payload).ReadUint64(bin.LE)
	if err != nil {
		return 0, sealevel.InstrErrInvalidInstructionData
	}
	return increaseBy, nil
}

// DecodeInstruction maps instruction data onto a typed counter instruction.
func DecodeInstruction(data []byte) (Instruction, error) {
	disc, payload, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}

	switch disc {
	case InitializeDiscriminator:
		return Initialize{}, nil
	case IncreaseCounterDiscriminator:
		increaseBy, err := decodeIncreaseBy(payload)
		if err != nil {
			return nil, err
		}
		return IncreaseCounter{IncreaseBy: increaseBy}, nil
	case DelegateDiscriminator:
		return Delegate{}, nil
	case CommitAndUndelegateDiscriminator:
		return CommitAndUndelegate{}, nil
	case CommitDiscriminator:
		return Commit{}, nil
	case IncrementAndCommitDiscriminator:
		increaseBy, err := decodeIncreaseBy(payload)
		if err != nil {
			return nil, err
		}
		return IncrementAndCommit{IncreaseBy: increaseBy}, nil
	case IncrementAndUndelegateDiscriminator:
		increaseBy, err := decodeIncreaseBy(payload)
		if err != nil {
			return nil, err
		}
		return IncrementAndUndelegate{IncreaseBy: increaseBy}, nil
	case AllowUndelegationDiscriminator:
		return AllowUndelegation{}, nil
	case CommitAndUpdateLeaderboardDiscriminator:
		return CommitAndUpdateLeaderboard{}, nil
	case InitializeLeaderboardDiscriminator:
		return InitializeLeaderboard{}, nil
	case delegation.ExternalCallHandlerDiscriminator:
		args, err := delegation.DecodeActionArgs(data)
		if err != nil {
			return nil, err
		}
		return UpdateLeaderboard{Args: args}, nil
	case delegation.UndelegateCallbackDiscriminator:
		return UndelegateCallback{Data: data}, nil
	default:
		return nil, sealevel.InstrErrInvalidInstructionData
	}
}

func encode(disc sealevel.Discriminator, increaseBy *uint64) []byte {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if increaseBy != nil {
		_ = bin.NewBinEncoder(buf).WriteUint64(*increaseBy, bin.LE)
	}
	return buf.Bytes()
}

func NewInitializeInstruction(cfg Config, initializer solana.PublicKey) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(initializer),
			sealevel.Writable(cfg.CounterAddress(initializer)),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: encode(InitializeDiscriminator, nil),
	}
}

func NewIncreaseCounterInstruction(cfg Config, initializer solana.PublicKey, increaseBy uint64) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.Signer(initializer),
			sealevel.Writable(cfg.CounterAddress(initializer)),
		},
		Data: encode(IncreaseCounterDiscriminator, &increaseBy),
	}
}

func NewDelegateInstruction(cfg Config, initializer solana.PublicKey) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts:  ersdk.DelegateAccountMetas(cfg.SDK, initializer, cfg.CounterAddress(initializer), cfg.ProgramID),
		Data:      encode(DelegateDiscriminator, nil),
	}
}

func commitInstruction(cfg Config, initializer solana.PublicKey, disc sealevel.Discriminator, increaseBy *uint64) sealevel.Instruction {
	metas := []sealevel.AccountMeta{
		sealevel.WritableSigner(initializer),
		sealevel.Writable(cfg.CounterAddress(initializer)),
		sealevel.ReadOnly(cfg.SDK.MagicProgramID),
		sealevel.Writable(cfg.SDK.MagicContextID),
	}
	return sealevel.Instruction{ProgramId: cfg.ProgramID, Accounts: metas, Data: encode(disc, increaseBy)}
}

func NewCommitInstruction(cfg Config, initializer solana.PublicKey) sealevel.Instruction {
	return commitInstruction(cfg, initializer, CommitDiscriminator, nil)
}

func NewCommitAndUndelegateInstruction(cfg Config, initializer solana.PublicKey) sealevel.Instruction {
	return commitInstruction(cfg, initializer, CommitAndUndelegateDiscriminator, nil)
}

func NewIncrementAndCommitInstruction(cfg Config, initializer solana.PublicKey, increaseBy uint64) sealevel.Instruction {
	return commitInstruction(cfg, initializer, IncrementAndCommitDiscriminator, &increaseBy)
}

func NewIncrementAndUndelegateInstruction(cfg Config, initializer solana.PublicKey, increaseBy uint64) sealevel.Instruction {
	return commitInstruction(cfg, initializer, IncrementAndUndelegateDiscriminator, &increaseBy)
}

func NewAllowUndelegationInstruction(cfg Config, initializer solana.PublicKey) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts:  ersdk.AllowUndelegationAccountMetas(cfg.SDK, cfg.CounterAddress(initializer), cfg.ProgramID),
		Data:      encode(AllowUndelegationDiscriminator, nil),
	}
}

func NewInitializeLeaderboardInstruction(cfg Config, payer solana.PublicKey) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.Writable(cfg.LeaderboardAddress()),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: encode(InitializeLeaderboardDiscriminator, nil),
	}
}

// NewCommitAndUpdateLeaderboardInstruction commits the initializer's counter
// and schedules the leaderboard update on the base bank.
func NewCommitAndUpdateLeaderboardInstruction(cfg Config, initializer solana.PublicKey) sealevel.Instruction {
	ix := commitInstruction(cfg, initializer, CommitAndUpdateLeaderboardDiscriminator, nil)
	ix.Accounts = append(ix.Accounts, sealevel.ReadOnly(cfg.LeaderboardAddress()))
	return ix
}
