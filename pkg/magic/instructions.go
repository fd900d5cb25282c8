package magic

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ScheduleCommitDiscriminator              = sealevel.IndexDiscriminator(0)
	ScheduleCommitAndUndelegateDiscriminator = sealevel.IndexDiscriminator(1)
	ScheduleCommitWithHandlerDiscriminator   = sealevel.IndexDiscriminator(2)
	AcceptScheduledCommitsDiscriminator      = sealevel.IndexDiscriminator(3)
)

type Instruction interface {
	Discriminator() sealevel.Discriminator
	MarshalWithEncoder(encoder *bin.Encoder) error
}

type ScheduleCommitArgs struct{}

func (args *ScheduleCommitArgs) Discriminator() sealevel.Discriminator {
	return ScheduleCommitDiscriminator
}

func (args *ScheduleCommitArgs) MarshalWithEncoder(encoder *bin.Encoder) error { return nil }

type ScheduleCommitAndUndelegateArgs struct{}

func (args *ScheduleCommitAndUndelegateArgs) Discriminator() sealevel.Discriminator {
	return ScheduleCommitAndUndelegateDiscriminator
}

func (args *ScheduleCommitAndUndelegateArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return nil
}

// ScheduleCommitWithHandlerArgs schedules a commit, optionally undelegating,
// with call handlers run after it lands on the base bank.
type ScheduleCommitWithHandlerArgs struct {
	Undelegate bool
	Handlers   []CallHandler
}

func (args *ScheduleCommitWithHandlerArgs) Discriminator() sealevel.Discriminator {
	return ScheduleCommitWithHandlerDiscriminator
}

func (args *ScheduleCommitWithHandlerArgs) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if args.Undelegate, err = decoder.ReadBool(); err != nil {
		return err
	}
	n, err := readLen(decoder, maxHandlers, "call handlers")
	if err != nil {
		return err
	}
	args.Handlers = make([]CallHandler, n)
	for i := range args.Handlers {
		if err = args.Handlers[i].UnmarshalWithDecoder(decoder); err != nil {
			return err
		}
	}
	return nil
}

func (args *ScheduleCommitWithHandlerArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteBool(args.Undelegate)
	_ = encoder.WriteUint32(uint32(len(args.Handlers)), bin.LE)
	for i := range args.Handlers {
		_ = args.Handlers[i].MarshalWithEncoder(encoder)
	}
	return nil
}

type AcceptScheduledCommitsArgs struct{}

func (args *AcceptScheduledCommitsArgs) Discriminator() sealevel.Discriminator {
	return AcceptScheduledCommitsDiscriminator
}

func (args *AcceptScheduledCommitsArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return nil
}

func DecodeInstruction(data []byte) (Instruction, error) {
	disc, payload, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}

	switch disc {
	case ScheduleCommitDiscriminator:
		return &ScheduleCommitArgs{}, nil
	case ScheduleCommitAndUndelegateDiscriminator:
		return &ScheduleCommitAndUndelegateArgs{}, nil
	case ScheduleCommitWithHandlerDiscriminator:
		var args ScheduleCommitWithHandlerArgs
		if err = args.UnmarshalWithDecoder(bin.NewBinDecoder(payload)); err != nil {
			return nil, sealevel.InstrErrInvalidInstructionData
		}
		return &args, nil
	case AcceptScheduledCommitsDiscriminator:
		return &AcceptScheduledCommitsArgs{}, nil
	default:
		return nil, sealevel.InstrErrInvalidInstructionData
	}
}

func EncodeInstruction(instr Instruction) []byte {
	buf := new(bytes.Buffer)
	disc := instr.Discriminator()
	buf.Write(disc[:])
	_ = instr.MarshalWithEncoder(bin.NewBinEncoder(buf))
	return buf.Bytes()
}

func scheduleInstruction(cfg Config, payer solana.PublicKey, committees []solana.PublicKey, instr Instruction) sealevel.Instruction {
	metas := []sealevel.AccountMeta{
		sealevel.WritableSigner(payer),
		sealevel.Writable(cfg.ContextID),
	}
	for _, committee := range committees {
		metas = append(metas, sealevel.ReadOnly(committee))
	}
	return sealevel.Instruction{ProgramId: cfg.ProgramID, Accounts: metas, Data: EncodeInstruction(instr)}
}

func NewScheduleCommitInstruction(cfg Config, payer solana.PublicKey, committees []solana.PublicKey) sealevel.Instruction {
	return scheduleInstruction(cfg, payer, committees, &ScheduleCommitArgs{})
}

func NewScheduleCommitAndUndelegateInstruction(cfg Config, payer solana.PublicKey, committees []solana.PublicKey) sealevel.Instruction {
	return scheduleInstruction(cfg, payer, committees, &ScheduleCommitAndUndelegateArgs{})
}

// NewScheduleCommitWithHandlerInstruction schedules handlers whose escrow
// authority is payer.
func NewScheduleCommitWithHandlerInstruction(cfg Config, payer solana.PublicKey, committees []solana.PublicKey, args *ScheduleCommitWithHandlerArgs) sealevel.Instruction {
	return scheduleInstruction(cfg, payer, committees, args)
}

func NewAcceptScheduledCommitsInstruction(cfg Config, validator solana.PublicKey) sealevel.Instruction {
	return sealevel.Instruction{
		ProgramId: cfg.ProgramID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(validator),
			sealevel.Writable(cfg.ContextID),
		},
		Data: EncodeInstruction(&AcceptScheduledCommitsArgs{}),
	}
}
