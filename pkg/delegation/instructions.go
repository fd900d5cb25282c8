package delegation

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	DelegateDiscriminator          = sealevel.IndexDiscriminator(0)
	CommitStateDiscriminator       = sealevel.IndexDiscriminator(1)
	FinalizeDiscriminator          = sealevel.IndexDiscriminator(2)
	UndelegateDiscriminator        = sealevel.IndexDiscriminator(3)
	AllowUndelegationDiscriminator = sealevel.IndexDiscriminator(4)
	CallHandlerDiscriminator       = sealevel.IndexDiscriminator(5)
)

// Instruction is one decoded delegation program instruction.
type Instruction interface {
	Discriminator() sealevel.Discriminator
	MarshalWithEncoder(encoder *bin.Encoder) error
}

type DelegateArgs struct {
	CommitFrequencyMs uint32
	// Seeds derive the delegated account under its owner program, without
	// the bump seed.
	Seeds     [][]byte
	Validator *solana.PublicKey
}

func (args *DelegateArgs) Discriminator() sealevel.Discriminator { return DelegateDiscriminator }

func (args *DelegateArgs) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	args.CommitFrequencyMs, err = decoder.ReadUint32(bin.LE)
	if err != nil {
		return err
	}
	args.Seeds, err = util.ReadBorshSeeds(decoder)
	if err != nil {
		return err
	}
	validator, err := util.ReadOptionPubkey(decoder)
	if err != nil {
		return err
	}
	if validator != nil {
		pk := solana.PublicKey(*validator)
		args.Validator = &pk
	}
	return nil
}

func (args *DelegateArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteUint32(args.CommitFrequencyMs, bin.LE)
	if err := util.WriteBorshSeeds(encoder, args.Seeds); err != nil {
		return err
	}
	if args.Validator == nil {
		return util.WriteOptionPubkey(encoder, nil)
	}
	pk := [32]byte(*args.Validator)
	return util.WriteOptionPubkey(encoder, &pk)
}

type CommitStateArgs struct {
	Nonce             uint64
	Lamports          uint64
	AllowUndelegation bool
	Data              []byte
}

func (args *CommitStateArgs) Discriminator() sealevel.Discriminator { return CommitStateDiscriminator }

func (args *CommitStateArgs) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	args.Nonce, err = decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}
	args.Lamports, err = decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}
	args.AllowUndelegation, err = decoder.ReadBool()
	if err != nil {
		return err
	}
	args.Data, err = util.ReadBorshBytes(decoder)
	return err
}

func (args *CommitStateArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteUint64(args.Nonce, bin.LE)
	_ = encoder.WriteUint64(args.Lamports, bin.LE)
	_ = encoder.WriteBool(args.AllowUndelegation)
	return util.WriteBorshBytes(encoder, args.Data)
}

type FinalizeArgs struct{}

func (args *FinalizeArgs) Discriminator() sealevel.Discriminator { return FinalizeDiscriminator }

func (args *FinalizeArgs) MarshalWithEncoder(encoder *bin.Encoder) error { return nil }

type UndelegateArgs struct{}

func (args *UndelegateArgs) Discriminator() sealevel.Discriminator { return UndelegateDiscriminator }

func (args *UndelegateArgs) MarshalWithEncoder(encoder *bin.Encoder) error { return nil }

type AllowUndelegationArgs struct{}

func (args *AllowUndelegationArgs) Discriminator() sealevel.Discriminator {
	return AllowUndelegationDiscriminator
}

func (args *AllowUndelegationArgs) MarshalWithEncoder(encoder *bin.Encoder) error { return nil }

// CallHandlerArgs are the action arguments forwarded to the destination
// program of a call handler.
type CallHandlerArgs struct {
	EscrowIndex uint8
	Data        []byte
}

func (args *CallHandlerArgs) Discriminator() sealevel.Discriminator { return CallHandlerDiscriminator }

func (args *CallHandlerArgs) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var err error
	args.EscrowIndex, err = decoder.ReadUint8()
	if err != nil {
		return err
	}
	args.Data, err = util.ReadBorshBytes(decoder)
	return err
}

func (args *CallHandlerArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteUint8(args.EscrowIndex)
	return util.WriteBorshBytes(encoder, args.Data)
}

// DecodeInstruction maps raw instruction data onto its typed instruction.
func DecodeInstruction(data []byte) (Instruction, error) {
	disc, payload, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}

	decoder := bin.NewBinDecoder(payload)
	var instr Instruction

	switch disc {
	case DelegateDiscriminator:
		args := new(DelegateArgs)
		err = args.UnmarshalWithDecoder(decoder)
		instr = args
	case CommitStateDiscriminator:
		args := new(CommitStateArgs)
		err = args.UnmarshalWithDecoder(decoder)
		instr = args
	case FinalizeDiscriminator:
		instr = new(FinalizeArgs)
	case UndelegateDiscriminator:
		instr = new(UndelegateArgs)
	case AllowUndelegationDiscriminator:
		instr = new(AllowUndelegationArgs)
	case CallHandlerDiscriminator:
		args := new(CallHandlerArgs)
		err = args.UnmarshalWithDecoder(decoder)
		instr = args
	default:
		return nil, sealevel.InstrErrInvalidInstructionData
	}

	if err != nil {
		return nil, sealevel.InstrErrInvalidInstructionData
	}
	return instr, nil
}

func EncodeInstruction(instr Instruction) []byte {
	buf := new(bytes.Buffer)
	disc := instr.Discriminator()
	buf.Write(disc[:])
	_ = instr.MarshalWithEncoder(bin.NewBinEncoder(buf))
	return buf.Bytes()
}

// NewDelegateInstruction is issued by the owner program once it has copied
// the account into its buffer and assigned it to the delegation program.
func NewDelegateInstruction(programID, payer, delegated, ownerProgram solana.PublicKey, args *DelegateArgs) sealevel.Instruction {
	buffer, _ := FindBufferAddress(ownerProgram, delegated)
	record, _ := FindDelegationRecordAddress(programID, delegated)
	metadata, _ := FindDelegationMetadataAddress(programID, delegated)

	return sealevel.Instruction{
		ProgramId: programID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(payer),
			sealevel.WritableSigner(delegated),
			sealevel.ReadOnly(ownerProgram),
			sealevel.Writable(buffer),
			sealevel.Writable(record),
			sealevel.Writable(metadata),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: EncodeInstruction(args),
	}
}

func NewCommitStateInstruction(programID, validator, delegated solana.PublicKey, args *CommitStateArgs) sealevel.Instruction {
	commitState, _ := FindCommitStateAddress(programID, delegated)
	commitRecord, _ := FindCommitRecordAddress(programID, delegated)
	record, _ := FindDelegationRecordAddress(programID, delegated)
	metadata, _ := FindDelegationMetadataAddress(programID, delegated)

	return sealevel.Instruction{
		ProgramId: programID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(validator),
			sealevel.ReadOnly(delegated),
			sealevel.Writable(commitState),
			sealevel.Writable(commitRecord),
			sealevel.ReadOnly(record),
			sealevel.ReadOnly(metadata),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: EncodeInstruction(args),
	}
}

func NewFinalizeInstruction(programID, validator, delegated solana.PublicKey) sealevel.Instruction {
	commitState, _ := FindCommitStateAddress(programID, delegated)
	commitRecord, _ := FindCommitRecordAddress(programID, delegated)
	record, _ := FindDelegationRecordAddress(programID, delegated)
	metadata, _ := FindDelegationMetadataAddress(programID, delegated)

	return sealevel.Instruction{
		ProgramId: programID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(validator),
			sealevel.Writable(delegated),
			sealevel.Writable(commitState),
			sealevel.Writable(commitRecord),
			sealevel.ReadOnly(record),
			sealevel.Writable(metadata),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: EncodeInstruction(&FinalizeArgs{}),
	}
}

func NewUndelegateInstruction(programID, validator, delegated, ownerProgram, rentPayer solana.PublicKey) sealevel.Instruction {
	undelegateBuffer, _ := FindUndelegateBufferAddress(programID, delegated)
	commitState, _ := FindCommitStateAddress(programID, delegated)
	commitRecord, _ := FindCommitRecordAddress(programID, delegated)
	record, _ := FindDelegationRecordAddress(programID, delegated)
	metadata, _ := FindDelegationMetadataAddress(programID, delegated)

	return sealevel.Instruction{
		ProgramId: programID,
		Accounts: []sealevel.AccountMeta{
			sealevel.WritableSigner(validator),
			sealevel.Writable(delegated),
			sealevel.ReadOnly(ownerProgram),
			sealevel.Writable(undelegateBuffer),
			sealevel.ReadOnly(commitState),
			sealevel.ReadOnly(commitRecord),
			sealevel.Writable(record),
			sealevel.Writable(metadata),
			sealevel.Writable(rentPayer),
			sealevel.ReadOnly(sealevel.SystemProgramAddr),
		},
		Data: EncodeInstruction(&UndelegateArgs{}),
	}
}

// NewAllowUndelegationInstruction is issued by the owner program, which
// signs with its delegation buffer PDA.
func NewAllowUndelegationInstruction(programID, delegated, ownerProgram solana.PublicKey) sealevel.Instruction {
	record, _ := FindDelegationRecordAddress(programID, delegated)
	metadata, _ := FindDelegationMetadataAddress(programID, delegated)
	buffer, _ := FindBufferAddress(ownerProgram, delegated)

	return sealevel.Instruction{
		ProgramId: programID,
		Accounts: []sealevel.AccountMeta{
			sealevel.ReadOnly(delegated),
			sealevel.ReadOnly(record),
			sealevel.Writable(metadata),
			sealevel.Signer(buffer),
		},
		Data: EncodeInstruction(&AllowUndelegationArgs{}),
	}
}

func NewCallHandlerInstruction(programID, validator, escrowAuthority, destination solana.PublicKey, args *CallHandlerArgs, handlerAccounts []sealevel.AccountMeta) sealevel.Instruction {
	escrow, _ := FindEscrowAddress(programID, escrowAuthority, args.EscrowIndex)

	metas := []sealevel.AccountMeta{
		sealevel.WritableSigner(validator),
		sealevel.Writable(escrow),
		sealevel.ReadOnly(escrowAuthority),
		sealevel.ReadOnly(destination),
	}
	metas = append(metas, handlerAccounts...)

	return sealevel.Instruction{ProgramId: programID, Accounts: metas, Data: EncodeInstruction(args)}
}
