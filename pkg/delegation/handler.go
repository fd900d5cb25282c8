package delegation

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	bin "github.com/gagliardetto/binary"
	"github.com/minio/sha256-simd"
	"k8s.io/klog/v2"
)

// ExternalCallHandlerDiscriminator prefixes the instruction a call handler
// destination receives after its commit has been finalized.
var ExternalCallHandlerDiscriminator = func() sealevel.Discriminator {
	var d sealevel.Discriminator
	sum := sha256.Sum256([]byte("magic:external-call-handler"))
	copy(d[:], sum[:8])
	return d
}()

// ActionArgs is the payload handed to a call handler destination.
type ActionArgs struct {
	EscrowIndex uint8
	Data        []byte
}

func (args *ActionArgs) MarshalWithEncoder(encoder *bin.Encoder) error {
	return (&CallHandlerArgs{EscrowIndex: args.EscrowIndex, Data: args.Data}).MarshalWithEncoder(encoder)
}

func (args *ActionArgs) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	var inner CallHandlerArgs
	if err := inner.UnmarshalWithDecoder(decoder); err != nil {
		return err
	}
	args.EscrowIndex, args.Data = inner.EscrowIndex, inner.Data
	return nil
}

// DecodeActionArgs parses the data of an external call handler instruction.
func DecodeActionArgs(data []byte) (*ActionArgs, error) {
	disc, rest, err := sealevel.SplitDiscriminator(data)
	if err != nil {
		return nil, err
	}
	if disc != ExternalCallHandlerDiscriminator {
		return nil, sealevel.InstrErrInvalidInstructionData
	}
	var args ActionArgs
	if err = args.UnmarshalWithDecoder(bin.NewBinDecoder(rest)); err != nil {
		return nil, sealevel.InstrErrInvalidInstructionData
	}
	return &args, nil
}

// EncodeActionArgs builds the instruction data a call handler destination
// receives.
func EncodeActionArgs(args *ActionArgs) []byte {
	buf := new(bytes.Buffer)
	buf.Write(ExternalCallHandlerDiscriminator[:])
	_ = args.MarshalWithEncoder(bin.NewBinEncoder(buf))
	return buf.Bytes()
}

func (p *Program) processCallHandler(execCtx *sealevel.ExecutionCtx, args *CallHandlerArgs) error {
	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(4); err != nil {
		return err
	}

	validator, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	escrow, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	escrowAuthority, err := execCtx.BorrowAccount(2)
	if err != nil {
		return err
	}
	destination, err := execCtx.BorrowAccount(3)
	if err != nil {
		return err
	}

	if !validator.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}
	if !p.IsValidator(validator.Key()) {
		klog.Errorf("call handler: %s is not a registered validator", validator.Key())
		return DelegationErrInvalidAuthority
	}
	if destination.Key() == p.programID || destination.Key() == sealevel.SystemProgramAddr {
		return sealevel.InstrErrIncorrectProgramId
	}

	authorityKey := escrowAuthority.Key()
	escrowSigner, err := p.signerSeeds([]byte(SeedEscrow), authorityKey[:], []byte{args.EscrowIndex})
	if err != nil {
		return err
	}
	if err = p.expectAddress(escrow, escrowSigner.Address()); err != nil {
		return err
	}

	txCtx := execCtx.TransactionContext
	metas := []sealevel.AccountMeta{
		{Pubkey: escrow.Key(), IsSigner: true, IsWritable: true},
		sealevel.ReadOnly(authorityKey),
	}
	for _, instrAcct := range instrCtx.InstructionAccounts[4:] {
		key, err := txCtx.KeyOfAccountAtIndex(instrAcct.IndexInTransaction)
		if err != nil {
			return err
		}
		metas = append(metas, sealevel.AccountMeta{Pubkey: key, IsWritable: instrAcct.IsWritable})
	}

	ix := sealevel.Instruction{
		ProgramId: destination.Key(),
		Accounts:  metas,
		Data:      EncodeActionArgs(&ActionArgs{EscrowIndex: args.EscrowIndex, Data: args.Data}),
	}
	if err = execCtx.InvokeSigned(ix, escrowSigner); err != nil {
		klog.Errorf("call handler %s failed: %s", destination.Key(), err)
		return err
	}

	execCtx.Logf("call handler %s executed for %s", destination.Key(), authorityKey)
	return nil
}
