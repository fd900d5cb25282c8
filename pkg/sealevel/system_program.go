package sealevel

import (
	"bytes"
	"errors"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

// System program instruction tags. Only the subset the banks need is
// implemented.
const (
	SystemProgramInstrTypeCreateAccount uint32 = 0
	SystemProgramInstrTypeAssign        uint32 = 1
	SystemProgramInstrTypeTransfer      uint32 = 2
	SystemProgramInstrTypeAllocate      uint32 = 8
)

var (
	SystemProgErrAccountAlreadyInUse        = errors.New("SystemProgErrAccountAlreadyInUse")
	SystemProgErrInvalidAccountDataLength   = errors.New("SystemProgErrInvalidAccountDataLength")
	SystemProgErrResultWithNegativeLamports = errors.New("SystemProgErrResultWithNegativeLamports")
)

const maxInstructionDataLen = 1232

// systemInstr is a decoded system program instruction. Fields not carried
// by the tag are left zero.
type systemInstr struct {
	Tag      uint32
	Lamports uint64
	Space    uint64
	Owner    solana.PublicKey
}

func (instr *systemInstr) encode() []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(instr.Tag, bin.LE)
	switch instr.Tag {
	case SystemProgramInstrTypeCreateAccount:
		_ = enc.WriteUint64(instr.Lamports, bin.LE)
		_ = enc.WriteUint64(instr.Space, bin.LE)
		_ = enc.WriteBytes(instr.Owner[:], false)
	case SystemProgramInstrTypeAssign:
		_ = enc.WriteBytes(instr.Owner[:], false)
	case SystemProgramInstrTypeTransfer:
		_ = enc.WriteUint64(instr.Lamports, bin.LE)
	case SystemProgramInstrTypeAllocate:
		_ = enc.WriteUint64(instr.Space, bin.LE)
	}
	return buf.Bytes()
}

func decodeSystemInstr(data []byte) (*systemInstr, error) {
	dec := bin.NewBinDecoder(data)
	instr := new(systemInstr)
	var err error
	if instr.Tag, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, InstrErrInvalidInstructionData
	}

	readOwner := func() error {
		pk, err := dec.ReadBytes(solana.PublicKeyLength)
		copy(instr.Owner[:], pk)
		return err
	}
	switch instr.Tag {
	case SystemProgramInstrTypeCreateAccount:
		if instr.Lamports, err = dec.ReadUint64(bin.LE); err == nil {
			if instr.Space, err = dec.ReadUint64(bin.LE); err == nil {
				err = readOwner()
			}
		}
	case SystemProgramInstrTypeAssign:
		err = readOwner()
	case SystemProgramInstrTypeTransfer:
		instr.Lamports, err = dec.ReadUint64(bin.LE)
	case SystemProgramInstrTypeAllocate:
		instr.Space, err = dec.ReadUint64(bin.LE)
	default:
		return nil, InstrErrInvalidInstructionData
	}
	if err != nil || dec.Position() > maxInstructionDataLen {
		return nil, InstrErrInvalidInstructionData
	}
	return instr, nil
}

func systemInstruction(instr systemInstr, accounts ...AccountMeta) Instruction {
	return Instruction{ProgramId: SystemProgramAddr, Accounts: accounts, Data: instr.encode()}
}

func NewCreateAccountInstruction(from, to solana.PublicKey, lamports, space uint64, owner solana.PublicKey) Instruction {
	return systemInstruction(systemInstr{Tag: SystemProgramInstrTypeCreateAccount, Lamports: lamports, Space: space, Owner: owner},
		WritableSigner(from), WritableSigner(to))
}

func NewTransferInstruction(from, to solana.PublicKey, lamports uint64) Instruction {
	return systemInstruction(systemInstr{Tag: SystemProgramInstrTypeTransfer, Lamports: lamports},
		WritableSigner(from), Writable(to))
}

func NewAllocateInstruction(pubkey solana.PublicKey, space uint64) Instruction {
	return systemInstruction(systemInstr{Tag: SystemProgramInstrTypeAllocate, Space: space}, WritableSigner(pubkey))
}

func NewAssignInstruction(pubkey, owner solana.PublicKey) Instruction {
	return systemInstruction(systemInstr{Tag: SystemProgramInstrTypeAssign, Owner: owner}, WritableSigner(pubkey))
}

func SystemProgramExecute(execCtx *ExecutionCtx) error {
	if err := execCtx.ComputeMeter.Consume(CUSystemProgramDefaultComputeUnits); err != nil {
		return InstrErrComputationalBudgetExceeded
	}

	txCtx := execCtx.TransactionContext
	instrCtx, err := txCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	instr, err := decodeSystemInstr(instrCtx.Data)
	if err != nil {
		return err
	}
	signers, err := instrCtx.Signers(txCtx)
	if err != nil {
		return err
	}

	minAccounts := uint64(1)
	if instr.Tag == SystemProgramInstrTypeCreateAccount || instr.Tag == SystemProgramInstrTypeTransfer {
		minAccounts = 2
	}
	if err = instrCtx.CheckNumOfInstructionAccounts(minAccounts); err != nil {
		return err
	}

	switch instr.Tag {
	case SystemProgramInstrTypeCreateAccount:
		return createAccount(execCtx, instr, signers)
	case SystemProgramInstrTypeTransfer:
		return transfer(execCtx, instr.Lamports)
	}

	acct, err := instrCtx.BorrowInstructionAccount(txCtx, 0)
	if err != nil {
		return err
	}
	if instr.Tag == SystemProgramInstrTypeAssign {
		return assign(acct, instr.Owner, signers)
	}
	return allocate(acct, instr.Space, signers)
}

func createAccount(execCtx *ExecutionCtx, instr *systemInstr, signers []solana.PublicKey) error {
	to, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	if to.Lamports() > 0 {
		klog.V(3).Infof("create account: %s already in use", to.Key())
		return SystemProgErrAccountAlreadyInUse
	}
	if err = allocate(to, instr.Space, signers); err != nil {
		return err
	}
	if err = assign(to, instr.Owner, signers); err != nil {
		return err
	}
	return transfer(execCtx, instr.Lamports)
}

func allocate(acct *BorrowedAccount, space uint64, signers []solana.PublicKey) error {
	if err := verifySigner(acct.Key(), signers); err != nil {
		return err
	}
	if len(acct.Data()) != 0 || acct.Owner() != SystemProgramAddr {
		return SystemProgErrAccountAlreadyInUse
	}
	if space > MaxPermittedDataLength {
		return SystemProgErrInvalidAccountDataLength
	}
	return acct.SetDataLength(space)
}

func assign(acct *BorrowedAccount, owner solana.PublicKey, signers []solana.PublicKey) error {
	if acct.Owner() == owner {
		return nil
	}
	if err := verifySigner(acct.Key(), signers); err != nil {
		return err
	}
	return acct.SetOwner(owner)
}

// transfer moves lamports from instruction account 0 to account 1. The
// source must sign and carry no data.
func transfer(execCtx *ExecutionCtx, lamports uint64) error {
	instrCtx, err := execCtx.TransactionContext.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	if isSigner, err := instrCtx.IsInstructionAccountSigner(0); err != nil {
		return err
	} else if !isSigner {
		return InstrErrMissingRequiredSignature
	}

	from, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if len(from.Data()) != 0 {
		return InstrErrInvalidArgument
	}
	if lamports > from.Lamports() {
		klog.V(3).Infof("transfer: %s has %d lamports, need %d", from.Key(), from.Lamports(), lamports)
		return SystemProgErrResultWithNegativeLamports
	}
	if err = from.CheckedSubLamports(lamports); err != nil {
		return err
	}

	to, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	return to.CheckedAddLamports(lamports)
}
