// Package callback is the dispatcher shared by programs that answer
// asynchronous requests. A request registers the program, discriminator and
// accounts to call back; the responder later re-enters that program with the
// result, signing as the requesting program's identity PDA so the callee can
// verify provenance with a signer check.
package callback

import (
	"bytes"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

const IdentitySeed = "identity"

// MaxCallbackAccounts bounds the account list a request may register.
const MaxCallbackAccounts = 32

var (
	CallbackErrUnauthorized            = sealevel.NewCustomErr(6000, "CallbackErrUnauthorized")
	CallbackErrAlreadyProcessed        = sealevel.NewCustomErr(6001, "CallbackErrAlreadyProcessed")
	CallbackErrPayerInCallbackAccounts = sealevel.NewCustomErr(6002, "CallbackErrPayerInCallbackAccounts")
	CallbackErrTooManyAccounts         = sealevel.NewCustomErr(6003, "CallbackErrTooManyAccounts")
)

// Registration is what a request stores about its callback.
type Registration struct {
	ProgramID     solana.PublicKey
	Discriminator sealevel.Discriminator
	Accounts      []sealevel.AccountMeta
}

func (reg *Registration) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteBytes(reg.ProgramID[:], false); err != nil {
		return err
	}
	if err := encoder.WriteBytes(reg.Discriminator[:], false); err != nil {
		return err
	}
	if err := encoder.WriteUint32(uint32(len(reg.Accounts)), bin.LE); err != nil {
		return err
	}
	for idx := range reg.Accounts {
		if err := reg.Accounts[idx].MarshalWithEncoder(encoder); err != nil {
			return err
		}
	}
	return nil
}

func (reg *Registration) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	pk, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	copy(reg.ProgramID[:], pk)

	disc, err := decoder.ReadBytes(len(reg.Discriminator))
	if err != nil {
		return err
	}
	copy(reg.Discriminator[:], disc)

	n, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return err
	}
	if n > MaxCallbackAccounts || uint64(n)*sealevel.AccountMetaSize > uint64(decoder.Remaining()) {
		return util.ErrBorshLength
	}
	reg.Accounts = make([]sealevel.AccountMeta, n)
	for idx := range reg.Accounts {
		if err = reg.Accounts[idx].UnmarshalWithDecoder(decoder); err != nil {
			return err
		}
	}
	return nil
}

// Size is the encoded length of the registration.
func (reg *Registration) Size() uint64 {
	return solana.PublicKeyLength + 8 + 4 + uint64(len(reg.Accounts))*sealevel.AccountMetaSize
}

// Validate rejects registrations the dispatcher would refuse to call.
func (reg *Registration) Validate() error {
	if len(reg.Accounts) > MaxCallbackAccounts {
		return CallbackErrTooManyAccounts
	}
	if reg.ProgramID.IsZero() {
		return sealevel.InstrErrIncorrectProgramId
	}
	return nil
}

// IdentitySigner returns the signing capability for programID's identity
// PDA. Only programID itself can use it in InvokeSigned.
func IdentitySigner(programID solana.PublicKey) (sealevel.SignerSeeds, error) {
	signer, _, err := sealevel.FindSignerSeeds(programID, []byte(IdentitySeed))
	return signer, err
}

func IdentityAddress(programID solana.PublicKey) solana.PublicKey {
	signer, err := IdentitySigner(programID)
	if err != nil {
		klog.Errorf("unable to derive identity of %s: %s", programID, err)
	}
	return signer.Address()
}

// RequireIdentitySigner checks that account idx of the executing
// instruction is identity and that it signed. A callback consumer calls it
// first: the signer flag is the whole trust boundary.
func RequireIdentitySigner(execCtx *sealevel.ExecutionCtx, idx uint64, identity solana.PublicKey) error {
	acct, err := execCtx.BorrowAccount(idx)
	if err != nil {
		return err
	}
	if acct.Key() != identity || !acct.IsSigner() {
		execCtx.Logf("Callback not signed by identity %s", identity)
		return CallbackErrUnauthorized
	}
	return nil
}

// CheckCallbackAccounts rejects an account list that names payer.
func CheckCallbackAccounts(metas []sealevel.AccountMeta, payer solana.PublicKey) error {
	if lo.ContainsBy(metas, func(meta sealevel.AccountMeta) bool { return meta.Pubkey == payer }) {
		return CallbackErrPayerInCallbackAccounts
	}
	return nil
}

// EncodeResult prefixes a borsh encoded result with the callback
// discriminator.
func EncodeResult(disc sealevel.Discriminator, result string) []byte {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	_ = util.WriteBorshString(bin.NewBinEncoder(buf), result)
	return buf.Bytes()
}

// DecodeResult reads the result string behind a callback discriminator.
func DecodeResult(payload []byte) (string, error) {
	result, err := util.ReadBorshString(bin.NewBinDecoder(payload))
	if err != nil {
		return "", sealevel.InstrErrInvalidInstructionData
	}
	return result, nil
}

// NewCallbackInstruction builds the instruction the dispatcher invokes: the
// identity as a read-only signer, then the registered accounts.
func NewCallbackInstruction(reg *Registration, identity solana.PublicKey, result string) sealevel.Instruction {
	metas := make([]sealevel.AccountMeta, 0, len(reg.Accounts)+1)
	metas = append(metas, sealevel.Signer(identity))
	metas = append(metas, reg.Accounts...)
	return sealevel.Instruction{
		ProgramId: reg.ProgramID,
		Accounts:  metas,
		Data:      EncodeResult(reg.Discriminator, result),
	}
}

// Dispatch invokes the registered callback with result. The caller must
// have marked its request processed before calling.
func Dispatch(execCtx *sealevel.ExecutionCtx, reg *Registration, identity sealevel.SignerSeeds, result string) error {
	ix := NewCallbackInstruction(reg, identity.Address(), result)
	klog.V(2).Infof("dispatching callback to %s with %d accounts", reg.ProgramID, len(reg.Accounts))
	return execCtx.InvokeSigned(ix, identity)
}
