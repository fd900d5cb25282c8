package delegation

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// account discriminators
var (
	DelegationRecordDiscriminator   = sealevel.IndexDiscriminator(100)
	CommitRecordDiscriminator       = sealevel.IndexDiscriminator(101)
	DelegationMetadataDiscriminator = sealevel.IndexDiscriminator(102)
)

const DelegationRecordSize = 8 + 32 + 32 + 8 + 8 + 8

type DelegationRecord struct {
	// Authority is the validator allowed to commit; the zero key lets any
	// validator commit.
	Authority         solana.PublicKey
	Owner             solana.PublicKey
	DelegationSlot    uint64
	Lamports          uint64
	CommitFrequencyMs uint64
}

func (r *DelegationRecord) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := readDiscriminator(decoder, DelegationRecordDiscriminator); err != nil {
		return err
	}

	authority, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	r.Authority = solana.PublicKeyFromBytes(authority)

	owner, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	r.Owner = solana.PublicKeyFromBytes(owner)

	r.DelegationSlot, err = decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}

	r.Lamports, err = decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}

	r.CommitFrequencyMs, err = decoder.ReadUint64(bin.LE)
	return err
}

func (r *DelegationRecord) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteBytes(DelegationRecordDiscriminator[:], false)
	_ = encoder.WriteBytes(r.Authority[:], false)
	_ = encoder.WriteBytes(r.Owner[:], false)
	_ = encoder.WriteUint64(r.DelegationSlot, bin.LE)
	_ = encoder.WriteUint64(r.Lamports, bin.LE)
	return encoder.WriteUint64(r.CommitFrequencyMs, bin.LE)
}

type DelegationMetadata struct {
	LastUpdateNonce uint64
	IsUndelegatable bool
	RentPayer       solana.PublicKey
	Seeds           [][]byte
}

func (m *DelegationMetadata) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := readDiscriminator(decoder, DelegationMetadataDiscriminator); err != nil {
		return err
	}

	var err error
	m.LastUpdateNonce, err = decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}

	m.IsUndelegatable, err = decoder.ReadBool()
	if err != nil {
		return err
	}

	rentPayer, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	m.RentPayer = solana.PublicKeyFromBytes(rentPayer)

	m.Seeds, err = util.ReadBorshSeeds(decoder)
	return err
}

func (m *DelegationMetadata) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteBytes(DelegationMetadataDiscriminator[:], false)
	_ = encoder.WriteUint64(m.LastUpdateNonce, bin.LE)
	_ = encoder.WriteBool(m.IsUndelegatable)
	_ = encoder.WriteBytes(m.RentPayer[:], false)
	return util.WriteBorshSeeds(encoder, m.Seeds)
}

const CommitRecordSize = 8 + 8 + 32 + 32 + 8 + 1 + 32

type CommitRecord struct {
	Nonce             uint64
	Identity          solana.PublicKey
	Account           solana.PublicKey
	Lamports          uint64
	AllowUndelegation bool
	Digest            [32]byte
}

func (c *CommitRecord) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	if err := readDiscriminator(decoder, CommitRecordDiscriminator); err != nil {
		return err
	}

	var err error
	c.Nonce, err = decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}

	identity, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	c.Identity = solana.PublicKeyFromBytes(identity)

	account, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	c.Account = solana.PublicKeyFromBytes(account)

	c.Lamports, err = decoder.ReadUint64(bin.LE)
	if err != nil {
		return err
	}

	c.AllowUndelegation, err = decoder.ReadBool()
	if err != nil {
		return err
	}

	digest, err := decoder.ReadBytes(32)
	if err != nil {
		return err
	}
	copy(c.Digest[:], digest)
	return nil
}

func (c *CommitRecord) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteBytes(CommitRecordDiscriminator[:], false)
	_ = encoder.WriteUint64(c.Nonce, bin.LE)
	_ = encoder.WriteBytes(c.Identity[:], false)
	_ = encoder.WriteBytes(c.Account[:], false)
	_ = encoder.WriteUint64(c.Lamports, bin.LE)
	_ = encoder.WriteBool(c.AllowUndelegation)
	return encoder.WriteBytes(c.Digest[:], false)
}

type marshaler interface {
	MarshalWithEncoder(encoder *bin.Encoder) error
}

func marshal(m marshaler) []byte {
	buf := new(bytes.Buffer)
	_ = m.MarshalWithEncoder(bin.NewBinEncoder(buf))
	return buf.Bytes()
}

func readDiscriminator(decoder *bin.Decoder, expected sealevel.Discriminator) error {
	d, err := decoder.ReadBytes(len(expected))
	if err != nil {
		return err
	}
	if !bytes.Equal(d, expected[:]) {
		return fmt.Errorf("%w: unexpected discriminator %v", sealevel.InstrErrInvalidAccountData, d)
	}
	return nil
}

func UnmarshalDelegationRecord(data []byte) (*DelegationRecord, error) {
	var record DelegationRecord
	if err := record.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, err
	}
	return &record, nil
}

func UnmarshalDelegationMetadata(data []byte) (*DelegationMetadata, error) {
	var metadata DelegationMetadata
	if err := metadata.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, err
	}
	return &metadata, nil
}

func UnmarshalCommitRecord(data []byte) (*CommitRecord, error) {
	var record CommitRecord
	if err := record.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, err
	}
	return &record, nil
}

type State int

const (
	StateUndelegated State = iota
	StateDelegating
	StateDelegated
	StateCommitPending
)

func (s State) String() string {
	switch s {
	case StateUndelegated:
		return "Undelegated"
	case StateDelegating:
		return "Delegating"
	case StateDelegated:
		return "Delegated"
	case StateCommitPending:
		return "CommitPending"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AccountReader is the read side of a bank.
type AccountReader interface {
	GetAccount(pubkey solana.PublicKey) (*accounts.Account, error)
}

func exists(reader AccountReader, pubkey solana.PublicKey) (*accounts.Account, bool, error) {
	acct, err := reader.GetAccount(pubkey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return acct, acct.Lamports > 0, nil
}

// GetState reports the lifecycle state of delegated from account ownership
// and the delegation program's PDAs.
func GetState(reader AccountReader, programID solana.PublicKey, delegated solana.PublicKey) (State, error) {
	recordAddr, _ := FindDelegationRecordAddress(programID, delegated)
	_, hasRecord, err := exists(reader, recordAddr)
	if err != nil {
		return StateUndelegated, err
	}

	if !hasRecord {
		acct, ok, err := exists(reader, delegated)
		if err != nil {
			return StateUndelegated, err
		}
		if ok && solana.PublicKey(acct.Owner) == programID {
			return StateDelegating, nil
		}
		return StateUndelegated, nil
	}

	commitRecordAddr, _ := FindCommitRecordAddress(programID, delegated)
	_, pending, err := exists(reader, commitRecordAddr)
	if err != nil {
		return StateUndelegated, err
	}
	if pending {
		return StateCommitPending, nil
	}
	return StateDelegated, nil
}

func GetDelegationRecord(reader AccountReader, programID solana.PublicKey, delegated solana.PublicKey) (*DelegationRecord, error) {
	recordAddr, _ := FindDelegationRecordAddress(programID, delegated)
	acct, ok, err := exists(reader, recordAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, DelegationErrNotDelegated
	}
	return UnmarshalDelegationRecord(acct.Data)
}

func GetDelegationMetadata(reader AccountReader, programID solana.PublicKey, delegated solana.PublicKey) (*DelegationMetadata, error) {
	metadataAddr, _ := FindDelegationMetadataAddress(programID, delegated)
	acct, ok, err := exists(reader, metadataAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, DelegationErrNotDelegated
	}
	return UnmarshalDelegationMetadata(acct.Data)
}
