package magic

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

// bounds on decoded list lengths
const (
	maxIntents          = 1024
	maxCommittedAccts   = 64
	maxHandlers         = 16
	maxHandlerAccts     = 64
	MagicContextMaxSize = 1024 * 1024
)

// CommittedAccount is the snapshot of one account taken when a commit was
// scheduled.
type CommittedAccount struct {
	Pubkey   solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

type HandlerAccount struct {
	Pubkey     solana.PublicKey
	IsWritable bool
}

// CallHandler is a deferred invocation of Destination on the base bank,
// run once the commit it is attached to has been finalized.
type CallHandler struct {
	Destination     solana.PublicKey
	EscrowAuthority solana.PublicKey
	EscrowIndex     uint8
	Data            []byte
	Accounts        []HandlerAccount
	ComputeUnits    uint32
}

type Intent struct {
	Id         uint64
	Slot       uint64
	Payer      solana.PublicKey
	Accounts   []CommittedAccount
	Undelegate bool
	Handlers   []CallHandler
}

func (intent *Intent) Pubkeys() []solana.PublicKey {
	keys := make([]solana.PublicKey, 0, len(intent.Accounts))
	for _, acct := range intent.Accounts {
		keys = append(keys, acct.Pubkey)
	}
	return keys
}

// MagicContext is the data of the magic context account: the intents
// scheduled since the validator last accepted them.
type MagicContext struct {
	NextId  uint64
	Intents []*Intent
}

func readPubkey(decoder *bin.Decoder) (solana.PublicKey, error) {
	b, err := decoder.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func readLen(decoder *bin.Decoder, max uint32, what string) (uint32, error) {
	n, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, fmt.Errorf("%s: %d exceeds maximum of %d", what, n, max)
	}
	return n, nil
}

func (h *HandlerAccount) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if h.Pubkey, err = readPubkey(decoder); err != nil {
		return err
	}
	h.IsWritable, err = decoder.ReadBool()
	return err
}

func (h *HandlerAccount) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteBytes(h.Pubkey[:], false)
	return encoder.WriteBool(h.IsWritable)
}

func (ch *CallHandler) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if ch.Destination, err = readPubkey(decoder); err != nil {
		return err
	}
	if ch.EscrowAuthority, err = readPubkey(decoder); err != nil {
		return err
	}
	if ch.EscrowIndex, err = decoder.ReadUint8(); err != nil {
		return err
	}
	if ch.Data, err = util.ReadBorshBytes(decoder); err != nil {
		return err
	}

	n, err := readLen(decoder, maxHandlerAccts, "handler accounts")
	if err != nil {
		return err
	}
	ch.Accounts = make([]HandlerAccount, n)
	for i := range ch.Accounts {
		if err = ch.Accounts[i].UnmarshalWithDecoder(decoder); err != nil {
			return err
		}
	}

	ch.ComputeUnits, err = decoder.ReadUint32(bin.LE)
	return err
}

func (ch *CallHandler) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteBytes(ch.Destination[:], false)
	_ = encoder.WriteBytes(ch.EscrowAuthority[:], false)
	_ = encoder.WriteUint8(ch.EscrowIndex)
	_ = util.WriteBorshBytes(encoder, ch.Data)
	_ = encoder.WriteUint32(uint32(len(ch.Accounts)), bin.LE)
	for i := range ch.Accounts {
		_ = ch.Accounts[i].MarshalWithEncoder(encoder)
	}
	return encoder.WriteUint32(ch.ComputeUnits, bin.LE)
}

func (ca *CommittedAccount) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if ca.Pubkey, err = readPubkey(decoder); err != nil {
		return err
	}
	if ca.Owner, err = readPubkey(decoder); err != nil {
		return err
	}
	if ca.Lamports, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	ca.Data, err = util.ReadBorshBytes(decoder)
	return err
}

func (ca *CommittedAccount) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteBytes(ca.Pubkey[:], false)
	_ = encoder.WriteBytes(ca.Owner[:], false)
	_ = encoder.WriteUint64(ca.Lamports, bin.LE)
	return util.WriteBorshBytes(encoder, ca.Data)
}

func (intent *Intent) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if intent.Id, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if intent.Slot, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if intent.Payer, err = readPubkey(decoder); err != nil {
		return err
	}

	n, err := readLen(decoder, maxCommittedAccts, "committed accounts")
	if err != nil {
		return err
	}
	intent.Accounts = make([]CommittedAccount, n)
	for i := range intent.Accounts {
		if err = intent.Accounts[i].UnmarshalWithDecoder(decoder); err != nil {
			return err
		}
	}

	if intent.Undelegate, err = decoder.ReadBool(); err != nil {
		return err
	}

	n, err = readLen(decoder, maxHandlers, "call handlers")
	if err != nil {
		return err
	}
	intent.Handlers = make([]CallHandler, n)
	for i := range intent.Handlers {
		if err = intent.Handlers[i].UnmarshalWithDecoder(decoder); err != nil {
			return err
		}
	}
	return nil
}

func (intent *Intent) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteUint64(intent.Id, bin.LE)
	_ = encoder.WriteUint64(intent.Slot, bin.LE)
	_ = encoder.WriteBytes(intent.Payer[:], false)
	_ = encoder.WriteUint32(uint32(len(intent.Accounts)), bin.LE)
	for i := range intent.Accounts {
		_ = intent.Accounts[i].MarshalWithEncoder(encoder)
	}
	_ = encoder.WriteBool(intent.Undelegate)
	_ = encoder.WriteUint32(uint32(len(intent.Handlers)), bin.LE)
	for i := range intent.Handlers {
		_ = intent.Handlers[i].MarshalWithEncoder(encoder)
	}
	return nil
}

func (mc *MagicContext) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if mc.NextId, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	n, err := readLen(decoder, maxIntents, "intents")
	if err != nil {
		return err
	}
	mc.Intents = make([]*Intent, n)
	for i := range mc.Intents {
		mc.Intents[i] = new(Intent)
		if err = mc.Intents[i].UnmarshalWithDecoder(decoder); err != nil {
			return err
		}
	}
	return nil
}

func (mc *MagicContext) MarshalWithEncoder(encoder *bin.Encoder) error {
	_ = encoder.WriteUint64(mc.NextId, bin.LE)
	_ = encoder.WriteUint32(uint32(len(mc.Intents)), bin.LE)
	for _, intent := range mc.Intents {
		_ = intent.MarshalWithEncoder(encoder)
	}
	return nil
}

func (mc *MagicContext) Marshal() []byte {
	buf := new(bytes.Buffer)
	_ = mc.MarshalWithEncoder(bin.NewBinEncoder(buf))
	return buf.Bytes()
}

// UnmarshalMagicContext decodes context account data. An unallocated
// context holds no intents.
func UnmarshalMagicContext(data []byte) (*MagicContext, error) {
	mc := new(MagicContext)
	if len(data) == 0 {
		return mc, nil
	}
	if err := mc.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, err
	}
	return mc, nil
}

type AccountReader interface {
	GetAccount(pubkey solana.PublicKey) (*accounts.Account, error)
}

// ReadScheduledIntents returns the intents waiting in the magic context.
func ReadScheduledIntents(reader AccountReader, contextID solana.PublicKey) ([]*Intent, error) {
	acct, err := reader.GetAccount(contextID)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	mc, err := UnmarshalMagicContext(acct.Data)
	if err != nil {
		return nil, err
	}
	return mc.Intents, nil
}

// NewContextAccount returns the magic context as stored at genesis of an
// ephemeral bank, funded for its maximum size.
func NewContextAccount(cfg Config, rent *sealevel.SysvarRent) accounts.Account {
	return accounts.Account{
		Key:      cfg.ContextID,
		Lamports: rent.MinimumBalance(MagicContextMaxSize),
		Data:     (&MagicContext{}).Marshal(),
		Owner:    cfg.ProgramID,
	}
}
